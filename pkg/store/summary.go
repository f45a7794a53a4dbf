package store

import (
	"context"
	"fmt"

	"github.com/eunmann/maude-sync/pkg/catalog"
)

// YearCount is the number of stored rows of one table and year.
type YearCount struct {
	Table catalog.Table
	Year  int
	Rows  int64
}

// Summary counts stored rows per table and year. Tables never imported
// are omitted.
func (s *Store) Summary(ctx context.Context) ([]YearCount, error) {
	var out []YearCount
	for _, table := range catalog.Tables() {
		cols, err := tableColumns(ctx, s.db, string(table))
		if err != nil {
			return nil, err
		}
		if cols == nil {
			continue
		}
		q := fmt.Sprintf("SELECT %s, COUNT(*) FROM %s GROUP BY %s ORDER BY %s",
			quoteIdent(YearColumn), quoteIdent(string(table)), quoteIdent(YearColumn), quoteIdent(YearColumn))
		rows, err := s.db.QueryContext(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("summarize %s: %w", table, err)
		}
		for rows.Next() {
			yc := YearCount{Table: table}
			if err := rows.Scan(&yc.Year, &yc.Rows); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan summary %s: %w", table, err)
			}
			out = append(out, yc)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("summarize %s: %w", table, err)
		}
	}
	return out, nil
}

// CountRows returns the stored rows of one table and year, zero when the
// table does not exist yet.
func (s *Store) CountRows(ctx context.Context, table catalog.Table, year int) (int64, error) {
	cols, err := tableColumns(ctx, s.db, string(table))
	if err != nil || cols == nil {
		return 0, err
	}
	var n int64
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", quoteIdent(string(table)), quoteIdent(YearColumn))
	if err := s.db.QueryRowContext(ctx, q, year).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s/%d: %w", table, year, err)
	}
	return n, nil
}

// Columns returns the stored column names of table in declaration order.
func (s *Store) Columns(ctx context.Context, table catalog.Table) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?) ORDER BY cid", string(table))
	if err != nil {
		return nil, fmt.Errorf("columns %s: %w", table, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}
