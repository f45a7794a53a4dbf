package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/eunmann/maude-sync/pkg/catalog"
)

// YearColumn attributes every stored row to the year it was synced for.
const YearColumn = "sync_year"

type columnKind int

const (
	kindText columnKind = iota
	kindKey
	kindDate
)

type column struct {
	name string
	kind columnKind
}

func (c column) sqlType() string {
	if c.kind == kindKey {
		return "INTEGER"
	}
	return "TEXT"
}

func kindOf(name string) columnKind {
	upper := strings.ToUpper(name)
	switch {
	case strings.HasSuffix(upper, "_KEY"):
		return kindKey
	case strings.HasPrefix(upper, "DATE_"), strings.HasSuffix(upper, "_DATE"), strings.Contains(upper, "_DATE_"):
		return kindDate
	default:
		return kindText
	}
}

// buildColumns turns an archive header into storable columns. Names keep
// their case; blanks get positional names and duplicates (SQLite compares
// identifiers case-insensitively) get a numeric suffix.
func buildColumns(header []string) []column {
	cols := make([]column, 0, len(header))
	seen := make(map[string]bool, len(header)+1)
	seen[YearColumn] = true
	for i, h := range header {
		name := strings.TrimSpace(h)
		if name == "" {
			name = "COLUMN_" + strconv.Itoa(i+1)
		}
		base := name
		for n := 2; seen[strings.ToLower(name)]; n++ {
			name = base + "_" + strconv.Itoa(n)
		}
		seen[strings.ToLower(name)] = true
		// The suffix must not change the kind: "X_KEY_2" is still a key.
		cols = append(cols, column{name: name, kind: kindOf(base)})
	}
	return cols
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// tableColumns returns the lowercased column names of table, or nil when the
// table does not exist.
func tableColumns(ctx context.Context, q queryer, table string) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	var cols map[string]string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table info %s: %w", table, err)
		}
		if cols == nil {
			cols = make(map[string]string)
		}
		cols[strings.ToLower(name)] = name
	}
	return cols, rows.Err()
}

// ensureTable creates table or adds the columns it is missing.
func ensureTable(ctx context.Context, tx *sql.Tx, table catalog.Table, cols []column) error {
	existing, err := tableColumns(ctx, tx, string(table))
	if err != nil {
		return err
	}

	if existing == nil {
		var b strings.Builder
		fmt.Fprintf(&b, "CREATE TABLE %s (%s INTEGER NOT NULL", quoteIdent(string(table)), quoteIdent(YearColumn))
		for _, c := range cols {
			fmt.Fprintf(&b, ", %s %s", quoteIdent(c.name), c.sqlType())
		}
		b.WriteString(")")
		if _, err := tx.ExecContext(ctx, b.String()); err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
		idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			quoteIdent("idx_"+string(table)+"_"+YearColumn), quoteIdent(string(table)), quoteIdent(YearColumn))
		if _, err := tx.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("create year index on %s: %w", table, err)
		}
		return nil
	}

	for _, c := range cols {
		if _, ok := existing[strings.ToLower(c.name)]; ok {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteIdent(string(table)), quoteIdent(c.name), c.sqlType())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, c.name, err)
		}
	}
	return nil
}

// EnsureIndexes creates the lookup indexes for table on the columns it
// currently has.
func (s *Store) EnsureIndexes(ctx context.Context, table catalog.Table) error {
	spec, ok := catalog.Lookup(table)
	if !ok {
		return fmt.Errorf("unknown table %q", table)
	}
	existing, err := tableColumns(ctx, s.db, string(table))
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	for _, want := range spec.IndexColumns {
		name, ok := existing[strings.ToLower(want)]
		if !ok {
			continue
		}
		stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			quoteIdent("idx_"+string(table)+"_"+strings.ToLower(name)), quoteIdent(string(table)), quoteIdent(name))
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index on %s.%s: %w", table, name, err)
		}
	}
	return nil
}
