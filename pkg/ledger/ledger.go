// Package ledger records, per (table, year), which archive content was last
// imported successfully. Entries live in the same SQLite database as the
// imported rows and are written inside the import transaction.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/eunmann/maude-sync/pkg/catalog"
)

// TableName is the ledger table in the store database.
const TableName = "_sync_ledger"

// Entry describes one imported (table, year).
type Entry struct {
	Table               catalog.Table
	Year                int
	Fingerprint         Fingerprint
	SourceFilename      string
	SourceEffectiveYear int
	RowCount            int64
	SyncedAt            time.Time
}

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Ledger reads and writes ledger entries.
type Ledger struct {
	db *sql.DB
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS ` + TableName + ` (
	table_name            TEXT NOT NULL,
	year                  INTEGER NOT NULL,
	fingerprint           TEXT NOT NULL,
	source_filename       TEXT NOT NULL,
	source_effective_year INTEGER NOT NULL,
	row_count             INTEGER NOT NULL,
	synced_at             TEXT NOT NULL,
	PRIMARY KEY (table_name, year)
) WITHOUT ROWID`

// New creates the ledger table if needed.
func New(ctx context.Context, db *sql.DB) (*Ledger, error) {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e        Entry
		table    string
		fp       string
		syncedAt string
	)
	if err := s.Scan(&table, &e.Year, &fp, &e.SourceFilename, &e.SourceEffectiveYear, &e.RowCount, &syncedAt); err != nil {
		return Entry{}, err
	}
	e.Table = catalog.Table(table)
	var err error
	if e.Fingerprint, err = ParseFingerprint(fp); err != nil {
		return Entry{}, fmt.Errorf("ledger %s/%d: %w", table, e.Year, err)
	}
	if e.SyncedAt, err = time.Parse(time.RFC3339Nano, syncedAt); err != nil {
		return Entry{}, fmt.Errorf("ledger %s/%d: parse synced_at: %w", table, e.Year, err)
	}
	return e, nil
}

const selectColumns = `table_name, year, fingerprint, source_filename, source_effective_year, row_count, synced_at`

// Lookup returns the entry for (table, year), if any.
func (l *Ledger) Lookup(ctx context.Context, table catalog.Table, year int) (Entry, bool, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM `+TableName+` WHERE table_name = ? AND year = ?`,
		string(table), year)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("lookup ledger %s/%d: %w", table, year, err)
	}
	return e, true, nil
}

// Record upserts e using ex, normally the import transaction, so the entry
// becomes visible together with the rows it describes.
func (l *Ledger) Record(ctx context.Context, ex Execer, e Entry) error {
	if e.Fingerprint.IsZero() {
		return fmt.Errorf("record ledger %s/%d: empty fingerprint", e.Table, e.Year)
	}
	if e.SyncedAt.IsZero() {
		e.SyncedAt = time.Now()
	}
	_, err := ex.ExecContext(ctx, `
INSERT INTO `+TableName+` (`+selectColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (table_name, year) DO UPDATE SET
	fingerprint = excluded.fingerprint,
	source_filename = excluded.source_filename,
	source_effective_year = excluded.source_effective_year,
	row_count = excluded.row_count,
	synced_at = excluded.synced_at`,
		string(e.Table), e.Year, e.Fingerprint.String(), e.SourceFilename,
		e.SourceEffectiveYear, e.RowCount, e.SyncedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record ledger %s/%d: %w", e.Table, e.Year, err)
	}
	return nil
}

// List returns all entries ordered by table and year.
func (l *Ledger) List(ctx context.Context) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM `+TableName+` ORDER BY table_name, year`)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("list ledger: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	return out, nil
}

// ShouldSkip reports whether an import can be skipped: an entry exists, its
// fingerprint equals fp, and reprocessing was not forced.
func ShouldSkip(entry Entry, found bool, fp Fingerprint, forceReprocess bool) bool {
	return found && !forceReprocess && entry.Fingerprint == fp
}
