package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/eunmann/maude-sync/internal/logctx"
	"github.com/eunmann/maude-sync/pkg/catalog"
	"github.com/eunmann/maude-sync/pkg/extract"
	"github.com/eunmann/maude-sync/pkg/ledger"
	"github.com/eunmann/maude-sync/pkg/logging"
)

// MultiRowBatchSize is the number of rows per multi-row INSERT statement.
const MultiRowBatchSize = 256

// maxVariables is SQLite's default SQLITE_MAX_VARIABLE_NUMBER.
const maxVariables = 32766

// WriteFailure reports a failed write transaction. Nothing it touched was
// committed.
type WriteFailure struct {
	Table catalog.Table
	Years []int
	Op    string
	Err   error
}

func (e *WriteFailure) Error() string {
	return fmt.Sprintf("write %s %v: %s: %v", e.Table, e.Years, e.Op, e.Err)
}

func (e *WriteFailure) Unwrap() error {
	return e.Err
}

// Recorder writes ledger entries inside the caller's transaction.
type Recorder interface {
	Record(ctx context.Context, ex ledger.Execer, e ledger.Entry) error
}

// ReplaceRequest replaces the stored rows of several years of one table
// with the rows an extraction pass produces.
type ReplaceRequest struct {
	Table  catalog.Table
	Header []string
	Years  []int

	// Entries holds the ledger entry recorded for each year. RowCount is
	// filled in by Replace.
	Entries map[int]ledger.Entry

	// Fill streams rows into the per-year sinks.
	Fill func(ctx context.Context, sinks map[int]extract.Sink) error
}

// Replace deletes the prior rows for every requested year, inserts the rows
// Fill produces and records the ledger entries, all in one transaction.
// It returns the rows written per year.
func (s *Store) Replace(ctx context.Context, rec Recorder, req ReplaceRequest) (map[int]int64, error) {
	years := uniqueSorted(req.Years)
	if len(years) == 0 {
		return nil, errors.New("replace: no years")
	}
	for _, y := range years {
		if _, ok := req.Entries[y]; !ok {
			return nil, fmt.Errorf("replace %s: no ledger entry for %d", req.Table, y)
		}
	}
	fail := func(op string, err error) error {
		return &WriteFailure{Table: req.Table, Years: years, Op: op, Err: err}
	}

	keys := make([]string, len(years))
	for i, y := range years {
		keys[i] = catalog.Request{Table: req.Table, Year: y}.String()
	}
	unlock, err := s.locks.Lock(ctx, keys...)
	if err != nil {
		return nil, fail("lock", err)
	}
	defer unlock()
	release, err := s.acquireWriter(ctx)
	if err != nil {
		return nil, fail("lock", err)
	}
	defer release()

	log := logctx.FromContext(ctx)
	start := time.Now()
	cols := buildColumns(req.Header)

	chunkRows, err := s.reserveChunks(ctx, len(cols), len(years))
	if err != nil {
		return nil, fail("reserve memory", err)
	}
	defer chunkRows.release()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fail("begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	if err := ensureTable(ctx, tx, req.Table, cols); err != nil {
		return nil, fail("schema", err)
	}
	if err := deleteYears(ctx, tx, req.Table, years); err != nil {
		return nil, fail("delete", err)
	}
	if s.afterDelete != nil {
		if err := s.afterDelete(string(req.Table), years); err != nil {
			return nil, fail("delete", err)
		}
	}

	ins, err := newInserter(ctx, tx, req.Table, cols, s.cfg.MaxTextBytes)
	if err != nil {
		return nil, fail("prepare", err)
	}
	defer ins.close()

	writers := make(map[int]*yearWriter, len(years))
	sinks := make(map[int]extract.Sink, len(years))
	for _, y := range years {
		w := &yearWriter{ctx: ctx, ins: ins, year: y, limit: chunkRows.rows}
		writers[y] = w
		sinks[y] = w
	}

	if err := req.Fill(ctx, sinks); err != nil {
		var wf *WriteFailure
		if errors.As(err, &wf) {
			return nil, err
		}
		return nil, fmt.Errorf("replace %s %v: %w", req.Table, years, err)
	}

	counts := make(map[int]int64, len(years))
	for _, y := range years {
		w := writers[y]
		if err := w.flush(); err != nil {
			return nil, err
		}
		counts[y] = w.count

		e := req.Entries[y]
		e.Table = req.Table
		e.Year = y
		e.RowCount = w.count
		if err := rec.Record(ctx, tx, e); err != nil {
			return nil, fail("ledger", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, fail("commit", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fail("commit", err)
	}
	committed = true

	var total int64
	for _, n := range counts {
		total += n
	}
	logging.BatchComplete(log, "import", time.Since(start)).
		Str("table", string(req.Table)).
		Int("years", len(years)).
		Count("rows", total).
		Log("replaced table years")

	if err := s.EnsureIndexes(ctx, req.Table); err != nil {
		log.Warn().Err(err).Str("table", string(req.Table)).Msg("index creation failed")
	}
	return counts, nil
}

type reservation struct {
	rows   int
	bytes  uint64
	budget interface{ Release(uint64) }
}

func (r reservation) release() {
	if r.budget != nil && r.bytes > 0 {
		r.budget.Release(r.bytes)
	}
}

// estimatedFieldBytes approximates the in-memory size of one bound value.
const estimatedFieldBytes = 48

// reserveChunks sizes the per-year buffers and reserves their memory in one
// step, so a transaction never holds part of its budget while waiting.
func (s *Store) reserveChunks(ctx context.Context, width, writers int) (reservation, error) {
	if s.budget == nil {
		return reservation{rows: s.cfg.ChunkRows}, nil
	}
	rowBytes := uint64(width+1) * estimatedFieldBytes
	rows := s.budget.ChunkRows(rowBytes, writers)
	n := min(uint64(rows)*rowBytes*uint64(writers), s.budget.Total())
	if err := s.budget.Reserve(ctx, n); err != nil {
		return reservation{}, err
	}
	return reservation{rows: rows, bytes: n, budget: s.budget}, nil
}

func deleteYears(ctx context.Context, tx *sql.Tx, table catalog.Table, years []int) error {
	args := make([]any, len(years))
	for i, y := range years {
		args[i] = y
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)",
		quoteIdent(string(table)), quoteIdent(YearColumn), placeholders(len(years)))
	_, err := tx.ExecContext(ctx, stmt, args...)
	return err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// buildMultiRowInsertSQL creates an INSERT for multiple rows.
func buildMultiRowInsertSQL(table catalog.Table, cols []column, numRows int) string {
	names := make([]string, 0, len(cols)+1)
	names = append(names, quoteIdent(YearColumn))
	for _, c := range cols {
		names = append(names, quoteIdent(c.name))
	}
	row := "(" + placeholders(len(names)) + ")"

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", quoteIdent(string(table)), strings.Join(names, ", "))
	for i := 0; i < numRows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(row)
	}
	return b.String()
}

// inserter holds the prepared statements shared by all year writers of one
// transaction.
type inserter struct {
	table  catalog.Table
	width  int
	batch  int
	multi  *sql.Stmt
	single *sql.Stmt
	norm   normalizer
}

func newInserter(ctx context.Context, tx *sql.Tx, table catalog.Table, cols []column, maxText int) (*inserter, error) {
	width := len(cols) + 1
	batch := min(MultiRowBatchSize, maxVariables/width)
	if batch < 1 {
		return nil, fmt.Errorf("%d columns exceed the statement variable limit", len(cols))
	}

	single, err := tx.PrepareContext(ctx, buildMultiRowInsertSQL(table, cols, 1))
	if err != nil {
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	ins := &inserter{table: table, width: width, batch: batch, single: single, norm: normalizer{cols: cols, maxBytes: maxText}}
	if batch > 1 {
		ins.multi, err = tx.PrepareContext(ctx, buildMultiRowInsertSQL(table, cols, batch))
		if err != nil {
			single.Close()
			return nil, fmt.Errorf("prepare multi-row insert: %w", err)
		}
	}
	return ins, nil
}

func (ins *inserter) close() {
	if ins.multi != nil {
		ins.multi.Close()
	}
	ins.single.Close()
}

// write inserts rows full batches at a time, then the remainder row by row.
func (ins *inserter) write(ctx context.Context, args []any, rows int) error {
	i := 0
	if ins.multi != nil {
		for ; i+ins.batch <= rows; i += ins.batch {
			if _, err := ins.multi.ExecContext(ctx, args[i*ins.width:(i+ins.batch)*ins.width]...); err != nil {
				return fmt.Errorf("multi-row insert: %w", err)
			}
		}
	}
	for ; i < rows; i++ {
		if _, err := ins.single.ExecContext(ctx, args[i*ins.width:(i+1)*ins.width]...); err != nil {
			return fmt.Errorf("insert: %w", err)
		}
	}
	return nil
}

// yearWriter buffers the rows of one year and flushes them in chunks.
// It lives only for the duration of one Replace call.
type yearWriter struct {
	ctx   context.Context
	ins   *inserter
	year  int
	limit int

	args  []any
	rows  int
	count int64
}

// Add buffers one row, flushing when the chunk is full.
func (w *yearWriter) Add(rec extract.Record) error {
	w.args = w.ins.norm.appendRow(w.args, w.year, rec.Fields)
	w.rows++
	if w.rows >= w.limit {
		return w.flush()
	}
	return nil
}

func (w *yearWriter) flush() error {
	if w.rows == 0 {
		return nil
	}
	if err := w.ins.write(w.ctx, w.args, w.rows); err != nil {
		return &WriteFailure{Table: w.ins.table, Years: []int{w.year}, Op: "insert", Err: err}
	}
	w.count += int64(w.rows)
	clear(w.args)
	w.args = w.args[:0]
	w.rows = 0
	return nil
}

func uniqueSorted(years []int) []int {
	out := append([]int(nil), years...)
	sort.Ints(out)
	uniq := out[:0]
	for i, y := range out {
		if i == 0 || y != out[i-1] {
			uniq = append(uniq, y)
		}
	}
	return uniq
}
