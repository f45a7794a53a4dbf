package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/eunmann/maude-sync/pkg/catalog"
	"github.com/eunmann/maude-sync/pkg/extract"
	"github.com/eunmann/maude-sync/pkg/ledger"
	"github.com/eunmann/maude-sync/pkg/membudget"
)

var masterHeader = []string{"MDR_REPORT_KEY", "DATE_RECEIVED", "EVENT_TYPE"}

func openTestStore(t *testing.T, mutate func(*Config)) (*Store, *ledger.Ledger) {
	t.Helper()
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "maude.db"))
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	led, err := ledger.New(context.Background(), s.DB())
	if err != nil {
		t.Fatalf("ledger.New failed: %v", err)
	}
	return s, led
}

func entries(years ...int) map[int]ledger.Entry {
	out := make(map[int]ledger.Entry, len(years))
	for _, y := range years {
		out[y] = ledger.Entry{
			Fingerprint:         ledger.Fingerprint{byte(y % 256), 1},
			SourceFilename:      "mdrfoithru2024.zip",
			SourceEffectiveYear: 2024,
			SyncedAt:            time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		}
	}
	return out
}

// rowsFill emits n rows per year.
func rowsFill(perYear map[int]int) func(context.Context, map[int]extract.Sink) error {
	return func(_ context.Context, sinks map[int]extract.Sink) error {
		key := 1
		for year, n := range perYear {
			for i := 0; i < n; i++ {
				rec := extract.Record{Fields: []string{
					fmt.Sprint(key), fmt.Sprintf("03/15/%d", year), " M ",
				}}
				key++
				if err := sinks[year].Add(rec); err != nil {
					return err
				}
			}
		}
		return nil
	}
}

func mustCount(t *testing.T, s *Store, table catalog.Table, year int) int64 {
	t.Helper()
	n, err := s.CountRows(context.Background(), table, year)
	if err != nil {
		t.Fatalf("CountRows(%s, %d) failed: %v", table, year, err)
	}
	return n
}

func TestOpenClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(DefaultConfig(dbPath))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default", DefaultConfig("x.db"), false},
		{"zero values filled", Config{DBPath: "x.db"}, false},
		{"missing path", Config{}, true},
		{"bad synchronous", Config{DBPath: "x.db", Synchronous: "SOMETIMES"}, true},
		{"negative mmap", Config{DBPath: "x.db", MmapSize: -1}, true},
		{"negative chunk rows", Config{DBPath: "x.db", ChunkRows: -5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && (cfg.Synchronous == "" || cfg.ChunkRows == 0 || cfg.MaxTextBytes == 0) {
				t.Errorf("Validate() left zero defaults: %+v", cfg)
			}
		})
	}
}

func TestBuildColumns(t *testing.T) {
	cols := buildColumns([]string{"MDR_REPORT_KEY", "", "Date_Received", "mdr_report_key", "sync_year", "TEXT", "date_received"})
	want := []struct {
		name string
		kind columnKind
	}{
		{"MDR_REPORT_KEY", kindKey},
		{"COLUMN_2", kindText},
		{"Date_Received", kindDate},
		{"mdr_report_key_2", kindKey},
		{"sync_year_2", kindText},
		{"TEXT", kindText},
		{"date_received_2", kindDate},
	}
	if len(cols) != len(want) {
		t.Fatalf("got %d columns, want %d", len(cols), len(want))
	}
	for i, w := range want {
		if cols[i].name != w.name || cols[i].kind != w.kind {
			t.Errorf("col %d = %+v, want %s/%d", i, cols[i], w.name, w.kind)
		}
	}
}

func TestNormalize(t *testing.T) {
	n := normalizer{maxBytes: 5}
	tests := []struct {
		col  column
		raw  string
		want any
	}{
		{column{"MDR_REPORT_KEY", kindKey}, " 1234 ", int64(1234)},
		{column{"MDR_REPORT_KEY", kindKey}, "A12", "A12"},
		{column{"DATE_RECEIVED", kindDate}, "03/15/2021", "2021-03-15"},
		{column{"DATE_RECEIVED", kindDate}, "garbage", nil},
		{column{"EVENT_TYPE", kindText}, "   ", nil},
		{column{"EVENT_TYPE", kindText}, "abcdefgh", "abcde"},
		{column{"EVENT_TYPE", kindText}, "abcdé", "abcd"},
	}
	for _, tt := range tests {
		got := n.value(tt.col, tt.raw)
		if got != tt.want {
			t.Errorf("value(%s, %q) = %#v, want %#v", tt.col.name, tt.raw, got, tt.want)
		}
	}
}

func TestAppendRowPadsShortRows(t *testing.T) {
	n := normalizer{cols: buildColumns(masterHeader)}
	got := n.appendRow(nil, 2021, []string{"7"})
	if len(got) != 4 {
		t.Fatalf("got %d values, want 4", len(got))
	}
	if got[0] != 2021 || got[1] != int64(7) || got[2] != nil || got[3] != nil {
		t.Errorf("appendRow = %#v", got)
	}
}

func TestBuildMultiRowInsertSQL(t *testing.T) {
	got := buildMultiRowInsertSQL(catalog.Master, buildColumns([]string{"A", "B"}), 2)
	want := `INSERT INTO "master" ("sync_year", "A", "B") VALUES (?, ?, ?), (?, ?, ?)`
	if got != want {
		t.Errorf("got  %s\nwant %s", got, want)
	}
}

func TestReplace(t *testing.T) {
	ctx := context.Background()
	// Small chunks so that flushes mix multi-row batches and remainders.
	s, led := openTestStore(t, func(c *Config) { c.ChunkRows = 300 })

	counts, err := s.Replace(ctx, led, ReplaceRequest{
		Table:   catalog.Master,
		Header:  masterHeader,
		Years:   []int{2021, 2020},
		Entries: entries(2020, 2021),
		Fill:    rowsFill(map[int]int{2020: 700, 2021: 3}),
	})
	if err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if counts[2020] != 700 || counts[2021] != 3 {
		t.Errorf("counts = %v", counts)
	}
	if got := mustCount(t, s, catalog.Master, 2020); got != 700 {
		t.Errorf("stored 2020 rows = %d, want 700", got)
	}

	e, ok, err := led.Lookup(ctx, catalog.Master, 2021)
	if err != nil || !ok {
		t.Fatalf("Lookup: ok=%v err=%v", ok, err)
	}
	if e.RowCount != 3 || e.SourceFilename != "mdrfoithru2024.zip" {
		t.Errorf("ledger entry = %+v", e)
	}

	var date string
	var key int64
	err = s.DB().QueryRowContext(ctx,
		`SELECT "MDR_REPORT_KEY", "DATE_RECEIVED" FROM "master" WHERE sync_year = 2021 ORDER BY 1 LIMIT 1`).Scan(&key, &date)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if date != "2021-03-15" {
		t.Errorf("DATE_RECEIVED = %q, want ISO date", date)
	}
}

func TestReplaceOnlyTouchesTargetYears(t *testing.T) {
	ctx := context.Background()
	s, led := openTestStore(t, nil)

	_, err := s.Replace(ctx, led, ReplaceRequest{
		Table: catalog.Master, Header: masterHeader, Years: []int{2020, 2021},
		Entries: entries(2020, 2021), Fill: rowsFill(map[int]int{2020: 10, 2021: 20}),
	})
	if err != nil {
		t.Fatalf("first Replace failed: %v", err)
	}
	_, err = s.Replace(ctx, led, ReplaceRequest{
		Table: catalog.Master, Header: masterHeader, Years: []int{2020},
		Entries: entries(2020), Fill: rowsFill(map[int]int{2020: 4}),
	})
	if err != nil {
		t.Fatalf("second Replace failed: %v", err)
	}
	if got := mustCount(t, s, catalog.Master, 2020); got != 4 {
		t.Errorf("2020 rows = %d, want 4", got)
	}
	if got := mustCount(t, s, catalog.Master, 2021); got != 20 {
		t.Errorf("2021 rows = %d, want 20", got)
	}
}

func TestReplaceFailureAfterDeleteRollsBack(t *testing.T) {
	ctx := context.Background()
	s, led := openTestStore(t, nil)

	_, err := s.Replace(ctx, led, ReplaceRequest{
		Table: catalog.Master, Header: masterHeader, Years: []int{2020},
		Entries: entries(2020), Fill: rowsFill(map[int]int{2020: 12}),
	})
	if err != nil {
		t.Fatalf("seed Replace failed: %v", err)
	}
	before, _, _ := led.Lookup(ctx, catalog.Master, 2020)

	injected := errors.New("power cut")
	s.afterDelete = func(string, []int) error { return injected }

	newEntries := entries(2020)
	e := newEntries[2020]
	e.Fingerprint = ledger.Fingerprint{9, 9}
	newEntries[2020] = e
	_, err = s.Replace(ctx, led, ReplaceRequest{
		Table: catalog.Master, Header: masterHeader, Years: []int{2020},
		Entries: newEntries, Fill: rowsFill(map[int]int{2020: 3}),
	})
	var wf *WriteFailure
	if !errors.As(err, &wf) || !errors.Is(err, injected) {
		t.Fatalf("err = %v, want WriteFailure wrapping injected error", err)
	}

	if got := mustCount(t, s, catalog.Master, 2020); got != 12 {
		t.Errorf("rows after failed replace = %d, want 12", got)
	}
	after, _, _ := led.Lookup(ctx, catalog.Master, 2020)
	if after.Fingerprint != before.Fingerprint || after.RowCount != 12 {
		t.Errorf("ledger changed: before %+v after %+v", before, after)
	}
}

func TestReplaceFillErrorPassesThrough(t *testing.T) {
	ctx := context.Background()
	s, led := openTestStore(t, nil)

	corrupt := &extract.CorruptArchiveError{Filename: "device2020.zip", Err: errors.New("zip: not a valid zip file")}
	_, err := s.Replace(ctx, led, ReplaceRequest{
		Table: catalog.Device, Header: []string{"MDR_REPORT_KEY"}, Years: []int{2020},
		Entries: entries(2020),
		Fill: func(_ context.Context, sinks map[int]extract.Sink) error {
			if err := sinks[2020].Add(extract.Record{Fields: []string{"1"}}); err != nil {
				return err
			}
			return corrupt
		},
	})
	if !extract.IsCorrupt(err) {
		t.Fatalf("err = %v, want corrupt archive error", err)
	}
	if _, ok, _ := led.Lookup(ctx, catalog.Device, 2020); ok {
		t.Error("ledger entry written despite failure")
	}
	if got := mustCount(t, s, catalog.Device, 2020); got != 0 {
		t.Errorf("rows = %d, want 0", got)
	}
}

func TestReplaceCanceled(t *testing.T) {
	s, led := openTestStore(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := s.Replace(ctx, led, ReplaceRequest{
		Table: catalog.Master, Header: masterHeader, Years: []int{2020},
		Entries: entries(2020),
		Fill: func(ctx context.Context, sinks map[int]extract.Sink) error {
			cancel()
			return ctx.Err()
		},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if _, ok, _ := led.Lookup(context.Background(), catalog.Master, 2020); ok {
		t.Error("ledger entry written for canceled import")
	}
}

func TestReplaceMissingEntry(t *testing.T) {
	s, led := openTestStore(t, nil)
	_, err := s.Replace(context.Background(), led, ReplaceRequest{
		Table: catalog.Master, Header: masterHeader, Years: []int{2020, 2021},
		Entries: entries(2020), Fill: rowsFill(nil),
	})
	if err == nil {
		t.Fatal("expected error for year without ledger entry")
	}
}

func TestReplaceZeroRows(t *testing.T) {
	ctx := context.Background()
	s, led := openTestStore(t, nil)
	counts, err := s.Replace(ctx, led, ReplaceRequest{
		Table: catalog.Master, Header: masterHeader, Years: []int{1991},
		Entries: entries(1991), Fill: rowsFill(nil),
	})
	if err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if counts[1991] != 0 {
		t.Errorf("count = %d, want 0", counts[1991])
	}
	e, ok, _ := led.Lookup(ctx, catalog.Master, 1991)
	if !ok || e.RowCount != 0 {
		t.Errorf("ledger entry = %+v ok=%v, want zero-row entry", e, ok)
	}
}

func TestReplaceAddsNewColumns(t *testing.T) {
	ctx := context.Background()
	s, led := openTestStore(t, nil)

	_, err := s.Replace(ctx, led, ReplaceRequest{
		Table: catalog.Master, Header: masterHeader, Years: []int{2020},
		Entries: entries(2020), Fill: rowsFill(map[int]int{2020: 2}),
	})
	if err != nil {
		t.Fatalf("first Replace failed: %v", err)
	}

	wider := append(append([]string(nil), masterHeader...), "PMA_PMN_NUM")
	_, err = s.Replace(ctx, led, ReplaceRequest{
		Table: catalog.Master, Header: wider, Years: []int{2021},
		Entries: entries(2021),
		Fill: func(_ context.Context, sinks map[int]extract.Sink) error {
			return sinks[2021].Add(extract.Record{Fields: []string{"99", "01/02/2021", "D", "K123456"}})
		},
	})
	if err != nil {
		t.Fatalf("second Replace failed: %v", err)
	}

	cols, err := s.Columns(ctx, catalog.Master)
	if err != nil {
		t.Fatalf("Columns failed: %v", err)
	}
	want := "sync_year,MDR_REPORT_KEY,DATE_RECEIVED,EVENT_TYPE,PMA_PMN_NUM"
	if got := strings.Join(cols, ","); got != want {
		t.Errorf("columns = %s, want %s", got, want)
	}

	var nulls int
	err = s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM "master" WHERE sync_year = 2020 AND PMA_PMN_NUM IS NULL`).Scan(&nulls)
	if err != nil || nulls != 2 {
		t.Errorf("old rows with NULL new column = %d (err %v), want 2", nulls, err)
	}
}

func TestReplaceDuplicateKeyColumnStaysInteger(t *testing.T) {
	ctx := context.Background()
	s, led := openTestStore(t, nil)

	_, err := s.Replace(ctx, led, ReplaceRequest{
		Table:   catalog.Master,
		Header:  []string{"MDR_REPORT_KEY", "DATE_RECEIVED", "mdr_report_key"},
		Years:   []int{2020},
		Entries: entries(2020),
		Fill: func(_ context.Context, sinks map[int]extract.Sink) error {
			return sinks[2020].Add(extract.Record{Fields: []string{"41", "01/02/2020", "42"}})
		},
	})
	if err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	var typ string
	err = s.DB().QueryRowContext(ctx, `SELECT typeof("mdr_report_key_2") FROM "master"`).Scan(&typ)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if typ != "integer" {
		t.Errorf("typeof(mdr_report_key_2) = %q, want integer", typ)
	}
}

func TestEnsureIndexes(t *testing.T) {
	ctx := context.Background()
	s, led := openTestStore(t, nil)
	_, err := s.Replace(ctx, led, ReplaceRequest{
		Table: catalog.Master, Header: masterHeader, Years: []int{2020},
		Entries: entries(2020), Fill: rowsFill(map[int]int{2020: 1}),
	})
	if err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	rows, err := s.DB().QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = 'master'`)
	if err != nil {
		t.Fatalf("query indexes: %v", err)
	}
	defer rows.Close()
	got := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatal(err)
		}
		got[name] = true
	}
	for _, want := range []string{"idx_master_sync_year", "idx_master_mdr_report_key", "idx_master_date_received"} {
		if !got[want] {
			t.Errorf("missing index %s (have %v)", want, got)
		}
	}
}

func TestSummary(t *testing.T) {
	ctx := context.Background()
	s, led := openTestStore(t, nil)
	_, err := s.Replace(ctx, led, ReplaceRequest{
		Table: catalog.Master, Header: masterHeader, Years: []int{2020, 2021},
		Entries: entries(2020, 2021), Fill: rowsFill(map[int]int{2020: 5, 2021: 2}),
	})
	if err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	got, err := s.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	want := []YearCount{{catalog.Master, 2020, 5}, {catalog.Master, 2021, 2}}
	if len(got) != len(want) {
		t.Fatalf("Summary = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Summary[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if n := mustCount(t, s, catalog.Device, 2020); n != 0 {
		t.Errorf("CountRows on missing table = %d, want 0", n)
	}
}

func TestReplaceWithBudget(t *testing.T) {
	ctx := context.Background()
	s, led := openTestStore(t, nil)
	budget := membudget.New(membudget.Config{TotalBytes: 1 << 20, Source: membudget.BudgetSourceCLI})
	s.SetBudget(budget)

	_, err := s.Replace(ctx, led, ReplaceRequest{
		Table: catalog.Master, Header: masterHeader, Years: []int{2020, 2021},
		Entries: entries(2020, 2021), Fill: rowsFill(map[int]int{2020: 1200, 2021: 10}),
	})
	if err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if budget.InUse() != 0 {
		t.Errorf("budget in use after replace = %d, want 0", budget.InUse())
	}
	if got := mustCount(t, s, catalog.Master, 2020); got != 1200 {
		t.Errorf("rows = %d, want 1200", got)
	}
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	unlock, err := k.Lock(context.Background(), "master/2021", "master/2020", "master/2020")
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := k.Lock(ctx, "master/2020"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("contended Lock err = %v, want deadline exceeded", err)
	}

	// Disjoint keys are not blocked.
	other, err := k.Lock(context.Background(), "device/2020")
	if err != nil {
		t.Fatalf("disjoint Lock failed: %v", err)
	}
	other()

	unlock()
	again, err := k.Lock(context.Background(), "master/2020")
	if err != nil {
		t.Fatalf("Lock after unlock failed: %v", err)
	}
	again()
	if len(k.locks) != 0 {
		t.Errorf("lock table not cleaned up: %d entries", len(k.locks))
	}
}
