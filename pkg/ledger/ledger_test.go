package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eunmann/maude-sync/pkg/cache"
	"github.com/eunmann/maude-sync/pkg/catalog"
)

func openTestLedger(t *testing.T) (*Ledger, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	l, err := New(context.Background(), db)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return l, db
}

func TestFingerprintOf(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device2020.zip")
	content := strings.Repeat("MAUDE|", 1<<20)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	fp, err := FingerprintOf(cache.Archive{Path: path, Filename: "device2020.zip", Size: int64(len(content))})
	if err != nil {
		t.Fatalf("FingerprintOf failed: %v", err)
	}
	if want := Fingerprint(sha256.Sum256([]byte(content))); fp != want {
		t.Errorf("fingerprint = %s, want %s", fp, want)
	}

	parsed, err := ParseFingerprint(fp.String())
	if err != nil || parsed != fp {
		t.Errorf("ParseFingerprint round trip = %s, %v", parsed, err)
	}
}

func TestFingerprintOfSizeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.zip")
	if err := os.WriteFile(path, []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := FingerprintOf(cache.Archive{Path: path, Filename: "x.zip", Size: 10}); err == nil {
		t.Error("expected error for truncated archive")
	}
}

func TestParseFingerprintInvalid(t *testing.T) {
	for _, s := range []string{"zz", "abcd", ""} {
		if _, err := ParseFingerprint(s); err == nil {
			t.Errorf("ParseFingerprint(%q) succeeded", s)
		}
	}
}

func TestLedgerRecordLookup(t *testing.T) {
	l, db := openTestLedger(t)
	ctx := context.Background()

	if _, found, err := l.Lookup(ctx, catalog.Device, 2020); err != nil || found {
		t.Fatalf("Lookup on empty ledger = %v, %v", found, err)
	}

	syncedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := Entry{
		Table:               catalog.Device,
		Year:                2020,
		Fingerprint:         sha256.Sum256([]byte("v1")),
		SourceFilename:      "device2020.zip",
		SourceEffectiveYear: 2020,
		RowCount:            42,
		SyncedAt:            syncedAt,
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Record(ctx, tx, e); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	// Not visible outside the transaction until commit.
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := l.Lookup(ctx, catalog.Device, 2020); found {
		t.Fatal("rolled back entry is visible")
	}

	if err := l.Record(ctx, db, e); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	got, found, err := l.Lookup(ctx, catalog.Device, 2020)
	if err != nil || !found {
		t.Fatalf("Lookup = %v, %v", found, err)
	}
	if !got.SyncedAt.Equal(e.SyncedAt) {
		t.Errorf("SyncedAt = %v, want %v", got.SyncedAt, e.SyncedAt)
	}
	got.SyncedAt = e.SyncedAt
	if got != e {
		t.Errorf("Lookup = %+v, want %+v", got, e)
	}

	// Upsert replaces.
	e.Fingerprint = sha256.Sum256([]byte("v2"))
	e.RowCount = 7
	if err := l.Record(ctx, db, e); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	entries, err := l.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 1 || entries[0].RowCount != 7 || entries[0].Fingerprint != e.Fingerprint {
		t.Errorf("List = %+v", entries)
	}
}

func TestRecordRejectsEmptyFingerprint(t *testing.T) {
	l, db := openTestLedger(t)
	err := l.Record(context.Background(), db, Entry{Table: catalog.Text, Year: 2021})
	if err == nil {
		t.Error("expected error for empty fingerprint")
	}
}

func TestShouldSkip(t *testing.T) {
	a := Fingerprint(sha256.Sum256([]byte("a")))
	b := Fingerprint(sha256.Sum256([]byte("b")))
	entry := Entry{Fingerprint: a}

	tests := []struct {
		name  string
		found bool
		fp    Fingerprint
		force bool
		want  bool
	}{
		{"unchanged", true, a, false, true},
		{"changed", true, b, false, false},
		{"absent", false, a, false, false},
		{"forced", true, a, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldSkip(entry, tt.found, tt.fp, tt.force); got != tt.want {
				t.Errorf("ShouldSkip = %v, want %v", got, tt.want)
			}
		})
	}
}
