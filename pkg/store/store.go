// Package store writes MAUDE rows into SQLite, one table per MAUDE table,
// with every row tagged by the year it was synced for.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eunmann/maude-sync/pkg/logging"
	"github.com/eunmann/maude-sync/pkg/membudget"
)

// DefaultMaxTextBytes caps a single text value. Narrative fields in the
// text table can be very large; anything beyond this is truncated.
const DefaultMaxTextBytes = 100 << 20

// DefaultChunkRows is the per-year buffer size when no budget is set.
const DefaultChunkRows = 10000

// Config holds configuration for the SQLite store.
type Config struct {
	// DBPath is the path to the SQLite database file.
	DBPath string
	// Synchronous sets the SQLite synchronous pragma: OFF, NORMAL or FULL.
	Synchronous string
	// MmapSize is the mmap size in bytes.
	MmapSize int64
	// CacheSizeKB is the page cache size in KB.
	CacheSizeKB int
	// BusyTimeout is how long a connection waits on another process's lock.
	BusyTimeout time.Duration
	// ChunkRows is the number of rows buffered per year before a flush.
	ChunkRows int
	// MaxTextBytes truncates longer text values.
	MaxTextBytes int
}

// DefaultConfig returns a default configuration.
func DefaultConfig(dbPath string) Config {
	return Config{
		DBPath:       dbPath,
		Synchronous:  "NORMAL",
		MmapSize:     268435456, // 256MB
		CacheSizeKB:  65536,     // 64MB
		BusyTimeout:  30 * time.Second,
		ChunkRows:    DefaultChunkRows,
		MaxTextBytes: DefaultMaxTextBytes,
	}
}

// Validate checks configuration values and fills zero values with defaults.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("DBPath is required")
	}
	def := DefaultConfig(c.DBPath)
	switch c.Synchronous {
	case "":
		c.Synchronous = def.Synchronous
	case "OFF", "NORMAL", "FULL":
	default:
		return fmt.Errorf("invalid Synchronous value %q: must be OFF, NORMAL, or FULL", c.Synchronous)
	}
	if c.MmapSize < 0 {
		return fmt.Errorf("MmapSize must be non-negative, got %d", c.MmapSize)
	}
	if c.CacheSizeKB < 0 {
		return fmt.Errorf("CacheSizeKB must be non-negative, got %d", c.CacheSizeKB)
	}
	if c.BusyTimeout < 0 || c.ChunkRows < 0 || c.MaxTextBytes < 0 {
		return errors.New("BusyTimeout, ChunkRows and MaxTextBytes must be non-negative")
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = def.BusyTimeout
	}
	if c.ChunkRows == 0 {
		c.ChunkRows = def.ChunkRows
	}
	if c.MaxTextBytes == 0 {
		c.MaxTextBytes = def.MaxTextBytes
	}
	return nil
}

// Store is the SQLite database holding MAUDE tables and the sync ledger.
type Store struct {
	db     *sql.DB
	cfg    Config
	budget *membudget.Budget

	locks *keyedMutex
	// writeSem serializes write transactions; SQLite has a single writer.
	writeSem chan struct{}

	// afterDelete runs between the delete and the inserts. Tests use it
	// to inject failures.
	afterDelete func(table string, years []int) error
}

// Open creates or opens the database.
func Open(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log := logging.WithPhase("sqlite_open")

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=%s&_busy_timeout=%d&_txlock=immediate",
		cfg.DBPath, cfg.Synchronous, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	pragmas := []string{
		"PRAGMA temp_store=MEMORY",
		fmt.Sprintf("PRAGMA mmap_size=%d", cfg.MmapSize),
		fmt.Sprintf("PRAGMA cache_size=-%d", cfg.CacheSizeKB),
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute pragma %q: %w", pragma, err)
		}
	}

	log.Info().
		Str("db_path", cfg.DBPath).
		Str("synchronous", cfg.Synchronous).
		Msg("opened SQLite store")

	return &Store{
		db:       db,
		cfg:      cfg,
		locks:    newKeyedMutex(),
		writeSem: make(chan struct{}, 1),
	}, nil
}

// SetBudget makes imports reserve their chunk buffers from b.
func (s *Store) SetBudget(b *membudget.Budget) {
	s.budget = b
}

// DB exposes the underlying handle for read-only consumers and the ledger.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) acquireWriter(ctx context.Context) (func(), error) {
	select {
	case s.writeSem <- struct{}{}:
		return func() { <-s.writeSem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
