// Package membudget bounds the memory held by in-flight import buffers.
//
// Importers reserve the bytes of a chunk buffer before filling it and
// release them after the chunk is written, so concurrent file groups share
// one process-wide limit.
package membudget

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/eunmann/maude-sync/pkg/humanfmt"
	"github.com/eunmann/maude-sync/pkg/sysmem"
)

// DefaultBudgetBytes is the fallback memory budget when system RAM cannot be detected.
const DefaultBudgetBytes uint64 = 2 * humanfmt.GiB

// BudgetSource indicates how the memory budget was determined.
type BudgetSource string

const (
	// BudgetSourceAuto50Pct indicates the budget was set to 50% of detected RAM.
	BudgetSourceAuto50Pct BudgetSource = "auto-50pct"
	// BudgetSourceDefault indicates the budget used the fallback default.
	BudgetSourceDefault BudgetSource = "default"
	// BudgetSourceCLI indicates the budget was set via CLI flag.
	BudgetSourceCLI BudgetSource = "cli"
	// BudgetSourceEnv indicates the budget was set via environment variable.
	BudgetSourceEnv BudgetSource = "env"
	// BudgetSourceConfig indicates the budget came from the config file.
	BudgetSourceConfig BudgetSource = "config"
)

// Budget tracks reserved bytes against a fixed total.
// It is safe for concurrent use.
type Budget struct {
	total  uint64
	source BudgetSource

	mu    sync.Mutex
	inUse uint64
	// freed is closed and replaced on every release to wake waiters.
	freed chan struct{}
}

// Config holds configuration for creating a Budget.
type Config struct {
	TotalBytes uint64
	Source     BudgetSource
}

// New creates a new Budget with the given configuration.
func New(cfg Config) *Budget {
	return &Budget{
		total:  cfg.TotalBytes,
		source: cfg.Source,
		freed:  make(chan struct{}),
	}
}

// NewFromSystemRAM creates a Budget set to 50% of system RAM.
// If RAM cannot be detected, uses DefaultBudgetBytes.
func NewFromSystemRAM() *Budget {
	snap := sysmem.Detect()
	if !snap.Reliable || snap.TotalBytes == 0 {
		return New(Config{TotalBytes: DefaultBudgetBytes, Source: BudgetSourceDefault})
	}
	return New(Config{TotalBytes: snap.TotalBytes / 2, Source: BudgetSourceAuto50Pct})
}

// Total returns the total budget in bytes.
func (b *Budget) Total() uint64 {
	return b.total
}

// Source returns how the budget was determined.
func (b *Budget) Source() BudgetSource {
	return b.source
}

// InUse returns the currently reserved bytes.
func (b *Budget) InUse() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inUse
}

// Available returns the available bytes (total - inUse).
func (b *Budget) Available() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total - b.inUse
}

// TryReserve reserves n bytes if they are available right now.
func (b *Budget) TryReserve(n uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inUse+n > b.total {
		return false
	}
	b.inUse += n
	return true
}

// Reserve blocks until n bytes can be reserved or ctx is done.
// Reservations larger than the whole budget fail immediately.
func (b *Budget) Reserve(ctx context.Context, n uint64) error {
	if n > b.total {
		return fmt.Errorf("reservation of %s exceeds total budget of %s", humanfmt.Bytes(int64(n)), humanfmt.Bytes(int64(b.total)))
	}
	for {
		b.mu.Lock()
		if b.inUse+n <= b.total {
			b.inUse += n
			b.mu.Unlock()
			return nil
		}
		wait := b.freed
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Release returns n bytes to the available pool.
func (b *Budget) Release(n uint64) {
	b.mu.Lock()
	if n > b.inUse {
		n = b.inUse
	}
	b.inUse -= n
	close(b.freed)
	b.freed = make(chan struct{})
	b.mu.Unlock()
}

// Stats is a snapshot of budget usage.
type Stats struct {
	TotalBytes     uint64
	InUseBytes     uint64
	AvailableBytes uint64
	Source         BudgetSource
	UsagePercent   float64
}

// Stats returns current budget statistics.
func (b *Budget) Stats() Stats {
	b.mu.Lock()
	inUse := b.inUse
	b.mu.Unlock()

	var pct float64
	if b.total > 0 {
		pct = float64(inUse) / float64(b.total) * 100.0
	}
	return Stats{
		TotalBytes:     b.total,
		InUseBytes:     inUse,
		AvailableBytes: b.total - inUse,
		Source:         b.source,
		UsagePercent:   pct,
	}
}

// Import buffers get this share of the budget; the rest covers the zip
// reader, SQLite page cache and general headroom.
const FractionImportBuffers = 0.50

// Chunk size bounds, in rows.
const (
	MinChunkRows = 500
	MaxChunkRows = 50000
)

// ImportBufferBudget returns the bytes available to import chunk buffers.
func (b *Budget) ImportBufferBudget() uint64 {
	return uint64(float64(b.total) * FractionImportBuffers)
}

// ChunkRows sizes one chunk buffer so that writers buffers of rowBytes-wide
// rows fit in the import share of the budget.
func (b *Budget) ChunkRows(rowBytes uint64, writers int) int {
	if rowBytes == 0 {
		rowBytes = 1
	}
	if writers < 1 {
		writers = 1
	}
	rows := b.ImportBufferBudget() / uint64(writers) / rowBytes
	return int(min(max(rows, MinChunkRows), MaxChunkRows))
}

// ParseHumanSize parses a human-readable size string (e.g., "4GiB", "512MB").
// Supported suffixes: B, KB, KiB/K, MB, MiB/M, GB, GiB/G, TB, TiB/T.
func ParseHumanSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size string")
	}

	numEnd := strings.IndexFunc(s, func(r rune) bool { return (r < '0' || r > '9') && r != '.' })
	if numEnd < 0 {
		numEnd = len(s)
	}
	numStr, suffix := s[:numEnd], strings.TrimSpace(s[numEnd:])

	num, err := strconv.ParseFloat(numStr, 64)
	if err != nil || num < 0 {
		return 0, fmt.Errorf("invalid number: %q", numStr)
	}

	multipliers := map[string]float64{
		"": 1, "B": 1,
		"KB": 1e3, "KiB": humanfmt.KiB, "K": humanfmt.KiB,
		"MB": 1e6, "MiB": humanfmt.MiB, "M": humanfmt.MiB,
		"GB": 1e9, "GiB": humanfmt.GiB, "G": humanfmt.GiB,
		"TB": 1e12, "TiB": humanfmt.TiB, "T": humanfmt.TiB,
	}
	m, ok := multipliers[suffix]
	if !ok {
		return 0, fmt.Errorf("unknown size suffix: %s", suffix)
	}
	return uint64(num * m), nil
}
