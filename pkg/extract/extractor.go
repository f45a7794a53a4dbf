package extract

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/eunmann/maude-sync/pkg/cache"
	"github.com/eunmann/maude-sync/pkg/catalog"
)

// ErrNoDateColumn means a cumulative archive lacks every date column the
// table uses for year attribution.
var ErrNoDateColumn = errors.New("no date column for year attribution")

// Sink receives the records attributed to one year.
type Sink interface {
	Add(rec Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Record) error

// Add calls f.
func (f SinkFunc) Add(rec Record) error { return f(rec) }

// Plan says how rows of one archive are attributed to years.
type Plan struct {
	Spec catalog.TableSpec

	// AttributeYear, when non-zero, assigns every row to that year. Used for
	// archives published per year.
	AttributeYear int
}

// Stats summarizes one extraction pass.
type Stats struct {
	Rows       int64
	Dispatched int64
	Dropped    int64
	Undated    int64
	Malformed  int64
	PerYear    map[int]int64
}

const defaultCheckEvery = 4096

// Extractor partitions an archive's rows by year in a single pass.
type Extractor struct {
	// CheckEvery is how many rows pass between cancellation checks.
	CheckEvery int
}

// Extract reads src once and dispatches each row whose year has a sink.
func (e *Extractor) Extract(ctx context.Context, src *Source, plan Plan, sinks map[int]Sink) (Stats, error) {
	stats := Stats{PerYear: make(map[int]int64, len(sinks))}

	dateIdx := -1
	if plan.AttributeYear == 0 {
		dateIdx = ColumnIndex(src.Header(), plan.Spec.DateColumns...)
		if dateIdx < 0 {
			return stats, fmt.Errorf("%s: %w (want one of %v)", src.Archive.Filename, ErrNoDateColumn, plan.Spec.DateColumns)
		}
	}

	checkEvery := int64(e.CheckEvery)
	if checkEvery <= 0 {
		checkEvery = defaultCheckEvery
	}

	for {
		if stats.Rows%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
		}

		rec, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, err
		}
		stats.Rows++

		year := plan.AttributeYear
		if dateIdx >= 0 {
			y, ok := YearOf(rec.Fields[dateIdx])
			if !ok {
				stats.Undated++
				continue
			}
			year = y
		}

		sink, ok := sinks[year]
		if !ok {
			stats.Dropped++
			continue
		}
		if err := sink.Add(rec); err != nil {
			return stats, err
		}
		stats.Dispatched++
		stats.PerYear[year]++
	}
	stats.Malformed = src.Malformed()
	return stats, nil
}

// Collect extracts the requested years of an archive into memory. It is
// meant for small archives and tests.
func Collect(ctx context.Context, a cache.Archive, plan Plan, years []int) (map[int][]Record, Stats, error) {
	src, err := Open(a, plan.Spec)
	if err != nil {
		return nil, Stats{}, err
	}
	defer src.Close()

	out := make(map[int][]Record, len(years))
	sinks := make(map[int]Sink, len(years))
	for _, y := range years {
		out[y] = nil
		sinks[y] = SinkFunc(func(rec Record) error {
			out[y] = append(out[y], rec)
			return nil
		})
	}
	var e Extractor
	stats, err := e.Extract(ctx, src, plan, sinks)
	if err != nil {
		return nil, stats, err
	}
	return out, stats, nil
}
