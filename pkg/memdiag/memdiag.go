// Package memdiag samples heap usage while archives are imported and
// compares it with the import memory budget.
//
// Enable with MAUDE_MEM_DEBUG=1. MAUDE_MEM_PPROF=<addr> additionally serves
// pprof on addr (e.g. localhost:6060).
package memdiag

import (
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	// Registers pprof handlers on DefaultServeMux for the pprof HTTP server.
	_ "net/http/pprof"

	"github.com/rs/zerolog"

	"github.com/eunmann/maude-sync/pkg/humanfmt"
	"github.com/eunmann/maude-sync/pkg/logging"
	"github.com/eunmann/maude-sync/pkg/membudget"
)

// Config holds configuration for memory diagnostics.
type Config struct {
	Enabled   bool
	PprofAddr string
	Interval  time.Duration
}

// ConfigFromEnv reads the diagnostics switches from the environment.
func ConfigFromEnv() Config {
	return Config{
		Enabled:   os.Getenv("MAUDE_MEM_DEBUG") == "1",
		PprofAddr: os.Getenv("MAUDE_MEM_PPROF"),
		Interval:  5 * time.Second,
	}
}

// Sample is one reading of the runtime and the budget.
type Sample struct {
	HeapAlloc   uint64
	HeapSys     uint64
	Sys         uint64
	NumGC       uint32
	BudgetInUse uint64
	BudgetTotal uint64
	PeakHeap    uint64
}

// HeapVsBudget is the ratio of live heap to reserved import buffers, zero
// when nothing is reserved.
func (s Sample) HeapVsBudget() float64 {
	if s.BudgetInUse == 0 {
		return 0
	}
	return float64(s.HeapAlloc) / float64(s.BudgetInUse)
}

// Tracker logs samples periodically until stopped.
type Tracker struct {
	cfg    Config
	budget *membudget.Budget
	log    zerolog.Logger

	mu       sync.Mutex
	peakHeap uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewTracker creates a tracker. budget may be nil.
func NewTracker(cfg Config, budget *membudget.Budget) *Tracker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Tracker{
		cfg:    cfg,
		budget: budget,
		log:    logging.WithPhase("memdiag"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins periodic sampling if enabled.
func (t *Tracker) Start() {
	if !t.cfg.Enabled {
		close(t.doneCh)
		return
	}
	t.log.Info().Dur("interval", t.cfg.Interval).Msg("memory diagnostics enabled")

	if t.cfg.PprofAddr != "" {
		go func() {
			t.log.Info().Str("addr", t.cfg.PprofAddr).Msg("starting pprof server")
			if err := http.ListenAndServe(t.cfg.PprofAddr, nil); err != nil {
				t.log.Error().Err(err).Msg("pprof server failed")
			}
		}()
	}
	go t.loop()
}

// Stop ends sampling and logs a final sample.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	<-t.doneCh
}

// Sample reads the current state and updates the peak.
func (t *Tracker) Sample() Sample {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	s := Sample{HeapAlloc: m.HeapAlloc, HeapSys: m.HeapSys, Sys: m.Sys, NumGC: m.NumGC}
	if t.budget != nil {
		s.BudgetInUse = t.budget.InUse()
		s.BudgetTotal = t.budget.Total()
	}

	t.mu.Lock()
	t.peakHeap = max(t.peakHeap, s.HeapAlloc)
	s.PeakHeap = t.peakHeap
	t.mu.Unlock()
	return s
}

// LogNow logs one sample. A heap well above the reserved buffers is
// reported as a warning.
func (t *Tracker) LogNow(reason string) Sample {
	s := t.Sample()
	t.log.Debug().
		Str("reason", reason).
		Str("heap_alloc", humanfmt.Bytes(int64(s.HeapAlloc))).
		Str("heap_sys", humanfmt.Bytes(int64(s.HeapSys))).
		Str("sys_total", humanfmt.Bytes(int64(s.Sys))).
		Str("peak_heap", humanfmt.Bytes(int64(s.PeakHeap))).
		Str("budget_inuse", humanfmt.Bytes(int64(s.BudgetInUse))).
		Str("budget_total", humanfmt.Bytes(int64(s.BudgetTotal))).
		Float64("heap_vs_budget_ratio", s.HeapVsBudget()).
		Uint32("num_gc", s.NumGC).
		Msg("memory stats")

	if s.HeapVsBudget() > 2.0 && s.BudgetInUse > 100<<20 {
		t.log.Warn().
			Str("heap_alloc", humanfmt.Bytes(int64(s.HeapAlloc))).
			Str("budget_inuse", humanfmt.Bytes(int64(s.BudgetInUse))).
			Float64("ratio", s.HeapVsBudget()).
			Msg("heap usage significantly exceeds reserved import buffers")
	}
	return s
}

// PeakHeap returns the peak heap allocation seen.
func (t *Tracker) PeakHeap() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peakHeap
}

func (t *Tracker) loop() {
	defer close(t.doneCh)

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			t.LogNow("shutdown")
			return
		case <-ticker.C:
			t.LogNow("periodic")
		}
	}
}
