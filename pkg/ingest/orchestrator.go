// Package ingest drives a sync run: it resolves each requested (table, year)
// to a remote archive, fetches it, compares its fingerprint with the ledger
// and imports only what changed.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/eunmann/maude-sync/internal/logctx"
	"github.com/eunmann/maude-sync/pkg/cache"
	"github.com/eunmann/maude-sync/pkg/catalog"
	"github.com/eunmann/maude-sync/pkg/extract"
	"github.com/eunmann/maude-sync/pkg/ledger"
	"github.com/eunmann/maude-sync/pkg/logging"
	"github.com/eunmann/maude-sync/pkg/store"
)

// Fetcher probes and downloads archives into the local cache.
type Fetcher interface {
	Exists(ctx context.Context, filename string) (bool, error)
	Fetch(ctx context.Context, filename string, force bool) (cache.Archive, error)
}

// Ledger is the checksum ledger.
type Ledger interface {
	store.Recorder
	Lookup(ctx context.Context, table catalog.Table, year int) (ledger.Entry, bool, error)
	List(ctx context.Context) ([]ledger.Entry, error)
}

// Importer replaces the stored rows of a set of years in one transaction.
type Importer interface {
	Replace(ctx context.Context, rec store.Recorder, req store.ReplaceRequest) (map[int]int64, error)
}

// DefaultConcurrency is the number of archive groups processed at once.
const DefaultConcurrency = 2

// Config holds orchestrator settings.
type Config struct {
	// Concurrency bounds how many archive groups run at once.
	Concurrency int
	// Clock supplies the current time; the current year drives resolution.
	Clock func() time.Time
	// CheckEvery is the extractor's cancellation check interval in rows.
	CheckEvery int
}

// Validate fills defaults and rejects bad values.
func (c *Config) Validate() error {
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must be non-negative, got %d", c.Concurrency)
	}
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return nil
}

// Options modify a single Sync call.
type Options struct {
	// ForceFetch re-downloads archives even when cached.
	ForceFetch bool
	// ForceReprocess imports even when the fingerprint is unchanged.
	ForceReprocess bool
	// Strict probes yearly and current-year archives during resolution,
	// so a missing file fails before any transfer starts.
	Strict bool
}

// Orchestrator runs sync batches against injected collaborators.
type Orchestrator struct {
	fetcher   Fetcher
	ledger    Ledger
	importer  Importer
	cfg       Config
	extractor extract.Extractor
}

// New creates an orchestrator.
func New(fetcher Fetcher, led Ledger, importer Importer, cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Orchestrator{
		fetcher:   fetcher,
		ledger:    led,
		importer:  importer,
		cfg:       cfg,
		extractor: extract.Extractor{CheckEvery: cfg.CheckEvery},
	}, nil
}

// Sync processes every request and returns one outcome per request, in
// request order. Failures are reported in the outcomes, never returned.
func (o *Orchestrator) Sync(ctx context.Context, reqs []catalog.Request, opts Options) []Outcome {
	ctx, _ = logctx.WithRunID(ctx)
	log := logctx.FromContext(ctx)
	start := time.Now()

	outcomes := make([]Outcome, len(reqs))
	for i, r := range reqs {
		outcomes[i] = Outcome{Request: r, State: StatePending}
	}

	resolver := catalog.NewResolver(o.cfg.Clock().Year())
	plan := o.plan(ctx, resolver, outcomes, opts)

	tracker := logging.NewProgressTracker("sync", int64(len(plan.groups)), log)
	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for _, grp := range plan.groups {
		g.Go(func() error {
			groupStart := time.Now()
			o.runGroup(ctx, grp, outcomes, opts)
			if grp.anyFailed(outcomes) {
				tracker.RecordFailure()
			} else if grp.allSkipped(outcomes) {
				tracker.RecordSkip()
			} else {
				tracker.RecordCompletion(time.Since(groupStart))
			}
			tracker.LogProgress("archive group finished")
			// Group failures live in the outcomes; siblings keep running.
			return nil
		})
	}
	_ = g.Wait()

	o.settleDuplicates(ctx, plan.duplicates, outcomes)

	var imported, skipped, rows int64
	for _, out := range outcomes {
		logOutcome(log, out)
		switch out.Kind {
		case KindImported:
			imported++
			rows += out.Rows
		case KindSkipped:
			skipped++
		}
	}
	logging.PhaseComplete(log, "sync", time.Since(start)).
		Int("requests", len(reqs)).
		Int("groups", len(plan.groups)).
		Int64("imported", imported).
		Int64("skipped", skipped).
		Int("failed", Failed(outcomes)).
		Count("rows", rows).
		Log("sync finished")
	return outcomes
}

// group is the set of pending requests that resolved to one archive.
type group struct {
	filename   string
	table      catalog.Table
	cumulative bool
	// members indexes the primary outcomes served by this archive.
	members []int
}

func (g *group) anyFailed(outcomes []Outcome) bool {
	for _, i := range g.members {
		if outcomes[i].Kind == KindFailed {
			return true
		}
	}
	return false
}

func (g *group) allSkipped(outcomes []Outcome) bool {
	for _, i := range g.members {
		if outcomes[i].Kind != KindSkipped {
			return false
		}
	}
	return true
}

type syncPlan struct {
	groups []*group
	// duplicates maps a repeated request's index to its first occurrence.
	duplicates map[int]int
}

// plan resolves every request and groups the survivors by archive, in
// order of first appearance.
func (o *Orchestrator) plan(ctx context.Context, resolver *catalog.Resolver, outcomes []Outcome, opts Options) syncPlan {
	p := syncPlan{duplicates: make(map[int]int)}
	byFile := make(map[string]*group)
	first := make(map[catalog.Request]int)
	probe := newMemoProber(o.fetcher)

	for i := range outcomes {
		out := &outcomes[i]
		if j, ok := first[out.Request]; ok {
			p.duplicates[i] = j
			continue
		}
		first[out.Request] = i

		out.State = StateResolving
		rctx := logctx.WithRequest(ctx, string(out.Request.Table), out.Request.Year)
		rlog := logctx.FromContext(rctx)
		loc, err := o.resolve(rctx, resolver, out.Request, probe, opts.Strict)
		if err != nil {
			out.fail(StateResolving, err)
			rlog.Warn().Err(err).Msg("resolve failed")
			continue
		}
		out.Locator = loc
		if loc.FallbackDepth > 0 {
			out.warn("using %s (fallback depth %d): data runs through %d", loc.Filename, loc.FallbackDepth, loc.EffectiveYear)
			rlog.Warn().
				Str("filename", loc.Filename).
				Int("fallback_depth", loc.FallbackDepth).
				Int("effective_year", loc.EffectiveYear).
				Msg("expected cumulative archive not published, using older one")
		}
		if !loc.Covers() {
			out.warn("%s runs through %d and holds no rows for %d", loc.Filename, loc.EffectiveYear, loc.Year)
		}

		grp, ok := byFile[loc.Filename]
		if !ok {
			grp = &group{filename: loc.Filename, table: loc.Table, cumulative: loc.Cumulative}
			byFile[loc.Filename] = grp
			p.groups = append(p.groups, grp)
		}
		grp.members = append(grp.members, i)
	}
	return p
}

func (o *Orchestrator) resolve(ctx context.Context, resolver *catalog.Resolver, req catalog.Request, probe catalog.Prober, strict bool) (catalog.Locator, error) {
	loc, err := resolver.ResolveWithFallback(ctx, req.Table, req.Year, probe)
	if err != nil {
		return catalog.Locator{}, err
	}
	if strict && loc.FallbackDepth == 0 && (!loc.Cumulative || loc.Year == resolver.CurrentYear()) {
		ok, err := probe.Exists(ctx, loc.Filename)
		if err != nil {
			return catalog.Locator{}, fmt.Errorf("probe %s: %w", loc.Filename, err)
		}
		if !ok {
			return catalog.Locator{}, &catalog.NoAvailableArchiveError{Table: req.Table, Year: req.Year, Tried: []string{loc.Filename}}
		}
	}
	return loc, nil
}

// runGroup fetches one archive and imports every member year whose content
// changed. A corrupt archive is re-fetched once before the group fails.
func (o *Orchestrator) runGroup(ctx context.Context, grp *group, outcomes []Outcome, opts Options) {
	// The store adds the table to its own log lines.
	ctx = logctx.WithFile(ctx, grp.filename)
	log := logctx.FromContext(ctx)

	force := opts.ForceFetch
	for attempt := 0; ; attempt++ {
		pending := grp.unsettled(outcomes)
		if len(pending) == 0 {
			return
		}

		setState(outcomes, pending, StateFetching)
		archive, err := o.fetcher.Fetch(ctx, grp.filename, force)
		if err != nil {
			failAll(outcomes, pending, StateFetching, err)
			log.Warn().Err(err).Msg("fetch failed")
			return
		}

		setState(outcomes, pending, StateFingerprinting)
		fp, err := ledger.FingerprintOf(archive)
		if err != nil {
			err = &extract.CorruptArchiveError{Filename: archive.Filename, Err: err}
		} else {
			pending = o.skipUnchanged(ctx, outcomes, pending, fp, opts.ForceReprocess)
			if len(pending) == 0 {
				return
			}
			setState(outcomes, pending, StateImporting)
			err = o.importArchive(ctx, grp, archive, fp, outcomes, pending)
			if err == nil {
				return
			}
		}

		if attempt == 0 && extract.IsCorrupt(err) {
			log.Warn().Err(err).Msg("cached archive is corrupt, fetching again")
			force = true
			continue
		}
		failAll(outcomes, pending, outcomes[pending[0]].State, err)
		log.Warn().Err(err).Msg("import failed")
		return
	}
}

func (g *group) unsettled(outcomes []Outcome) []int {
	var out []int
	for _, i := range g.members {
		if !outcomes[i].State.Terminal() {
			out = append(out, i)
		}
	}
	return out
}

func setState(outcomes []Outcome, idx []int, s State) {
	for _, i := range idx {
		outcomes[i].State = s
	}
}

func failAll(outcomes []Outcome, idx []int, in State, err error) {
	for _, i := range idx {
		outcomes[i].fail(in, err)
	}
}

// skipUnchanged settles the requests whose ledger fingerprint matches fp and
// returns the rest.
func (o *Orchestrator) skipUnchanged(ctx context.Context, outcomes []Outcome, idx []int, fp ledger.Fingerprint, force bool) []int {
	log := logctx.FromContext(ctx)
	var pending []int
	for _, i := range idx {
		out := &outcomes[i]
		entry, found, err := o.ledger.Lookup(ctx, out.Request.Table, out.Request.Year)
		if err != nil {
			out.fail(StateFingerprinting, err)
			continue
		}
		if ledger.ShouldSkip(entry, found, fp, force) {
			out.skip(fp)
			log.Debug().
				Int("year", out.Request.Year).
				Str("fingerprint", fp.String()).
				Msg("unchanged, skipping import")
			continue
		}
		pending = append(pending, i)
	}
	return pending
}

// importArchive extracts the pending years from archive in one pass and
// replaces them in one transaction.
func (o *Orchestrator) importArchive(ctx context.Context, grp *group, archive cache.Archive, fp ledger.Fingerprint, outcomes []Outcome, idx []int) error {
	log := logctx.FromContext(ctx)
	start := time.Now()
	spec := catalog.MustLookup(grp.table)

	src, err := extract.Open(archive, spec)
	if err != nil {
		return err
	}
	defer src.Close()

	plan := extract.Plan{Spec: spec}
	if !grp.cumulative {
		// A per-year archive belongs entirely to its one year.
		plan.AttributeYear = outcomes[idx[0]].Request.Year
	}

	years := make([]int, len(idx))
	entries := make(map[int]ledger.Entry, len(idx))
	now := o.cfg.Clock()
	for k, i := range idx {
		loc := outcomes[i].Locator
		years[k] = loc.Year
		entries[loc.Year] = ledger.Entry{
			Fingerprint:         fp,
			SourceFilename:      loc.Filename,
			SourceEffectiveYear: loc.EffectiveYear,
			SyncedAt:            now,
		}
	}

	var stats extract.Stats
	counts, err := o.importer.Replace(ctx, o.ledger, store.ReplaceRequest{
		Table:   grp.table,
		Header:  src.Header(),
		Years:   years,
		Entries: entries,
		Fill: func(ctx context.Context, sinks map[int]extract.Sink) error {
			var err error
			stats, err = o.extractor.Extract(ctx, src, plan, sinks)
			return err
		},
	})
	if err != nil {
		return err
	}

	var total int64
	for _, i := range idx {
		out := &outcomes[i]
		out.done(fp, counts[out.Request.Year])
		total += out.Rows
		if stats.Malformed > 0 {
			out.warn("%d malformed lines skipped in %s", stats.Malformed, archive.Filename)
		}
	}
	if stats.Malformed > 0 || stats.Undated > 0 {
		log.Warn().
			Int64("malformed", stats.Malformed).
			Int64("undated", stats.Undated).
			Msg("rows skipped during extraction")
	}
	logging.ArchiveImported(log, "import", time.Since(start)).
		Int("years", len(years)).
		Count("rows", total).
		Count("rows_scanned", stats.Rows).
		Count("rows_dropped", stats.Dropped).
		Bytes("archive_bytes", archive.Size).
		Log("archive imported")
	return nil
}

// settleDuplicates resolves repeated requests against the outcome of their
// first occurrence. A repeat never imports twice within one batch.
func (o *Orchestrator) settleDuplicates(ctx context.Context, dups map[int]int, outcomes []Outcome) {
	for i, j := range dups {
		primary := outcomes[j]
		dup := Outcome{Request: outcomes[i].Request, Locator: primary.Locator, Warnings: primary.Warnings}
		if primary.Kind == KindFailed {
			dup.fail(primary.FailedIn, primary.Err)
			outcomes[i] = dup
			continue
		}
		entry, found, err := o.ledger.Lookup(ctx, dup.Request.Table, dup.Request.Year)
		switch {
		case err != nil:
			dup.fail(StateFingerprinting, err)
		case ledger.ShouldSkip(entry, found, primary.Fingerprint, false):
			dup.skip(primary.Fingerprint)
		default:
			dup.fail(StateFingerprinting, fmt.Errorf("%s: ledger does not reflect the import of its first occurrence", dup.Request))
		}
		outcomes[i] = dup
	}
	if len(dups) > 0 {
		log := logctx.FromContext(ctx)
		log.Debug().Int("duplicates", len(dups)).Msg("settled duplicate requests")
	}
}

// memoProber caches existence probes for the duration of one sync run.
type memoProber struct {
	inner catalog.Prober
	mu    sync.Mutex
	seen  map[string]bool
}

func newMemoProber(inner catalog.Prober) *memoProber {
	return &memoProber{inner: inner, seen: make(map[string]bool)}
}

func (m *memoProber) Exists(ctx context.Context, filename string) (bool, error) {
	m.mu.Lock()
	ok, cached := m.seen[filename]
	m.mu.Unlock()
	if cached {
		return ok, nil
	}
	ok, err := m.inner.Exists(ctx, filename)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	m.seen[filename] = ok
	m.mu.Unlock()
	return ok, nil
}

// unwrapKind reports the failure class of err for logging.
func unwrapKind(err error) string {
	var (
		unsupported *catalog.UnsupportedYearError
		missing     *catalog.NoAvailableArchiveError
		corrupt     *extract.CorruptArchiveError
		write       *store.WriteFailure
	)
	switch {
	case errors.As(err, &unsupported):
		return "unsupported_year"
	case errors.As(err, &missing):
		return "no_available_archive"
	case errors.As(err, &corrupt):
		return "corrupt_archive"
	case errors.As(err, &write):
		return "write_failure"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "transfer"
	}
}

func logOutcome(log zerolog.Logger, out Outcome) {
	e := log.Info()
	if out.Kind == KindFailed {
		e = log.Warn().Err(out.Err).Str("error_kind", unwrapKind(out.Err)).Str("failed_in", out.FailedIn.String())
	}
	e.Str("table", string(out.Request.Table)).
		Int("year", out.Request.Year).
		Str("outcome", out.Kind.String()).
		Str("filename", out.Locator.Filename).
		Int("effective_year", out.Locator.EffectiveYear).
		Int64("rows", out.Rows).
		Msg("request finished")
}
