package ingest

import (
	"context"
	"fmt"
	"sort"

	"github.com/eunmann/maude-sync/internal/logctx"
	"github.com/eunmann/maude-sync/pkg/catalog"
)

// UpdateOptions control Update.
type UpdateOptions struct {
	// AddNewYears also requests every year after the newest synced year of
	// each table, up to the current year.
	AddNewYears bool
	// Tables restricts the update. Empty means every table in the ledger.
	Tables []catalog.Table
}

// Update re-syncs every (table, year) recorded in the ledger, so that
// republished archives are picked up. Unchanged archives are skipped by
// fingerprint.
func (o *Orchestrator) Update(ctx context.Context, opts UpdateOptions) ([]Outcome, error) {
	reqs, err := o.UpdateRequests(ctx, opts)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		log := logctx.FromContext(ctx)
		log.Info().Msg("ledger is empty, nothing to update")
		return nil, nil
	}
	return o.Sync(ctx, reqs, Options{}), nil
}

// UpdateRequests builds the request list Update would sync.
func (o *Orchestrator) UpdateRequests(ctx context.Context, opts UpdateOptions) ([]catalog.Request, error) {
	entries, err := o.ledger.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}

	only := make(map[catalog.Table]bool, len(opts.Tables))
	for _, t := range opts.Tables {
		only[t] = true
	}

	current := o.cfg.Clock().Year()
	newest := make(map[catalog.Table]int)
	var reqs []catalog.Request
	for _, e := range entries {
		if len(only) > 0 && !only[e.Table] {
			continue
		}
		if _, ok := catalog.Lookup(e.Table); !ok {
			continue
		}
		reqs = append(reqs, catalog.Request{Table: e.Table, Year: e.Year})
		if e.Year > newest[e.Table] {
			newest[e.Table] = e.Year
		}
	}

	if opts.AddNewYears {
		tables := make([]catalog.Table, 0, len(newest))
		for t := range newest {
			tables = append(tables, t)
		}
		sort.Slice(tables, func(i, j int) bool { return tables[i] < tables[j] })
		for _, t := range tables {
			for y := newest[t] + 1; y <= current; y++ {
				reqs = append(reqs, catalog.Request{Table: t, Year: y})
			}
		}
	}
	return reqs, nil
}

// LatestAvailableYear returns the newest year of table whose data is
// published, probing the remote host from the current year backwards.
func (o *Orchestrator) LatestAvailableYear(ctx context.Context, table catalog.Table) (int, error) {
	spec, ok := catalog.Lookup(table)
	if !ok {
		return 0, fmt.Errorf("unknown table %q", table)
	}
	resolver := catalog.NewResolver(o.cfg.Clock().Year())
	current := resolver.CurrentYear()

	ok, err := o.fetcher.Exists(ctx, spec.CurrentName)
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", spec.CurrentName, err)
	}
	if ok {
		return current, nil
	}

	if spec.Style == catalog.Cumulative {
		loc, err := resolver.ResolveWithFallback(ctx, table, current-1, o.fetcher)
		if err != nil {
			return 0, err
		}
		return loc.EffectiveYear, nil
	}

	tried := []string{spec.CurrentName}
	low := max(spec.EarliestYear, current-catalog.MaxLookback)
	for y := current - 1; y >= low; y-- {
		name, err := resolver.Resolve(table, y)
		if err != nil {
			return 0, err
		}
		tried = append(tried, name)
		ok, err := o.fetcher.Exists(ctx, name)
		if err != nil {
			return 0, fmt.Errorf("probe %s: %w", name, err)
		}
		if ok {
			return y, nil
		}
	}
	return 0, &catalog.NoAvailableArchiveError{Table: table, Year: current, Tried: tried}
}
