package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/eunmann/maude-sync/pkg/catalog"
	"github.com/eunmann/maude-sync/pkg/humanfmt"
	"github.com/eunmann/maude-sync/pkg/ingest"
	"github.com/eunmann/maude-sync/pkg/ledger"
	"github.com/eunmann/maude-sync/pkg/store"
)

// reportOutcomes prints one line per request and fails when any request
// failed.
func reportOutcomes(w io.Writer, outcomes []ingest.Outcome) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tYEAR\tOUTCOME\tROWS\tSOURCE\tNOTE")
	for _, o := range outcomes {
		source := o.Locator.Filename
		if o.Locator.Cumulative && source != "" {
			source = fmt.Sprintf("%s (through %d)", source, o.Locator.EffectiveYear)
		}
		note := strings.Join(o.Warnings, "; ")
		if o.Err != nil {
			note = o.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
			o.Request.Table, o.Request.Year, o.Kind, humanfmt.Count(o.Rows), source, note)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if n := ingest.Failed(outcomes); n > 0 {
		return fmt.Errorf("%d of %d requests failed", n, len(outcomes))
	}
	return nil
}

func writeStatus(w io.Writer, entries []ledger.Entry, counts []store.YearCount) error {
	stored := make(map[catalog.Request]int64, len(counts))
	for _, c := range counts {
		stored[catalog.Request{Table: c.Table, Year: c.Year}] = c.Rows
	}

	if len(entries) == 0 {
		fmt.Fprintln(w, "no synced years")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tYEAR\tROWS\tSOURCE\tSYNCED\tFINGERPRINT")
	for _, e := range entries {
		rows := stored[catalog.Request{Table: e.Table, Year: e.Year}]
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%.12s\n",
			e.Table, e.Year, humanfmt.Count(rows), e.SourceFilename,
			e.SyncedAt.Local().Format(time.DateTime), e.Fingerprint)
	}
	return tw.Flush()
}

type latestResult struct {
	Table catalog.Table
	Year  int
	Err   error
}

func writeLatest(w io.Writer, results []latestResult) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tLATEST")
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Fprintf(tw, "%s\terror: %v\n", r.Table, r.Err)
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\n", r.Table, r.Year)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tables could not be probed", failed, len(results))
	}
	return nil
}
