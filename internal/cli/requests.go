package cli

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/jszwec/csvutil"

	"github.com/eunmann/maude-sync/pkg/catalog"
)

// parseTables parses a comma-separated table list. "all" selects every
// table; an empty list is an error unless allowEmpty is set.
func parseTables(s string, allowEmpty bool) ([]catalog.Table, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		if allowEmpty {
			return nil, nil
		}
		return nil, errors.New("no tables given")
	}
	if strings.EqualFold(s, "all") {
		return catalog.Tables(), nil
	}
	var out []catalog.Table
	seen := make(map[catalog.Table]bool)
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		t, err := catalog.ParseTable(part)
		if err != nil {
			return nil, err
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out, nil
}

// parseYears expands a year expression for one table. Terms are separated
// by commas: a year, an inclusive range "2015-2020", or one of the keywords
// all (earliest..current), latest (current-1) and current. Ranges are
// clamped to earliest..current; single years are kept as given.
func parseYears(expr string, earliest, current int) ([]int, error) {
	set := make(map[int]bool)
	for _, term := range strings.Split(expr, ",") {
		term = strings.ToLower(strings.TrimSpace(term))
		switch {
		case term == "":
			continue
		case term == "all":
			for y := earliest; y <= current; y++ {
				set[y] = true
			}
		case term == "latest":
			set[current-1] = true
		case term == "current":
			set[current] = true
		case strings.Contains(term, "-"):
			lo, hi, ok := strings.Cut(term, "-")
			if !ok {
				return nil, fmt.Errorf("invalid year range %q", term)
			}
			from, err1 := strconv.Atoi(strings.TrimSpace(lo))
			to, err2 := strconv.Atoi(strings.TrimSpace(hi))
			if err1 != nil || err2 != nil || from > to {
				return nil, fmt.Errorf("invalid year range %q", term)
			}
			from, to = max(from, earliest), min(to, current)
			if from > to {
				return nil, fmt.Errorf("year range %q is outside %d-%d", term, earliest, current)
			}
			for y := from; y <= to; y++ {
				set[y] = true
			}
		default:
			y, err := strconv.Atoi(term)
			if err != nil {
				return nil, fmt.Errorf("invalid year %q", term)
			}
			set[y] = true
		}
	}
	if len(set) == 0 {
		return nil, errors.New("no years given")
	}
	out := make([]int, 0, len(set))
	for y := range set {
		out = append(out, y)
	}
	sort.Ints(out)
	return out, nil
}

// buildRequests crosses tables with years. Years a table does not cover
// are kept, so the sync reports them as unsupported, except for the "all"
// keyword, which expands per table.
func buildRequests(tablesExpr, yearsExpr string, current int) ([]catalog.Request, error) {
	tables, err := parseTables(tablesExpr, false)
	if err != nil {
		return nil, err
	}
	var reqs []catalog.Request
	for _, t := range tables {
		years, err := parseYears(yearsExpr, catalog.MustLookup(t).EarliestYear, current)
		if err != nil {
			return nil, err
		}
		for _, y := range years {
			reqs = append(reqs, catalog.Request{Table: t, Year: y})
		}
	}
	return reqs, nil
}

// planRow is one line of a request plan CSV.
type planRow struct {
	Table string `csv:"table"`
	Year  int    `csv:"year"`
}

func readPlanFile(path string) ([]catalog.Request, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plan: %w", err)
	}
	defer f.Close()
	reqs, err := readPlan(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return reqs, nil
}

// readPlan decodes a CSV with a table,year header, keeping row order.
func readPlan(r io.Reader) ([]catalog.Request, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	dec, err := csvutil.NewDecoder(cr)
	if errors.Is(err, io.EOF) {
		return nil, errors.New("plan has no requests")
	}
	if err != nil {
		return nil, fmt.Errorf("read plan header: %w", err)
	}
	var rows []planRow
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	reqs := make([]catalog.Request, 0, len(rows))
	for i, row := range rows {
		t, err := catalog.ParseTable(row.Table)
		if err != nil {
			return nil, fmt.Errorf("plan row %d: %w", i+1, err)
		}
		reqs = append(reqs, catalog.Request{Table: t, Year: row.Year})
	}
	if len(reqs) == 0 {
		return nil, errors.New("plan has no requests")
	}
	return reqs, nil
}
