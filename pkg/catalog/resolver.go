package catalog

import (
	"context"
	"fmt"
)

// MaxLookback bounds how many through-years are tried for a cumulative table.
const MaxLookback = 3

// Resolver maps (table, year) to archive filenames. The current year is
// fixed at construction so resolution stays a pure function.
type Resolver struct {
	currentYear int
}

// NewResolver creates a resolver anchored at currentYear.
func NewResolver(currentYear int) *Resolver {
	return &Resolver{currentYear: currentYear}
}

// CurrentYear returns the year the resolver treats as "now".
func (r *Resolver) CurrentYear() int {
	return r.currentYear
}

func (r *Resolver) check(table Table, year int) (TableSpec, error) {
	spec, ok := specs[table]
	if !ok {
		return TableSpec{}, fmt.Errorf("unknown table %q", table)
	}
	if year < spec.EarliestYear || year > r.currentYear {
		return TableSpec{}, &UnsupportedYearError{
			Table:    table,
			Year:     year,
			Earliest: spec.EarliestYear,
			Latest:   r.currentYear,
		}
	}
	return spec, nil
}

// Resolve returns the expected filename for (table, year) without any I/O.
//
// The current year maps to the table's year-less archive. Historical years
// of a yearly table map to that year's file; historical years of a
// cumulative table map to the newest expected through-year archive.
func (r *Resolver) Resolve(table Table, year int) (string, error) {
	loc, err := r.locate(table, year)
	if err != nil {
		return "", err
	}
	return loc.Filename, nil
}

// Locate is like Resolve but returns the full depth-zero locator.
func (r *Resolver) Locate(table Table, year int) (Locator, error) {
	return r.locate(table, year)
}

func (r *Resolver) locate(table Table, year int) (Locator, error) {
	spec, err := r.check(table, year)
	if err != nil {
		return Locator{}, err
	}
	loc := Locator{
		Table:         table,
		Year:          year,
		Cumulative:    spec.Style == Cumulative,
		EffectiveYear: year,
	}
	switch {
	case year == r.currentYear:
		loc.Filename = spec.CurrentName
	case spec.Style == Cumulative:
		through := r.currentYear - 1
		loc.Filename = throughName(spec, through)
		loc.EffectiveYear = through
	default:
		loc.Filename = fmt.Sprintf("%s%d.zip", spec.prefixFor(year), year)
	}
	return loc, nil
}

// FallbackCandidates returns the through-years tried for a cumulative
// historical request, newest first. Yearly tables and the current year
// have a single candidate: the year itself.
func (r *Resolver) FallbackCandidates(table Table, year int) ([]int, error) {
	spec, err := r.check(table, year)
	if err != nil {
		return nil, err
	}
	if spec.Style != Cumulative || year == r.currentYear {
		return []int{year}, nil
	}
	target := r.currentYear - 1
	out := make([]int, 0, MaxLookback)
	for k := 0; k < MaxLookback; k++ {
		t := target - k
		if t < spec.EarliestYear {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

// ThroughName returns the cumulative archive name for a through-year.
func ThroughName(table Table, through int) string {
	return throughName(MustLookup(table), through)
}

func throughName(spec TableSpec, through int) string {
	return fmt.Sprintf("%sthru%d.zip", spec.prefixFor(through), through)
}

// Prober reports whether a filename exists on the remote host.
type Prober interface {
	Exists(ctx context.Context, filename string) (bool, error)
}

// Resolution is the tagged result of a fallback walk.
type Resolution struct {
	Found   bool
	Locator Locator
	Tried   []string
}

// Walk tries each fallback candidate in order and reports the first that
// exists. A missing archive is a NotFound resolution, not an error; errors
// are reserved for invalid input and probe failures.
func (r *Resolver) Walk(ctx context.Context, table Table, year int, probe Prober) (Resolution, error) {
	base, err := r.locate(table, year)
	if err != nil {
		return Resolution{}, err
	}
	if !base.Cumulative || year == r.currentYear {
		return Resolution{Found: true, Locator: base, Tried: []string{base.Filename}}, nil
	}

	candidates, err := r.FallbackCandidates(table, year)
	if err != nil {
		return Resolution{}, err
	}
	spec := specs[table]
	var res Resolution
	for depth, through := range candidates {
		name := throughName(spec, through)
		res.Tried = append(res.Tried, name)
		ok, err := probe.Exists(ctx, name)
		if err != nil {
			return res, fmt.Errorf("probe %s: %w", name, err)
		}
		if ok {
			loc := base
			loc.Filename = name
			loc.FallbackDepth = depth
			loc.EffectiveYear = through
			res.Found = true
			res.Locator = loc
			return res, nil
		}
	}
	return res, nil
}

// ResolveWithFallback walks the fallback chain and converts a NotFound
// resolution into a NoAvailableArchiveError.
func (r *Resolver) ResolveWithFallback(ctx context.Context, table Table, year int, probe Prober) (Locator, error) {
	res, err := r.Walk(ctx, table, year, probe)
	if err != nil {
		return Locator{}, err
	}
	if !res.Found {
		return Locator{}, &NoAvailableArchiveError{Table: table, Year: year, Tried: res.Tried}
	}
	return res.Locator, nil
}
