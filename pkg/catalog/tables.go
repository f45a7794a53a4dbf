// Package catalog describes the MAUDE archive families and resolves which
// published file carries a given (table, year).
package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// Table identifies one MAUDE table.
type Table string

// Known tables.
const (
	Device   Table = "device"
	Text     Table = "text"
	Patient  Table = "patient"
	Master   Table = "master"
	Problems Table = "problems"
)

// Style is the publication style of a table's archives.
type Style int

const (
	// Yearly tables publish one archive per year.
	Yearly Style = iota
	// Cumulative tables publish a single growing "through year N" archive.
	Cumulative
)

func (s Style) String() string {
	switch s {
	case Yearly:
		return "yearly"
	case Cumulative:
		return "cumulative"
	default:
		return fmt.Sprintf("Style(%d)", int(s))
	}
}

// Era is a naming convention valid for years up to and including Until.
// A zero Until means the era has no upper bound.
type Era struct {
	Until  int
	Prefix string
}

// TableSpec holds the publication metadata for one table.
type TableSpec struct {
	Table        Table
	Style        Style
	EarliestYear int

	// Eras lists historical filename prefixes in ascending order of Until.
	Eras []Era

	// CurrentName is the year-less archive published for the current year.
	CurrentName string

	// DateColumns are candidate columns (matched case-insensitively) whose
	// year attributes a row of a cumulative archive. The first present wins.
	DateColumns []string

	// Columns is the header for archives that ship without a header line.
	Columns []string

	// IndexColumns are created as indexes after an import when present.
	IndexColumns []string

	Description string
}

var specs = map[Table]TableSpec{
	Master: {
		Table:        Master,
		Style:        Cumulative,
		EarliestYear: 1991,
		Eras:         []Era{{Prefix: "mdrfoi"}},
		CurrentName:  "mdrfoi.zip",
		DateColumns:  []string{"DATE_RECEIVED"},
		IndexColumns: []string{"MDR_REPORT_KEY", "DATE_RECEIVED"},
		Description:  "Master records (adverse event reports)",
	},
	Patient: {
		Table:        Patient,
		Style:        Cumulative,
		EarliestYear: 1996,
		Eras:         []Era{{Prefix: "patient"}},
		CurrentName:  "patient.zip",
		DateColumns:  []string{"DATE_RECEIVED", "DATE_OF_EVENT"},
		IndexColumns: []string{"MDR_REPORT_KEY"},
		Description:  "Patient demographics",
	},
	Device: {
		Table:        Device,
		Style:        Yearly,
		EarliestYear: 1998,
		// The device archives were renamed with the 2000 schema change.
		Eras:         []Era{{Until: 1999, Prefix: "foidev"}, {Prefix: "device"}},
		CurrentName:  "device.zip",
		IndexColumns: []string{"MDR_REPORT_KEY", "DEVICE_REPORT_PRODUCT_CODE"},
		Description:  "Device information",
	},
	Text: {
		Table:        Text,
		Style:        Yearly,
		EarliestYear: 1996,
		Eras:         []Era{{Prefix: "foitext"}},
		CurrentName:  "foitext.zip",
		IndexColumns: []string{"MDR_REPORT_KEY"},
		Description:  "Event narrative text",
	},
	Problems: {
		Table:        Problems,
		Style:        Yearly,
		EarliestYear: 2019,
		Eras:         []Era{{Prefix: "foidevproblem"}},
		CurrentName:  "foidevproblem.zip",
		Columns:      []string{"MDR_REPORT_KEY", "DEVICE_PROBLEM_CODE"},
		IndexColumns: []string{"MDR_REPORT_KEY"},
		Description:  "Device problem codes",
	},
}

// Lookup returns the TableSpec for a table.
func Lookup(t Table) (TableSpec, bool) {
	s, ok := specs[t]
	return s, ok
}

// MustLookup is like Lookup but panics for unknown tables.
func MustLookup(t Table) TableSpec {
	s, ok := specs[t]
	if !ok {
		panic(fmt.Sprintf("catalog: unknown table %q", t))
	}
	return s
}

// Tables returns all known tables in a stable order.
func Tables() []Table {
	out := make([]Table, 0, len(specs))
	for t := range specs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseTable parses a table name case-insensitively.
func ParseTable(s string) (Table, error) {
	t := Table(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := specs[t]; !ok {
		return "", fmt.Errorf("unknown table %q (known: %s)", s, joinTables(Tables()))
	}
	return t, nil
}

func joinTables(ts []Table) string {
	names := make([]string, len(ts))
	for i, t := range ts {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

// prefixFor returns the historical filename prefix valid for year.
func (s TableSpec) prefixFor(year int) string {
	for _, era := range s.Eras {
		if era.Until == 0 || year <= era.Until {
			return era.Prefix
		}
	}
	return s.Eras[len(s.Eras)-1].Prefix
}

// Request asks for one (table, year) to be synchronized.
type Request struct {
	Table Table
	Year  int
}

func (r Request) String() string {
	return fmt.Sprintf("%s/%d", r.Table, r.Year)
}

// Locator is the resolved remote source of a Request.
type Locator struct {
	Table    Table
	Year     int
	Filename string

	Cumulative bool

	// FallbackDepth counts the years walked back from the expected
	// through-year. Zero when the expected archive was used.
	FallbackDepth int

	// EffectiveYear is the year actually sourced: the through-year of a
	// cumulative archive, or the requested year otherwise.
	EffectiveYear int
}

// Covers reports whether the archive can contain rows for the requested year.
func (l Locator) Covers() bool {
	return !l.Cumulative || l.EffectiveYear >= l.Year
}
