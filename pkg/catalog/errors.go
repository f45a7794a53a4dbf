package catalog

import (
	"fmt"
	"strings"
)

// UnsupportedYearError is returned for years outside a table's publication
// range. It is never retryable.
type UnsupportedYearError struct {
	Table    Table
	Year     int
	Earliest int
	Latest   int
}

func (e *UnsupportedYearError) Error() string {
	return fmt.Sprintf("%s: year %d unsupported (available %d-%d)", e.Table, e.Year, e.Earliest, e.Latest)
}

// NoAvailableArchiveError means no candidate archive exists remotely.
type NoAvailableArchiveError struct {
	Table Table
	Year  int
	Tried []string
}

func (e *NoAvailableArchiveError) Error() string {
	return fmt.Sprintf("%s/%d: no archive available (tried %s)", e.Table, e.Year, strings.Join(e.Tried, ", "))
}
