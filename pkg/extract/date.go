package extract

import (
	"strings"
	"time"
)

// Date layouts seen across MAUDE eras, most common first.
var dateLayouts = []string{
	"01/02/2006",
	"2006/01/02",
	"2006-01-02",
	"1/2/2006",
	"01-02-2006",
	"20060102",
}

// ParseDate parses a MAUDE date value.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 8 {
		return time.Time{}, false
	}
	// Some eras append a midnight time component.
	if i := strings.IndexByte(s, ' '); i > 0 {
		s = s[:i]
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// YearOf returns the year of a MAUDE date value.
func YearOf(s string) (int, bool) {
	t, ok := ParseDate(s)
	if !ok {
		return 0, false
	}
	return t.Year(), true
}
