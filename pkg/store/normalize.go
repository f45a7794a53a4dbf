package store

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/eunmann/maude-sync/pkg/extract"
)

type normalizer struct {
	cols     []column
	maxBytes int
}

// appendRow appends the bind values of one row, sync_year first.
// Fields beyond the column list are ignored; missing ones bind NULL.
func (n *normalizer) appendRow(buf []any, year int, fields []string) []any {
	buf = append(buf, year)
	for i, c := range n.cols {
		if i >= len(fields) {
			buf = append(buf, nil)
			continue
		}
		buf = append(buf, n.value(c, fields[i]))
	}
	return buf
}

func (n *normalizer) value(c column, raw string) any {
	v := strings.TrimSpace(raw)
	if v == "" {
		return nil
	}
	switch c.kind {
	case kindKey:
		if k, err := strconv.ParseInt(v, 10, 64); err == nil {
			return k
		}
	case kindDate:
		t, ok := extract.ParseDate(v)
		if !ok {
			return nil
		}
		return t.Format("2006-01-02")
	}
	return truncate(v, n.maxBytes)
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
