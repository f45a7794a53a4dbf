// Package humanfmt renders sizes, durations, rates and row counts for log
// companions and status output.
package humanfmt

import (
	"fmt"
	"strconv"
	"time"
)

// Binary (IEC) units for bytes.
const (
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB
	TiB = 1024 * GiB
)

type unit struct {
	size   float64
	suffix string
}

var byteUnits = []unit{
	{TiB, "TiB"},
	{GiB, "GiB"},
	{MiB, "MiB"},
	{KiB, "KiB"},
}

var countUnits = []unit{
	{1e9, "B"},
	{1e6, "M"},
	{1e3, "K"},
}

func scale(v float64, units []unit) (float64, string, bool) {
	for _, u := range units {
		if v >= u.size {
			return v / u.size, u.suffix, true
		}
	}
	return v, "", false
}

// Bytes formats a byte count using IEC binary units, e.g. "1.23 GiB".
func Bytes(b int64) string {
	if b < 0 {
		return fmt.Sprintf("%d B", b)
	}
	if v, suffix, ok := scale(float64(b), byteUnits); ok {
		return fmt.Sprintf("%.2f %s", v, suffix)
	}
	return fmt.Sprintf("%d B", b)
}

// Throughput formats bytes per duration, e.g. "123.40 MiB/s".
func Throughput(bytes int64, d time.Duration) string {
	if d <= 0 {
		return "∞"
	}
	bps := float64(bytes) / d.Seconds()
	if v, suffix, ok := scale(bps, byteUnits); ok {
		return fmt.Sprintf("%.2f %s/s", v, suffix)
	}
	return fmt.Sprintf("%.0f B/s", bps)
}

// Count formats a row or item count with decimal suffixes, e.g. "1.23M".
func Count(n int64) string {
	if n < 0 {
		return strconv.FormatInt(n, 10)
	}
	if v, suffix, ok := scale(float64(n), countUnits); ok {
		return fmt.Sprintf("%.2f%s", v, suffix)
	}
	return strconv.FormatInt(n, 10)
}

// Duration formats a duration compactly.
// Examples: "1.23s", "45.6ms", "789.0µs", "1m30s", "2h15m".
func Duration(d time.Duration) string {
	if d < 0 {
		return d.String()
	}

	switch {
	case d >= time.Hour:
		return wholeUnits(d, time.Hour, time.Minute, "h", "m")
	case d >= time.Minute:
		return wholeUnits(d, time.Minute, time.Second, "m", "s")
	case d >= time.Second:
		return fmt.Sprintf("%.2fs", d.Seconds())
	case d >= time.Millisecond:
		return fmt.Sprintf("%.1fms", float64(d)/float64(time.Millisecond))
	case d >= time.Microsecond:
		return fmt.Sprintf("%.1fµs", float64(d)/float64(time.Microsecond))
	default:
		return fmt.Sprintf("%dns", d.Nanoseconds())
	}
}

func wholeUnits(d, major, minor time.Duration, majorSuffix, minorSuffix string) string {
	hi := d / major
	lo := (d % major) / minor
	if lo == 0 {
		return fmt.Sprintf("%d%s", hi, majorSuffix)
	}
	return fmt.Sprintf("%d%s%d%s", hi, majorSuffix, lo, minorSuffix)
}
