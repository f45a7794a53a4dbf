package logging

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestProgressTracker_Counts(t *testing.T) {
	var buf bytes.Buffer
	pt := NewProgressTracker("sync", 10, zerolog.New(&buf))

	pt.RecordCompletion(100 * time.Millisecond)
	pt.RecordCompletion(150 * time.Millisecond)
	pt.RecordSkip()
	pt.RecordFailure()

	completed, skipped, failed, total := pt.Counts()
	if completed != 2 || skipped != 1 || failed != 1 || total != 10 {
		t.Errorf("counts = %d/%d/%d/%d, want 2/1/1/10", completed, skipped, failed, total)
	}
	if pt.Done() != 4 {
		t.Errorf("Done() = %d, want 4", pt.Done())
	}
	if pct := pt.ProgressPct(); pct != 40.0 {
		t.Errorf("expected progress 40%%, got %.1f%%", pct)
	}
}

func TestProgressTracker_ETA(t *testing.T) {
	pt := NewProgressTracker("sync", 10, zerolog.Nop())

	pt.RecordCompletion(100 * time.Millisecond)
	pt.RecordCompletion(100 * time.Millisecond)

	// 8 remaining at 100ms each
	eta := pt.ETA()
	if eta < 700*time.Millisecond || eta > 900*time.Millisecond {
		t.Errorf("expected ETA ~800ms, got %v", eta)
	}
}

func TestProgressTracker_ZeroTotal(t *testing.T) {
	pt := NewProgressTracker("sync", 0, zerolog.Nop())

	if pct := pt.ProgressPct(); pct != 100.0 {
		t.Errorf("expected 100%% for zero total, got %.1f%%", pct)
	}
	if eta := pt.ETA(); eta != 0 {
		t.Errorf("expected 0 ETA for zero total, got %v", eta)
	}
}

func TestCompletionEvent_BasicFields(t *testing.T) {
	var buf bytes.Buffer
	SetPrettyMode(false)

	NewCompletionEvent(zerolog.New(&buf), "test_event", "test_phase", 500*time.Millisecond).
		Str("table", "device").
		Int("year", 2020).
		Int64("rows", 1000000).
		Log("test message")

	output := buf.String()
	for _, want := range []string{
		`"event":"test_event"`,
		`"phase":"test_phase"`,
		`"duration_ms":500`,
		`"table":"device"`,
		`"year":2020`,
		`"rows":1000000`,
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %s in output, got: %s", want, output)
		}
	}
	if strings.Contains(output, "duration_h") {
		t.Errorf("humanized field present outside pretty mode: %s", output)
	}
}

func TestCompletionEvent_PrettyCompanions(t *testing.T) {
	var buf bytes.Buffer
	SetPrettyMode(true)
	defer SetPrettyMode(false)

	FileFetched(zerolog.New(&buf), "fetch", time.Second).
		Bytes("bytes", 1073741824).
		Count("rows", 1500000).
		Throughput(1073741824).
		Log("archive fetched")

	output := buf.String()
	for _, want := range []string{
		`"event":"file_fetched"`,
		`"bytes_h":"1.00 GiB"`,
		`"rows_h":"1.50M"`,
		`"throughput_h":"1.00 GiB/s"`,
		`"duration_h":"1.00s"`,
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %s in output, got: %s", want, output)
		}
	}
}

func TestCompletionEvent_LogDebug(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf).Level(zerolog.InfoLevel)

	BatchComplete(log, "import", time.Millisecond).LogDebug("chunk flushed")
	if buf.Len() != 0 {
		t.Errorf("debug event emitted at info level: %s", buf.String())
	}
}

func TestProgressTracker_LogProgress(t *testing.T) {
	var buf bytes.Buffer
	pt := NewProgressTracker("sync", 4, zerolog.New(&buf))
	pt.RecordCompletion(time.Millisecond)
	pt.RecordSkip()

	pt.LogProgress("sync progress")

	output := buf.String()
	for _, want := range []string{`"phase":"sync"`, `"completed":1`, `"skipped":1`, `"total":4`, `"progress_pct":50`} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %s in output, got: %s", want, output)
		}
	}
}
