package membudget

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBudgetBasic(t *testing.T) {
	b := New(Config{TotalBytes: 1000, Source: BudgetSourceCLI})

	if !b.TryReserve(600) {
		t.Fatal("TryReserve(600) failed")
	}
	if b.TryReserve(500) {
		t.Fatal("TryReserve(500) should exceed budget")
	}
	if b.Available() != 400 {
		t.Errorf("Available = %d, want 400", b.Available())
	}
	b.Release(600)
	if b.InUse() != 0 {
		t.Errorf("InUse = %d, want 0", b.InUse())
	}

	// Over-release is clamped.
	b.Release(10)
	if b.InUse() != 0 {
		t.Errorf("InUse after over-release = %d", b.InUse())
	}
}

func TestReserveBlocksUntilRelease(t *testing.T) {
	b := New(Config{TotalBytes: 100})
	if err := b.Reserve(context.Background(), 80); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- b.Reserve(context.Background(), 50) }()

	select {
	case <-done:
		t.Fatal("Reserve returned before memory was released")
	case <-time.After(30 * time.Millisecond):
	}

	b.Release(80)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Reserve did not wake after release")
	}
	if b.InUse() != 50 {
		t.Errorf("InUse = %d, want 50", b.InUse())
	}
}

func TestReserveCancel(t *testing.T) {
	b := New(Config{TotalBytes: 100})
	b.TryReserve(100)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.Reserve(ctx, 10); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Reserve error = %v, want deadline exceeded", err)
	}
	if err := b.Reserve(context.Background(), 101); err == nil {
		t.Error("expected error for reservation larger than budget")
	}
}

func TestNewFromSystemRAM(t *testing.T) {
	b := NewFromSystemRAM()
	if b.Total() == 0 {
		t.Fatal("zero budget")
	}
	switch b.Source() {
	case BudgetSourceAuto50Pct, BudgetSourceDefault:
	default:
		t.Errorf("unexpected source %q", b.Source())
	}
}

func TestChunkRows(t *testing.T) {
	b := New(Config{TotalBytes: 400 * 1024 * 1024})

	// 200 MiB import share / 4 writers / 2 KiB rows = 25600 rows
	if got := b.ChunkRows(2048, 4); got != 25600 {
		t.Errorf("ChunkRows = %d, want 25600", got)
	}
	if got := New(Config{TotalBytes: 1024}).ChunkRows(2048, 1); got != MinChunkRows {
		t.Errorf("ChunkRows on tiny budget = %d, want %d", got, MinChunkRows)
	}
	if got := New(Config{TotalBytes: 1 << 40}).ChunkRows(1, 1); got != MaxChunkRows {
		t.Errorf("ChunkRows on huge budget = %d, want %d", got, MaxChunkRows)
	}
}

func TestParseHumanSize(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"1024", 1024, false},
		{"512MB", 512_000_000, false},
		{"512MiB", 512 * 1024 * 1024, false},
		{"4GiB", 4 * 1024 * 1024 * 1024, false},
		{"1.5G", 1536 * 1024 * 1024, false},
		{" 2 GiB ", 2 * 1024 * 1024 * 1024, false},
		{"", 0, true},
		{"GiB", 0, true},
		{"10XB", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseHumanSize(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseHumanSize(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseHumanSize(%q) failed: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseHumanSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
