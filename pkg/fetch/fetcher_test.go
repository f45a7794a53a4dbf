package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eunmann/maude-sync/pkg/cache"
)

// fakeRemote serves in-memory archives and can fail the first N downloads.
type fakeRemote struct {
	mu        sync.Mutex
	files     map[string][]byte
	failFirst int
	failErr   error
	gate      chan struct{}

	downloads atomic.Int32
	probes    atomic.Int32
}

func (r *fakeRemote) Exists(_ context.Context, name string) (bool, error) {
	r.probes.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.files[name]
	return ok, nil
}

func (r *fakeRemote) Download(ctx context.Context, name string, dst Destination) (int64, error) {
	n := r.downloads.Add(1)
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if int(n) <= r.failFirst {
		dst.Write([]byte("garbage"))
		return 0, r.failErr
	}
	r.mu.Lock()
	data, ok := r.files[name]
	r.mu.Unlock()
	if !ok {
		return 0, ErrNotFound
	}
	written, err := dst.Write(data)
	return int64(written), err
}

func testConfig() Config {
	return Config{
		MaxAttempts:    3,
		AttemptTimeout: time.Second,
		ProbeTimeout:   time.Second,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
}

func newTestFetcher(t *testing.T, r Remote) (*Fetcher, *cache.Store) {
	t.Helper()
	store, err := cache.Open(t.TempDir())
	if err != nil {
		t.Fatalf("cache.Open failed: %v", err)
	}
	return NewFetcher(r, store, testConfig()), store
}

func TestFetchCachesArchive(t *testing.T) {
	remote := &fakeRemote{files: map[string][]byte{"device2020.zip": []byte("v1")}}
	f, _ := newTestFetcher(t, remote)
	ctx := context.Background()

	a, err := f.Fetch(ctx, "device2020.zip", false)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if a.Size != 2 {
		t.Errorf("Size = %d, want 2", a.Size)
	}

	if _, err := f.Fetch(ctx, "device2020.zip", false); err != nil {
		t.Fatalf("second Fetch failed: %v", err)
	}
	if got := remote.downloads.Load(); got != 1 {
		t.Errorf("downloads = %d, want 1 (cache hit)", got)
	}

	remote.files["device2020.zip"] = []byte("v2-longer")
	a, err = f.Fetch(ctx, "device2020.zip", true)
	if err != nil {
		t.Fatalf("forced Fetch failed: %v", err)
	}
	data, _ := os.ReadFile(a.Path)
	if string(data) != "v2-longer" {
		t.Errorf("content after force = %q", data)
	}
	if got := remote.downloads.Load(); got != 2 {
		t.Errorf("downloads = %d, want 2", got)
	}
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	remote := &fakeRemote{
		files:     map[string][]byte{"mdrfoi.zip": []byte("payload")},
		failFirst: 2,
		failErr:   errors.New("connection reset by peer"),
	}
	f, _ := newTestFetcher(t, remote)

	a, err := f.Fetch(context.Background(), "mdrfoi.zip", false)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	data, _ := os.ReadFile(a.Path)
	if string(data) != "payload" {
		t.Errorf("content = %q; partial attempt leaked into cache", data)
	}
	if got := remote.downloads.Load(); got != 3 {
		t.Errorf("downloads = %d, want 3", got)
	}
}

func TestFetchExhaustsRetries(t *testing.T) {
	remote := &fakeRemote{
		files:     map[string][]byte{"mdrfoi.zip": []byte("payload")},
		failFirst: 10,
		failErr:   &StatusError{Code: 503, URL: "x"},
	}
	f, store := newTestFetcher(t, remote)

	_, err := f.Fetch(context.Background(), "mdrfoi.zip", false)
	var te *TransferError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want TransferError", err)
	}
	if te.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", te.Attempts)
	}
	if _, ok := store.Lookup("mdrfoi.zip"); ok {
		t.Error("failed transfer left a cache entry")
	}
}

func TestFetchNotFoundIsPermanent(t *testing.T) {
	remote := &fakeRemote{files: map[string][]byte{}}
	f, _ := newTestFetcher(t, remote)

	_, err := f.Fetch(context.Background(), "device2031.zip", false)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if got := remote.downloads.Load(); got != 1 {
		t.Errorf("downloads = %d, want 1 (no retry on 404)", got)
	}
}

func TestFetchDeduplicatesConcurrentTransfers(t *testing.T) {
	remote := &fakeRemote{
		files: map[string][]byte{"mdrfoithru2025.zip": []byte("big")},
		gate:  make(chan struct{}),
	}
	f, _ := newTestFetcher(t, remote)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Fetch(context.Background(), "mdrfoithru2025.zip", false)
			errs <- err
		}()
	}

	// Let the callers pile up on the in-flight transfer, then release it.
	time.Sleep(50 * time.Millisecond)
	close(remote.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Fetch failed: %v", err)
		}
	}
	if got := remote.downloads.Load(); got != 1 {
		t.Errorf("downloads = %d, want 1", got)
	}
}

func TestFetchCancellation(t *testing.T) {
	remote := &fakeRemote{
		files: map[string][]byte{"device.zip": []byte("x")},
		gate:  make(chan struct{}),
	}
	f, store := newTestFetcher(t, remote)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.Fetch(ctx, "device.zip", false)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Fetch did not return after cancel")
	}
	if _, ok := store.Lookup("device.zip"); ok {
		t.Error("cancelled transfer left a cache entry")
	}
}

func TestFetchSharedTransferSurvivesFirstCallerCancel(t *testing.T) {
	remote := &fakeRemote{
		files: map[string][]byte{"mdrfoithru2024.zip": []byte("shared")},
		gate:  make(chan struct{}),
	}
	f, _ := newTestFetcher(t, remote)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		_, err := f.Fetch(firstCtx, "mdrfoithru2024.zip", false)
		firstDone <- err
	}()
	time.Sleep(20 * time.Millisecond)

	type result struct {
		a   cache.Archive
		err error
	}
	secondDone := make(chan result, 1)
	go func() {
		a, err := f.Fetch(context.Background(), "mdrfoithru2024.zip", false)
		secondDone <- result{a, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	if err := <-firstDone; !errors.Is(err, context.Canceled) {
		t.Fatalf("first caller error = %v, want context.Canceled", err)
	}
	close(remote.gate)

	select {
	case res := <-secondDone:
		if res.err != nil {
			t.Fatalf("second caller failed: %v", res.err)
		}
		if res.a.Size != int64(len("shared")) {
			t.Errorf("Size = %d, want %d", res.a.Size, len("shared"))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second caller did not return")
	}
	if got := remote.downloads.Load(); got != 1 {
		t.Errorf("downloads = %d, want 1", got)
	}
}

func TestFetchAfterAbandonedTransferStartsFresh(t *testing.T) {
	remote := &fakeRemote{
		files: map[string][]byte{"device.zip": []byte("x")},
		gate:  make(chan struct{}),
	}
	f, _ := newTestFetcher(t, remote)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.Fetch(ctx, "device.zip", false)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done
	close(remote.gate)

	a, err := f.Fetch(context.Background(), "device.zip", false)
	if err != nil {
		t.Fatalf("Fetch after abandoned transfer failed: %v", err)
	}
	if a.Size != 1 {
		t.Errorf("Size = %d, want 1", a.Size)
	}
}

func TestExists(t *testing.T) {
	remote := &fakeRemote{files: map[string][]byte{"patientthru2024.zip": nil}}
	f, _ := newTestFetcher(t, remote)

	for name, want := range map[string]bool{"patientthru2024.zip": true, "patientthru2025.zip": false} {
		got, err := f.Exists(context.Background(), name)
		if err != nil {
			t.Fatalf("Exists(%s) failed: %v", name, err)
		}
		if got != want {
			t.Errorf("Exists(%s) = %v, want %v", name, got, want)
		}
	}
}

func TestBackoff(t *testing.T) {
	cfg := Config{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := cfg.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrNotFound, false},
		{fmt.Errorf("wrapped: %w", ErrNotFound), false},
		{context.Canceled, false},
		{context.DeadlineExceeded, true},
		{&StatusError{Code: 500}, true},
		{&StatusError{Code: 429}, true},
		{&StatusError{Code: 403}, false},
		{errors.New("unexpected EOF"), true},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg != DefaultConfig() {
		t.Errorf("zero config not defaulted: %+v", cfg)
	}

	bad := Config{MaxAttempts: -1}
	if err := bad.Validate(); err == nil {
		t.Error("expected error for negative attempts")
	}
}
