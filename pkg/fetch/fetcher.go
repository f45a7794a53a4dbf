package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/eunmann/maude-sync/internal/logctx"
	"github.com/eunmann/maude-sync/pkg/cache"
	"github.com/eunmann/maude-sync/pkg/logging"
)

// Config controls retry behavior.
type Config struct {
	// MaxAttempts is the number of tries per operation, including the first.
	MaxAttempts int
	// AttemptTimeout bounds one download attempt.
	AttemptTimeout time.Duration
	// ProbeTimeout bounds one existence probe.
	ProbeTimeout time.Duration
	// InitialBackoff is the wait after the first failure; it doubles per attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the wait between attempts.
	MaxBackoff time.Duration
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    4,
		AttemptTimeout: 30 * time.Minute,
		ProbeTimeout:   30 * time.Second,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     time.Minute,
	}
}

// Validate fills unset fields with defaults and rejects negative values.
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.MaxAttempts < 0 || c.AttemptTimeout < 0 || c.ProbeTimeout < 0 || c.InitialBackoff < 0 || c.MaxBackoff < 0 {
		return errors.New("fetch config values must not be negative")
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = def.AttemptTimeout
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	return nil
}

// Backoff returns the wait before attempt n+1 after n failures.
func (c Config) Backoff(n int) time.Duration {
	d := c.InitialBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return min(d, c.MaxBackoff)
}

// Fetcher downloads archives into a cache.Store.
type Fetcher struct {
	remote Remote
	cache  *cache.Store
	cfg    Config
	group  singleflight.Group

	mu       sync.Mutex
	inflight map[string]*transferCtx
}

// transferCtx is the context of one shared transfer. It outlives any single
// caller and is canceled once the last waiting caller gives up.
type transferCtx struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// NewFetcher creates a fetcher. Invalid config values are replaced by defaults.
func NewFetcher(remote Remote, store *cache.Store, cfg Config) *Fetcher {
	if err := cfg.Validate(); err != nil {
		cfg = DefaultConfig()
	}
	return &Fetcher{
		remote:   remote,
		cache:    store,
		cfg:      cfg,
		inflight: make(map[string]*transferCtx),
	}
}

// Exists probes the remote for filename without transferring it.
func (f *Fetcher) Exists(ctx context.Context, filename string) (bool, error) {
	var found bool
	err := f.retry(ctx, "probe", filename, f.cfg.ProbeTimeout, func(attemptCtx context.Context) error {
		ok, err := f.remote.Exists(attemptCtx, filename)
		found = ok
		return err
	})
	return found, err
}

// Fetch returns the cached archive for filename, transferring it first when
// absent or when force is set. Concurrent calls for the same filename share
// one transfer; a caller that is canceled stops waiting, and the transfer
// itself is canceled only when no caller is left waiting for it.
func (f *Fetcher) Fetch(ctx context.Context, filename string, force bool) (cache.Archive, error) {
	if !force {
		if a, ok := f.cache.Lookup(filename); ok {
			log := logctx.FromContext(ctx)
			log.Debug().Int64("bytes", a.Size).Msg("archive cache hit")
			return a, nil
		}
	}

	tc := f.join(ctx, filename)
	defer f.leave(filename, tc)

	ch := f.group.DoChan(filename, func() (any, error) {
		return f.transfer(tc.ctx, filename)
	})
	select {
	case <-ctx.Done():
		return cache.Archive{}, fmt.Errorf("fetch %s: %w", filename, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return cache.Archive{}, res.Err
		}
		return res.Val.(cache.Archive), nil
	}
}

// join registers a caller waiting on filename. The first caller creates the
// transfer context, detached from its own cancellation but keeping its
// values (the logger).
func (f *Fetcher) join(ctx context.Context, filename string) *transferCtx {
	f.mu.Lock()
	defer f.mu.Unlock()
	tc, ok := f.inflight[filename]
	if !ok {
		tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		tc = &transferCtx{ctx: tctx, cancel: cancel}
		f.inflight[filename] = tc
	}
	tc.waiters++
	return tc
}

func (f *Fetcher) leave(filename string, tc *transferCtx) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tc.waiters--
	if tc.waiters > 0 {
		return
	}
	tc.cancel()
	if f.inflight[filename] == tc {
		delete(f.inflight, filename)
	}
	// A later caller must start a fresh transfer, not join a canceled one.
	f.group.Forget(filename)
}

func (f *Fetcher) transfer(ctx context.Context, filename string) (cache.Archive, error) {
	log := logctx.FromContext(ctx)
	start := time.Now()

	var archive cache.Archive
	err := f.retry(ctx, "download", filename, f.cfg.AttemptTimeout, func(attemptCtx context.Context) error {
		a, err := f.cache.Write(filename, func(file *os.File) error {
			_, err := f.remote.Download(attemptCtx, filename, file)
			return err
		})
		archive = a
		return err
	})
	if err != nil {
		return cache.Archive{}, err
	}

	logging.FileFetched(log, "fetch", time.Since(start)).
		Bytes("bytes", archive.Size).
		Throughput(archive.Size).
		Log("archive fetched")
	return archive, nil
}

// retry runs op until it succeeds, fails permanently, or attempts run out.
func (f *Fetcher) retry(ctx context.Context, op, filename string, timeout time.Duration, fn func(context.Context) error) error {
	log := logctx.FromContext(ctx)

	var lastErr error
	attempt := 0
	for attempt < f.cfg.MaxAttempts {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		lastErr = fn(attemptCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		if !IsRetryable(lastErr) || attempt == f.cfg.MaxAttempts {
			break
		}

		wait := f.cfg.Backoff(attempt)
		log.Warn().Err(lastErr).
			Str("op", op).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("remote attempt failed, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &TransferError{Op: op, Filename: filename, Attempts: attempt, Err: ctx.Err()}
		case <-timer.C:
		}
	}
	return &TransferError{Op: op, Filename: filename, Attempts: attempt, Err: lastErr}
}
