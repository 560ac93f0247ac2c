// Package fetch brings uncached content into the cache: an upstream client
// that races gateways for the bytes, and a coordinator that collapses
// concurrent fetches for the same reference into one.
package fetch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cidcache/cidcache/index"
	"github.com/cidcache/cidcache/telemetry"
)

// Result holds the outcome of a completed fetch: the index row describing
// the now-cached object.
type Result struct {
	Record *index.Record
}

// FetchFunc fetches from upstream, stores the content, and indexes it.
// The context passed to FetchFunc is detached from any single request so
// that one caller timing out does not cancel the fetch for other waiters.
type FetchFunc func(ctx context.Context) (*Result, error)

// Coordinator deduplicates concurrent fetches for the same reference key
// using singleflight. It uses DoChan so each caller can respect its own
// context deadline without cancelling the in-flight fetch for others.
type Coordinator struct {
	group   singleflight.Group
	logger  *slog.Logger
	timeout time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger for the coordinator.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithTimeout bounds how long a single underlying fetch may run,
// independent of any caller's deadline. Zero means unbounded.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.timeout = d
	}
}

// NewCoordinator creates a new Coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		logger:   slog.Default().With("component", "fetch"),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do deduplicates concurrent fetches for the same key.
// The fn receives a detached context (not tied to any single request).
// Returns the result, whether it was shared with another caller, and any error.
//
// If the caller's context expires before the fetch completes, Do returns
// the context error but the in-flight fetch continues for other waiters.
// A failed fetch is forgotten immediately so the next caller retries
// instead of inheriting the error.
func (c *Coordinator) Do(ctx context.Context, key string, fn FetchFunc) (*Result, bool, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		c.track(key)
		defer c.untrack(key)

		// Use a detached context so that no single caller's cancellation
		// stops the fetch for everyone else.
		fctx := context.WithoutCancel(ctx)
		if c.timeout > 0 {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(fctx, c.timeout)
			defer cancel()
		}

		telemetry.AddInFlightFetch(fctx, 1)
		defer telemetry.AddInFlightFetch(fctx, -1)

		res, err := fn(fctx)
		if err != nil {
			c.group.Forget(key)
			return nil, err
		}
		return res, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget removes the key from the singleflight group, allowing a subsequent
// call to retry.
func (c *Coordinator) Forget(key string) {
	c.group.Forget(key)
}

// InFlight reports whether a fetch for key is currently executing.
// The eviction sweeper uses this to avoid deleting a ref mid-fetch.
func (c *Coordinator) InFlight(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[key]
	return ok
}

// InFlightCount returns the number of fetches currently executing.
func (c *Coordinator) InFlightCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

func (c *Coordinator) track(key string) {
	c.mu.Lock()
	c.inflight[key] = struct{}{}
	c.mu.Unlock()
}

func (c *Coordinator) untrack(key string) {
	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
}
