// Package sweeper reclaims cache space: it ages out cold objects, evicts
// down to the configured budget, and reconciles the blob tree against the
// object index. It is the only component that removes index rows.
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cidcache/cidcache/index"
	"github.com/cidcache/cidcache/store"
	"github.com/cidcache/cidcache/telemetry"
)

// Config configures the sweeper.
type Config struct {
	Interval        time.Duration // How often to run (default: 1h)
	StartupDelay    time.Duration // Delay before first run (default: 5m)
	MaxBytes        int64         // Target max total cache size (0 = unlimited)
	MaxObjects      int64         // Target max object count (0 = unlimited)
	DeleteOlderThan time.Duration // Remove objects not accessed for this long (0 = never)
	GraceWindow     time.Duration // Never evict objects accessed this recently (default: 5m)
	TempMaxAge      time.Duration // Remove staged temp files older than this (default: 1h)
	BatchSize       int           // Max objects to process per phase per run (default: 1000)
	Rank            RankFunc      // Optional reordering of eviction candidates
}

// DefaultConfig returns the default sweeper configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     1 * time.Hour,
		StartupDelay: 5 * time.Minute,
		GraceWindow:  5 * time.Minute,
		TempMaxAge:   1 * time.Hour,
		BatchSize:    1000,
	}
}

// RankFunc reorders eviction candidates in place; earlier entries are
// evicted first. The default order is coldest first (oldest access,
// then largest).
type RankFunc func(candidates []*index.Record)

// InFlightChecker reports whether a fetch for a ref is currently running.
// Satisfied by fetch.Coordinator.
type InFlightChecker interface {
	InFlight(key string) bool
}

// Result contains the results of a sweep run.
type Result struct {
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
	AgedOut          int           `json:"aged_out"`
	Evicted          int           `json:"evicted"`
	OrphansDeleted   int           `json:"orphans_deleted"`
	TempFilesDeleted int           `json:"temp_files_deleted"`
	BytesReclaimed   int64         `json:"bytes_reclaimed"`
	Errors           []string      `json:"errors,omitempty"`
}

// Sweeper runs periodic sweeps over the index and blob tree.
type Sweeper struct {
	index    *index.Index
	store    *store.ContentStore
	inflight InFlightChecker
	config   Config
	logger   *slog.Logger
	now      func() time.Time

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	lastRun *Result
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLogger sets the logger for the sweeper.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Sweeper) {
		s.now = now
	}
}

// New creates a sweeper.
func New(ix *index.Index, st *store.ContentStore, inflight InFlightChecker, config Config, opts ...Option) *Sweeper {
	if config.BatchSize <= 0 {
		config.BatchSize = 1000
	}
	s := &Sweeper{
		index:    ix,
		store:    st,
		inflight: inflight,
		config:   config,
		logger:   slog.Default().With("component", "sweeper"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start starts the background sweep goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	go s.run(ctx, stopCh, doneCh)
}

// Stop gracefully stops the sweeper. Safe to call concurrently; only the
// call that observes the sweeper running closes the stop channel.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the last sweep result.
func (s *Sweeper) Status() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

func (s *Sweeper) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	s.logger.Info("sweeper starting",
		"interval", s.config.Interval,
		"startup_delay", s.config.StartupDelay,
		"max_bytes", s.config.MaxBytes,
		"max_objects", s.config.MaxObjects,
		"delete_older_than", s.config.DeleteOlderThan,
	)

	select {
	case <-time.After(s.config.StartupDelay):
	case <-stopCh:
		s.logger.Info("sweeper stopped during startup delay")
		s.setRunning(false)
		return
	case <-ctx.Done():
		s.logger.Info("sweeper context cancelled during startup delay")
		s.setRunning(false)
		return
	}

	s.Sweep(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-stopCh:
			s.logger.Info("sweeper stopped")
			s.setRunning(false)
			return
		case <-ctx.Done():
			s.logger.Info("sweeper context cancelled")
			s.setRunning(false)
			return
		}
	}
}

func (s *Sweeper) setRunning(running bool) {
	s.mu.Lock()
	s.running = running
	s.mu.Unlock()
}

// Sweep runs one full sweep and returns its result. Safe to call
// directly for one-shot jobs.
func (s *Sweeper) Sweep(ctx context.Context) *Result {
	result := &Result{StartedAt: s.now()}

	s.logger.Info("starting sweep")

	s.phaseAgeOut(ctx, result)
	s.phaseBudgetEviction(ctx, result)
	s.phaseOrphans(ctx, result)
	s.phaseTempCleanup(ctx, result)

	result.Duration = time.Since(result.StartedAt)

	s.mu.Lock()
	s.lastRun = result
	s.mu.Unlock()

	telemetry.RecordSweepRun(ctx, result.StartedAt, result.Duration, len(result.Errors))

	s.logger.Info("sweep completed",
		"duration", result.Duration,
		"aged_out", result.AgedOut,
		"evicted", result.Evicted,
		"orphans_deleted", result.OrphansDeleted,
		"temp_files_deleted", result.TempFilesDeleted,
		"bytes_reclaimed", result.BytesReclaimed,
		"errors", len(result.Errors),
	)

	return result
}
