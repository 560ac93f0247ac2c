// Package server provides the HTTP server for the CID cache.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/cidcache/cidcache/backend"
	"github.com/cidcache/cidcache/config"
	"github.com/cidcache/cidcache/fetch"
	"github.com/cidcache/cidcache/gateway"
	"github.com/cidcache/cidcache/index"
	"github.com/cidcache/cidcache/store"
	"github.com/cidcache/cidcache/sweeper"
	"github.com/cidcache/cidcache/telemetry"
)

// Server is the HTTP server for the CID cache.
type Server struct {
	config     *config.Config
	httpServer *http.Server
	logger     *slog.Logger

	index    *index.Index
	store    *store.ContentStore
	upstream *fetch.Client
	coord    *fetch.Coordinator
	gateway  *gateway.Gateway
	sweeper  *sweeper.Sweeper
}

// New creates a server, wiring storage, the object index, the upstream
// client, and the sweeper from the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fsBackend, err := backend.NewFilesystem(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("creating filesystem backend: %w", err)
	}
	var b backend.Backend = fsBackend
	if cfg.Storage.Compression {
		b = backend.NewCompressed(b)
	}
	b = backend.NewInstrumentedBackend(b, "filesystem")

	ix, err := index.Open(cfg.Storage.IndexPath, index.WithLogger(logger.With("component", "index")))
	if err != nil {
		return nil, fmt.Errorf("opening object index: %w", err)
	}

	contentStore := store.New(b,
		store.WithMaxBytes(cfg.Upstream.MaxContentBytes),
		store.WithLogger(logger.With("component", "store")),
	)

	upstream, err := fetch.NewClient(cfg.Upstream.Gateways,
		fetch.WithClientLogger(logger.With("component", "upstream")),
		fetch.WithMaxTries(cfg.Upstream.MaxTries),
		fetch.WithMaxContentLength(cfg.Upstream.MaxContentBytes),
		fetch.WithGatewayPause(cfg.Upstream.GatewayPause.Std()),
	)
	if err != nil {
		_ = ix.Close()
		return nil, fmt.Errorf("creating upstream client: %w", err)
	}

	coord := fetch.NewCoordinator(
		fetch.WithLogger(logger.With("component", "fetch")),
		fetch.WithTimeout(cfg.Upstream.FetchTimeout.Std()),
	)

	gw := gateway.New(ix, contentStore, coord, upstream,
		gateway.WithLogger(logger.With("component", "gateway")),
		gateway.WithListingNormalization(cfg.Upstream.NormalizeListings),
	)

	sweepCfg := sweeper.Config{
		Interval:        cfg.Sweeper.Interval.Std(),
		StartupDelay:    cfg.Sweeper.StartupDelay.Std(),
		MaxBytes:        cfg.Sweeper.MaxBytes,
		MaxObjects:      cfg.Sweeper.MaxObjects,
		DeleteOlderThan: cfg.Sweeper.DeleteOlderThan.Std(),
		GraceWindow:     cfg.Sweeper.GraceWindow.Std(),
		TempMaxAge:      cfg.Sweeper.TempMaxAge.Std(),
		BatchSize:       cfg.Sweeper.BatchSize,
	}
	sw := sweeper.New(ix, contentStore, coord, sweepCfg,
		sweeper.WithLogger(logger.With("component", "sweeper")),
	)

	s := &Server{
		config:   cfg,
		logger:   logger,
		index:    ix,
		store:    contentStore,
		upstream: upstream,
		coord:    coord,
		gateway:  gw,
		sweeper:  sw,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // streaming large blobs from cold upstreams
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /ipfs/{ref...}", s.gateway.HandleContent)
	mux.HandleFunc("HEAD /ipfs/{ref...}", s.gateway.HandleContent)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type statsResponse struct {
	Index          *index.Stats         `json:"index"`
	InFlight       int                  `json:"in_flight_fetches"`
	PausedGateways map[string]time.Time `json:"paused_gateways,omitempty"`
	LastSweep      *sweeper.Result      `json:"last_sweep,omitempty"`
}

// handleStats reports index totals, in-flight fetches, paused
// gateways, and the last sweep result.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.index.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := statsResponse{
		Index:          stats,
		InFlight:       s.coord.InFlightCount(),
		PausedGateways: s.upstream.PausedGateways(),
		LastSweep:      s.sweeper.Status(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode stats", "error", err)
	}
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the sweeper and the HTTP listener. It blocks until the
// listener stops.
func (s *Server) Start() error {
	s.logger.Info("starting sweeper",
		"interval", s.config.Sweeper.Interval.Std(),
		"max_bytes", s.config.Sweeper.MaxBytes,
		"max_objects", s.config.Sweeper.MaxObjects,
	)
	s.sweeper.Start(context.Background())

	s.logger.Info("starting server", "address", s.config.Server.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if err := s.sweeper.Stop(ctx); err != nil {
		s.logger.Warn("sweeper did not stop cleanly", "error", err)
	}

	err := s.httpServer.Shutdown(ctx)

	if closeErr := s.index.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Server.ListenAddr
}

// Handler returns the server's HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
