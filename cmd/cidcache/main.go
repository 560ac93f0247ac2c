// Command cidcache is a caching gateway for content-addressed data.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	cidcache "github.com/cidcache/cidcache"
	"github.com/cidcache/cidcache/backend"
	"github.com/cidcache/cidcache/config"
	"github.com/cidcache/cidcache/fetch"
	"github.com/cidcache/cidcache/gateway"
	"github.com/cidcache/cidcache/index"
	"github.com/cidcache/cidcache/server"
	"github.com/cidcache/cidcache/store"
	"github.com/cidcache/cidcache/sweeper"
	"github.com/cidcache/cidcache/telemetry"
)

var version = "dev"

type appContext struct {
	cfg    *config.Config
	logger *slog.Logger
}

var cli struct {
	Config    string `help:"Path to TOML config file." short:"c" type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFormat string `help:"Log format (text, json)."`

	Serve   serveCmd   `cmd:"" default:"1" help:"Run the cache gateway server."`
	Sweep   sweepCmd   `cmd:"" help:"Run a single sweep and exit."`
	Fetch   fetchCmd   `cmd:"" help:"Fetch a ref into the cache and write it to stdout."`
	Migrate migrateCmd `cmd:"" help:"Show the index schema migration status."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("cidcache"),
		kong.Description("Caching gateway for content-addressed data."),
		kong.Vars{"version": version},
	)

	cfg, err := config.Load(cli.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Log.Format = cli.LogFormat
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	kctx.FatalIfErrorf(kctx.Run(&appContext{cfg: cfg, logger: logger}))
}

func buildLogger(cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", cfg.Format)
	}
	return slog.New(handler), nil
}

type serveCmd struct{}

func (serveCmd) Run(app *appContext) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "cidcache",
		ServiceVersion:   version,
		OTLPEndpoint:     app.cfg.Telemetry.OTLPEndpoint,
		EnablePrometheus: app.cfg.Telemetry.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		_ = shutdownMetrics(flushCtx)
	}()

	srv, err := server.New(app.cfg, app.logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		app.logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	app.logger.Info("server started",
		"address", srv.Address(),
		"gateway_url", fmt.Sprintf("http://%s/ipfs/<cid>", srv.Address()),
		"data_dir", app.cfg.Storage.DataDir,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), app.cfg.Server.ShutdownTimeout.Std())
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type sweepCmd struct{}

func (sweepCmd) Run(app *appContext) error {
	ctx := context.Background()

	ix, st, err := openStorage(app)
	if err != nil {
		return err
	}
	defer ix.Close()

	sw := sweeper.New(ix, st, nil, sweeper.Config{
		MaxBytes:        app.cfg.Sweeper.MaxBytes,
		MaxObjects:      app.cfg.Sweeper.MaxObjects,
		DeleteOlderThan: app.cfg.Sweeper.DeleteOlderThan.Std(),
		GraceWindow:     app.cfg.Sweeper.GraceWindow.Std(),
		TempMaxAge:      app.cfg.Sweeper.TempMaxAge.Std(),
		BatchSize:       app.cfg.Sweeper.BatchSize,
	}, sweeper.WithLogger(app.logger.With("component", "sweeper")))

	result := sw.Sweep(ctx)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	if len(result.Errors) > 0 {
		return fmt.Errorf("sweep finished with %d errors", len(result.Errors))
	}
	return nil
}

type fetchCmd struct {
	Ref string `arg:"" help:"Content reference, like <cid> or <cid>/<path>."`
}

func (f fetchCmd) Run(app *appContext) error {
	ctx := context.Background()

	ref, err := cidcache.ParseRef(f.Ref)
	if err != nil {
		return fmt.Errorf("parsing ref: %w", err)
	}

	ix, st, err := openStorage(app)
	if err != nil {
		return err
	}
	defer ix.Close()

	upstream, err := fetch.NewClient(app.cfg.Upstream.Gateways,
		fetch.WithClientLogger(app.logger.With("component", "upstream")),
		fetch.WithMaxTries(app.cfg.Upstream.MaxTries),
		fetch.WithMaxContentLength(app.cfg.Upstream.MaxContentBytes),
	)
	if err != nil {
		return err
	}

	gw := gateway.New(ix, st, fetch.NewCoordinator(), upstream,
		gateway.WithLogger(app.logger.With("component", "gateway")),
		gateway.WithListingNormalization(app.cfg.Upstream.NormalizeListings),
	)

	resolved, err := gw.Resolve(ctx, ref)
	if err != nil {
		return err
	}
	defer resolved.Body.Close()

	app.logger.Info("resolved",
		"ref", ref.Key(),
		"cache_result", string(resolved.Result),
		"size", resolved.Record.ByteSize,
		"mime_type", resolved.Record.MIMEType,
	)

	_, err = io.Copy(os.Stdout, resolved.Body)
	return err
}

type migrateCmd struct{}

func (migrateCmd) Run(app *appContext) error {
	// Opening the index applies pending migrations.
	ix, _, err := openStorage(app)
	if err != nil {
		return err
	}
	defer ix.Close()

	status, err := index.MigrationPlan(ix.DB())
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}

func openStorage(app *appContext) (*index.Index, *store.ContentStore, error) {
	fsBackend, err := backend.NewFilesystem(app.cfg.Storage.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("creating filesystem backend: %w", err)
	}
	var b backend.Backend = fsBackend
	if app.cfg.Storage.Compression {
		b = backend.NewCompressed(b)
	}

	ix, err := index.Open(app.cfg.Storage.IndexPath,
		index.WithLogger(app.logger.With("component", "index")))
	if err != nil {
		return nil, nil, fmt.Errorf("opening object index: %w", err)
	}

	st := store.New(b,
		store.WithMaxBytes(app.cfg.Upstream.MaxContentBytes),
		store.WithLogger(app.logger.With("component", "store")),
	)
	return ix, st, nil
}
