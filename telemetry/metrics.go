package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/cidcache/cidcache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal      metric.Int64Counter
	responseBytesTotal metric.Int64Counter
	requestDuration    metric.Float64Histogram

	cacheLookupsTotal metric.Int64Counter

	blobWriteSize    metric.Float64Histogram
	blobTouchesTotal metric.Int64Counter

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter
	inflightFetches         metric.Int64UpDownCounter

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	sweepRunsTotal            metric.Int64Counter
	sweepDuration             metric.Float64Histogram
	sweepDeletedTotal         metric.Int64Counter
	sweepBytesReclaimedTotal  metric.Int64Counter
	sweepErrorsTotal          metric.Int64Counter
	sweepLastRunTimestamp     metric.Float64Gauge
	sweepLastRunSuccessStatus metric.Float64Gauge

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "cidcache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	// Setup OTLP exporter if endpoint configured
	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Setup Prometheus exporter if enabled
	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Build meter provider options
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	// Create meter and instruments
	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter(
		"cidcache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	responseBytesTotal, err := meter.Int64Counter(
		"cidcache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"cidcache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	cacheLookupsTotal, err := meter.Int64Counter(
		"cidcache_cache_lookups_total",
		metric.WithDescription("Total cache lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	blobWriteSize, err := meter.Float64Histogram(
		"cidcache_blob_write_size_bytes",
		metric.WithDescription("Size of blobs written to storage"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(128, 512, 1024, 2048, 4096, 8192, 16384, 32768, 65536, 131072, 262144, 524288, 1048576, 2097152, 4194304, 8388608, 16777216, 33554432, 67108864, 134217728, 268435456, 536870912, 1073741824),
	)
	if err != nil {
		return err
	}

	blobTouchesTotal, err := meter.Int64Counter(
		"cidcache_blob_touches_total",
		metric.WithDescription("Total blob access time updates"),
		metric.WithUnit("{touch}"),
	)
	if err != nil {
		return err
	}

	upstreamFetchDuration, err := meter.Float64Histogram(
		"cidcache_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of upstream gateway fetch requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	upstreamFetchTotal, err := meter.Int64Counter(
		"cidcache_upstream_fetch_total",
		metric.WithDescription("Total number of upstream gateway fetch requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	upstreamFetchBytesTotal, err := meter.Int64Counter(
		"cidcache_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from upstream gateways"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	inflightFetches, err := meter.Int64UpDownCounter(
		"cidcache_inflight_fetches",
		metric.WithDescription("Number of upstream fetches currently in flight"),
		metric.WithUnit("{fetch}"),
	)
	if err != nil {
		return err
	}

	backendRequestDuration, err := meter.Float64Histogram(
		"cidcache_backend_request_duration_seconds",
		metric.WithDescription("Duration of backend storage operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	backendRequestsTotal, err := meter.Int64Counter(
		"cidcache_backend_requests_total",
		metric.WithDescription("Total number of backend storage operations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	backendBytesTotal, err := meter.Int64Counter(
		"cidcache_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in backend operations"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	sweepRunsTotal, err := meter.Int64Counter(
		"cidcache_sweep_runs_total",
		metric.WithDescription("Total eviction sweep runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return err
	}

	sweepDuration, err := meter.Float64Histogram(
		"cidcache_sweep_duration_seconds",
		metric.WithDescription("Duration of eviction sweep runs"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	sweepDeletedTotal, err := meter.Int64Counter(
		"cidcache_sweep_deleted_total",
		metric.WithDescription("Total objects deleted by sweep phase"),
		metric.WithUnit("{object}"),
	)
	if err != nil {
		return err
	}

	sweepBytesReclaimedTotal, err := meter.Int64Counter(
		"cidcache_sweep_bytes_reclaimed_total",
		metric.WithDescription("Total bytes reclaimed by eviction sweeps"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	sweepErrorsTotal, err := meter.Int64Counter(
		"cidcache_sweep_errors_total",
		metric.WithDescription("Total per-object errors across sweep runs"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	sweepLastRunTimestamp, err := meter.Float64Gauge(
		"cidcache_sweep_last_run_timestamp_seconds",
		metric.WithDescription("Unix timestamp of the last sweep run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	sweepLastRunSuccessStatus, err := meter.Float64Gauge(
		"cidcache_sweep_last_run_success",
		metric.WithDescription("Whether the last sweep run completed without errors (1/0)"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		requestsTotal:             requestsTotal,
		responseBytesTotal:        responseBytesTotal,
		requestDuration:           requestDuration,
		cacheLookupsTotal:         cacheLookupsTotal,
		blobWriteSize:             blobWriteSize,
		blobTouchesTotal:          blobTouchesTotal,
		upstreamFetchDuration:     upstreamFetchDuration,
		upstreamFetchTotal:        upstreamFetchTotal,
		upstreamFetchBytesTotal:   upstreamFetchBytesTotal,
		inflightFetches:           inflightFetches,
		backendRequestDuration:    backendRequestDuration,
		backendRequestsTotal:      backendRequestsTotal,
		backendBytesTotal:         backendBytesTotal,
		sweepRunsTotal:            sweepRunsTotal,
		sweepDuration:             sweepDuration,
		sweepDeletedTotal:         sweepDeletedTotal,
		sweepBytesReclaimedTotal:  sweepBytesReclaimedTotal,
		sweepErrorsTotal:          sweepErrorsTotal,
		sweepLastRunTimestamp:     sweepLastRunTimestamp,
		sweepLastRunSuccessStatus: sweepLastRunSuccessStatus,
		meterProvider:             mp,
		promHandler:               promHandler,
	}

	return nil
}

func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil || globalMetrics.meterProvider == nil {
		return nil
	}
	return globalMetrics.meterProvider.Shutdown(ctx)
}

// RecordHTTP records request metrics. Cache result and endpoint come from
// the request tags set by handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	cacheResult := string(CacheNA)
	endpoint := ""
	if tags != nil {
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	attrs := []attribute.KeyValue{
		attribute.String("status_class", StatusClass(status)),
		attribute.String("cache_result", cacheResult),
	}
	if endpoint != "" {
		attrs = append(attrs, attribute.String("endpoint", endpoint))
	}

	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(attrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordCacheLookup records the outcome of a cache lookup.
func RecordCacheLookup(ctx context.Context, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", string(result)),
	))
}

// RecordBackendOp records a backend storage operation.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordBlobWrite records a blob stored in the content store.
func RecordBlobWrite(ctx context.Context, size int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.blobWriteSize.Record(ctx, float64(size))
}

// RecordBlobTouch records a last-accessed-at update.
func RecordBlobTouch(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.blobTouchesTotal.Add(ctx, 1)
}

// RecordUpstreamFetch records an upstream gateway fetch.
func RecordUpstreamFetch(ctx context.Context, gateway string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("gateway", gateway),
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// AddInFlightFetch adjusts the in-flight fetch gauge by delta.
func AddInFlightFetch(ctx context.Context, delta int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.inflightFetches.Add(ctx, delta)
}

// RecordSweepPhase records deletions from one sweep phase.
func RecordSweepPhase(ctx context.Context, phase string, deleted int, bytesReclaimed int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("phase", phase))
	globalMetrics.sweepDeletedTotal.Add(ctx, int64(deleted), attrs)
	if bytesReclaimed > 0 {
		globalMetrics.sweepBytesReclaimedTotal.Add(ctx, bytesReclaimed)
	}
}

// RecordSweepRun records the summary of a sweep run.
func RecordSweepRun(ctx context.Context, startedAt time.Time, duration time.Duration, errs int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.sweepRunsTotal.Add(ctx, 1)
	globalMetrics.sweepDuration.Record(ctx, duration.Seconds())
	globalMetrics.sweepErrorsTotal.Add(ctx, int64(errs))
	globalMetrics.sweepLastRunTimestamp.Record(ctx, float64(startedAt.Unix()))
	if errs == 0 {
		globalMetrics.sweepLastRunSuccessStatus.Record(ctx, 1)
	} else {
		globalMetrics.sweepLastRunSuccessStatus.Record(ctx, 0)
	}
}

// PrometheusHandler returns the Prometheus metrics handler, or a 404
// handler if Prometheus export is not enabled.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass maps an HTTP status code to its class ("2xx", "4xx", ...).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter collects metrics without exporting them, used when no
// exporter is configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
