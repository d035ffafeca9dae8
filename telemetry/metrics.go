package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/lokah1945/CDN-EDGEProxy"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	cacheEventsTotal    metric.Int64Counter
	cacheBodyBytesTotal metric.Int64Counter
	cacheWireBytesTotal metric.Int64Counter

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

	blobWriteSize metric.Float64Histogram

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	evictionRunsTotal    metric.Int64Counter
	evictionEvictedTotal metric.Int64Counter
	evictionBytesTotal   metric.Int64Counter
	evictionRunDuration  metric.Float64Histogram

	flushTotal    metric.Int64Counter
	flushDuration metric.Float64Histogram

	indexEntries  metric.Int64Gauge
	indexBytes    metric.Int64Gauge
	hotTierBytes  metric.Int64Gauge
	cacheMaxBytes metric.Int64Gauge

	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram

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

func doInitMetrics(_ context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "edgeproxy"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

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

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	cacheEventsTotal, err := meter.Int64Counter(
		"edgeproxy_cache_events_total",
		metric.WithDescription("Cache pipeline outcomes (hit, miss, revalidated, doc_hit, doc_miss)"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	cacheBodyBytesTotal, err := meter.Int64Counter(
		"edgeproxy_cache_body_bytes_total",
		metric.WithDescription("Decompressed body bytes moved per cache outcome"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	cacheWireBytesTotal, err := meter.Int64Counter(
		"edgeproxy_cache_wire_bytes_total",
		metric.WithDescription("Origin-advertised wire bytes per cache outcome"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	upstreamFetchDuration, err := meter.Float64Histogram(
		"edgeproxy_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of outbound origin fetches"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	upstreamFetchTotal, err := meter.Int64Counter(
		"edgeproxy_upstream_fetch_total",
		metric.WithDescription("Total outbound origin fetches"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	upstreamFetchBytesTotal, err := meter.Int64Counter(
		"edgeproxy_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from origins"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	blobWriteSize, err := meter.Float64Histogram(
		"edgeproxy_blob_write_size_bytes",
		metric.WithDescription("Size of blobs written to storage"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(128, 512, 1024, 2048, 4096, 8192, 16384, 32768, 65536, 131072, 262144, 524288, 1048576, 2097152, 4194304, 8388608, 16777216, 33554432, 67108864, 134217728),
	)
	if err != nil {
		return err
	}

	backendRequestDuration, err := meter.Float64Histogram(
		"edgeproxy_backend_request_duration_seconds",
		metric.WithDescription("Duration of backend storage operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	backendRequestsTotal, err := meter.Int64Counter(
		"edgeproxy_backend_requests_total",
		metric.WithDescription("Total backend storage operations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	backendBytesTotal, err := meter.Int64Counter(
		"edgeproxy_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in backend operations"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	evictionRunsTotal, err := meter.Int64Counter(
		"edgeproxy_eviction_runs_total",
		metric.WithDescription("Total eviction runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return err
	}

	evictionEvictedTotal, err := meter.Int64Counter(
		"edgeproxy_eviction_evicted_total",
		metric.WithDescription("Total entries removed by eviction"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	evictionBytesTotal, err := meter.Int64Counter(
		"edgeproxy_eviction_bytes_total",
		metric.WithDescription("Total bytes freed by eviction"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	evictionRunDuration, err := meter.Float64Histogram(
		"edgeproxy_eviction_run_duration_seconds",
		metric.WithDescription("Duration of eviction runs"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	flushTotal, err := meter.Int64Counter(
		"edgeproxy_index_flush_total",
		metric.WithDescription("Total index snapshot writes"),
		metric.WithUnit("{flush}"),
	)
	if err != nil {
		return err
	}

	flushDuration, err := meter.Float64Histogram(
		"edgeproxy_index_flush_duration_seconds",
		metric.WithDescription("Duration of index snapshot writes"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	indexEntries, err := meter.Int64Gauge(
		"edgeproxy_index_entries",
		metric.WithDescription("Current metadata index entry count"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	indexBytes, err := meter.Int64Gauge(
		"edgeproxy_index_body_bytes",
		metric.WithDescription("Sum of entry body sizes in the index"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	hotTierBytes, err := meter.Int64Gauge(
		"edgeproxy_hot_tier_bytes",
		metric.WithDescription("Bytes held in the in-memory hot blob tier"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	cacheMaxBytes, err := meter.Int64Gauge(
		"edgeproxy_cache_max_size_bytes",
		metric.WithDescription("Configured maximum cache size"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	httpRequestsTotal, err := meter.Int64Counter(
		"edgeproxy_http_requests_total",
		metric.WithDescription("Total HTTP requests to the observability surface"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	httpRequestDuration, err := meter.Float64Histogram(
		"edgeproxy_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration on the observability surface"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		cacheEventsTotal:        cacheEventsTotal,
		cacheBodyBytesTotal:     cacheBodyBytesTotal,
		cacheWireBytesTotal:     cacheWireBytesTotal,
		upstreamFetchDuration:   upstreamFetchDuration,
		upstreamFetchTotal:      upstreamFetchTotal,
		upstreamFetchBytesTotal: upstreamFetchBytesTotal,
		blobWriteSize:           blobWriteSize,
		backendRequestDuration:  backendRequestDuration,
		backendRequestsTotal:    backendRequestsTotal,
		backendBytesTotal:       backendBytesTotal,
		evictionRunsTotal:       evictionRunsTotal,
		evictionEvictedTotal:    evictionEvictedTotal,
		evictionBytesTotal:      evictionBytesTotal,
		evictionRunDuration:     evictionRunDuration,
		flushTotal:              flushTotal,
		flushDuration:           flushDuration,
		indexEntries:            indexEntries,
		indexBytes:              indexBytes,
		hotTierBytes:            hotTierBytes,
		cacheMaxBytes:           cacheMaxBytes,
		httpRequestsTotal:       httpRequestsTotal,
		httpRequestDuration:     httpRequestDuration,
		meterProvider:           mp,
		promHandler:             promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordCacheEvent records one pipeline outcome with its byte movement.
// Attributes stay low-cardinality: outcome, resource type, origin label.
func RecordCacheEvent(ctx context.Context, outcome, resourceType, origin string, bodyBytes, wireBytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("outcome", outcome),
		attribute.String("resource_type", resourceType),
		attribute.String("origin", origin),
	}
	globalMetrics.cacheEventsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bodyBytes > 0 {
		globalMetrics.cacheBodyBytesTotal.Add(ctx, bodyBytes, metric.WithAttributes(attrs...))
	}
	if wireBytes > 0 {
		globalMetrics.cacheWireBytesTotal.Add(ctx, wireBytes, metric.WithAttributes(attrs...))
	}
}

// RecordUpstreamFetch records an outbound origin fetch.
func RecordUpstreamFetch(ctx context.Context, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordBlobWrite records a blob write with its size.
func RecordBlobWrite(ctx context.Context, size int64, isNew bool) {
	if globalMetrics == nil {
		return
	}
	result := "exists"
	if isNew {
		result = "new"
	}
	globalMetrics.blobWriteSize.Record(ctx, float64(size),
		metric.WithAttributes(attribute.String("result", result)))
}

// RecordBackendOp records backend operation metrics.
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

// RecordEvictionRun records one completed eviction run.
func RecordEvictionRun(ctx context.Context, evicted int, freedBytes int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.evictionRunsTotal.Add(ctx, 1)
	globalMetrics.evictionEvictedTotal.Add(ctx, int64(evicted))
	globalMetrics.evictionBytesTotal.Add(ctx, freedBytes)
	globalMetrics.evictionRunDuration.Record(ctx, duration.Seconds())
}

// RecordFlush records one index snapshot write.
func RecordFlush(ctx context.Context, duration time.Duration, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.flushTotal.Add(ctx, 1, attrs)
	globalMetrics.flushDuration.Record(ctx, duration.Seconds(), attrs)
}

// UpdateIndexState updates the engine state gauges.
func UpdateIndexState(ctx context.Context, entries int, totalBytes, hotBytes, maxBytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.indexEntries.Record(ctx, int64(entries))
	globalMetrics.indexBytes.Record(ctx, totalBytes)
	globalMetrics.hotTierBytes.Record(ctx, hotBytes)
	globalMetrics.cacheMaxBytes.Record(ctx, maxBytes)
}

// RecordHTTP records a request to the observability surface.
// Call this from the logging middleware after the request completes.
func RecordHTTP(ctx context.Context, route string, status int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("route", route),
		attribute.String("status_class", StatusClass(status)),
	}
	globalMetrics.httpRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.httpRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
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

// noopExporter is a no-op metrics exporter for when no exporters are configured.
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
