package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics creates a Metrics instance backed by a ManualReader for testing.
// Returns the reader (to collect metrics) and registers cleanup.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter(meterName)

	cacheEventsTotal, err := meter.Int64Counter("edgeproxy_cache_events_total")
	require.NoError(t, err)
	cacheBodyBytesTotal, err := meter.Int64Counter("edgeproxy_cache_body_bytes_total")
	require.NoError(t, err)
	cacheWireBytesTotal, err := meter.Int64Counter("edgeproxy_cache_wire_bytes_total")
	require.NoError(t, err)
	evictionRunsTotal, err := meter.Int64Counter("edgeproxy_eviction_runs_total")
	require.NoError(t, err)
	evictionEvictedTotal, err := meter.Int64Counter("edgeproxy_eviction_evicted_total")
	require.NoError(t, err)
	evictionBytesTotal, err := meter.Int64Counter("edgeproxy_eviction_bytes_total")
	require.NoError(t, err)
	evictionRunDuration, err := meter.Float64Histogram("edgeproxy_eviction_run_duration_seconds")
	require.NoError(t, err)
	flushTotal, err := meter.Int64Counter("edgeproxy_index_flush_total")
	require.NoError(t, err)
	flushDuration, err := meter.Float64Histogram("edgeproxy_index_flush_duration_seconds")
	require.NoError(t, err)
	httpRequestsTotal, err := meter.Int64Counter("edgeproxy_http_requests_total")
	require.NoError(t, err)
	httpRequestDuration, err := meter.Float64Histogram("edgeproxy_http_request_duration_seconds")
	require.NoError(t, err)

	globalMetrics = &Metrics{
		cacheEventsTotal:     cacheEventsTotal,
		cacheBodyBytesTotal:  cacheBodyBytesTotal,
		cacheWireBytesTotal:  cacheWireBytesTotal,
		evictionRunsTotal:    evictionRunsTotal,
		evictionEvictedTotal: evictionEvictedTotal,
		evictionBytesTotal:   evictionBytesTotal,
		evictionRunDuration:  evictionRunDuration,
		flushTotal:           flushTotal,
		flushDuration:        flushDuration,
		httpRequestsTotal:    httpRequestsTotal,
		httpRequestDuration:  httpRequestDuration,
		meterProvider:        mp,
	}

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

func attrValue(dp metricdata.DataPoint[int64], key string) string {
	if v, ok := dp.Attributes.Value(attribute.Key(key)); ok {
		return v.AsString()
	}
	return ""
}

func TestRecordCacheEvent(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordCacheEvent(ctx, OutcomeHit, "script", "third-party", 1024, 300)
	RecordCacheEvent(ctx, OutcomeHit, "script", "third-party", 2048, 700)
	RecordCacheEvent(ctx, OutcomeMiss, "image", "ad", 512, 0)

	rm := collectMetrics(t, reader)

	events := findCounter(rm, "edgeproxy_cache_events_total")
	require.Len(t, events, 2)

	var hitCount, missCount int64
	for _, dp := range events {
		switch attrValue(dp, "outcome") {
		case OutcomeHit:
			hitCount = dp.Value
			require.Equal(t, "script", attrValue(dp, "resource_type"))
			require.Equal(t, "third-party", attrValue(dp, "origin"))
		case OutcomeMiss:
			missCount = dp.Value
		}
	}
	require.Equal(t, int64(2), hitCount)
	require.Equal(t, int64(1), missCount)

	body := findCounter(rm, "edgeproxy_cache_body_bytes_total")
	var hitBody int64
	for _, dp := range body {
		if attrValue(dp, "outcome") == OutcomeHit {
			hitBody = dp.Value
		}
	}
	require.Equal(t, int64(3072), hitBody)

	// wireBytes of zero contributes no data point for the miss series.
	wire := findCounter(rm, "edgeproxy_cache_wire_bytes_total")
	for _, dp := range wire {
		require.NotEqual(t, OutcomeMiss, attrValue(dp, "outcome"))
	}
}

func TestRecordEvictionRun(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordEvictionRun(ctx, 12, 4096, 25*time.Millisecond)
	RecordEvictionRun(ctx, 3, 1024, 5*time.Millisecond)

	rm := collectMetrics(t, reader)

	runs := findCounter(rm, "edgeproxy_eviction_runs_total")
	require.Len(t, runs, 1)
	require.Equal(t, int64(2), runs[0].Value)

	evicted := findCounter(rm, "edgeproxy_eviction_evicted_total")
	require.Len(t, evicted, 1)
	require.Equal(t, int64(15), evicted[0].Value)

	freed := findCounter(rm, "edgeproxy_eviction_bytes_total")
	require.Len(t, freed, 1)
	require.Equal(t, int64(5120), freed[0].Value)
}

func TestRecordFlushOutcomes(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordFlush(ctx, 2*time.Millisecond, "success")
	RecordFlush(ctx, time.Millisecond, "success")
	RecordFlush(ctx, time.Millisecond, "error")

	rm := collectMetrics(t, reader)
	flushes := findCounter(rm, "edgeproxy_index_flush_total")
	require.Len(t, flushes, 2)

	for _, dp := range flushes {
		switch attrValue(dp, "outcome") {
		case "success":
			require.Equal(t, int64(2), dp.Value)
		case "error":
			require.Equal(t, int64(1), dp.Value)
		}
	}
}

func TestRecordHTTPStatusClass(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordHTTP(ctx, "/healthz", 200, time.Millisecond)
	RecordHTTP(ctx, "/debug/report", 401, time.Millisecond)

	rm := collectMetrics(t, reader)
	reqs := findCounter(rm, "edgeproxy_http_requests_total")
	require.Len(t, reqs, 2)
	for _, dp := range reqs {
		switch attrValue(dp, "route") {
		case "/healthz":
			require.Equal(t, "2xx", attrValue(dp, "status_class"))
		case "/debug/report":
			require.Equal(t, "4xx", attrValue(dp, "status_class"))
		}
	}
}

func TestRecordingWithoutInitIsNoop(t *testing.T) {
	require.Nil(t, globalMetrics)
	// Must not panic.
	RecordCacheEvent(context.Background(), OutcomeHit, "script", "ad", 1, 1)
	RecordUpstreamFetch(context.Background(), time.Millisecond, 1, "success")
	RecordEvictionRun(context.Background(), 1, 1, time.Millisecond)
	RecordFlush(context.Background(), time.Millisecond, "success")
	UpdateIndexState(context.Background(), 1, 1, 1, 1)
}

func TestStatusClass(t *testing.T) {
	require.Equal(t, "2xx", StatusClass(204))
	require.Equal(t, "3xx", StatusClass(304))
	require.Equal(t, "4xx", StatusClass(404))
	require.Equal(t, "5xx", StatusClass(502))
	require.Equal(t, "unknown", StatusClass(0))
}
