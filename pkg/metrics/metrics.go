// Package metrics holds the Prometheus registry of the ingestor and the
// metrics shared by more than one package. Package-specific metrics are
// defined next to the code that records them (client, credential, cache,
// ratelimit, checkpoint, ingest) to keep packages free of import cycles.
//
// This package also documents every metric the service exports.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer all ingestor metrics use.
// Every metric is registered via promauto in its own package.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer served at /metrics.
var Gatherer = prometheus.DefaultGatherer

// Backend labels for sink and checkpoint metrics.
const (
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendNATS     = "nats"
	BackendS3       = "s3"
)

var sinkWriteDuration = promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
	Name:    "ingest_sink_write_duration_seconds",
	Help:    "Duration of writing one batch to the sink",
	Buckets: prometheus.DefBuckets,
}, []string{"backend"})

// ObserveSinkWrite records the time since start as one batch write on backend.
func ObserveSinkWrite(backend string, start time.Time) {
	sinkWriteDuration.WithLabelValues(backend).Observe(time.Since(start).Seconds())
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Fetch Metrics (pkg/client):
//   - ingest_requests_total{status} (Counter): HTTP requests by status code ("error" for transport failures)
//   - ingest_fetch_duration_seconds (Histogram): Duration of one page request
//   - ingest_fetch_errors_total{class} (Counter): Failed attempts by error class
//   - ingest_batches_fetched_total (Counter): Pages accepted
//   - ingest_cursor_resets_total (Counter): Fetches restarted from the beginning
//   - ingest_retries_total{reason} (Counter): Retries by reason (rate_limited, server_error, network)
//   - ingest_rate_limit_wait_seconds (Histogram): Time spent waiting on rate limits
//
// Credential Metrics (pkg/credential):
//   - ingest_token_fetch_duration_seconds (Histogram): Stream access fetch duration
//   - ingest_token_fetch_errors_total (Counter): Failed stream access fetches
//
// Rate Limit Metrics (pkg/ratelimit):
//   - ingest_rate_limit_remaining (Gauge): Requests remaining in the current window
//   - ingest_rate_limit_blocks_total (Counter): Rate limit blocks recorded
//
// Cache Metrics (pkg/cache):
//   - ingest_cache_hits_total{namespace} (Counter): Cache hits
//   - ingest_cache_misses_total{namespace} (Counter): Cache misses
//   - ingest_cache_errors_total{operation} (Counter): Cache operation errors
//
// Persistence Metrics (pkg/checkpoint, pkg/sink, pkg/sqlstore):
//   - ingest_checkpoint_saves_total{backend} (Counter): Checkpoints written
//   - ingest_sink_write_duration_seconds{backend} (Histogram): Batch write duration
//
// Loop Metrics (pkg/ingest):
//   - ingest_events_ingested_total (Counter): Events persisted
//   - ingest_loop_recoveries_total (Counter): Non-terminal failures recovered from
//
// Example Prometheus Queries:
//
//	# Ingestion throughput
//	rate(ingest_events_ingested_total[5m])
//
//	# Share of requests that hit the rate limit
//	rate(ingest_requests_total{status="429"}[5m]) / rate(ingest_requests_total[5m])
//
//	# P95 page latency
//	histogram_quantile(0.95, rate(ingest_fetch_duration_seconds_bucket[5m]))
//
//	# Time spent rate limited
//	rate(ingest_rate_limit_wait_seconds_sum[5m])
