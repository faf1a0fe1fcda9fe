// Package metrics provides the central Prometheus registry reference for the
// client. All metrics are defined in their respective packages (client,
// resilience, cache) to maintain modularity and avoid circular dependencies.
//
// This package documents the available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry. All metrics register
// themselves via promauto in their packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - fetchkit_requests_total{method, status} (Counter): Requests by method and HTTP status
//   - fetchkit_request_duration_seconds{method} (Histogram): Request duration
//   - fetchkit_conditional_requests_total (Counter): Conditional requests sent with cache validators
//   - fetchkit_304_responses_total (Counter): 304 Not Modified responses
//   - fetchkit_cache_writes_total (Counter): Successful write-throughs
//
// Resilience Metrics (pkg/resilience):
//   - fetchkit_attempts_total{method, outcome} (Counter): Transport attempts by outcome
//   - fetchkit_retries_total (Counter): Retry attempts
//   - fetchkit_retry_backoff_seconds (Histogram): Backoff duration before retries
//   - fetchkit_retry_exhausted_total (Counter): Calls that exhausted their retries
//   - fetchkit_breaker_transitions_total{state} (Counter): Circuit breaker transitions
//   - fetchkit_breaker_rejections_total (Counter): Requests rejected while open
//   - fetchkit_bulkhead_queued (Gauge): Requests waiting for a bulkhead slot
//   - fetchkit_bulkhead_rejections_total (Counter): Requests rejected by a full queue
//
// Cache Metrics (pkg/cache):
//   - fetchkit_cache_hits_total{backend} (Counter): Cache hits by backend
//   - fetchkit_cache_misses_total{backend} (Counter): Cache misses by backend
//   - fetchkit_cache_errors_total{backend, operation} (Counter): Cache operation errors
//   - fetchkit_cache_evictions_total{backend} (Counter): Capacity evictions
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(fetchkit_cache_hits_total[5m])) /
//   (sum(rate(fetchkit_cache_hits_total[5m])) + sum(rate(fetchkit_cache_misses_total[5m])))
//
//   # Retry Rate
//   rate(fetchkit_retries_total[5m]) / rate(fetchkit_attempts_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(fetchkit_request_duration_seconds_bucket[5m]))
//
//   # Breaker Opens
//   increase(fetchkit_breaker_transitions_total{state="open"}[1h])
