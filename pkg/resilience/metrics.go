package resilience

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchkit_attempts_total",
		Help: "Total transport attempts by method and outcome",
	}, []string{"method", "outcome"}) // "success", "http_error", "timeout", "network_error"

	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fetchkit_retries_total",
		Help: "Total number of retry attempts",
	})

	retryBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fetchkit_retry_backoff_seconds",
		Help:    "Backoff duration before retries",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	})

	retryExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fetchkit_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted",
	})

	breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchkit_breaker_transitions_total",
		Help: "Circuit breaker state transitions by target state",
	}, []string{"state"})

	breakerRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fetchkit_breaker_rejections_total",
		Help: "Requests rejected while the circuit breaker was open",
	})

	bulkheadQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fetchkit_bulkhead_queued",
		Help: "Requests currently waiting for a bulkhead slot",
	})

	bulkheadRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fetchkit_bulkhead_rejections_total",
		Help: "Requests rejected because the bulkhead queue was full",
	})
)
