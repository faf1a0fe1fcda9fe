package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchkit_requests_total",
		Help: "Total requests by method and HTTP status",
	}, []string{"method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fetchkit_request_duration_seconds",
		Help:    "Request duration in seconds by method",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"method"})

	conditionalRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fetchkit_conditional_requests_total",
		Help: "Total conditional requests sent with cache validators",
	})

	notModifiedResponses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fetchkit_304_responses_total",
		Help: "Total 304 Not Modified responses",
	})

	cacheWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fetchkit_cache_writes_total",
		Help: "Total successful cache write-throughs",
	})
)
