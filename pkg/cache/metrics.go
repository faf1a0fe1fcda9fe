package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Hits tracks cache hits by backend kind.
	Hits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchkit_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"backend"},
	)

	// Misses tracks cache misses by backend kind.
	Misses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchkit_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"backend"},
	)

	// Errors tracks cache operation errors.
	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchkit_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"backend", "operation"}, // "get", "set", "delete", "clear", "keys"
	)

	// Evictions tracks entries evicted by capacity policies.
	Evictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchkit_cache_evictions_total",
			Help: "Total number of entries evicted by capacity policies",
		},
		[]string{"backend"},
	)
)
