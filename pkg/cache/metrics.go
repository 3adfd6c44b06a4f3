package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for shared cache lookups.
var (
	cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_cache_hits_total",
		Help: "Shared cache lookups that found a live entry, by namespace",
	}, []string{"namespace"})

	cacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_cache_misses_total",
		Help: "Shared cache lookups that found nothing or an expired entry, by namespace",
	}, []string{"namespace"})

	// operation is get, set or delete.
	cacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_cache_errors_total",
		Help: "Failed shared cache operations",
	}, []string{"operation"})
)
