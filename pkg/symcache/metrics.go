package symcache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/symbolq/symbolq/pkg/util"
)

const (
	statusSuccess  = "success"
	statusMissing  = "missing"
	statusError    = "error"
	statusCacheHit = "hit"
	statusMiss     = "miss"
)

type metrics struct {
	registerer prometheus.Registerer

	fetchDuration      *prometheus.HistogramVec
	cacheOperations    *prometheus.CounterVec
	conversionDuration prometheus.Histogram
	conversionErrors   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		registerer: reg,
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "symbolq_symcache_fetch_duration_seconds",
			Help:    "Time spent fetching symbol caches by status",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
		}, []string{"status"}),
		cacheOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "symbolq_symcache_cache_operations_total",
			Help: "Total number of in-memory symbol cache operations by operation and status",
		}, []string{"operation", "status"}),
		conversionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "symbolq_symcache_conversion_duration_seconds",
			Help:    "Time spent converting debug objects into symbol caches",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10},
		}),
		conversionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "symbolq_symcache_conversion_errors_total",
			Help: "Total number of debug object conversion errors by error type",
		}, []string{"error_type"}),
	}

	if reg != nil {
		m.register()
	}

	return m
}

func (m *metrics) register() {
	collectors := []prometheus.Collector{
		m.fetchDuration,
		m.cacheOperations,
		m.conversionDuration,
		m.conversionErrors,
	}

	for _, collector := range collectors {
		util.RegisterOrGet(m.registerer, collector)
	}
}
