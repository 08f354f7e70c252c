package objects

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/symbolq/symbolq/pkg/util"
)

const (
	statusSuccess = "success"
	statusMissing = "missing"
	statusError   = "error"
)

type metrics struct {
	registerer prometheus.Registerer

	findDuration      *prometheus.HistogramVec
	fetchDuration     *prometheus.HistogramVec
	fetchSizeBytes    prometheus.Histogram
	notFoundCacheHits prometheus.Counter
	notFoundCacheAdds prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		registerer: reg,
		findDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "symbolq_objects_find_duration_seconds",
			Help:    "Time spent locating object files across sources by status",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5},
		}, []string{"status"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "symbolq_objects_fetch_duration_seconds",
			Help:    "Time spent downloading object files by status",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
		}, []string{"status"}),
		fetchSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "symbolq_objects_fetch_size_bytes",
			Help: "Size of downloaded object files",
			// 1KB to 4GB
			Buckets: prometheus.ExponentialBuckets(1024, 4, 12),
		}),
		notFoundCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "symbolq_objects_not_found_cache_hits_total",
			Help: "Total number of lookups short-circuited by the not-found cache",
		}),
		notFoundCacheAdds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "symbolq_objects_not_found_cache_adds_total",
			Help: "Total number of entries added to the not-found cache",
		}),
	}

	if reg != nil {
		m.register()
	}

	return m
}

func (m *metrics) register() {
	collectors := []prometheus.Collector{
		m.findDuration,
		m.fetchDuration,
		m.fetchSizeBytes,
		m.notFoundCacheHits,
		m.notFoundCacheAdds,
	}

	for _, collector := range collectors {
		util.RegisterOrGet(m.registerer, collector)
	}
}
