package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"tagredis/pkg/metrics"
	"tagredis/tagcache"
)

type backendMetrics struct {
	opDuration     *prometheus.HistogramVec
	opErrors       *prometheus.CounterVec
	loads          *prometheus.CounterVec
	recordsCleaned *prometheus.CounterVec
	gcPasses       prometheus.Counter
	gcTagsDropped  prometheus.Counter
	gcIDsPruned    prometheus.Counter
	strictRetries  *prometheus.CounterVec
}

// NewBackendMetrics registers the tag cache backend metrics on reg.
func NewBackendMetrics(reg prometheus.Registerer) tagcache.Metrics {
	m := &backendMetrics{
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tagredis_cache_op_duration_seconds",
			Help:    "Backend operation latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"op"}),

		opErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagredis_cache_op_errors_total",
			Help: "Total number of failed backend operations",
		}, []string{"op"}),

		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagredis_cache_loads_total",
			Help: "Total number of loads by outcome",
		}, []string{"hit"}),

		recordsCleaned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagredis_cache_records_cleaned_total",
			Help: "Total number of records removed by clean",
		}, []string{"mode"}),

		gcPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tagredis_cache_gc_passes_total",
			Help: "Total number of garbage collection passes",
		}),

		gcTagsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tagredis_cache_gc_tags_dropped_total",
			Help: "Total number of empty tags dropped by garbage collection",
		}),

		gcIDsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tagredis_cache_gc_ids_pruned_total",
			Help: "Total number of stale ids pruned from tag sets",
		}),

		strictRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagredis_cache_strict_retries_total",
			Help: "Total number of optimistic transaction retries",
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.opDuration,
		m.opErrors,
		m.loads,
		m.recordsCleaned,
		m.gcPasses,
		m.gcTagsDropped,
		m.gcIDsPruned,
		m.strictRetries,
	)

	return m
}

func (m *backendMetrics) OpDuration(op string) metrics.Timer {
	return newTimer(m.opDuration.WithLabelValues(op))
}

func (m *backendMetrics) OpFailed(op string) {
	m.opErrors.WithLabelValues(op).Inc()
}

func (m *backendMetrics) LoadResult(hit bool) {
	m.loads.WithLabelValues(boolToStr(hit)).Inc()
}

func (m *backendMetrics) RecordsCleaned(mode string, n int) {
	m.recordsCleaned.WithLabelValues(mode).Add(float64(n))
}

func (m *backendMetrics) GCPass(report tagcache.GCReport) {
	m.gcPasses.Inc()
	m.gcTagsDropped.Add(float64(report.TagsDropped))
	m.gcIDsPruned.Add(float64(report.IDsPruned))
}

func (m *backendMetrics) StrictRetry(op string) {
	m.strictRetries.WithLabelValues(op).Inc()
}

var _ tagcache.Metrics = (*backendMetrics)(nil)
