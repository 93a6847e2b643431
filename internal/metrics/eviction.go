package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EvictionMetrics holds metrics for map entry eviction.
type EvictionMetrics struct {
	// RunsTotal counts per-map runs by trigger (periodic, adhoc) and
	// reason (capacity, expiry).
	RunsTotal *prometheus.CounterVec

	// SampledTotal counts entries drawn by random sampling.
	SampledTotal prometheus.Counter

	// EvictedTotal counts entries removed.
	EvictedTotal prometheus.Counter

	// RunDuration tracks per-map run latency.
	RunDuration prometheus.Histogram
}

// Eviction trigger and reason label values.
const (
	TriggerPeriodic = "periodic"
	TriggerAdhoc    = "adhoc"
	ReasonCapacity  = "capacity"
	ReasonExpiry    = "expiry"
)

// NewEvictionMetrics creates and registers eviction metrics with the
// default registry.
func NewEvictionMetrics() *EvictionMetrics {
	return NewEvictionMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewEvictionMetricsWithRegistry creates eviction metrics registered with
// a custom registry.
func NewEvictionMetricsWithRegistry(reg prometheus.Registerer) *EvictionMetrics {
	f := promauto.With(reg)
	return &EvictionMetrics{
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "heapd",
				Subsystem: "eviction",
				Name:      "runs_total",
				Help:      "Total number of per-map eviction runs, broken down by trigger and reason.",
			},
			[]string{"trigger", "reason"},
		),
		SampledTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "heapd",
			Subsystem: "eviction",
			Name:      "sampled_entries_total",
			Help:      "Total number of map entries sampled for eviction.",
		}),
		EvictedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "heapd",
			Subsystem: "eviction",
			Name:      "evicted_entries_total",
			Help:      "Total number of map entries evicted.",
		}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "heapd",
			Subsystem: "eviction",
			Name:      "run_duration_seconds",
			Help:      "Per-map eviction run duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// RecordRun records one per-map eviction run.
func (m *EvictionMetrics) RecordRun(trigger, reason string, durationSeconds float64, sampled, evicted int) {
	m.RunsTotal.WithLabelValues(trigger, reason).Inc()
	m.RunDuration.Observe(durationSeconds)
	m.SampledTotal.Add(float64(sampled))
	m.EvictedTotal.Add(float64(evicted))
}
