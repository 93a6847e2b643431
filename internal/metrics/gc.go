package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// GCMetrics holds metrics for mark-and-sweep collection cycles.
type GCMetrics struct {
	// CyclesTotal counts cycles by kind (full, young) and outcome
	// (completed, abandoned, failed).
	CyclesTotal *prometheus.CounterVec

	// CandidateGarbageTotal counts objects found unreachable by marking.
	CandidateGarbageTotal prometheus.Counter

	// ActualGarbageTotal counts objects actually deleted.
	ActualGarbageTotal prometheus.Counter

	// RescuedTotal counts candidates kept alive by the rescue phase.
	RescuedTotal prometheus.Counter

	// CycleDuration tracks cycle wall time by kind.
	CycleDuration *prometheus.HistogramVec

	// PauseWait tracks how long the collector waited for quiescence.
	PauseWait prometheus.Histogram
}

// Cycle outcome label values.
const (
	CycleCompleted = "completed"
	CycleAbandoned = "abandoned"
	CycleFailed    = "failed"
)

// DefaultGCDurationBuckets cover cycles from a few milliseconds on a small
// heap to minutes on a large one.
var DefaultGCDurationBuckets = []float64{
	0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300,
}

// NewGCMetrics creates and registers GC metrics with the default registry.
func NewGCMetrics() *GCMetrics {
	return NewGCMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewGCMetricsWithRegistry creates GC metrics registered with a custom registry.
// Useful for testing to avoid conflicts with the default registry.
func NewGCMetricsWithRegistry(reg prometheus.Registerer) *GCMetrics {
	f := promauto.With(reg)
	return &GCMetrics{
		CyclesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "heapd",
				Subsystem: "gc",
				Name:      "cycles_total",
				Help:      "Total number of collection cycles, broken down by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		CandidateGarbageTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "heapd",
			Subsystem: "gc",
			Name:      "candidate_garbage_total",
			Help:      "Total number of objects found unreachable during marking.",
		}),
		ActualGarbageTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "heapd",
			Subsystem: "gc",
			Name:      "actual_garbage_total",
			Help:      "Total number of objects deleted by collection.",
		}),
		RescuedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "heapd",
			Subsystem: "gc",
			Name:      "rescued_total",
			Help:      "Total number of candidates found reachable again before deletion.",
		}),
		CycleDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "heapd",
				Subsystem: "gc",
				Name:      "cycle_duration_seconds",
				Help:      "Collection cycle duration in seconds, broken down by kind.",
				Buckets:   DefaultGCDurationBuckets,
			},
			[]string{"kind"},
		),
		PauseWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "heapd",
			Subsystem: "gc",
			Name:      "pause_wait_seconds",
			Help:      "Time spent waiting for the object manager to quiesce.",
			Buckets:   DefaultGCDurationBuckets,
		}),
	}
}

// RecordCycle records the end of a cycle.
func (m *GCMetrics) RecordCycle(kind, outcome string, durationSeconds float64, candidates, deleted int) {
	m.CyclesTotal.WithLabelValues(kind, outcome).Inc()
	m.CycleDuration.WithLabelValues(kind).Observe(durationSeconds)
	m.CandidateGarbageTotal.Add(float64(candidates))
	m.ActualGarbageTotal.Add(float64(deleted))
}

// RecordPauseWait records the quiescence wait of a cycle.
func (m *GCMetrics) RecordPauseWait(durationSeconds float64) {
	m.PauseWait.Observe(durationSeconds)
}

// RecordRescued counts candidates rescued before deletion.
func (m *GCMetrics) RecordRescued(n int) {
	m.RescuedTotal.Add(float64(n))
}
