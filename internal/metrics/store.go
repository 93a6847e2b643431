package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StoreMetrics holds latency and request counts for a storage backend.
// The object store and the metadata store each get their own subsystem.
type StoreMetrics struct {
	// LatencyHistogram tracks operation latencies by operation and status.
	LatencyHistogram *prometheus.HistogramVec

	// RequestsTotal tracks total operations by operation and status.
	RequestsTotal *prometheus.CounterVec

	// BytesTotal tracks bytes transferred by direction (read, write).
	BytesTotal *prometheus.CounterVec
}

// Store operation label values.
const (
	OpGet    = "get"
	OpPut    = "put"
	OpDelete = "delete"
	OpList   = "list"
)

// Bytes direction label values.
const (
	DirectionRead  = "read"
	DirectionWrite = "write"
)

// DefaultObjectStoreLatencyBuckets suit S3-style blob operations which
// typically range from tens of ms to seconds.
var DefaultObjectStoreLatencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// DefaultMetadataLatencyBuckets suit metadata operations which are
// typically sub-ms to tens of ms.
var DefaultMetadataLatencyBuckets = []float64{
	0.0001, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewObjectStoreMetrics creates and registers object store metrics with the
// default registry.
func NewObjectStoreMetrics() *StoreMetrics {
	return NewObjectStoreMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewObjectStoreMetricsWithRegistry creates object store metrics registered
// with a custom registry.
func NewObjectStoreMetricsWithRegistry(reg prometheus.Registerer) *StoreMetrics {
	return newStoreMetrics(reg, "objectstore", DefaultObjectStoreLatencyBuckets)
}

// NewMetadataMetrics creates and registers metadata store metrics with the
// default registry.
func NewMetadataMetrics() *StoreMetrics {
	return NewMetadataMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetadataMetricsWithRegistry creates metadata store metrics registered
// with a custom registry.
func NewMetadataMetricsWithRegistry(reg prometheus.Registerer) *StoreMetrics {
	return newStoreMetrics(reg, "metadata", DefaultMetadataLatencyBuckets)
}

func newStoreMetrics(reg prometheus.Registerer, subsystem string, buckets []float64) *StoreMetrics {
	f := promauto.With(reg)
	return &StoreMetrics{
		LatencyHistogram: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "heapd",
				Subsystem: subsystem,
				Name:      "operation_latency_seconds",
				Help:      "Operation latency in seconds, broken down by operation and status.",
				Buckets:   buckets,
			},
			[]string{"operation", "status"},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "heapd",
				Subsystem: subsystem,
				Name:      "operations_total",
				Help:      "Total number of operations, broken down by operation and status.",
			},
			[]string{"operation", "status"},
		),
		BytesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "heapd",
				Subsystem: subsystem,
				Name:      "bytes_total",
				Help:      "Total bytes transferred by direction (read/write).",
			},
			[]string{"direction"},
		),
	}
}

// RecordOperation records an operation latency and increments the request counter.
func (m *StoreMetrics) RecordOperation(operation string, durationSeconds float64, success bool) {
	status := statusLabel(success)
	m.LatencyHistogram.WithLabelValues(operation, status).Observe(durationSeconds)
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
}

// RecordPut records a Put and the bytes written.
func (m *StoreMetrics) RecordPut(durationSeconds float64, success bool, bytes int64) {
	m.RecordOperation(OpPut, durationSeconds, success)
	if success && bytes > 0 {
		m.BytesTotal.WithLabelValues(DirectionWrite).Add(float64(bytes))
	}
}

// RecordGet records a Get and the bytes read.
func (m *StoreMetrics) RecordGet(durationSeconds float64, success bool, bytes int64) {
	m.RecordOperation(OpGet, durationSeconds, success)
	if success && bytes > 0 {
		m.BytesTotal.WithLabelValues(DirectionRead).Add(float64(bytes))
	}
}

// RecordDelete records a Delete.
func (m *StoreMetrics) RecordDelete(durationSeconds float64, success bool) {
	m.RecordOperation(OpDelete, durationSeconds, success)
}

// RecordList records a List.
func (m *StoreMetrics) RecordList(durationSeconds float64, success bool) {
	m.RecordOperation(OpList, durationSeconds, success)
}
