package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ObjectManagerMetrics holds metrics for the live object registry.
type ObjectManagerMetrics struct {
	// LiveObjects is the number of object IDs known to exist.
	LiveObjects prometheus.Gauge

	// ResidentObjects is the number of objects held in memory.
	ResidentObjects prometheus.Gauge

	// CheckedOutObjects is the number of objects leased to lookups.
	CheckedOutObjects prometheus.Gauge

	// PendingLookups is the number of lookups waiting on fault-in, a
	// release or the end of a collection pause.
	PendingLookups prometheus.Gauge

	// LookupsTotal counts lookups by outcome.
	// Labels: outcome (ready, pending, not_found, failed)
	LookupsTotal *prometheus.CounterVec

	// CacheEvictionsTotal counts resident objects dropped from memory.
	CacheEvictionsTotal prometheus.Counter
}

// Lookup outcome label values.
const (
	LookupReady    = "ready"
	LookupPending  = "pending"
	LookupNotFound = "not_found"
	LookupFailed   = "failed"
)

// NewObjectManagerMetrics creates and registers object manager metrics
// with the default registry.
func NewObjectManagerMetrics() *ObjectManagerMetrics {
	return NewObjectManagerMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewObjectManagerMetricsWithRegistry creates object manager metrics
// registered with a custom registry.
func NewObjectManagerMetricsWithRegistry(reg prometheus.Registerer) *ObjectManagerMetrics {
	f := promauto.With(reg)
	gauge := func(name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{
			Namespace: "heapd",
			Subsystem: "objectmanager",
			Name:      name,
			Help:      help,
		})
	}
	return &ObjectManagerMetrics{
		LiveObjects:       gauge("live_objects", "Number of object IDs known to exist."),
		ResidentObjects:   gauge("resident_objects", "Number of objects held in memory."),
		CheckedOutObjects: gauge("checked_out_objects", "Number of objects currently checked out."),
		PendingLookups:    gauge("pending_lookups", "Number of lookups waiting to be resumed."),
		LookupsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "heapd",
				Subsystem: "objectmanager",
				Name:      "lookups_total",
				Help:      "Total number of lookups, broken down by outcome.",
			},
			[]string{"outcome"},
		),
		CacheEvictionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "heapd",
			Subsystem: "objectmanager",
			Name:      "cache_evictions_total",
			Help:      "Total number of resident objects dropped from the in-memory cache.",
		}),
	}
}

// RecordLookup increments the lookup counter for outcome.
func (m *ObjectManagerMetrics) RecordLookup(outcome string) {
	m.LookupsTotal.WithLabelValues(outcome).Inc()
}

// RecordCacheEviction counts objects dropped from memory.
func (m *ObjectManagerMetrics) RecordCacheEviction(n int) {
	m.CacheEvictionsTotal.Add(float64(n))
}

// ObjectManagerStats is a point-in-time view of the registry sizes.
type ObjectManagerStats struct {
	Live       int
	Resident   int
	CheckedOut int
	Pending    int
}

// ObjectManagerStatsProvider is implemented by the object manager.
type ObjectManagerStatsProvider interface {
	ObjectManagerStats() ObjectManagerStats
}

// Record sets every gauge from stats.
func (m *ObjectManagerMetrics) Record(stats ObjectManagerStats) {
	m.LiveObjects.Set(float64(stats.Live))
	m.ResidentObjects.Set(float64(stats.Resident))
	m.CheckedOutObjects.Set(float64(stats.CheckedOut))
	m.PendingLookups.Set(float64(stats.Pending))
}

// ObjectManagerReporter periodically copies registry sizes into gauges.
type ObjectManagerReporter struct {
	metrics  *ObjectManagerMetrics
	provider ObjectManagerStatsProvider
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewObjectManagerReporter creates a reporter. Call Start to begin.
func NewObjectManagerReporter(m *ObjectManagerMetrics, p ObjectManagerStatsProvider, interval time.Duration) *ObjectManagerReporter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &ObjectManagerReporter{metrics: m, provider: p, interval: interval}
}

// Start begins reporting in the background.
func (r *ObjectManagerReporter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop halts reporting and waits for the loop to exit.
func (r *ObjectManagerReporter) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// ReportOnce records the provider's current stats.
func (r *ObjectManagerReporter) ReportOnce() {
	r.metrics.Record(r.provider.ObjectManagerStats())
}

func (r *ObjectManagerReporter) loop(ctx context.Context) {
	defer r.wg.Done()
	r.ReportOnce()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReportOnce()
		}
	}
}
