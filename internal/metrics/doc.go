// Package metrics provides Prometheus metrics for observability.
//
// This package exposes metrics for the heap's reclamation machinery:
//   - Object manager gauges (live, resident, checked out, pending lookups)
//   - Lookup outcomes and resident-cache evictions
//   - Collection cycles by kind and outcome, garbage counts, pause waits
//   - Map eviction runs, sampled and evicted entries
//   - Object store and metadata store latency by operation and status
//
// Metrics are exposed via a dedicated HTTP server on /metrics in Prometheus format.
//
// Usage:
//
//	omMetrics := metrics.NewObjectManagerMetrics()
//	gcMetrics := metrics.NewGCMetrics()
//
//	manager := objectmanager.New(store, meta, lwm, objectmanager.Config{Metrics: omMetrics})
//	collector := gc.NewCollector(manager, lwm, gc.CollectorConfig{Metrics: gcMetrics})
//
//	metricsServer := metrics.NewServer(":9090")
//	metricsServer.Start()
package metrics

// Status label values shared by the request counters.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

func statusLabel(success bool) string {
	if success {
		return StatusSuccess
	}
	return StatusFailure
}
