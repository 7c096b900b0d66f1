// Package metrics exposes blob store metrics to Prometheus.
//
// It covers:
//   - per blob store totals (blob count, total size, per-operation requests,
//     bytes and time), read from the blobmetrics.Registry at scrape time
//   - flush latency and outcome for every metrics flush
//   - object store and metadata store latency, outcome and bytes
//
// Metrics are served on /metrics by a dedicated HTTP server.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	flush := metrics.NewFlushMetricsWithRegistry(reg)
//	registry := blobmetrics.NewRegistry(store, sched, blobmetrics.ServiceConfig{Observer: flush})
//	reg.MustRegister(metrics.NewBlobStoreCollector(registry, logger))
//
//	srv := metrics.NewServerWithRegistry(":9090", reg, logger)
//	srv.Start()
package metrics

// Namespace prefixes every metric name.
const Namespace = "blobmetrics"

// Status label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

func status(success bool) string {
	if success {
		return StatusSuccess
	}
	return StatusFailure
}
