package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dray-io/blobmetrics/internal/metadata"
)

// MetadataMetrics records calls to the key-value metadata store backing
// the metrics aggregates. It implements metadata.MetricsRecorder.
type MetadataMetrics struct {
	// Labels: operation (get, put, delete, list), status.
	LatencyHistogram *prometheus.HistogramVec
	RequestsTotal    *prometheus.CounterVec

	// ConflictsTotal counts lost compare-and-swap races, by operation.
	// Each conflict is followed by a retry of the whole update.
	ConflictsTotal *prometheus.CounterVec
}

// DefaultMetadataLatencyBuckets are tuned for sub-millisecond to tens of
// milliseconds key-value calls.
var DefaultMetadataLatencyBuckets = []float64{
	0.0001, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetadataMetrics registers with the default registry.
func NewMetadataMetrics() *MetadataMetrics {
	return NewMetadataMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetadataMetricsWithRegistry registers with reg.
func NewMetadataMetricsWithRegistry(reg prometheus.Registerer) *MetadataMetrics {
	factory := promauto.With(reg)
	return &MetadataMetrics{
		LatencyHistogram: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "metadata",
				Name:      "operation_latency_seconds",
				Help:      "Metadata store operation latency in seconds, by operation and status.",
				Buckets:   DefaultMetadataLatencyBuckets,
			},
			[]string{"operation", "status"},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "metadata",
				Name:      "operations_total",
				Help:      "Metadata store operations, by operation and status.",
			},
			[]string{"operation", "status"},
		),
		ConflictsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "metadata",
				Name:      "conflicts_total",
				Help:      "Conditional writes rejected because the key changed, by operation.",
			},
			[]string{"operation"},
		),
	}
}

// RecordOperation observes latency and counts the call.
func (m *MetadataMetrics) RecordOperation(operation string, durationSeconds float64, success bool) {
	s := status(success)
	m.LatencyHistogram.WithLabelValues(operation, s).Observe(durationSeconds)
	m.RequestsTotal.WithLabelValues(operation, s).Inc()
}

// RecordConflict counts a version conflict.
func (m *MetadataMetrics) RecordConflict(operation string) {
	m.ConflictsTotal.WithLabelValues(operation).Inc()
}

var _ metadata.MetricsRecorder = (*MetadataMetrics)(nil)
