package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dray-io/blobmetrics/internal/blobmetrics"
)

// FlushMetrics records metrics flushes. It implements
// blobmetrics.FlushObserver.
type FlushMetrics struct {
	// Labels: blob_store, status.
	LatencyHistogram *prometheus.HistogramVec
	FlushesTotal     *prometheus.CounterVec

	// LastSuccess is the Unix time of the last successful flush, by blob_store.
	LastSuccess *prometheus.GaugeVec

	now func() time.Time
}

// DefaultFlushLatencyBuckets cover an in-memory add up to a slow remote
// transaction with retries.
var DefaultFlushLatencyBuckets = []float64{
	0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewFlushMetrics registers with the default registry.
func NewFlushMetrics() *FlushMetrics {
	return NewFlushMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewFlushMetricsWithRegistry registers with reg.
func NewFlushMetricsWithRegistry(reg prometheus.Registerer) *FlushMetrics {
	factory := promauto.With(reg)
	return &FlushMetrics{
		LatencyHistogram: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "flush",
				Name:      "latency_seconds",
				Help:      "Time to add a metrics delta to the metrics store, by blob store and status.",
				Buckets:   DefaultFlushLatencyBuckets,
			},
			[]string{"blob_store", "status"},
		),
		FlushesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "flush",
				Name:      "total",
				Help:      "Metrics flush attempts, by blob store and status.",
			},
			[]string{"blob_store", "status"},
		),
		LastSuccess: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "flush",
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last successful metrics flush, by blob store.",
			},
			[]string{"blob_store"},
		),
		now: time.Now,
	}
}

// ObserveFlush records one flush attempt.
func (m *FlushMetrics) ObserveFlush(blobStore string, elapsed time.Duration, err error) {
	s := status(err == nil)
	m.LatencyHistogram.WithLabelValues(blobStore, s).Observe(elapsed.Seconds())
	m.FlushesTotal.WithLabelValues(blobStore, s).Inc()
	if err == nil {
		m.LastSuccess.WithLabelValues(blobStore).Set(float64(m.now().Unix()))
	}
}

// Forget drops every series for blobStore, e.g. after it was deleted.
func (m *FlushMetrics) Forget(blobStore string) {
	labels := prometheus.Labels{"blob_store": blobStore}
	m.LatencyHistogram.DeletePartialMatch(labels)
	m.FlushesTotal.DeletePartialMatch(labels)
	m.LastSuccess.DeletePartialMatch(labels)
}

var _ blobmetrics.FlushObserver = (*FlushMetrics)(nil)
