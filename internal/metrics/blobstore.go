package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dray-io/blobmetrics/internal/blobmetrics"
	"github.com/dray-io/blobmetrics/internal/logging"
)

// DefaultCollectTimeout bounds the metrics store reads of one scrape.
const DefaultCollectTimeout = 5 * time.Second

// BlobStoreSource lists the blob stores to export. *blobmetrics.Registry
// implements it.
type BlobStoreSource interface {
	Names() []string
	Get(name string) (*blobmetrics.Service, bool)
}

// BlobStoreCollector exports each blob store's combined persisted and
// unflushed totals. Values are read at scrape time, so a cleared blob
// store's counters go down; Prometheus treats that as a reset.
type BlobStoreCollector struct {
	source  BlobStoreSource
	timeout time.Duration
	logger  *logging.Logger

	blobCount      *prometheus.Desc
	totalSize      *prometheus.Desc
	requests       *prometheus.Desc
	transferred    *prometheus.Desc
	requestSeconds *prometheus.Desc
	scrapeErrors   prometheus.Counter
}

// NewBlobStoreCollector returns a collector over source. Register it with a
// prometheus.Registerer.
func NewBlobStoreCollector(source BlobStoreSource, logger *logging.Logger) *BlobStoreCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(Namespace, "blobstore", name), help, labels, nil)
	}
	return &BlobStoreCollector{
		source:  source,
		timeout: DefaultCollectTimeout,
		logger:  logging.OrDefault(logger).Component("metrics-collector"),

		blobCount: desc("blob_count", "Number of blobs in the blob store.", "blob_store"),
		totalSize: desc("size_bytes", "Total size of the blobs in the blob store.", "blob_store"),
		requests: desc("requests_total", "Blob store requests, by operation and status.",
			"blob_store", "operation", "status"),
		transferred: desc("transferred_bytes_total", "Bytes moved by successful requests, by operation.",
			"blob_store", "operation"),
		requestSeconds: desc("request_seconds_total", "Time spent in successful requests, by operation.",
			"blob_store", "operation"),
		scrapeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "blobstore",
			Name:      "scrape_errors_total",
			Help:      "Blob stores whose metrics could not be read during a scrape.",
		}),
	}
}

// Describe implements prometheus.Collector.
func (c *BlobStoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.blobCount
	ch <- c.totalSize
	ch <- c.requests
	ch <- c.transferred
	ch <- c.requestSeconds
	c.scrapeErrors.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *BlobStoreCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	for _, name := range c.source.Names() {
		svc, ok := c.source.Get(name)
		if !ok || svc.State() != blobmetrics.StateStarted {
			continue
		}
		agg, err := svc.Metrics(ctx)
		if err != nil {
			c.scrapeErrors.Inc()
			c.logger.Warnf("skipping blob store in scrape", map[string]any{
				logging.FieldBlobStore: name,
				logging.FieldError:     err,
			})
			continue
		}
		c.collectAggregate(ch, name, agg)
	}
	c.scrapeErrors.Collect(ch)
}

func (c *BlobStoreCollector) collectAggregate(ch chan<- prometheus.Metric, name string, agg blobmetrics.Aggregate) {
	ch <- prometheus.MustNewConstMetric(c.blobCount, prometheus.GaugeValue, float64(agg.BlobCount), name)
	ch <- prometheus.MustNewConstMetric(c.totalSize, prometheus.GaugeValue, float64(agg.TotalSize), name)

	for _, op := range blobmetrics.OperationTypes {
		m := agg.Operation(op)
		label := op.String()
		ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(m.SuccessfulRequests), name, label, StatusSuccess)
		ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(m.ErrorRequests), name, label, StatusFailure)
		ch <- prometheus.MustNewConstMetric(c.transferred, prometheus.CounterValue, float64(m.BlobSize), name, label)
		ch <- prometheus.MustNewConstMetric(c.requestSeconds, prometheus.CounterValue, float64(m.TimeOnRequests)/1000, name, label)
	}
}

var _ prometheus.Collector = (*BlobStoreCollector)(nil)
