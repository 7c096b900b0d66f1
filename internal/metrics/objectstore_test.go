package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	io_prometheus_client "github.com/prometheus/client_model/go"
)

func TestObjectStoreMetrics_NewWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewObjectStoreMetricsWithRegistry(reg)

	// Vec types are not exposed until they have observations.
	m.RecordPut(0.01, true, 100)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	if len(mfs) != 3 {
		t.Errorf("Expected 3 metric families, got %d", len(mfs))
	}
}

func TestObjectStoreMetrics_RecordPut(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewObjectStoreMetricsWithRegistry(reg)

	m.RecordPut(0.1, true, 1024)
	m.RecordPut(0.2, false, 512)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	latencyMF := findMetricFamily(mfs, "blobmetrics_objectstore_operation_latency_seconds")
	if latencyMF == nil {
		t.Fatal("blobmetrics_objectstore_operation_latency_seconds not found")
	}
	if len(latencyMF.Metric) != 2 {
		t.Errorf("Expected 2 latency series (success/failure), got %d", len(latencyMF.Metric))
	}

	requestsMF := findMetricFamily(mfs, "blobmetrics_objectstore_operations_total")
	if requestsMF == nil {
		t.Fatal("blobmetrics_objectstore_operations_total not found")
	}
	if got := getCounterValue(requestsMF, map[string]string{"operation": OpObjPut, "status": StatusSuccess}); got != 1 {
		t.Errorf("Expected 1 successful put, got %f", got)
	}
	if got := getCounterValue(requestsMF, map[string]string{"operation": OpObjPut, "status": StatusFailure}); got != 1 {
		t.Errorf("Expected 1 failed put, got %f", got)
	}

	// A failed put wrote nothing.
	bytesMF := findMetricFamily(mfs, "blobmetrics_objectstore_bytes_total")
	if got := getCounterValue(bytesMF, map[string]string{"direction": DirectionWrite}); got != 1024 {
		t.Errorf("Expected 1024 bytes written, got %f", got)
	}
}

func TestObjectStoreMetrics_RecordGetCountsPartialReads(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewObjectStoreMetricsWithRegistry(reg)

	m.RecordGet(0.05, true, 2048)
	m.RecordGet(0.15, false, 100)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	requestsMF := findMetricFamily(mfs, "blobmetrics_objectstore_operations_total")
	if got := getCounterValue(requestsMF, map[string]string{"operation": OpObjGet, "status": StatusFailure}); got != 1 {
		t.Errorf("Expected 1 failed get, got %f", got)
	}
	bytesMF := findMetricFamily(mfs, "blobmetrics_objectstore_bytes_total")
	if got := getCounterValue(bytesMF, map[string]string{"direction": DirectionRead}); got != 2148 {
		t.Errorf("Expected 2148 bytes read, got %f", got)
	}
}

func TestObjectStoreMetrics_HeadDeleteList(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewObjectStoreMetricsWithRegistry(reg)

	m.RecordHead(0.01, true)
	m.RecordHead(0.02, false)
	m.RecordDelete(0.02, true)
	m.RecordList(0.05, true)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	requestsMF := findMetricFamily(mfs, "blobmetrics_objectstore_operations_total")

	tests := []struct {
		op, status string
		want       float64
	}{
		{OpObjHead, StatusSuccess, 1},
		{OpObjHead, StatusFailure, 1},
		{OpObjDelete, StatusSuccess, 1},
		{OpObjList, StatusSuccess, 1},
		{OpObjList, StatusFailure, 0},
	}
	for _, tt := range tests {
		got := getCounterValue(requestsMF, map[string]string{"operation": tt.op, "status": tt.status})
		if got != tt.want {
			t.Errorf("%s/%s = %f, want %f", tt.op, tt.status, got, tt.want)
		}
	}
}

func TestObjectStoreMetrics_LatencyBuckets(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewObjectStoreMetricsWithRegistry(reg)

	m.RecordPut(0.001, true, 100)
	m.RecordPut(0.05, true, 100)
	m.RecordPut(5.0, true, 100)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	latencyMF := findMetricFamily(mfs, "blobmetrics_objectstore_operation_latency_seconds")
	if latencyMF == nil {
		t.Fatal("latency histogram not found")
	}
	for _, metric := range latencyMF.Metric {
		if metric.Histogram == nil {
			continue
		}
		if len(metric.Histogram.Bucket) != len(DefaultObjectStoreLatencyBuckets) {
			t.Errorf("Expected %d buckets, got %d", len(DefaultObjectStoreLatencyBuckets), len(metric.Histogram.Bucket))
		}
		if metric.Histogram.GetSampleCount() != 3 {
			t.Errorf("Expected 3 samples, got %d", metric.Histogram.GetSampleCount())
		}
	}
}

func TestObjectStoreMetrics_ZeroBytesNotRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewObjectStoreMetricsWithRegistry(reg)

	m.RecordPut(0.01, true, 0)
	m.RecordGet(0.01, true, 0)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	if bytesMF := findMetricFamily(mfs, "blobmetrics_objectstore_bytes_total"); bytesMF != nil {
		t.Errorf("bytes_total exposed with %d series, want none", len(bytesMF.Metric))
	}
}

func findMetricFamily(mfs []*io_prometheus_client.MetricFamily, name string) *io_prometheus_client.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func getCounterValue(mf *io_prometheus_client.MetricFamily, labels map[string]string) float64 {
	if mf == nil {
		return 0
	}
	for _, metric := range mf.Metric {
		if matchLabels(metric.Label, labels) && metric.Counter != nil {
			return metric.Counter.GetValue()
		}
	}
	return 0
}

func getGaugeValue(mf *io_prometheus_client.MetricFamily, labels map[string]string) float64 {
	if mf == nil {
		return 0
	}
	for _, metric := range mf.Metric {
		if matchLabels(metric.Label, labels) && metric.Gauge != nil {
			return metric.Gauge.GetValue()
		}
	}
	return 0
}

func matchLabels(metricLabels []*io_prometheus_client.LabelPair, expected map[string]string) bool {
	if len(metricLabels) != len(expected) {
		return false
	}
	for _, lp := range metricLabels {
		if expected[lp.GetName()] != lp.GetValue() {
			return false
		}
	}
	return true
}
