package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dray-io/blobmetrics/internal/metadata"
)

func TestNewMetadataMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetadataMetricsWithRegistry(reg)

	m.RecordOperation(metadata.OpGet, 0.001, true)
	m.RecordConflict(metadata.OpPut)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	expected := map[string]bool{
		"blobmetrics_metadata_operation_latency_seconds": false,
		"blobmetrics_metadata_operations_total":          false,
		"blobmetrics_metadata_conflicts_total":           false,
	}
	for _, mf := range mfs {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}
	for name, found := range expected {
		if !found {
			t.Errorf("expected metric %s to be registered", name)
		}
	}
}

func TestMetadataMetrics_RecordOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetadataMetricsWithRegistry(reg)

	tests := []struct {
		operation string
		success   bool
	}{
		{metadata.OpGet, true},
		{metadata.OpGet, false},
		{metadata.OpPut, true},
		{metadata.OpDelete, true},
		{metadata.OpList, true},
	}
	for _, tt := range tests {
		m.RecordOperation(tt.operation, 0.001, tt.success)
	}

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues(metadata.OpGet, StatusFailure)); got != 1 {
		t.Errorf("expected get failure count 1, got %v", got)
	}
	for _, op := range []string{metadata.OpGet, metadata.OpPut, metadata.OpDelete, metadata.OpList} {
		if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues(op, StatusSuccess)); got != 1 {
			t.Errorf("expected %s success count 1, got %v", op, got)
		}
	}
}

// A lost CAS race through InstrumentedStore is a conflict, not a failure.
func TestMetadataMetrics_WithInstrumentedStore(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := NewMetadataMetricsWithRegistry(reg)
	store := metadata.NewInstrumentedStore(metadata.NewMockStore(), m)

	v, err := store.Put(ctx, "/blobmetrics/v1/metrics/repo-a", []byte("{}"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := store.Put(ctx, "/blobmetrics/v1/metrics/repo-a", []byte("{}"), metadata.WithExpectedVersion(v+1)); !errors.Is(err, metadata.ErrVersionMismatch) {
		t.Fatalf("stale Put = %v, want ErrVersionMismatch", err)
	}
	if _, err := store.Get(ctx, "/blobmetrics/v1/metrics/repo-a"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	if got := testutil.ToFloat64(m.ConflictsTotal.WithLabelValues(metadata.OpPut)); got != 1 {
		t.Errorf("conflicts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues(metadata.OpPut, StatusSuccess)); got != 2 {
		t.Errorf("put successes = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues(metadata.OpPut, StatusFailure)); got != 0 {
		t.Errorf("put failures = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues(metadata.OpGet, StatusSuccess)); got != 1 {
		t.Errorf("get successes = %v, want 1", got)
	}
}

func TestDefaultMetadataLatencyBuckets(t *testing.T) {
	for i := 1; i < len(DefaultMetadataLatencyBuckets); i++ {
		if DefaultMetadataLatencyBuckets[i] <= DefaultMetadataLatencyBuckets[i-1] {
			t.Errorf("buckets not sorted at index %d", i)
		}
	}
	if DefaultMetadataLatencyBuckets[0] > 0.001 {
		t.Error("smallest bucket should be <= 1ms")
	}
}
