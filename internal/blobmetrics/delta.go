package blobmetrics

import "sync/atomic"

// OperationMetricsDelta holds the metrics accumulated for one blob store since
// the last successful flush.
//
// The counter map is populated once at construction and never mutated
// afterwards, so lookups need no locking.
type OperationMetricsDelta struct {
	counters  map[OperationType]*OperationCounter
	blobCount atomic.Int64
	totalSize atomic.Int64
}

// DeltaSnapshot is a value copy of an OperationMetricsDelta.
type DeltaSnapshot struct {
	Operations map[OperationType]OperationMetrics
	BlobCount  int64
	TotalSize  int64
}

// IsZero reports whether the snapshot carries nothing to persist.
func (s DeltaSnapshot) IsZero() bool {
	if s.BlobCount != 0 || s.TotalSize != 0 {
		return false
	}
	for _, m := range s.Operations {
		if !m.IsZero() {
			return false
		}
	}
	return true
}

// NewOperationMetricsDelta returns a delta with one zeroed counter per
// operation type.
func NewOperationMetricsDelta() *OperationMetricsDelta {
	counters := make(map[OperationType]*OperationCounter, len(OperationTypes))
	for _, t := range OperationTypes {
		counters[t] = &OperationCounter{}
	}
	return &OperationMetricsDelta{counters: counters}
}

// Get returns the live counter for t. An unknown type yields a detached
// counter so callers on the hot path never see nil.
func (d *OperationMetricsDelta) Get(t OperationType) *OperationCounter {
	if c, ok := d.counters[t]; ok {
		return c
	}
	return &OperationCounter{}
}

// lookup is Get without the detached fallback.
func (d *OperationMetricsDelta) lookup(t OperationType) *OperationCounter {
	return d.counters[t]
}

// Counters returns the live counters keyed by operation type. The map is a
// fresh copy; the counters are shared.
func (d *OperationMetricsDelta) Counters() map[OperationType]*OperationCounter {
	out := make(map[OperationType]*OperationCounter, len(d.counters))
	for t, c := range d.counters {
		out[t] = c
	}
	return out
}

// RecordAddition notes a new blob of the given size.
func (d *OperationMetricsDelta) RecordAddition(size int64) {
	d.blobCount.Add(1)
	d.totalSize.Add(size)
}

// RecordDeletion notes a removed blob of the given size.
func (d *OperationMetricsDelta) RecordDeletion(size int64) {
	d.blobCount.Add(-1)
	d.totalSize.Add(-size)
}

// BlobCount returns the net blob count change since the last flush.
func (d *OperationMetricsDelta) BlobCount() int64 { return d.blobCount.Load() }

// TotalSize returns the net byte usage change since the last flush.
func (d *OperationMetricsDelta) TotalSize() int64 { return d.totalSize.Load() }

// NeedsFlushing reports whether any field is non-zero.
func (d *OperationMetricsDelta) NeedsFlushing() bool {
	if d.blobCount.Load() != 0 || d.totalSize.Load() != 0 {
		return true
	}
	for _, c := range d.counters {
		if !c.Snapshot().IsZero() {
			return true
		}
	}
	return false
}

// Snapshot copies every field.
func (d *OperationMetricsDelta) Snapshot() DeltaSnapshot {
	ops := make(map[OperationType]OperationMetrics, len(d.counters))
	for t, c := range d.counters {
		ops[t] = c.Snapshot()
	}
	return DeltaSnapshot{
		Operations: ops,
		BlobCount:  d.blobCount.Load(),
		TotalSize:  d.totalSize.Load(),
	}
}

// Drain subtracts a snapshot that has been durably persisted. Anything
// recorded after the snapshot was taken stays in the delta for the next flush.
func (d *OperationMetricsDelta) Drain(s DeltaSnapshot) {
	for t, m := range s.Operations {
		if c, ok := d.counters[t]; ok {
			c.Subtract(m)
		}
	}
	d.blobCount.Add(-s.BlobCount)
	d.totalSize.Add(-s.TotalSize)
}

// ClearOperations zeroes the per-operation counters only.
func (d *OperationMetricsDelta) ClearOperations() {
	for _, c := range d.counters {
		c.Clear()
	}
}

// Clear zeroes every field.
func (d *OperationMetricsDelta) Clear() {
	d.ClearOperations()
	d.blobCount.Store(0)
	d.totalSize.Store(0)
}
