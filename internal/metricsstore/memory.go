// Package metricsstore provides MetricsStore implementations and the factory
// that opens the configured backend.
//
// Every backend applies UpdateMetrics as an addition performed atomically at
// the storage layer and honors flush tokens, so a flush retried after an
// unacknowledged write does not count twice.
package metricsstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dray-io/blobmetrics/internal/blobmetrics"
)

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("metricsstore: store closed")

type memoryRow struct {
	aggregate  blobmetrics.Aggregate
	watermarks blobmetrics.Watermarks
}

// MemoryStore is a mutex-guarded in-process MetricsStore. It backs tests and
// the "memory" backend.
type MemoryStore struct {
	mu     sync.Mutex
	rows   map[string]*memoryRow
	closed bool
	now    func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[string]*memoryRow),
		now:  time.Now,
	}
}

// InitializeMetrics creates a zeroed row for name if none exists.
func (m *MemoryStore) InitializeMetrics(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if _, ok := m.rows[name]; !ok {
		m.rows[name] = &memoryRow{
			aggregate:  blobmetrics.Aggregate{BlobStoreName: name},
			watermarks: blobmetrics.Watermarks{},
		}
	}
	return nil
}

// UpdateMetrics adds delta to the stored row unless token was already applied.
func (m *MemoryStore) UpdateMetrics(_ context.Context, delta blobmetrics.Aggregate, token blobmetrics.FlushToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	row, ok := m.rows[delta.BlobStoreName]
	if !ok {
		return blobmetrics.ErrMetricsNotFound
	}
	if row.watermarks.Applied(token) {
		return nil
	}
	row.aggregate = row.aggregate.Plus(delta)
	row.watermarks.Record(token, m.now())
	return nil
}

// Get returns the stored row for name.
func (m *MemoryStore) Get(_ context.Context, name string) (blobmetrics.Aggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return blobmetrics.Aggregate{}, ErrStoreClosed
	}
	row, ok := m.rows[name]
	if !ok {
		return blobmetrics.Aggregate{}, blobmetrics.ErrMetricsNotFound
	}
	return row.aggregate, nil
}

// ClearCountMetrics zeroes blob count and total size.
func (m *MemoryStore) ClearCountMetrics(_ context.Context, name string) error {
	return m.mutate(name, func(a *blobmetrics.Aggregate) {
		a.BlobCount = 0
		a.TotalSize = 0
	})
}

// ClearOperationMetrics zeroes the per-operation fields.
func (m *MemoryStore) ClearOperationMetrics(_ context.Context, name string) error {
	return m.mutate(name, func(a *blobmetrics.Aggregate) {
		a.Upload = blobmetrics.OperationMetrics{}
		a.Download = blobmetrics.OperationMetrics{}
	})
}

func (m *MemoryStore) mutate(name string, fn func(*blobmetrics.Aggregate)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	row, ok := m.rows[name]
	if !ok {
		return blobmetrics.ErrMetricsNotFound
	}
	fn(&row.aggregate)
	return nil
}

// Remove deletes the row for name.
func (m *MemoryStore) Remove(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	delete(m.rows, name)
	return nil
}

// List returns every row ordered by name.
func (m *MemoryStore) List(_ context.Context) ([]blobmetrics.Aggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	out := make([]blobmetrics.Aggregate, 0, len(m.rows))
	for _, row := range m.rows {
		out = append(out, row.aggregate)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlobStoreName < out[j].BlobStoreName })
	return out, nil
}

// Close marks the store closed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ blobmetrics.MetricsStore = (*MemoryStore)(nil)
