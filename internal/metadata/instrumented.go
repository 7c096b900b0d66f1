package metadata

import (
	"context"
	"errors"
	"time"
)

// MetricsRecorder receives per-operation latency and outcome. It keeps this
// package free of a Prometheus dependency.
type MetricsRecorder interface {
	RecordOperation(op string, durationSeconds float64, success bool)
	RecordConflict(op string)
}

// Operation names passed to MetricsRecorder.
const (
	OpGet    = "get"
	OpPut    = "put"
	OpDelete = "delete"
	OpList   = "list"
)

// InstrumentedStore wraps a MetadataStore and reports every call to a
// MetricsRecorder.
type InstrumentedStore struct {
	store   MetadataStore
	metrics MetricsRecorder
}

// NewInstrumentedStore wraps store. A nil recorder disables reporting.
func NewInstrumentedStore(store MetadataStore, metrics MetricsRecorder) *InstrumentedStore {
	return &InstrumentedStore{store: store, metrics: metrics}
}

func (s *InstrumentedStore) observe(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	// A version mismatch is the expected outcome of a lost CAS race, not a
	// store failure.
	if errors.Is(err, ErrVersionMismatch) {
		s.metrics.RecordConflict(op)
		s.metrics.RecordOperation(op, time.Since(start).Seconds(), true)
		return
	}
	s.metrics.RecordOperation(op, time.Since(start).Seconds(), err == nil)
}

func (s *InstrumentedStore) Get(ctx context.Context, key string) (GetResult, error) {
	start := time.Now()
	result, err := s.store.Get(ctx, key)
	s.observe(OpGet, start, err)
	return result, err
}

func (s *InstrumentedStore) Put(ctx context.Context, key string, value []byte, opts ...PutOption) (Version, error) {
	start := time.Now()
	v, err := s.store.Put(ctx, key, value, opts...)
	s.observe(OpPut, start, err)
	return v, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string, opts ...DeleteOption) error {
	start := time.Now()
	err := s.store.Delete(ctx, key, opts...)
	s.observe(OpDelete, start, err)
	return err
}

func (s *InstrumentedStore) List(ctx context.Context, startKey, endKey string, limit int) ([]KV, error) {
	start := time.Now()
	kvs, err := s.store.List(ctx, startKey, endKey, limit)
	s.observe(OpList, start, err)
	return kvs, err
}

func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}

var _ MetadataStore = (*InstrumentedStore)(nil)
