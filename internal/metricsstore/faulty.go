package metricsstore

import (
	"context"
	"errors"
	"sync"

	"github.com/dray-io/blobmetrics/internal/blobmetrics"
)

// ErrInjected is the default error returned by FaultyStore.
var ErrInjected = errors.New("metricsstore: injected failure")

// FaultyStore wraps a MetricsStore and fails selected calls. It simulates
// persistence outages and the window between a durable write and its
// acknowledgement.
type FaultyStore struct {
	blobmetrics.MetricsStore

	mu            sync.Mutex
	failUpdates   int
	applyThenFail bool
	failInit      int
	err           error
	updates       int
}

// NewFaultyStore wraps inner. Until configured it behaves exactly like inner.
func NewFaultyStore(inner blobmetrics.MetricsStore) *FaultyStore {
	return &FaultyStore{MetricsStore: inner, err: ErrInjected}
}

// FailNextUpdates makes the next n UpdateMetrics calls return an error. When
// applied is true the update reaches the inner store first, so the write is
// durable but the caller sees a failure.
func (f *FaultyStore) FailNextUpdates(n int, applied bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failUpdates = n
	f.applyThenFail = applied
}

// FailNextInitializations makes the next n InitializeMetrics calls fail.
func (f *FaultyStore) FailNextInitializations(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failInit = n
}

// SetError replaces the injected error.
func (f *FaultyStore) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Updates returns the number of UpdateMetrics calls seen, failed or not.
func (f *FaultyStore) Updates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates
}

// InitializeMetrics delegates unless a failure is armed.
func (f *FaultyStore) InitializeMetrics(ctx context.Context, name string) error {
	f.mu.Lock()
	if f.failInit > 0 {
		f.failInit--
		err := f.err
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()
	return f.MetricsStore.InitializeMetrics(ctx, name)
}

// UpdateMetrics delegates unless a failure is armed.
func (f *FaultyStore) UpdateMetrics(ctx context.Context, delta blobmetrics.Aggregate, token blobmetrics.FlushToken) error {
	f.mu.Lock()
	f.updates++
	fail := f.failUpdates > 0
	if fail {
		f.failUpdates--
	}
	applied := f.applyThenFail
	err := f.err
	f.mu.Unlock()

	if !fail {
		return f.MetricsStore.UpdateMetrics(ctx, delta, token)
	}
	if applied {
		if innerErr := f.MetricsStore.UpdateMetrics(ctx, delta, token); innerErr != nil {
			return innerErr
		}
	}
	return err
}
