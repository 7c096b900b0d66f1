package blobmetrics_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/blobmetrics/internal/blobmetrics"
	"github.com/dray-io/blobmetrics/internal/logging"
	"github.com/dray-io/blobmetrics/internal/metricsstore"
)

func newRegistry(t *testing.T, store blobmetrics.MetricsStore) *blobmetrics.Registry {
	t.Helper()
	r := blobmetrics.NewRegistry(store, newScheduler(t), blobmetrics.ServiceConfig{
		FlushInterval: manual,
		Logger:        logging.Nop(),
	})
	t.Cleanup(r.Close)
	return r
}

func TestRegistry_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := metricsstore.NewMemoryStore()
	r := newRegistry(t, store)
	assert.Same(t, store, r.Store())

	svc, err := r.Create(ctx, "repo-b")
	require.NoError(t, err)
	assert.Equal(t, blobmetrics.StateStarted, svc.State())
	_, err = r.Create(ctx, "repo-a")
	require.NoError(t, err)

	got, ok := r.Get("repo-b")
	require.True(t, ok)
	assert.Same(t, svc, got)
	_, ok = r.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"repo-a", "repo-b"}, r.Names())

	_, err = r.Create(ctx, "repo-a")
	assert.ErrorIs(t, err, blobmetrics.ErrAlreadyExists)

	_, err = store.Get(ctx, "repo-a")
	assert.NoError(t, err, "create initializes the persisted aggregate")
}

func TestRegistry_CreateFailureIsNotRegistered(t *testing.T) {
	ctx := context.Background()
	faulty := metricsstore.NewFaultyStore(metricsstore.NewMemoryStore())
	r := newRegistry(t, faulty)

	faulty.FailNextInitializations(1)
	_, err := r.Create(ctx, "repo-a")
	require.ErrorIs(t, err, metricsstore.ErrInjected)
	assert.Empty(t, r.Names())

	_, err = r.Create(ctx, "repo-a")
	require.NoError(t, err)
}

func TestRegistry_Delete(t *testing.T) {
	ctx := context.Background()
	store := metricsstore.NewMemoryStore()
	r := newRegistry(t, store)

	svc, err := r.Create(ctx, "repo-a")
	require.NoError(t, err)
	svc.RecordAddition(100)
	require.NoError(t, svc.Flush(ctx))

	require.NoError(t, r.Delete(ctx, "repo-a"))
	assert.Equal(t, blobmetrics.StateStopped, svc.State())
	_, ok := r.Get("repo-a")
	assert.False(t, ok)
	_, err = store.Get(ctx, "repo-a")
	assert.ErrorIs(t, err, blobmetrics.ErrMetricsNotFound)

	assert.ErrorIs(t, r.Delete(ctx, "repo-a"), blobmetrics.ErrUnknownBlobStore)

	// The name can be reused and starts from zero.
	svc, err = r.Create(ctx, "repo-a")
	require.NoError(t, err)
	m, err := svc.Metrics(ctx)
	require.NoError(t, err)
	assert.Zero(t, m.BlobCount)
}

func TestRegistry_FlushAll(t *testing.T) {
	ctx := context.Background()
	faulty := metricsstore.NewFaultyStore(metricsstore.NewMemoryStore())
	r := newRegistry(t, faulty)

	a, err := r.Create(ctx, "repo-a")
	require.NoError(t, err)
	b, err := r.Create(ctx, "repo-b")
	require.NoError(t, err)
	c, err := r.Create(ctx, "repo-c")
	require.NoError(t, err)
	require.NoError(t, c.Stop())

	a.RecordAddition(1)
	b.RecordAddition(2)

	// repo-a is flushed first and fails; repo-b still gets flushed.
	faulty.FailNextUpdates(1, false)
	err = r.FlushAll(ctx)
	require.ErrorIs(t, err, metricsstore.ErrInjected)
	assert.Contains(t, err.Error(), "repo-a")

	mb, err := faulty.Get(ctx, "repo-b")
	require.NoError(t, err)
	assert.Equal(t, int64(2), mb.TotalSize)

	require.NoError(t, r.FlushAll(ctx))
	ma, err := faulty.Get(ctx, "repo-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), ma.TotalSize)
}

func TestRegistry_Close(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, metricsstore.NewMemoryStore())

	a, err := r.Create(ctx, "repo-a")
	require.NoError(t, err)
	b, err := r.Create(ctx, "repo-b")
	require.NoError(t, err)
	require.NoError(t, b.Stop())

	r.Close()
	assert.Equal(t, blobmetrics.StateStopped, a.State())
	assert.Empty(t, r.Names())

	// Close twice is harmless.
	r.Close()
}
