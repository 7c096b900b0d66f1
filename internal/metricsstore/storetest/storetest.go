// Package storetest holds the behavior every MetricsStore backend must share.
// Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/blobmetrics/internal/blobmetrics"
)

// Opener returns a fresh, empty store. Run closes it.
type Opener func(t *testing.T) blobmetrics.MetricsStore

// Run exercises the MetricsStore contract against stores produced by open.
func Run(t *testing.T, open Opener) {
	cases := []struct {
		name string
		fn   func(*testing.T, blobmetrics.MetricsStore)
	}{
		{"InitializeIsIdempotent", testInitializeIsIdempotent},
		{"GetMissing", testGetMissing},
		{"UpdateIsAdditive", testUpdateIsAdditive},
		{"UpdateMissing", testUpdateMissing},
		{"RetriedTokenAppliesOnce", testRetriedTokenAppliesOnce},
		{"WritersAreIndependent", testWritersAreIndependent},
		{"ClearCountMetrics", testClearCountMetrics},
		{"ClearOperationMetrics", testClearOperationMetrics},
		{"RemoveIsIdempotent", testRemoveIsIdempotent},
		{"ListOrdersByName", testListOrdersByName},
		{"ConcurrentUpdates", testConcurrentUpdates},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := open(t)
			defer func() {
				if err := store.Close(); err != nil {
					t.Errorf("Close: %v", err)
				}
			}()
			tc.fn(t, store)
		})
	}
}

func sampleDelta(name string) blobmetrics.Aggregate {
	return blobmetrics.Aggregate{
		BlobStoreName: name,
		BlobCount:     3,
		TotalSize:     3000,
		Upload:        blobmetrics.OperationMetrics{SuccessfulRequests: 3, ErrorRequests: 1, BlobSize: 3000, TimeOnRequests: 42},
		Download:      blobmetrics.OperationMetrics{SuccessfulRequests: 5, BlobSize: 5000, TimeOnRequests: 7},
	}
}

func token(writer string, seq uint64) blobmetrics.FlushToken {
	return blobmetrics.FlushToken{Writer: writer, Sequence: seq}
}

func testInitializeIsIdempotent(t *testing.T, s blobmetrics.MetricsStore) {
	ctx := context.Background()
	require.NoError(t, s.InitializeMetrics(ctx, "repo-a"))
	require.NoError(t, s.UpdateMetrics(ctx, sampleDelta("repo-a"), token("w", 1)))
	require.NoError(t, s.InitializeMetrics(ctx, "repo-a"))

	got, err := s.Get(ctx, "repo-a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.BlobCount, "re-initialization must not reset existing totals")
}

func testGetMissing(t *testing.T, s blobmetrics.MetricsStore) {
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, blobmetrics.ErrMetricsNotFound)
}

func testUpdateIsAdditive(t *testing.T, s blobmetrics.MetricsStore) {
	ctx := context.Background()
	require.NoError(t, s.InitializeMetrics(ctx, "repo-a"))

	d := sampleDelta("repo-a")
	require.NoError(t, s.UpdateMetrics(ctx, d, token("w", 1)))
	require.NoError(t, s.UpdateMetrics(ctx, d, token("w", 2)))

	got, err := s.Get(ctx, "repo-a")
	require.NoError(t, err)
	want := blobmetrics.Aggregate{BlobStoreName: "repo-a"}.Plus(d).Plus(d)
	assert.Equal(t, want, got)

	neg := blobmetrics.Aggregate{BlobStoreName: "repo-a", BlobCount: -1, TotalSize: -1000}
	require.NoError(t, s.UpdateMetrics(ctx, neg, token("w", 3)))
	got, err = s.Get(ctx, "repo-a")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.BlobCount)
	assert.Equal(t, int64(5000), got.TotalSize)
}

func testUpdateMissing(t *testing.T, s blobmetrics.MetricsStore) {
	err := s.UpdateMetrics(context.Background(), sampleDelta("ghost"), token("w", 1))
	assert.ErrorIs(t, err, blobmetrics.ErrMetricsNotFound)
}

func testRetriedTokenAppliesOnce(t *testing.T, s blobmetrics.MetricsStore) {
	ctx := context.Background()
	require.NoError(t, s.InitializeMetrics(ctx, "repo-a"))

	d := sampleDelta("repo-a")
	require.NoError(t, s.UpdateMetrics(ctx, d, token("w", 1)))
	require.NoError(t, s.UpdateMetrics(ctx, d, token("w", 1)))
	// A stale sequence from the same writer is ignored too.
	require.NoError(t, s.UpdateMetrics(ctx, d, token("w", 0)))

	got, err := s.Get(ctx, "repo-a")
	require.NoError(t, err)
	assert.Equal(t, blobmetrics.Aggregate{BlobStoreName: "repo-a"}.Plus(d), got)

	// The zero token disables deduplication.
	require.NoError(t, s.UpdateMetrics(ctx, d, blobmetrics.FlushToken{}))
	require.NoError(t, s.UpdateMetrics(ctx, d, blobmetrics.FlushToken{}))
	got, err = s.Get(ctx, "repo-a")
	require.NoError(t, err)
	assert.Equal(t, int64(9), got.BlobCount)
}

func testWritersAreIndependent(t *testing.T, s blobmetrics.MetricsStore) {
	ctx := context.Background()
	require.NoError(t, s.InitializeMetrics(ctx, "repo-a"))

	d := sampleDelta("repo-a")
	require.NoError(t, s.UpdateMetrics(ctx, d, token("node-1", 1)))
	require.NoError(t, s.UpdateMetrics(ctx, d, token("node-2", 1)))

	got, err := s.Get(ctx, "repo-a")
	require.NoError(t, err)
	assert.Equal(t, int64(6), got.BlobCount)
}

func testClearCountMetrics(t *testing.T, s blobmetrics.MetricsStore) {
	ctx := context.Background()
	require.NoError(t, s.InitializeMetrics(ctx, "repo-a"))
	d := sampleDelta("repo-a")
	require.NoError(t, s.UpdateMetrics(ctx, d, token("w", 1)))

	for i := 0; i < 2; i++ {
		require.NoError(t, s.ClearCountMetrics(ctx, "repo-a"))
		got, err := s.Get(ctx, "repo-a")
		require.NoError(t, err)
		assert.Zero(t, got.BlobCount)
		assert.Zero(t, got.TotalSize)
		assert.Equal(t, d.Upload, got.Upload)
		assert.Equal(t, d.Download, got.Download)
	}
}

func testClearOperationMetrics(t *testing.T, s blobmetrics.MetricsStore) {
	ctx := context.Background()
	require.NoError(t, s.InitializeMetrics(ctx, "repo-a"))
	require.NoError(t, s.UpdateMetrics(ctx, sampleDelta("repo-a"), token("w", 1)))

	for i := 0; i < 2; i++ {
		require.NoError(t, s.ClearOperationMetrics(ctx, "repo-a"))
		got, err := s.Get(ctx, "repo-a")
		require.NoError(t, err)
		assert.Equal(t, blobmetrics.Aggregate{BlobStoreName: "repo-a", BlobCount: 3, TotalSize: 3000}, got)
	}

	// Tokens survive a clear.
	require.NoError(t, s.UpdateMetrics(ctx, sampleDelta("repo-a"), token("w", 1)))
	got, err := s.Get(ctx, "repo-a")
	require.NoError(t, err)
	assert.Zero(t, got.Upload.SuccessfulRequests)
}

func testRemoveIsIdempotent(t *testing.T, s blobmetrics.MetricsStore) {
	ctx := context.Background()
	require.NoError(t, s.InitializeMetrics(ctx, "repo-a"))
	require.NoError(t, s.Remove(ctx, "repo-a"))
	require.NoError(t, s.Remove(ctx, "repo-a"))

	_, err := s.Get(ctx, "repo-a")
	assert.ErrorIs(t, err, blobmetrics.ErrMetricsNotFound)

	// A recreated row starts from zero and accepts old sequences again.
	require.NoError(t, s.InitializeMetrics(ctx, "repo-a"))
	require.NoError(t, s.UpdateMetrics(ctx, sampleDelta("repo-a"), token("w", 1)))
	got, err := s.Get(ctx, "repo-a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.BlobCount)
}

func testListOrdersByName(t *testing.T, s blobmetrics.MetricsStore) {
	ctx := context.Background()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, s.InitializeMetrics(ctx, name))
	}
	require.NoError(t, s.UpdateMetrics(ctx, sampleDelta("mid"), token("w", 1)))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].BlobStoreName)
	assert.Equal(t, "mid", list[1].BlobStoreName)
	assert.Equal(t, "zeta", list[2].BlobStoreName)
	assert.Equal(t, int64(3000), list[1].TotalSize)
}

func testConcurrentUpdates(t *testing.T, s blobmetrics.MetricsStore) {
	ctx := context.Background()
	require.NoError(t, s.InitializeMetrics(ctx, "shared"))

	const writers = 4
	const perWriter = 25
	one := blobmetrics.Aggregate{
		BlobStoreName: "shared",
		BlobCount:     1,
		TotalSize:     10,
		Upload:        blobmetrics.OperationMetrics{SuccessfulRequests: 1},
	}

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			writer := fmt.Sprintf("node-%d", w)
			for i := 1; i <= perWriter; i++ {
				if err := s.UpdateMetrics(ctx, one, token(writer, uint64(i))); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	var all []error
	for err := range errs {
		all = append(all, err)
	}
	require.NoError(t, errors.Join(all...))

	got, err := s.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, int64(writers*perWriter), got.BlobCount)
	assert.Equal(t, int64(writers*perWriter*10), got.TotalSize)
	assert.Equal(t, uint64(writers*perWriter), got.Upload.SuccessfulRequests)
}
