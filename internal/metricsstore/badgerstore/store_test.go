package badgerstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dray-io/blobmetrics/internal/blobmetrics"
	"github.com/dray-io/blobmetrics/internal/logging"
	"github.com/dray-io/blobmetrics/internal/metricsstore/storetest"
)

func TestStoreInMemory(t *testing.T) {
	storetest.Run(t, func(t *testing.T) blobmetrics.MetricsStore {
		s, err := Open(Config{Logger: logging.Nop()})
		require.NoError(t, err)
		return s
	})
}

func TestStoreOnDisk(t *testing.T) {
	storetest.Run(t, func(t *testing.T) blobmetrics.MetricsStore {
		s, err := Open(Config{Dir: t.TempDir(), Logger: logging.Nop()})
		require.NoError(t, err)
		return s
	})
}

func TestReopenKeepsTotalsAndTokens(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	delta := blobmetrics.Aggregate{
		BlobStoreName: "repo-a",
		BlobCount:     3,
		TotalSize:     3000,
		Download:      blobmetrics.OperationMetrics{SuccessfulRequests: 2, TimeOnRequests: 9},
	}
	tok := blobmetrics.FlushToken{Writer: "node-1", Sequence: 7}

	s, err := Open(Config{Dir: dir, Logger: logging.Nop()})
	require.NoError(t, err)
	require.NoError(t, s.InitializeMetrics(ctx, "repo-a"))
	require.NoError(t, s.UpdateMetrics(ctx, delta, tok))
	require.NoError(t, s.Close())

	s, err = Open(Config{Dir: dir, Logger: logging.Nop()})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.UpdateMetrics(ctx, delta, tok))
	got, err := s.Get(ctx, "repo-a")
	require.NoError(t, err)
	require.Equal(t, blobmetrics.Aggregate{BlobStoreName: "repo-a"}.Plus(delta), got)
}

func TestCancelledContext(t *testing.T) {
	s, err := Open(Config{Logger: logging.Nop()})
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.InitializeMetrics(ctx, "repo-a")
	require.ErrorIs(t, err, context.Canceled)
}
