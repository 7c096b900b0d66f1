package metricsstore

import (
	"context"
	"fmt"

	"github.com/dray-io/blobmetrics/internal/blobmetrics"
	"github.com/dray-io/blobmetrics/internal/config"
	"github.com/dray-io/blobmetrics/internal/logging"
	"github.com/dray-io/blobmetrics/internal/metadata"
	"github.com/dray-io/blobmetrics/internal/metadata/oxia"
	"github.com/dray-io/blobmetrics/internal/metricsstore/badgerstore"
	"github.com/dray-io/blobmetrics/internal/metricsstore/kv"
	"github.com/dray-io/blobmetrics/internal/metricsstore/sqlstore"
)

// Options carries the collaborators Open wires into the chosen backend.
type Options struct {
	Logger *logging.Logger

	// Recorder receives Oxia operation metrics. Nil disables them.
	Recorder metadata.MetricsRecorder
}

// Open returns the MetricsStore selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StoreConfig, opts Options) (blobmetrics.MetricsStore, error) {
	logger := logging.OrDefault(opts.Logger)

	switch cfg.Backend {
	case "", config.StoreMemory:
		return NewMemoryStore(), nil

	case config.StoreSQL:
		return sqlstore.Open(sqlstore.Config{DataDir: cfg.DataDir, Logger: logger})

	case config.StoreBadger:
		return badgerstore.Open(badgerstore.Config{
			Dir:        cfg.DataDir,
			MaxRetries: cfg.MaxRetries,
			Logger:     logger,
		})

	case config.StoreOxia:
		meta, err := oxia.New(ctx, oxia.Config{
			ServiceAddress: cfg.Oxia.ServiceAddress,
			Namespace:      cfg.Oxia.Namespace,
			RequestTimeout: cfg.Oxia.RequestTimeout,
		})
		if err != nil {
			return nil, err
		}
		var store metadata.MetadataStore = meta
		if opts.Recorder != nil {
			store = metadata.NewInstrumentedStore(meta, opts.Recorder)
		}
		return kv.New(store, kv.Config{MaxRetries: cfg.MaxRetries, Logger: logger}), nil

	default:
		return nil, fmt.Errorf("metricsstore: unknown backend %q", cfg.Backend)
	}
}
