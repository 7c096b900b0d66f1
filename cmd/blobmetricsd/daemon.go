package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dray-io/blobmetrics/internal/blobmetrics"
	"github.com/dray-io/blobmetrics/internal/blobstore"
	"github.com/dray-io/blobmetrics/internal/config"
	"github.com/dray-io/blobmetrics/internal/logging"
	"github.com/dray-io/blobmetrics/internal/metrics"
	"github.com/dray-io/blobmetrics/internal/metricsstore"
	"github.com/dray-io/blobmetrics/internal/objectstore"
	"github.com/dray-io/blobmetrics/internal/objectstore/s3"
	"github.com/dray-io/blobmetrics/internal/scheduler"
	"github.com/dray-io/blobmetrics/internal/server"
)

// heartbeatInterval is how often the scheduler proves it is still ticking.
const heartbeatInterval = 5 * time.Second

const schedulerHeartbeat = "scheduler"

// DaemonOptions configures a Daemon.
type DaemonOptions struct {
	Config    *config.Config
	Logger    *logging.Logger
	Version   string
	GitCommit string

	// Registry receives the daemon's Prometheus metrics. Nil means a fresh
	// registry with the Go and process collectors.
	Registry *prometheus.Registry
}

// Daemon runs the metrics services for every configured blob store along
// with the admin, health and metrics listeners.
type Daemon struct {
	opts   DaemonOptions
	logger *logging.Logger

	promRegistry  *prometheus.Registry
	flushMetrics  *metrics.FlushMetrics
	store         blobmetrics.MetricsStore
	objects       objectstore.Store
	sched         *scheduler.Service
	registry      *blobmetrics.Registry
	blobs         server.BlobStores
	httpServer    *server.Server
	metricsServer *metrics.Server
	jobs          []*scheduler.Job

	mu      sync.Mutex
	started bool
}

// NewDaemon creates a Daemon but does not start it.
func NewDaemon(opts DaemonOptions) (*Daemon, error) {
	if opts.Config == nil {
		return nil, errors.New("daemon: config is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return &Daemon{
		opts:         opts,
		logger:       opts.Logger,
		promRegistry: reg,
		blobs:        make(server.BlobStores),
	}, nil
}

// Start opens the stores, creates a blob store with metrics for every
// configured name and starts the listeners. It returns once everything is
// serving.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errors.New("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	cfg := d.opts.Config
	d.logger.Infof("starting blobmetricsd", map[string]any{
		"version":       d.opts.Version,
		"storeBackend":  cfg.Store.Backend,
		"objectBackend": cfg.ObjectStore.Backend,
		"flushInterval": cfg.Metrics.FlushInterval.String(),
		"blobStores":    len(cfg.BlobStores),
	})

	store, err := metricsstore.Open(ctx, cfg.Store, metricsstore.Options{
		Logger:   d.logger,
		Recorder: metrics.NewMetadataMetricsWithRegistry(d.promRegistry),
	})
	if err != nil {
		return fmt.Errorf("open metrics store: %w", err)
	}
	d.store = store

	objects, err := openObjectStore(ctx, cfg.ObjectStore)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}
	d.objects = objectstore.NewInstrumentedStore(objects, metrics.NewObjectStoreMetricsWithRegistry(d.promRegistry))

	d.sched = scheduler.New(d.logger)
	d.sched.StartUsing()

	d.flushMetrics = metrics.NewFlushMetricsWithRegistry(d.promRegistry)
	d.registry = blobmetrics.NewRegistry(d.store, d.sched, blobmetrics.ServiceConfig{
		FlushInterval: cfg.Metrics.FlushInterval,
		Writer:        cfg.Metrics.Writer,
		Logger:        d.logger,
		Observer:      d.flushMetrics,
	})

	for _, bs := range cfg.BlobStores {
		codec, err := blobstore.ParseCodec(bs.Codec)
		if err != nil {
			return fmt.Errorf("blob store %q: %w", bs.Name, err)
		}
		svc, err := d.registry.Create(ctx, bs.Name)
		if err != nil {
			return fmt.Errorf("blob store %q: %w", bs.Name, err)
		}
		d.blobs[bs.Name] = blobstore.New(bs.Name, d.objects, svc,
			blobstore.WithCodec(codec),
			blobstore.WithLogger(d.logger),
		)
	}
	d.promRegistry.MustRegister(metrics.NewBlobStoreCollector(d.registry, d.logger))

	d.httpServer = server.New(server.Config{
		Addr: cfg.Server.ListenAddr,
		TLS: server.TLSConfig{
			CertFile: cfg.Server.TLSCertFile,
			KeyFile:  cfg.Server.TLSKeyFile,
		},
	}, d.logger)
	d.httpServer.Handle(server.AdminPrefix, server.NewAdminAPI(d.registry, d.blobs, d.logger))
	d.httpServer.RegisterReadinessCheck(server.NewMetricsStoreChecker(d.store))
	d.httpServer.RegisterReadinessCheck(server.NewObjectStoreChecker(d.objects))
	if err := d.httpServer.Start(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}

	if err := d.scheduleHousekeeping(cfg.Server); err != nil {
		return err
	}

	d.metricsServer = metrics.NewServerWithRegistry(cfg.Observability.MetricsAddr, d.promRegistry, d.logger)
	if err := d.metricsServer.Start(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	d.logger.Infof("blobmetricsd started", map[string]any{
		"addr":        d.httpServer.Addr(),
		"metricsAddr": d.metricsServer.Addr(),
	})
	return nil
}

// scheduleHousekeeping runs the scheduler heartbeat and, with TLS, the
// certificate reload check.
func (d *Daemon) scheduleHousekeeping(cfg config.ServerConfig) error {
	d.httpServer.RegisterHeartbeat(schedulerHeartbeat)
	job, err := d.sched.Schedule("heartbeat", func(context.Context) {
		d.httpServer.Beat(schedulerHeartbeat)
	}, heartbeatInterval)
	if err != nil {
		return fmt.Errorf("schedule heartbeat: %w", err)
	}
	d.jobs = append(d.jobs, job)

	if reloader := d.httpServer.CertReloader(); reloader != nil {
		job, err := d.sched.Schedule("tls-reload", reloader.ReloadIfChanged, cfg.TLSReloadInterval)
		if err != nil {
			return fmt.Errorf("schedule certificate reload: %w", err)
		}
		d.jobs = append(d.jobs, job)
	}
	return nil
}

// Shutdown flushes every blob store's pending metrics and releases all
// resources. It is safe to call after a failed Start.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	d.mu.Unlock()

	d.logger.Info("shutting down blobmetricsd")
	var errs []error

	if d.httpServer != nil {
		d.httpServer.SetShuttingDown()
		d.httpServer.UnregisterHeartbeat(schedulerHeartbeat)
		if err := d.httpServer.Shutdown(ctx); err != nil {
			d.logger.Warnf("error closing http server", map[string]any{logging.FieldError: err})
		}
	}

	if d.registry != nil {
		if err := d.registry.FlushAll(ctx); err != nil {
			d.logger.Errorf("final metrics flush failed", map[string]any{logging.FieldError: err})
			errs = append(errs, err)
		}
		d.registry.Close()
	}

	for _, job := range d.jobs {
		job.Cancel()
	}
	if d.sched != nil {
		d.sched.StopUsing()
	}

	if d.metricsServer != nil {
		if err := d.metricsServer.Close(); err != nil {
			d.logger.Warnf("error closing metrics server", map[string]any{logging.FieldError: err})
		}
	}
	if d.objects != nil {
		if err := d.objects.Close(); err != nil {
			d.logger.Warnf("error closing object store", map[string]any{logging.FieldError: err})
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close metrics store: %w", err))
		}
	}

	d.logger.Info("blobmetricsd shutdown complete")
	return errors.Join(errs...)
}

// Addr returns the admin listener address once started.
func (d *Daemon) Addr() string {
	if d.httpServer == nil {
		return ""
	}
	return d.httpServer.Addr()
}

// MetricsAddr returns the Prometheus listener address once started.
func (d *Daemon) MetricsAddr() string {
	if d.metricsServer == nil {
		return ""
	}
	return d.metricsServer.Addr()
}

func openObjectStore(ctx context.Context, cfg config.ObjectStoreConfig) (objectstore.Store, error) {
	switch cfg.Backend {
	case "", config.ObjectStoreMemory:
		return objectstore.NewMockStore(), nil
	case config.ObjectStoreS3:
		return s3.New(ctx, s3.Config{
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKey,
			SecretAccessKey: cfg.SecretKey,
			UsePathStyle:    cfg.UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown object store backend %q", cfg.Backend)
	}
}
