package server

import (
	"context"
	"errors"

	"github.com/dray-io/blobmetrics/internal/blobmetrics"
	"github.com/dray-io/blobmetrics/internal/objectstore"
)

// probeName is a blob store name no real store uses; reading it exercises
// the metrics store without touching data.
const probeName = "__readiness_probe__"

// probeKey is an object key that never exists.
const probeKey = "health-check/nonexistent"

// MetricsStoreChecker reports whether the metrics store answers reads.
type MetricsStoreChecker struct {
	store blobmetrics.MetricsStore
}

func NewMetricsStoreChecker(store blobmetrics.MetricsStore) *MetricsStoreChecker {
	return &MetricsStoreChecker{store: store}
}

func (c *MetricsStoreChecker) Name() string { return "metrics_store" }

// CheckReady reads a missing aggregate. ErrMetricsNotFound means the store
// responded.
func (c *MetricsStoreChecker) CheckReady(ctx context.Context) error {
	if c.store == nil {
		return errors.New("metrics store not configured")
	}
	_, err := c.store.Get(ctx, probeName)
	if err != nil && !errors.Is(err, blobmetrics.ErrMetricsNotFound) {
		return err
	}
	return nil
}

// ObjectStoreChecker reports whether the object store answers requests.
type ObjectStoreChecker struct {
	store objectstore.Store
}

func NewObjectStoreChecker(store objectstore.Store) *ObjectStoreChecker {
	return &ObjectStoreChecker{store: store}
}

func (c *ObjectStoreChecker) Name() string { return "object_store" }

// CheckReady heads a key that does not exist. ErrNotFound means the bucket
// is reachable; a missing bucket or denied access is not ready.
func (c *ObjectStoreChecker) CheckReady(ctx context.Context) error {
	if c.store == nil {
		return errors.New("object store not configured")
	}
	_, err := c.store.Head(ctx, probeKey)
	if err == nil || errors.Is(err, objectstore.ErrNotFound) {
		return nil
	}
	return err
}

// FuncChecker adapts a function to ReadinessChecker.
type FuncChecker struct {
	name  string
	check func(context.Context) error
}

func NewFuncChecker(name string, check func(context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, check: check}
}

func (c *FuncChecker) Name() string { return c.name }

func (c *FuncChecker) CheckReady(ctx context.Context) error {
	if c.check == nil {
		return nil
	}
	return c.check(ctx)
}
