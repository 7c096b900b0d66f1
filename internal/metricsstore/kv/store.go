// Package kv implements blobmetrics.MetricsStore over a versioned
// metadata.MetadataStore such as Oxia.
//
// Each aggregate is a JSON record under keys.BlobStoreMetricsKey. Updates
// read the record, add the delta and write it back conditioned on the
// version that was read. A concurrent writer makes the write fail with
// metadata.ErrVersionMismatch and the update restarts from a fresh read, so
// no writer ever overwrites another's contribution.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dray-io/blobmetrics/internal/blobmetrics"
	"github.com/dray-io/blobmetrics/internal/logging"
	"github.com/dray-io/blobmetrics/internal/metadata"
	"github.com/dray-io/blobmetrics/internal/metadata/keys"
)

// DefaultMaxRetries bounds CAS attempts per update.
const DefaultMaxRetries = 32

// ErrTooManyConflicts is returned when an update keeps losing CAS races.
var ErrTooManyConflicts = errors.New("kv: too many concurrent modifications")

type record struct {
	Aggregate  blobmetrics.Aggregate  `json:"aggregate"`
	Watermarks blobmetrics.Watermarks `json:"watermarks,omitempty"`
}

// Config configures a Store.
type Config struct {
	MaxRetries int
	Logger     *logging.Logger
}

// Store keeps aggregates in a MetadataStore.
type Store struct {
	meta       metadata.MetadataStore
	maxRetries int
	logger     *logging.Logger
	now        func() time.Time
}

// New returns a Store over meta. The Store owns meta and closes it.
func New(meta metadata.MetadataStore, cfg Config) *Store {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Store{
		meta:       meta,
		maxRetries: maxRetries,
		logger:     logging.OrDefault(cfg.Logger).Component("metricsstore-kv"),
		now:        time.Now,
	}
}

func (s *Store) read(ctx context.Context, name string) (record, metadata.Version, error) {
	res, err := s.meta.Get(ctx, keys.BlobStoreMetricsKey(name))
	if err != nil {
		return record{}, 0, err
	}
	if !res.Exists {
		return record{}, 0, blobmetrics.ErrMetricsNotFound
	}
	var rec record
	if err := json.Unmarshal(res.Value, &rec); err != nil {
		return record{}, 0, fmt.Errorf("kv: decode %q: %w", name, err)
	}
	if rec.Watermarks == nil {
		rec.Watermarks = blobmetrics.Watermarks{}
	}
	return rec, res.Version, nil
}

func (s *Store) write(ctx context.Context, name string, rec record, expected metadata.Version) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.meta.Put(ctx, keys.BlobStoreMetricsKey(name), data, metadata.WithExpectedVersion(expected))
	return err
}

// errUnchanged ends an update without writing.
var errUnchanged = errors.New("kv: unchanged")

// update applies fn to the current record with compare-and-swap, retrying
// on version mismatch.
func (s *Store) update(ctx context.Context, name string, fn func(*record) error) error {
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		rec, version, err := s.read(ctx, name)
		if err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			if errors.Is(err, errUnchanged) {
				return nil
			}
			return err
		}
		err = s.write(ctx, name, rec, version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, metadata.ErrVersionMismatch) {
			return err
		}
		s.logger.Debugf("metrics CAS conflict, retrying", map[string]any{
			logging.FieldBlobStore: name,
			"attempt":              attempt,
		})
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return ErrTooManyConflicts
}

// InitializeMetrics creates the record if it does not exist.
func (s *Store) InitializeMetrics(ctx context.Context, name string) error {
	rec := record{
		Aggregate:  blobmetrics.Aggregate{BlobStoreName: name},
		Watermarks: blobmetrics.Watermarks{},
	}
	err := s.write(ctx, name, rec, 0)
	if err == nil || errors.Is(err, metadata.ErrVersionMismatch) {
		return nil
	}
	return fmt.Errorf("kv: initialize %q: %w", name, err)
}

// UpdateMetrics adds delta with compare-and-swap.
func (s *Store) UpdateMetrics(ctx context.Context, delta blobmetrics.Aggregate, token blobmetrics.FlushToken) error {
	name := delta.BlobStoreName
	err := s.update(ctx, name, func(rec *record) error {
		if rec.Watermarks.Applied(token) {
			return errUnchanged
		}
		rec.Aggregate = rec.Aggregate.Plus(delta)
		rec.Watermarks.Record(token, s.now())
		return nil
	})
	return wrap("update", name, err)
}

// Get returns the stored aggregate.
func (s *Store) Get(ctx context.Context, name string) (blobmetrics.Aggregate, error) {
	rec, _, err := s.read(ctx, name)
	if err != nil {
		return blobmetrics.Aggregate{}, wrap("get", name, err)
	}
	return rec.Aggregate, nil
}

// ClearCountMetrics zeroes blob count and total size.
func (s *Store) ClearCountMetrics(ctx context.Context, name string) error {
	err := s.update(ctx, name, func(rec *record) error {
		rec.Aggregate.BlobCount = 0
		rec.Aggregate.TotalSize = 0
		return nil
	})
	return wrap("clear counts", name, err)
}

// ClearOperationMetrics zeroes the per-operation fields.
func (s *Store) ClearOperationMetrics(ctx context.Context, name string) error {
	err := s.update(ctx, name, func(rec *record) error {
		rec.Aggregate.Upload = blobmetrics.OperationMetrics{}
		rec.Aggregate.Download = blobmetrics.OperationMetrics{}
		return nil
	})
	return wrap("clear operations", name, err)
}

// Remove deletes the record.
func (s *Store) Remove(ctx context.Context, name string) error {
	if err := s.meta.Delete(ctx, keys.BlobStoreMetricsKey(name)); err != nil {
		return fmt.Errorf("kv: remove %q: %w", name, err)
	}
	return nil
}

// List returns every aggregate ordered by name.
func (s *Store) List(ctx context.Context) ([]blobmetrics.Aggregate, error) {
	kvs, err := s.meta.List(ctx, keys.MetricsPrefix, "", 0)
	if err != nil {
		return nil, fmt.Errorf("kv: list: %w", err)
	}
	out := make([]blobmetrics.Aggregate, 0, len(kvs))
	for _, kv := range kvs {
		if _, err := keys.ParseBlobStoreMetricsKey(kv.Key); err != nil {
			continue
		}
		var rec record
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			return nil, fmt.Errorf("kv: decode %s: %w", kv.Key, err)
		}
		out = append(out, rec.Aggregate)
	}
	// Escaping can reorder names relative to their keys.
	sort.Slice(out, func(i, j int) bool { return out[i].BlobStoreName < out[j].BlobStoreName })
	return out, nil
}

// Close closes the underlying metadata store.
func (s *Store) Close() error {
	return s.meta.Close()
}

func wrap(op, name string, err error) error {
	if err == nil || errors.Is(err, blobmetrics.ErrMetricsNotFound) {
		return err
	}
	return fmt.Errorf("kv: %s %q: %w", op, name, err)
}

var _ blobmetrics.MetricsStore = (*Store)(nil)
