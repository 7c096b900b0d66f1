// Package badgerstore implements blobmetrics.MetricsStore on an embedded
// badger database.
//
// Each aggregate is one JSON record holding the totals and the flush
// watermarks. Updates read, add and write inside a single optimistic
// transaction; badger rejects the commit if another transaction changed the
// record meanwhile, and the update is retried from a fresh read.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/dray-io/blobmetrics/internal/blobmetrics"
	"github.com/dray-io/blobmetrics/internal/logging"
)

const (
	keyPrefix = "metrics/"

	// DefaultMaxRetries bounds conflict retries per update.
	DefaultMaxRetries = 32

	gcInterval     = 5 * time.Minute
	gcDiscardRatio = 0.5
)

// ErrTooManyConflicts is returned when an update keeps conflicting.
var ErrTooManyConflicts = errors.New("badgerstore: too many transaction conflicts")

type record struct {
	Aggregate  blobmetrics.Aggregate  `json:"aggregate"`
	Watermarks blobmetrics.Watermarks `json:"watermarks,omitempty"`
}

// Config configures Open.
type Config struct {
	// Dir is the database directory. Empty means in-memory.
	Dir        string
	MaxRetries int
	Logger     *logging.Logger
}

// Store is a badger-backed MetricsStore.
type Store struct {
	db         *badger.DB
	logger     *logging.Logger
	maxRetries int
	now        func() time.Time

	gcStop chan struct{}
	gcWg   sync.WaitGroup
}

// Open opens the database.
func Open(cfg Config) (*Store, error) {
	logger := logging.OrDefault(cfg.Logger).Component("metricsstore-badger")

	var opts badger.Options
	if cfg.Dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("badgerstore: create data dir: %w", err)
		}
		opts = badger.DefaultOptions(filepath.Clean(cfg.Dir)).
			WithCompression(options.Snappy)
	}
	opts = opts.
		WithLogger(badgerLogger{logger}).
		WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open: %w", err)
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	s := &Store{
		db:         db,
		logger:     logger,
		maxRetries: maxRetries,
		now:        time.Now,
	}
	if cfg.Dir != "" {
		s.gcStop = make(chan struct{})
		s.gcWg.Add(1)
		go s.valueLogGC()
	}
	return s, nil
}

func (s *Store) valueLogGC() {
	defer s.gcWg.Done()
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			for {
				err := s.db.RunValueLogGC(gcDiscardRatio)
				if err == nil {
					continue
				}
				if !errors.Is(err, badger.ErrNoRewrite) {
					s.logger.Warnf("value log GC failed", map[string]any{logging.FieldError: err})
				}
				break
			}
		}
	}
}

func metricsKey(name string) []byte {
	return []byte(keyPrefix + name)
}

func readRecord(txn *badger.Txn, name string) (record, error) {
	var rec record
	item, err := txn.Get(metricsKey(name))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return rec, blobmetrics.ErrMetricsNotFound
		}
		return rec, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

func writeRecord(txn *badger.Txn, name string, rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return txn.Set(metricsKey(name), data)
}

// update runs fn in a read-write transaction, retrying on conflict.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return ErrTooManyConflicts
}

// InitializeMetrics writes a zeroed record unless one exists.
func (s *Store) InitializeMetrics(ctx context.Context, name string) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		_, err := readRecord(txn, name)
		if err == nil {
			return nil
		}
		if !errors.Is(err, blobmetrics.ErrMetricsNotFound) {
			return err
		}
		return writeRecord(txn, name, record{
			Aggregate:  blobmetrics.Aggregate{BlobStoreName: name},
			Watermarks: blobmetrics.Watermarks{},
		})
	})
	if err != nil {
		return fmt.Errorf("badgerstore: initialize %q: %w", name, err)
	}
	return nil
}

// UpdateMetrics adds delta to the record inside one transaction.
func (s *Store) UpdateMetrics(ctx context.Context, delta blobmetrics.Aggregate, token blobmetrics.FlushToken) error {
	name := delta.BlobStoreName
	err := s.update(ctx, func(txn *badger.Txn) error {
		rec, err := readRecord(txn, name)
		if err != nil {
			return err
		}
		if rec.Watermarks == nil {
			rec.Watermarks = blobmetrics.Watermarks{}
		}
		if rec.Watermarks.Applied(token) {
			return nil
		}
		rec.Aggregate = rec.Aggregate.Plus(delta)
		rec.Watermarks.Record(token, s.now())
		return writeRecord(txn, name, rec)
	})
	if errors.Is(err, blobmetrics.ErrMetricsNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("badgerstore: update %q: %w", name, err)
	}
	return nil
}

// Get returns the stored aggregate.
func (s *Store) Get(_ context.Context, name string) (blobmetrics.Aggregate, error) {
	var rec record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = readRecord(txn, name)
		return err
	})
	if errors.Is(err, blobmetrics.ErrMetricsNotFound) {
		return blobmetrics.Aggregate{}, err
	}
	if err != nil {
		return blobmetrics.Aggregate{}, fmt.Errorf("badgerstore: get %q: %w", name, err)
	}
	return rec.Aggregate, nil
}

// ClearCountMetrics zeroes blob count and total size.
func (s *Store) ClearCountMetrics(ctx context.Context, name string) error {
	return s.mutate(ctx, name, "clear counts", func(a *blobmetrics.Aggregate) {
		a.BlobCount = 0
		a.TotalSize = 0
	})
}

// ClearOperationMetrics zeroes the per-operation fields.
func (s *Store) ClearOperationMetrics(ctx context.Context, name string) error {
	return s.mutate(ctx, name, "clear operations", func(a *blobmetrics.Aggregate) {
		a.Upload = blobmetrics.OperationMetrics{}
		a.Download = blobmetrics.OperationMetrics{}
	})
}

func (s *Store) mutate(ctx context.Context, name, op string, fn func(*blobmetrics.Aggregate)) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		rec, err := readRecord(txn, name)
		if err != nil {
			return err
		}
		fn(&rec.Aggregate)
		return writeRecord(txn, name, rec)
	})
	if errors.Is(err, blobmetrics.ErrMetricsNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("badgerstore: %s %q: %w", op, name, err)
	}
	return nil
}

// Remove deletes the record.
func (s *Store) Remove(ctx context.Context, name string) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete(metricsKey(name))
	})
	if err != nil {
		return fmt.Errorf("badgerstore: remove %q: %w", name, err)
	}
	return nil
}

// List returns every aggregate ordered by name. Badger iterates keys in
// byte order, which is name order under the shared prefix.
func (s *Store) List(_ context.Context) ([]blobmetrics.Aggregate, error) {
	var out []blobmetrics.Aggregate
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec.Aggregate)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badgerstore: list: %w", err)
	}
	return out, nil
}

// Close stops background GC and closes the database.
func (s *Store) Close() error {
	if s.gcStop != nil {
		close(s.gcStop)
		s.gcWg.Wait()
		s.gcStop = nil
	}
	return s.db.Close()
}

// badgerLogger routes badger's internal logging into the structured logger.
type badgerLogger struct {
	l *logging.Logger
}

func (b badgerLogger) Errorf(format string, args ...any) {
	b.l.Error(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Warningf(format string, args ...any) {
	b.l.Warn(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Infof(format string, args ...any) {
	b.l.Info(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Debugf(format string, args ...any) {
	b.l.Debug(fmt.Sprintf(format, args...))
}

var _ blobmetrics.MetricsStore = (*Store)(nil)
