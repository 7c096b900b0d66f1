package blobmetrics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dray-io/blobmetrics/internal/logging"
)

// ErrAlreadyExists is returned by Registry.Create for a name already in use.
var ErrAlreadyExists = errors.New("blobmetrics: blob store already registered")

// ErrUnknownBlobStore is returned for a name the registry does not hold.
var ErrUnknownBlobStore = errors.New("blobmetrics: unknown blob store")

// Registry owns one Service per blob store name. Services are created and
// destroyed together with their blob stores.
type Registry struct {
	store  MetricsStore
	sched  Scheduler
	cfg    ServiceConfig
	logger *logging.Logger

	mu       sync.RWMutex
	services map[string]*Service
}

// NewRegistry returns an empty registry. cfg is applied to every service it
// creates.
func NewRegistry(store MetricsStore, sched Scheduler, cfg ServiceConfig) *Registry {
	return &Registry{
		store:    store,
		sched:    sched,
		cfg:      cfg,
		logger:   logging.OrDefault(cfg.Logger).Component("blob-store-registry"),
		services: make(map[string]*Service),
	}
}

// Store returns the backing metrics store.
func (r *Registry) Store() MetricsStore { return r.store }

// Create binds and starts a service for name.
func (r *Registry) Create(ctx context.Context, name string) (*Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.services[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyExists, name)
	}
	svc := NewService(r.store, r.sched, r.cfg)
	if err := svc.Init(ctx, name); err != nil {
		return nil, err
	}
	r.services[name] = svc
	r.logger.Infof("blob store registered", map[string]any{logging.FieldBlobStore: name})
	return svc, nil
}

// Get returns the service for name.
func (r *Registry) Get(name string) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

// Names returns the registered blob store names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.services)
}

// Delete stops the service for name, removes its persisted metrics and
// forgets it.
func (r *Registry) Delete(ctx context.Context, name string) error {
	r.mu.Lock()
	svc, ok := r.services[name]
	if ok {
		delete(r.services, name)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownBlobStore, name)
	}

	if err := svc.Stop(); err != nil && !errors.Is(err, ErrIllegalState) {
		return err
	}
	if err := svc.Remove(ctx); err != nil {
		return err
	}
	r.logger.Infof("blob store deleted", map[string]any{logging.FieldBlobStore: name})
	return nil
}

// FlushAll flushes every started service. Failures do not stop the sweep;
// they are joined into the returned error.
func (r *Registry) FlushAll(ctx context.Context) error {
	var errs []error
	for _, svc := range r.snapshot() {
		if svc.State() != StateStarted {
			continue
		}
		if err := svc.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops every service without flushing and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	services := r.services
	r.services = make(map[string]*Service)
	r.mu.Unlock()

	for name, svc := range services {
		if err := svc.Stop(); err != nil && !errors.Is(err, ErrIllegalState) {
			r.logger.Warnf("failed to stop blob store metrics", map[string]any{
				logging.FieldBlobStore: name,
				logging.FieldError:     err,
			})
		}
	}
}

func (r *Registry) snapshot() []*Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Service, 0, len(r.services))
	for _, name := range sortedKeys(r.services) {
		out = append(out, r.services[name])
	}
	return out
}

func sortedKeys(m map[string]*Service) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
