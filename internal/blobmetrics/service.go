package blobmetrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dray-io/blobmetrics/internal/logging"
	"github.com/dray-io/blobmetrics/internal/scheduler"
)

// DefaultFlushInterval is used when ServiceConfig.FlushInterval is zero.
const DefaultFlushInterval = 2 * time.Second

var (
	// ErrIllegalState is the root of every lifecycle violation.
	ErrIllegalState = errors.New("blobmetrics: illegal state")

	// ErrAlreadyInitialized is returned when Init is called a second time.
	ErrAlreadyInitialized = errors.New("blobmetrics: service already bound to a blob store")

	// ErrEmptyName is returned when Init is called with an empty name.
	ErrEmptyName = errors.New("blobmetrics: empty blob store name")

	// ErrInvalidInterval is returned when the flush interval is negative.
	ErrInvalidInterval = errors.New("blobmetrics: flush interval must be positive")
)

// State is the lifecycle state of a Service.
type State int32

const (
	StateUninitialized State = iota
	StateStarted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateStarted:
		return "STARTED"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// StateError reports an operation attempted in the wrong lifecycle state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("blobmetrics: %s not allowed in state %s", e.Op, e.State)
}

// Unwrap lets callers match any StateError with errors.Is(err, ErrIllegalState).
func (e *StateError) Unwrap() error { return ErrIllegalState }

// Scheduler registers recurring flush callbacks. *scheduler.Service satisfies it.
type Scheduler interface {
	Schedule(name string, fn scheduler.Func, interval time.Duration) (*scheduler.Job, error)
}

// FlushObserver is notified after every flush attempt that reached the store.
type FlushObserver interface {
	ObserveFlush(blobStore string, elapsed time.Duration, err error)
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// FlushInterval is the period of the background flush. Zero means
	// DefaultFlushInterval.
	FlushInterval time.Duration

	// Writer is a readable prefix for the writer in flush tokens. Each
	// service appends a random UUID, so a restarted process never reuses the
	// watermark of its previous run.
	Writer string

	Logger   *logging.Logger
	Observer FlushObserver
}

type pendingFlush struct {
	snapshot DeltaSnapshot
	token    FlushToken
}

// Service tracks metrics for a single blob store. Operation threads record
// into an in-memory delta without blocking; a scheduled job periodically
// adds the delta to the MetricsStore and drains what it persisted.
type Service struct {
	store    MetricsStore
	sched    Scheduler
	interval time.Duration
	writer   string
	observer FlushObserver
	base     *logging.Logger

	delta *OperationMetricsDelta
	state atomic.Int32

	// mu serializes lifecycle transitions.
	mu     sync.Mutex
	name   string
	logger *logging.Logger
	job    *scheduler.Job

	// flushMu allows one flush in flight and keeps reads consistent with it.
	flushMu  sync.Mutex
	sequence uint64
	pending  *pendingFlush
}

// NewService creates an unbound service. Call Init to bind it to a blob store.
func NewService(store MetricsStore, sched Scheduler, cfg ServiceConfig) *Service {
	interval := cfg.FlushInterval
	if interval == 0 {
		interval = DefaultFlushInterval
	}
	writer := uuid.NewString()
	if cfg.Writer != "" {
		writer = cfg.Writer + "/" + writer
	}
	base := logging.OrDefault(cfg.Logger).Component("blob-store-metrics")
	return &Service{
		store:    store,
		sched:    sched,
		interval: interval,
		writer:   writer,
		observer: cfg.Observer,
		base:     base,
		logger:   base,
		delta:    NewOperationMetricsDelta(),
	}
}

// State returns the current lifecycle state.
func (s *Service) State() State { return State(s.state.Load()) }

// Name returns the bound blob store name, or "" before Init.
func (s *Service) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Init binds the service to a blob store and starts it. A service can be
// bound only once.
func (s *Service) Init(ctx context.Context, name string) error {
	if name == "" {
		return ErrEmptyName
	}
	s.mu.Lock()
	if s.name != "" {
		bound := s.name
		s.mu.Unlock()
		return fmt.Errorf("%w: bound to %q, asked to bind %q", ErrAlreadyInitialized, bound, name)
	}
	s.name = name
	s.logger = s.base.ForBlobStore(name)
	s.mu.Unlock()

	return s.Start(ctx)
}

// Start ensures the persisted aggregate exists and schedules the periodic
// flush. A failure to initialize the aggregate leaves the state unchanged.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.State()
	if s.name == "" || state == StateStarted {
		return &StateError{Op: "start", State: state}
	}
	if s.interval < 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, s.interval)
	}

	if err := s.store.InitializeMetrics(ctx, s.name); err != nil {
		return fmt.Errorf("blobmetrics: initialize metrics for %q: %w", s.name, err)
	}

	job, err := s.sched.Schedule("metrics-flush/"+s.name, s.scheduledFlush, s.interval)
	if err != nil {
		return fmt.Errorf("blobmetrics: schedule flush for %q: %w", s.name, err)
	}
	s.job = job
	s.state.Store(int32(StateStarted))

	s.logger.Infof("blob store metrics started", map[string]any{
		"flushInterval": s.interval.String(),
		"writer":        s.writer,
	})
	return nil
}

// Stop cancels the periodic flush. Outstanding deltas are not flushed; call
// Flush first when they must be durable. A flush already running completes
// before Stop returns.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state := s.State(); state != StateStarted {
		return &StateError{Op: "stop", State: state}
	}
	s.state.Store(int32(StateStopped))
	if s.job != nil {
		s.job.Cancel()
		s.job = nil
	}

	s.logger.Infof("blob store metrics stopped", map[string]any{
		"unflushed": s.delta.NeedsFlushing(),
	})
	return nil
}

// RecordAddition notes a new blob of size bytes. It never fails; outside the
// STARTED state the event is dropped.
func (s *Service) RecordAddition(size int64) {
	if s.State() != StateStarted {
		s.base.Debugf("dropping blob addition, metrics not started", map[string]any{"size": size})
		return
	}
	s.delta.RecordAddition(size)
}

// RecordDeletion notes a removed blob of size bytes. It never fails; outside
// the STARTED state the event is dropped.
func (s *Service) RecordDeletion(size int64) {
	if s.State() != StateStarted {
		s.base.Debugf("dropping blob deletion, metrics not started", map[string]any{"size": size})
		return
	}
	s.delta.RecordDeletion(size)
}

// OperationMetricsDelta returns the live unflushed counters.
func (s *Service) OperationMetricsDelta() map[OperationType]*OperationCounter {
	return s.delta.Counters()
}

// OperationCounter returns the live counter for t, or nil when the service
// is not STARTED or t is unknown. Intercepted calls record through it.
func (s *Service) OperationCounter(t OperationType) *OperationCounter {
	if s.State() != StateStarted {
		return nil
	}
	return s.delta.lookup(t)
}

// Writer returns the writer ID used in this service's flush tokens.
func (s *Service) Writer() string { return s.writer }

// Delta returns the live delta container.
func (s *Service) Delta() *OperationMetricsDelta { return s.delta }

// OperationMetrics returns persisted plus unflushed metrics per operation type.
func (s *Service) OperationMetrics(ctx context.Context) (map[OperationType]OperationMetrics, error) {
	total, err := s.current(ctx, "operation metrics")
	if err != nil {
		return nil, err
	}
	return total.Operations(), nil
}

// Metrics returns the combined persisted plus unflushed view, including blob
// count and total size.
func (s *Service) Metrics(ctx context.Context) (Aggregate, error) {
	return s.current(ctx, "metrics")
}

func (s *Service) current(ctx context.Context, op string) (Aggregate, error) {
	if err := s.requireStarted(op); err != nil {
		return Aggregate{}, err
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	persisted, err := s.store.Get(ctx, s.name)
	if err != nil {
		return Aggregate{}, fmt.Errorf("blobmetrics: read metrics for %q: %w", s.name, err)
	}
	return persisted.Plus(AggregateFromSnapshot(s.name, s.delta.Snapshot())), nil
}

// Flush adds the current delta to the store and, once the store has accepted
// it, drains exactly what was written. On failure the delta is kept and the
// same update is retried by the next flush.
func (s *Service) Flush(ctx context.Context) error {
	if err := s.requireStarted("flush"); err != nil {
		return err
	}
	return s.flush(ctx)
}

func (s *Service) scheduledFlush(ctx context.Context) {
	if err := s.flush(ctx); err != nil {
		s.logger.Warnf("metrics flush failed, delta retained for next attempt", map[string]any{
			logging.FieldError: err,
		})
	}
}

func (s *Service) flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	p := s.pending
	if p == nil {
		snap := s.delta.Snapshot()
		if snap.IsZero() {
			return nil
		}
		s.sequence++
		p = &pendingFlush{
			snapshot: snap,
			token:    FlushToken{Writer: s.writer, Sequence: s.sequence},
		}
	}

	start := time.Now()
	err := s.store.UpdateMetrics(ctx, AggregateFromSnapshot(s.name, p.snapshot), p.token)
	if s.observer != nil {
		s.observer.ObserveFlush(s.name, time.Since(start), err)
	}
	if err != nil {
		s.pending = p
		return fmt.Errorf("blobmetrics: flush %q (sequence %d): %w", s.name, p.token.Sequence, err)
	}

	s.pending = nil
	s.delta.Drain(p.snapshot)
	s.logger.Debugf("metrics flushed", map[string]any{
		"sequence":  p.token.Sequence,
		"blobCount": p.snapshot.BlobCount,
		"totalSize": p.snapshot.TotalSize,
	})
	return nil
}

// ClearCountMetrics zeroes the persisted blob count and total size.
func (s *Service) ClearCountMetrics(ctx context.Context) error {
	if err := s.requireStarted("clear count metrics"); err != nil {
		return err
	}
	if err := s.store.ClearCountMetrics(ctx, s.name); err != nil {
		return fmt.Errorf("blobmetrics: clear count metrics for %q: %w", s.name, err)
	}
	s.logger.Info("count metrics cleared")
	return nil
}

// ClearOperationMetrics zeroes the per-operation counters both in memory and
// in the store.
func (s *Service) ClearOperationMetrics(ctx context.Context) error {
	if err := s.requireStarted("clear operation metrics"); err != nil {
		return err
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.delta.ClearOperations()
	if s.pending != nil {
		s.pending.snapshot.Operations = map[OperationType]OperationMetrics{}
	}
	if err := s.store.ClearOperationMetrics(ctx, s.name); err != nil {
		return fmt.Errorf("blobmetrics: clear operation metrics for %q: %w", s.name, err)
	}
	s.logger.Info("operation metrics cleared")
	return nil
}

// Remove deletes the persisted aggregate and discards the in-memory delta.
// It is used when the blob store itself is deleted and is allowed once the
// service has been bound. A running service is stopped first.
func (s *Service) Remove(ctx context.Context) error {
	s.mu.Lock()
	name := s.name
	s.mu.Unlock()
	if name == "" {
		return &StateError{Op: "remove", State: s.State()}
	}
	if err := s.Stop(); err != nil && !errors.Is(err, ErrIllegalState) {
		return err
	}

	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	if err := s.store.Remove(ctx, name); err != nil {
		return fmt.Errorf("blobmetrics: remove metrics for %q: %w", name, err)
	}
	s.delta.Clear()
	s.pending = nil
	s.logger.Info("metrics removed")
	return nil
}

func (s *Service) requireStarted(op string) error {
	if state := s.State(); state != StateStarted {
		return &StateError{Op: op, State: state}
	}
	return nil
}
