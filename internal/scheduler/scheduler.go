// Package scheduler runs recurring background jobs on fixed intervals.
//
// A Service is shared by every component that needs periodic work. Users
// bracket their use with StartUsing and StopUsing; the last StopUsing cancels
// whatever is still scheduled.
//
//	sched := scheduler.New(logger)
//	sched.StartUsing()
//	defer sched.StopUsing()
//
//	job, err := sched.Schedule("metrics-flush/repo-a", flush, 2*time.Second)
//	if err != nil {
//	    return err
//	}
//	defer job.Cancel()
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dray-io/blobmetrics/internal/logging"
)

var (
	// ErrNotStarted is returned by Schedule when no user holds the service.
	ErrNotStarted = errors.New("scheduler: not started")

	// ErrInvalidInterval is returned for a non-positive interval.
	ErrInvalidInterval = errors.New("scheduler: interval must be positive")
)

// Func is the work performed on each tick. The context is cancelled when the
// job is cancelled.
type Func func(ctx context.Context)

// Service schedules recurring jobs.
type Service struct {
	logger *logging.Logger

	mu     sync.Mutex
	users  int
	nextID uint64
	jobs   map[uint64]*Job
}

// New creates a scheduler service.
func New(logger *logging.Logger) *Service {
	return &Service{
		logger: logging.OrDefault(logger).Component("scheduler"),
		jobs:   make(map[uint64]*Job),
	}
}

// StartUsing registers a user of the service.
func (s *Service) StartUsing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users++
}

// StopUsing releases a user. When the last user leaves, every outstanding job
// is cancelled and StopUsing waits for them to exit.
func (s *Service) StopUsing() {
	s.mu.Lock()
	if s.users == 0 {
		s.mu.Unlock()
		return
	}
	s.users--
	if s.users > 0 {
		s.mu.Unlock()
		return
	}
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	for _, j := range jobs {
		j.Cancel()
	}
}

// Running reports whether at least one user holds the service.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users > 0
}

// JobCount returns the number of scheduled jobs that have not been cancelled.
func (s *Service) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Schedule runs fn every interval until the returned job is cancelled.
// Invocations of a single job never overlap.
func (s *Service) Schedule(name string, fn Func, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInterval, interval)
	}
	if fn == nil {
		return nil, errors.New("scheduler: nil job func")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == 0 {
		return nil, ErrNotStarted
	}

	s.nextID++
	ctx, cancel := context.WithCancel(context.Background())
	j := &Job{
		id:       s.nextID,
		name:     name,
		interval: interval,
		fn:       fn,
		owner:    s,
		logger:   s.logger.With(map[string]any{"job": name}),
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	s.jobs[j.id] = j
	go j.run()
	return j, nil
}

func (s *Service) forget(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

// Job is a handle to a scheduled recurring function.
type Job struct {
	id       uint64
	name     string
	interval time.Duration
	fn       Func
	owner    *Service
	logger   *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	once   sync.Once
	stopCh chan struct{}
	doneCh chan struct{}
}

// Name returns the name the job was scheduled with.
func (j *Job) Name() string { return j.name }

// Interval returns the job's period.
func (j *Job) Interval() time.Duration { return j.interval }

// Cancel stops the job. No invocation starts after Cancel returns; an
// invocation already running is allowed to finish and Cancel waits for it.
// Cancel is idempotent.
func (j *Job) Cancel() {
	j.once.Do(func() {
		close(j.stopCh)
		j.owner.forget(j.id)
	})
	<-j.doneCh
}

// Done is closed once the job's goroutine has exited.
func (j *Job) Done() <-chan struct{} { return j.doneCh }

func (j *Job) run() {
	defer close(j.doneCh)
	defer j.cancel()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopCh:
			return
		case <-ticker.C:
		}
		// A tick and a stop can be ready together; stop wins.
		select {
		case <-j.stopCh:
			return
		default:
		}
		j.invoke()
	}
}

func (j *Job) invoke() {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Errorf("scheduled job panicked", map[string]any{"panic": fmt.Sprint(r)})
		}
	}()
	j.fn(j.ctx)
}
