package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dray-io/blobmetrics/internal/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	s := New(logging.Nop())
	s.StartUsing()
	t.Cleanup(s.StopUsing)
	return s
}

func TestSchedule_RequiresStart(t *testing.T) {
	s := New(logging.Nop())
	_, err := s.Schedule("job", func(context.Context) {}, time.Millisecond)
	require.ErrorIs(t, err, ErrNotStarted)
}

func TestSchedule_RejectsNonPositiveInterval(t *testing.T) {
	s := newTestService(t)
	for _, interval := range []time.Duration{0, -time.Second} {
		_, err := s.Schedule("job", func(context.Context) {}, interval)
		assert.ErrorIs(t, err, ErrInvalidInterval)
	}
}

func TestSchedule_RunsRepeatedly(t *testing.T) {
	s := newTestService(t)

	var calls atomic.Int32
	job, err := s.Schedule("counter", func(context.Context) { calls.Add(1) }, 5*time.Millisecond)
	require.NoError(t, err)
	defer job.Cancel()

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "counter", job.Name())
	assert.Equal(t, 5*time.Millisecond, job.Interval())
}

func TestCancel_NoInvocationAfterReturn(t *testing.T) {
	s := newTestService(t)

	var calls atomic.Int32
	job, err := s.Schedule("counter", func(context.Context) { calls.Add(1) }, time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, time.Second, time.Millisecond)
	job.Cancel()
	after := calls.Load()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
	assert.Equal(t, 0, s.JobCount())

	// Idempotent.
	job.Cancel()
}

func TestCancel_WaitsForInFlightInvocation(t *testing.T) {
	s := newTestService(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	var once atomic.Bool

	job, err := s.Schedule("slow", func(context.Context) {
		if once.Swap(true) {
			return
		}
		close(started)
		<-release
		finished.Store(true)
	}, time.Millisecond)
	require.NoError(t, err)

	<-started
	cancelled := make(chan struct{})
	go func() {
		job.Cancel()
		close(cancelled)
	}()

	select {
	case <-cancelled:
		t.Fatal("Cancel returned while an invocation was still running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-cancelled
	assert.True(t, finished.Load(), "in-flight invocation should complete")
}

func TestInvocationsDoNotOverlap(t *testing.T) {
	s := newTestService(t)

	var active, maxActive atomic.Int32
	job, err := s.Schedule("serial", func(context.Context) {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(3 * time.Millisecond)
		active.Add(-1)
	}, time.Millisecond)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	job.Cancel()
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestPanicIsRecovered(t *testing.T) {
	s := newTestService(t)

	var calls atomic.Int32
	job, err := s.Schedule("panicky", func(context.Context) {
		calls.Add(1)
		panic(errors.New("boom"))
	}, time.Millisecond)
	require.NoError(t, err)
	defer job.Cancel()

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, time.Millisecond)
}

func TestStopUsing_LastUserCancelsJobs(t *testing.T) {
	s := New(logging.Nop())
	s.StartUsing()
	s.StartUsing()

	job, err := s.Schedule("job", func(context.Context) {}, time.Millisecond)
	require.NoError(t, err)

	s.StopUsing()
	assert.True(t, s.Running())
	assert.Equal(t, 1, s.JobCount())

	s.StopUsing()
	assert.False(t, s.Running())
	select {
	case <-job.Done():
	case <-time.After(time.Second):
		t.Fatal("job still running after last StopUsing")
	}

	_, err = s.Schedule("late", func(context.Context) {}, time.Millisecond)
	assert.ErrorIs(t, err, ErrNotStarted)

	// Extra StopUsing calls are ignored.
	s.StopUsing()
}

func TestJobContextCancelledAfterCancel(t *testing.T) {
	s := newTestService(t)

	ctxCh := make(chan context.Context, 1)
	job, err := s.Schedule("ctx", func(ctx context.Context) {
		select {
		case ctxCh <- ctx:
		default:
		}
	}, time.Millisecond)
	require.NoError(t, err)

	ctx := <-ctxCh
	job.Cancel()
	assert.Error(t, ctx.Err())
}
