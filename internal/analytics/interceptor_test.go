package analytics

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/blobmetrics/internal/blobmetrics"
	"github.com/dray-io/blobmetrics/internal/logging"
)

type bearer struct {
	delta *blobmetrics.OperationMetricsDelta
}

func newBearer() *bearer {
	return &bearer{delta: blobmetrics.NewOperationMetricsDelta()}
}

func (b *bearer) OperationMetricsDelta() map[blobmetrics.OperationType]*blobmetrics.OperationCounter {
	return b.delta.Counters()
}

func (b *bearer) metrics(op blobmetrics.OperationType) blobmetrics.OperationMetrics {
	return b.delta.Get(op).Snapshot()
}

type sizedResult struct{ n int64 }

func (r sizedResult) Size() int64 { return r.n }

// stepClock advances by step on every reading.
type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.t
	c.t = c.t.Add(c.step)
	return t
}

func newInterceptor(step time.Duration) *Interceptor {
	clock := &stepClock{t: time.Unix(0, 0), step: step}
	return New(WithClock(clock.now), WithLogger(logging.Nop()))
}

func TestIntercept_SuccessRecordsTimeAndSize(t *testing.T) {
	ic := newInterceptor(25 * time.Millisecond)
	b := newBearer()

	got, err := Intercept(ic, b, blobmetrics.OperationDownload, func() (sizedResult, error) {
		return sizedResult{n: 4096}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4096), got.n)

	assert.Equal(t, blobmetrics.OperationMetrics{
		SuccessfulRequests: 1,
		BlobSize:           4096,
		TimeOnRequests:     25,
	}, b.metrics(blobmetrics.OperationDownload))
	assert.True(t, b.metrics(blobmetrics.OperationUpload).IsZero())
}

func TestIntercept_UnsizedResult(t *testing.T) {
	ic := newInterceptor(time.Millisecond)
	b := newBearer()

	_, err := Intercept(ic, b, blobmetrics.OperationUpload, func() (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	m := b.metrics(blobmetrics.OperationUpload)
	assert.Equal(t, uint64(1), m.SuccessfulRequests)
	assert.Zero(t, m.BlobSize)
}

func TestIntercept_UploadIOErrorPropagatesUnchanged(t *testing.T) {
	ic := newInterceptor(time.Millisecond)
	b := newBearer()
	ioErr := &wrappedIOError{cause: io.ErrUnexpectedEOF}

	_, err := Intercept(ic, b, blobmetrics.OperationUpload, func() (sizedResult, error) {
		return sizedResult{}, ioErr
	})
	assert.Same(t, ioErr, err, "error must be returned by identity")
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	m := b.metrics(blobmetrics.OperationUpload)
	assert.Equal(t, uint64(1), m.ErrorRequests)
	assert.Zero(t, m.SuccessfulRequests)
	assert.Zero(t, m.TimeOnRequests)
}

type wrappedIOError struct{ cause error }

func (e *wrappedIOError) Error() string { return "write content: " + e.cause.Error() }
func (e *wrappedIOError) Unwrap() error { return e.cause }

func TestIntercept_NonBearerPassesThrough(t *testing.T) {
	ic := newInterceptor(time.Millisecond)
	calls := 0
	got, err := Intercept(ic, "not a blob store", blobmetrics.OperationUpload, func() (int, error) {
		calls++
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, got)
	assert.Equal(t, 1, calls)

	_, err = Intercept(ic, nil, blobmetrics.OperationUpload, func() (int, error) {
		return 0, io.EOF
	})
	assert.Same(t, io.EOF, err)
}

type panickyBearer struct{}

func (panickyBearer) OperationMetricsDelta() map[blobmetrics.OperationType]*blobmetrics.OperationCounter {
	panic("metrics exploded")
}

func TestIntercept_BookkeepingPanicIsContained(t *testing.T) {
	ic := newInterceptor(time.Millisecond)
	got, err := Intercept(ic, panickyBearer{}, blobmetrics.OperationDownload, func() (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	boom := errors.New("boom")
	_, err = Intercept(ic, panickyBearer{}, blobmetrics.OperationDownload, func() (int, error) {
		return 0, boom
	})
	assert.Same(t, boom, err)
}

func TestIntercept_CallPanicCountsErrorAndPropagates(t *testing.T) {
	ic := newInterceptor(time.Millisecond)
	b := newBearer()

	assert.PanicsWithValue(t, "backend bug", func() {
		_, _ = Intercept(ic, b, blobmetrics.OperationUpload, func() (int, error) {
			panic("backend bug")
		})
	})
	assert.Equal(t, uint64(1), b.metrics(blobmetrics.OperationUpload).ErrorRequests)
}

func TestIntercept_UnknownOperationIgnored(t *testing.T) {
	ic := newInterceptor(time.Millisecond)
	b := newBearer()
	_, err := Intercept(ic, b, blobmetrics.OperationType(99), func() (int, error) { return 1, nil })
	require.NoError(t, err)
	assert.False(t, b.delta.NeedsFlushing())
}

func TestDo(t *testing.T) {
	ic := newInterceptor(3 * time.Millisecond)
	b := newBearer()

	require.NoError(t, Do(ic, b, blobmetrics.OperationDownload, func() error { return nil }))
	boom := errors.New("boom")
	assert.Same(t, boom, Do(ic, b, blobmetrics.OperationDownload, func() error { return boom }))

	assert.Equal(t, blobmetrics.OperationMetrics{
		SuccessfulRequests: 1,
		ErrorRequests:      1,
		TimeOnRequests:     3,
	}, b.metrics(blobmetrics.OperationDownload))
}

func TestIntercept_Concurrent(t *testing.T) {
	ic := New(WithLogger(logging.Nop()))
	b := newBearer()
	boom := errors.New("boom")

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				fail := i%5 == 0
				_, _ = Intercept(ic, b, blobmetrics.OperationUpload, func() (sizedResult, error) {
					if fail {
						return sizedResult{}, boom
					}
					return sizedResult{n: 2}, nil
				})
			}
		}()
	}
	wg.Wait()

	m := b.metrics(blobmetrics.OperationUpload)
	assert.Equal(t, uint64(8*400), m.SuccessfulRequests)
	assert.Equal(t, uint64(8*100), m.ErrorRequests)
	assert.Equal(t, uint64(8*400*2), m.BlobSize)
}

// resolvingBearer records only while active.
type resolvingBearer struct {
	*bearer
	active bool
}

func (b resolvingBearer) OperationCounter(op blobmetrics.OperationType) *blobmetrics.OperationCounter {
	if !b.active {
		return nil
	}
	return b.delta.Get(op)
}

func TestIntercept_ResolverDecidesRecording(t *testing.T) {
	ic := newInterceptor(time.Millisecond)

	idle := resolvingBearer{bearer: newBearer()}
	got, err := Intercept(ic, idle, blobmetrics.OperationUpload, func() (int, error) { return 3, nil })
	require.NoError(t, err)
	assert.Equal(t, 3, got)
	assert.False(t, idle.delta.NeedsFlushing())

	active := resolvingBearer{bearer: newBearer(), active: true}
	require.NoError(t, Do(ic, active, blobmetrics.OperationDownload, func() error { return nil }))
	assert.Equal(t, uint64(1), active.metrics(blobmetrics.OperationDownload).SuccessfulRequests)
}
