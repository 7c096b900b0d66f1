// Package analytics attributes blob store calls to per-operation counters.
//
// A call is wrapped with the operation it performs:
//
//	blob, err := analytics.Intercept(ic, svc, blobmetrics.OperationUpload, func() (*Blob, error) {
//	    return store.create(ctx, r)
//	})
//
// Success adds a successful request, the elapsed milliseconds and, when the
// result reports a size, its bytes. Failure adds an error request. The call's
// own result and error are returned untouched.
package analytics

import (
	"errors"
	"fmt"
	"time"

	"github.com/dray-io/blobmetrics/internal/blobmetrics"
	"github.com/dray-io/blobmetrics/internal/logging"
)

// MetricsBearer is a receiver whose calls can be attributed.
// *blobmetrics.Service implements it.
type MetricsBearer interface {
	OperationMetricsDelta() map[blobmetrics.OperationType]*blobmetrics.OperationCounter
}

// CounterResolver is an optional MetricsBearer extension that resolves one
// counter without copying the map. A nil counter means the receiver is not
// recording, and the call is passed through.
// *blobmetrics.Service implements it and records only while STARTED.
type CounterResolver interface {
	OperationCounter(op blobmetrics.OperationType) *blobmetrics.OperationCounter
}

// Sized is implemented by results that carry a content size.
type Sized interface {
	Size() int64
}

var errPanicked = errors.New("analytics: intercepted call panicked")

// Interceptor records call outcomes into a receiver's counters.
type Interceptor struct {
	logger *logging.Logger
	now    func() time.Time
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(i *Interceptor) { i.now = now }
}

// WithLogger sets the logger. The default is logging.Global.
func WithLogger(l *logging.Logger) Option {
	return func(i *Interceptor) { i.logger = l }
}

// New returns an Interceptor.
func New(opts ...Option) *Interceptor {
	i := &Interceptor{now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = logging.OrDefault(i.logger).Component("analytics")
	return i
}

// Intercept runs call and attributes its outcome to op on receiver. A
// receiver that is not a MetricsBearer is passed through unmodified. A panic
// in call is counted as an error and continues unwinding.
func Intercept[T any](i *Interceptor, receiver any, op blobmetrics.OperationType, call func() (T, error)) (T, error) {
	bearer, ok := receiver.(MetricsBearer)
	if !ok {
		i.logger.Debugf("receiver carries no blob store metrics, not recording", map[string]any{
			"receiver":  fmt.Sprintf("%T", receiver),
			"operation": op.String(),
		})
		return call()
	}

	start := i.now()
	completed := false
	defer func() {
		if !completed {
			i.record(bearer, op, start, nil, errPanicked)
		}
	}()

	result, err := call()
	completed = true
	i.record(bearer, op, start, result, err)
	return result, err
}

// Do is Intercept for calls without a result.
func Do(i *Interceptor, receiver any, op blobmetrics.OperationType, call func() error) error {
	_, err := Intercept(i, receiver, op, func() (struct{}, error) {
		return struct{}{}, call()
	})
	return err
}

func (i *Interceptor) record(bearer MetricsBearer, op blobmetrics.OperationType, start time.Time, result any, callErr error) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Errorf("recording blob store metrics panicked", map[string]any{
				"operation": op.String(),
				"panic":     fmt.Sprint(r),
			})
		}
	}()

	var counter *blobmetrics.OperationCounter
	if r, ok := bearer.(CounterResolver); ok {
		counter = r.OperationCounter(op)
	} else {
		counter = bearer.OperationMetricsDelta()[op]
	}
	if counter == nil {
		i.logger.Debugf("operation not recorded", map[string]any{"operation": op.String()})
		return
	}
	if callErr != nil {
		counter.AddErrorRequest()
		return
	}

	counter.AddSuccessfulRequest()
	if elapsed := i.now().Sub(start); elapsed > 0 {
		counter.AddTimeOnRequests(uint64(elapsed.Milliseconds()))
	}
	if sized, ok := result.(Sized); ok {
		if n := sized.Size(); n > 0 {
			counter.AddBlobSize(uint64(n))
		}
	}
}
