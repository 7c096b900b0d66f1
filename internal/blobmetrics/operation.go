package blobmetrics

import (
	"fmt"
	"sync/atomic"
)

// OperationType identifies a tracked category of blob access.
type OperationType int

const (
	// OperationUpload covers blob creation (content written to the store).
	OperationUpload OperationType = iota
	// OperationDownload covers blob reads.
	OperationDownload
)

// OperationTypes lists every tracked operation type in a stable order.
var OperationTypes = []OperationType{OperationUpload, OperationDownload}

func (t OperationType) String() string {
	switch t {
	case OperationUpload:
		return "upload"
	case OperationDownload:
		return "download"
	default:
		return fmt.Sprintf("operation(%d)", int(t))
	}
}

// ParseOperationType converts a label such as "upload" back to an OperationType.
func ParseOperationType(s string) (OperationType, error) {
	for _, t := range OperationTypes {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("blobmetrics: unknown operation type %q", s)
}

// OperationMetrics is a point-in-time value copy of an OperationCounter.
type OperationMetrics struct {
	SuccessfulRequests uint64 `json:"successfulRequests"`
	ErrorRequests      uint64 `json:"errorRequests"`
	BlobSize           uint64 `json:"blobSize"`
	TimeOnRequests     uint64 `json:"timeOnRequests"`
}

// Plus returns the element-wise sum of m and o.
func (m OperationMetrics) Plus(o OperationMetrics) OperationMetrics {
	return OperationMetrics{
		SuccessfulRequests: m.SuccessfulRequests + o.SuccessfulRequests,
		ErrorRequests:      m.ErrorRequests + o.ErrorRequests,
		BlobSize:           m.BlobSize + o.BlobSize,
		TimeOnRequests:     m.TimeOnRequests + o.TimeOnRequests,
	}
}

// IsZero reports whether every field is zero.
func (m OperationMetrics) IsZero() bool {
	return m == OperationMetrics{}
}

// OperationCounter accumulates request outcomes for one operation type.
//
// Every field is updated with lock-free atomics. Readers see each field either
// before or after a concurrent update, never torn, but no consistency is
// promised across fields.
//
// The zero value is ready to use.
type OperationCounter struct {
	successfulRequests atomic.Uint64
	errorRequests      atomic.Uint64
	blobSize           atomic.Uint64
	timeOnRequests     atomic.Uint64
}

// AddSuccessfulRequest increments the successful request count by one.
func (c *OperationCounter) AddSuccessfulRequest() {
	c.successfulRequests.Add(1)
}

// AddErrorRequest increments the failed request count by one.
func (c *OperationCounter) AddErrorRequest() {
	c.errorRequests.Add(1)
}

// AddBlobSize adds n transferred bytes.
func (c *OperationCounter) AddBlobSize(n uint64) {
	c.blobSize.Add(n)
}

// AddTimeOnRequests adds ms milliseconds of request time.
func (c *OperationCounter) AddTimeOnRequests(ms uint64) {
	c.timeOnRequests.Add(ms)
}

// Add folds a snapshot of other into c.
func (c *OperationCounter) Add(other *OperationCounter) {
	if other == nil {
		return
	}
	c.AddMetrics(other.Snapshot())
}

// AddMetrics folds a value snapshot into c.
func (c *OperationCounter) AddMetrics(m OperationMetrics) {
	c.successfulRequests.Add(m.SuccessfulRequests)
	c.errorRequests.Add(m.ErrorRequests)
	c.blobSize.Add(m.BlobSize)
	c.timeOnRequests.Add(m.TimeOnRequests)
}

// Subtract removes exactly the amounts in m, typically a snapshot that has
// just been persisted. Increments that landed after the snapshot was taken
// survive. Fields saturate at zero.
func (c *OperationCounter) Subtract(m OperationMetrics) {
	subtractSaturating(&c.successfulRequests, m.SuccessfulRequests)
	subtractSaturating(&c.errorRequests, m.ErrorRequests)
	subtractSaturating(&c.blobSize, m.BlobSize)
	subtractSaturating(&c.timeOnRequests, m.TimeOnRequests)
}

// Clear resets every field to zero.
func (c *OperationCounter) Clear() {
	c.successfulRequests.Store(0)
	c.errorRequests.Store(0)
	c.blobSize.Store(0)
	c.timeOnRequests.Store(0)
}

// SuccessfulRequests returns the current successful request count.
func (c *OperationCounter) SuccessfulRequests() uint64 { return c.successfulRequests.Load() }

// ErrorRequests returns the current failed request count.
func (c *OperationCounter) ErrorRequests() uint64 { return c.errorRequests.Load() }

// BlobSize returns the cumulative bytes transferred.
func (c *OperationCounter) BlobSize() uint64 { return c.blobSize.Load() }

// TimeOnRequests returns the cumulative request time in milliseconds.
func (c *OperationCounter) TimeOnRequests() uint64 { return c.timeOnRequests.Load() }

// Snapshot copies the current field values.
func (c *OperationCounter) Snapshot() OperationMetrics {
	return OperationMetrics{
		SuccessfulRequests: c.successfulRequests.Load(),
		ErrorRequests:      c.errorRequests.Load(),
		BlobSize:           c.blobSize.Load(),
		TimeOnRequests:     c.timeOnRequests.Load(),
	}
}

func subtractSaturating(v *atomic.Uint64, n uint64) {
	if n == 0 {
		return
	}
	for {
		cur := v.Load()
		next := uint64(0)
		if cur > n {
			next = cur - n
		}
		if v.CompareAndSwap(cur, next) {
			return
		}
	}
}
