package blobmetrics

import (
	"context"
	"errors"
	"time"
)

// ErrMetricsNotFound is returned by a MetricsStore when no aggregate exists for
// the requested blob store.
var ErrMetricsNotFound = errors.New("blobmetrics: metrics not found")

// Aggregate is the durable, cumulative metrics record for one blob store.
//
// When passed to MetricsStore.UpdateMetrics it carries a delta to be added to
// the stored totals rather than a replacement row.
type Aggregate struct {
	BlobStoreName string           `json:"blobStoreName"`
	BlobCount     int64            `json:"blobCount"`
	TotalSize     int64            `json:"totalSize"`
	Upload        OperationMetrics `json:"upload"`
	Download      OperationMetrics `json:"download"`
}

// Operation returns the metrics recorded for t.
func (a Aggregate) Operation(t OperationType) OperationMetrics {
	switch t {
	case OperationUpload:
		return a.Upload
	case OperationDownload:
		return a.Download
	default:
		return OperationMetrics{}
	}
}

// Operations returns the per-operation metrics keyed by type.
func (a Aggregate) Operations() map[OperationType]OperationMetrics {
	return map[OperationType]OperationMetrics{
		OperationUpload:   a.Upload,
		OperationDownload: a.Download,
	}
}

// Plus returns the field-wise sum of a and delta, keeping a's name.
func (a Aggregate) Plus(delta Aggregate) Aggregate {
	a.BlobCount += delta.BlobCount
	a.TotalSize += delta.TotalSize
	a.Upload = a.Upload.Plus(delta.Upload)
	a.Download = a.Download.Plus(delta.Download)
	return a
}

// AggregateFromSnapshot builds an update record for name from a delta
// snapshot. Each operation type maps onto its own fields.
func AggregateFromSnapshot(name string, s DeltaSnapshot) Aggregate {
	return Aggregate{
		BlobStoreName: name,
		BlobCount:     s.BlobCount,
		TotalSize:     s.TotalSize,
		Upload:        s.Operations[OperationUpload],
		Download:      s.Operations[OperationDownload],
	}
}

// FlushToken identifies one flush attempt. A store that has already applied
// a token for the same writer with an equal or higher sequence must treat the
// update as a no-op, so a flush retried after an unacknowledged write is not
// counted twice. The zero token disables this check.
type FlushToken struct {
	Writer   string `json:"writer"`
	Sequence uint64 `json:"sequence"`
}

// IsZero reports whether the token is unset.
func (t FlushToken) IsZero() bool {
	return t.Writer == "" && t.Sequence == 0
}

// MetricsStore persists cumulative metrics per blob store name.
//
// UpdateMetrics must add the delta at the storage layer (server-side
// increment, transaction or compare-and-swap), never overwrite a row read
// earlier by the client, so that several nodes may flush the same blob store
// concurrently.
//
// Implementations must be safe for concurrent use.
type MetricsStore interface {
	// InitializeMetrics creates a zeroed aggregate for name. It succeeds if
	// one already exists.
	InitializeMetrics(ctx context.Context, name string) error

	// UpdateMetrics adds delta to the aggregate named by delta.BlobStoreName.
	UpdateMetrics(ctx context.Context, delta Aggregate, token FlushToken) error

	// Get returns the aggregate for name, or ErrMetricsNotFound.
	Get(ctx context.Context, name string) (Aggregate, error)

	// ClearCountMetrics zeroes the blob count and total size.
	ClearCountMetrics(ctx context.Context, name string) error

	// ClearOperationMetrics zeroes the upload and download fields.
	ClearOperationMetrics(ctx context.Context, name string) error

	// Remove deletes the aggregate. Removing a missing aggregate succeeds.
	Remove(ctx context.Context, name string) error

	// List returns every stored aggregate ordered by name.
	List(ctx context.Context) ([]Aggregate, error)

	// Close releases resources held by the store.
	Close() error
}

// MaxWatermarks bounds the number of writers a store remembers per blob
// store. Each process start uses a fresh writer, so old entries are evicted.
const MaxWatermarks = 64

// Watermark is the highest flush sequence applied for one writer.
type Watermark struct {
	Sequence  uint64    `json:"sequence"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Watermarks tracks applied flush tokens for one aggregate. Stores persist
// it next to the aggregate and consult it inside the same atomic update.
type Watermarks map[string]Watermark

// Applied reports whether token has already been applied.
func (w Watermarks) Applied(token FlushToken) bool {
	if token.IsZero() {
		return false
	}
	m, ok := w[token.Writer]
	return ok && m.Sequence >= token.Sequence
}

// Record marks token as applied at now, evicting the least recently updated
// writer when more than MaxWatermarks are held.
func (w Watermarks) Record(token FlushToken, now time.Time) {
	if token.IsZero() {
		return
	}
	w[token.Writer] = Watermark{Sequence: token.Sequence, UpdatedAt: now}
	for len(w) > MaxWatermarks {
		var oldest string
		var oldestAt time.Time
		for writer, m := range w {
			if oldest == "" || m.UpdatedAt.Before(oldestAt) {
				oldest, oldestAt = writer, m.UpdatedAt
			}
		}
		delete(w, oldest)
	}
}
