// Package metadata defines a versioned key-value store interface used to
// persist blob store metrics in a cluster-shared location. Oxia is the
// production implementation; MockStore serves tests.
//
// Every value carries a Version that changes on each write. Callers build
// compare-and-swap updates by reading a value and writing it back with
// WithExpectedVersion; a concurrent writer makes the Put fail with
// ErrVersionMismatch and the caller retries from a fresh read.
package metadata

import (
	"context"
	"errors"
)

var (
	// ErrVersionMismatch is returned when a conditional write or delete
	// finds a different version than expected.
	ErrVersionMismatch = errors.New("metadata: version mismatch")

	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("metadata: store closed")
)

// Version identifies one revision of a key. Zero means the key does not
// exist; written keys always have a positive version.
type Version int64

// NoVersion means "no version constraint".
const NoVersion Version = -1

// KV is a key with its value and version.
type KV struct {
	Key     string
	Value   []byte
	Version Version
}

// GetResult is the result of Get. A missing key is reported with
// Exists=false, not an error.
type GetResult struct {
	Value   []byte
	Version Version
	Exists  bool
}

type putOptions struct {
	expectedVersion *Version
}

// PutOption configures Put.
type PutOption func(*putOptions)

// WithExpectedVersion makes Put conditional. Version 0 requires that the
// key does not exist yet.
func WithExpectedVersion(v Version) PutOption {
	return func(o *putOptions) { o.expectedVersion = &v }
}

// ExpectedVersion returns the version constraint carried by opts, or nil.
func ExpectedVersion(opts []PutOption) *Version {
	var o putOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.expectedVersion
}

type deleteOptions struct {
	expectedVersion *Version
}

// DeleteOption configures Delete.
type DeleteOption func(*deleteOptions)

// WithDeleteExpectedVersion makes Delete conditional.
func WithDeleteExpectedVersion(v Version) DeleteOption {
	return func(o *deleteOptions) { o.expectedVersion = &v }
}

// DeleteExpectedVersion returns the version constraint carried by opts, or nil.
func DeleteExpectedVersion(opts []DeleteOption) *Version {
	var o deleteOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.expectedVersion
}

// MetadataStore is a versioned key-value store.
type MetadataStore interface {
	// Get reads key.
	Get(ctx context.Context, key string) (GetResult, error)

	// Put writes key and returns its new version.
	Put(ctx context.Context, key string, value []byte, opts ...PutOption) (Version, error)

	// Delete removes key. Deleting a missing key succeeds.
	Delete(ctx context.Context, key string, opts ...DeleteOption) error

	// List returns keys in [startKey, endKey) in lexicographic order. An
	// empty endKey lists every key with prefix startKey. limit <= 0 means
	// no limit.
	List(ctx context.Context, startKey, endKey string, limit int) ([]KV, error)

	// Close releases resources. Later calls return ErrStoreClosed.
	Close() error
}
