// Package objectstore defines the object storage that holds blob content.
//
// Blob stores write each blob as two objects, the content and a small
// properties document, through a [Store]:
//
//	err := store.Put(ctx, "content/0b6c.bytes", r, size, "application/octet-stream", objectstore.PutOptions{
//	    IfNoneMatch: "*",
//	})
//	rc, err := store.Get(ctx, "content/0b6c.bytes")
//	if errors.Is(err, objectstore.ErrNotFound) {
//	    // blob is gone
//	}
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNotFound is returned when the requested object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrPreconditionFailed is returned when a conditional write finds an
	// existing object.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrBucketNotFound is returned when the configured bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrAccessDenied is returned when the credentials lack permission.
	ErrAccessDenied = errors.New("access denied")

	// ErrClosed is returned by any call on a closed store.
	ErrClosed = errors.New("objectstore: store closed")
)

// ObjectError attaches the operation and key to a storage error.
type ObjectError struct {
	Op  string
	Key string
	Err error
}

func (e *ObjectError) Error() string {
	return fmt.Sprintf("objectstore: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *ObjectError) Unwrap() error {
	return e.Err
}

// ObjectMeta describes a stored object.
type ObjectMeta struct {
	Key         string
	Size        int64
	ContentType string
	ETag        string

	// LastModified is in Unix milliseconds.
	LastModified int64

	Metadata map[string]string
}

// PutOptions configures a Put.
type PutOptions struct {
	// Metadata is stored with the object. Providers may lower-case keys.
	Metadata map[string]string

	// IfNoneMatch set to "*" makes Put fail with ErrPreconditionFailed when
	// the key already exists.
	IfNoneMatch string
}

// Store is an object storage backend. Implementations must be safe for
// concurrent use.
type Store interface {
	// Put consumes reader and stores exactly size bytes at key.
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string, opts PutOptions) error

	// Get opens the object for reading. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Head returns the object's metadata without its body.
	Head(ctx context.Context, key string) (ObjectMeta, error)

	// Delete removes key. Deleting a missing key succeeds.
	Delete(ctx context.Context, key string) error

	// List returns every object under prefix in key order.
	List(ctx context.Context, prefix string) ([]ObjectMeta, error)

	Close() error
}
