// Package blobstore implements named blob stores on top of an object store.
//
// Each blob is written as two objects: the encoded content at
// content/<id>.bytes and a JSON properties document at
// content/<id>.properties. Uploads and downloads are attributed to the blob
// store's metrics service through an analytics.Interceptor; creations and
// deletions adjust its blob count and total size.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dray-io/blobmetrics/internal/analytics"
	"github.com/dray-io/blobmetrics/internal/blobmetrics"
	"github.com/dray-io/blobmetrics/internal/logging"
	"github.com/dray-io/blobmetrics/internal/objectstore"
)

const (
	contentPrefix  = "content/"
	bytesSuffix    = ".bytes"
	propsSuffix    = ".properties"
	contentType    = "application/octet-stream"
	propertiesType = "application/json"
)

var (
	// ErrBlobNotFound is returned when no blob exists with the given ID.
	ErrBlobNotFound = errors.New("blobstore: blob not found")

	// ErrInvalidBlobID is returned for IDs that are not UUIDs.
	ErrInvalidBlobID = errors.New("blobstore: invalid blob id")

	// ErrCorruptBlob is returned when stored content does not match its
	// properties.
	ErrCorruptBlob = errors.New("blobstore: content does not match properties")
)

// Properties is the stored description of a blob.
type Properties struct {
	Headers    map[string]string `json:"headers,omitempty"`
	Size       int64             `json:"size"`
	StoredSize int64             `json:"storedSize"`
	SHA256     string            `json:"sha256"`
	Codec      Codec             `json:"codec"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Blob is a blob's identity, properties and decoded content.
type Blob struct {
	ID         string
	Properties Properties

	content []byte
}

// Size returns the logical (decoded) content size.
func (b *Blob) Size() int64 {
	if b == nil {
		return 0
	}
	return b.Properties.Size
}

// Content returns a reader over the decoded content.
func (b *Blob) Content() io.Reader {
	return bytes.NewReader(b.content)
}

// Bytes returns the decoded content. The slice must not be modified.
func (b *Blob) Bytes() []byte { return b.content }

// Option configures a BlobStore.
type Option func(*BlobStore)

// WithCodec sets the content codec used for new blobs. Existing blobs are
// read with the codec recorded in their properties.
func WithCodec(c Codec) Option {
	return func(b *BlobStore) { b.codec = c }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *BlobStore) { b.logger = l }
}

// WithInterceptor replaces the default analytics.Interceptor.
func WithInterceptor(ic *analytics.Interceptor) Option {
	return func(b *BlobStore) { b.interceptor = ic }
}

// WithClock replaces time.Now for creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *BlobStore) { b.now = now }
}

// BlobStore is a named blob store.
type BlobStore struct {
	name        string
	objects     objectstore.Store
	svc         *blobmetrics.Service
	codec       Codec
	interceptor *analytics.Interceptor
	logger      *logging.Logger
	now         func() time.Time

	deletes idLocks
}

// New returns a blob store writing to objects. svc may be nil, in which case
// nothing is recorded.
func New(name string, objects objectstore.Store, svc *blobmetrics.Service, opts ...Option) *BlobStore {
	b := &BlobStore{
		name:    name,
		objects: objects,
		svc:     svc,
		codec:   CodecNone,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logging.OrDefault(b.logger).Component("blob-store").ForBlobStore(name)
	if b.interceptor == nil {
		b.interceptor = analytics.New(analytics.WithLogger(b.logger))
	}
	return b
}

// Name returns the blob store name.
func (b *BlobStore) Name() string { return b.name }

// Metrics returns the metrics service, or nil.
func (b *BlobStore) Metrics() *blobmetrics.Service { return b.svc }

// metricsReceiver is what the interceptor attributes calls to. Without a
// service it is untyped nil, so calls pass through.
func (b *BlobStore) metricsReceiver() any {
	if b.svc == nil {
		return nil
	}
	return b.svc
}

// Create stores the content of r as a new blob.
func (b *BlobStore) Create(ctx context.Context, r io.Reader, headers map[string]string) (*Blob, error) {
	blob, err := analytics.Intercept(b.interceptor, b.metricsReceiver(), blobmetrics.OperationUpload, func() (*Blob, error) {
		return b.create(ctx, r, headers)
	})
	if err != nil {
		return nil, err
	}
	if b.svc != nil {
		b.svc.RecordAddition(blob.Size())
	}
	return blob, nil
}

func (b *BlobStore) create(ctx context.Context, r io.Reader, headers map[string]string) (*Blob, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("blobstore: read content: %w", err)
	}
	encoded, err := b.codec.encode(data)
	if err != nil {
		return nil, fmt.Errorf("blobstore: encode content: %w", err)
	}
	sum := sha256.Sum256(data)

	id := uuid.NewString()
	props := Properties{
		Headers:    headers,
		Size:       int64(len(data)),
		StoredSize: int64(len(encoded)),
		SHA256:     hex.EncodeToString(sum[:]),
		Codec:      b.codec,
		CreatedAt:  b.now().UTC(),
	}
	propsJSON, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("blobstore: encode properties: %w", err)
	}

	putOpts := objectstore.PutOptions{
		Metadata:    map[string]string{"blob-store": b.name},
		IfNoneMatch: "*",
	}
	if err := b.objects.Put(ctx, contentKey(id), bytes.NewReader(encoded), int64(len(encoded)), contentType, putOpts); err != nil {
		return nil, fmt.Errorf("blobstore: write content: %w", err)
	}
	if err := b.objects.Put(ctx, propertiesKey(id), bytes.NewReader(propsJSON), int64(len(propsJSON)), propertiesType, putOpts); err != nil {
		if delErr := b.objects.Delete(ctx, contentKey(id)); delErr != nil {
			b.logger.Warnf("orphaned blob content", map[string]any{
				"blobId":           id,
				logging.FieldError: delErr,
			})
		}
		return nil, fmt.Errorf("blobstore: write properties: %w", err)
	}

	b.logger.Debugf("blob created", map[string]any{"blobId": id, "size": props.Size})
	return &Blob{ID: id, Properties: props, content: data}, nil
}

// Get reads a blob. A missing blob is ErrBlobNotFound.
func (b *BlobStore) Get(ctx context.Context, id string) (*Blob, error) {
	return analytics.Intercept(b.interceptor, b.metricsReceiver(), blobmetrics.OperationDownload, func() (*Blob, error) {
		return b.get(ctx, id)
	})
}

func (b *BlobStore) get(ctx context.Context, id string) (*Blob, error) {
	props, err := b.properties(ctx, id)
	if err != nil {
		return nil, err
	}

	rc, err := b.objects.Get(ctx, contentKey(id))
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s: content missing", ErrBlobNotFound, id)
		}
		return nil, fmt.Errorf("blobstore: read content %s: %w", id, err)
	}
	defer rc.Close()
	encoded, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("blobstore: read content %s: %w", id, err)
	}

	data, err := props.Codec.decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptBlob, id, err)
	}
	sum := sha256.Sum256(data)
	if int64(len(data)) != props.Size || hex.EncodeToString(sum[:]) != props.SHA256 {
		return nil, fmt.Errorf("%w: %s", ErrCorruptBlob, id)
	}
	return &Blob{ID: id, Properties: props, content: data}, nil
}

// Delete removes a blob and reports whether it existed. Concurrent deletes
// of one ID are serialized so only the caller that removed the blob records
// the deletion.
func (b *BlobStore) Delete(ctx context.Context, id string) (bool, error) {
	unlock := b.deletes.lock(id)
	defer unlock()

	props, err := b.properties(ctx, id)
	if errors.Is(err, ErrBlobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := b.objects.Delete(ctx, contentKey(id)); err != nil {
		return false, fmt.Errorf("blobstore: delete content %s: %w", id, err)
	}
	if err := b.objects.Delete(ctx, propertiesKey(id)); err != nil {
		return false, fmt.Errorf("blobstore: delete properties %s: %w", id, err)
	}
	if b.svc != nil {
		b.svc.RecordDeletion(props.Size)
	}
	b.logger.Debugf("blob deleted", map[string]any{"blobId": id, "size": props.Size})
	return true, nil
}

// Exists reports whether a blob's properties are present. Storage errors
// are logged and reported as absent.
func (b *BlobStore) Exists(ctx context.Context, id string) bool {
	if _, err := uuid.Parse(id); err != nil {
		return false
	}
	_, err := b.objects.Head(ctx, propertiesKey(id))
	if err != nil && !errors.Is(err, objectstore.ErrNotFound) {
		b.logger.Warnf("blob existence check failed", map[string]any{
			"blobId":           id,
			logging.FieldError: err,
		})
	}
	return err == nil
}

func (b *BlobStore) properties(ctx context.Context, id string) (Properties, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Properties{}, fmt.Errorf("%w: %q", ErrInvalidBlobID, id)
	}
	rc, err := b.objects.Get(ctx, propertiesKey(id))
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return Properties{}, fmt.Errorf("%w: %s", ErrBlobNotFound, id)
		}
		return Properties{}, fmt.Errorf("blobstore: read properties %s: %w", id, err)
	}
	defer rc.Close()

	var props Properties
	if err := json.NewDecoder(rc).Decode(&props); err != nil {
		return Properties{}, fmt.Errorf("%w: %s: properties: %v", ErrCorruptBlob, id, err)
	}
	return props, nil
}

func contentKey(id string) string    { return contentPrefix + id + bytesSuffix }
func propertiesKey(id string) string { return contentPrefix + id + propsSuffix }

// idLocks hands out one mutex per blob ID while it is in use.
type idLocks struct {
	mu    sync.Mutex
	locks map[string]*idLock
}

type idLock struct {
	sync.Mutex
	refs int
}

func (l *idLocks) lock(id string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*idLock)
	}
	il, ok := l.locks[id]
	if !ok {
		il = &idLock{}
		l.locks[id] = il
	}
	il.refs++
	l.mu.Unlock()

	il.Lock()
	return func() {
		il.Unlock()
		l.mu.Lock()
		il.refs--
		if il.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
