package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockStore is an in-memory Store. It backs the "memory" object store and
// tests, which can make the next operations of a kind fail.
type MockStore struct {
	mu      sync.RWMutex
	objects map[string]mockObject
	closed  bool
	faults  map[string][]error
	seq     int
}

type mockObject struct {
	data []byte
	meta ObjectMeta
}

// Operation names accepted by FailNext.
const (
	OpPut    = "put"
	OpGet    = "get"
	OpHead   = "head"
	OpDelete = "delete"
	OpList   = "list"
)

// NewMockStore creates an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		objects: make(map[string]mockObject),
		faults:  make(map[string][]error),
	}
}

// FailNext queues err to be returned by the next call of op. A nil entry lets
// that call through.
func (s *MockStore) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], err)
}

// Len returns the number of stored objects.
func (s *MockStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// fault pops a queued error for op. Callers hold s.mu for writing.
func (s *MockStore) fault(op string) error {
	if s.closed {
		return ErrClosed
	}
	queue := s.faults[op]
	if len(queue) == 0 {
		return nil
	}
	s.faults[op] = queue[1:]
	return queue[0]
}

func (s *MockStore) Put(_ context.Context, key string, reader io.Reader, size int64, contentType string, opts PutOptions) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return &ObjectError{Op: "Put", Key: key, Err: err}
	}
	if int64(len(data)) != size {
		return &ObjectError{Op: "Put", Key: key, Err: fmt.Errorf("read %d bytes, declared %d", len(data), size)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpPut); err != nil {
		return err
	}
	if _, exists := s.objects[key]; exists && opts.IfNoneMatch == "*" {
		return &ObjectError{Op: "Put", Key: key, Err: ErrPreconditionFailed}
	}

	s.seq++
	meta := map[string]string(nil)
	if len(opts.Metadata) > 0 {
		meta = make(map[string]string, len(opts.Metadata))
		for k, v := range opts.Metadata {
			meta[k] = v
		}
	}
	s.objects[key] = mockObject{
		data: data,
		meta: ObjectMeta{
			Key:          key,
			Size:         int64(len(data)),
			ContentType:  contentType,
			ETag:         fmt.Sprintf("mock-%d", s.seq),
			LastModified: time.Now().UnixMilli(),
			Metadata:     meta,
		},
	}
	return nil
}

func (s *MockStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpGet); err != nil {
		return nil, err
	}
	obj, ok := s.objects[key]
	if !ok {
		return nil, &ObjectError{Op: "Get", Key: key, Err: ErrNotFound}
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *MockStore) Head(_ context.Context, key string) (ObjectMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpHead); err != nil {
		return ObjectMeta{}, err
	}
	obj, ok := s.objects[key]
	if !ok {
		return ObjectMeta{}, &ObjectError{Op: "Head", Key: key, Err: ErrNotFound}
	}
	return obj.meta, nil
}

func (s *MockStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpDelete); err != nil {
		return err
	}
	delete(s.objects, key)
	return nil
}

func (s *MockStore) List(_ context.Context, prefix string) ([]ObjectMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpList); err != nil {
		return nil, err
	}
	var out []ObjectMeta
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, obj.meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MockStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Store = (*MockStore)(nil)
