package objectstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockStore is an in-memory Store for tests and single-node runs.
type MockStore struct {
	mu      sync.RWMutex
	objects map[string]mockObject
	closed  bool

	// FailDelete, when set, is returned by Delete and DeleteMany for the
	// matching key. Used to simulate partially applied batches.
	FailDelete func(key string) error

	deleteCalls int
}

type mockObject struct {
	data []byte
	meta ObjectMeta
}

// NewMockStore creates an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{objects: make(map[string]mockObject)}
}

func (s *MockStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return &ObjectError{Op: "Put", Key: key, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.objects[key] = mockObject{
		data: data,
		meta: ObjectMeta{Key: key, Size: int64(len(data)), LastModified: time.Now().UnixMilli()},
	}
	return nil
}

func (s *MockStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	obj, ok := s.objects[key]
	if !ok {
		return nil, &ObjectError{Op: "Get", Key: key, Err: ErrNotFound}
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *MockStore) Delete(ctx context.Context, key string) error {
	return s.DeleteMany(ctx, []string{key})
}

func (s *MockStore) DeleteMany(ctx context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.deleteCalls++
	for _, key := range keys {
		if s.FailDelete != nil {
			if err := s.FailDelete(key); err != nil {
				return &ObjectError{Op: "Delete", Key: key, Err: err}
			}
		}
		delete(s.objects, key)
	}
	return nil
}

func (s *MockStore) List(ctx context.Context, prefix string) ([]ObjectMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
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

// Len returns the number of stored objects.
func (s *MockStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Has reports whether key is stored.
func (s *MockStore) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok
}

// DeleteCalls returns how many Delete or DeleteMany calls were made.
func (s *MockStore) DeleteCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deleteCalls
}

var _ Store = (*MockStore)(nil)
