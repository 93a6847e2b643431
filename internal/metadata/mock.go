package metadata

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MockStore implements MetadataStore in memory.
// It is exported so that tests in other packages can use it.
type MockStore struct {
	mu      sync.RWMutex
	data    map[string]KV
	closed  bool
	nextVer Version

	// PutHook, when set, runs before every Put and can fail it.
	PutHook func(key string) error
}

// NewMockStore creates an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		data:    make(map[string]KV),
		nextVer: 1,
	}
}

func (m *MockStore) Get(_ context.Context, key string) (GetResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return GetResult{}, ErrStoreClosed
	}
	kv, ok := m.data[key]
	if !ok {
		return GetResult{Exists: false}, nil
	}
	return GetResult{Value: kv.Value, Version: kv.Version, Exists: true}, nil
}

func (m *MockStore) Put(_ context.Context, key string, value []byte, opts ...PutOption) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	if m.PutHook != nil {
		if err := m.PutHook(key); err != nil {
			return 0, err
		}
	}

	if expected := ExtractExpectedVersion(opts); expected != nil {
		existing, ok := m.data[key]
		if !ok && *expected != 0 {
			return 0, ErrVersionMismatch
		}
		if ok && existing.Version != *expected {
			return 0, ErrVersionMismatch
		}
	}

	ver := m.nextVer
	m.nextVer++
	m.data[key] = KV{Key: key, Value: append([]byte(nil), value...), Version: ver}
	return ver, nil
}

func (m *MockStore) Delete(_ context.Context, key string, opts ...DeleteOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	existing, ok := m.data[key]
	if expected := ExtractDeleteExpectedVersion(opts); expected != nil {
		if !ok || existing.Version != *expected {
			return ErrVersionMismatch
		}
	}
	delete(m.data, key)
	return nil
}

func (m *MockStore) List(_ context.Context, startKey, endKey string, limit int) ([]KV, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	var out []KV
	for k, kv := range m.data {
		if endKey == "" {
			if !strings.HasPrefix(k, startKey) {
				continue
			}
		} else if k < startKey || k >= endKey {
			continue
		}
		out = append(out, kv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ MetadataStore = (*MockStore)(nil)
