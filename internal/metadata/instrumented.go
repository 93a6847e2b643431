package metadata

import (
	"context"
	"time"
)

// MetricsRecorder records metadata operation metrics. metrics.StoreMetrics
// implements it.
type MetricsRecorder interface {
	RecordOperation(operation string, durationSeconds float64, success bool)
}

// InstrumentedStore wraps a MetadataStore and records metrics for each operation.
type InstrumentedStore struct {
	store   MetadataStore
	metrics MetricsRecorder
}

// NewInstrumentedStore wraps store. A nil recorder disables recording.
func NewInstrumentedStore(store MetadataStore, metrics MetricsRecorder) *InstrumentedStore {
	return &InstrumentedStore{store: store, metrics: metrics}
}

func (s *InstrumentedStore) record(op string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordOperation(op, time.Since(start).Seconds(), err == nil)
	}
}

func (s *InstrumentedStore) Get(ctx context.Context, key string) (GetResult, error) {
	start := time.Now()
	result, err := s.store.Get(ctx, key)
	s.record("get", start, err)
	return result, err
}

func (s *InstrumentedStore) Put(ctx context.Context, key string, value []byte, opts ...PutOption) (Version, error) {
	start := time.Now()
	v, err := s.store.Put(ctx, key, value, opts...)
	s.record("put", start, err)
	return v, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string, opts ...DeleteOption) error {
	start := time.Now()
	err := s.store.Delete(ctx, key, opts...)
	s.record("delete", start, err)
	return err
}

func (s *InstrumentedStore) List(ctx context.Context, startKey, endKey string, limit int) ([]KV, error) {
	start := time.Now()
	kvs, err := s.store.List(ctx, startKey, endKey, limit)
	s.record("list", start, err)
	return kvs, err
}

func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}

var _ MetadataStore = (*InstrumentedStore)(nil)
