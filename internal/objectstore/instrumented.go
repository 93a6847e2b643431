package objectstore

import (
	"context"
	"io"
	"time"
)

// MetricsRecorder records store operation metrics. metrics.StoreMetrics
// implements it; the indirection keeps this package free of Prometheus.
type MetricsRecorder interface {
	RecordPut(durationSeconds float64, success bool, bytes int64)
	RecordGet(durationSeconds float64, success bool, bytes int64)
	RecordDelete(durationSeconds float64, success bool)
	RecordList(durationSeconds float64, success bool)
}

// InstrumentedStore wraps a Store and records metrics for each operation.
type InstrumentedStore struct {
	store   Store
	metrics MetricsRecorder
}

// NewInstrumentedStore wraps store. A nil recorder disables recording.
func NewInstrumentedStore(store Store, metrics MetricsRecorder) *InstrumentedStore {
	return &InstrumentedStore{store: store, metrics: metrics}
}

func (s *InstrumentedStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	start := time.Now()
	err := s.store.Put(ctx, key, reader, size, contentType)
	if s.metrics != nil {
		s.metrics.RecordPut(time.Since(start).Seconds(), err == nil, size)
	}
	return err
}

func (s *InstrumentedStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := s.store.Get(ctx, key)
	if s.metrics == nil {
		return rc, err
	}
	if err != nil {
		s.metrics.RecordGet(time.Since(start).Seconds(), false, 0)
		return nil, err
	}
	return &countingReader{rc: rc, onClose: func(n int64) {
		s.metrics.RecordGet(time.Since(start).Seconds(), true, n)
	}}, nil
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.store.Delete(ctx, key)
	if s.metrics != nil {
		s.metrics.RecordDelete(time.Since(start).Seconds(), err == nil)
	}
	return err
}

func (s *InstrumentedStore) DeleteMany(ctx context.Context, keys []string) error {
	start := time.Now()
	err := s.store.DeleteMany(ctx, keys)
	if s.metrics != nil {
		s.metrics.RecordDelete(time.Since(start).Seconds(), err == nil)
	}
	return err
}

func (s *InstrumentedStore) List(ctx context.Context, prefix string) ([]ObjectMeta, error) {
	start := time.Now()
	out, err := s.store.List(ctx, prefix)
	if s.metrics != nil {
		s.metrics.RecordList(time.Since(start).Seconds(), err == nil)
	}
	return out, err
}

func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}

// countingReader reports the bytes read once the body is closed.
type countingReader struct {
	rc      io.ReadCloser
	n       int64
	onClose func(int64)
	closed  bool
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	r.n += int64(n)
	return n, err
}

func (r *countingReader) Close() error {
	err := r.rc.Close()
	if !r.closed {
		r.closed = true
		r.onClose(r.n)
	}
	return err
}

var _ Store = (*InstrumentedStore)(nil)
