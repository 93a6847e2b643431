package metadata

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStoreCAS(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()

	v1, err := s.Put(ctx, "/k", []byte("a"), WithExpectedVersion(0))
	require.NoError(t, err)

	_, err = s.Put(ctx, "/k", []byte("b"), WithExpectedVersion(0))
	assert.ErrorIs(t, err, ErrVersionMismatch, "create-only put on existing key")

	v2, err := s.Put(ctx, "/k", []byte("b"), WithExpectedVersion(v1))
	require.NoError(t, err)
	assert.Greater(t, v2, v1)

	_, err = s.Put(ctx, "/k", []byte("c"), WithExpectedVersion(v1))
	assert.ErrorIs(t, err, ErrVersionMismatch, "stale version")

	res, err := s.Get(ctx, "/k")
	require.NoError(t, err)
	assert.True(t, res.Exists)
	assert.Equal(t, "b", string(res.Value))
	assert.Equal(t, v2, res.Version)
}

func TestMockStoreDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()
	v, _ := s.Put(ctx, "/k", []byte("a"))

	assert.ErrorIs(t, s.Delete(ctx, "/k", WithDeleteExpectedVersion(v+1)), ErrVersionMismatch)
	require.NoError(t, s.Delete(ctx, "/k", WithDeleteExpectedVersion(v)))
	require.NoError(t, s.Delete(ctx, "/k"), "deleting a missing key succeeds")

	res, err := s.Get(ctx, "/k")
	require.NoError(t, err)
	assert.False(t, res.Exists)
}

func TestMockStoreListPrefixAndRange(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()
	for _, k := range []string{"/a/3", "/a/1", "/a/2", "/b/1"} {
		_, err := s.Put(ctx, k, nil)
		require.NoError(t, err)
	}

	kvs, err := s.List(ctx, "/a/", "", 0)
	require.NoError(t, err)
	require.Len(t, kvs, 3)
	assert.Equal(t, "/a/1", kvs[0].Key)

	kvs, err = s.List(ctx, "/a/2", "/b/1", 0)
	require.NoError(t, err)
	assert.Len(t, kvs, 2)

	kvs, err = s.List(ctx, "/a/", "", 1)
	require.NoError(t, err)
	assert.Len(t, kvs, 1)
}

func TestClosedMockStore(t *testing.T) {
	s := NewMockStore()
	require.NoError(t, s.Close())
	_, err := s.Get(context.Background(), "/k")
	assert.ErrorIs(t, err, ErrStoreClosed)
}

type opRecorder struct{ ops map[string]int }

func (r *opRecorder) RecordOperation(op string, _ float64, success bool) {
	if success {
		r.ops[op]++
	}
}

func TestInstrumentedStore(t *testing.T) {
	ctx := context.Background()
	rec := &opRecorder{ops: map[string]int{}}
	s := NewInstrumentedStore(NewMockStore(), rec)

	_, _ = s.Put(ctx, "/k", []byte("v"))
	_, _ = s.Get(ctx, "/k")
	_, _ = s.List(ctx, "/", "", 0)
	_ = s.Delete(ctx, "/k")

	assert.Equal(t, map[string]int{"put": 1, "get": 1, "list": 1, "delete": 1}, rec.ops)
}
