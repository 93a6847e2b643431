package server

import (
	"context"
	"errors"
	"testing"

	"github.com/dray-io/heapd/internal/metadata"
	"github.com/dray-io/heapd/internal/metadata/keys"
	"github.com/dray-io/heapd/internal/objectstore"
)

func TestMetadataStoreChecker(t *testing.T) {
	store := metadata.NewMockStore()
	checker := NewMetadataStoreChecker(store)
	if checker.Name() != "metadata_store" {
		t.Errorf("unexpected name %q", checker.Name())
	}
	if err := checker.CheckReady(context.Background()); err != nil {
		t.Errorf("expected no error for healthy store, got: %v", err)
	}

	if _, err := store.Put(context.Background(), keys.HealthCheckKey, []byte("x")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := checker.CheckReady(context.Background()); err != nil {
		t.Errorf("expected no error when the key exists, got: %v", err)
	}
}

func TestMetadataStoreChecker_ClosedStore(t *testing.T) {
	store := metadata.NewMockStore()
	store.Close()

	err := NewMetadataStoreChecker(store).CheckReady(context.Background())
	if !errors.Is(err, metadata.ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed, got: %v", err)
	}
}

func TestMetadataStoreChecker_NilStore(t *testing.T) {
	if err := NewMetadataStoreChecker(nil).CheckReady(context.Background()); err == nil {
		t.Error("expected error for nil store")
	}
}

func TestObjectStoreChecker(t *testing.T) {
	store := objectstore.NewMockStore()
	checker := NewObjectStoreChecker(store)
	if checker.Name() != "object_store" {
		t.Errorf("unexpected name %q", checker.Name())
	}
	if err := checker.CheckReady(context.Background()); err != nil {
		t.Errorf("expected no error for healthy store, got: %v", err)
	}

	store.Close()
	err := checker.CheckReady(context.Background())
	if !errors.Is(err, objectstore.ErrClosed) {
		t.Errorf("expected ErrClosed, got: %v", err)
	}
}

func TestObjectStoreChecker_NilStore(t *testing.T) {
	if err := NewObjectStoreChecker(nil).CheckReady(context.Background()); err == nil {
		t.Error("expected error for nil store")
	}
}

func TestFuncChecker_NilFunc(t *testing.T) {
	checker := NewFuncChecker("noop", nil)
	if checker.Name() != "noop" {
		t.Errorf("unexpected name %q", checker.Name())
	}
	if err := checker.CheckReady(context.Background()); err != nil {
		t.Errorf("expected nil func to be ready, got: %v", err)
	}
}
