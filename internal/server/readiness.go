package server

import (
	"context"
	"errors"

	"github.com/dray-io/heapd/internal/metadata"
	"github.com/dray-io/heapd/internal/metadata/keys"
	"github.com/dray-io/heapd/internal/objectstore"
)

// MetadataStoreChecker reports ready when a Get on a key that never exists
// comes back with ErrKeyNotFound.
type MetadataStoreChecker struct {
	store metadata.MetadataStore
}

// NewMetadataStoreChecker creates a new MetadataStoreChecker.
func NewMetadataStoreChecker(store metadata.MetadataStore) *MetadataStoreChecker {
	return &MetadataStoreChecker{store: store}
}

func (c *MetadataStoreChecker) Name() string {
	return "metadata_store"
}

func (c *MetadataStoreChecker) CheckReady(ctx context.Context) error {
	if c.store == nil {
		return errors.New("metadata store not configured")
	}
	_, err := c.store.Get(ctx, keys.HealthCheckKey)
	if err != nil && !errors.Is(err, metadata.ErrKeyNotFound) {
		return err
	}
	return nil
}

// ObjectStoreChecker reports ready when the blob store answers a List on a
// prefix that holds nothing.
type ObjectStoreChecker struct {
	store objectstore.Store
}

// NewObjectStoreChecker creates a new ObjectStoreChecker.
func NewObjectStoreChecker(store objectstore.Store) *ObjectStoreChecker {
	return &ObjectStoreChecker{store: store}
}

func (c *ObjectStoreChecker) Name() string {
	return "object_store"
}

func (c *ObjectStoreChecker) CheckReady(ctx context.Context) error {
	if c.store == nil {
		return errors.New("object store not configured")
	}
	_, err := c.store.List(ctx, "health-check/")
	if err != nil && !errors.Is(err, objectstore.ErrNotFound) {
		return err
	}
	return nil
}

// FuncChecker wraps a function as a ReadinessChecker.
type FuncChecker struct {
	name  string
	check func(context.Context) error
}

// NewFuncChecker creates a new FuncChecker with the given name and check function.
func NewFuncChecker(name string, check func(context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, check: check}
}

func (c *FuncChecker) Name() string {
	return c.name
}

func (c *FuncChecker) CheckReady(ctx context.Context) error {
	if c.check == nil {
		return nil
	}
	return c.check(ctx)
}
