// Package objectstore defines the blob storage interface heapd persists
// managed objects into.
//
// Keys are slash separated paths. Deletes are idempotent so that a batch
// interrupted part way can simply be replayed:
//
//	store, err := s3.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	rc, err := store.Get(ctx, "objects/00000000000000000042")
//	if errors.Is(err, objectstore.ErrNotFound) {
//	    // the object was collected or never written
//	}
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Common errors returned by Store implementations.
var (
	// ErrNotFound is returned when the requested object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrBucketNotFound is returned when the configured bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrAccessDenied is returned when the credentials lack permission for the operation.
	ErrAccessDenied = errors.New("access denied")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("store is closed")
)

// ObjectError wraps an error with the object key for context.
type ObjectError struct {
	Op  string // Operation that failed (e.g., "Put", "Get", "Delete")
	Key string // Object key
	Err error  // Underlying error
}

func (e *ObjectError) Error() string {
	return fmt.Sprintf("objectstore: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *ObjectError) Unwrap() error {
	return e.Err
}

// ObjectMeta describes a stored blob.
type ObjectMeta struct {
	Key  string
	Size int64
	// LastModified is a Unix timestamp in milliseconds.
	LastModified int64
}

// Store is the interface for blob storage.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Put stores size bytes read from reader at key, replacing any
	// previous object.
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Get retrieves an object. The caller closes the returned reader.
	// Returns ErrNotFound (possibly wrapped) when the key is absent.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes an object. Deleting an absent key succeeds.
	Delete(ctx context.Context, key string) error

	// DeleteMany removes every key, in order. Absent keys are skipped.
	// On failure the keys before the failing one have been removed.
	DeleteMany(ctx context.Context, keys []string) error

	// List returns the objects under prefix in lexicographic key order.
	List(ctx context.Context, prefix string) ([]ObjectMeta, error)

	// Close releases resources. Later calls return ErrClosed.
	Close() error
}
