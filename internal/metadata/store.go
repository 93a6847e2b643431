// Package metadata defines the MetadataStore interface heapd keeps its
// small durable records in: named roots, the object ID sequence and
// pending-delete markers of collection cycles. The production
// implementation uses Oxia; MockStore serves tests and single-node runs.
package metadata

import (
	"context"
	"errors"
)

// Common errors returned by MetadataStore operations.
var (
	// ErrKeyNotFound is returned when a key does not exist.
	ErrKeyNotFound = errors.New("metadata: key not found")

	// ErrVersionMismatch is returned when the expected version does not match
	// the current version during a CAS (compare-and-set) operation.
	ErrVersionMismatch = errors.New("metadata: version mismatch")

	// ErrStoreClosed is returned when operations are attempted on a closed store.
	ErrStoreClosed = errors.New("metadata: store closed")
)

// Version is a key's version. Zero means the key has never been written;
// versions are assigned by the store on each write.
type Version int64

// NoVersion is a sentinel value indicating no version constraint.
const NoVersion Version = -1

// KV represents a key-value pair with its version.
type KV struct {
	Key     string
	Value   []byte
	Version Version
}

// GetResult is the result of a Get operation.
type GetResult struct {
	Value   []byte
	Version Version
	Exists  bool
}

// PutOption configures a Put operation.
type PutOption func(*putOptions)

type putOptions struct {
	expectedVersion *Version
}

// WithExpectedVersion makes Put a compare-and-set: it fails with
// ErrVersionMismatch unless the key is at v. Version 0 means the key
// must not exist.
func WithExpectedVersion(v Version) PutOption {
	return func(o *putOptions) {
		o.expectedVersion = &v
	}
}

// DeleteOption configures a Delete operation.
type DeleteOption func(*deleteOptions)

type deleteOptions struct {
	expectedVersion *Version
}

// WithDeleteExpectedVersion makes Delete conditional on the key's version.
func WithDeleteExpectedVersion(v Version) DeleteOption {
	return func(o *deleteOptions) {
		o.expectedVersion = &v
	}
}

// ExtractExpectedVersion returns the expected version set by opts, or nil.
func ExtractExpectedVersion(opts []PutOption) *Version {
	var o putOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.expectedVersion
}

// ExtractDeleteExpectedVersion returns the expected version set by opts, or nil.
func ExtractDeleteExpectedVersion(opts []DeleteOption) *Version {
	var o deleteOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.expectedVersion
}

// MetadataStore is the interface for metadata storage operations.
//
// All operations accept a context.Context for cancellation and timeouts.
type MetadataStore interface {
	// Get retrieves a value by key. A missing key yields Exists=false,
	// not an error.
	Get(ctx context.Context, key string) (GetResult, error)

	// Put stores a value and returns its new version. Use
	// WithExpectedVersion for compare-and-set.
	Put(ctx context.Context, key string, value []byte, opts ...PutOption) (Version, error)

	// Delete removes a key. Deleting a missing key succeeds.
	Delete(ctx context.Context, key string, opts ...DeleteOption) error

	// List returns keys in [startKey, endKey) in lexicographic order. An
	// empty endKey lists every key with the prefix startKey. A limit of
	// zero or less returns all matches.
	List(ctx context.Context, startKey, endKey string, limit int) ([]KV, error)

	// Close releases resources held by the store.
	Close() error
}
