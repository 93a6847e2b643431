// Package heaperr defines the error taxonomy shared by the object manager,
// the collector and the evictor.
//
// Transient conditions (an object that is not resident yet, an object that
// is checked out, a collection pause) are never reported as errors. They are
// normal control flow and surface as a pending lookup instead.
package heaperr

import (
	"errors"
	"fmt"

	"github.com/dray-io/heapd/internal/object"
)

var (
	// ErrNotFound is returned when an ObjectID does not exist in the registry
	// or the persistent store. It is distinct from "not yet resident".
	ErrNotFound = errors.New("heap: no such object")

	// ErrAlreadyReleased is returned on a second release of the same object.
	ErrAlreadyReleased = errors.New("heap: object already released")

	// ErrAlreadyCommitted is returned on a second commit of the same transaction.
	ErrAlreadyCommitted = errors.New("heap: transaction already committed")

	// ErrConcurrentCycle is returned when a collection cycle, or an eviction
	// cycle for the same map, is requested while one is already running.
	ErrConcurrentCycle = errors.New("heap: cycle already in progress")

	// ErrQuiescenceTimeout is returned when the object manager does not reach
	// a safe point within the configured bound. The cycle is abandoned.
	ErrQuiescenceTimeout = errors.New("heap: timed out waiting for quiescence")

	// ErrShuttingDown terminates pending lookups when the manager stops.
	ErrShuttingDown = errors.New("heap: object manager shutting down")

	// ErrRootExists is returned when a root name is already bound to a
	// different ObjectID.
	ErrRootExists = errors.New("heap: root already exists")

	// ErrNotEvictable is returned when eviction is requested for an object
	// that is not a clustered map.
	ErrNotEvictable = errors.New("heap: object is not an evictable map")
)

// ObjectError wraps an error with the object it concerns.
type ObjectError struct {
	Op  string    // Operation that failed (e.g., "lookup", "release")
	ID  object.ID // Object the operation was applied to
	Err error     // Underlying error
}

func (e *ObjectError) Error() string {
	return fmt.Sprintf("heap: %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *ObjectError) Unwrap() error {
	return e.Err
}

// FatalError marks a condition that makes continued operation unsafe, such
// as repeated failures to reach quiescence or store corruption. It should be
// propagated to the server, which shuts down in an orderly way.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return "heap: fatal: " + e.Reason
	}
	return fmt.Sprintf("heap: fatal: %s: %v", e.Reason, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err carries a FatalError anywhere in its chain.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
