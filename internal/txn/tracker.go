// Package txn tracks global transactions and exposes the low-water mark the
// collector uses to decide which transaction effects are stable.
package txn

import (
	"sync"
)

// GlobalTransactionID orders transactions cluster-wide. Zero is unset.
type GlobalTransactionID uint64

// NullID is the zero transaction ID.
const NullID GlobalTransactionID = 0

// LowWaterMarkProvider reports the lowest transaction ID whose effects are
// not yet confirmed everywhere. Everything strictly below the mark is
// durable cluster-wide and can no longer be resent or replayed.
type LowWaterMarkProvider interface {
	LowGlobalTransactionIDWatermark() GlobalTransactionID
}

// Tracker assigns transaction IDs and tracks which are still in flight.
// It is the in-process LowWaterMarkProvider.
type Tracker struct {
	mu       sync.Mutex
	next     GlobalTransactionID
	inFlight map[GlobalTransactionID]struct{}
}

// NewTracker creates a tracker whose first transaction is 1.
func NewTracker() *Tracker {
	return &Tracker{
		next:     1,
		inFlight: make(map[GlobalTransactionID]struct{}),
	}
}

// Begin starts a transaction and returns its ID.
func (t *Tracker) Begin() GlobalTransactionID {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.next
	t.next++
	t.inFlight[id] = struct{}{}
	return id
}

// Complete marks id as confirmed cluster-wide. Completing an unknown or
// already completed transaction is a no-op.
func (t *Tracker) Complete(id GlobalTransactionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inFlight, id)
}

// InFlight returns the number of transactions not yet completed.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inFlight)
}

// LowGlobalTransactionIDWatermark returns the smallest in-flight ID, or the
// next ID to be assigned when nothing is in flight.
func (t *Tracker) LowGlobalTransactionIDWatermark() GlobalTransactionID {
	t.mu.Lock()
	defer t.mu.Unlock()
	low := t.next
	for id := range t.inFlight {
		if id < low {
			low = id
		}
	}
	return low
}

// Stable reports whether the effects of id are below the watermark.
func Stable(p LowWaterMarkProvider, id GlobalTransactionID) bool {
	if id == NullID {
		return true
	}
	return id < p.LowGlobalTransactionIDWatermark()
}

var _ LowWaterMarkProvider = (*Tracker)(nil)
