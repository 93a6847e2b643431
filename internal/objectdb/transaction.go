package objectdb

import (
	"sync"

	"github.com/dray-io/heapd/internal/heaperr"
	"github.com/dray-io/heapd/internal/object"
	"github.com/dray-io/heapd/internal/txn"
)

// Transaction is the unit of durable change: the states of the objects a
// client released together. It may be committed exactly once.
type Transaction struct {
	GlobalID txn.GlobalTransactionID

	mu        sync.Mutex
	objects   map[object.ID]*object.ManagedObject
	committed bool
}

// NewTransaction starts an empty transaction.
func NewTransaction(id txn.GlobalTransactionID) *Transaction {
	return &Transaction{GlobalID: id, objects: make(map[object.ID]*object.ManagedObject)}
}

// Add records a snapshot of obj. Adding the same ID twice keeps the last
// snapshot.
func (t *Transaction) Add(obj *object.ManagedObject) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.objects[obj.ID] = obj.Clone()
}

// Objects returns the snapshots in ID order.
func (t *Transaction) Objects() []*object.ManagedObject {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]object.ID, 0, len(t.objects))
	for id := range t.objects {
		ids = append(ids, id)
	}
	object.SortIDs(ids)
	out := make([]*object.ManagedObject, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.objects[id])
	}
	return out
}

// Len returns the number of objects in the transaction.
func (t *Transaction) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.objects)
}

// Committed reports whether the transaction has been committed.
func (t *Transaction) Committed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

// markCommitted flips the committed bit, failing if it was already set.
func (t *Transaction) markCommitted() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed {
		return heaperr.ErrAlreadyCommitted
	}
	t.committed = true
	return nil
}

// unmarkCommitted lets a transaction whose writes failed be committed again.
func (t *Transaction) unmarkCommitted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.committed = false
}
