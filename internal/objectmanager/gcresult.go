package objectmanager

import (
	"context"
	"time"

	"github.com/dray-io/heapd/internal/object"
	"github.com/dray-io/heapd/internal/txn"
)

// Cycle kinds.
const (
	KindFull  = "full"
	KindYoung = "young"
)

// GCStats describes one collection cycle.
type GCStats struct {
	Iteration             uint64        `json:"iteration"`
	Kind                  string        `json:"kind"`
	CorrelationID         string        `json:"correlationId"`
	StartTime             time.Time     `json:"startTime"`
	ElapsedTime           time.Duration `json:"elapsedTime"`
	BeginObjectCount      int           `json:"beginObjectCount"`
	CandidateGarbageCount int           `json:"candidateGarbageCount"`
	ActualGarbageCount    int           `json:"actualGarbageCount"`
	RescuedCount          int           `json:"rescuedCount"`
}

// GCResultContext carries the outcome of the marking phase to the object
// manager. It is retired exactly once by NotifyGCComplete.
type GCResultContext struct {
	Iteration uint64
	// GCedObjectIDs are the candidates in ascending order. After retirement
	// it holds the objects that were actually removed.
	GCedObjectIDs []object.ID
	Info          GCStats

	retired bool
}

// Retired reports whether NotifyGCComplete has consumed the result.
func (r *GCResultContext) Retired() bool {
	return r.retired
}

// Snapshot is the view of the registry a collection cycle marks against.
// It is taken while lookups are paused and in-flight commits are drained.
type Snapshot struct {
	// AllIDs is every object known when the snapshot was taken.
	AllIDs object.IDSet
	// Roots are the objects bound to a root name.
	Roots object.IDSet
	// CheckedOut are objects leased to a lookup or being committed.
	CheckedOut object.IDSet
	// Pending are the objects wanted by lookups that have not resolved yet.
	Pending object.IDSet
	// PendingTxRefs are objects referenced by transactions at or above the
	// low-water mark.
	PendingTxRefs object.IDSet
	// Exempt are objects whose creating transaction is not yet stable.
	Exempt object.IDSet
	// Young are objects created since the previous snapshot.
	Young object.IDSet
	// References holds the outbound references of every indexed object as
	// of the snapshot. Objects missing here have not been read since start.
	References   map[object.ID][]object.ID
	LowWaterMark txn.GlobalTransactionID
}

// LiveSeeds returns every object the mark phase must treat as reachable
// regardless of the reference graph.
func (s *Snapshot) LiveSeeds() object.IDSet {
	seeds := s.Roots.Clone()
	seeds.AddAll(s.CheckedOut)
	seeds.AddAll(s.Pending)
	seeds.AddAll(s.PendingTxRefs)
	return seeds
}

// EventListener is notified when a collection cycle has been retired.
type EventListener interface {
	GarbageCollectionComplete(ctx context.Context, stats GCStats)
}

// EventListenerFunc adapts a function to EventListener.
type EventListenerFunc func(ctx context.Context, stats GCStats)

func (f EventListenerFunc) GarbageCollectionComplete(ctx context.Context, stats GCStats) {
	f(ctx, stats)
}
