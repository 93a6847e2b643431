package objectmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dray-io/heapd/internal/heaperr"
	"github.com/dray-io/heapd/internal/logging"
	"github.com/dray-io/heapd/internal/metadata/keys"
	"github.com/dray-io/heapd/internal/object"
	"github.com/dray-io/heapd/internal/txn"
)

// RequestGCPause stops lookups from being granted. Lookups submitted from
// now on are queued until the cycle is retired or cancelled. Commits that
// are already running are allowed to finish.
func (m *Manager) RequestGCPause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pauseRequested = true
}

// WaitUntilReadyToGC blocks until no commit is in flight, then marks the
// cycle active. If that takes longer than the quiescence timeout, the
// pause is cancelled and ErrQuiescenceTimeout is returned.
func (m *Manager) WaitUntilReadyToGC(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, m.config.QuiescenceTimeout)
	defer cancel()
	stop := context.AfterFunc(waitCtx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	for m.inFlightCommits > 0 && waitCtx.Err() == nil && !m.stopped {
		m.cond.Wait()
	}
	if m.stopped {
		m.mu.Unlock()
		return heaperr.ErrShuttingDown
	}
	if m.inFlightCommits > 0 {
		inFlight := m.inFlightCommits
		m.mu.Unlock()
		m.CancelGCPause()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%d commits still in flight: %w", inFlight, heaperr.ErrQuiescenceTimeout)
	}
	m.pauseRequested = true
	m.gcActive = true
	m.changed = object.NewIDSet()
	m.mu.Unlock()
	return nil
}

// CancelGCPause abandons the current cycle and resumes queued lookups.
func (m *Manager) CancelGCPause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.youngAtSnapshot != nil {
		m.young.AddAll(m.youngAtSnapshot)
		m.youngAtSnapshot = nil
	}
	m.unpause()
}

// unpause clears the pause and resumes queued lookups in submission order.
// Caller holds m.mu.
func (m *Manager) unpause() {
	m.pauseRequested = false
	m.gcActive = false
	m.changed = nil
	queue := m.pauseQueue
	m.pauseQueue = nil
	sort.Slice(queue, func(i, j int) bool { return queue[i].seq < queue[j].seq })
	for _, lc := range queue {
		if !lc.finished {
			m.tryResolve(lc)
		}
	}
}

// GCSnapshot captures the registry for marking. It must be called between
// a successful WaitUntilReadyToGC and NotifyGCComplete or CancelGCPause.
func (m *Manager) GCSnapshot() *Snapshot {
	low := m.lwm.LowGlobalTransactionIDWatermark()

	m.mu.Lock()
	defer m.mu.Unlock()

	for gtx := range m.txRefs {
		if gtx < low {
			delete(m.txRefs, gtx)
		}
	}
	for id, gtx := range m.creating {
		if gtx < low {
			delete(m.creating, id)
		}
	}

	s := &Snapshot{
		AllIDs:        m.allIDs.Clone(),
		Roots:         m.rootIDs.Clone(),
		CheckedOut:    object.NewIDSet(),
		Pending:       m.pendingIDs(),
		PendingTxRefs: object.NewIDSet(),
		Exempt:        object.NewIDSet(),
		Young:         m.young,
		References:    make(map[object.ID][]object.ID, len(m.refIndex)),
		LowWaterMark:  low,
	}
	// Index slices are replaced on update, never mutated, so sharing them
	// is safe.
	for id, refs := range m.refIndex {
		s.References[id] = refs
	}
	for id, ref := range m.resident {
		if ref.checkedOut || ref.committing {
			s.CheckedOut.Add(id)
		}
		if ref.obj.IsNew {
			s.Exempt.Add(id)
		}
	}
	for _, refs := range m.txRefs {
		s.PendingTxRefs.AddAll(refs)
	}
	for id := range m.creating {
		s.Exempt.Add(id)
	}
	for id := range m.pendingRoots {
		s.Roots.Add(id)
	}
	m.youngAtSnapshot = m.young
	m.young = object.NewIDSet()
	return s
}

// pendingIDs returns the objects wanted by unresolved lookups. Caller
// holds m.mu.
func (m *Manager) pendingIDs() object.IDSet {
	ids := object.NewIDSet()
	for _, queue := range m.blocked {
		for _, lc := range queue {
			for _, id := range lc.IDs {
				ids.Add(id)
			}
		}
	}
	for _, lc := range m.pauseQueue {
		for _, id := range lc.IDs {
			ids.Add(id)
		}
	}
	return ids
}

// ReferencesOf returns the outbound references of id. The in-memory index
// is consulted first; an object whose state has never been seen is read
// from the object store without becoming resident. ok is false when the
// object does not exist.
func (m *Manager) ReferencesOf(ctx context.Context, id object.ID) ([]object.ID, bool, error) {
	m.mu.Lock()
	refs, indexed := m.refIndex[id]
	known := m.allIDs.Contains(id)
	m.mu.Unlock()
	if indexed {
		return refs, true, nil
	}
	if !known {
		return nil, false, nil
	}

	obj, err := m.store.LoadObjectByID(ctx, id)
	if isNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if refs, ok := m.refIndex[id]; ok {
		return refs, true, nil
	}
	if m.allIDs.Contains(id) {
		m.index(obj)
	}
	return obj.References(), true, nil
}

// NotifyGCComplete retires a collection cycle. Under the registry lock it
// runs the rescue phase, which spares every candidate reachable from an
// object that was released, looked up, checked out or made a root since
// the snapshot, then removes the remaining candidates from the registry
// and lifts the pause. The removed objects are then deleted from the
// object store in ID order, guarded by a pending-delete marker so an
// interrupted deletion is replayed on the next start.
func (m *Manager) NotifyGCComplete(ctx context.Context, result *GCResultContext) error {
	log := logging.FromCtx(ctx, m.logger)

	m.mu.Lock()
	if result.retired {
		m.mu.Unlock()
		return fmt.Errorf("retire cycle %d: %w", result.Iteration, heaperr.ErrAlreadyCommitted)
	}
	result.retired = true

	candidates := object.NewIDSet(result.GCedObjectIDs...)
	rescued := m.rescue(candidates)
	for id := range candidates {
		m.forget(id)
	}
	deleted := candidates.Sorted()
	m.youngAtSnapshot = nil
	m.unpause()
	listeners := append([]EventListener(nil), m.listeners...)
	m.mu.Unlock()

	result.GCedObjectIDs = deleted
	result.Info.ActualGarbageCount = len(deleted)
	result.Info.RescuedCount = rescued

	if rescued > 0 {
		log.Infof("rescued objects touched during the cycle", map[string]any{
			"iteration": result.Iteration,
			"rescued":   rescued,
		})
	}

	if err := m.deleteGarbage(ctx, result.Iteration, deleted); err != nil {
		return err
	}

	for _, l := range listeners {
		l.GarbageCollectionComplete(ctx, result.Info)
	}
	return nil
}

// rescue removes from candidates everything reachable from objects that
// changed hands since the snapshot. State still being committed counts as
// reachable. Caller holds m.mu.
func (m *Manager) rescue(candidates object.IDSet) int {
	seeds := m.rootIDs.Clone()
	for id := range m.pendingRoots {
		seeds.Add(id)
	}
	seeds.AddAll(m.changed)
	seeds.AddAll(m.pendingIDs())
	for id, ref := range m.resident {
		if ref.checkedOut || ref.committing || ref.obj.IsNew {
			seeds.Add(id)
		}
	}
	for _, refs := range m.txRefs {
		seeds.AddAll(refs)
	}
	for id, gtx := range m.creating {
		if !txn.Stable(m.lwm, gtx) {
			seeds.Add(id)
		}
	}

	rescued := 0
	var queue []object.ID
	visit := func(id object.ID) {
		if candidates.Contains(id) {
			candidates.Remove(id)
			rescued++
			queue = append(queue, id)
		}
	}
	for id := range seeds {
		visit(id)
		m.visitReferences(id, visit)
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		m.visitReferences(id, visit)
	}
	return rescued
}

// visitReferences calls visit for the indexed references of id and, while
// id is being committed, for the references of the state being written.
// Caller holds m.mu.
func (m *Manager) visitReferences(id object.ID, visit func(object.ID)) {
	for _, r := range m.refIndex[id] {
		visit(r)
	}
	if ref, ok := m.resident[id]; ok && ref.committing {
		for _, r := range ref.obj.References() {
			visit(r)
		}
	}
}

// deleteGarbage removes ids from the object store in batches.
func (m *Manager) deleteGarbage(ctx context.Context, iteration uint64, ids []object.ID) error {
	if len(ids) == 0 {
		return nil
	}
	markerKey := keys.PendingDeleteKey(iteration)
	marker, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode pending delete marker: %w", err)
	}
	if _, err := m.meta.Put(ctx, markerKey, marker); err != nil {
		return fmt.Errorf("write pending delete marker: %w", err)
	}
	if err := m.deleteBatches(ctx, ids); err != nil {
		return fmt.Errorf("delete garbage of cycle %d: %w", iteration, err)
	}
	if err := m.meta.Delete(ctx, markerKey); err != nil {
		return fmt.Errorf("clear pending delete marker: %w", err)
	}
	return nil
}

func (m *Manager) deleteBatches(ctx context.Context, ids []object.ID) error {
	for start := 0; start < len(ids); start += m.config.DeleteBatchSize {
		end := start + m.config.DeleteBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		b := retry.WithMaxRetries(5, retry.NewFibonacci(100*time.Millisecond))
		err := retry.Do(ctx, b, func(ctx context.Context) error {
			if err := m.store.DeleteObjects(ctx, batch); err != nil {
				m.logger.Warnf("garbage delete batch failed, retrying", map[string]any{
					"first": batch[0].String(),
					"count": len(batch),
					"error": err.Error(),
				})
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ReplayPendingDeletes finishes the deletions of cycles whose marker is
// still present. Deletion is idempotent, so a marker is simply replayed in
// full.
func (m *Manager) ReplayPendingDeletes(ctx context.Context) error {
	kvs, err := m.meta.List(ctx, keys.PendingDeletesPrefix, "", 0)
	if err != nil {
		return fmt.Errorf("list pending delete markers: %w", err)
	}
	for _, kv := range kvs {
		iteration, err := keys.ParsePendingDeleteKey(kv.Key)
		if err != nil {
			m.logger.Warnf("skipping malformed pending delete marker", map[string]any{"key": kv.Key})
			continue
		}
		var ids []object.ID
		if err := json.Unmarshal(kv.Value, &ids); err != nil {
			return fmt.Errorf("decode pending delete marker %d: %w", iteration, err)
		}

		m.mu.Lock()
		for _, id := range ids {
			m.forget(id)
		}
		m.mu.Unlock()

		if err := m.deleteBatches(ctx, ids); err != nil {
			return fmt.Errorf("replay cycle %d: %w", iteration, err)
		}
		if err := m.meta.Delete(ctx, kv.Key); err != nil {
			return fmt.Errorf("clear pending delete marker %d: %w", iteration, err)
		}
		m.logger.Infof("replayed pending deletes", map[string]any{
			"iteration": iteration,
			"objects":   len(ids),
		})
	}
	return nil
}
