package objectmanager

import (
	"context"
	"errors"

	"github.com/dray-io/heapd/internal/heaperr"
	"github.com/dray-io/heapd/internal/logging"
	"github.com/dray-io/heapd/internal/metrics"
	"github.com/dray-io/heapd/internal/object"
)

var errNotResolved = errors.New("objectmanager: lookup not resolved")

// LookupContext is the response channel of one lookup. It is resolved
// exactly once, either with the checked-out objects or with an error.
type LookupContext struct {
	Requester    string
	IDs          []object.ID
	MaxReachable int

	m    *Manager
	seq  uint64
	done chan struct{}

	// Written under m.mu before done is closed.
	finished bool
	objects  map[object.ID]*object.ManagedObject
	err      error
}

// Done is closed once the lookup has been resolved.
func (lc *LookupContext) Done() <-chan struct{} {
	return lc.done
}

// Ready reports whether the lookup has been resolved.
func (lc *LookupContext) Ready() bool {
	select {
	case <-lc.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome of a resolved lookup. The map holds the
// requested objects plus any prefetched ones; every one of them is checked
// out to the caller and must be released.
func (lc *LookupContext) Result() (map[object.ID]*object.ManagedObject, error) {
	if !lc.Ready() {
		return nil, errNotResolved
	}
	return lc.objects, lc.err
}

// Wait blocks until the lookup is resolved or ctx is done. A lookup
// abandoned through ctx is withdrawn from its queue and resolved with the
// context error, unless it was resolved first.
func (lc *LookupContext) Wait(ctx context.Context) (map[object.ID]*object.ManagedObject, error) {
	select {
	case <-lc.done:
	case <-ctx.Done():
		lc.m.cancelLookup(lc, ctx.Err())
		<-lc.done
	}
	return lc.objects, lc.err
}

// Lookup checks out ids, plus up to maxReachable objects reachable from
// them, to requester.
//
// Lookup never waits. When every requested object is resident and free the
// lookup resolves immediately and ready is true. Otherwise the lookup is
// parked until the objects are faulted in, released by their holder or the
// collection pause ends, and resolved through the returned context. An ID
// the registry has never heard of fails immediately with ErrNotFound.
func (m *Manager) Lookup(ctx context.Context, requester string, ids []object.ID, maxReachable int) (*LookupContext, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, false, heaperr.ErrShuttingDown
	}

	want := make([]object.ID, 0, len(ids))
	seen := object.NewIDSet()
	for _, id := range ids {
		if seen.Contains(id) {
			continue
		}
		if !m.allIDs.Contains(id) {
			m.recordLookup(metrics.LookupNotFound)
			return nil, false, &heaperr.ObjectError{Op: "lookup", ID: id, Err: heaperr.ErrNotFound}
		}
		seen.Add(id)
		want = append(want, id)
	}

	if maxReachable > m.config.MaxReachablePrefetch {
		maxReachable = m.config.MaxReachablePrefetch
	}
	if maxReachable < 0 {
		maxReachable = 0
	}

	m.seq++
	lc := &LookupContext{
		Requester:    requester,
		IDs:          want,
		MaxReachable: maxReachable,
		m:            m,
		seq:          m.seq,
		done:         make(chan struct{}),
	}

	if m.tryResolve(lc) {
		m.recordLookup(metrics.LookupReady)
		return lc, true, nil
	}
	m.recordLookup(metrics.LookupPending)
	logging.FromCtx(ctx, m.logger).Debugf("lookup pending", map[string]any{
		"requester": requester,
		"objects":   len(want),
	})
	return lc, false, nil
}

// tryResolve resolves lc if every requested object can be checked out now,
// or parks it on the first obstacle. Objects are only checked out once all
// of them are available, so a parked lookup holds nothing. Caller holds
// m.mu.
func (m *Manager) tryResolve(lc *LookupContext) bool {
	if m.pauseRequested {
		m.pauseQueue = append(m.pauseQueue, lc)
		if m.gcActive {
			for _, id := range lc.IDs {
				m.changed.Add(id)
			}
		}
		return false
	}

	for _, id := range lc.IDs {
		if !m.allIDs.Contains(id) {
			m.finish(lc, nil, &heaperr.ObjectError{Op: "lookup", ID: id, Err: heaperr.ErrNotFound})
			return false
		}
		ref, ok := m.resident[id]
		if !ok {
			m.block(id, lc)
			m.startFault(id)
			return false
		}
		if ref.checkedOut || ref.committing {
			m.block(id, lc)
			return false
		}
	}

	objects := make(map[object.ID]*object.ManagedObject, len(lc.IDs))
	for _, id := range lc.IDs {
		m.checkOut(m.resident[id])
		objects[id] = m.resident[id].obj
	}
	m.prefetch(lc, objects)
	m.finish(lc, objects, nil)
	return true
}

// prefetch checks out up to lc.MaxReachable further objects, breadth first
// along references from the requested ones. Objects that are not resident
// or not free are skipped. Caller holds m.mu.
func (m *Manager) prefetch(lc *LookupContext, objects map[object.ID]*object.ManagedObject) {
	if lc.MaxReachable <= 0 {
		return
	}
	visited := object.NewIDSet(lc.IDs...)
	queue := append([]object.ID(nil), lc.IDs...)
	added := 0
	for len(queue) > 0 && added < lc.MaxReachable {
		id := queue[0]
		queue = queue[1:]
		for _, next := range m.refIndex[id] {
			if added >= lc.MaxReachable {
				break
			}
			if visited.Contains(next) {
				continue
			}
			visited.Add(next)
			ref, ok := m.resident[next]
			if !ok || ref.checkedOut || ref.committing {
				continue
			}
			m.checkOut(ref)
			objects[next] = ref.obj
			queue = append(queue, next)
			added++
		}
	}
}

func (m *Manager) checkOut(ref *Reference) {
	ref.checkedOut = true
	m.cache.touch(ref)
}

// block parks lc behind id. Caller holds m.mu.
func (m *Manager) block(id object.ID, lc *LookupContext) {
	m.blocked[id] = append(m.blocked[id], lc)
}

// resume re-runs every lookup parked on id in the order they were parked.
// Caller holds m.mu.
func (m *Manager) resume(id object.ID) {
	queue := m.blocked[id]
	if len(queue) == 0 {
		return
	}
	delete(m.blocked, id)
	for _, lc := range queue {
		if !lc.finished {
			m.tryResolve(lc)
		}
	}
}

// finish resolves lc once. Caller holds m.mu.
func (m *Manager) finish(lc *LookupContext, objects map[object.ID]*object.ManagedObject, err error) bool {
	if lc.finished {
		return false
	}
	lc.finished = true
	lc.objects = objects
	lc.err = err
	close(lc.done)
	if err != nil {
		m.recordLookup(metrics.LookupFailed)
	}
	return true
}

// cancelLookup withdraws lc from whichever queue holds it.
func (m *Manager) cancelLookup(lc *LookupContext, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lc.finished {
		return
	}
	for id, queue := range m.blocked {
		if q := without(queue, lc); len(q) != len(queue) {
			if len(q) == 0 {
				delete(m.blocked, id)
			} else {
				m.blocked[id] = q
			}
			break
		}
	}
	m.pauseQueue = without(m.pauseQueue, lc)
	m.finish(lc, nil, err)
}

func without(queue []*LookupContext, lc *LookupContext) []*LookupContext {
	for i, q := range queue {
		if q == lc {
			return append(queue[:i:i], queue[i+1:]...)
		}
	}
	return queue
}

// startFault loads id from the object store in the background unless a
// load is already in flight. Caller holds m.mu.
func (m *Manager) startFault(id object.ID) {
	if m.faulting.Contains(id) {
		return
	}
	m.faulting.Add(id)
	m.faults.Add(1)
	go func() {
		defer m.faults.Done()
		obj, err := m.store.LoadObjectByID(m.faultCtx, id)

		m.mu.Lock()
		defer m.mu.Unlock()
		m.faulting.Remove(id)
		if m.stopped {
			return
		}
		if err != nil {
			m.failBlocked(id, err)
			return
		}
		if _, ok := m.resident[id]; !ok && m.allIDs.Contains(id) {
			m.addResident(obj, false)
		}
		m.resume(id)
		m.evictIfNeeded()
	}()
}

// failBlocked terminates every lookup parked on id. An object the store
// no longer has is forgotten. Caller holds m.mu.
func (m *Manager) failBlocked(id object.ID, err error) {
	if isNotFound(err) {
		m.forget(id)
		err = &heaperr.ObjectError{Op: "lookup", ID: id, Err: heaperr.ErrNotFound}
	} else {
		m.logger.Errorf("fault-in failed", map[string]any{"id": id.String(), "error": err.Error()})
		err = &heaperr.ObjectError{Op: "fault-in", ID: id, Err: err}
	}
	queue := m.blocked[id]
	delete(m.blocked, id)
	for _, lc := range queue {
		m.finish(lc, nil, err)
	}
}

// AddFaultedObject registers obj as resident on behalf of a client that
// faulted it in. With removeOnRelease the object leaves memory again on its
// next release. Returns false when the object was already resident.
func (m *Manager) AddFaultedObject(obj *object.ManagedObject, removeOnRelease bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return false
	}
	if _, ok := m.resident[obj.ID]; ok {
		return false
	}
	m.addResident(obj, removeOnRelease)
	m.resume(obj.ID)
	m.evictIfNeeded()
	return true
}
