package objectmanager

import (
	"context"
	"errors"
	"fmt"

	"github.com/dray-io/heapd/internal/heaperr"
	"github.com/dray-io/heapd/internal/logging"
	"github.com/dray-io/heapd/internal/metadata"
	"github.com/dray-io/heapd/internal/metadata/keys"
	"github.com/dray-io/heapd/internal/object"
	"github.com/dray-io/heapd/internal/objectdb"
	"github.com/dray-io/heapd/internal/txn"
)

// Release commits obj under transaction gtx and returns it to the registry.
func (m *Manager) Release(ctx context.Context, gtx txn.GlobalTransactionID, obj *object.ManagedObject) error {
	return m.ReleaseAll(ctx, gtx, []*object.ManagedObject{obj})
}

// ReleaseAll commits objs as one transaction and returns them to the
// registry. Every object must be checked out; releasing an object that is
// not fails with ErrAlreadyReleased and releases nothing.
//
// The commit runs outside the registry lock. Its effects become visible to
// lookups and to the collector atomically once it has succeeded. On a
// failed commit the objects stay checked out and the release can be
// retried.
func (m *Manager) ReleaseAll(ctx context.Context, gtx txn.GlobalTransactionID, objs []*object.ManagedObject) error {
	if len(objs) == 0 {
		return nil
	}
	log := logging.FromCtx(ctx, m.logger)

	m.mu.Lock()
	refs := make([]*Reference, 0, len(objs))
	seen := object.NewIDSet()
	for _, obj := range objs {
		ref, ok := m.resident[obj.ID]
		if !ok || !ref.checkedOut || ref.committing || seen.Contains(obj.ID) {
			m.mu.Unlock()
			log.Errorf("release of an object that is not checked out", map[string]any{
				"id":  obj.ID.String(),
				"gtx": uint64(gtx),
			})
			return &heaperr.ObjectError{Op: "release", ID: obj.ID, Err: heaperr.ErrAlreadyReleased}
		}
		seen.Add(obj.ID)
		refs = append(refs, ref)
	}

	tx := objectdb.NewTransaction(gtx)
	for i, ref := range refs {
		ref.committing = true
		if ref.obj != objs[i] {
			ref.obj = objs[i]
		}
		ref.obj.Version++
		ref.obj.Dirty = true
		tx.Add(ref.obj)
	}
	m.inFlightCommits++
	m.mu.Unlock()

	err := m.store.Commit(ctx, tx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlightCommits--
	defer m.cond.Broadcast()

	if err != nil {
		for _, ref := range refs {
			ref.committing = false
			ref.obj.Version--
			ref.obj.Dirty = false
		}
		log.Warnf("commit failed", map[string]any{"gtx": uint64(gtx), "objects": len(refs), "error": err.Error()})
		return fmt.Errorf("commit transaction %d: %w", gtx, err)
	}

	stable := txn.Stable(m.lwm, gtx)
	var written object.IDSet
	if !stable {
		written = m.txRefs[gtx]
		if written == nil {
			written = object.NewIDSet()
			m.txRefs[gtx] = written
		}
	}
	for _, ref := range refs {
		obj := ref.obj
		obj.Dirty = false
		obj.IsNew = false
		ref.committing = false
		ref.checkedOut = false
		m.index(obj)
		if written != nil {
			for _, r := range m.refIndex[obj.ID] {
				written.Add(r)
			}
		}
		if m.gcActive {
			m.changed.Add(obj.ID)
		}
		if ref.removeOnRelease {
			m.dropResident(obj.ID)
		}
	}
	for _, ref := range refs {
		m.resume(ref.obj.ID)
	}
	m.evictIfNeeded()
	return nil
}

// CreateNewObjects registers fresh objects for ids, checked out to the
// caller and exempt from collection until gtx is stable. The caller fills
// in their state and releases them.
func (m *Manager) CreateNewObjects(ctx context.Context, gtx txn.GlobalTransactionID, ids []object.ID) ([]*object.ManagedObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, heaperr.ErrShuttingDown
	}
	for _, id := range ids {
		if id.IsNull() {
			return nil, fmt.Errorf("create object: null id")
		}
		if m.allIDs.Contains(id) {
			return nil, fmt.Errorf("create object %s: id already in use", id)
		}
	}
	out := make([]*object.ManagedObject, 0, len(ids))
	for _, id := range ids {
		obj := object.New(id)
		ref := m.addResident(obj, false)
		ref.checkedOut = true
		m.creating[id] = gtx
		m.young.Add(id)
		out = append(out, obj)
	}
	logging.FromCtx(ctx, m.logger).Debugf("created objects", map[string]any{"count": len(ids), "gtx": uint64(gtx)})
	return out, nil
}

// NextObjectIDs reserves n fresh object IDs.
func (m *Manager) NextObjectIDs(ctx context.Context, n int) ([]object.ID, error) {
	return m.ids.take(ctx, n)
}

// CreateRoot binds name to id. Binding a name to the ID it already has is a
// no-op; binding it to a different ID fails with ErrRootExists.
func (m *Manager) CreateRoot(ctx context.Context, name string, id object.ID) error {
	key, err := keys.RootKey(name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if existing, ok := m.roots[name]; ok {
		m.mu.Unlock()
		if existing == id {
			return nil
		}
		return fmt.Errorf("root %q bound to %s: %w", name, existing, heaperr.ErrRootExists)
	}
	if !m.allIDs.Contains(id) {
		m.mu.Unlock()
		return &heaperr.ObjectError{Op: "create root", ID: id, Err: heaperr.ErrNotFound}
	}
	// id counts as a root while the binding is persisted.
	m.pendingRoots[id]++
	m.mu.Unlock()

	err = m.persistRoot(ctx, key, name, id)

	m.mu.Lock()
	if m.pendingRoots[id]--; m.pendingRoots[id] <= 0 {
		delete(m.pendingRoots, id)
	}
	if err == nil {
		m.roots[name] = id
		m.rootIDs.Add(id)
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}

	logging.FromCtx(ctx, m.logger).Infof("root created", map[string]any{"name": name, "id": id.String()})
	return nil
}

// persistRoot writes the binding of name to id. An existing binding to the
// same ID is accepted.
func (m *Manager) persistRoot(ctx context.Context, key, name string, id object.ID) error {
	_, err := m.meta.Put(ctx, key, []byte(id.Key()), metadata.WithExpectedVersion(0))
	if errors.Is(err, metadata.ErrVersionMismatch) {
		res, getErr := m.meta.Get(ctx, key)
		if getErr != nil {
			return fmt.Errorf("read root %q: %w", name, getErr)
		}
		stored, parseErr := object.ParseID(string(res.Value))
		if parseErr != nil {
			return fmt.Errorf("read root %q: %w", name, parseErr)
		}
		if stored != id {
			return fmt.Errorf("root %q bound to %s: %w", name, stored, heaperr.ErrRootExists)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("persist root %q: %w", name, err)
	}
	return nil
}
