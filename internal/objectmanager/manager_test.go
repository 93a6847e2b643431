package objectmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/heapd/internal/heaperr"
	"github.com/dray-io/heapd/internal/logging"
	"github.com/dray-io/heapd/internal/metadata"
	"github.com/dray-io/heapd/internal/metadata/keys"
	"github.com/dray-io/heapd/internal/object"
	"github.com/dray-io/heapd/internal/objectdb"
	"github.com/dray-io/heapd/internal/txn"
)

type harness struct {
	m     *Manager
	store objectdb.Store
	meta  *metadata.MockStore
	tr    *txn.Tracker
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	return newHarnessWith(t, cfg, objectdb.NewMemory(), metadata.NewMockStore())
}

func newHarnessWith(t *testing.T, cfg Config, store objectdb.Store, meta *metadata.MockStore) *harness {
	t.Helper()
	cfg.Logger = logging.Discard()
	tr := txn.NewTracker()
	m := New(store, meta, tr, cfg)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)
	return &harness{m: m, store: store, meta: meta, tr: tr}
}

// create makes a committed physical object pointing at refs.
func (h *harness) create(t *testing.T, refs ...object.ID) object.ID {
	t.Helper()
	ctx := context.Background()
	ids, err := h.m.NextObjectIDs(ctx, 1)
	require.NoError(t, err)
	gtx := h.tr.Begin()
	objs, err := h.m.CreateNewObjects(ctx, gtx, ids)
	require.NoError(t, err)
	st := object.NewPhysicalState("Node")
	for i, r := range refs {
		st.Set(fmt.Sprintf("f%d", i), object.RefValue(r))
	}
	objs[0].State = st
	require.NoError(t, h.m.Release(ctx, gtx, objs[0]))
	h.tr.Complete(gtx)
	return ids[0]
}

func (h *harness) lookupNow(t *testing.T, ids ...object.ID) map[object.ID]*object.ManagedObject {
	t.Helper()
	lc, ready, err := h.m.Lookup(context.Background(), "test", ids, 0)
	require.NoError(t, err)
	require.True(t, ready)
	objs, err := lc.Result()
	require.NoError(t, err)
	return objs
}

func (h *harness) release(t *testing.T, objs ...*object.ManagedObject) {
	t.Helper()
	gtx := h.tr.Begin()
	require.NoError(t, h.m.ReleaseAll(context.Background(), gtx, objs))
	h.tr.Complete(gtx)
}

func TestLookupUnknownIDFailsNotFound(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	_, _, err := h.m.Lookup(context.Background(), "test", []object.ID{42}, 0)
	assert.ErrorIs(t, err, heaperr.ErrNotFound)
}

func TestLookupFaultsInStoredObject(t *testing.T) {
	store := objectdb.NewMemory()
	tx := objectdb.NewTransaction(1)
	tx.Add(&object.ManagedObject{ID: 7, State: object.NewPhysicalState("Node")})
	require.NoError(t, store.Commit(context.Background(), tx))

	h := newHarnessWith(t, DefaultConfig(), store, metadata.NewMockStore())
	assert.False(t, h.m.IsResident(7))

	lc, ready, err := h.m.Lookup(context.Background(), "test", []object.ID{7}, 0)
	require.NoError(t, err)
	assert.False(t, ready, "non-resident object must fault in asynchronously")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	objs, err := lc.Wait(ctx)
	require.NoError(t, err)
	require.Contains(t, objs, object.ID(7))
	assert.Equal(t, "Node", objs[7].ClassName())
	assert.True(t, h.m.IsResident(7))
	assert.True(t, h.m.IsCheckedOut(7))
}

func TestLookupOfObjectMissingFromStoreFailsNotFound(t *testing.T) {
	store := objectdb.NewMemory()
	tx := objectdb.NewTransaction(1)
	tx.Add(&object.ManagedObject{ID: 3})
	require.NoError(t, store.Commit(context.Background(), tx))

	h := newHarnessWith(t, DefaultConfig(), store, metadata.NewMockStore())
	require.NoError(t, store.DeleteObjects(context.Background(), []object.ID{3}))

	lc, ready, err := h.m.Lookup(context.Background(), "test", []object.ID{3}, 0)
	require.NoError(t, err)
	require.False(t, ready)

	_, err = lc.Wait(context.Background())
	assert.ErrorIs(t, err, heaperr.ErrNotFound)
	assert.False(t, h.m.Exists(3))
}

func TestBlockedLookupsResumeInSubmissionOrder(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	id := h.create(t)

	first := h.lookupNow(t, id)

	var waiting []*LookupContext
	for i := 0; i < 3; i++ {
		lc, ready, err := h.m.Lookup(context.Background(), fmt.Sprintf("client-%d", i), []object.ID{id}, 0)
		require.NoError(t, err)
		require.False(t, ready)
		waiting = append(waiting, lc)
	}

	h.release(t, first[id])
	assert.True(t, waiting[0].Ready(), "oldest lookup is resumed first")
	assert.False(t, waiting[1].Ready())
	assert.False(t, waiting[2].Ready())

	objs, err := waiting[0].Result()
	require.NoError(t, err)
	h.release(t, objs[id])
	assert.True(t, waiting[1].Ready())
	assert.False(t, waiting[2].Ready())

	objs, err = waiting[1].Result()
	require.NoError(t, err)
	h.release(t, objs[id])
	assert.True(t, waiting[2].Ready())
}

func TestDoubleReleaseFails(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	id := h.create(t)
	objs := h.lookupNow(t, id)

	h.release(t, objs[id])
	err := h.m.Release(context.Background(), h.tr.Begin(), objs[id])
	assert.ErrorIs(t, err, heaperr.ErrAlreadyReleased)
}

func TestReleaseAllIsAllOrNothing(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	a := h.create(t)
	b := h.create(t)
	objs := h.lookupNow(t, a)

	other := &object.ManagedObject{ID: b}
	err := h.m.ReleaseAll(context.Background(), h.tr.Begin(), []*object.ManagedObject{objs[a], other})
	require.ErrorIs(t, err, heaperr.ErrAlreadyReleased)
	assert.True(t, h.m.IsCheckedOut(a), "a valid object in a rejected batch stays checked out")
}

func TestReleaseUpdatesReferenceIndex(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	leaf := h.create(t)
	parent := h.create(t)

	objs := h.lookupNow(t, parent)
	objs[parent].State.(*object.PhysicalState).Set("child", object.RefValue(leaf))
	h.release(t, objs[parent])

	refs, ok, err := h.m.ReferencesOf(context.Background(), parent)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []object.ID{leaf}, refs)

	stored, err := h.store.LoadObjectByID(context.Background(), parent)
	require.NoError(t, err)
	assert.Equal(t, []object.ID{leaf}, stored.References())
}

func TestPrefetchChecksOutReachableObjects(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	c := h.create(t)
	b := h.create(t, c)
	a := h.create(t, b)

	lc, ready, err := h.m.Lookup(context.Background(), "test", []object.ID{a}, 10)
	require.NoError(t, err)
	require.True(t, ready)
	objs, err := lc.Result()
	require.NoError(t, err)
	assert.Len(t, objs, 3)
	assert.True(t, h.m.IsCheckedOut(b))
	assert.True(t, h.m.IsCheckedOut(c))
}

func TestPrefetchSkipsCheckedOutObjects(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	c := h.create(t)
	b := h.create(t, c)
	a := h.create(t, b)
	h.lookupNow(t, b)

	lc, ready, err := h.m.Lookup(context.Background(), "test", []object.ID{a}, 10)
	require.NoError(t, err)
	require.True(t, ready)
	objs, _ := lc.Result()
	assert.Len(t, objs, 1, "prefetch does not traverse through an object it could not take")
}

func TestPrefetchIsCapped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxReachablePrefetch = 1
	h := newHarness(t, cfg)
	c := h.create(t)
	b := h.create(t)
	a := h.create(t, b, c)

	lc, _, err := h.m.Lookup(context.Background(), "test", []object.ID{a}, 10)
	require.NoError(t, err)
	objs, _ := lc.Result()
	assert.Len(t, objs, 2)
}

func TestPauseQueuesLookupsUntilCancelled(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	id := h.create(t)

	h.m.RequestGCPause()
	lc, ready, err := h.m.Lookup(context.Background(), "test", []object.ID{id}, 0)
	require.NoError(t, err)
	assert.False(t, ready)

	h.m.CancelGCPause()
	assert.True(t, lc.Ready())
	_, err = lc.Result()
	assert.NoError(t, err)
}

type gatedStore struct {
	objectdb.Store
	entered chan struct{}
	gate    chan struct{}
}

func (s *gatedStore) Commit(ctx context.Context, tx *objectdb.Transaction) error {
	s.entered <- struct{}{}
	<-s.gate
	return s.Store.Commit(ctx, tx)
}

func TestWaitUntilReadyToGCTimesOutOnInFlightCommit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QuiescenceTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)
	id := h.create(t)
	objs := h.lookupNow(t, id)

	gated := &gatedStore{Store: h.store, entered: make(chan struct{}), gate: make(chan struct{})}
	h.m.store = gated

	releaseErr := make(chan error, 1)
	go func() {
		releaseErr <- h.m.Release(context.Background(), h.tr.Begin(), objs[id])
	}()
	<-gated.entered

	h.m.RequestGCPause()
	err := h.m.WaitUntilReadyToGC(context.Background())
	assert.ErrorIs(t, err, heaperr.ErrQuiescenceTimeout)

	close(gated.gate)
	require.NoError(t, <-releaseErr)

	h.m.store = h.store
	lc, ready, err := h.m.Lookup(context.Background(), "test", []object.ID{id}, 0)
	require.NoError(t, err)
	assert.True(t, ready, "abandoned cycle lifts the pause")
	objs, _ = lc.Result()
	h.release(t, objs[id])
}

func TestWaitUntilReadyToGCWaitsForCommit(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	id := h.create(t)
	objs := h.lookupNow(t, id)

	gated := &gatedStore{Store: h.store, entered: make(chan struct{}), gate: make(chan struct{})}
	h.m.store = gated
	go func() {
		_ = h.m.Release(context.Background(), h.tr.Begin(), objs[id])
	}()
	<-gated.entered

	h.m.RequestGCPause()
	done := make(chan error, 1)
	go func() { done <- h.m.WaitUntilReadyToGC(context.Background()) }()

	select {
	case <-done:
		t.Fatal("returned while a commit was in flight")
	case <-time.After(20 * time.Millisecond):
	}
	close(gated.gate)
	require.NoError(t, <-done)
	h.m.CancelGCPause()
}

func TestStopFailsPendingLookups(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	id := h.create(t)
	h.lookupNow(t, id)

	lc, ready, err := h.m.Lookup(context.Background(), "test", []object.ID{id}, 0)
	require.NoError(t, err)
	require.False(t, ready)

	h.m.Stop()
	_, err = lc.Result()
	assert.ErrorIs(t, err, heaperr.ErrShuttingDown)

	_, _, err = h.m.Lookup(context.Background(), "test", []object.ID{id}, 0)
	assert.ErrorIs(t, err, heaperr.ErrShuttingDown)
}

func TestWaitCancelWithdrawsLookup(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	id := h.create(t)
	objs := h.lookupNow(t, id)

	lc, _, err := h.m.Lookup(context.Background(), "test", []object.ID{id}, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = lc.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, h.m.ObjectManagerStats().Pending)

	h.release(t, objs[id])
	assert.False(t, h.m.IsCheckedOut(id), "withdrawn lookup must not take the object")
}

func TestCacheEvictsUnpinnedObjects(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxResidentObjects = 2
	h := newHarness(t, cfg)
	var ids []object.ID
	for i := 0; i < 4; i++ {
		ids = append(ids, h.create(t))
	}
	assert.LessOrEqual(t, h.m.ObjectManagerStats().Resident, 2)
	assert.Equal(t, 4, h.m.ObjectManagerStats().Live)

	for _, id := range ids {
		lc, _, err := h.m.Lookup(context.Background(), "test", []object.ID{id}, 0)
		require.NoError(t, err)
		objs, err := lc.Wait(context.Background())
		require.NoError(t, err, "evicted objects fault back in")
		h.release(t, objs[id])
	}
}

func TestCacheNeverEvictsCheckedOutObjects(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxResidentObjects = 1
	h := newHarness(t, cfg)
	a := h.create(t)
	b := h.create(t)

	lc, _, err := h.m.Lookup(context.Background(), "test", []object.ID{a}, 0)
	require.NoError(t, err)
	_, err = lc.Wait(context.Background())
	require.NoError(t, err)
	lc, _, err = h.m.Lookup(context.Background(), "test", []object.ID{b}, 0)
	require.NoError(t, err)
	_, err = lc.Wait(context.Background())
	require.NoError(t, err)

	assert.True(t, h.m.IsResident(a))
	assert.True(t, h.m.IsResident(b))
}

func TestRemoveOnRelease(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	id := h.create(t)

	h2 := newHarnessWith(t, DefaultConfig(), h.store, metadata.NewMockStore())
	obj, err := h.store.LoadObjectByID(context.Background(), id)
	require.NoError(t, err)
	require.True(t, h2.m.AddFaultedObject(obj, true))
	assert.False(t, h2.m.AddFaultedObject(obj, true), "already resident")

	objs := h2.lookupNow(t, id)
	h2.release(t, objs[id])
	assert.False(t, h2.m.IsResident(id))
	assert.True(t, h2.m.Exists(id))
}

func TestCreateRoot(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	a := h.create(t)
	b := h.create(t)
	ctx := context.Background()

	require.NoError(t, h.m.CreateRoot(ctx, "app", a))
	require.NoError(t, h.m.CreateRoot(ctx, "app", a), "same binding is a no-op")
	assert.ErrorIs(t, h.m.CreateRoot(ctx, "app", b), heaperr.ErrRootExists)
	assert.ErrorIs(t, h.m.CreateRoot(ctx, "ghost", 999), heaperr.ErrNotFound)
	assert.Equal(t, []object.ID{a}, h.m.GetRootIDs())

	restarted := newHarnessWith(t, DefaultConfig(), h.store, h.meta)
	assert.Equal(t, map[string]object.ID{"app": a}, restarted.m.Roots())
	assert.ErrorIs(t, restarted.m.CreateRoot(ctx, "app", b), heaperr.ErrRootExists)
}

func TestNextObjectIDsUniqueAcrossManagers(t *testing.T) {
	meta := metadata.NewMockStore()
	store := objectdb.NewMemory()
	cfg := DefaultConfig()
	cfg.IDBlockSize = 3
	h1 := newHarnessWith(t, cfg, store, meta)
	h2 := newHarnessWith(t, cfg, store, meta)

	seen := object.NewIDSet()
	for i := 0; i < 5; i++ {
		for _, h := range []*harness{h1, h2} {
			ids, err := h.m.NextObjectIDs(context.Background(), 2)
			require.NoError(t, err)
			for _, id := range ids {
				assert.False(t, seen.Contains(id), "id %s handed out twice", id)
				seen.Add(id)
			}
		}
	}
	assert.Equal(t, 20, seen.Len())
}

func TestCreateNewObjectsRejectsKnownIDs(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	id := h.create(t)
	_, err := h.m.CreateNewObjects(context.Background(), h.tr.Begin(), []object.ID{id})
	assert.Error(t, err)
}

func TestInstanceCounts(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.create(t)
	h.create(t)
	assert.Equal(t, map[string]int{"Node": 2}, h.m.InstanceCounts())
}

func TestNotifyGCCompleteRescuesObjectsTouchedDuringCycle(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	g1 := h.create(t)
	g2 := h.create(t)
	h.tr.Complete(h.tr.Begin())

	h.m.RequestGCPause()
	require.NoError(t, h.m.WaitUntilReadyToGC(ctx))
	snap := h.m.GCSnapshot()
	assert.True(t, snap.AllIDs.Contains(g1))

	lc, ready, err := h.m.Lookup(ctx, "late", []object.ID{g1}, 0)
	require.NoError(t, err)
	require.False(t, ready)

	result := &GCResultContext{Iteration: 1, GCedObjectIDs: []object.ID{g1, g2}}
	require.NoError(t, h.m.NotifyGCComplete(ctx, result))
	assert.Equal(t, []object.ID{g2}, result.GCedObjectIDs)
	assert.Equal(t, 1, result.Info.ActualGarbageCount)
	assert.Equal(t, 1, result.Info.RescuedCount)

	assert.True(t, lc.Ready())
	_, err = lc.Result()
	assert.NoError(t, err)
	assert.False(t, h.m.Exists(g2))

	_, err = h.store.LoadObjectByID(ctx, g2)
	assert.ErrorIs(t, err, heaperr.ErrNotFound)
	kvs, err := h.meta.List(ctx, keys.PendingDeletesPrefix, "", 0)
	require.NoError(t, err)
	assert.Empty(t, kvs, "marker is cleared once deletion completes")

	assert.ErrorIs(t, h.m.NotifyGCComplete(ctx, result), heaperr.ErrAlreadyCommitted)
}

func TestNotifyGCCompleteNotifiesListeners(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	g := h.create(t)
	var got []GCStats
	h.m.AddListener(EventListenerFunc(func(_ context.Context, s GCStats) { got = append(got, s) }))

	ctx := context.Background()
	require.NoError(t, h.m.WaitUntilReadyToGC(ctx))
	h.m.GCSnapshot()
	require.NoError(t, h.m.NotifyGCComplete(ctx, &GCResultContext{
		Iteration:     4,
		GCedObjectIDs: []object.ID{g},
		Info:          GCStats{Iteration: 4, CandidateGarbageCount: 1},
	}))
	require.Len(t, got, 1)
	assert.Equal(t, uint64(4), got[0].Iteration)
	assert.Equal(t, 1, got[0].ActualGarbageCount)
}

func TestSnapshotExemptsUnstableCreations(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	ids, err := h.m.NextObjectIDs(ctx, 1)
	require.NoError(t, err)
	gtx := h.tr.Begin()
	objs, err := h.m.CreateNewObjects(ctx, gtx, ids)
	require.NoError(t, err)
	require.NoError(t, h.m.Release(ctx, gtx, objs[0]))

	require.NoError(t, h.m.WaitUntilReadyToGC(ctx))
	snap := h.m.GCSnapshot()
	assert.True(t, snap.Exempt.Contains(ids[0]))
	assert.True(t, snap.Young.Contains(ids[0]))
	h.m.CancelGCPause()

	h.tr.Complete(gtx)
	require.NoError(t, h.m.WaitUntilReadyToGC(ctx))
	snap = h.m.GCSnapshot()
	assert.False(t, snap.Exempt.Contains(ids[0]))
	assert.True(t, snap.Young.Contains(ids[0]), "young set is restored after an abandoned cycle")
	h.m.CancelGCPause()
}

func TestStartReplaysPendingDeletes(t *testing.T) {
	store := objectdb.NewMemory()
	meta := metadata.NewMockStore()
	tx := objectdb.NewTransaction(1)
	tx.Add(&object.ManagedObject{ID: 5})
	tx.Add(&object.ManagedObject{ID: 6})
	require.NoError(t, store.Commit(context.Background(), tx))

	marker, err := json.Marshal([]object.ID{5})
	require.NoError(t, err)
	_, err = meta.Put(context.Background(), keys.PendingDeleteKey(9), marker)
	require.NoError(t, err)

	h := newHarnessWith(t, DefaultConfig(), store, meta)
	assert.Equal(t, []object.ID{6}, h.m.GetAllObjectIDs())

	kvs, err := meta.List(context.Background(), keys.PendingDeletesPrefix, "", 0)
	require.NoError(t, err)
	assert.Empty(t, kvs)
}

func TestRescueFollowsStateBeingCommitted(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	r := h.create(t)
	g := h.create(t)
	require.NoError(t, h.m.CreateRoot(ctx, "main", r))
	h.tr.Complete(h.tr.Begin())
	objs := h.lookupNow(t, r)

	require.NoError(t, h.m.WaitUntilReadyToGC(ctx))
	snap := h.m.GCSnapshot()
	assert.Empty(t, snap.References[r])

	gated := &gatedStore{Store: h.store, entered: make(chan struct{}), gate: make(chan struct{})}
	h.m.store = gated
	st := object.NewPhysicalState("Node")
	st.Set("next", object.RefValue(g))
	objs[r].State = st
	gtx := h.tr.Begin()
	released := make(chan error, 1)
	go func() { released <- h.m.Release(ctx, gtx, objs[r]) }()
	<-gated.entered

	result := &GCResultContext{Iteration: 1, GCedObjectIDs: []object.ID{g}}
	require.NoError(t, h.m.NotifyGCComplete(ctx, result))
	assert.Empty(t, result.GCedObjectIDs)
	assert.Equal(t, 1, result.Info.RescuedCount)

	close(gated.gate)
	require.NoError(t, <-released)
	h.tr.Complete(gtx)
	h.m.store = h.store

	assert.True(t, h.m.Exists(g))
	_, err := h.store.LoadObjectByID(ctx, g)
	require.NoError(t, err)
	refs, ok, err := h.m.ReferencesOf(ctx, r)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []object.ID{g}, refs)
}

// gatedMeta blocks Put on key until gate is closed.
type gatedMeta struct {
	metadata.MetadataStore
	key     string
	entered chan struct{}
	gate    chan struct{}
}

func (s *gatedMeta) Put(ctx context.Context, key string, value []byte, opts ...metadata.PutOption) (metadata.Version, error) {
	if key == s.key {
		s.entered <- struct{}{}
		<-s.gate
	}
	return s.MetadataStore.Put(ctx, key, value, opts...)
}

func TestRootBeingPersistedSurvivesCycle(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	g := h.create(t)
	other := h.create(t)
	h.tr.Complete(h.tr.Begin())

	key, err := keys.RootKey("late")
	require.NoError(t, err)
	gated := &gatedMeta{MetadataStore: h.meta, key: key, entered: make(chan struct{}), gate: make(chan struct{})}
	h.m.meta = gated

	require.NoError(t, h.m.WaitUntilReadyToGC(ctx))
	h.m.GCSnapshot()

	created := make(chan error, 1)
	go func() { created <- h.m.CreateRoot(ctx, "late", g) }()
	<-gated.entered

	result := &GCResultContext{Iteration: 1, GCedObjectIDs: []object.ID{g, other}}
	require.NoError(t, h.m.NotifyGCComplete(ctx, result))
	assert.Equal(t, []object.ID{other}, result.GCedObjectIDs)
	assert.Equal(t, 1, result.Info.RescuedCount)

	close(gated.gate)
	require.NoError(t, <-created)
	h.m.meta = h.meta

	assert.True(t, h.m.Exists(g))
	assert.Equal(t, map[string]object.ID{"late": g}, h.m.Roots())
	_, err = h.store.LoadObjectByID(ctx, g)
	require.NoError(t, err)
}

func TestSnapshotTreatsRootBeingPersistedAsRoot(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	g := h.create(t)

	key, err := keys.RootKey("late")
	require.NoError(t, err)
	gated := &gatedMeta{MetadataStore: h.meta, key: key, entered: make(chan struct{}), gate: make(chan struct{})}
	h.m.meta = gated

	created := make(chan error, 1)
	go func() { created <- h.m.CreateRoot(ctx, "late", g) }()
	<-gated.entered

	require.NoError(t, h.m.WaitUntilReadyToGC(ctx))
	snap := h.m.GCSnapshot()
	assert.True(t, snap.Roots.Contains(g))
	h.m.CancelGCPause()

	close(gated.gate)
	require.NoError(t, <-created)
	h.m.meta = h.meta
	assert.Equal(t, []object.ID{g}, h.m.GetRootIDs())
}

func TestFailedRootPersistIsRolledBack(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	g := h.create(t)
	h.tr.Complete(h.tr.Begin())

	h.meta.PutHook = func(string) error { return errors.New("metadata unavailable") }
	require.Error(t, h.m.CreateRoot(ctx, "late", g))
	h.meta.PutHook = nil
	assert.Empty(t, h.m.Roots())

	require.NoError(t, h.m.WaitUntilReadyToGC(ctx))
	snap := h.m.GCSnapshot()
	assert.False(t, snap.Roots.Contains(g))

	result := &GCResultContext{Iteration: 1, GCedObjectIDs: []object.ID{g}}
	require.NoError(t, h.m.NotifyGCComplete(ctx, result))
	assert.Equal(t, []object.ID{g}, result.GCedObjectIDs)
	assert.False(t, h.m.Exists(g))
}

// failingStore fails the next fails commits.
type failingStore struct {
	objectdb.Store
	fails int
}

func (s *failingStore) Commit(ctx context.Context, tx *objectdb.Transaction) error {
	if s.fails > 0 {
		s.fails--
		return errors.New("disk full")
	}
	return s.Store.Commit(ctx, tx)
}

func TestFailedCommitRestoresObject(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	id := h.create(t)
	objs := h.lookupNow(t, id)
	version := objs[id].Version

	h.m.store = &failingStore{Store: h.store, fails: 1}
	gtx := h.tr.Begin()
	require.Error(t, h.m.Release(ctx, gtx, objs[id]))
	assert.Equal(t, version, objs[id].Version)
	assert.False(t, objs[id].Dirty)
	assert.True(t, h.m.IsCheckedOut(id))

	require.NoError(t, h.m.Release(ctx, gtx, objs[id]))
	h.tr.Complete(gtx)
	assert.Equal(t, version+1, objs[id].Version)
	assert.False(t, objs[id].Dirty)
	assert.False(t, h.m.IsCheckedOut(id))
}
