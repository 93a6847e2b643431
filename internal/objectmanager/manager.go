// Package objectmanager owns the registry of live objects. It hands objects
// out to lookups, faults them in from the object store, takes committed
// changes back on release and cooperates with the collector through a
// pause/resume protocol.
//
// All registry state is guarded by a single mutex. Lookups never block the
// caller: an unresolved lookup is parked in a queue and resumed exactly once
// through its LookupContext.
package objectmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dray-io/heapd/internal/heaperr"
	"github.com/dray-io/heapd/internal/logging"
	"github.com/dray-io/heapd/internal/metadata"
	"github.com/dray-io/heapd/internal/metadata/keys"
	"github.com/dray-io/heapd/internal/metrics"
	"github.com/dray-io/heapd/internal/object"
	"github.com/dray-io/heapd/internal/objectdb"
	"github.com/dray-io/heapd/internal/txn"
)

// Config configures a Manager.
type Config struct {
	// MaxResidentObjects bounds the in-memory cache. Zero disables eviction.
	// Default: 100000
	MaxResidentObjects int

	// MaxReachablePrefetch caps the number of extra objects a lookup may
	// check out by following references.
	// Default: 64
	MaxReachablePrefetch int

	// QuiescenceTimeout bounds WaitUntilReadyToGC.
	// Default: 30s
	QuiescenceTimeout time.Duration

	// DeleteBatchSize is the number of garbage objects removed from the
	// object store per call.
	// Default: 500
	DeleteBatchSize int

	// IDBlockSize is the number of object IDs reserved from the metadata
	// sequence at a time.
	// Default: 1000
	IDBlockSize int

	Logger  *logging.Logger
	Metrics *metrics.ObjectManagerMetrics
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		MaxResidentObjects:   100000,
		MaxReachablePrefetch: 64,
		QuiescenceTimeout:    30 * time.Second,
		DeleteBatchSize:      500,
		IDBlockSize:          1000,
	}
}

// Manager is the object manager.
type Manager struct {
	store  objectdb.Store
	meta   metadata.MetadataStore
	lwm    txn.LowWaterMarkProvider
	config Config
	logger *logging.Logger

	// faultCtx scopes background fault-ins; cancelled by Stop.
	faultCtx    context.Context
	faultCancel context.CancelFunc
	faults      sync.WaitGroup

	ids *idAllocator

	mu   sync.Mutex
	cond *sync.Cond

	stopped bool

	// allIDs is every object known to exist, resident or not.
	allIDs object.IDSet
	// refIndex holds the outbound references of every object whose state
	// has been seen. classIndex is keyed the same way.
	refIndex   map[object.ID][]object.ID
	classIndex map[object.ID]string

	resident map[object.ID]*Reference
	cache    *mruCache

	roots   map[string]object.ID
	rootIDs object.IDSet

	// pendingRoots counts root bindings of each object still being
	// persisted.
	pendingRoots map[object.ID]int

	// creating maps objects to the transaction that created them until
	// that transaction drops below the low-water mark.
	creating map[object.ID]txn.GlobalTransactionID
	// txRefs are the references written by each committed transaction
	// that is not yet stable.
	txRefs map[txn.GlobalTransactionID]object.IDSet
	young  object.IDSet

	// blocked parks lookups in FIFO order on the object they wait for.
	blocked  map[object.ID][]*LookupContext
	faulting object.IDSet
	seq      uint64

	pauseRequested bool
	gcActive       bool
	pauseQueue     []*LookupContext
	// changed records objects released or asked for while a cycle is
	// active; the rescue phase treats them as live.
	changed object.IDSet
	// youngAtSnapshot is restored into young if the cycle is abandoned.
	youngAtSnapshot object.IDSet

	inFlightCommits int

	listeners []EventListener
}

// New creates a Manager. Start must be called before use.
func New(store objectdb.Store, meta metadata.MetadataStore, lwm txn.LowWaterMarkProvider, config Config) *Manager {
	def := DefaultConfig()
	if config.MaxReachablePrefetch < 0 {
		config.MaxReachablePrefetch = 0
	}
	if config.QuiescenceTimeout <= 0 {
		config.QuiescenceTimeout = def.QuiescenceTimeout
	}
	if config.DeleteBatchSize <= 0 {
		config.DeleteBatchSize = def.DeleteBatchSize
	}
	if config.IDBlockSize <= 0 {
		config.IDBlockSize = def.IDBlockSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:        store,
		meta:         meta,
		lwm:          lwm,
		config:       config,
		logger:       logging.OrGlobal(config.Logger).WithComponent("objectmanager"),
		faultCtx:     ctx,
		faultCancel:  cancel,
		ids:          newIDAllocator(meta, uint64(config.IDBlockSize)),
		allIDs:       object.NewIDSet(),
		refIndex:     make(map[object.ID][]object.ID),
		classIndex:   make(map[object.ID]string),
		resident:     make(map[object.ID]*Reference),
		cache:        newMRUCache(config.MaxResidentObjects),
		roots:        make(map[string]object.ID),
		rootIDs:      object.NewIDSet(),
		pendingRoots: make(map[object.ID]int),
		creating:     make(map[object.ID]txn.GlobalTransactionID),
		txRefs:       make(map[txn.GlobalTransactionID]object.IDSet),
		young:        object.NewIDSet(),
		blocked:      make(map[object.ID][]*LookupContext),
		faulting:     object.NewIDSet(),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Start replays unfinished deletions, loads the roots and registers every
// stored object.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.ReplayPendingDeletes(ctx); err != nil {
		return fmt.Errorf("replay pending deletes: %w", err)
	}

	roots, err := m.loadRoots(ctx)
	if err != nil {
		return err
	}
	ids, err := m.store.ListObjectIDs(ctx)
	if err != nil {
		return fmt.Errorf("list objects: %w", err)
	}

	var highest object.ID
	m.mu.Lock()
	for _, id := range ids {
		m.allIDs.Add(id)
		if id > highest {
			highest = id
		}
	}
	for name, id := range roots {
		m.roots[name] = id
		m.rootIDs.Add(id)
	}
	m.mu.Unlock()

	m.ids.setFloor(uint64(highest) + 1)

	m.logger.Infof("object manager started", map[string]any{
		"objects": len(ids),
		"roots":   len(roots),
	})
	return nil
}

func (m *Manager) loadRoots(ctx context.Context) (map[string]object.ID, error) {
	kvs, err := m.meta.List(ctx, keys.RootsPrefix, "", 0)
	if err != nil {
		return nil, fmt.Errorf("list roots: %w", err)
	}
	roots := make(map[string]object.ID, len(kvs))
	for _, kv := range kvs {
		name, err := keys.ParseRootKey(kv.Key)
		if err != nil {
			m.logger.Warnf("skipping malformed root key", map[string]any{"key": kv.Key})
			continue
		}
		id, err := object.ParseID(string(kv.Value))
		if err != nil {
			return nil, fmt.Errorf("root %q: %w", name, err)
		}
		roots[name] = id
	}
	return roots, nil
}

// Stop fails every pending lookup with ErrShuttingDown and waits for
// background fault-ins to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true

	failed := 0
	for id, queue := range m.blocked {
		for _, lc := range queue {
			if m.finish(lc, nil, heaperr.ErrShuttingDown) {
				failed++
			}
		}
		delete(m.blocked, id)
	}
	for _, lc := range m.pauseQueue {
		if m.finish(lc, nil, heaperr.ErrShuttingDown) {
			failed++
		}
	}
	m.pauseQueue = nil
	m.cond.Broadcast()
	m.mu.Unlock()

	m.faultCancel()
	m.faults.Wait()

	m.logger.Infof("object manager stopped", map[string]any{"failedLookups": failed})
}

// AddListener registers l for collection events.
func (m *Manager) AddListener(l EventListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// GetAllObjectIDs returns every known object in ascending order.
func (m *Manager) GetAllObjectIDs() []object.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allIDs.Sorted()
}

// Exists reports whether id is a known object.
func (m *Manager) Exists(id object.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allIDs.Contains(id)
}

// GetRootIDs returns the object IDs bound to root names, ascending.
func (m *Manager) GetRootIDs() []object.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rootIDs.Sorted()
}

// Roots returns a copy of the root name bindings.
func (m *Manager) Roots() map[string]object.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]object.ID, len(m.roots))
	for name, id := range m.roots {
		out[name] = id
	}
	return out
}

// GetCheckedOutCount returns the number of objects currently checked out.
func (m *Manager) GetCheckedOutCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ref := range m.resident {
		if ref.checkedOut {
			n++
		}
	}
	return n
}

// IsCheckedOut reports whether id is leased to a lookup.
func (m *Manager) IsCheckedOut(id object.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.resident[id]
	return ok && ref.checkedOut
}

// IsResident reports whether id is held in memory.
func (m *Manager) IsResident(id object.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.resident[id]
	return ok
}

// ResidentMapIDs returns the resident objects whose state is a clustered
// map, ascending.
func (m *Manager) ResidentMapIDs() []object.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]object.ID, 0)
	for id, ref := range m.resident {
		if _, ok := ref.obj.MapState(); ok {
			ids = append(ids, id)
		}
	}
	return object.SortIDs(ids)
}

// InstanceCounts returns the number of known objects per class. Objects
// whose state has never been seen are counted under "".
func (m *Manager) InstanceCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int)
	for id := range m.allIDs {
		counts[m.classIndex[id]]++
	}
	return counts
}

// ObjectManagerStats implements metrics.ObjectManagerStatsProvider.
func (m *Manager) ObjectManagerStats() metrics.ObjectManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	checkedOut := 0
	for _, ref := range m.resident {
		if ref.checkedOut {
			checkedOut++
		}
	}
	pending := len(m.pauseQueue)
	for _, q := range m.blocked {
		pending += len(q)
	}
	return metrics.ObjectManagerStats{
		Live:       m.allIDs.Len(),
		Resident:   len(m.resident),
		CheckedOut: checkedOut,
		Pending:    pending,
	}
}

// addResident registers obj as resident and indexes its state. Caller
// holds m.mu.
func (m *Manager) addResident(obj *object.ManagedObject, removeOnRelease bool) *Reference {
	ref := &Reference{obj: obj, removeOnRelease: removeOnRelease}
	m.resident[obj.ID] = ref
	m.cache.add(ref)
	m.allIDs.Add(obj.ID)
	m.index(obj)
	return ref
}

// index records the references and class of obj. Caller holds m.mu.
func (m *Manager) index(obj *object.ManagedObject) {
	m.refIndex[obj.ID] = obj.References()
	m.classIndex[obj.ID] = obj.ClassName()
}

// dropResident removes id from memory. Caller holds m.mu.
func (m *Manager) dropResident(id object.ID) {
	ref, ok := m.resident[id]
	if !ok {
		return
	}
	m.cache.remove(ref)
	delete(m.resident, id)
}

// forget removes every trace of id from the registry. Caller holds m.mu.
func (m *Manager) forget(id object.ID) {
	m.dropResident(id)
	m.allIDs.Remove(id)
	delete(m.refIndex, id)
	delete(m.classIndex, id)
	delete(m.creating, id)
	m.young.Remove(id)
}

// evictIfNeeded trims the cache back under capacity. Caller holds m.mu.
func (m *Manager) evictIfNeeded() {
	if !m.cache.isFull() {
		return
	}
	victims := m.cache.prune()
	for _, ref := range victims {
		delete(m.resident, ref.obj.ID)
	}
	if len(victims) > 0 && m.config.Metrics != nil {
		m.config.Metrics.RecordCacheEviction(len(victims))
	}
}

func (m *Manager) recordLookup(outcome string) {
	if m.config.Metrics != nil {
		m.config.Metrics.RecordLookup(outcome)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, heaperr.ErrNotFound)
}
