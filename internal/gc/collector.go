package gc

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dray-io/heapd/internal/heaperr"
	"github.com/dray-io/heapd/internal/logging"
	"github.com/dray-io/heapd/internal/metrics"
	"github.com/dray-io/heapd/internal/object"
	"github.com/dray-io/heapd/internal/objectmanager"
)

// State is the phase of the collector.
type State int32

const (
	StateIdle State = iota
	StatePauseRequested
	StatePaused
	StateMarking
	StateCandidatesComputed
	StateDeleting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePauseRequested:
		return "PAUSE_REQUESTED"
	case StatePaused:
		return "PAUSED"
	case StateMarking:
		return "MARKING"
	case StateCandidatesComputed:
		return "CANDIDATES_COMPUTED"
	case StateDeleting:
		return "DELETING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Heap is the part of the object manager the collector drives.
type Heap interface {
	RequestGCPause()
	WaitUntilReadyToGC(ctx context.Context) error
	CancelGCPause()
	GCSnapshot() *objectmanager.Snapshot
	ReferencesOf(ctx context.Context, id object.ID) ([]object.ID, bool, error)
	NotifyGCComplete(ctx context.Context, result *objectmanager.GCResultContext) error
	ReplayPendingDeletes(ctx context.Context) error
}

// InfoPublisher receives cycle events. Events are informational; a
// publisher cannot influence the cycle.
type InfoPublisher interface {
	// DeleteStarting is called before candidates are handed to the object
	// manager.
	DeleteStarting(ctx context.Context, stats objectmanager.GCStats)
	// CollectionCompleted is called once the cycle has been retired.
	CollectionCompleted(ctx context.Context, stats objectmanager.GCStats)
}

// Filter narrows the set of objects a cycle may collect. Objects for which
// ShouldVisit returns false are treated as live and are not traversed.
type Filter interface {
	ShouldVisit(id object.ID) bool
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(id object.ID) bool

func (f FilterFunc) ShouldVisit(id object.ID) bool { return f(id) }

// Config configures a Collector.
type Config struct {
	// HistorySize is the number of cycle stats kept for introspection.
	// Default: 64
	HistorySize int

	Publisher InfoPublisher
	Metrics   *metrics.GCMetrics
	Logger    *logging.Logger
}

// Collector runs collection cycles against a Heap.
type Collector struct {
	heap    Heap
	config  Config
	logger  *logging.Logger
	history *History

	state     atomic.Int32
	iteration atomic.Uint64
}

// NewCollector creates a collector.
func NewCollector(heap Heap, config Config) *Collector {
	if config.HistorySize <= 0 {
		config.HistorySize = 64
	}
	return &Collector{
		heap:    heap,
		config:  config,
		logger:  logging.OrGlobal(config.Logger).WithComponent("gc"),
		history: NewHistory(config.HistorySize),
	}
}

// State returns the current phase.
func (c *Collector) State() State {
	return State(c.state.Load())
}

// History returns the stats of recent cycles.
func (c *Collector) History() *History {
	return c.history
}

// Collect runs one cycle of the given kind over every object.
func (c *Collector) Collect(ctx context.Context, kind string) (objectmanager.GCStats, error) {
	return c.CollectWithFilter(ctx, kind, nil)
}

// CollectWithFilter runs one cycle of the given kind, restricted by filter
// when it is not nil.
func (c *Collector) CollectWithFilter(ctx context.Context, kind string, filter Filter) (objectmanager.GCStats, error) {
	if kind != objectmanager.KindFull && kind != objectmanager.KindYoung {
		return objectmanager.GCStats{}, fmt.Errorf("gc: unknown cycle kind %q", kind)
	}
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StatePauseRequested)) {
		return objectmanager.GCStats{}, fmt.Errorf("gc: %s cycle requested in state %s: %w",
			kind, c.State(), heaperr.ErrConcurrentCycle)
	}
	defer c.setState(StateIdle)

	correlationID := uuid.NewString()
	ctx = logging.WithCorrelationIDCtx(ctx, correlationID)
	log := logging.FromCtx(ctx, c.logger)
	iteration := c.iteration.Add(1)
	start := time.Now()

	if err := c.heap.ReplayPendingDeletes(ctx); err != nil {
		log.Warnf("replaying pending deletes failed", map[string]any{"error": err.Error()})
	}

	c.heap.RequestGCPause()
	waitStart := time.Now()
	err := c.heap.WaitUntilReadyToGC(ctx)
	if c.config.Metrics != nil {
		c.config.Metrics.RecordPauseWait(time.Since(waitStart).Seconds())
	}
	if err != nil {
		c.recordCycle(kind, metrics.CycleAbandoned, start, 0, 0)
		log.Warnf("cycle abandoned before marking", map[string]any{
			"iteration": iteration,
			"kind":      kind,
			"error":     err.Error(),
		})
		return objectmanager.GCStats{}, err
	}

	c.setState(StatePaused)
	snap := c.heap.GCSnapshot()

	stats := objectmanager.GCStats{
		Iteration:        iteration,
		Kind:             kind,
		CorrelationID:    correlationID,
		StartTime:        start,
		BeginObjectCount: snap.AllIDs.Len(),
	}

	c.setState(StateMarking)
	inScope := c.scope(kind, snap, filter)
	candidates, err := c.candidates(ctx, snap, inScope, kind == objectmanager.KindYoung)
	if err != nil {
		c.heap.CancelGCPause()
		c.recordCycle(kind, metrics.CycleAbandoned, start, 0, 0)
		log.Errorf("marking failed, cycle abandoned", map[string]any{
			"iteration": iteration,
			"error":     err.Error(),
		})
		return objectmanager.GCStats{}, err
	}
	stats.CandidateGarbageCount = len(candidates)
	c.setState(StateCandidatesComputed)

	log.Infof("candidates computed", map[string]any{
		"iteration":  iteration,
		"kind":       kind,
		"objects":    stats.BeginObjectCount,
		"candidates": len(candidates),
	})

	c.setState(StateDeleting)
	result := &objectmanager.GCResultContext{
		Iteration:     iteration,
		GCedObjectIDs: candidates,
		Info:          stats,
	}
	if c.config.Publisher != nil {
		c.config.Publisher.DeleteStarting(ctx, stats)
	}
	err = c.heap.NotifyGCComplete(ctx, result)
	stats = result.Info
	stats.ElapsedTime = time.Since(start)
	result.Info.ElapsedTime = stats.ElapsedTime
	c.history.Add(stats)

	if c.config.Metrics != nil {
		c.config.Metrics.RecordRescued(stats.RescuedCount)
	}
	if err != nil {
		c.recordCycle(kind, metrics.CycleFailed, start, stats.CandidateGarbageCount, stats.ActualGarbageCount)
		log.Errorf("deleting garbage failed", map[string]any{
			"iteration": iteration,
			"error":     err.Error(),
		})
		return stats, err
	}
	c.recordCycle(kind, metrics.CycleCompleted, start, stats.CandidateGarbageCount, stats.ActualGarbageCount)
	if c.config.Publisher != nil {
		c.config.Publisher.CollectionCompleted(ctx, stats)
	}

	log.Infof("cycle completed", map[string]any{
		"iteration": iteration,
		"kind":      kind,
		"deleted":   stats.ActualGarbageCount,
		"rescued":   stats.RescuedCount,
		"elapsedMs": stats.ElapsedTime.Milliseconds(),
	})
	return stats, nil
}

func (c *Collector) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Collector) recordCycle(kind, outcome string, start time.Time, candidates, deleted int) {
	if c.config.Metrics != nil {
		c.config.Metrics.RecordCycle(kind, outcome, time.Since(start).Seconds(), candidates, deleted)
	}
}

// scope returns the predicate deciding which objects this cycle may
// collect.
func (c *Collector) scope(kind string, snap *objectmanager.Snapshot, filter Filter) func(object.ID) bool {
	young := kind == objectmanager.KindYoung
	return func(id object.ID) bool {
		if young && !snap.Young.Contains(id) {
			return false
		}
		return filter == nil || filter.ShouldVisit(id)
	}
}

// candidates marks the reachable objects and returns the in-scope objects
// left unmarked, in ascending order.
func (c *Collector) candidates(ctx context.Context, snap *objectmanager.Snapshot, inScope func(object.ID) bool, young bool) ([]object.ID, error) {
	marked := object.NewIDSet()
	var stack []object.ID
	visit := func(id object.ID) {
		if !snap.AllIDs.Contains(id) || !inScope(id) || marked.Contains(id) {
			return
		}
		marked.Add(id)
		stack = append(stack, id)
	}

	for id := range snap.LiveSeeds() {
		visit(id)
	}

	// Out-of-scope objects are live. Their references into the scope act
	// as roots. In a young cycle an object that was never indexed cannot
	// point at a young object, since any such reference would have been
	// written by a release, which indexes it.
	scoped := young
	for id := range snap.AllIDs {
		if !inScope(id) {
			scoped = true
			break
		}
	}
	if scoped {
		for _, id := range snap.AllIDs.Sorted() {
			if inScope(id) {
				continue
			}
			refs, ok := snap.References[id]
			if !ok {
				if young {
					continue
				}
				var err error
				refs, err = c.referencesOf(ctx, id)
				if err != nil {
					return nil, err
				}
			}
			for _, r := range refs {
				visit(r)
			}
		}
	}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		refs, ok := snap.References[id]
		if !ok {
			var err error
			refs, err = c.referencesOf(ctx, id)
			if err != nil {
				return nil, err
			}
		}
		for _, r := range refs {
			visit(r)
		}
	}

	var out []object.ID
	for _, id := range snap.AllIDs.Sorted() {
		if !inScope(id) || marked.Contains(id) || snap.Exempt.Contains(id) {
			continue
		}
		out = append(out, id)
	}

	// The rescue phase walks candidate references from the in-memory
	// index, so make sure every candidate is indexed.
	for _, id := range out {
		if _, ok := snap.References[id]; ok {
			continue
		}
		if _, err := c.referencesOf(ctx, id); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *Collector) referencesOf(ctx context.Context, id object.ID) ([]object.ID, error) {
	refs, _, err := c.heap.ReferencesOf(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("gc: read references of %s: %w", id, err)
	}
	return refs, nil
}

// IsConcurrentCycle reports whether err was caused by a cycle already
// running.
func IsConcurrentCycle(err error) bool {
	return errors.Is(err, heaperr.ErrConcurrentCycle)
}
