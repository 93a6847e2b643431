package eviction

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dray-io/heapd/internal/heaperr"
	"github.com/dray-io/heapd/internal/logging"
	"github.com/dray-io/heapd/internal/metrics"
	"github.com/dray-io/heapd/internal/object"
	"github.com/dray-io/heapd/internal/objectmanager"
	"github.com/dray-io/heapd/internal/txn"
)

const requester = "evictor"

// Heap is the part of the object manager the evictor works through.
type Heap interface {
	Lookup(ctx context.Context, requester string, ids []object.ID, maxReachable int) (*objectmanager.LookupContext, bool, error)
	Release(ctx context.Context, gtx txn.GlobalTransactionID, obj *object.ManagedObject) error
	ResidentMapIDs() []object.ID
}

// Transactions issues the transaction IDs eviction commits under.
type Transactions interface {
	Begin() txn.GlobalTransactionID
	Complete(id txn.GlobalTransactionID)
}

// Listener is notified after each map run.
type Listener interface {
	EvictionCompleted(ctx context.Context, result Result)
}

// Result describes one run over one map.
type Result struct {
	MapID object.ID `json:"mapId"`
	// Trigger is metrics.TriggerPeriodic or metrics.TriggerAdhoc.
	Trigger string `json:"trigger"`
	// Reason is metrics.ReasonCapacity, metrics.ReasonExpiry or empty when
	// the map needed nothing.
	Reason     string        `json:"reason,omitempty"`
	SizeBefore int           `json:"sizeBefore"`
	SizeAfter  int           `json:"sizeAfter"`
	Sampled    int           `json:"sampled"`
	Evicted    int           `json:"evicted"`
	Skipped    bool          `json:"skipped,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Config configures an Evictor.
type Config struct {
	// Period is the time between periodic runs.
	// Default: 5s
	Period time.Duration

	// Overshoot is the hysteresis below a map's capacity.
	// Default: 15
	Overshoot int

	// MinSampleCount is the smallest sample drawn by a capacity run.
	// Default: 100
	MinSampleCount int

	// ExpirySampleCount is the sample drawn by an expiry run.
	// Default: 100
	ExpirySampleCount int

	// MaxConcurrentMaps bounds how many maps a periodic run works on at
	// once.
	// Default: 4
	MaxConcurrentMaps int

	// MapsPerSecond paces a periodic run. Zero disables pacing.
	MapsPerSecond float64

	// FaultedKeys returns the keys of a map that clients hold in their
	// local working set. Those entries are never evicted.
	FaultedKeys func(id object.ID) map[string]struct{}

	// Now returns the current time.
	Now func() time.Time

	Listener Listener
	Metrics  *metrics.EvictionMetrics
	Logger   *logging.Logger
}

// Evictor runs eviction over the resident maps of a Heap.
type Evictor struct {
	heap    Heap
	txns    Transactions
	config  Config
	logger  *logging.Logger
	limiter *rate.Limiter

	inFlightMu sync.Mutex
	inFlight   object.IDSet

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates an evictor.
func New(heap Heap, txns Transactions, config Config) *Evictor {
	if config.Period <= 0 {
		config.Period = 5 * time.Second
	}
	if config.Overshoot < 0 {
		config.Overshoot = 0
	}
	if config.MinSampleCount <= 0 {
		config.MinSampleCount = 100
	}
	if config.ExpirySampleCount <= 0 {
		config.ExpirySampleCount = 100
	}
	if config.MaxConcurrentMaps <= 0 {
		config.MaxConcurrentMaps = 4
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.MapsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.MapsPerSecond), 1)
	}
	return &Evictor{
		heap:     heap,
		txns:     txns,
		config:   config,
		logger:   logging.OrGlobal(config.Logger).WithComponent("evictor"),
		limiter:  limiter,
		inFlight: object.NewIDSet(),
	}
}

// StartEvictor begins periodic runs.
func (e *Evictor) StartEvictor() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.mu.Unlock()

	go e.run()
}

// Stop stops periodic runs and waits for the current one to finish.
func (e *Evictor) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	close(e.stopCh)
	e.mu.Unlock()

	<-e.doneCh

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
}

func (e *Evictor) run() {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.config.Period)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-e.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			if _, err := e.RunEvictor(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Warnf("periodic eviction failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

// RunEvictor runs once over every resident map. Maps that are busy are
// skipped until the next run; a failure on one map does not stop the
// others.
func (e *Evictor) RunEvictor(ctx context.Context) ([]Result, error) {
	ids := e.heap.ResidentMapIDs()

	var mu sync.Mutex
	results := make([]Result, 0, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.MaxConcurrentMaps)
	for _, id := range ids {
		if err := e.limiter.Wait(gctx); err != nil {
			break
		}
		g.Go(func() error {
			var ignore map[string]struct{}
			if e.config.FaultedKeys != nil {
				ignore = e.config.FaultedKeys(id)
			}
			res, err := e.DoEvictionOn(gctx, id, ignore, true)
			switch {
			case err == nil:
			case errors.Is(err, heaperr.ErrConcurrentCycle), errors.Is(err, heaperr.ErrNotEvictable),
				errors.Is(err, heaperr.ErrNotFound):
				return nil
			case gctx.Err() != nil:
				return gctx.Err()
			default:
				e.logger.Warnf("map eviction failed", map[string]any{"map": id.String(), "error": err.Error()})
				return nil
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return results, err
}

// DoEvictionOn runs eviction on one map. Keys in faultedInClients are never
// evicted. A periodic run skips a map that is checked out elsewhere; an ad
// hoc run waits for it. A second run on a map whose run has not completed
// fails with ErrConcurrentCycle.
func (e *Evictor) DoEvictionOn(ctx context.Context, oid object.ID, faultedInClients map[string]struct{}, periodicEvictorRun bool) (Result, error) {
	trigger := metrics.TriggerAdhoc
	if periodicEvictorRun {
		trigger = metrics.TriggerPeriodic
	}
	res := Result{MapID: oid, Trigger: trigger}

	if !e.begin(oid) {
		return res, &heaperr.ObjectError{Op: "evict", ID: oid, Err: heaperr.ErrConcurrentCycle}
	}
	defer e.EvictionCompleted(ctx, oid, &res)

	start := e.config.Now()
	log := logging.FromCtx(ctx, e.logger)

	lc, ready, err := e.heap.Lookup(ctx, requester, []object.ID{oid}, 0)
	if err != nil {
		return res, err
	}
	if !ready && periodicEvictorRun {
		withdrawn, cancel := context.WithCancel(ctx)
		cancel()
		objs, err := lc.Wait(withdrawn)
		if err != nil {
			res.Skipped = true
			return res, nil
		}
		// Resolved before it could be withdrawn.
		res, err = e.evictAndRelease(ctx, objs[oid], faultedInClients, res, start)
		return res, err
	}
	objs, err := lc.Wait(ctx)
	if err != nil {
		return res, err
	}
	res, err = e.evictAndRelease(ctx, objs[oid], faultedInClients, res, start)
	if err == nil && res.Evicted > 0 {
		log.Debugf("evicted map entries", map[string]any{
			"map":     oid.String(),
			"reason":  res.Reason,
			"evicted": res.Evicted,
			"size":    res.SizeAfter,
		})
	}
	return res, err
}

func (e *Evictor) evictAndRelease(ctx context.Context, obj *object.ManagedObject, ignore map[string]struct{}, res Result, start time.Time) (Result, error) {
	gtx := e.txns.Begin()
	defer e.txns.Complete(gtx)

	ms, ok := obj.MapState()
	if !ok {
		if err := e.heap.Release(ctx, gtx, obj); err != nil {
			return res, err
		}
		return res, &heaperr.ObjectError{Op: "evict", ID: obj.ID, Err: heaperr.ErrNotEvictable}
	}

	res.SizeBefore = ms.Size()
	nowMs := e.config.Now().UnixMilli()
	rng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))

	switch {
	case ms.MaxTotalCount > 0 && ms.Size() > ms.MaxTotalCount:
		res.Reason = metrics.ReasonCapacity
		count := ms.Size() - (ms.MaxTotalCount - e.config.Overshoot)
		if count < e.config.MinSampleCount {
			count = e.config.MinSampleCount
		}
		samples := ms.RandomSamples(rng, count, ignore)
		res.Sampled = len(samples)
		res.Evicted = Evict(ms, samples, Plan{
			TargetMaxTotalCount: ms.MaxTotalCount,
			Overshoot:           e.config.Overshoot,
			NowMs:               nowMs,
		})
	case ms.TTISeconds > 0 || ms.TTLSeconds > 0:
		res.Reason = metrics.ReasonExpiry
		samples := ms.RandomSamples(rng, e.config.ExpirySampleCount, ignore)
		res.Sampled = len(samples)
		res.Evicted = Evict(ms, samples, Plan{
			TTISeconds: ms.TTISeconds,
			TTLSeconds: ms.TTLSeconds,
			NowMs:      nowMs,
		})
	}
	res.SizeAfter = ms.Size()

	if err := e.heap.Release(ctx, gtx, obj); err != nil {
		return res, fmt.Errorf("release map %s after eviction: %w", obj.ID, err)
	}
	res.Duration = e.config.Now().Sub(start)
	if e.config.Metrics != nil && res.Reason != "" {
		e.config.Metrics.RecordRun(res.Trigger, res.Reason, res.Duration.Seconds(), res.Sampled, res.Evicted)
	}
	return res, nil
}

func (e *Evictor) begin(oid object.ID) bool {
	e.inFlightMu.Lock()
	defer e.inFlightMu.Unlock()
	if e.inFlight.Contains(oid) {
		return false
	}
	e.inFlight.Add(oid)
	return true
}

// EvictionCompleted ends the run on oid, allowing the next one, and
// notifies the listener.
func (e *Evictor) EvictionCompleted(ctx context.Context, oid object.ID, res *Result) {
	e.inFlightMu.Lock()
	e.inFlight.Remove(oid)
	e.inFlightMu.Unlock()

	if e.config.Listener != nil && res != nil && !res.Skipped && res.Reason != "" {
		e.config.Listener.EvictionCompleted(ctx, *res)
	}
}
