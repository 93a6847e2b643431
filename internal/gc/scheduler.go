package gc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dray-io/heapd/internal/heaperr"
	"github.com/dray-io/heapd/internal/logging"
	"github.com/dray-io/heapd/internal/objectmanager"
)

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	// FullInterval is the time between full cycles. Zero disables them.
	// Default: 1 hour
	FullInterval time.Duration

	// YoungInterval is the time between young cycles.
	// Default: 3 minutes
	YoungInterval time.Duration

	// YoungEnabled turns on young cycles.
	YoungEnabled bool

	// MaxFailedPauses is the number of consecutive quiescence timeouts a
	// cycle may hit before the scheduler gives up and reports a fatal error.
	// Default: 5
	MaxFailedPauses int

	// RetryBackoff is the initial delay between attempts after a
	// quiescence timeout.
	// Default: 1s
	RetryBackoff time.Duration

	Logger *logging.Logger
}

// Scheduler triggers collection cycles on timers and on demand.
type Scheduler struct {
	collector *Collector
	config    SchedulerConfig
	logger    *logging.Logger

	trigger chan string
	fatal   chan error

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

// NewScheduler creates a scheduler for collector.
func NewScheduler(collector *Collector, config SchedulerConfig) *Scheduler {
	if config.YoungInterval <= 0 {
		config.YoungInterval = 3 * time.Minute
	}
	if config.MaxFailedPauses <= 0 {
		config.MaxFailedPauses = 5
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = time.Second
	}
	return &Scheduler{
		collector: collector,
		config:    config,
		logger:    logging.OrGlobal(config.Logger).WithComponent("gc-scheduler"),
		trigger:   make(chan string, 1),
		fatal:     make(chan error, 1),
	}
}

// Fatal delivers the error that made the scheduler stop. The owner is
// expected to shut the node down.
func (s *Scheduler) Fatal() <-chan error {
	return s.fatal
}

// Trigger requests an inline cycle of the given kind. It returns false if
// a triggered cycle is already queued.
func (s *Scheduler) Trigger(kind string) bool {
	select {
	case s.trigger <- kind:
		return true
	default:
		return false
	}
}

// Start begins the scheduling loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.doneCh = make(chan struct{})
	go s.run(ctx)
}

// Stop stops the loop and waits for a running cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	done := s.doneCh
	s.mu.Unlock()

	<-done

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	var fullC, youngC <-chan time.Time
	if s.config.FullInterval > 0 {
		t := time.NewTicker(s.config.FullInterval)
		defer t.Stop()
		fullC = t.C
	}
	if s.config.YoungEnabled {
		t := time.NewTicker(s.config.YoungInterval)
		defer t.Stop()
		youngC = t.C
	}

	for {
		var kind string
		select {
		case <-ctx.Done():
			return
		case <-fullC:
			kind = objectmanager.KindFull
		case <-youngC:
			kind = objectmanager.KindYoung
		case kind = <-s.trigger:
		}
		if err := s.RunCycle(ctx, kind); err != nil && heaperr.IsFatal(err) {
			select {
			case s.fatal <- err:
			default:
			}
			return
		}
	}
}

// RunCycle runs one cycle, retrying quiescence timeouts with backoff. When
// every attempt times out the error is wrapped in a FatalError.
func (s *Scheduler) RunCycle(ctx context.Context, kind string) error {
	attempts := 0
	b := retry.WithMaxRetries(uint64(s.config.MaxFailedPauses-1), retry.NewExponential(s.config.RetryBackoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempts++
		_, err := s.collector.Collect(ctx, kind)
		if errors.Is(err, heaperr.ErrQuiescenceTimeout) {
			return retry.RetryableError(err)
		}
		return err
	})

	switch {
	case err == nil:
		return nil
	case IsConcurrentCycle(err):
		s.logger.Debugf("cycle skipped, another is running", map[string]any{"kind": kind})
		return nil
	case errors.Is(err, heaperr.ErrQuiescenceTimeout):
		s.logger.Errorf("giving up on collection", map[string]any{
			"kind":     kind,
			"attempts": attempts,
		})
		return &heaperr.FatalError{Reason: "object manager never reached quiescence", Err: err}
	case errors.Is(err, context.Canceled):
		return nil
	default:
		s.logger.Warnf("cycle failed", map[string]any{"kind": kind, "error": err.Error()})
		return err
	}
}
