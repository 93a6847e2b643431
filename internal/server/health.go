// Package server assembles a heapd node: the metadata and object stores,
// the object manager, the collector, the evictor and the HTTP surfaces
// around them.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dray-io/heapd/internal/logging"
)

// ReadinessChecker is implemented by every dependency that takes part in
// /readyz.
type ReadinessChecker interface {
	// Name returns the name of the component for display in health status.
	Name() string

	// CheckReady returns nil when the component can serve, or an error
	// describing why not.
	CheckReady(ctx context.Context) error
}

// Health tracks liveness and readiness of a node and serves them as
// /healthz and /readyz.
type Health struct {
	mu               sync.RWMutex
	logger           *logging.Logger
	shutDown         atomic.Bool
	loops            map[string]bool
	readinessChecks  []ReadinessChecker
	readinessTimeout time.Duration
}

// HealthStatus represents the health check response.
type HealthStatus struct {
	Status string                 `json:"status"`
	Loops  map[string]bool        `json:"loops,omitempty"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult represents the result of a single health check.
type CheckResult struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// DefaultReadinessTimeout is the default timeout for readiness checks.
const DefaultReadinessTimeout = 5 * time.Second

// NewHealth creates a Health with no checks registered.
func NewHealth(logger *logging.Logger) *Health {
	return &Health{
		logger:           logging.OrGlobal(logger).WithComponent("health"),
		loops:            make(map[string]bool),
		readinessTimeout: DefaultReadinessTimeout,
	}
}

// RegisterReadinessCheck adds checker to every /readyz evaluation.
func (h *Health) RegisterReadinessCheck(checker ReadinessChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessChecks = append(h.readinessChecks, checker)
}

// SetReadinessTimeout sets the timeout for individual readiness checks.
func (h *Health) SetReadinessTimeout(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessTimeout = d
}

// LoopStarted marks a background loop as running. A registered loop that
// has stopped makes the node degraded.
func (h *Health) LoopStarted(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loops[name] = true
}

// LoopStopped marks a background loop as stopped.
func (h *Health) LoopStopped(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.loops[name]; ok {
		h.loops[name] = false
	}
}

// SetShuttingDown makes both probes fail from now on.
func (h *Health) SetShuttingDown() {
	h.shutDown.Store(true)
}

// IsShuttingDown reports whether SetShuttingDown has been called.
func (h *Health) IsShuttingDown() bool {
	return h.shutDown.Load()
}

// Handlers returns the probe and profiling handlers keyed by path.
func (h *Health) Handlers() map[string]http.Handler {
	handlers := map[string]http.Handler{
		"/healthz":             http.HandlerFunc(h.handleHealthz),
		"/readyz":              http.HandlerFunc(h.handleReadyz),
		"/debug/pprof/":        http.HandlerFunc(pprof.Index),
		"/debug/pprof/cmdline": http.HandlerFunc(pprof.Cmdline),
		"/debug/pprof/profile": http.HandlerFunc(pprof.Profile),
		"/debug/pprof/symbol":  http.HandlerFunc(pprof.Symbol),
		"/debug/pprof/trace":   http.HandlerFunc(pprof.Trace),
	}
	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		handlers["/debug/pprof/"+name] = pprof.Handler(name)
	}
	return handlers
}

func (h *Health) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeStatus(w, r, h.CheckHealth())
}

func (h *Health) handleReadyz(w http.ResponseWriter, r *http.Request) {
	h.writeStatus(w, r, h.CheckReadiness(r.Context()))
}

func (h *Health) writeStatus(w http.ResponseWriter, r *http.Request, status HealthStatus) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if r.Method != http.MethodHead {
		if err := json.NewEncoder(w).Encode(status); err != nil {
			h.logger.Debugf("failed to write health status", map[string]any{"error": err.Error()})
		}
	}
}

// CheckHealth evaluates liveness: the node is not shutting down and every
// registered loop is running.
func (h *Health) CheckHealth() HealthStatus {
	status := HealthStatus{
		Status: "ok",
		Loops:  make(map[string]bool),
		Checks: make(map[string]CheckResult),
	}
	if h.shutDown.Load() {
		status.Status = "shutting_down"
		status.Checks["shutdown"] = CheckResult{Healthy: false, Message: "node is shutting down"}
		return status
	}
	status.Checks["shutdown"] = CheckResult{Healthy: true, Message: "node is running"}

	h.mu.RLock()
	defer h.mu.RUnlock()
	allRunning := true
	for name, running := range h.loops {
		status.Loops[name] = running
		if !running {
			allRunning = false
		}
	}
	if !allRunning {
		status.Status = "degraded"
		status.Checks["loops"] = CheckResult{Healthy: false, Message: "one or more background loops are not running"}
	}
	return status
}

// CheckReadiness runs every registered readiness check.
func (h *Health) CheckReadiness(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult),
	}
	if h.shutDown.Load() {
		status.Status = "shutting_down"
		status.Checks["shutdown"] = CheckResult{Healthy: false, Message: "node is shutting down"}
		return status
	}

	h.mu.RLock()
	checks := make([]ReadinessChecker, len(h.readinessChecks))
	copy(checks, h.readinessChecks)
	timeout := h.readinessTimeout
	h.mu.RUnlock()

	for _, checker := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		err := checker.CheckReady(checkCtx)
		cancel()
		if err != nil {
			status.Status = "not_ready"
			status.Checks[checker.Name()] = CheckResult{Healthy: false, Message: err.Error()}
			continue
		}
		status.Checks[checker.Name()] = CheckResult{Healthy: true, Message: "healthy"}
	}
	return status
}
