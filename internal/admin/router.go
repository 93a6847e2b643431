// Package admin serves the heapd introspection and operations API.
//
// Routes live under /api/v1:
//
//	GET  /roots            named roots and their object IDs
//	GET  /objects/stats    registry sizes and per-class instance counts
//	GET  /gc/history       recent cycles; ?format=parquet streams a parquet file
//	POST /gc               queue a cycle; ?kind=full|young, ?wait=true runs it inline
//	POST /maps/:id/evict   run an ad hoc eviction on one map
package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dray-io/heapd/internal/eviction"
	"github.com/dray-io/heapd/internal/gc"
	"github.com/dray-io/heapd/internal/heaperr"
	"github.com/dray-io/heapd/internal/logging"
	"github.com/dray-io/heapd/internal/metrics"
	"github.com/dray-io/heapd/internal/object"
	"github.com/dray-io/heapd/internal/objectmanager"
)

// Heap is the read side of the object manager.
type Heap interface {
	Roots() map[string]object.ID
	ObjectManagerStats() metrics.ObjectManagerStats
	InstanceCounts() map[string]int
}

// Collector runs and remembers collection cycles.
type Collector interface {
	Collect(ctx context.Context, kind string) (objectmanager.GCStats, error)
	History() *gc.History
}

// Scheduler queues cycles for the background loop.
type Scheduler interface {
	Trigger(kind string) bool
}

// Evictor runs eviction on a single map.
type Evictor interface {
	DoEvictionOn(ctx context.Context, oid object.ID, faultedInClients map[string]struct{}, periodicEvictorRun bool) (eviction.Result, error)
}

// Options wires the router to the node's components. Nil components make
// their routes answer 503.
type Options struct {
	Heap      Heap
	Collector Collector
	Scheduler Scheduler
	Evictor   Evictor
	// Extra handlers mounted at the root, such as health probes.
	Extra  map[string]http.Handler
	Logger *logging.Logger
}

// StatsResponse is the body of GET /objects/stats.
type StatsResponse struct {
	Live       int            `json:"live"`
	Resident   int            `json:"resident"`
	CheckedOut int            `json:"checkedOut"`
	Pending    int            `json:"pending"`
	Classes    map[string]int `json:"classes"`
}

// TriggerResponse is the body of POST /gc when the cycle is queued.
type TriggerResponse struct {
	Kind   string `json:"kind"`
	Queued bool   `json:"queued"`
}

type handlers struct {
	opts   Options
	logger *logging.Logger
}

// NewRouter builds the gin engine serving the admin API.
func NewRouter(opts Options) *gin.Engine {
	h := &handlers{opts: opts, logger: logging.OrGlobal(opts.Logger).WithComponent("admin")}

	router := gin.New()
	router.Use(gin.Recovery(), h.logRequests)

	for pattern, handler := range opts.Extra {
		router.Any(pattern, gin.WrapH(handler))
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/roots", h.getRoots)
		v1.GET("/objects/stats", h.getStats)
		v1.GET("/gc/history", h.getHistory)
		v1.POST("/gc", h.postGC)
		v1.POST("/maps/:id/evict", h.postEvict)
	}
	return router
}

func (h *handlers) logRequests(c *gin.Context) {
	c.Next()
	if c.Writer.Status() >= http.StatusInternalServerError {
		h.logger.Warnf("admin request failed", map[string]any{
			"method": c.Request.Method,
			"path":   c.FullPath(),
			"status": c.Writer.Status(),
		})
	}
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"message": what + " is not running on this node"})
}

func (h *handlers) getRoots(c *gin.Context) {
	if h.opts.Heap == nil {
		unavailable(c, "object manager")
		return
	}
	c.JSON(http.StatusOK, h.opts.Heap.Roots())
}

func (h *handlers) getStats(c *gin.Context) {
	if h.opts.Heap == nil {
		unavailable(c, "object manager")
		return
	}
	s := h.opts.Heap.ObjectManagerStats()
	c.JSON(http.StatusOK, StatsResponse{
		Live:       s.Live,
		Resident:   s.Resident,
		CheckedOut: s.CheckedOut,
		Pending:    s.Pending,
		Classes:    h.opts.Heap.InstanceCounts(),
	})
}

func (h *handlers) getHistory(c *gin.Context) {
	if h.opts.Collector == nil {
		unavailable(c, "collector")
		return
	}
	entries := h.opts.Collector.History().Entries()
	switch c.DefaultQuery("format", "json") {
	case "json":
		c.JSON(http.StatusOK, entries)
	case "parquet":
		c.Header("Content-Type", "application/vnd.apache.parquet")
		c.Header("Content-Disposition", `attachment; filename="gc-history.parquet"`)
		c.Status(http.StatusOK)
		if err := gc.ExportParquet(c.Writer, entries); err != nil {
			h.logger.Errorf("failed to export gc history", map[string]any{"error": err.Error()})
			_ = c.Error(err)
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"message": "format must be json or parquet"})
	}
}

func (h *handlers) postGC(c *gin.Context) {
	kind := c.DefaultQuery("kind", objectmanager.KindFull)
	if kind != objectmanager.KindFull && kind != objectmanager.KindYoung {
		c.JSON(http.StatusBadRequest, gin.H{"message": "kind must be full or young"})
		return
	}

	if wait, _ := strconv.ParseBool(c.Query("wait")); wait {
		if h.opts.Collector == nil {
			unavailable(c, "collector")
			return
		}
		stats, err := h.opts.Collector.Collect(c.Request.Context(), kind)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"message": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
		return
	}

	if h.opts.Scheduler == nil {
		unavailable(c, "gc scheduler")
		return
	}
	if !h.opts.Scheduler.Trigger(kind) {
		c.JSON(http.StatusConflict, gin.H{"message": "a triggered cycle is already queued"})
		return
	}
	c.JSON(http.StatusAccepted, TriggerResponse{Kind: kind, Queued: true})
}

func (h *handlers) postEvict(c *gin.Context) {
	if h.opts.Evictor == nil {
		unavailable(c, "evictor")
		return
	}
	id, err := object.ParseID(c.Param("id"))
	if err != nil || id.IsNull() {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid object id"})
		return
	}
	res, err := h.opts.Evictor.DoEvictionOn(c.Request.Context(), id, nil, false)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, heaperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, heaperr.ErrConcurrentCycle):
		return http.StatusConflict
	case errors.Is(err, heaperr.ErrNotEvictable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, heaperr.ErrQuiescenceTimeout), errors.Is(err, heaperr.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
