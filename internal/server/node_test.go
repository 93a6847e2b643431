package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/heapd/internal/config"
	"github.com/dray-io/heapd/internal/logging"
	"github.com/dray-io/heapd/internal/object"
	"github.com/dray-io/heapd/internal/objectmanager"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Node.ID = "node-test"
	cfg.Node.AdminAddr = "127.0.0.1:0"
	cfg.Observability.MetricsAddr = ""
	cfg.Eviction.PeriodMs = 50
	return cfg
}

func startNode(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	n, err := NewNode(Options{Config: cfg, Logger: logging.Discard(), Version: "test"})
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Shutdown(context.Background()) })
	return n
}

func get(t *testing.T, n *Node, path string) *http.Response {
	t.Helper()
	resp, err := http.Get("http://" + n.AdminAddr() + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func createObject(t *testing.T, n *Node, st object.State) object.ID {
	t.Helper()
	ctx := context.Background()
	m := n.Manager()
	ids, err := m.NextObjectIDs(ctx, 1)
	require.NoError(t, err)
	gtx := n.Tracker().Begin()
	defer n.Tracker().Complete(gtx)
	objs, err := m.CreateNewObjects(ctx, gtx, ids)
	require.NoError(t, err)
	objs[0].State = st
	require.NoError(t, m.Release(ctx, gtx, objs[0]))
	return ids[0]
}

func TestNewNodeRejectsInvalidConfig(t *testing.T) {
	_, err := NewNode(Options{})
	require.Error(t, err)

	cfg := testConfig()
	cfg.Metadata.Backend = "etcd"
	_, err = NewNode(Options{Config: cfg})
	require.Error(t, err)
}

func TestNewNodeGeneratesID(t *testing.T) {
	cfg := testConfig()
	cfg.Node.ID = ""
	n, err := NewNode(Options{Config: cfg, Logger: logging.Discard()})
	require.NoError(t, err)
	assert.NotEmpty(t, n.NodeID())
}

func TestNodeServesProbesAndAdmin(t *testing.T) {
	n := startNode(t, testConfig())

	resp := get(t, n, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.True(t, health.Loops["gc-scheduler"])
	assert.True(t, health.Loops["evictor"])

	resp = get(t, n, "/readyz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var ready HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ready))
	assert.True(t, ready.Checks["metadata_store"].Healthy)
	assert.True(t, ready.Checks["object_store"].Healthy)
	assert.True(t, ready.Checks["heap"].Healthy)

	resp = get(t, n, "/api/v1/roots")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNodeCollectsGarbage(t *testing.T) {
	n := startNode(t, testConfig())
	ctx := context.Background()

	root := createObject(t, n, object.NewPhysicalState("Holder"))
	garbage := createObject(t, n, object.NewPhysicalState("Orphan"))
	require.NoError(t, n.Manager().CreateRoot(ctx, "main", root))

	resp, err := http.Post("http://"+n.AdminAddr()+"/api/v1/gc?kind=full&wait=true", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats objectmanager.GCStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.ActualGarbageCount)
	assert.False(t, n.Manager().Exists(garbage))
	assert.True(t, n.Manager().Exists(root))
	assert.Len(t, n.Collector().History().Entries(), 1)
}

func TestNodeEvictsMapsPeriodically(t *testing.T) {
	n := startNode(t, testConfig())

	ms := object.NewMapState("Cache", 100, 0, 0)
	for i := 0; i < 150; i++ {
		ms.Put(fmt.Sprintf("k%03d", i), object.LiteralValue("v"), int64(i))
	}
	id := createObject(t, n, ms)

	require.Eventually(t, func() bool {
		size := mapSize(n, id)
		return size >= 0 && size <= 100-15
	}, 5*time.Second, 20*time.Millisecond)
}

// mapSize returns -1 while the map is checked out elsewhere.
func mapSize(n *Node, id object.ID) int {
	ctx := context.Background()
	lc, ready, err := n.Manager().Lookup(ctx, "test", []object.ID{id}, 0)
	if err != nil {
		return -1
	}
	if !ready {
		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		if _, err := lc.Wait(waitCtx); err != nil {
			return -1
		}
	}
	objs, err := lc.Result()
	if err != nil {
		return -1
	}
	obj := objs[id]
	gtx := n.Tracker().Begin()
	defer n.Tracker().Complete(gtx)
	defer n.Manager().Release(ctx, gtx, obj)
	ms, ok := obj.MapState()
	if !ok {
		return -1
	}
	return ms.Size()
}

func TestNodeShutdown(t *testing.T) {
	n := startNode(t, testConfig())
	addr := n.AdminAddr()

	require.NoError(t, n.Shutdown(context.Background()))
	assert.True(t, n.Health().IsShuttingDown())
	require.NoError(t, n.Shutdown(context.Background()))

	_, err := http.Get("http://" + addr + "/healthz")
	assert.Error(t, err)
}

func TestNodeRunStopsOnCancel(t *testing.T) {
	n, err := NewNode(Options{Config: testConfig(), Logger: logging.Discard()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	require.Eventually(t, func() bool { return n.AdminAddr() != "" }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNodeStartTwice(t *testing.T) {
	n := startNode(t, testConfig())
	require.Error(t, n.Start(context.Background()))
}
