package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/heapd/internal/config"
	"github.com/dray-io/heapd/internal/eviction"
	"github.com/dray-io/heapd/internal/gc"
	"github.com/dray-io/heapd/internal/logging"
	"github.com/dray-io/heapd/internal/object"
	"github.com/dray-io/heapd/internal/server"
)

type testNode struct {
	*server.Node
	addr  string
	root  object.ID
	cache object.ID
}

func startTestNode(t *testing.T) *testNode {
	t.Helper()
	cfg := config.Default()
	cfg.Node.ID = "cli-test"
	cfg.Node.AdminAddr = "127.0.0.1:0"
	cfg.Observability.MetricsAddr = ""
	cfg.Eviction.Enabled = false

	n, err := server.NewNode(server.Options{Config: cfg, Logger: logging.Discard()})
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Shutdown(context.Background()) })

	tn := &testNode{Node: n, addr: n.AdminAddr()}
	ms := object.NewMapState("Cache", 100, 0, 0)
	for i := 0; i < 150; i++ {
		ms.Put(fmt.Sprintf("k%03d", i), object.LiteralValue("v"), int64(i))
	}
	tn.cache = tn.create(t, ms)
	holder := object.NewPhysicalState("Holder")
	holder.Set("cache", object.RefValue(tn.cache))
	tn.root = tn.create(t, holder)
	tn.create(t, object.NewPhysicalState("Orphan"))
	require.NoError(t, n.Manager().CreateRoot(context.Background(), "main", tn.root))
	return tn
}

func (tn *testNode) create(t *testing.T, st object.State) object.ID {
	t.Helper()
	ctx := context.Background()
	m := tn.Manager()
	ids, err := m.NextObjectIDs(ctx, 1)
	require.NoError(t, err)
	gtx := tn.Tracker().Begin()
	defer tn.Tracker().Complete(gtx)
	objs, err := m.CreateNewObjects(ctx, gtx, ids)
	require.NoError(t, err)
	objs[0].State = st
	require.NoError(t, m.Release(ctx, gtx, objs[0]))
	return ids[0]
}

func TestAdminRoots(t *testing.T) {
	tn := startTestNode(t)

	var out bytes.Buffer
	require.NoError(t, runAdminRoots([]string{"--addr", tn.addr}, &out))
	assert.Contains(t, out.String(), "NAME")
	assert.Contains(t, out.String(), "main")
	assert.Contains(t, out.String(), tn.root.String())

	out.Reset()
	require.NoError(t, runAdminRoots([]string{"--addr", tn.addr, "--json"}, &out))
	var roots map[string]object.ID
	require.NoError(t, json.Unmarshal(out.Bytes(), &roots))
	assert.Equal(t, tn.root, roots["main"])
}

func TestAdminStats(t *testing.T) {
	tn := startTestNode(t)

	var out bytes.Buffer
	require.NoError(t, runAdminStats([]string{"--addr", tn.addr}, &out))
	text := out.String()
	assert.Contains(t, text, "Live:         3")
	assert.Contains(t, text, "Cache")
	assert.Contains(t, text, "Orphan")
}

func TestAdminGCInlineAndHistory(t *testing.T) {
	tn := startTestNode(t)

	var out bytes.Buffer
	require.NoError(t, runAdminGC([]string{"--addr", tn.addr, "--wait"}, &out))
	assert.Contains(t, out.String(), "Collected:         1")

	out.Reset()
	require.NoError(t, runAdminHistory([]string{"--addr", tn.addr}, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "ITERATION"))
	assert.Contains(t, lines[1], "full")

	path := filepath.Join(t.TempDir(), "history.parquet")
	out.Reset()
	require.NoError(t, runAdminHistory([]string{"--addr", tn.addr, "--out", path}, &out))
	assert.Contains(t, out.String(), path)

	rows, err := parquet.ReadFile[gc.HistoryRecord](path)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].ActualGarbageCount)
}

func TestAdminGCQueued(t *testing.T) {
	tn := startTestNode(t)

	var out bytes.Buffer
	require.NoError(t, runAdminGC([]string{"--addr", tn.addr, "--kind", "young"}, &out))
	assert.Equal(t, "Queued young collection.\n", out.String())

	err := runAdminGC([]string{"--addr", tn.addr, "--kind", "partial"}, &out)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.Status)
	assert.Contains(t, apiErr.Message, "kind")
}

func TestAdminEvict(t *testing.T) {
	tn := startTestNode(t)

	var out bytes.Buffer
	require.NoError(t, runAdminEvict([]string{"--addr", tn.addr, "--map", tn.cache.String(), "--json"}, &out))
	var res eviction.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, tn.cache, res.MapID)
	assert.Equal(t, 150, res.SizeBefore)
	assert.LessOrEqual(t, res.SizeAfter, 100)

	out.Reset()
	require.NoError(t, runAdminEvict([]string{"--addr", tn.addr, "--map", tn.cache.String()}, &out))
	assert.Contains(t, out.String(), "needs no eviction")
}

func TestAdminEvictErrors(t *testing.T) {
	tn := startTestNode(t)
	var out bytes.Buffer

	require.Error(t, runAdminEvict([]string{"--addr", tn.addr}, &out))
	require.Error(t, runAdminEvict([]string{"--addr", tn.addr, "--map", "not-an-id"}, &out))

	err := runAdminEvict([]string{"--addr", tn.addr, "--map", tn.root.String()}, &out)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 422, apiErr.Status)
}

func TestAdminUnreachableNode(t *testing.T) {
	var out bytes.Buffer
	err := runAdminStats([]string{"--addr", "127.0.0.1:1", "--timeout", "1s"}, &out)
	require.Error(t, err)
}
