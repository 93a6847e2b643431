package object

import (
	"encoding/json"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseID(t *testing.T) {
	for _, in := range []string{"42", "oid:42", "00000000000000000042"} {
		id, err := ParseID(in)
		require.NoError(t, err, in)
		assert.Equal(t, ID(42), id)
	}

	_, err := ParseID("oid:abc")
	assert.Error(t, err)
}

func TestIDKeySortsInIDOrder(t *testing.T) {
	assert.Less(t, ID(9).Key(), ID(10).Key())
	assert.Less(t, ID(99).Key(), ID(1000).Key())
}

func TestIDSetSorted(t *testing.T) {
	s := NewIDSet(5, 1, 3)
	s.Add(2)
	s.Remove(3)
	assert.Equal(t, []ID{1, 2, 5}, s.Sorted())
	assert.True(t, s.Contains(5))
	assert.False(t, s.Contains(3))
}

func TestPhysicalStateReferences(t *testing.T) {
	s := NewPhysicalState("Node")
	s.Set("next", RefValue(7))
	s.Set("prev", RefValue(3))
	s.Set("alias", RefValue(7))
	s.Set("name", LiteralValue("n1"))

	assert.Equal(t, []ID{3, 7}, s.References())
}

func TestMapStateReferencesIgnoreLiterals(t *testing.T) {
	s := NewMapState("Cache", 0, 0, 0)
	s.Put("a", RefValue(10), 0)
	s.Put("b", LiteralValue("x"), 0)
	s.Put("c", RefValue(4), 0)

	assert.Equal(t, []ID{4, 10}, s.References())
}

func TestMapEntryCanEvict(t *testing.T) {
	e := &MapEntry{CreatedAtMs: 0, LastAccessedMs: 5_000}

	assert.True(t, e.CanEvict(6_000, 0, 0), "both dimensions disabled")
	assert.False(t, e.CanEvict(6_000, 10, 0), "idle 1s of 10s")
	assert.True(t, e.CanEvict(15_000, 10, 0), "idle 10s of 10s")
	assert.False(t, e.CanEvict(6_000, 0, 60), "lived 6s of 60s")
	assert.True(t, e.CanEvict(60_000, 0, 60), "lived 60s of 60s")
	assert.True(t, e.CanEvict(60_000, 3600, 60), "ttl expired even though tti is not")
	assert.True(t, e.CanEvict(6_000, -1, -1), "negative thresholds disable both dimensions")
}

func TestRandomSamplesRespectsCountAndIgnoreList(t *testing.T) {
	s := NewMapState("Cache", 0, 0, 0)
	for i := 0; i < 100; i++ {
		s.Put(string(rune('a'+i%26))+string(rune('0'+i/26)), LiteralValue("v"), 0)
	}
	ignore := map[string]struct{}{"a0": {}, "b0": {}}
	rng := rand.New(rand.NewPCG(1, 2))

	samples := s.RandomSamples(rng, 10, ignore)
	assert.Len(t, samples, 10)
	for k := range samples {
		_, ignored := ignore[k]
		assert.False(t, ignored, "sampled ignored key %s", k)
	}

	all := s.RandomSamples(rng, 1000, ignore)
	assert.Len(t, all, 98)
}

func TestRandomSamplesCoverWholeMap(t *testing.T) {
	s := NewMapState("Cache", 0, 0, 0)
	for i := 0; i < 20; i++ {
		s.Put(string(rune('a'+i)), LiteralValue("v"), 0)
	}
	rng := rand.New(rand.NewPCG(7, 7))
	hits := make(map[string]int)
	for i := 0; i < 2000; i++ {
		for k := range s.RandomSamples(rng, 2, nil) {
			hits[k]++
		}
	}
	// Every key should be drawn roughly 200 times; a biased sampler that
	// always picks the first keys of iteration would leave some at zero.
	require.Len(t, hits, 20)
	for k, n := range hits {
		assert.Greater(t, n, 100, "key %s under-sampled", k)
	}
}

func TestManagedObjectJSONKeepsKindAndReferences(t *testing.T) {
	ms := NewMapState("Sessions", 100, 30, 0)
	ms.Put("s1", RefValue(9), 1000)
	obj := &ManagedObject{ID: 3, Version: 4, IsNew: true, Dirty: true, State: ms}

	data, err := json.Marshal(obj)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "map", raw["kind"])
	assert.Equal(t, []any{float64(9)}, raw["references"])

	var decoded ManagedObject
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, ID(3), decoded.ID)
	assert.False(t, decoded.IsNew)
	assert.False(t, decoded.Dirty)
	got, ok := decoded.MapState()
	require.True(t, ok)
	assert.Equal(t, 100, got.MaxTotalCount)
	assert.Equal(t, []ID{9}, decoded.References())
}

func TestManagedObjectUnknownKind(t *testing.T) {
	var o ManagedObject
	err := json.Unmarshal([]byte(`{"id":1,"kind":"weird","state":{}}`), &o)
	assert.ErrorContains(t, err, "unknown state kind")
}

func TestCloneIsDeep(t *testing.T) {
	ps := NewPhysicalState("Node")
	ps.Set("next", RefValue(2))
	obj := &ManagedObject{ID: 1, State: ps}

	c := obj.Clone()
	c.State.(*PhysicalState).Set("next", RefValue(3))

	assert.Equal(t, []ID{2}, obj.References())
	assert.Equal(t, []ID{3}, c.References())
}
