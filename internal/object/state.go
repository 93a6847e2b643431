package object

import (
	"math/rand/v2"
	"sort"
)

// Kind tags the concrete State of a managed object.
type Kind string

const (
	// KindPhysical is a plain object made of named fields.
	KindPhysical Kind = "physical"
	// KindMap is a clustered map whose entries can be evicted.
	KindMap Kind = "map"
)

// State is the per-kind content of a managed object. References must
// return every ObjectID the state points to; it is the sole source of the
// outbound edges of the reachability graph.
type State interface {
	Kind() Kind
	ClassName() string
	References() []ID
	Clone() State
}

// Value is either a literal or a reference to another managed object.
type Value struct {
	Ref     ID     `json:"ref,omitempty"`
	Literal string `json:"literal,omitempty"`
}

// RefValue returns a Value pointing at id.
func RefValue(id ID) Value {
	return Value{Ref: id}
}

// LiteralValue returns a Value holding s.
func LiteralValue(s string) Value {
	return Value{Literal: s}
}

// IsRef reports whether the value points at another object.
func (v Value) IsRef() bool {
	return !v.Ref.IsNull()
}

// PhysicalState is a plain object: a class name plus named fields.
type PhysicalState struct {
	Class  string           `json:"class"`
	Fields map[string]Value `json:"fields,omitempty"`
}

// NewPhysicalState creates an empty physical state of the given class.
func NewPhysicalState(class string) *PhysicalState {
	return &PhysicalState{Class: class, Fields: make(map[string]Value)}
}

func (s *PhysicalState) Kind() Kind        { return KindPhysical }
func (s *PhysicalState) ClassName() string { return s.Class }

// Set assigns a field.
func (s *PhysicalState) Set(field string, v Value) {
	if s.Fields == nil {
		s.Fields = make(map[string]Value)
	}
	s.Fields[field] = v
}

// References returns the distinct referenced IDs in ascending order.
func (s *PhysicalState) References() []ID {
	refs := NewIDSet()
	for _, v := range s.Fields {
		if v.IsRef() {
			refs.Add(v.Ref)
		}
	}
	return refs.Sorted()
}

func (s *PhysicalState) Clone() State {
	c := &PhysicalState{Class: s.Class, Fields: make(map[string]Value, len(s.Fields))}
	for k, v := range s.Fields {
		c.Fields[k] = v
	}
	return c
}

// MapEntry is one key of a clustered map with its access bookkeeping.
// Timestamps are Unix milliseconds.
type MapEntry struct {
	Value          Value `json:"value"`
	CreatedAtMs    int64 `json:"createdAtMs"`
	LastAccessedMs int64 `json:"lastAccessedMs"`
}

// CanEvict reports whether the entry has been idle for longer than
// ttiSeconds or has lived longer than ttlSeconds. A zero or negative
// threshold disables that dimension. With both dimensions disabled every
// entry is evictable, which is what capacity eviction relies on.
func (e *MapEntry) CanEvict(nowMs int64, ttiSeconds, ttlSeconds int64) bool {
	if ttiSeconds <= 0 && ttlSeconds <= 0 {
		return true
	}
	if ttiSeconds > 0 && nowMs-e.LastAccessedMs >= ttiSeconds*1000 {
		return true
	}
	if ttlSeconds > 0 && nowMs-e.CreatedAtMs >= ttlSeconds*1000 {
		return true
	}
	return false
}

// MapState is a clustered map. Only its entries are ever evicted; the map
// object itself lives and dies by reachability like any other object.
type MapState struct {
	Class         string               `json:"class"`
	Entries       map[string]*MapEntry `json:"entries,omitempty"`
	MaxTotalCount int                  `json:"maxTotalCount,omitempty"`
	TTISeconds    int64                `json:"ttiSeconds,omitempty"`
	TTLSeconds    int64                `json:"ttlSeconds,omitempty"`
}

// NewMapState creates an empty map with the given limits.
func NewMapState(class string, maxTotalCount int, ttiSeconds, ttlSeconds int64) *MapState {
	return &MapState{
		Class:         class,
		Entries:       make(map[string]*MapEntry),
		MaxTotalCount: maxTotalCount,
		TTISeconds:    ttiSeconds,
		TTLSeconds:    ttlSeconds,
	}
}

func (s *MapState) Kind() Kind        { return KindMap }
func (s *MapState) ClassName() string { return s.Class }

// Size returns the number of entries.
func (s *MapState) Size() int {
	return len(s.Entries)
}

// Put inserts or replaces key. The creation time of an existing entry is
// reset, since a replaced value starts a new life.
func (s *MapState) Put(key string, v Value, nowMs int64) {
	if s.Entries == nil {
		s.Entries = make(map[string]*MapEntry)
	}
	s.Entries[key] = &MapEntry{Value: v, CreatedAtMs: nowMs, LastAccessedMs: nowMs}
}

// Get returns the value for key and records the access.
func (s *MapState) Get(key string, nowMs int64) (Value, bool) {
	e, ok := s.Entries[key]
	if !ok {
		return Value{}, false
	}
	e.LastAccessedMs = nowMs
	return e.Value, true
}

// Remove deletes key and reports whether it was present.
func (s *MapState) Remove(key string) bool {
	if _, ok := s.Entries[key]; !ok {
		return false
	}
	delete(s.Entries, key)
	return true
}

// RandomSamples returns an unbiased sample of up to count entries, skipping
// keys in ignore. Sampling uses a reservoir so the cost is one pass over the
// keys with O(count) extra memory; Go map iteration order is not uniform
// enough to be used directly.
func (s *MapState) RandomSamples(rng *rand.Rand, count int, ignore map[string]struct{}) map[string]*MapEntry {
	if count <= 0 || len(s.Entries) == 0 {
		return map[string]*MapEntry{}
	}
	reservoir := make([]string, 0, count)
	seen := 0
	for key := range s.Entries {
		if _, skip := ignore[key]; skip {
			continue
		}
		seen++
		if len(reservoir) < count {
			reservoir = append(reservoir, key)
			continue
		}
		if j := rng.IntN(seen); j < count {
			reservoir[j] = key
		}
	}
	out := make(map[string]*MapEntry, len(reservoir))
	for _, key := range reservoir {
		out[key] = s.Entries[key]
	}
	return out
}

// References returns the distinct IDs referenced by entry values.
func (s *MapState) References() []ID {
	refs := NewIDSet()
	for _, e := range s.Entries {
		if e.Value.IsRef() {
			refs.Add(e.Value.Ref)
		}
	}
	return refs.Sorted()
}

func (s *MapState) Clone() State {
	c := &MapState{
		Class:         s.Class,
		Entries:       make(map[string]*MapEntry, len(s.Entries)),
		MaxTotalCount: s.MaxTotalCount,
		TTISeconds:    s.TTISeconds,
		TTLSeconds:    s.TTLSeconds,
	}
	for k, e := range s.Entries {
		ec := *e
		c.Entries[k] = &ec
	}
	return c
}

// SortedKeys returns the entry keys in lexical order.
func (s *MapState) SortedKeys() []string {
	keys := make([]string, 0, len(s.Entries))
	for k := range s.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
