// Package object defines the unit of storage of the heap: ObjectIDs,
// managed objects and their per-kind state.
//
// Outbound references are never discovered by walking fields generically.
// Every State kind reports its own reference set through References, and
// the encoded form carries the kind tag so a decoder knows which concrete
// state to build.
package object

import (
	"fmt"
	"sort"
	"strconv"
)

// ID is the surrogate key of a managed object. IDs are assigned from a
// monotonic sequence, are totally ordered and are never reused.
type ID uint64

// NullID is the zero ID. It never names an object.
const NullID ID = 0

// IsNull reports whether id is the null reference.
func (id ID) IsNull() bool {
	return id == NullID
}

func (id ID) String() string {
	return "oid:" + strconv.FormatUint(uint64(id), 10)
}

// Key returns the zero-padded decimal form of id. Keys sort in ID order.
func (id ID) Key() string {
	return fmt.Sprintf("%020d", uint64(id))
}

// ParseID parses either the plain decimal, the zero-padded or the "oid:"
// prefixed form of an ID.
func ParseID(s string) (ID, error) {
	if len(s) > 4 && s[:4] == "oid:" {
		s = s[4:]
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return NullID, fmt.Errorf("parse object id %q: %w", s, err)
	}
	return ID(v), nil
}

// SortIDs sorts ids in place in ascending order and returns them.
func SortIDs(ids []ID) []ID {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IDSet is an unordered set of IDs.
type IDSet map[ID]struct{}

// NewIDSet creates a set holding ids.
func NewIDSet(ids ...ID) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Add adds id to the set.
func (s IDSet) Add(id ID) {
	s[id] = struct{}{}
}

// AddAll adds every member of other to the set.
func (s IDSet) AddAll(other IDSet) {
	for id := range other {
		s[id] = struct{}{}
	}
}

// Remove removes id from the set.
func (s IDSet) Remove(id ID) {
	delete(s, id)
}

// Contains reports whether id is a member.
func (s IDSet) Contains(id ID) bool {
	_, ok := s[id]
	return ok
}

// Len returns the number of members.
func (s IDSet) Len() int {
	return len(s)
}

// Clone returns a copy of the set.
func (s IDSet) Clone() IDSet {
	c := make(IDSet, len(s))
	for id := range s {
		c[id] = struct{}{}
	}
	return c
}

// Sorted returns the members in ascending ID order.
func (s IDSet) Sorted() []ID {
	ids := make([]ID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	return SortIDs(ids)
}
