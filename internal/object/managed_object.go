package object

import (
	"encoding/json"
	"fmt"
)

// ManagedObject is the versioned state of one object plus its bookkeeping
// flags. IsNew stays true until the first transaction touching the object
// has been applied; Dirty is set while a change is waiting to be committed.
type ManagedObject struct {
	ID      ID
	Version uint64
	Dirty   bool
	IsNew   bool
	State   State
}

// New returns a freshly created object with no state.
func New(id ID) *ManagedObject {
	return &ManagedObject{ID: id, IsNew: true}
}

// References returns the outbound edges of the object.
func (o *ManagedObject) References() []ID {
	if o.State == nil {
		return nil
	}
	return o.State.References()
}

// ClassName returns the class of the state, or "" when there is none.
func (o *ManagedObject) ClassName() string {
	if o.State == nil {
		return ""
	}
	return o.State.ClassName()
}

// MapState returns the clustered map state of the object, if it has one.
func (o *ManagedObject) MapState() (*MapState, bool) {
	ms, ok := o.State.(*MapState)
	return ms, ok
}

// Clone returns a deep copy.
func (o *ManagedObject) Clone() *ManagedObject {
	c := *o
	if o.State != nil {
		c.State = o.State.Clone()
	}
	return &c
}

// wireObject is the encoded form. References are stored alongside the
// state so the reference index can be rebuilt without decoding state.
type wireObject struct {
	ID         ID              `json:"id"`
	Version    uint64          `json:"version"`
	Kind       Kind            `json:"kind,omitempty"`
	References []ID            `json:"references,omitempty"`
	State      json.RawMessage `json:"state,omitempty"`
}

// MarshalJSON encodes the object with a kind tag for its state.
func (o *ManagedObject) MarshalJSON() ([]byte, error) {
	w := wireObject{ID: o.ID, Version: o.Version}
	if o.State != nil {
		data, err := json.Marshal(o.State)
		if err != nil {
			return nil, fmt.Errorf("encode state of %s: %w", o.ID, err)
		}
		w.Kind = o.State.Kind()
		w.State = data
		w.References = o.State.References()
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes an object encoded by MarshalJSON. Decoded objects
// are neither new nor dirty: they came from durable storage.
func (o *ManagedObject) UnmarshalJSON(data []byte) error {
	var w wireObject
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	o.ID = w.ID
	o.Version = w.Version
	o.Dirty = false
	o.IsNew = false
	o.State = nil

	switch w.Kind {
	case "":
		return nil
	case KindPhysical:
		var s PhysicalState
		if err := json.Unmarshal(w.State, &s); err != nil {
			return fmt.Errorf("decode physical state of %s: %w", w.ID, err)
		}
		o.State = &s
	case KindMap:
		var s MapState
		if err := json.Unmarshal(w.State, &s); err != nil {
			return fmt.Errorf("decode map state of %s: %w", w.ID, err)
		}
		if s.Entries == nil {
			s.Entries = make(map[string]*MapEntry)
		}
		o.State = &s
	default:
		return fmt.Errorf("decode %s: unknown state kind %q", w.ID, w.Kind)
	}
	return nil
}
