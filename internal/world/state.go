// Package world holds the authoritative simulation state of one room.
//
// A State is owned by exactly one tick driver and mutated only through Apply.
// Readers that need a stable view take a Frame, an immutable copy ordered by
// entity id.
package world

import (
	"bytes"
	"sort"
)

// EntityID identifies an entity within one room.
type EntityID uint32

// ComponentID identifies one serialized component on an entity.
type ComponentID uint16

// Entity maps component ids to opaque serialized component data.
type Entity map[ComponentID][]byte

// MutationOp is the kind of change a Mutation performs.
type MutationOp uint8

const (
	OpSet     MutationOp = iota + 1 // create or overwrite a component (spawns the entity if needed)
	OpUnset                         // remove one component
	OpDespawn                       // remove the entity entirely
	OpSpawn                         // create an empty entity if absent
)

// Mutation is a single change produced by gameplay code.
type Mutation struct {
	Op        MutationOp
	Entity    EntityID
	Component ComponentID
	Data      []byte
}

// Set returns a mutation writing data to component c of entity e.
func Set(e EntityID, c ComponentID, data []byte) Mutation {
	return Mutation{Op: OpSet, Entity: e, Component: c, Data: data}
}

// Unset returns a mutation removing component c from entity e.
func Unset(e EntityID, c ComponentID) Mutation {
	return Mutation{Op: OpUnset, Entity: e, Component: c}
}

// Spawn returns a mutation creating entity e with no components.
func Spawn(e EntityID) Mutation {
	return Mutation{Op: OpSpawn, Entity: e}
}

// Despawn returns a mutation removing entity e.
func Despawn(e EntityID) Mutation {
	return Mutation{Op: OpDespawn, Entity: e}
}

// State is the mutable world of one room: a tick counter plus entities.
type State struct {
	tick     uint64
	entities map[EntityID]Entity
}

// NewState returns an empty world at tick 0.
func NewState() *State {
	return &State{entities: make(map[EntityID]Entity)}
}

// FromFrame rebuilds a mutable State from an immutable frame.
func FromFrame(f Frame) *State {
	s := &State{tick: f.Tick, entities: make(map[EntityID]Entity, len(f.Entities))}
	for _, rec := range f.Entities {
		ent := make(Entity, len(rec.Components))
		for _, c := range rec.Components {
			ent[c.ID] = cloneBytes(c.Data)
		}
		s.entities[rec.ID] = ent
	}
	return s
}

// Tick returns the last completed tick.
func (s *State) Tick() uint64 {
	return s.tick
}

// Advance increments the tick counter and returns the new tick.
func (s *State) Advance() uint64 {
	s.tick++
	return s.tick
}

// Apply performs mutations in order. Data slices are copied.
func (s *State) Apply(muts []Mutation) {
	for _, m := range muts {
		switch m.Op {
		case OpSet:
			ent, ok := s.entities[m.Entity]
			if !ok {
				ent = make(Entity)
				s.entities[m.Entity] = ent
			}
			ent[m.Component] = cloneBytes(m.Data)
		case OpUnset:
			if ent, ok := s.entities[m.Entity]; ok {
				delete(ent, m.Component)
			}
		case OpDespawn:
			delete(s.entities, m.Entity)
		case OpSpawn:
			if _, ok := s.entities[m.Entity]; !ok {
				s.entities[m.Entity] = make(Entity)
			}
		}
	}
}

// Component returns the data of one component. The returned slice must not be modified.
func (s *State) Component(e EntityID, c ComponentID) ([]byte, bool) {
	ent, ok := s.entities[e]
	if !ok {
		return nil, false
	}
	data, ok := ent[c]
	return data, ok
}

// Has reports whether entity e exists.
func (s *State) Has(e EntityID) bool {
	_, ok := s.entities[e]
	return ok
}

// Len returns the number of entities.
func (s *State) Len() int {
	return len(s.entities)
}

// IDs returns entity ids in ascending order.
func (s *State) IDs() []EntityID {
	ids := make([]EntityID, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	return FromFrame(s.Frame())
}

// Frame captures an immutable, id-ordered copy of the state.
func (s *State) Frame() Frame {
	f := Frame{Tick: s.tick, Entities: make([]EntityRecord, 0, len(s.entities))}
	for _, id := range s.IDs() {
		ent := s.entities[id]
		rec := EntityRecord{ID: id, Components: make([]Component, 0, len(ent))}
		for cid, data := range ent {
			rec.Components = append(rec.Components, Component{ID: cid, Data: cloneBytes(data)})
		}
		sort.Slice(rec.Components, func(i, j int) bool { return rec.Components[i].ID < rec.Components[j].ID })
		f.Entities = append(f.Entities, rec)
	}
	return f
}

// Equal reports whether two states hold the same entities and data.
// The tick counter is not compared.
func (s *State) Equal(o *State) bool {
	if len(s.entities) != len(o.entities) {
		return false
	}
	for id, ent := range s.entities {
		other, ok := o.entities[id]
		if !ok || len(ent) != len(other) {
			return false
		}
		for cid, data := range ent {
			od, ok := other[cid]
			if !ok || !bytes.Equal(data, od) {
				return false
			}
		}
	}
	return true
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
