package world

import (
	"bytes"
	"sort"
)

// Component is one serialized component of an entity.
type Component struct {
	ID   ComponentID
	Data []byte
}

// EntityRecord is an entity with its components sorted by id.
type EntityRecord struct {
	ID         EntityID
	Components []Component
}

// Frame is an immutable copy of the world at one tick.
// Entities are sorted by ascending id; frames are shared read-only.
type Frame struct {
	Tick     uint64
	Entities []EntityRecord
}

// Find returns the record for id using binary search.
func (f Frame) Find(id EntityID) (EntityRecord, bool) {
	i := sort.Search(len(f.Entities), func(i int) bool { return f.Entities[i].ID >= id })
	if i < len(f.Entities) && f.Entities[i].ID == id {
		return f.Entities[i], true
	}
	return EntityRecord{}, false
}

// Component returns the data of component c on entity id.
func (f Frame) Component(id EntityID, c ComponentID) ([]byte, bool) {
	rec, ok := f.Find(id)
	if !ok {
		return nil, false
	}
	return rec.Component(c)
}

// Component returns the data of component c.
func (r EntityRecord) Component(c ComponentID) ([]byte, bool) {
	i := sort.Search(len(r.Components), func(i int) bool { return r.Components[i].ID >= c })
	if i < len(r.Components) && r.Components[i].ID == c {
		return r.Components[i].Data, true
	}
	return nil, false
}

// Equal compares entity contents. Ticks are not compared.
func (f Frame) Equal(o Frame) bool {
	if len(f.Entities) != len(o.Entities) {
		return false
	}
	for i := range f.Entities {
		a, b := f.Entities[i], o.Entities[i]
		if a.ID != b.ID || len(a.Components) != len(b.Components) {
			return false
		}
		for j := range a.Components {
			if a.Components[j].ID != b.Components[j].ID || !bytes.Equal(a.Components[j].Data, b.Components[j].Data) {
				return false
			}
		}
	}
	return true
}
