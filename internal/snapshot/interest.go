package snapshot

import "github.com/oferchen/arena/internal/world"

// Interest selects which entities a connection is sent. Bit n set means
// entities carrying component n are of interest. The zero value selects
// everything. Components with ids of 64 and above never match a non-zero mask.
type Interest uint64

// InterestIn returns the mask selecting entities that carry any of ids.
func InterestIn(ids ...world.ComponentID) Interest {
	var m Interest
	for _, id := range ids {
		if id < 64 {
			m |= 1 << id
		}
	}
	return m
}

// Matches reports whether rec carries a component selected by m.
func (m Interest) Matches(rec world.EntityRecord) bool {
	if m == 0 {
		return true
	}
	for _, c := range rec.Components {
		if c.ID < 64 && m&(1<<c.ID) != 0 {
			return true
		}
	}
	return false
}

// Project returns the part of f selected by m. The entity self is always
// kept so a connection never loses sight of what it controls.
// Records are shared with f, which stays untouched.
func Project(f world.Frame, m Interest, self world.EntityID) world.Frame {
	if m == 0 {
		return f
	}
	out := world.Frame{Tick: f.Tick, Entities: make([]world.EntityRecord, 0, len(f.Entities))}
	for _, rec := range f.Entities {
		if rec.ID == self || m.Matches(rec) {
			out.Entities = append(out.Entities, rec)
		}
	}
	return out
}
