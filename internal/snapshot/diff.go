// Package snapshot computes per-connection state snapshots.
//
// A snapshot is either the full state of a tick or the minimal delta between
// the current frame and a baseline frame the connection has acknowledged.
// Entities and components are always emitted in ascending id order so two
// computations over the same (current, baseline) pair encode to identical bytes.
package snapshot

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/oferchen/arena/internal/protocol"
	"github.com/oferchen/arena/internal/world"
)

var (
	ErrBaselineMismatch = errors.New("snapshot baseline does not match frame")
	ErrChecksumMismatch = errors.New("snapshot checksum mismatch")
)

// Full returns a full-state snapshot of current.
func Full(current world.Frame) *protocol.Snapshot {
	return &protocol.Snapshot{
		Tick:     current.Tick,
		Baseline: protocol.FullBaseline,
		Checksum: Checksum(current),
		Entities: current.Entities,
	}
}

// Diff returns the delta transforming baseline into current.
func Diff(baseline, current world.Frame) *protocol.Snapshot {
	s := &protocol.Snapshot{
		Tick:     current.Tick,
		Baseline: baseline.Tick,
		Checksum: Checksum(current),
	}

	i, j := 0, 0
	for i < len(baseline.Entities) || j < len(current.Entities) {
		switch {
		case j >= len(current.Entities) || (i < len(baseline.Entities) && baseline.Entities[i].ID < current.Entities[j].ID):
			s.Removed = append(s.Removed, baseline.Entities[i].ID)
			i++
		case i >= len(baseline.Entities) || current.Entities[j].ID < baseline.Entities[i].ID:
			cur := current.Entities[j]
			s.Changes = append(s.Changes, protocol.EntityChange{ID: cur.ID, Set: cur.Components})
			j++
		default:
			if change, ok := diffEntity(baseline.Entities[i], current.Entities[j]); ok {
				s.Changes = append(s.Changes, change)
			}
			i++
			j++
		}
	}
	return s
}

func diffEntity(base, cur world.EntityRecord) (protocol.EntityChange, bool) {
	change := protocol.EntityChange{ID: cur.ID}
	i, j := 0, 0
	for i < len(base.Components) || j < len(cur.Components) {
		switch {
		case j >= len(cur.Components) || (i < len(base.Components) && base.Components[i].ID < cur.Components[j].ID):
			change.Unset = append(change.Unset, base.Components[i].ID)
			i++
		case i >= len(base.Components) || cur.Components[j].ID < base.Components[i].ID:
			change.Set = append(change.Set, cur.Components[j])
			j++
		default:
			if !bytes.Equal(base.Components[i].Data, cur.Components[j].Data) {
				change.Set = append(change.Set, cur.Components[j])
			}
			i++
			j++
		}
	}
	return change, len(change.Set) > 0 || len(change.Unset) > 0
}

// Apply reconstructs the frame described by s. For a delta, baseline must be
// the frame at s.Baseline. A non-zero checksum is verified.
func Apply(baseline world.Frame, s *protocol.Snapshot) (world.Frame, error) {
	var out world.Frame
	if s.IsFull() {
		out = world.FromFrame(world.Frame{Tick: s.Tick, Entities: s.Entities}).Frame()
	} else {
		if s.Baseline != baseline.Tick {
			return world.Frame{}, fmt.Errorf("apply tick %d: baseline %d, have %d: %w",
				s.Tick, s.Baseline, baseline.Tick, ErrBaselineMismatch)
		}
		state := world.FromFrame(baseline)
		muts := make([]world.Mutation, 0, len(s.Changes)*2+len(s.Removed))
		for _, c := range s.Changes {
			muts = append(muts, world.Spawn(c.ID))
			for _, comp := range c.Set {
				muts = append(muts, world.Set(c.ID, comp.ID, comp.Data))
			}
			for _, id := range c.Unset {
				muts = append(muts, world.Unset(c.ID, id))
			}
		}
		for _, id := range s.Removed {
			muts = append(muts, world.Despawn(id))
		}
		state.Apply(muts)
		out = state.Frame()
		out.Tick = s.Tick
	}

	if s.Checksum != 0 {
		if sum := Checksum(out); sum != s.Checksum {
			return world.Frame{}, fmt.Errorf("apply tick %d: got %016x want %016x: %w",
				s.Tick, sum, s.Checksum, ErrChecksumMismatch)
		}
	}
	return out, nil
}
