package snapshot

import (
	"github.com/oferchen/arena/internal/protocol"
	"github.com/oferchen/arena/internal/world"
)

// Kind labels how a snapshot was produced.
type Kind int

const (
	KindDelta  Kind = iota
	KindFull        // connection has acknowledged nothing yet
	KindResync      // baseline no longer retained, or full state forced
)

func (k Kind) String() string {
	switch k {
	case KindDelta:
		return "delta"
	case KindFull:
		return "full"
	case KindResync:
		return "resync"
	default:
		return "unknown"
	}
}

// Request describes one snapshot to build for one connection.
type Request struct {
	History *History
	AckTick uint64 // newest tick the connection acknowledged, 0 if none
	AckSeq  uint32 // highest input sequence applied for the connection
	Current world.Frame
	Force   bool // send full state regardless of baseline

	Interest Interest       // entities the connection is sent, zero for all
	Self     world.EntityID // entity kept regardless of Interest
}

// Build produces the snapshot of r.Current for one connection and records
// it in the connection's history. r.Current is first projected through
// r.Interest, so the recorded frame is exactly what the connection holds.
//
// The delta is computed against the acknowledged baseline when the history
// still retains it. Otherwise a full snapshot flagged as a resync point is
// sent; an expired baseline is not an error.
func Build(r Request) (*protocol.Snapshot, Kind) {
	var (
		s    *protocol.Snapshot
		kind Kind
	)

	current := Project(r.Current, r.Interest, r.Self)

	baseline, ok := world.Frame{}, false
	if r.AckTick != 0 && !r.Force && r.History != nil {
		baseline, ok = r.History.Get(r.AckTick)
	}

	switch {
	case ok:
		s = Diff(baseline, current)
		kind = KindDelta
	case r.AckTick == 0 && !r.Force:
		s = Full(current)
		s.Flags |= protocol.FlagResync
		kind = KindFull
	default:
		s = Full(current)
		s.Flags |= protocol.FlagResync
		kind = KindResync
	}
	s.Ack = r.AckSeq

	if r.History != nil {
		r.History.Push(current)
	}
	return s, kind
}
