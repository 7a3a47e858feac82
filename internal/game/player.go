package game

import (
	"sort"

	"github.com/oferchen/arena/internal/protocol"
	"github.com/oferchen/arena/internal/session"
	"github.com/oferchen/arena/internal/snapshot"
	"github.com/oferchen/arena/internal/world"
)

// Player is the tick driver's record of one joined session. It is owned by
// the engine goroutine and never touched from network goroutines.
type Player struct {
	Session    *session.Session
	Entity     world.EntityID
	JoinedTick uint64

	lastSeq   uint32 // highest input sequence applied
	lastInput []byte // data of that input, repeated into gaps
	pending   []protocol.InputFrame
	sinceFull int
	interest  snapshot.Interest
}

func newPlayer(s *session.Session, e world.EntityID, tick uint64) *Player {
	return &Player{Session: s, Entity: e, JoinedTick: tick}
}

// LastSeq returns the highest applied input sequence.
func (p *Player) LastSeq() uint32 {
	return p.lastSeq
}

// queue buffers an input for the next tick. The buffer is bounded; when full
// the oldest input is dropped and false is returned.
func (p *Player) queue(in protocol.InputFrame, limit int) bool {
	if limit > 0 && len(p.pending) >= limit {
		copy(p.pending, p.pending[1:])
		p.pending[len(p.pending)-1] = in
		return false
	}
	p.pending = append(p.pending, in)
	return true
}

// takeInputs returns the inputs to apply this tick in ascending sequence
// order. Duplicates and inputs at or below the last applied sequence are
// dropped. A gap before an input is filled by repeating the last known input,
// at most maxGap times. At most perTick real inputs are taken; the rest wait.
func (p *Player) takeInputs(maxGap, perTick int) (apply []protocol.InputFrame, dropped int) {
	if len(p.pending) == 0 {
		return nil, 0
	}
	sort.SliceStable(p.pending, func(i, j int) bool { return p.pending[i].Seq < p.pending[j].Seq })

	taken := 0
	next := p.lastSeq
	i := 0
	for ; i < len(p.pending); i++ {
		in := p.pending[i]
		if in.Seq <= next {
			dropped++
			continue
		}
		if perTick > 0 && taken >= perTick {
			break
		}
		if gap := in.Seq - next - 1; gap > 0 && p.lastInput != nil {
			fill := int(gap)
			if fill > maxGap {
				fill = maxGap
			}
			for k := 0; k < fill; k++ {
				seq := in.Seq - uint32(fill) + uint32(k)
				apply = append(apply, protocol.InputFrame{Seq: seq, Tick: in.Tick, Data: p.lastInput})
			}
		}
		apply = append(apply, in)
		p.lastInput = in.Data
		next = in.Seq
		taken++
	}
	p.lastSeq = next

	rest := copy(p.pending, p.pending[i:])
	for k := rest; k < len(p.pending); k++ {
		p.pending[k] = protocol.InputFrame{}
	}
	p.pending = p.pending[:rest]
	return apply, dropped
}
