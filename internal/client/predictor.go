// Package client is the client side of the replication protocol: a predictor
// that applies local input immediately and reconciles against authoritative
// snapshots, and a network wrapper that speaks the protocol to a server.
package client

import (
	"errors"
	"fmt"
	"sync"

	"github.com/oferchen/arena/internal/protocol"
	"github.com/oferchen/arena/internal/snapshot"
	"github.com/oferchen/arena/internal/world"
)

var (
	ErrNotSynced          = errors.New("client not synced")
	ErrBaselineMissing    = errors.New("snapshot baseline not in authoritative history")
	ErrDivergenceExceeded = errors.New("reconciliation divergence exceeded")
)

// State is the connection state seen by the predictor.
type State int

const (
	StateDisconnected State = iota
	StateHandshaking
	StateSynced
	StateReconciling // waiting for a full resync snapshot
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateHandshaking:
		return "handshaking"
	case StateSynced:
		return "synced"
	case StateReconciling:
		return "reconciling"
	default:
		return "unknown"
	}
}

// Simulator applies one input to the predicted world. game.Rules satisfies it,
// so the client predicts with exactly the code the server runs.
type Simulator interface {
	ApplyInput(w *world.State, e world.EntityID, in protocol.InputFrame) []world.Mutation
}

// DivergenceFunc measures how far the predicted state moved when it was
// corrected. e is the locally controlled entity.
type DivergenceFunc func(e world.EntityID, before, after world.Frame) float64

// ComponentDivergence counts the components of e that differ between the
// two frames, including components present in only one of them.
func ComponentDivergence(e world.EntityID, before, after world.Frame) float64 {
	a, okA := before.Find(e)
	b, okB := after.Find(e)
	if !okA && !okB {
		return 0
	}
	diff := 0
	i, j := 0, 0
	for i < len(a.Components) || j < len(b.Components) {
		switch {
		case j >= len(b.Components) || (i < len(a.Components) && a.Components[i].ID < b.Components[j].ID):
			diff++
			i++
		case i >= len(a.Components) || b.Components[j].ID < a.Components[i].ID:
			diff++
			j++
		default:
			if string(a.Components[i].Data) != string(b.Components[j].Data) {
				diff++
			}
			i++
			j++
		}
	}
	return float64(diff)
}

// PredictorConfig tunes reconciliation.
type PredictorConfig struct {
	// DivergenceThreshold is the largest correction applied silently. A larger
	// correction is held back until a resync snapshot arrives. 0 disables the check.
	DivergenceThreshold float64
	Divergence          DivergenceFunc
	HistoryDepth        int // authoritative frames kept as delta baselines
	MaxPending          int // unacknowledged inputs buffered; the oldest is dropped beyond it
}

// DefaultPredictorConfig returns the default settings.
func DefaultPredictorConfig() PredictorConfig {
	return PredictorConfig{
		DivergenceThreshold: 0,
		Divergence:          ComponentDivergence,
		HistoryDepth:        snapshot.DefaultHistoryDepth,
		MaxPending:          256,
	}
}

// Result describes what OnSnapshot did.
type Result struct {
	Applied    bool    // the snapshot became the newest authoritative state
	AckTick    uint64  // tick to acknowledge, 0 when nothing should be acked
	NeedResync bool    // the client should request a full snapshot
	Divergence float64 // correction size measured during reconciliation
	Replayed   int     // unacknowledged inputs replayed on the new base
}

// Predictor holds the predicted and authoritative views of one connection.
// It is safe for concurrent use: input is usually issued from a game loop
// while snapshots arrive on a network goroutine.
type Predictor struct {
	cfg   PredictorConfig
	rules Simulator

	mu            sync.Mutex
	state         State
	entity        world.EntityID
	seq           uint32
	pending       []protocol.InputFrame
	dropped       int
	authority     *snapshot.History
	lastApplied   uint64
	lastAck       uint32
	predicted     *world.State
	resyncPending bool
}

// NewPredictor returns a disconnected predictor.
func NewPredictor(rules Simulator, cfg PredictorConfig) *Predictor {
	if cfg.Divergence == nil {
		cfg.Divergence = ComponentDivergence
	}
	if cfg.HistoryDepth <= 0 {
		cfg.HistoryDepth = snapshot.DefaultHistoryDepth
	}
	return &Predictor{
		cfg:       cfg,
		rules:     rules,
		state:     StateDisconnected,
		authority: snapshot.NewHistory(cfg.HistoryDepth),
		predicted: world.NewState(),
	}
}

// Begin marks the handshake as started.
func (p *Predictor) Begin() {
	p.mu.Lock()
	if p.state == StateDisconnected {
		p.state = StateHandshaking
	}
	p.mu.Unlock()
}

// Welcome records the entity the server assigned and grows the authoritative
// history to the server's depth. The predictor becomes Synced when the first
// snapshot arrives.
func (p *Predictor) Welcome(w *protocol.Welcome) {
	p.mu.Lock()
	p.entity = w.Entity
	// the server diffs against any frame it still retains, so keep at least as many
	p.authority.Grow(int(w.HistoryDepth))
	if p.state == StateDisconnected {
		p.state = StateHandshaking
	}
	p.mu.Unlock()
}

// Close tears the predictor down. Disconnected is terminal.
func (p *Predictor) Close() {
	p.mu.Lock()
	p.state = StateDisconnected
	p.pending = nil
	p.authority.Release()
	p.mu.Unlock()
}

// Issue predicts one local input and returns the frame to transmit. It fails
// unless the predictor has synced; while a resync is pending input is still
// predicted and buffered.
func (p *Predictor) Issue(data []byte, localTick uint64) (protocol.InputFrame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateSynced && p.state != StateReconciling {
		return protocol.InputFrame{}, fmt.Errorf("issue input (%s): %w", p.state, ErrNotSynced)
	}

	p.seq++
	in := protocol.InputFrame{Seq: p.seq, Tick: localTick, Data: append([]byte(nil), data...)}
	p.predicted.Apply(p.rules.ApplyInput(p.predicted, p.entity, in))

	if p.cfg.MaxPending > 0 && len(p.pending) >= p.cfg.MaxPending {
		copy(p.pending, p.pending[1:])
		p.pending = p.pending[:len(p.pending)-1]
		p.dropped++
	}
	p.pending = append(p.pending, in)
	return in, nil
}

// OnSnapshot applies an authoritative snapshot and reconciles the prediction.
//
// Snapshots not newer than the last applied one are ignored. A delta whose
// baseline is no longer held, or whose checksum does not match, is refused
// and a resync is requested. A correction larger than the divergence
// threshold is not applied to the prediction; the predictor waits in
// Reconciling for a resync snapshot and reports ErrDivergenceExceeded.
func (p *Predictor) OnSnapshot(s *protocol.Snapshot) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateDisconnected {
		return Result{}, ErrNotSynced
	}
	if p.lastApplied != 0 && s.Tick <= p.lastApplied {
		return Result{}, nil
	}
	if p.resyncPending && !s.IsFull() {
		// still waiting; the request may have been lost
		return Result{NeedResync: true}, nil
	}

	var baseline world.Frame
	if !s.IsFull() {
		b, ok := p.authority.Get(s.Baseline)
		if !ok {
			p.requestResync()
			return Result{NeedResync: true}, fmt.Errorf("snapshot %d against %d: %w", s.Tick, s.Baseline, ErrBaselineMissing)
		}
		baseline = b
	}
	frame, err := snapshot.Apply(baseline, s)
	if err != nil {
		p.requestResync()
		return Result{NeedResync: true}, err
	}

	p.authority.Push(frame)
	p.lastApplied = s.Tick
	if s.Ack > p.lastAck {
		p.lastAck = s.Ack
	}
	res := Result{Applied: true, AckTick: s.Tick}

	// drop inputs the server has applied
	keep := p.pending[:0]
	for _, in := range p.pending {
		if in.Seq > p.lastAck {
			keep = append(keep, in)
		}
	}
	for i := len(keep); i < len(p.pending); i++ {
		p.pending[i] = protocol.InputFrame{}
	}
	p.pending = keep

	before := p.predicted.Frame()
	corrected := world.FromFrame(frame)
	for _, in := range p.pending {
		corrected.Apply(p.rules.ApplyInput(corrected, p.entity, in))
	}
	res.Replayed = len(p.pending)
	res.Divergence = p.cfg.Divergence(p.entity, before, corrected.Frame())

	firstSync := p.state == StateHandshaking
	resync := s.IsResync() || s.IsFull()
	if !firstSync && !resync && p.cfg.DivergenceThreshold > 0 && res.Divergence > p.cfg.DivergenceThreshold {
		p.requestResync()
		res.NeedResync = true
		return res, fmt.Errorf("divergence %.2f at tick %d: %w", res.Divergence, s.Tick, ErrDivergenceExceeded)
	}

	p.predicted = corrected
	p.resyncPending = false
	p.state = StateSynced
	return res, nil
}

func (p *Predictor) requestResync() {
	p.resyncPending = true
	if p.state == StateSynced {
		p.state = StateReconciling
	}
}

// State returns the connection state.
func (p *Predictor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Entity returns the locally controlled entity.
func (p *Predictor) Entity() world.EntityID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entity
}

// Predicted returns the predicted world.
func (p *Predictor) Predicted() world.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.predicted.Frame()
}

// Authoritative returns the newest authoritative world.
func (p *Predictor) Authoritative() (world.Frame, bool) {
	return p.authority.Latest()
}

// Pending returns a copy of the unacknowledged inputs.
func (p *Predictor) Pending() []protocol.InputFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.InputFrame(nil), p.pending...)
}

// LastApplied returns the tick of the newest applied snapshot.
func (p *Predictor) LastApplied() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastApplied
}

// LastAck returns the highest input sequence the server acknowledged.
func (p *Predictor) LastAck() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAck
}

// ResyncPending reports whether a full snapshot is awaited.
func (p *Predictor) ResyncPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resyncPending
}

// Dropped returns how many inputs were evicted from a full pending buffer.
func (p *Predictor) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}
