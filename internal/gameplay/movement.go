// Package gameplay is the reference gameplay module: players walk an arena
// with integer movement and can show an emote. The server runs it inside the
// tick driver and clients run the same rules for prediction.
package gameplay

import (
	"encoding/binary"

	"github.com/oferchen/arena/internal/protocol"
	"github.com/oferchen/arena/internal/world"
)

// Components written by the movement rules.
const (
	CompName     world.ComponentID = 1
	CompPosition world.ComponentID = 2
	CompColor    world.ComponentID = 3
	CompEmote    world.ComponentID = 4
)

// TypeEmote is the extension message that sets the sender's emote.
const TypeEmote protocol.Type = 0x1001

const (
	DefaultWorldWidth  = 1280
	DefaultWorldHeight = 720
	DefaultSpeed       = 4 // units per input
	MaxEmoteLen        = 16
	MaxNameLen         = 32
)

// Buttons is the input bitmask carried in InputFrame.Data.
type Buttons uint8

const (
	ButtonUp Buttons = 1 << iota
	ButtonDown
	ButtonLeft
	ButtonRight
)

// Encode returns the input payload for b.
func (b Buttons) Encode() []byte {
	return []byte{byte(b)}
}

// DecodeButtons reads an input payload. Empty payloads mean no buttons.
func DecodeButtons(data []byte) Buttons {
	if len(data) == 0 {
		return 0
	}
	return Buttons(data[0])
}

// Position is an integer point in the arena.
type Position struct {
	X, Y int32
}

// Encode returns the component bytes of p.
func (p Position) Encode() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:4], uint32(p.X))
	binary.LittleEndian.PutUint32(b[4:8], uint32(p.Y))
	return b
}

// DecodePosition reads a position component.
func DecodePosition(b []byte) (Position, bool) {
	if len(b) != 8 {
		return Position{}, false
	}
	return Position{
		X: int32(binary.LittleEndian.Uint32(b[0:4])),
		Y: int32(binary.LittleEndian.Uint32(b[4:8])),
	}, true
}

var playerColors = []string{
	"#ff6b6b", "#4ecdc4", "#45b7d1", "#96ceb4",
	"#ffeaa7", "#dfe6e9", "#fd79a8", "#00b894",
	"#6c5ce7", "#fdcb6e", "#e17055", "#00cec9",
}

// Movement implements the game rules of a walking arena. All arithmetic is
// integer so prediction on any client matches the server bit for bit.
type Movement struct {
	WorldWidth  int32
	WorldHeight int32
	Speed       int32
}

// NewMovement returns movement rules with the default arena.
func NewMovement() *Movement {
	return &Movement{
		WorldWidth:  DefaultWorldWidth,
		WorldHeight: DefaultWorldHeight,
		Speed:       DefaultSpeed,
	}
}

// NewSizedMovement returns movement rules for a width x height arena.
// Server and clients must build their rules from the same size or every
// prediction near the far edges is corrected. Non-positive sizes keep the
// defaults.
func NewSizedMovement(width, height int) *Movement {
	m := NewMovement()
	if width > 0 {
		m.WorldWidth = int32(width)
	}
	if height > 0 {
		m.WorldHeight = int32(height)
	}
	return m
}

// SpawnPoint returns where entity e appears. It depends only on e.
func (m *Movement) SpawnPoint(e world.EntityID) Position {
	// spread spawns with a multiplicative hash
	h := uint32(e) * 2654435761
	return Position{
		X: int32(h%uint32(m.WorldWidth-2*m.Speed)) + m.Speed,
		Y: int32((h>>16)%uint32(m.WorldHeight-2*m.Speed)) + m.Speed,
	}
}

func (m *Movement) Spawn(_ *world.State, e world.EntityID, identity string) []world.Mutation {
	if len(identity) > MaxNameLen {
		identity = identity[:MaxNameLen]
	}
	color := playerColors[int(e)%len(playerColors)]
	return []world.Mutation{
		world.Spawn(e),
		world.Set(e, CompName, []byte(identity)),
		world.Set(e, CompPosition, m.SpawnPoint(e).Encode()),
		world.Set(e, CompColor, []byte(color)),
	}
}

func (m *Movement) Despawn(_ *world.State, e world.EntityID) []world.Mutation {
	return []world.Mutation{world.Despawn(e)}
}

// ApplyInput moves e one step in the pressed directions, clamped to the arena.
func (m *Movement) ApplyInput(w *world.State, e world.EntityID, in protocol.InputFrame) []world.Mutation {
	raw, ok := w.Component(e, CompPosition)
	if !ok {
		return nil
	}
	pos, ok := DecodePosition(raw)
	if !ok {
		return nil
	}

	next := m.Move(pos, DecodeButtons(in.Data))
	if next == pos {
		return nil
	}
	return []world.Mutation{world.Set(e, CompPosition, next.Encode())}
}

// Move returns pos after one input.
func (m *Movement) Move(pos Position, b Buttons) Position {
	if b&ButtonUp != 0 {
		pos.Y -= m.Speed
	}
	if b&ButtonDown != 0 {
		pos.Y += m.Speed
	}
	if b&ButtonLeft != 0 {
		pos.X -= m.Speed
	}
	if b&ButtonRight != 0 {
		pos.X += m.Speed
	}
	pos.X = clamp(pos.X, 0, m.WorldWidth-1)
	pos.Y = clamp(pos.Y, 0, m.WorldHeight-1)
	return pos
}

// Step has nothing to simulate: players only move when they send input.
func (m *Movement) Step(*world.State, uint64) []world.Mutation {
	return nil
}

// RegisterExtensions installs the emote message.
func (m *Movement) RegisterExtensions(t *protocol.ExtensionTable) error {
	return t.Register(TypeEmote, m.handleEmote)
}

func (m *Movement) handleEmote(ctx protocol.ExtensionContext, msg protocol.Message) []world.Mutation {
	if !ctx.World.Has(ctx.Entity) {
		return nil
	}
	if len(msg.Payload) == 0 {
		return []world.Mutation{world.Unset(ctx.Entity, CompEmote)}
	}
	emote := msg.Payload
	if len(emote) > MaxEmoteLen {
		emote = emote[:MaxEmoteLen]
	}
	return []world.Mutation{world.Set(ctx.Entity, CompEmote, emote)}
}

// Distance returns the Manhattan distance between the positions of e in two
// frames. It is the divergence measure used by client reconciliation; an
// entity missing from either frame counts as zero distance.
func Distance(e world.EntityID, before, after world.Frame) float64 {
	a, okA := before.Component(e, CompPosition)
	b, okB := after.Component(e, CompPosition)
	if !okA || !okB {
		return 0
	}
	pa, _ := DecodePosition(a)
	pb, _ := DecodePosition(b)
	return float64(abs(pa.X-pb.X) + abs(pa.Y-pb.Y))
}

func clamp(v, lo, hi int32) int32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
