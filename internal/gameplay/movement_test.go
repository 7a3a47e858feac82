package gameplay

import (
	"testing"

	"github.com/oferchen/arena/internal/protocol"
	"github.com/oferchen/arena/internal/world"
)

func spawned(m *Movement, e world.EntityID) *world.State {
	w := world.NewState()
	w.Apply(m.Spawn(w, e, "alice"))
	return w
}

func position(t *testing.T, w *world.State, e world.EntityID) Position {
	t.Helper()
	raw, ok := w.Component(e, CompPosition)
	if !ok {
		t.Fatal("entity has no position")
	}
	p, ok := DecodePosition(raw)
	if !ok {
		t.Fatalf("bad position bytes %v", raw)
	}
	return p
}

func TestSpawn(t *testing.T) {
	m := NewMovement()
	w := spawned(m, 7)

	name, _ := w.Component(7, CompName)
	if string(name) != "alice" {
		t.Errorf("Expected name alice, got %q", name)
	}
	p := position(t, w, 7)
	if p != m.SpawnPoint(7) {
		t.Errorf("Expected spawn point %+v, got %+v", m.SpawnPoint(7), p)
	}
	if p.X < 0 || p.X >= m.WorldWidth || p.Y < 0 || p.Y >= m.WorldHeight {
		t.Errorf("Spawn outside the arena: %+v", p)
	}
	if _, ok := w.Component(7, CompColor); !ok {
		t.Error("Expected a color component")
	}
}

func TestMove(t *testing.T) {
	m := NewMovement()
	tests := []struct {
		name    string
		from    Position
		buttons Buttons
		want    Position
	}{
		{"idle", Position{100, 100}, 0, Position{100, 100}},
		{"up", Position{100, 100}, ButtonUp, Position{100, 96}},
		{"down right", Position{100, 100}, ButtonDown | ButtonRight, Position{104, 104}},
		{"opposite cancel", Position{100, 100}, ButtonLeft | ButtonRight, Position{100, 100}},
		{"clamp left", Position{2, 50}, ButtonLeft, Position{0, 50}},
		{"clamp bottom", Position{50, 718}, ButtonDown, Position{50, 719}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Move(tt.from, tt.buttons); got != tt.want {
				t.Errorf("Expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestSizedMovement(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
		from          Position
		buttons       Buttons
		want          Position
	}{
		{"wide world passes default edge", 2000, 1000, Position{1278, 718}, ButtonRight | ButtonDown, Position{1282, 722}},
		{"clamped at its own edge", 2000, 1000, Position{1998, 998}, ButtonRight | ButtonDown, Position{1999, 999}},
		{"small world", 100, 50, Position{98, 48}, ButtonRight | ButtonDown, Position{99, 49}},
		{"zero keeps defaults", 0, 0, Position{1278, 718}, ButtonRight | ButtonDown, Position{1279, 719}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := NewSizedMovement(tt.width, tt.height)
			client := NewSizedMovement(tt.width, tt.height)
			got := server.Move(tt.from, tt.buttons)
			if got != tt.want {
				t.Errorf("Expected %+v, got %+v", tt.want, got)
			}
			if predicted := client.Move(tt.from, tt.buttons); predicted != got {
				t.Errorf("Prediction %+v differs from server %+v", predicted, got)
			}
			for e := world.EntityID(1); e < 50; e++ {
				p := server.SpawnPoint(e)
				if p.X < 0 || p.X >= server.WorldWidth || p.Y < 0 || p.Y >= server.WorldHeight {
					t.Fatalf("Spawn of %d outside the arena: %+v", e, p)
				}
			}
		})
	}
}

func TestApplyInput(t *testing.T) {
	m := NewMovement()
	w := spawned(m, 1)
	start := position(t, w, 1)

	w.Apply(m.ApplyInput(w, 1, protocol.InputFrame{Seq: 1, Data: ButtonRight.Encode()}))
	if got := position(t, w, 1); got.X != start.X+m.Speed || got.Y != start.Y {
		t.Errorf("Expected move right from %+v, got %+v", start, got)
	}

	if muts := m.ApplyInput(w, 1, protocol.InputFrame{Seq: 2}); muts != nil {
		t.Errorf("Expected no mutation for an idle input, got %v", muts)
	}
	if muts := m.ApplyInput(w, 99, protocol.InputFrame{Seq: 3, Data: ButtonUp.Encode()}); muts != nil {
		t.Error("Expected no mutation for an unknown entity")
	}
}

// TestDeterministic replays the same inputs on two states and expects
// identical frames.
func TestDeterministic(t *testing.T) {
	m := NewMovement()
	a, b := spawned(m, 3), spawned(m, 3)
	inputs := []Buttons{ButtonUp, ButtonUp | ButtonLeft, ButtonDown, ButtonRight, 0, ButtonRight}
	for i, in := range inputs {
		f := protocol.InputFrame{Seq: uint32(i + 1), Data: in.Encode()}
		a.Apply(m.ApplyInput(a, 3, f))
		b.Apply(m.ApplyInput(b, 3, f))
	}
	if !a.Equal(b) {
		t.Error("Expected identical states from identical inputs")
	}
}

func TestEmoteExtension(t *testing.T) {
	m := NewMovement()
	table := protocol.NewExtensionTable()
	if err := m.RegisterExtensions(table); err != nil {
		t.Fatalf("RegisterExtensions: %v", err)
	}
	w := spawned(m, 1)
	ctx := protocol.ExtensionContext{Entity: 1, World: w}

	muts, err := table.Dispatch(ctx, protocol.Message{Type: TypeEmote, Payload: []byte("wave, and a very long tail")})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	w.Apply(muts)
	if got, _ := w.Component(1, CompEmote); len(got) != MaxEmoteLen {
		t.Errorf("Expected emote truncated to %d bytes, got %q", MaxEmoteLen, got)
	}

	muts, _ = table.Dispatch(ctx, protocol.Message{Type: TypeEmote})
	w.Apply(muts)
	if _, ok := w.Component(1, CompEmote); ok {
		t.Error("Expected empty emote to clear the component")
	}
}

func TestDistance(t *testing.T) {
	m := NewMovement()
	w := spawned(m, 1)
	before := w.Frame()
	w.Apply([]world.Mutation{world.Set(1, CompPosition, Position{X: m.SpawnPoint(1).X + 3, Y: m.SpawnPoint(1).Y - 4}.Encode())})
	if got := Distance(1, before, w.Frame()); got != 7 {
		t.Errorf("Expected distance 7, got %v", got)
	}
	if got := Distance(2, before, w.Frame()); got != 0 {
		t.Errorf("Expected 0 for a missing entity, got %v", got)
	}
}
