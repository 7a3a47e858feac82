package session

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/oferchen/arena/internal/protocol"
	"github.com/oferchen/arena/internal/transport"
	"github.com/oferchen/arena/internal/world"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T, cfg Config, opts ...Option) (*Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	opts = append([]Option{WithClock(clock.Now), WithLogger(log.New(io.Discard, "", 0))}, opts...)
	return NewRegistry(cfg, opts...), clock
}

func newConn() (*transport.Conn, transport.Channel) {
	a, b := transport.Pipe(transport.PipeConfig{Reliable: true, Buffer: 16})
	return transport.NewConn(a), b
}

func TestBeginActivateLive(t *testing.T) {
	reg, _ := newTestRegistry(t, DefaultConfig())

	var ids []string
	for i := 0; i < 3; i++ {
		conn, _ := newConn()
		s, err := reg.Begin("lobby", conn)
		if err != nil {
			t.Fatalf("Begin failed: %v", err)
		}
		if s.State() != StateHandshaking {
			t.Errorf("Expected handshaking, got %s", s.State())
		}
		ids = append(ids, s.ID)
	}

	if got := reg.Live(""); len(got) != 0 {
		t.Errorf("Handshaking sessions must not be live, got %d", len(got))
	}
	if n := reg.InRoom("lobby"); n != 3 {
		t.Errorf("Expected handshaking sessions counted in the room, got %d", n)
	}
	if n := reg.InRoom("other"); n != 0 {
		t.Errorf("Expected no sessions in other, got %d", n)
	}

	for _, id := range []string{ids[2], ids[0]} {
		if err := reg.Activate(id, "player-"+id); err != nil {
			t.Fatalf("Activate failed: %v", err)
		}
	}
	if err := reg.Activate(ids[0], "again"); !errors.Is(err, ErrNotLive) {
		t.Errorf("Double activation should fail, got %v", err)
	}
	if err := reg.Activate("missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	live := reg.Live("lobby")
	if len(live) != 2 {
		t.Fatalf("Expected 2 live sessions, got %d", len(live))
	}
	if live[0].ID >= live[1].ID {
		t.Errorf("Live sessions must be ordered by id: %s, %s", live[0].ID, live[1].ID)
	}
	if len(reg.Live("other")) != 0 {
		t.Error("Room filter not applied")
	}
}

func TestIdleCleanup(t *testing.T) {
	var closed []Reason
	reg, clock := newTestRegistry(t, Config{Timeout: 5 * time.Second}, OnClose(func(s *Session, r Reason) {
		closed = append(closed, r)
	}))

	conn, _ := newConn()
	s, _ := reg.Begin("lobby", conn)
	reg.Activate(s.ID, "alice")
	s.History().Push(world.Frame{Tick: 1})

	clock.Advance(4 * time.Second)
	if n := reg.Sweep(clock.Now()); n != 0 {
		t.Fatalf("Session swept before timeout")
	}
	reg.Touch(s.ID)

	clock.Advance(4 * time.Second)
	if n := reg.Sweep(clock.Now()); n != 0 {
		t.Fatalf("Touched session swept early")
	}

	clock.Advance(time.Second)
	if n := reg.Sweep(clock.Now()); n != 1 {
		t.Fatalf("Expected idle session swept, got %d", n)
	}

	if s.State() != StateDisconnected || s.Reason() != ReasonTimeout {
		t.Errorf("Expected disconnected by timeout, got %s/%s", s.State(), s.Reason())
	}
	if s.History() != nil {
		t.Error("History must be released on timeout")
	}
	if s.Context().Err() == nil {
		t.Error("Session context must be cancelled")
	}
	if reg.Len() != 0 {
		t.Errorf("Registry should be empty, has %d", reg.Len())
	}
	if len(closed) != 1 || closed[0] != ReasonTimeout {
		t.Errorf("OnClose not invoked correctly: %v", closed)
	}
}

func TestManyShortLivedSessionsDoNotAccumulate(t *testing.T) {
	reg, clock := newTestRegistry(t, DefaultConfig())
	for i := 0; i < 200; i++ {
		conn, _ := newConn()
		s, err := reg.Begin("lobby", conn)
		if err != nil {
			t.Fatal(err)
		}
		reg.Activate(s.ID, "p")
	}
	clock.Advance(6 * time.Second)
	reg.Sweep(clock.Now())
	if reg.Len() != 0 {
		t.Errorf("Expected all sessions released, %d remain", reg.Len())
	}
}

func TestHandshakeWindow(t *testing.T) {
	reg, clock := newTestRegistry(t, Config{Timeout: 10 * time.Second, HandshakeTimeout: time.Second})
	conn, _ := newConn()
	s, _ := reg.Begin("lobby", conn)

	clock.Advance(1500 * time.Millisecond)
	reg.Sweep(clock.Now())
	if s.Reason() != ReasonHandshakeTimeout {
		t.Errorf("Expected handshake timeout, got %s", s.Reason())
	}
}

func TestMaxSessions(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{MaxSessions: 1})
	c1, _ := newConn()
	if _, err := reg.Begin("lobby", c1); err != nil {
		t.Fatal(err)
	}
	c2, _ := newConn()
	if _, err := reg.Begin("lobby", c2); !errors.Is(err, ErrFull) {
		t.Errorf("Expected ErrFull, got %v", err)
	}
}

func TestKeepalivesOnReliableChannel(t *testing.T) {
	reg, _ := newTestRegistry(t, DefaultConfig())
	conn, peer := newConn()
	s, _ := reg.Begin("lobby", conn)
	reg.Activate(s.ID, "bob")

	reg.SendKeepalives()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	frame, err := peer.Receive(ctx)
	if err != nil {
		t.Fatalf("No keepalive received: %v", err)
	}
	msg, err := protocol.Decode(frame)
	if err != nil {
		t.Fatal(err)
	}
	p, err := protocol.DecodePayload(msg)
	if err != nil {
		t.Fatal(err)
	}
	if c, ok := p.(*protocol.Control); !ok || c.Kind != protocol.ControlKeepalive {
		t.Errorf("Expected keepalive control, got %#v", p)
	}
}

func TestAckMonotonic(t *testing.T) {
	reg, _ := newTestRegistry(t, DefaultConfig())
	conn, _ := newConn()
	s, _ := reg.Begin("lobby", conn)

	s.Ack(10)
	s.Ack(7)
	if s.AckTick() != 10 {
		t.Errorf("Older ack must not regress, got %d", s.AckTick())
	}

	s.RequestFull()
	if !s.TakeFullRequest() || s.TakeFullRequest() {
		t.Error("Full request should be consumed once")
	}
}

func TestDisconnectSaysGoodbye(t *testing.T) {
	tests := []struct {
		reason  Reason
		goodbye bool
	}{
		{ReasonShutdown, true},
		{ReasonTimeout, true},
		{ReasonClient, false},
	}
	for _, tt := range tests {
		t.Run(tt.reason.String(), func(t *testing.T) {
			reg, _ := newTestRegistry(t, DefaultConfig())
			conn, peer := newConn()
			s, _ := reg.Begin("lobby", conn)
			reg.Activate(s.ID, "bob")
			reg.Disconnect(s.ID, tt.reason)

			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			frame, err := peer.Receive(ctx)
			if !tt.goodbye {
				if err == nil {
					t.Errorf("Expected no frame, got %v", frame)
				}
				return
			}
			if err != nil {
				t.Fatalf("No goodbye received: %v", err)
			}
			msg, _ := protocol.Decode(frame)
			p, _ := protocol.DecodePayload(msg)
			if c, ok := p.(*protocol.Control); !ok || c.Kind != protocol.ControlDisconnect {
				t.Errorf("Expected disconnect control, got %#v", p)
			}
		})
	}
}
