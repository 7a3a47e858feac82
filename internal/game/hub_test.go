package game

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oferchen/arena/internal/protocol"
	"github.com/oferchen/arena/internal/session"
	"github.com/oferchen/arena/internal/transport"
)

func newTestHub(t *testing.T, opts ...HubOption) *Hub {
	t.Helper()
	cfg := DefaultHubConfig()
	cfg.Engine.TickRate = 100
	opts = append([]HubOption{WithHubLogger(discard)}, opts...)
	h := NewHub(cfg, session.DefaultConfig(), func(string) Rules { return newTestRules() }, opts...)
	t.Cleanup(h.Stop)
	return h
}

type testClient struct {
	t    *testing.T
	ch   transport.Channel
	errc chan error
}

// dial starts ServeConn on one end of a pipe and sends hello on the other.
func dial(t *testing.T, h *Hub, room string, hello *protocol.Hello) *testClient {
	t.Helper()
	server, client := transport.Pipe(transport.PipeConfig{Reliable: true, Buffer: 1024})
	c := &testClient{t: t, ch: client, errc: make(chan error, 1)}
	go func() { c.errc <- h.ServeConn(context.Background(), room, server) }()
	c.send(hello)
	return c
}

func (c *testClient) send(p protocol.Payload) {
	c.t.Helper()
	data, err := protocol.Marshal(p)
	if err != nil {
		c.t.Fatalf("Marshal: %v", err)
	}
	c.sendRaw(data)
}

func (c *testClient) sendRaw(frame []byte) {
	c.t.Helper()
	if err := c.ch.Send(context.Background(), frame); err != nil {
		c.t.Fatalf("Send: %v", err)
	}
}

// next returns the next message of type typ, skipping others.
func (c *testClient) next(typ protocol.Type) protocol.Payload {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		frame, err := c.ch.Receive(ctx)
		if err != nil {
			c.t.Fatalf("waiting for %s: %v", typ, err)
		}
		msg, err := protocol.Decode(frame)
		if err != nil {
			c.t.Fatalf("Decode: %v", err)
		}
		if msg.Type != typ {
			continue
		}
		p, err := protocol.DecodePayload(msg)
		if err != nil {
			c.t.Fatalf("DecodePayload: %v", err)
		}
		return p
	}
}

// waitAck waits for a snapshot acknowledging seq.
func (c *testClient) waitAck(seq uint32) *protocol.Snapshot {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := c.next(protocol.TypeSnapshot).(*protocol.Snapshot)
		if snap.Ack >= seq {
			return snap
		}
	}
	c.t.Fatalf("no snapshot acknowledged seq %d", seq)
	return nil
}

func TestServeConnHandshake(t *testing.T) {
	h := newTestHub(t)
	c := dial(t, h, "arena", &protocol.Hello{Version: protocol.ProtocolVersion, Token: "alice"})

	w := c.next(protocol.TypeWelcome).(*protocol.Welcome)
	if w.Room != "arena" || w.SessionID == "" || w.Entity == 0 {
		t.Fatalf("Unexpected welcome %+v", w)
	}
	if w.Channels != protocol.ChannelReliable {
		t.Errorf("Expected reliable channel only, got %b", w.Channels)
	}
	s := h.Registry().Get(w.SessionID)
	if s == nil || s.Identity() != "alice" || s.State() != session.StateSynced {
		t.Fatalf("Expected a synced session for alice, got %+v", s)
	}
	if h.Sessions() != 1 {
		t.Errorf("Expected 1 session, got %d", h.Sessions())
	}

	snap := c.next(protocol.TypeSnapshot).(*protocol.Snapshot)
	if !snap.IsFull() {
		t.Error("Expected a full first snapshot")
	}
	if _, ok := findEntity(snap, uint32(w.Entity)); !ok {
		t.Error("Expected own entity in first snapshot")
	}

	c.send(&protocol.Control{Kind: protocol.ControlDisconnect})
	select {
	case err := <-c.errc:
		if err != nil {
			t.Errorf("Expected clean return, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ServeConn did not return after disconnect")
	}
	if h.Registry().Get(w.SessionID) != nil {
		t.Error("Expected session removed after disconnect")
	}
	if h.Sessions() != 0 {
		t.Errorf("Expected no sessions after disconnect, got %d", h.Sessions())
	}
}

func findEntity(s *protocol.Snapshot, id uint32) (int, bool) {
	for i, e := range s.Entities {
		if uint32(e.ID) == id {
			return i, true
		}
	}
	return 0, false
}

func TestServeConnVersionMismatch(t *testing.T) {
	h := newTestHub(t)
	c := dial(t, h, "arena", &protocol.Hello{Version: protocol.ProtocolVersion + 1})

	rej := c.next(protocol.TypeReject).(*protocol.Reject)
	if rej.Code != protocol.RejectVersion {
		t.Errorf("Expected version reject, got code %d", rej.Code)
	}
	select {
	case err := <-c.errc:
		if !errors.Is(err, protocol.ErrVersionMismatch) {
			t.Errorf("Expected ErrVersionMismatch, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ServeConn did not return")
	}
	if h.Registry().Len() != 0 {
		t.Errorf("Expected no session created, got %d", h.Registry().Len())
	}
}

type denyAll struct{}

func (denyAll) Authenticate(context.Context, string) (string, error) {
	return "", ErrUnauthorized
}

func TestServeConnAuthRejected(t *testing.T) {
	h := newTestHub(t, WithAuthenticator(denyAll{}))
	c := dial(t, h, "arena", &protocol.Hello{Version: protocol.ProtocolVersion, Token: "x"})

	if rej := c.next(protocol.TypeReject).(*protocol.Reject); rej.Code != protocol.RejectAuth {
		t.Errorf("Expected auth reject, got code %d", rej.Code)
	}
	if err := <-c.errc; !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}
	if h.Registry().Len() != 0 {
		t.Error("Expected rejected session removed")
	}
}

func TestServeConnBadRoom(t *testing.T) {
	h := newTestHub(t)
	c := dial(t, h, "no spaces allowed", &protocol.Hello{Version: protocol.ProtocolVersion})
	c.next(protocol.TypeReject)
	if err := <-c.errc; !errors.Is(err, ErrBadRoomName) {
		t.Errorf("Expected ErrBadRoomName, got %v", err)
	}
}

// TestMalformedFramesKeepConnection: an unknown tag and an unhandled
// extension are dropped with frame errors and the input that follows is
// still applied.
func TestMalformedFramesKeepConnection(t *testing.T) {
	h := newTestHub(t)
	events, cancel := h.Events().Subscribe(1024)
	defer cancel()

	c := dial(t, h, "arena", &protocol.Hello{Version: protocol.ProtocolVersion, Token: "alice"})
	w := c.next(protocol.TypeWelcome).(*protocol.Welcome)

	unknown, _ := protocol.Encode(protocol.Message{Type: 0x7FFF, Payload: []byte{1, 2, 3}})
	c.sendRaw(unknown)
	unhandled, _ := protocol.Encode(protocol.Message{Type: 0x1FFF})
	c.sendRaw(unhandled)
	c.sendRaw([]byte{0x10})
	c.send(&protocol.InputFrame{Seq: 1, Data: []byte("go")})

	c.waitAck(1)
	if s := h.Registry().Get(w.SessionID); s == nil || s.State() != session.StateSynced {
		t.Fatal("Expected the connection to stay open")
	}

	frameErrors := 0
	deadline := time.After(time.Second)
	for frameErrors < 3 {
		select {
		case ev := <-events:
			if ev.Type == EventTypeFrameError {
				frameErrors++
			}
		case <-deadline:
			t.Fatalf("Expected 3 frame errors, got %d", frameErrors)
		}
	}
}

func TestUnexpectedCoreMessageIsFrameError(t *testing.T) {
	h := newTestHub(t)
	events, cancel := h.Events().Subscribe(1024)
	defer cancel()

	c := dial(t, h, "arena", &protocol.Hello{Version: protocol.ProtocolVersion})
	c.next(protocol.TypeWelcome)
	c.send(&protocol.Hello{Version: protocol.ProtocolVersion})

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == EventTypeFrameError {
				return
			}
		case <-deadline:
			t.Fatal("Expected a frame error for a second hello")
		}
	}
}

func TestChatRelayed(t *testing.T) {
	relay := &recordingChat{ch: make(chan chatLine, 4)}
	h := newTestHub(t, WithHubChat(relay))

	a := dial(t, h, "arena", &protocol.Hello{Version: protocol.ProtocolVersion, Token: "alice"})
	a.next(protocol.TypeWelcome)
	b := dial(t, h, "arena", &protocol.Hello{Version: protocol.ProtocolVersion, Token: "bob"})
	b.next(protocol.TypeWelcome)
	b.next(protocol.TypeSnapshot)

	a.send(&protocol.Chat{Text: "hello"})
	select {
	case line := <-relay.lines():
		if line.from != "alice" || line.text != "hello" || line.to != 2 {
			t.Errorf("Unexpected relayed line %+v", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Chat line not relayed")
	}
}

type chatLine struct {
	from, text string
	to         int
}

type recordingChat struct {
	ch chan chatLine
}

func (r *recordingChat) lines() chan chatLine {
	return r.ch
}

func (r *recordingChat) Allow(string) bool { return true }

func (r *recordingChat) Broadcast(from, text string, to []*session.Session) {
	r.ch <- chatLine{from: from, text: text, to: len(to)}
}

func TestRoomsListedAndLimited(t *testing.T) {
	cfg := DefaultHubConfig()
	cfg.MaxRooms = 1
	h := NewHub(cfg, session.DefaultConfig(), func(string) Rules { return newTestRules() }, WithHubLogger(discard))
	defer h.Stop()

	if _, err := h.Room("one"); err != nil {
		t.Fatalf("Room: %v", err)
	}
	if _, err := h.Room("two"); !errors.Is(err, ErrTooManyRooms) {
		t.Errorf("Expected ErrTooManyRooms, got %v", err)
	}
	rooms := h.Rooms()
	if len(rooms) != 1 || rooms[0].Room != "one" || !rooms[0].Running {
		t.Errorf("Unexpected rooms %+v", rooms)
	}
	if stats, ok := h.RoomStats("one"); !ok || stats.Room != "one" {
		t.Errorf("Expected stats for room one, got %+v %v", stats, ok)
	}
	if _, ok := h.RoomStats("two"); ok {
		t.Error("Expected no stats for a room that was refused")
	}
}

// gateAuth accepts every token after running during, while the session is
// still handshaking.
type gateAuth struct {
	during func()
}

func (a gateAuth) Authenticate(_ context.Context, token string) (string, error) {
	a.during()
	return token, nil
}

func TestHandshakeSurvivesIdleReap(t *testing.T) {
	tests := []struct {
		name   string
		during func(h *Hub)
	}{
		{"reaper runs while handshaking", func(h *Hub) {
			h.reapIdleRooms(time.Now())
			h.reapIdleRooms(time.Now().Add(time.Hour))
		}},
		{"room reaped before registration", func(h *Hub) {
			h.mu.Lock()
			e := h.rooms["arena"]
			delete(h.rooms, "arena")
			delete(h.empty, "arena")
			h.mu.Unlock()
			e.Stop()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var h *Hub
			cfg := DefaultHubConfig()
			cfg.Engine.TickRate = 100
			cfg.IdleRoomTimeout = time.Minute
			h = NewHub(cfg, session.DefaultConfig(), func(string) Rules { return newTestRules() },
				WithHubLogger(discard),
				WithAuthenticator(gateAuth{during: func() { tt.during(h) }}))
			defer h.Stop()

			c := dial(t, h, "arena", &protocol.Hello{Version: protocol.ProtocolVersion, Token: "alice"})
			w := c.next(protocol.TypeWelcome).(*protocol.Welcome)
			snap := c.next(protocol.TypeSnapshot).(*protocol.Snapshot)
			if _, ok := findEntity(snap, uint32(w.Entity)); !ok {
				t.Fatal("Expected own entity in the first snapshot")
			}

			e := h.Get("arena")
			if e == nil || !e.Running() {
				t.Fatal("Expected the joined room running")
			}
			if e.Players() != 1 {
				t.Errorf("Expected 1 player, got %d", e.Players())
			}
			h.reapIdleRooms(time.Now().Add(time.Hour))
			if h.Get("arena") != e {
				t.Error("Occupied room must not be reaped")
			}
		})
	}
}

func TestSaturate16(t *testing.T) {
	tests := []struct {
		in   int
		want uint16
	}{
		{-1, 0},
		{0, 0},
		{32, 32},
		{65535, 65535},
		{65536, 65535},
		{1 << 20, 65535},
	}
	for _, tt := range tests {
		if got := saturate16(tt.in); got != tt.want {
			t.Errorf("saturate16(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestIdleRoomsReaped(t *testing.T) {
	cfg := DefaultHubConfig()
	cfg.IdleRoomTimeout = time.Minute
	h := NewHub(cfg, session.DefaultConfig(), func(string) Rules { return newTestRules() }, WithHubLogger(discard))
	defer h.Stop()

	e, _ := h.Room("quiet")
	now := time.Now()
	h.reapIdleRooms(now.Add(30 * time.Second))
	if h.Get("quiet") == nil {
		t.Fatal("Room reaped before timeout")
	}
	h.reapIdleRooms(now.Add(2 * time.Minute))
	if h.Get("quiet") != nil {
		t.Error("Expected idle room reaped")
	}
	if e.Running() {
		t.Error("Expected reaped room stopped")
	}
}
