package game

import (
	"context"
	"errors"
	"fmt"
	"math"

	"golang.org/x/time/rate"

	"github.com/oferchen/arena/internal/protocol"
	"github.com/oferchen/arena/internal/session"
	"github.com/oferchen/arena/internal/snapshot"
	"github.com/oferchen/arena/internal/transport"
)

// ServeConn runs the handshake on a freshly accepted reliable channel and,
// if it succeeds, pumps the connection's frames into the room until the
// session ends. It returns the handshake error, or nil once the session has
// been served.
//
// A protocol version mismatch is answered with a Reject and no session is
// created. Malformed frames after the handshake are dropped and the
// connection stays up.
func (h *Hub) ServeConn(ctx context.Context, room string, ch transport.Channel) error {
	conn := transport.NewConn(ch)
	cfg := h.registry.Config()

	hsCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	hello, err := h.readHello(hsCtx, conn)
	cancel()
	if err != nil {
		conn.Close()
		return err
	}

	if hello.Version != protocol.ProtocolVersion {
		h.reject(conn, protocol.RejectVersion, fmt.Sprintf("server speaks version %d", protocol.ProtocolVersion))
		return fmt.Errorf("handshake: client version %d: %w", hello.Version, protocol.ErrVersionMismatch)
	}

	engine, err := h.Room(room)
	if err != nil {
		h.reject(conn, protocol.RejectFull, err.Error())
		return fmt.Errorf("handshake: %w", err)
	}

	s, err := h.registry.Begin(room, conn)
	if err != nil {
		h.reject(conn, protocol.RejectFull, "server full")
		return fmt.Errorf("handshake: %w", err)
	}
	// the room may have been reaped before the session was registered;
	// from here on the session keeps the room alive
	if h.Get(room) != engine {
		if engine, err = h.Room(room); err != nil {
			h.rejectSession(s, protocol.RejectFull, err.Error())
			return fmt.Errorf("handshake: %w", err)
		}
	}

	authCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	identity, err := h.auth.Authenticate(authCtx, hello.Token)
	cancel()
	if err != nil {
		h.rejectSession(s, protocol.RejectAuth, "authentication failed")
		return fmt.Errorf("handshake: %w", err)
	}

	channels := protocol.ChannelReliable
	udpAddr := ""
	if hello.WantLossy && h.udp != nil {
		token, lossy := h.udp.Register()
		conn.AttachLossy(lossy)
		s.SetUDPToken(token)
		channels |= protocol.ChannelLossy
		udpAddr = h.udpAddr
	}

	if err := h.registry.Activate(s.ID, identity); err != nil {
		h.rejectSession(s, protocol.RejectProtocol, "handshake expired")
		return fmt.Errorf("handshake: %w", err)
	}

	entity := engine.ReserveEntity()
	welcome, err := protocol.Marshal(&protocol.Welcome{
		SessionID:    s.ID,
		Room:         room,
		Entity:       entity,
		Tick:         engine.Tick(),
		TickRate:     saturate16(engine.Config().TickRate),
		HistoryDepth: saturate16(cfg.HistoryDepth),
		Channels:     channels,
		UDPToken:     s.UDPToken(),
		UDPAddr:      udpAddr,
	})
	if err != nil {
		h.registry.Disconnect(s.ID, session.ReasonError)
		return fmt.Errorf("handshake: %w", err)
	}
	if err := conn.Send(s.Context(), welcome); err != nil {
		h.registry.Disconnect(s.ID, session.ReasonError)
		return fmt.Errorf("handshake: send welcome: %w", err)
	}
	if !engine.Enqueue(Entry{Kind: EntryJoin, Session: s, Entity: entity}) {
		h.registry.Disconnect(s.ID, session.ReasonSlowConsumer)
		return fmt.Errorf("handshake: room %q inbox full", room)
	}

	h.logger.Printf("📱 %s joined room %q as entity %d (session %s)", identity, room, entity, s.ID)

	limiter := rate.NewLimiter(rate.Limit(h.cfg.InputRate), h.cfg.InputBurst)
	if h.cfg.InputRate <= 0 {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	if lossy := conn.Lossy(); lossy != nil {
		go h.readLoop(engine, s, lossy, limiter)
	}
	h.readLoop(engine, s, conn.Reliable(), limiter)
	return nil
}

func (h *Hub) readHello(ctx context.Context, conn *transport.Conn) (*protocol.Hello, error) {
	for {
		frame, err := conn.Reliable().Receive(ctx)
		if err != nil {
			return nil, fmt.Errorf("handshake: %w", err)
		}
		msg, err := protocol.Decode(frame)
		if err != nil {
			h.frameError("", err)
			continue
		}
		if msg.Type != protocol.TypeHello {
			h.reject(conn, protocol.RejectProtocol, "expected hello")
			return nil, fmt.Errorf("handshake: got %s before hello", msg.Type)
		}
		p, err := protocol.DecodePayload(msg)
		if err != nil {
			h.reject(conn, protocol.RejectProtocol, "malformed hello")
			return nil, fmt.Errorf("handshake: %w", err)
		}
		return p.(*protocol.Hello), nil
	}
}

// readLoop feeds frames from one channel of a live session into its room.
// It returns when the channel fails or the session ends.
func (h *Hub) readLoop(engine *Engine, s *session.Session, ch transport.Channel, limiter *rate.Limiter) {
	ctx := s.Context()
	for {
		frame, err := ch.Receive(ctx)
		if err != nil {
			if ch.Reliable() && ctx.Err() == nil {
				h.registry.Disconnect(s.ID, session.ReasonClient)
			}
			return
		}
		h.registry.Touch(s.ID)

		msg, err := protocol.Decode(frame)
		if err != nil {
			h.frameError(s.ID, err)
			continue
		}
		if msg.Type.IsExtension() {
			engine.Enqueue(Entry{Kind: EntryExtension, Session: s, Message: msg})
			continue
		}

		p, err := protocol.DecodePayload(msg)
		if err != nil {
			h.frameError(s.ID, err)
			continue
		}
		if !h.route(engine, s, p, limiter) {
			return
		}
	}
}

// route handles one decoded payload. It returns false when the session ended.
func (h *Hub) route(engine *Engine, s *session.Session, p protocol.Payload, limiter *rate.Limiter) bool {
	switch m := p.(type) {
	case *protocol.InputFrame:
		if !limiter.Allow() {
			h.metrics.InputDropped("rate_limited")
			return true
		}
		engine.Enqueue(Entry{Kind: EntryInput, Session: s, Input: *m})
	case *protocol.Ack:
		engine.Enqueue(Entry{Kind: EntryAck, Session: s, Tick: m.Tick})
	case *protocol.Chat:
		if h.chat == nil || !h.chat.Allow(s.ID) {
			return true
		}
		engine.Enqueue(Entry{Kind: EntryChat, Session: s, Text: m.Text})
	case *protocol.Control:
		switch m.Kind {
		case protocol.ControlKeepalive:
		case protocol.ControlResync:
			engine.Enqueue(Entry{Kind: EntryResync, Session: s})
		case protocol.ControlInterest:
			engine.Enqueue(Entry{Kind: EntryInterest, Session: s, Interest: snapshot.Interest(m.Value)})
		case protocol.ControlDisconnect:
			h.registry.Disconnect(s.ID, session.ReasonClient)
			return false
		}
	default:
		h.frameError(s.ID, &protocol.FrameError{Type: p.MessageType(), Err: errUnexpected})
	}
	return true
}

var errUnexpected = errors.New("unexpected message after handshake")

func (h *Hub) frameError(sessionID string, err error) {
	reason := "malformed"
	var fe *protocol.FrameError
	if errors.As(err, &fe) {
		switch {
		case errors.Is(err, protocol.ErrTruncated):
			reason = "truncated"
		case errors.Is(err, protocol.ErrTrailing):
			reason = "trailing"
		case errors.Is(err, protocol.ErrUnknownType):
			reason = "unknown_type"
		case errors.Is(err, protocol.ErrUnsupportedVersion):
			reason = "version"
		case errors.Is(err, protocol.ErrTooLarge):
			reason = "too_large"
		case errors.Is(err, errUnexpected):
			reason = "unexpected"
		}
	}
	h.metrics.FrameError(reason)
	h.bus.Publish(NewEvent(EventTypeFrameError, "", 0, sessionID, FrameErrorPayload{Error: err.Error()}))
	h.logger.Printf("⚠️ Dropped frame from %s: %v", sessionID, err)
}

// saturate16 narrows n for a u16 wire field without wrapping.
func saturate16(n int) uint16 {
	switch {
	case n < 0:
		return 0
	case n > math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(n)
}

func (h *Hub) reject(conn *transport.Conn, code uint8, reason string) {
	if data, err := protocol.Marshal(&protocol.Reject{Code: code, Reason: reason}); err == nil {
		conn.Send(context.Background(), data)
	}
	conn.Close()
}

func (h *Hub) rejectSession(s *session.Session, code uint8, reason string) {
	if data, err := protocol.Marshal(&protocol.Reject{Code: code, Reason: reason}); err == nil {
		s.Conn.Send(s.Context(), data)
	}
	h.registry.Disconnect(s.ID, session.ReasonClient)
}
