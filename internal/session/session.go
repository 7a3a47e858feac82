// Package session tracks connected clients and their liveness.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/oferchen/arena/internal/snapshot"
	"github.com/oferchen/arena/internal/transport"
)

// State is the server-side view of a connection.
type State int

const (
	StateHandshaking State = iota
	StateSynced
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateSynced:
		return "synced"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Reason explains why a session ended.
type Reason int

const (
	ReasonClient           Reason = iota + 1 // peer said goodbye or closed the socket
	ReasonTimeout                            // no traffic within the liveness timeout
	ReasonHandshakeTimeout                   // handshake did not complete in time
	ReasonSlowConsumer                       // reliable send queue overflowed
	ReasonShutdown                           // room or server stopping
	ReasonError                              // transport failure
)

func (r Reason) String() string {
	switch r {
	case ReasonClient:
		return "client"
	case ReasonTimeout:
		return "timeout"
	case ReasonHandshakeTimeout:
		return "handshake_timeout"
	case ReasonSlowConsumer:
		return "slow_consumer"
	case ReasonShutdown:
		return "shutdown"
	case ReasonError:
		return "error"
	default:
		return "unknown"
	}
}

// Session is one connected client.
//
// ID, Room and Conn are fixed at creation. Ack and liveness fields are
// written by network goroutines and read by the tick driver, so they sit
// behind mu.
type Session struct {
	ID   string
	Room string
	Conn *transport.Conn

	ctx    context.Context
	cancel context.CancelFunc

	mu                sync.Mutex
	identity          string
	state             State
	history           *snapshot.History
	ackTick           uint64
	lastActivity      time.Time
	handshakeDeadline time.Time
	udpToken          uint64
	forceFull         bool
	reason            Reason
}

// Context is cancelled when the session disconnects; sends use it so a
// disconnect aborts in-flight work.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Identity returns the authenticated identity, empty before activation.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns the snapshot history, nil once released.
func (s *Session) History() *snapshot.History {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history
}

// AckTick returns the newest snapshot tick the client acknowledged.
func (s *Session) AckTick() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ackTick
}

// Ack records a snapshot acknowledgement. Older acks are ignored.
func (s *Session) Ack(tick uint64) {
	s.mu.Lock()
	if tick > s.ackTick {
		s.ackTick = tick
	}
	s.mu.Unlock()
}

// RequestFull makes the next snapshot a full resync.
func (s *Session) RequestFull() {
	s.mu.Lock()
	s.forceFull = true
	s.mu.Unlock()
}

// TakeFullRequest reports and clears a pending full-snapshot request.
func (s *Session) TakeFullRequest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.forceFull
	s.forceFull = false
	return f
}

// UDPToken returns the lossy-channel token, 0 if none was issued.
func (s *Session) UDPToken() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.udpToken
}

// SetUDPToken records the lossy-channel token handed out in the Welcome.
func (s *Session) SetUDPToken(token uint64) {
	s.mu.Lock()
	s.udpToken = token
	s.mu.Unlock()
}

// LastActivity returns when traffic was last seen.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Reason returns why the session ended, 0 while it is live.
func (s *Session) Reason() Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
	s.mu.Unlock()
}

// close moves the session to Disconnected and frees its resources. It
// reports false if the session was already closed.
func (s *Session) close(reason Reason) bool {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return false
	}
	s.state = StateDisconnected
	s.reason = reason
	h := s.history
	s.history = nil
	s.mu.Unlock()

	s.cancel()
	if h != nil {
		h.Release()
	}
	if s.Conn != nil {
		s.Conn.Close()
	}
	return true
}
