package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/oferchen/arena/internal/protocol"
	"github.com/oferchen/arena/internal/snapshot"
	"github.com/oferchen/arena/internal/transport"
)

var (
	ErrFull     = errors.New("session: registry full")
	ErrNotFound = errors.New("session: not found")
	ErrNotLive  = errors.New("session: not live")
)

// Config holds liveness settings.
type Config struct {
	Timeout          time.Duration // idle time before a session is dropped
	Keepalive        time.Duration // interval of server keepalives
	HandshakeTimeout time.Duration // window to finish the handshake
	HistoryDepth     int
	MaxSessions      int // 0 means unlimited
}

// DefaultConfig returns the default liveness settings.
func DefaultConfig() Config {
	return Config{
		Timeout:          5 * time.Second,
		Keepalive:        time.Second,
		HandshakeTimeout: 3 * time.Second,
		HistoryDepth:     snapshot.DefaultHistoryDepth,
		MaxSessions:      1000,
	}
}

// CloseFunc is called after a session is disconnected, outside registry locks.
type CloseFunc func(s *Session, reason Reason)

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// OnClose registers a hook run for every disconnected session.
func OnClose(fn CloseFunc) Option {
	return func(r *Registry) { r.onClose = append(r.onClose, fn) }
}

// Registry owns every session of a server and enforces liveness.
type Registry struct {
	cfg     Config
	now     func() time.Time
	logger  *log.Logger
	onClose []CloseFunc

	mu       sync.RWMutex
	sessions map[string]*Session
	entropy  io.Reader

	keepalive []byte
	goodbye   []byte
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = def.Keepalive
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.HistoryDepth <= 0 {
		cfg.HistoryDepth = def.HistoryDepth
	}

	r := &Registry{
		cfg:      cfg,
		now:      time.Now,
		logger:   log.Default(),
		sessions: make(map[string]*Session),
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(r)
	}

	ka, err := protocol.Marshal(&protocol.Control{Kind: protocol.ControlKeepalive})
	if err != nil {
		panic(fmt.Sprintf("encode keepalive: %v", err))
	}
	r.keepalive = ka
	bye, err := protocol.Marshal(&protocol.Control{Kind: protocol.ControlDisconnect})
	if err != nil {
		panic(fmt.Sprintf("encode goodbye: %v", err))
	}
	r.goodbye = bye
	return r
}

// Config returns the effective settings.
func (r *Registry) Config() Config {
	return r.cfg
}

// Begin creates a session in the Handshaking state for conn.
func (r *Registry) Begin(room string, conn *transport.Conn) (*Session, error) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cfg.MaxSessions > 0 && len(r.sessions) >= r.cfg.MaxSessions {
		return nil, ErrFull
	}
	id, err := ulid.New(ulid.Timestamp(now), r.entropy)
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:                id.String(),
		Room:              room,
		Conn:              conn,
		ctx:               ctx,
		cancel:            cancel,
		state:             StateHandshaking,
		history:           snapshot.NewHistory(r.cfg.HistoryDepth),
		lastActivity:      now,
		handshakeDeadline: now.Add(r.cfg.HandshakeTimeout),
	}
	r.sessions[s.ID] = s
	return s, nil
}

// Activate completes the handshake of id.
func (r *Registry) Activate(id, identity string) error {
	s := r.Get(id)
	if s == nil {
		return fmt.Errorf("activate %s: %w", id, ErrNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateHandshaking {
		return fmt.Errorf("activate %s (%s): %w", id, s.state, ErrNotLive)
	}
	s.identity = identity
	s.state = StateSynced
	s.lastActivity = r.now()
	return nil
}

// Touch records traffic from id.
func (r *Registry) Touch(id string) {
	if s := r.Get(id); s != nil {
		s.touch(r.now())
	}
}

// Get returns the session or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Len returns the number of sessions, handshaking ones included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// InRoom returns the number of sessions of room, handshaking ones included.
func (r *Registry) InRoom(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if s.Room == room {
			n++
		}
	}
	return n
}

// Live returns synced sessions ordered by id. A room filter of "" matches all rooms.
func (r *Registry) Live(room string) []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if room != "" && s.Room != room {
			continue
		}
		if s.State() == StateSynced {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Disconnect removes id, releases its history and closes its connection.
// Unless the client itself left, it is told with a best-effort goodbye.
// It reports whether the session was live.
func (r *Registry) Disconnect(id string, reason Reason) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	if reason != ReasonClient && s.Conn != nil && s.Context().Err() == nil {
		s.Conn.Send(s.Context(), r.goodbye)
	}
	if !s.close(reason) {
		return false
	}

	r.logger.Printf("🔌 Session %s left room %q (%s)", s.ID, s.Room, reason)
	for _, fn := range r.onClose {
		fn(s, reason)
	}
	return true
}

// Sweep disconnects sessions that have been idle past the timeout and
// handshakes that have overrun their window. It returns how many were removed.
func (r *Registry) Sweep(now time.Time) int {
	type expired struct {
		id     string
		reason Reason
	}
	var dead []expired

	r.mu.RLock()
	for id, s := range r.sessions {
		s.mu.Lock()
		switch {
		case s.state == StateHandshaking && now.After(s.handshakeDeadline):
			dead = append(dead, expired{id, ReasonHandshakeTimeout})
		case now.Sub(s.lastActivity) >= r.cfg.Timeout:
			dead = append(dead, expired{id, ReasonTimeout})
		}
		s.mu.Unlock()
	}
	r.mu.RUnlock()

	n := 0
	for _, d := range dead {
		if r.Disconnect(d.id, d.reason) {
			n++
		}
	}
	return n
}

// SendKeepalives sends a keepalive on the reliable channel of every live
// session. A session whose send queue is full is dropped as a slow consumer.
func (r *Registry) SendKeepalives() {
	for _, s := range r.Live("") {
		err := s.Conn.Send(s.Context(), r.keepalive)
		switch {
		case err == nil:
		case errors.Is(err, transport.ErrQueueFull):
			r.Disconnect(s.ID, ReasonSlowConsumer)
		case errors.Is(err, context.Canceled):
		default:
			r.Disconnect(s.ID, ReasonError)
		}
	}
}

// Run sweeps and sends keepalives until ctx is done. Keepalives run on their
// own ticker and never depend on the simulation tick rate.
func (r *Registry) Run(ctx context.Context) {
	sweep := time.NewTicker(r.cfg.Timeout / 5)
	keepalive := time.NewTicker(r.cfg.Keepalive)
	defer sweep.Stop()
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if n := r.Sweep(r.now()); n > 0 {
				r.logger.Printf("🧹 Swept %d idle sessions", n)
			}
		case <-keepalive.C:
			r.SendKeepalives()
		}
	}
}

// CloseAll disconnects every session.
func (r *Registry) CloseAll(reason Reason) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Disconnect(id, reason)
	}
}
