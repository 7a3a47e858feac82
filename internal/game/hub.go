package game

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/oferchen/arena/internal/protocol"
	"github.com/oferchen/arena/internal/session"
	"github.com/oferchen/arena/internal/transport"
)

var (
	ErrTooManyRooms = errors.New("room limit reached")
	ErrBadRoomName  = errors.New("invalid room name")
	ErrHubStopped   = errors.New("hub stopped")
)

var roomNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,32}$`)

// HubConfig tunes the set of rooms served by one process.
type HubConfig struct {
	Engine          Config // template for every room; Room is replaced
	MaxRooms        int
	IdleRoomTimeout time.Duration // empty rooms are stopped after this long, 0 keeps them
	InputRate       float64       // inputs per second accepted from one session
	InputBurst      int
}

// DefaultHubConfig returns the default hub settings.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		Engine:          DefaultConfig(),
		MaxRooms:        64,
		IdleRoomTimeout: 2 * time.Minute,
		InputRate:       120,
		InputBurst:      30,
	}
}

// HubOption configures a Hub.
type HubOption func(*Hub)

func WithHubLogger(l *log.Logger) HubOption { return func(h *Hub) { h.logger = l } }
func WithHubMetrics(m Metrics) HubOption { return func(h *Hub) { h.metrics = m } }
func WithHubEventBus(b *EventBus) HubOption { return func(h *Hub) { h.bus = b } }
func WithHubChat(c ChatRelay) HubOption { return func(h *Hub) { h.chat = c } }
func WithAuthenticator(a Authenticator) HubOption { return func(h *Hub) { h.auth = a } }

// WithUDP enables lossy channels served by m. addr is advertised to clients
// in the Welcome; empty advertises the mux's own address.
func WithUDP(m *transport.UDPMux, addr string) HubOption {
	return func(h *Hub) {
		h.udp = m
		h.udpAddr = addr
		if addr == "" && m != nil {
			h.udpAddr = m.Addr().String()
		}
	}
}

// WithSessionOptions passes options to the hub's session registry.
func WithSessionOptions(opts ...session.Option) HubOption {
	return func(h *Hub) { h.sessionOpts = append(h.sessionOpts, opts...) }
}

// Hub owns the rooms of a server and the session registry they share.
// Rooms are created on first use and each runs its own tick driver.
type Hub struct {
	cfg         HubConfig
	rules       RulesFactory
	registry    *session.Registry
	sessionOpts []session.Option
	auth        Authenticator
	bus         *EventBus
	metrics     Metrics
	chat        ChatRelay
	logger      *log.Logger
	udp         *transport.UDPMux
	udpAddr     string

	mu      sync.RWMutex
	rooms   map[string]*Engine
	empty   map[string]time.Time // when each room last became empty
	stopped bool
}

// NewHub creates a hub and its session registry.
func NewHub(cfg HubConfig, sessCfg session.Config, rules RulesFactory, opts ...HubOption) *Hub {
	h := &Hub{
		cfg:     cfg,
		rules:   rules,
		auth:    AnonymousAuth{},
		bus:     NewEventBus(),
		metrics: noopMetrics{},
		logger:  log.Default(),
		rooms:   make(map[string]*Engine),
		empty:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(h)
	}
	regOpts := append([]session.Option{
		session.WithLogger(h.logger),
		session.OnClose(h.sessionClosed),
	}, h.sessionOpts...)
	h.registry = session.NewRegistry(sessCfg, regOpts...)
	return h
}

// Registry returns the session registry.
func (h *Hub) Registry() *session.Registry { return h.registry }

// Events returns the lifecycle bus.
func (h *Hub) Events() *EventBus { return h.bus }

// Room returns the running room id, creating and starting it if needed.
func (h *Hub) Room(id string) (*Engine, error) {
	if !roomNamePattern.MatchString(id) {
		return nil, fmt.Errorf("room %q: %w", id, ErrBadRoomName)
	}

	h.mu.RLock()
	e, ok := h.rooms[id]
	h.mu.RUnlock()
	if ok {
		return e, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil, ErrHubStopped
	}
	if e, ok := h.rooms[id]; ok {
		return e, nil
	}
	if h.cfg.MaxRooms > 0 && len(h.rooms) >= h.cfg.MaxRooms {
		return nil, fmt.Errorf("room %q: %w", id, ErrTooManyRooms)
	}

	rules := h.rules(id)
	ext := protocol.NewExtensionTable()
	if reg, ok := rules.(ExtensionRegistrar); ok {
		if err := reg.RegisterExtensions(ext); err != nil {
			return nil, fmt.Errorf("room %q extensions: %w", id, err)
		}
	}

	cfg := h.cfg.Engine
	cfg.Room = id
	e = NewEngine(cfg, rules,
		WithLogger(h.logger),
		WithEventBus(h.bus),
		WithMetrics(h.metrics),
		WithChat(h.chat),
		WithExtensions(ext),
		WithDisconnect(func(sid string, r session.Reason) { h.registry.Disconnect(sid, r) }),
	)
	e.Start()
	h.rooms[id] = e
	h.empty[id] = time.Now()
	return e, nil
}

// Get returns a running room or nil.
func (h *Hub) Get(id string) *Engine {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[id]
}

// Rooms returns stats of every room ordered by id.
func (h *Hub) Rooms() []RoomStats {
	h.mu.RLock()
	out := make([]RoomStats, 0, len(h.rooms))
	for _, e := range h.rooms {
		out = append(out, e.Stats())
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out
}

// RoomStats returns the stats of a running room.
func (h *Hub) RoomStats(id string) (RoomStats, bool) {
	e := h.Get(id)
	if e == nil {
		return RoomStats{}, false
	}
	return e.Stats(), true
}

// Sessions returns the number of registered sessions across rooms.
func (h *Hub) Sessions() int { return h.registry.Len() }

// Run drives liveness and reaps idle rooms until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	go h.registry.Run(ctx)

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.reapIdleRooms(time.Now())
		}
	}
}

func (h *Hub) reapIdleRooms(now time.Time) {
	if h.cfg.IdleRoomTimeout <= 0 {
		return
	}
	var idle []*Engine

	h.mu.Lock()
	for id, e := range h.rooms {
		// a handshaking session is about to join, so it counts as occupancy
		if e.Players() > 0 || h.registry.InRoom(id) > 0 {
			delete(h.empty, id)
			continue
		}
		since, ok := h.empty[id]
		if !ok {
			h.empty[id] = now
			continue
		}
		if now.Sub(since) >= h.cfg.IdleRoomTimeout {
			delete(h.rooms, id)
			delete(h.empty, id)
			idle = append(idle, e)
		}
	}
	h.mu.Unlock()

	for _, e := range idle {
		e.Stop()
	}
}

// Stop disconnects every session and stops every room.
func (h *Hub) Stop() {
	h.mu.Lock()
	h.stopped = true
	rooms := make([]*Engine, 0, len(h.rooms))
	for _, e := range h.rooms {
		rooms = append(rooms, e)
	}
	h.mu.Unlock()

	h.registry.CloseAll(session.ReasonShutdown)
	for _, e := range rooms {
		e.Stop()
	}
}

// sessionClosed routes a registry disconnect to the session's room so its
// entity is despawned and its queued input dropped on the next tick.
func (h *Hub) sessionClosed(s *session.Session, _ session.Reason) {
	if e := h.Get(s.Room); e != nil {
		e.Enqueue(Entry{Kind: EntryLeave, Session: s})
	}
	if f, ok := h.chat.(interface{ Forget(sessionID string) }); ok {
		f.Forget(s.ID)
	}
}
