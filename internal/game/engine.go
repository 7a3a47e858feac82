package game

import (
	"errors"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oferchen/arena/internal/protocol"
	"github.com/oferchen/arena/internal/session"
	"github.com/oferchen/arena/internal/snapshot"
	"github.com/oferchen/arena/internal/transport"
	"github.com/oferchen/arena/internal/world"
)

// Config tunes one room's tick driver.
type Config struct {
	Room              string
	TickRate          int // ticks per second
	CatchupMaxTicks   int // ticks run per wake-up when behind; the rest are discarded
	MaxGapFill        int // missing inputs repeated per gap
	MaxInputsPerTick  int // inputs applied per session per tick
	MaxPendingInputs  int // inputs buffered per session
	ForceFullInterval int // ticks between forced full snapshots on lossy connections, 0 disables
	InboxCapacity     int
}

// DefaultConfig returns the default room settings.
func DefaultConfig() Config {
	return Config{
		Room:              "lobby",
		TickRate:          60,
		CatchupMaxTicks:   4,
		MaxGapFill:        8,
		MaxInputsPerTick:  8,
		MaxPendingInputs:  64,
		ForceFullInterval: 120,
		InboxCapacity:     4096,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Room == "" {
		c.Room = d.Room
	}
	if c.TickRate <= 0 {
		c.TickRate = d.TickRate
	}
	if c.CatchupMaxTicks <= 0 {
		c.CatchupMaxTicks = d.CatchupMaxTicks
	}
	if c.MaxGapFill < 0 {
		c.MaxGapFill = 0
	}
	if c.MaxInputsPerTick <= 0 {
		c.MaxInputsPerTick = d.MaxInputsPerTick
	}
	if c.MaxPendingInputs <= 0 {
		c.MaxPendingInputs = d.MaxPendingInputs
	}
	if c.InboxCapacity <= 0 {
		c.InboxCapacity = d.InboxCapacity
	}
	return c
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *log.Logger) Option { return func(e *Engine) { e.logger = l } }
func WithEventBus(b *EventBus) Option { return func(e *Engine) { e.bus = b } }
func WithMetrics(m Metrics) Option { return func(e *Engine) { e.metrics = m } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }
func WithChat(c ChatRelay) Option { return func(e *Engine) { e.chat = c } }
func WithExtensions(t *protocol.ExtensionTable) Option {
	return func(e *Engine) { e.ext = t }
}

// WithDisconnect sets how the engine drops a session it cannot serve, for
// example one whose send queue overflowed.
func WithDisconnect(fn func(id string, reason session.Reason)) Option {
	return func(e *Engine) { e.disconnect = fn }
}

// RoomStats is a point-in-time view of a room.
type RoomStats struct {
	Room         string  `json:"room"`
	Tick         uint64  `json:"tick"`
	TickRate     int     `json:"tickRate"`
	Players      int     `json:"players"`
	Entities     int     `json:"entities"`
	InboxLen     int     `json:"inboxLen"`
	InboxDropped uint64  `json:"inboxDropped"`
	Overruns     uint64  `json:"overruns"`
	Deferred     uint64  `json:"deferredSnapshots"`
	LastTickMs   float64 `json:"lastTickMs"`
	Running      bool    `json:"running"`
}

// Engine is the fixed-rate tick driver of one room. It exclusively owns the
// room's world state: network goroutines only push entries into the inbox,
// which is drained once at the start of every tick.
type Engine struct {
	cfg        Config
	rules      Rules
	ext        *protocol.ExtensionTable
	bus        *EventBus
	metrics    Metrics
	chat       ChatRelay
	logger     *log.Logger
	now        func() time.Time
	disconnect func(id string, reason session.Reason)

	inbox      *Inbox
	nextEntity atomic.Uint32

	// guarded by stepMu; the loop and manual Step calls share it
	stepMu   sync.Mutex
	state    *world.State
	players  map[string]*Player
	drainBuf []Entry

	latest      atomic.Pointer[world.Frame]
	tick        atomic.Uint64
	playerCount atomic.Int32
	overruns    atomic.Uint64
	deferrals   atomic.Uint64
	lastTickNs  atomic.Int64

	running  atomic.Bool
	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewEngine creates a stopped room.
func NewEngine(cfg Config, rules Rules, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:      cfg,
		rules:    rules,
		metrics:  noopMetrics{},
		logger:   log.Default(),
		now:      time.Now,
		inbox:    NewInbox(cfg.InboxCapacity),
		state:    world.NewState(),
		players:  make(map[string]*Player),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.ext == nil {
		e.ext = protocol.NewExtensionTable()
	}
	empty := e.state.Frame()
	e.latest.Store(&empty)
	return e
}

// Room returns the room id.
func (e *Engine) Room() string { return e.cfg.Room }

// Config returns the effective settings.
func (e *Engine) Config() Config { return e.cfg }

// Start freezes the extension table and begins the tick loop.
func (e *Engine) Start() {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	e.ext.Freeze()
	go e.run()

	e.bus.Publish(NewEvent(EventTypeRoomStart, e.cfg.Room, e.tick.Load(), "", nil))
	e.logger.Printf("🎮 Room %q started at %d TPS", e.cfg.Room, e.cfg.TickRate)
}

// Stop stops the tick loop and waits for it to exit.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopChan)
		if e.running.Load() {
			<-e.doneChan
		}
		e.running.Store(false)
		e.bus.Publish(NewEvent(EventTypeRoomStop, e.cfg.Room, e.tick.Load(), "", nil))
		e.logger.Printf("🛑 Room %q stopped", e.cfg.Room)
	})
}

// Running reports whether the loop is active.
func (e *Engine) Running() bool { return e.running.Load() }

// Enqueue hands an entry to the tick driver. It returns false when the inbox
// is full and the entry was dropped.
func (e *Engine) Enqueue(en Entry) bool {
	if !e.inbox.TryPush(en) {
		if en.Kind == EntryInput {
			e.metrics.InputDropped("inbox_full")
		}
		return false
	}
	return true
}

// ReserveEntity allocates the entity id a joining session will control.
func (e *Engine) ReserveEntity() world.EntityID {
	return world.EntityID(e.nextEntity.Add(1))
}

// Tick returns the last completed tick.
func (e *Engine) Tick() uint64 { return e.tick.Load() }

// Frame returns the state captured at the end of the last tick.
func (e *Engine) Frame() world.Frame { return *e.latest.Load() }

// Players returns the number of joined sessions.
func (e *Engine) Players() int { return int(e.playerCount.Load()) }

// Stats returns a point-in-time view of the room.
func (e *Engine) Stats() RoomStats {
	f := e.latest.Load()
	return RoomStats{
		Room:         e.cfg.Room,
		Tick:         e.tick.Load(),
		TickRate:     e.cfg.TickRate,
		Players:      e.Players(),
		Entities:     len(f.Entities),
		InboxLen:     e.inbox.Len(),
		InboxDropped: e.inbox.Dropped(),
		Overruns:     e.overruns.Load(),
		Deferred:     e.deferrals.Load(),
		LastTickMs:   float64(e.lastTickNs.Load()) / 1e6,
		Running:      e.running.Load(),
	}
}

// Interval returns the tick period.
func (e *Engine) Interval() time.Duration {
	return time.Second / time.Duration(e.cfg.TickRate)
}

// run wakes on a ticker and runs every tick that is due, up to the catch-up
// cap. Ticks beyond the cap are discarded and reported as an overrun; the
// simulation of each tick that does run always completes.
func (e *Engine) run() {
	defer close(e.doneChan)

	interval := e.Interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	next := e.now().Add(interval)
	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			now := e.now()
			if now.Before(next) {
				continue
			}
			lag := now.Sub(next)
			due := int(lag/interval) + 1
			next = next.Add(time.Duration(due) * interval)

			run := due
			if run > e.cfg.CatchupMaxTicks {
				run = e.cfg.CatchupMaxTicks
				e.reportOverrun(due, due-run, lag)
			}
			for i := 0; i < run; i++ {
				// only the newest tick of a burst is worth sending
				e.step(i == run-1)
			}
		}
	}
}

func (e *Engine) reportOverrun(due, discarded int, lag time.Duration) {
	e.overruns.Add(1)
	e.metrics.TickOverrun(e.cfg.Room, discarded)
	e.bus.Publish(NewEvent(EventTypeTickOverrun, e.cfg.Room, e.tick.Load(), "",
		OverrunPayload{Behind: due, Discarded: discarded, LagNs: lag.Nanoseconds()}))
	e.logger.Printf("⚠️ Room %q behind by %d ticks, discarded %d", e.cfg.Room, due, discarded)
}

// Step runs exactly one tick and sends snapshots. It returns the new tick.
func (e *Engine) Step() uint64 {
	return e.step(true)
}

func (e *Engine) step(send bool) uint64 {
	e.stepMu.Lock()
	defer e.stepMu.Unlock()

	start := e.now()
	tick := e.state.Advance()

	entries := e.inbox.Drain(e.drainBuf[:0])
	var chats []Entry
	for _, en := range entries {
		switch en.Kind {
		case EntryJoin:
			e.join(en, tick)
		case EntryLeave:
			e.leave(en.Session.ID, tick, en.Session.Reason())
		case EntryInput:
			if p := e.players[en.Session.ID]; p != nil {
				if !p.queue(en.Input, e.cfg.MaxPendingInputs) {
					e.metrics.InputDropped("backlog")
				}
			}
		case EntryAck:
			en.Session.Ack(en.Tick)
		case EntryResync:
			en.Session.RequestFull()
		case EntryChat:
			chats = append(chats, en)
		case EntryExtension:
			e.dispatchExtension(en, tick)
		case EntryInterest:
			if p := e.players[en.Session.ID]; p != nil && p.interest != en.Interest {
				p.interest = en.Interest
				en.Session.RequestFull()
			}
		}
	}
	for i := range entries {
		entries[i] = Entry{}
	}
	e.drainBuf = entries[:0]

	players := e.sortedPlayers()
	for _, p := range players {
		if p.Session.State() == session.StateDisconnected {
			e.leave(p.Session.ID, tick, p.Session.Reason())
		}
	}
	players = e.sortedPlayers()

	for _, p := range players {
		inputs, dropped := p.takeInputs(e.cfg.MaxGapFill, e.cfg.MaxInputsPerTick)
		for i := 0; i < dropped; i++ {
			e.metrics.InputDropped("stale")
		}
		for _, in := range inputs {
			e.state.Apply(e.rules.ApplyInput(e.state, p.Entity, in))
		}
	}

	e.state.Apply(e.rules.Step(e.state, tick))

	frame := e.state.Frame()
	e.latest.Store(&frame)
	e.tick.Store(tick)

	elapsed := e.now().Sub(start)
	if send && elapsed < e.Interval() {
		e.sendSnapshots(frame, players)
	} else {
		// over budget: skip transmission, the next tick sends a newer frame
		e.deferrals.Add(1)
	}

	if len(chats) > 0 && e.chat != nil {
		recipients := make([]*session.Session, 0, len(players))
		for _, p := range players {
			recipients = append(recipients, p.Session)
		}
		for _, c := range chats {
			e.chat.Broadcast(c.Session.Identity(), c.Text, recipients)
		}
	}

	total := e.now().Sub(start)
	e.lastTickNs.Store(total.Nanoseconds())
	e.metrics.ObserveTick(e.cfg.Room, total)
	return tick
}

func (e *Engine) sortedPlayers() []*Player {
	out := make([]*Player, 0, len(e.players))
	for _, p := range e.players {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Session.ID < out[j].Session.ID })
	return out
}

func (e *Engine) join(en Entry, tick uint64) {
	s := en.Session
	if _, ok := e.players[s.ID]; ok || s.State() == session.StateDisconnected {
		return
	}
	entity := en.Entity
	if entity == 0 {
		entity = e.ReserveEntity()
	}
	e.state.Apply(e.rules.Spawn(e.state, entity, s.Identity()))
	e.players[s.ID] = newPlayer(s, entity, tick)
	e.playerCount.Store(int32(len(e.players)))
	e.metrics.SessionsChanged(e.cfg.Room, len(e.players))

	e.bus.Publish(NewEvent(EventTypeSessionJoin, e.cfg.Room, tick, s.ID,
		SessionPayload{Identity: s.Identity(), Entity: uint32(entity)}))
}

func (e *Engine) leave(id string, tick uint64, reason session.Reason) {
	p, ok := e.players[id]
	if !ok {
		return
	}
	e.state.Apply(e.rules.Despawn(e.state, p.Entity))
	delete(e.players, id)
	e.playerCount.Store(int32(len(e.players)))
	e.metrics.SessionsChanged(e.cfg.Room, len(e.players))

	e.bus.Publish(NewEvent(EventTypeSessionLeave, e.cfg.Room, tick, id,
		SessionPayload{Identity: p.Session.Identity(), Entity: uint32(p.Entity), Reason: reason.String()}))
}

func (e *Engine) dispatchExtension(en Entry, tick uint64) {
	p := e.players[en.Session.ID]
	if p == nil {
		return
	}
	ctx := protocol.ExtensionContext{
		Session:  en.Session.ID,
		Identity: en.Session.Identity(),
		Entity:   p.Entity,
		Tick:     tick,
		World:    e.state,
	}
	muts, err := e.ext.Dispatch(ctx, en.Message)
	if err != nil {
		e.metrics.FrameError("no_handler")
		e.bus.Publish(NewEvent(EventTypeFrameError, e.cfg.Room, tick, en.Session.ID,
			FrameErrorPayload{Error: err.Error()}))
		e.logger.Printf("⚠️ Dropped frame from %s: %v", en.Session.ID, err)
		return
	}
	e.state.Apply(muts)
}

// sendSnapshots builds and sends one snapshot per live player.
func (e *Engine) sendSnapshots(frame world.Frame, players []*Player) {
	for _, p := range players {
		s := p.Session
		if s.State() != session.StateSynced {
			continue
		}
		hist := s.History()
		if hist == nil {
			continue
		}

		requested := s.TakeFullRequest()
		force := requested
		if e.cfg.ForceFullInterval > 0 && s.Conn != nil && s.Conn.HasLossy() && p.sinceFull >= e.cfg.ForceFullInterval {
			force = true
		}

		ackTick := s.AckTick()
		snap, kind := snapshot.Build(snapshot.Request{
			History: hist,
			AckTick: ackTick,
			AckSeq:  p.lastSeq,
			Current: frame,
			Force:   force,

			Interest: p.interest,
			Self:     p.Entity,
		})
		if kind == snapshot.KindDelta {
			p.sinceFull++
		} else {
			p.sinceFull = 0
		}
		if kind == snapshot.KindResync {
			e.bus.Publish(NewEvent(EventTypeResync, e.cfg.Room, frame.Tick, s.ID,
				ResyncPayload{AckTick: ackTick, Requested: requested}))
		}

		data, err := protocol.Marshal(snap)
		if err != nil {
			e.logger.Printf("⚠️ Encode snapshot for %s: %v", s.ID, err)
			continue
		}
		e.metrics.SnapshotSent(kind.String(), len(data))

		if s.Conn == nil {
			continue
		}
		if err := s.Conn.SendSnapshot(s.Context(), data); err != nil {
			e.handleSendError(s, err)
		}
	}
}

func (e *Engine) handleSendError(s *session.Session, err error) {
	reason := session.ReasonError
	switch {
	case errors.Is(err, transport.ErrQueueFull):
		reason = session.ReasonSlowConsumer
	case errors.Is(err, transport.ErrClosed):
		reason = session.ReasonClient
	case s.Context().Err() != nil:
		// already disconnecting
		return
	}
	if e.disconnect != nil {
		e.disconnect(s.ID, reason)
	}
}
