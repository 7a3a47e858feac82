package game

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// EventType enum for lifecycle event classification
type EventType uint8

const (
	EventTypeUnknown EventType = iota
	EventTypeTick              // tick boundary (event log only, not published)
	EventTypeSessionJoin
	EventTypeSessionLeave
	EventTypeTickOverrun
	EventTypeResync
	EventTypeFrameError
	EventTypeRoomStart
	EventTypeRoomStop
)

// EventVersion for backwards compatibility of the JSONL log
const EventVersion uint8 = 1

// Event is one lifecycle notification.
type Event struct {
	Version   uint8     `json:"version"`
	Type      EventType `json:"type"`
	Room      string    `json:"room"`
	Timestamp int64     `json:"timestamp"` // Unix nano
	Sequence  uint64    `json:"sequence"`  // assigned by the event log
	TickNum   uint64    `json:"tickNum"`
	SessionID string    `json:"sessionId,omitempty"` // used for per-session rate limiting
	Payload   []byte    `json:"payload,omitempty"`   // JSON-encoded payload
}

// String returns human-readable event type
func (t EventType) String() string {
	switch t {
	case EventTypeTick:
		return "tick"
	case EventTypeSessionJoin:
		return "session_join"
	case EventTypeSessionLeave:
		return "session_leave"
	case EventTypeTickOverrun:
		return "tick_overrun"
	case EventTypeResync:
		return "resync"
	case EventTypeFrameError:
		return "frame_error"
	case EventTypeRoomStart:
		return "room_start"
	case EventTypeRoomStop:
		return "room_stop"
	default:
		return "unknown"
	}
}

// MarshalText lets the JSON log carry readable type names.
func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// TickPayload describes a tick boundary
type TickPayload struct {
	Sessions    int   `json:"sessions"`
	Inputs      int   `json:"inputs"`
	DurationNs  int64 `json:"durationNs"`
	DeltaTimeNs int64 `json:"deltaTimeNs"`
}

// OverrunPayload describes ticks discarded because the loop fell behind
type OverrunPayload struct {
	Behind    int   `json:"behind"`    // ticks that were due this cycle
	Discarded int   `json:"discarded"` // ticks dropped beyond the catch-up cap
	LagNs     int64 `json:"lagNs"`
}

// SessionPayload describes a join or leave
type SessionPayload struct {
	Identity string `json:"identity"`
	Entity   uint32 `json:"entity"`
	Reason   string `json:"reason,omitempty"`
}

// ResyncPayload describes a full snapshot sent instead of a delta
type ResyncPayload struct {
	AckTick   uint64 `json:"ackTick"`
	Requested bool   `json:"requested"`
}

// FrameErrorPayload describes a dropped malformed frame
type FrameErrorPayload struct {
	Error string `json:"error"`
}

// EncodePayload marshals a payload to JSON bytes
func EncodePayload(payload interface{}) []byte {
	if payload == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return data
}

// NewEvent creates a new event with the current timestamp
func NewEvent(eventType EventType, room string, tickNum uint64, sessionID string, payload interface{}) Event {
	return Event{
		Version:   EventVersion,
		Type:      eventType,
		Room:      room,
		Timestamp: time.Now().UnixNano(),
		TickNum:   tickNum,
		SessionID: sessionID,
		Payload:   EncodePayload(payload),
	}
}

// EventBus fans lifecycle events out to subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the event.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int

	dropped atomic.Uint64
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel receiving events and a cancel func that
// closes it.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber that has room.
func (b *EventBus) Publish(ev Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}
