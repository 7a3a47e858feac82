package game

import (
	"runtime"
	"sync/atomic"

	"github.com/oferchen/arena/internal/protocol"
	"github.com/oferchen/arena/internal/session"
	"github.com/oferchen/arena/internal/snapshot"
	"github.com/oferchen/arena/internal/world"
)

// EntryKind classifies inbox entries.
type EntryKind uint8

const (
	EntryJoin EntryKind = iota + 1
	EntryLeave
	EntryInput
	EntryAck
	EntryResync
	EntryChat
	EntryExtension
	EntryInterest
)

func (k EntryKind) String() string {
	switch k {
	case EntryJoin:
		return "join"
	case EntryLeave:
		return "leave"
	case EntryInput:
		return "input"
	case EntryAck:
		return "ack"
	case EntryResync:
		return "resync"
	case EntryChat:
		return "chat"
	case EntryExtension:
		return "extension"
	case EntryInterest:
		return "interest"
	default:
		return "unknown"
	}
}

// Entry is one unit of work handed from a network goroutine to the room's
// tick driver.
type Entry struct {
	Kind    EntryKind
	Session *session.Session
	Entity  world.EntityID // reserved entity for EntryJoin
	Input   protocol.InputFrame
	Tick    uint64 // acknowledged tick for EntryAck
	Text    string
	Message protocol.Message // raw extension frame

	Interest snapshot.Interest // requested mask for EntryInterest
}

// cacheLinePad keeps producer and consumer cursors on separate cache lines.
type cacheLinePad [64]byte

type slot struct {
	seq   atomic.Uint64
	entry Entry
}

// Inbox is a bounded multi-producer single-consumer ring. Any number of
// connection goroutines push; only the tick driver drains. A slot's sequence
// number publishes the entry, so the consumer never observes a claimed but
// unwritten slot.
type Inbox struct {
	_    cacheLinePad
	head atomic.Uint64 // next slot producers claim
	_    cacheLinePad
	tail atomic.Uint64 // next slot the consumer reads; written only by the consumer
	_    cacheLinePad
	mask  uint64
	slots []slot

	dropped atomic.Uint64
}

// NewInbox returns an inbox holding at least capacity entries, rounded up
// to a power of two.
func NewInbox(capacity int) *Inbox {
	size := 1
	for size < capacity {
		size <<= 1
	}
	q := &Inbox{mask: uint64(size - 1), slots: make([]slot, size)}
	for i := range q.slots {
		q.slots[i].seq.Store(uint64(i))
	}
	return q
}

// TryPush appends e. It returns false when the inbox is full.
func (q *Inbox) TryPush(e Entry) bool {
	for {
		head := q.head.Load()
		s := &q.slots[head&q.mask]
		seq := s.seq.Load()
		switch {
		case seq == head:
			if q.head.CompareAndSwap(head, head+1) {
				s.entry = e
				s.seq.Store(head + 1)
				return true
			}
		case seq < head:
			q.dropped.Add(1)
			return false
		}
		// another producer won the slot
		runtime.Gosched()
	}
}

// Drain pops every published entry into buf and returns it. Only the tick
// driver may call Drain.
func (q *Inbox) Drain(buf []Entry) []Entry {
	tail := q.tail.Load()
	for {
		s := &q.slots[tail&q.mask]
		if s.seq.Load() != tail+1 {
			q.tail.Store(tail)
			return buf
		}
		buf = append(buf, s.entry)
		s.entry = Entry{}
		s.seq.Store(tail + q.mask + 1)
		tail++
	}
}

// Len returns an approximate count of queued entries.
func (q *Inbox) Len() int {
	head := q.head.Load()
	tail := q.tail.Load()
	if head < tail {
		return 0
	}
	return int(head - tail)
}

// Cap returns the capacity.
func (q *Inbox) Cap() int {
	return int(q.mask + 1)
}

// Dropped returns how many pushes failed because the inbox was full.
func (q *Inbox) Dropped() uint64 {
	return q.dropped.Load()
}
