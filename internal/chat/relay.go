// Package chat relays chat lines between the players of a room. Lines are
// rate limited per session and delivered by a small worker pool on each
// recipient's reliable channel, so the tick goroutine never waits on a send.
package chat

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/oferchen/arena/internal/protocol"
	"github.com/oferchen/arena/internal/session"
	"github.com/oferchen/arena/internal/transport"
)

// Relay queues chat lines and fans them out with a worker pool. Lines of
// one room always go to the same worker, so a room sees them in order.
type Relay struct {
	queues  []chan Line
	limiter *RateLimiter
	maxLen  int
	logger  *log.Logger
	wg      sync.WaitGroup
	running atomic.Bool
	stop    chan struct{}

	// Metrics
	enqueued    atomic.Uint64
	delivered   atomic.Uint64
	dropped     atomic.Uint64
	sendErrors  atomic.Uint64
	avgWaitTime atomic.Int64 // nanoseconds, exponential moving average
}

// Config holds configuration for the relay
type Config struct {
	BufferSize int // lines buffered per worker (default: 256)
	Workers    int // worker goroutines (default: 4)
	MaxLineLen int // longer lines are cut (default: MaxLineLen)
	RateLimit  RateLimitConfig
}

// DefaultConfig returns sensible defaults for production
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
		Workers:    4,
		MaxLineLen: MaxLineLen,
		RateLimit:  DefaultRateLimitConfig,
	}
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option { return func(r *Relay) { r.logger = l } }

// NewRelay creates a relay. Call Start before use.
func NewRelay(config Config, opts ...Option) *Relay {
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.MaxLineLen <= 0 {
		config.MaxLineLen = MaxLineLen
	}

	r := &Relay{
		queues:  make([]chan Line, config.Workers),
		limiter: NewRateLimiter(config.RateLimit),
		maxLen:  config.MaxLineLen,
		logger:  log.Default(),
		stop:    make(chan struct{}),
	}
	for i := range r.queues {
		r.queues[i] = make(chan Line, config.BufferSize)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the worker pool
func (r *Relay) Start() {
	if r.running.Swap(true) {
		return
	}

	r.logger.Printf("💬 Chat relay starting with %d workers, buffer size %d", len(r.queues), cap(r.queues[0]))

	for i := range r.queues {
		r.wg.Add(1)
		go r.worker(r.queues[i])
	}
}

// Stop shuts the workers down. Queued lines are discarded.
func (r *Relay) Stop() {
	r.limiter.Stop()
	if !r.running.Swap(false) {
		return
	}

	close(r.stop)
	r.wg.Wait()

	r.logger.Printf("📊 Chat relay stopped - enqueued: %d, delivered: %d, dropped: %d",
		r.enqueued.Load(), r.delivered.Load(), r.dropped.Load())
}

// Allow reports whether sessionID may send another line now.
func (r *Relay) Allow(sessionID string) bool {
	return r.limiter.Allow(sessionID)
}

// Forget drops the rate limit state of a closed session.
func (r *Relay) Forget(sessionID string) {
	r.limiter.Forget(sessionID)
}

// Broadcast queues a line for every session in to. It never blocks: when
// the worker's queue is full the line is dropped.
func (r *Relay) Broadcast(from, text string, to []*session.Session) {
	text = Sanitize(text, r.maxLen)
	if text == "" || len(to) == 0 {
		return
	}
	line := Line{
		From:       from,
		Text:       text,
		To:         to,
		ReceivedAt: time.Now(),
	}

	q := r.queues[r.shard(to[0].Room)]
	select {
	case q <- line:
		r.enqueued.Add(1)
	default:
		if r.dropped.Add(1)%100 == 1 {
			r.logger.Printf("⚠️ Chat relay full, dropped line from %s (total dropped: %d)",
				from, r.dropped.Load())
		}
	}
}

func (r *Relay) shard(room string) int {
	return int(murmur3.Sum32([]byte(room)) % uint32(len(r.queues)))
}

// worker delivers lines from one queue
func (r *Relay) worker(lines <-chan Line) {
	defer r.wg.Done()

	for {
		select {
		case <-r.stop:
			return
		case line := <-lines:
			waitTime := time.Since(line.ReceivedAt)
			r.updateAvgWaitTime(waitTime)
			if waitTime > 100*time.Millisecond {
				r.logger.Printf("⚠️ Chat line from %s waited %.1fms in queue",
					line.From, float64(waitTime.Microseconds())/1000)
			}
			r.deliver(line)
		}
	}
}

func (r *Relay) deliver(line Line) {
	frame, err := protocol.Marshal(&protocol.Chat{From: line.From, Text: line.Text})
	if err != nil {
		r.logger.Printf("⚠️ Chat line from %s not encodable: %v", line.From, err)
		return
	}
	for _, s := range line.To {
		if s.State() != session.StateSynced {
			continue
		}
		// a full queue is left to the engine, which drops the slow consumer
		// on its next snapshot send
		err := s.Conn.Send(s.Context(), frame)
		switch {
		case err == nil:
			r.delivered.Add(1)
		case errors.Is(err, context.Canceled), errors.Is(err, transport.ErrClosed):
		default:
			r.sendErrors.Add(1)
		}
	}
}

// updateAvgWaitTime updates exponential moving average
func (r *Relay) updateAvgWaitTime(waitTime time.Duration) {
	current := r.avgWaitTime.Load()
	// EMA with alpha = 0.1
	r.avgWaitTime.Store((current*9 + waitTime.Nanoseconds()) / 10)
}

// Stats returns current relay statistics
func (r *Relay) Stats() Stats {
	var pending, size int
	for _, q := range r.queues {
		pending += len(q)
		size += cap(q)
	}
	return Stats{
		Enqueued:       r.enqueued.Load(),
		Delivered:      r.delivered.Load(),
		Dropped:        r.dropped.Load(),
		SendErrors:     r.sendErrors.Load(),
		Pending:        uint64(pending),
		BufferSize:     uint64(size),
		AvgWaitTimeMs:  float64(r.avgWaitTime.Load()) / 1e6,
		BufferUsagePct: float64(pending) / float64(size) * 100,
		Sessions:       r.limiter.Len(),
	}
}

// Stats holds relay metrics
type Stats struct {
	Enqueued       uint64  `json:"enqueued"`
	Delivered      uint64  `json:"delivered"`
	Dropped        uint64  `json:"dropped"`
	SendErrors     uint64  `json:"send_errors"`
	Pending        uint64  `json:"pending"`
	BufferSize     uint64  `json:"buffer_size"`
	AvgWaitTimeMs  float64 `json:"avg_wait_time_ms"`
	BufferUsagePct float64 `json:"buffer_usage_pct"`
	Sessions       int     `json:"sessions"`
}
