package chat

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter limits chat lines per session with a token bucket and a
// minimum gap between lines.
type RateLimiter struct {
	mu       sync.Mutex
	sessions map[string]*sessionLimit
	config   RateLimitConfig
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

type sessionLimit struct {
	bucket   *rate.Limiter
	lastLine time.Time
}

// RateLimitConfig configures rate limiting behavior
type RateLimitConfig struct {
	// PerSecond is the sustained rate of lines
	PerSecond float64
	// Burst is how many lines may be sent back to back
	Burst int
	// Cooldown is the minimum time between lines
	Cooldown time.Duration
	// IdleExpiry drops state of sessions quiet this long
	IdleExpiry time.Duration
}

// DefaultRateLimitConfig for chat lines
var DefaultRateLimitConfig = RateLimitConfig{
	PerSecond:  1,                      // 1 line per second
	Burst:      5,                      // 5 in a row
	Cooldown:   250 * time.Millisecond, // 250ms between lines
	IdleExpiry: 5 * time.Minute,
}

// NewRateLimiter creates a new rate limiter and starts its cleanup loop.
// Call Stop to end it.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.PerSecond <= 0 {
		cfg.PerSecond = DefaultRateLimitConfig.PerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultRateLimitConfig.Burst
	}
	if cfg.IdleExpiry <= 0 {
		cfg.IdleExpiry = DefaultRateLimitConfig.IdleExpiry
	}
	rl := &RateLimiter{
		sessions: make(map[string]*sessionLimit),
		config:   cfg,
		now:      time.Now,
		stop:     make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

// Allow checks if a session may send a line now
func (rl *RateLimiter) Allow(sessionID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	limit, exists := rl.sessions[sessionID]
	if !exists {
		limit = &sessionLimit{bucket: rate.NewLimiter(rate.Limit(rl.config.PerSecond), rl.config.Burst)}
		rl.sessions[sessionID] = limit
	} else if now.Sub(limit.lastLine) < rl.config.Cooldown {
		return false
	}

	if !limit.bucket.AllowN(now, 1) {
		return false
	}
	limit.lastLine = now
	return true
}

// Forget drops the state of a session.
func (rl *RateLimiter) Forget(sessionID string) {
	rl.mu.Lock()
	delete(rl.sessions, sessionID)
	rl.mu.Unlock()
}

// Len returns the number of tracked sessions.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.sessions)
}

// Stop ends the cleanup loop.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// cleanup removes idle entries every minute
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.expire(rl.now())
		}
	}
}

func (rl *RateLimiter) expire(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := now.Add(-rl.config.IdleExpiry)
	for id, limit := range rl.sessions {
		if limit.lastLine.Before(cutoff) {
			delete(rl.sessions, id)
		}
	}
}
