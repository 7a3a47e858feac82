package transport

import (
	"context"
	"math/rand"
	"sync"
)

// PipeConfig shapes an in-memory channel pair.
type PipeConfig struct {
	Reliable bool
	Loss     float64 // probability a frame is dropped (lossy pipes only)
	Reorder  float64 // probability a frame is held back behind the next one (lossy pipes only)
	Buffer   int
	Seed     int64
}

// Pipe returns two connected in-memory channels. A reliable pipe delivers
// every frame in order and fails with ErrQueueFull once Buffer frames are
// unread; a lossy pipe drops and reorders according to cfg.
func Pipe(cfg PipeConfig) (Channel, Channel) {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	shared := &pipeShared{done: make(chan struct{})}
	a := &pipeEnd{cfg: cfg, in: make(chan []byte, cfg.Buffer), shared: shared, rng: rand.New(rand.NewSource(cfg.Seed))}
	b := &pipeEnd{cfg: cfg, in: make(chan []byte, cfg.Buffer), shared: shared, rng: rand.New(rand.NewSource(cfg.Seed + 1))}
	a.peer, b.peer = b, a
	return a, b
}

type pipeShared struct {
	once sync.Once
	done chan struct{}
}

type pipeEnd struct {
	cfg    PipeConfig
	in     chan []byte
	peer   *pipeEnd
	shared *pipeShared

	mu   sync.Mutex
	rng  *rand.Rand
	held []byte
}

func (p *pipeEnd) Send(ctx context.Context, frame []byte) error {
	select {
	case <-p.shared.done:
		return ErrClosed
	default:
	}
	frame = append([]byte(nil), frame...)

	if p.cfg.Reliable {
		// like a websocket send queue, a full buffer means the reader fell behind
		select {
		case p.peer.in <- frame:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
			return ErrQueueFull
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rng.Float64() < p.cfg.Loss {
		return nil
	}
	if p.held == nil && p.rng.Float64() < p.cfg.Reorder {
		p.held = frame
		return nil
	}
	p.offer(frame)
	if p.held != nil {
		p.offer(p.held)
		p.held = nil
	}
	return nil
}

// offer delivers without blocking; a full lossy pipe drops.
func (p *pipeEnd) offer(frame []byte) {
	select {
	case p.peer.in <- frame:
	default:
	}
}

func (p *pipeEnd) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-p.in:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.shared.done:
		select {
		case frame := <-p.in:
			return frame, nil
		default:
		}
		return nil, ErrClosed
	}
}

func (p *pipeEnd) Reliable() bool { return p.cfg.Reliable }

// Close closes both ends.
func (p *pipeEnd) Close() error {
	p.shared.once.Do(func() { close(p.shared.done) })
	return nil
}
