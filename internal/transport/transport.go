// Package transport abstracts the channels frames travel over.
//
// Every connection has a reliable, ordered channel (websocket) and may also
// have a lossy, unordered one (UDP). Snapshots prefer the lossy channel when
// it exists; everything else rides the reliable channel.
package transport

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrClosed    = errors.New("transport: channel closed")
	ErrQueueFull = errors.New("transport: send queue full")
)

// Channel moves whole encoded frames.
type Channel interface {
	// Send queues one frame. Lossy channels may silently drop it.
	Send(ctx context.Context, frame []byte) error
	// Receive blocks until a frame arrives, ctx is done or the channel closes.
	Receive(ctx context.Context) ([]byte, error)
	// Reliable reports whether the channel guarantees ordered delivery.
	Reliable() bool
	Close() error
}

// Conn pairs the reliable channel of one peer with an optional lossy channel.
type Conn struct {
	reliable Channel

	mu    sync.RWMutex
	lossy Channel
}

// NewConn wraps a reliable channel.
func NewConn(reliable Channel) *Conn {
	return &Conn{reliable: reliable}
}

// AttachLossy sets the lossy channel, replacing and closing any previous one.
func (c *Conn) AttachLossy(ch Channel) {
	c.mu.Lock()
	old := c.lossy
	c.lossy = ch
	c.mu.Unlock()
	if old != nil && old != ch {
		old.Close()
	}
}

// Reliable returns the reliable channel.
func (c *Conn) Reliable() Channel {
	return c.reliable
}

// Lossy returns the lossy channel or nil.
func (c *Conn) Lossy() Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lossy
}

// HasLossy reports whether a lossy channel is attached.
func (c *Conn) HasLossy() bool {
	return c.Lossy() != nil
}

// Send sends a frame on the reliable channel.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	return c.reliable.Send(ctx, frame)
}

// SendSnapshot sends a snapshot frame on the lossy channel when attached,
// otherwise on the reliable channel.
func (c *Conn) SendSnapshot(ctx context.Context, frame []byte) error {
	if l := c.Lossy(); l != nil {
		return l.Send(ctx, frame)
	}
	return c.reliable.Send(ctx, frame)
}

// Close closes both channels.
func (c *Conn) Close() error {
	c.mu.Lock()
	lossy := c.lossy
	c.lossy = nil
	c.mu.Unlock()
	if lossy != nil {
		lossy.Close()
	}
	return c.reliable.Close()
}
