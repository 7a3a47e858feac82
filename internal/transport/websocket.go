package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oferchen/arena/internal/protocol"
)

const (
	// WriteTimeout bounds one websocket write.
	WriteTimeout = 2 * time.Second

	// DefaultSendQueue is the number of frames buffered per websocket.
	DefaultSendQueue = 256
)

// WSChannel is a reliable channel over a gorilla websocket connection.
// A write pump and a read pump own the underlying connection; Send and
// Receive only touch buffered queues.
type WSChannel struct {
	conn *websocket.Conn
	send chan []byte
	recv chan []byte

	closeOnce   sync.Once
	closingOnce sync.Once
	closing     chan struct{} // Close was called; the write pump flushes and exits
	done        chan struct{} // connection is gone

	errMu   sync.Mutex
	readErr error
}

// NewWSChannel starts the pumps of an established websocket connection.
// queue <= 0 selects DefaultSendQueue.
func NewWSChannel(conn *websocket.Conn, queue int) *WSChannel {
	if queue <= 0 {
		queue = DefaultSendQueue
	}
	conn.SetReadLimit(protocol.HeaderSize + protocol.MaxPayloadSize)

	c := &WSChannel{
		conn:    conn,
		send:    make(chan []byte, queue),
		recv:    make(chan []byte, queue),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	return c
}

// DialWebSocket connects to a websocket endpoint and wraps the connection.
func DialWebSocket(ctx context.Context, url string, header http.Header) (*WSChannel, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWSChannel(conn, 0), nil
}

// Send queues frame for the write pump. It never blocks on the network:
// if the queue is full the peer is too slow and ErrQueueFull is returned.
func (c *WSChannel) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	case <-c.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrQueueFull
	}
}

// Receive returns the next binary frame read from the peer.
func (c *WSChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.recv:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		// drain what the read pump delivered before closing
		select {
		case frame := <-c.recv:
			return frame, nil
		default:
		}
		return nil, c.err()
	}
}

func (c *WSChannel) Reliable() bool { return true }

// Done is closed once the channel is closed or the peer went away.
func (c *WSChannel) Done() <-chan struct{} {
	return c.done
}

// RemoteAddr returns the peer address.
func (c *WSChannel) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Close flushes frames already queued, sends a close message and closes
// the connection. It does not wait for the flush.
func (c *WSChannel) Close() error {
	c.closingOnce.Do(func() { close(c.closing) })
	return nil
}

func (c *WSChannel) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.readErr = err
		c.errMu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}

func (c *WSChannel) err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.readErr == nil {
		return ErrClosed
	}
	return c.readErr
}

func (c *WSChannel) writePump() {
	for {
		select {
		case <-c.done:
			return
		case <-c.closing:
			c.flush()
			return
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				c.shutdown(fmt.Errorf("websocket write: %w", err))
				return
			}
		}
	}
}

func (c *WSChannel) write(frame []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// flush writes whatever is still queued, then closes politely.
func (c *WSChannel) flush() {
	for drained := false; !drained; {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				c.shutdown(ErrClosed)
				return
			}
		default:
			drained = true
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(WriteTimeout))
	c.shutdown(ErrClosed)
}

func (c *WSChannel) readPump() {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(fmt.Errorf("websocket read: %w", err))
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		select {
		case c.recv <- data:
		case <-c.done:
			return
		}
	}
}
