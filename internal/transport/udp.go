package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
)

// Datagrams on the lossy channel are [token u64][frame]. The token is handed
// out in the handshake Welcome and binds a UDP address to a session. A
// datagram carrying only the token registers the sender's address.
const (
	udpTokenSize   = 8
	udpMaxDatagram = 64 * 1024
	udpRecvQueue   = 64
)

// UDPMux demultiplexes one UDP socket into per-session lossy channels.
type UDPMux struct {
	conn   *net.UDPConn
	logger *log.Logger

	mu       sync.RWMutex
	channels map[uint64]*udpChannel

	closed   atomic.Bool
	received atomic.Int64
	unknown  atomic.Int64
}

// ListenUDP opens the server-side lossy socket on addr.
func ListenUDP(addr string, logger *log.Logger) (*UDPMux, error) {
	if logger == nil {
		logger = log.Default()
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}
	return &UDPMux{
		conn:     conn,
		logger:   logger,
		channels: make(map[uint64]*udpChannel),
	}, nil
}

// Addr returns the bound local address.
func (m *UDPMux) Addr() net.Addr {
	return m.conn.LocalAddr()
}

// Register allocates a fresh token and its channel.
func (m *UDPMux) Register() (uint64, Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		token := randomToken()
		if _, taken := m.channels[token]; token == 0 || taken {
			continue
		}
		ch := &udpChannel{
			mux:   m,
			token: token,
			recv:  make(chan []byte, udpRecvQueue),
			done:  make(chan struct{}),
		}
		m.channels[token] = ch
		return token, ch
	}
}

// Serve reads datagrams until ctx is cancelled or the socket is closed.
func (m *UDPMux) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		m.Close()
	}()

	buf := make([]byte, udpMaxDatagram)
	for {
		n, addr, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			if m.closed.Load() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			m.logger.Printf("⚠️ UDP read error: %v", err)
			continue
		}
		if n < udpTokenSize {
			continue
		}
		token := binary.LittleEndian.Uint64(buf[:udpTokenSize])

		m.mu.RLock()
		ch := m.channels[token]
		m.mu.RUnlock()
		if ch == nil {
			m.unknown.Add(1)
			continue
		}
		m.received.Add(1)

		ch.setPeer(addr)
		if n == udpTokenSize {
			continue
		}
		frame := make([]byte, n-udpTokenSize)
		copy(frame, buf[udpTokenSize:n])
		ch.deliver(frame)
	}
}

// Stats returns datagram counters.
func (m *UDPMux) Stats() (received, unknown int64) {
	return m.received.Load(), m.unknown.Load()
}

// Close closes the socket and every registered channel.
func (m *UDPMux) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.mu.Lock()
	for token, ch := range m.channels {
		ch.closeLocal()
		delete(m.channels, token)
	}
	m.mu.Unlock()
	return m.conn.Close()
}

func (m *UDPMux) unregister(token uint64) {
	m.mu.Lock()
	delete(m.channels, token)
	m.mu.Unlock()
}

func (m *UDPMux) write(token uint64, addr *net.UDPAddr, frame []byte) error {
	buf := make([]byte, udpTokenSize+len(frame))
	binary.LittleEndian.PutUint64(buf, token)
	copy(buf[udpTokenSize:], frame)
	_, err := m.conn.WriteToUDP(buf, addr)
	return err
}

// udpChannel is the server side of one session's lossy channel.
type udpChannel struct {
	mux   *UDPMux
	token uint64

	peerMu sync.RWMutex
	peer   *net.UDPAddr

	recv      chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

func (c *udpChannel) setPeer(addr *net.UDPAddr) {
	c.peerMu.Lock()
	if c.peer == nil || !c.peer.IP.Equal(addr.IP) || c.peer.Port != addr.Port {
		c.peer = addr
	}
	c.peerMu.Unlock()
}

func (c *udpChannel) deliver(frame []byte) {
	select {
	case c.recv <- frame:
	case <-c.done:
	default:
		// receiver behind, drop
	}
}

// Send writes one datagram. Frames sent before the peer registered its
// address are dropped, which a lossy channel is allowed to do.
func (c *udpChannel) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.peerMu.RLock()
	peer := c.peer
	c.peerMu.RUnlock()
	if peer == nil {
		return nil
	}
	return c.mux.write(c.token, peer, frame)
}

func (c *udpChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.recv:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *udpChannel) Reliable() bool { return false }

func (c *udpChannel) Close() error {
	c.closeLocal()
	c.mux.unregister(c.token)
	return nil
}

func (c *udpChannel) closeLocal() {
	c.closeOnce.Do(func() { close(c.done) })
}

// UDPClient is the client side of a lossy channel.
type UDPClient struct {
	conn  *net.UDPConn
	token uint64

	recv      chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

// DialUDP connects to the server's lossy socket and registers the local
// address under token.
func DialUDP(addr string, token uint64) (*UDPClient, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("dial udp %s: %w", addr, err)
	}
	c := &UDPClient{
		conn:  conn,
		token: token,
		recv:  make(chan []byte, udpRecvQueue),
		done:  make(chan struct{}),
	}
	if err := c.Punch(); err != nil {
		conn.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

// Punch sends a token-only datagram so the server learns our address.
func (c *UDPClient) Punch() error {
	buf := make([]byte, udpTokenSize)
	binary.LittleEndian.PutUint64(buf, c.token)
	if _, err := c.conn.Write(buf); err != nil {
		return fmt.Errorf("udp register: %w", err)
	}
	return nil
}

func (c *UDPClient) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	buf := make([]byte, udpTokenSize+len(frame))
	binary.LittleEndian.PutUint64(buf, c.token)
	copy(buf[udpTokenSize:], frame)
	_, err := c.conn.Write(buf)
	return err
}

func (c *UDPClient) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.recv:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *UDPClient) Reliable() bool { return false }

func (c *UDPClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *UDPClient) readLoop() {
	buf := make([]byte, udpMaxDatagram)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// ICMP port unreachable surfaces here on connected sockets
			continue
		}
		if n <= udpTokenSize || binary.LittleEndian.Uint64(buf[:udpTokenSize]) != c.token {
			continue
		}
		frame := make([]byte, n-udpTokenSize)
		copy(frame, buf[udpTokenSize:n])
		select {
		case c.recv <- frame:
		case <-c.done:
			return
		default:
		}
	}
}

func randomToken() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return binary.LittleEndian.Uint64(b[:])
}
