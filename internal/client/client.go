package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oferchen/arena/internal/protocol"
	"github.com/oferchen/arena/internal/snapshot"
	"github.com/oferchen/arena/internal/transport"
)

// RejectError is returned when the server refuses the handshake.
type RejectError struct {
	Code   uint8
	Reason string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("handshake rejected (code %d): %s", e.Code, e.Reason)
}

// Is lets errors.Is match a version refusal against protocol.ErrVersionMismatch.
func (e *RejectError) Is(target error) bool {
	return target == protocol.ErrVersionMismatch && e.Code == protocol.RejectVersion
}

// errServerClosed ends Run when the server says goodbye.
var errServerClosed = errors.New("server closed the session")

// resyncRetry spaces repeated resync requests while a full snapshot is awaited.
const resyncRetry = 250 * time.Millisecond

// Config holds connection settings.
type Config struct {
	URL              string // websocket endpoint, e.g. ws://localhost:3000/ws?room=lobby
	Token            string
	WantLossy        bool
	HandshakeTimeout time.Duration
	Keepalive        time.Duration
	Predictor        PredictorConfig
}

// DefaultConfig returns the default client settings.
func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:3000/ws?room=lobby",
		HandshakeTimeout: 5 * time.Second,
		Keepalive:        time.Second,
		Predictor:        DefaultPredictorConfig(),
	}
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(l *log.Logger) Option { return func(c *Client) { c.logger = l } }

// OnChat sets the callback for relayed chat lines.
func OnChat(fn func(from, text string)) Option {
	return func(c *Client) { c.onChat = fn }
}

// OnSnapshot sets a callback run after each snapshot is reconciled.
func OnSnapshot(fn func(Result)) Option {
	return func(c *Client) { c.onSnapshot = fn }
}

// Client is one connection to a server. Inputs are predicted locally and
// sent on the reliable channel; snapshots arrive on the lossy channel when
// one was negotiated and are acknowledged on the same channel.
type Client struct {
	cfg       Config
	conn      *transport.Conn
	udp       *transport.UDPClient
	predictor *Predictor
	logger    *log.Logger

	onChat     func(from, text string)
	onSnapshot func(Result)

	welcome   protocol.Welcome
	localTick atomic.Uint64

	lastResync atomic.Int64 // unix nano of the last resync request
	closed     atomic.Bool
	closeOnce  sync.Once
}

// New wraps an established reliable channel. Call Handshake before Run.
func New(ch transport.Channel, rules Simulator, cfg Config, opts ...Option) *Client {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = time.Second
	}
	c := &Client{
		cfg:       cfg,
		conn:      transport.NewConn(ch),
		predictor: NewPredictor(rules, cfg.Predictor),
		logger:    log.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to cfg.URL, completes the handshake and, when negotiated,
// opens the datagram channel.
func Dial(ctx context.Context, rules Simulator, cfg Config, opts ...Option) (*Client, error) {
	ws, err := transport.DialWebSocket(ctx, cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	c := New(ws, rules, cfg, opts...)
	if err := c.Handshake(ctx); err != nil {
		ws.Close()
		return nil, err
	}

	if c.welcome.Channels&protocol.ChannelLossy != 0 {
		addr, err := udpEndpoint(cfg.URL, c.welcome.UDPAddr)
		if err == nil {
			c.udp, err = transport.DialUDP(addr, c.welcome.UDPToken)
		}
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("lossy channel: %w", err)
		}
		c.conn.AttachLossy(c.udp)
		c.logger.Printf("📡 Datagram channel open to %s", addr)
	}
	return c, nil
}

// udpEndpoint resolves the advertised datagram address against the
// websocket URL host.
func udpEndpoint(wsURL, advertised string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	host, port, err := net.SplitHostPort(advertised)
	if err != nil {
		return "", fmt.Errorf("advertised udp address %q: %w", advertised, err)
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = u.Hostname()
	}
	return net.JoinHostPort(host, port), nil
}

// Handshake sends Hello and waits for Welcome or Reject.
func (c *Client) Handshake(ctx context.Context) error {
	c.predictor.Begin()
	hello, err := protocol.Marshal(&protocol.Hello{
		Version:   protocol.ProtocolVersion,
		Token:     c.cfg.Token,
		WantLossy: c.cfg.WantLossy,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	if err := c.conn.Send(ctx, hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	for {
		frame, err := c.conn.Reliable().Receive(ctx)
		if err != nil {
			return fmt.Errorf("handshake: %w", err)
		}
		msg, err := protocol.Decode(frame)
		if err != nil {
			c.logger.Printf("⚠️ Dropped frame during handshake: %v", err)
			continue
		}
		switch msg.Type {
		case protocol.TypeWelcome, protocol.TypeReject:
		default:
			continue
		}
		p, err := protocol.DecodePayload(msg)
		if err != nil {
			return fmt.Errorf("handshake: %w", err)
		}
		switch m := p.(type) {
		case *protocol.Reject:
			c.predictor.Close()
			return &RejectError{Code: m.Code, Reason: m.Reason}
		case *protocol.Welcome:
			c.welcome = *m
			c.localTick.Store(m.Tick)
			c.predictor.Welcome(m)
			return nil
		}
	}
}

// Welcome returns the server's handshake answer.
func (c *Client) Welcome() protocol.Welcome { return c.welcome }

// Predictor returns the client's predictor.
func (c *Client) Predictor() *Predictor { return c.predictor }

// Run reads from the server and sends keepalives until ctx is done, the
// server disconnects or the connection fails.
func (c *Client) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(ctx, c.conn.Reliable()) })
	if lossy := c.conn.Lossy(); lossy != nil {
		g.Go(func() error { return c.readLoop(ctx, lossy) })
	}
	g.Go(func() error { return c.keepaliveLoop(ctx) })

	err := g.Wait()
	if errors.Is(err, errServerClosed) || errors.Is(err, context.Canceled) || c.closed.Load() {
		return nil
	}
	return err
}

func (c *Client) readLoop(ctx context.Context, ch transport.Channel) error {
	for {
		frame, err := ch.Receive(ctx)
		if err != nil {
			if !ch.Reliable() && ctx.Err() == nil {
				// the reliable loop decides when the connection is gone
				return nil
			}
			return err
		}
		if err := c.handle(ctx, frame); err != nil {
			return err
		}
	}
}

func (c *Client) keepaliveLoop(ctx context.Context) error {
	ping, err := protocol.Marshal(&protocol.Control{Kind: protocol.ControlKeepalive})
	if err != nil {
		return err
	}
	ticker := time.NewTicker(c.cfg.Keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.conn.Send(ctx, ping); err != nil {
				return fmt.Errorf("keepalive: %w", err)
			}
			if c.udp != nil {
				c.udp.Punch()
			}
		}
	}
}

func (c *Client) handle(ctx context.Context, frame []byte) error {
	msg, err := protocol.Decode(frame)
	if err != nil {
		c.logger.Printf("⚠️ Dropped frame: %v", err)
		return nil
	}
	if msg.Type.IsExtension() {
		return nil
	}
	p, err := protocol.DecodePayload(msg)
	if err != nil {
		c.logger.Printf("⚠️ Dropped frame: %v", err)
		return nil
	}

	switch m := p.(type) {
	case *protocol.Snapshot:
		c.applySnapshot(ctx, m)
	case *protocol.Chat:
		if c.onChat != nil {
			c.onChat(m.From, m.Text)
		}
	case *protocol.Control:
		if m.Kind == protocol.ControlDisconnect {
			return errServerClosed
		}
	}
	return nil
}

func (c *Client) applySnapshot(ctx context.Context, s *protocol.Snapshot) {
	res, err := c.predictor.OnSnapshot(s)
	if err != nil {
		c.logger.Printf("⚠️ Snapshot %d: %v", s.Tick, err)
	}
	if res.AckTick > 0 {
		if ack, err := protocol.Marshal(&protocol.Ack{Tick: res.AckTick}); err == nil {
			c.conn.SendSnapshot(ctx, ack)
		}
	}
	if res.NeedResync {
		c.requestResync(ctx)
	}
	if c.onSnapshot != nil {
		c.onSnapshot(res)
	}
}

// requestResync asks for a full snapshot, at most once per resyncRetry.
func (c *Client) requestResync(ctx context.Context) {
	now := time.Now().UnixNano()
	last := c.lastResync.Load()
	if now-last < int64(resyncRetry) || !c.lastResync.CompareAndSwap(last, now) {
		return
	}
	if req, err := protocol.Marshal(&protocol.Control{Kind: protocol.ControlResync}); err == nil {
		c.conn.Send(ctx, req)
	}
}

// Input predicts data locally and sends it to the server.
func (c *Client) Input(ctx context.Context, data []byte) (protocol.InputFrame, error) {
	in, err := c.predictor.Issue(data, c.localTick.Add(1))
	if err != nil {
		return in, err
	}
	frame, err := protocol.Marshal(&in)
	if err != nil {
		return in, err
	}
	return in, c.conn.Send(ctx, frame)
}

// Chat sends a chat line to the room.
func (c *Client) Chat(ctx context.Context, text string) error {
	frame, err := protocol.Marshal(&protocol.Chat{Text: text})
	if err != nil {
		return err
	}
	return c.conn.Send(ctx, frame)
}

// SetInterest limits the entities the server sends to those carrying a
// component in mask. The controlled entity is always sent and a zero mask
// restores everything. The server answers a change with a full snapshot.
func (c *Client) SetInterest(ctx context.Context, mask snapshot.Interest) error {
	frame, err := protocol.Marshal(&protocol.Control{Kind: protocol.ControlInterest, Value: uint64(mask)})
	if err != nil {
		return err
	}
	return c.conn.Send(ctx, frame)
}

// SendExtension sends a module-defined message.
func (c *Client) SendExtension(ctx context.Context, typ protocol.Type, payload []byte) error {
	if !typ.IsExtension() {
		return fmt.Errorf("send 0x%04x: %w", uint16(typ), protocol.ErrExtensionRange)
	}
	frame, err := protocol.Encode(protocol.Message{Type: typ, Payload: payload})
	if err != nil {
		return err
	}
	return c.conn.Send(ctx, frame)
}

// Close says goodbye and closes every channel.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if bye, err := protocol.Marshal(&protocol.Control{Kind: protocol.ControlDisconnect}); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			c.conn.Send(ctx, bye)
			cancel()
		}
		c.conn.Close()
		c.predictor.Close()
	})
	return nil
}
