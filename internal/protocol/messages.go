package protocol

import (
	"github.com/oferchen/arena/internal/world"
)

// Channel capability bits negotiated during the handshake.
const (
	ChannelReliable uint8 = 1 << 0
	ChannelLossy    uint8 = 1 << 1
)

// FullBaseline is the baseline sentinel of a full-state snapshot.
const FullBaseline = ^uint64(0)

// Snapshot flags.
const (
	FlagResync uint8 = 1 << 0 // full state sent because no usable baseline existed or a resync was requested
)

// Reject codes.
const (
	RejectVersion  uint8 = 1
	RejectAuth     uint8 = 2
	RejectFull     uint8 = 3
	RejectProtocol uint8 = 4
)

// Control kinds.
const (
	ControlKeepalive  uint8 = 1
	ControlResync     uint8 = 2 // client asks for a full snapshot
	ControlDisconnect uint8 = 3 // either side is leaving; Value carries a reason code
	ControlInterest   uint8 = 4 // client narrows what it is sent; Value carries the component mask
)

// Hello opens a handshake. Its layout is frozen across protocol versions so a
// server can always read the client's version and refuse it explicitly.
type Hello struct {
	Version   uint16
	Token     string
	WantLossy bool
}

// Welcome accepts a handshake.
type Welcome struct {
	SessionID    string
	Room         string
	Entity       world.EntityID // entity controlled by this connection
	Tick         uint64
	TickRate     uint16
	HistoryDepth uint16
	Channels     uint8
	UDPToken     uint64
	UDPAddr      string // datagram endpoint; an empty or unspecified host means the websocket host
}

// Reject refuses a handshake before any session exists.
type Reject struct {
	Code   uint8
	Reason string
}

// InputFrame is one client input sample.
type InputFrame struct {
	Seq  uint32 // strictly increasing per connection, starting at 1
	Tick uint64 // client tick that produced the sample
	Data []byte
}

// EntityChange is the delta of one entity between two frames.
// An entity absent from the baseline carries all its components in Set.
type EntityChange struct {
	ID    world.EntityID
	Set   []world.Component
	Unset []world.ComponentID
}

// Snapshot is the state of one tick addressed to one connection, either
// full (Baseline == FullBaseline, Entities populated) or a delta against
// Baseline (Changes and Removed populated).
type Snapshot struct {
	Tick     uint64
	Baseline uint64
	Ack      uint32 // highest input sequence applied for the receiving connection
	Flags    uint8
	Checksum uint64 // checksum of the full state at Tick

	Entities []world.EntityRecord
	Changes  []EntityChange
	Removed  []world.EntityID
}

// IsFull reports whether the snapshot carries full state.
func (s *Snapshot) IsFull() bool {
	return s.Baseline == FullBaseline
}

// IsResync reports whether the snapshot is a resynchronization point.
func (s *Snapshot) IsResync() bool {
	return s.Flags&FlagResync != 0
}

// Ack acknowledges the newest snapshot tick applied by the client.
type Ack struct {
	Tick uint64
}

// Chat is a chat line. From is set by the server when relaying.
type Chat struct {
	From string
	Text string
}

// Control carries keepalives, resync requests, disconnect notices and
// interest changes.
type Control struct {
	Kind  uint8
	Value uint64
}

func (*Hello) MessageType() Type      { return TypeHello }
func (*Welcome) MessageType() Type    { return TypeWelcome }
func (*Reject) MessageType() Type     { return TypeReject }
func (*InputFrame) MessageType() Type { return TypeInput }
func (*Snapshot) MessageType() Type   { return TypeSnapshot }
func (*Ack) MessageType() Type        { return TypeAck }
func (*Chat) MessageType() Type       { return TypeChat }
func (*Control) MessageType() Type    { return TypeControl }

func (m *Hello) MarshalBinary() ([]byte, error) {
	w := newWriter(8 + len(m.Token))
	w.u16(m.Version)
	w.str(m.Token)
	w.bool(m.WantLossy)
	return w.Bytes(), nil
}

func (m *Hello) UnmarshalBinary(b []byte) error {
	r := newReader(b)
	m.Version = r.u16()
	m.Token = r.str()
	m.WantLossy = r.bool()
	return wrap(TypeHello, r.done())
}

func (m *Welcome) MarshalBinary() ([]byte, error) {
	w := newWriter(40 + len(m.SessionID) + len(m.Room) + len(m.UDPAddr))
	w.str(m.SessionID)
	w.str(m.Room)
	w.u32(uint32(m.Entity))
	w.u64(m.Tick)
	w.u16(m.TickRate)
	w.u16(m.HistoryDepth)
	w.u8(m.Channels)
	w.u64(m.UDPToken)
	w.str(m.UDPAddr)
	return w.Bytes(), nil
}

func (m *Welcome) UnmarshalBinary(b []byte) error {
	r := newReader(b)
	m.SessionID = r.str()
	m.Room = r.str()
	m.Entity = world.EntityID(r.u32())
	m.Tick = r.u64()
	m.TickRate = r.u16()
	m.HistoryDepth = r.u16()
	m.Channels = r.u8()
	m.UDPToken = r.u64()
	m.UDPAddr = r.str()
	return wrap(TypeWelcome, r.done())
}

func (m *Reject) MarshalBinary() ([]byte, error) {
	w := newWriter(3 + len(m.Reason))
	w.u8(m.Code)
	w.str(m.Reason)
	return w.Bytes(), nil
}

func (m *Reject) UnmarshalBinary(b []byte) error {
	r := newReader(b)
	m.Code = r.u8()
	m.Reason = r.str()
	return wrap(TypeReject, r.done())
}

func (m *InputFrame) MarshalBinary() ([]byte, error) {
	w := newWriter(16 + len(m.Data))
	w.u32(m.Seq)
	w.u64(m.Tick)
	w.bytes(m.Data)
	return w.Bytes(), nil
}

func (m *InputFrame) UnmarshalBinary(b []byte) error {
	r := newReader(b)
	m.Seq = r.u32()
	m.Tick = r.u64()
	m.Data = r.bytes()
	return wrap(TypeInput, r.done())
}

// MarshalBinary writes entities, changes and removals in slice order. The
// snapshot builder emits them sorted by id, which makes the encoding of a
// given (current, baseline) pair byte-for-byte stable.
func (m *Snapshot) MarshalBinary() ([]byte, error) {
	w := newWriter(64)
	w.u64(m.Tick)
	w.u64(m.Baseline)
	w.u32(m.Ack)
	w.u8(m.Flags)
	w.u64(m.Checksum)

	w.u32(uint32(len(m.Entities)))
	for _, e := range m.Entities {
		w.u32(uint32(e.ID))
		writeComponents(w, e.Components)
	}

	w.u32(uint32(len(m.Changes)))
	for _, c := range m.Changes {
		w.u32(uint32(c.ID))
		writeComponents(w, c.Set)
		w.u32(uint32(len(c.Unset)))
		for _, id := range c.Unset {
			w.u16(uint16(id))
		}
	}

	w.u32(uint32(len(m.Removed)))
	for _, id := range m.Removed {
		w.u32(uint32(id))
	}
	return w.Bytes(), nil
}

func (m *Snapshot) UnmarshalBinary(b []byte) error {
	r := newReader(b)
	m.Tick = r.u64()
	m.Baseline = r.u64()
	m.Ack = r.u32()
	m.Flags = r.u8()
	m.Checksum = r.u64()

	n := r.count(8)
	m.Entities = nil
	if n > 0 {
		m.Entities = make([]world.EntityRecord, 0, n)
	}
	for i := 0; i < n && r.err == nil; i++ {
		rec := world.EntityRecord{ID: world.EntityID(r.u32())}
		rec.Components = readComponents(r)
		m.Entities = append(m.Entities, rec)
	}

	n = r.count(12)
	m.Changes = nil
	if n > 0 {
		m.Changes = make([]EntityChange, 0, n)
	}
	for i := 0; i < n && r.err == nil; i++ {
		c := EntityChange{ID: world.EntityID(r.u32())}
		c.Set = readComponents(r)
		un := r.count(2)
		for j := 0; j < un && r.err == nil; j++ {
			c.Unset = append(c.Unset, world.ComponentID(r.u16()))
		}
		m.Changes = append(m.Changes, c)
	}

	n = r.count(4)
	m.Removed = nil
	for i := 0; i < n && r.err == nil; i++ {
		m.Removed = append(m.Removed, world.EntityID(r.u32()))
	}
	return wrap(TypeSnapshot, r.done())
}

func writeComponents(w *writer, comps []world.Component) {
	w.u32(uint32(len(comps)))
	for _, c := range comps {
		w.u16(uint16(c.ID))
		w.bytes(c.Data)
	}
}

func readComponents(r *reader) []world.Component {
	n := r.count(6)
	if n == 0 {
		return nil
	}
	comps := make([]world.Component, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		id := world.ComponentID(r.u16())
		comps = append(comps, world.Component{ID: id, Data: r.bytes()})
	}
	return comps
}

func (m *Ack) MarshalBinary() ([]byte, error) {
	w := newWriter(8)
	w.u64(m.Tick)
	return w.Bytes(), nil
}

func (m *Ack) UnmarshalBinary(b []byte) error {
	r := newReader(b)
	m.Tick = r.u64()
	return wrap(TypeAck, r.done())
}

func (m *Chat) MarshalBinary() ([]byte, error) {
	w := newWriter(4 + len(m.From) + len(m.Text))
	w.str(m.From)
	w.str(m.Text)
	return w.Bytes(), nil
}

func (m *Chat) UnmarshalBinary(b []byte) error {
	r := newReader(b)
	m.From = r.str()
	m.Text = r.str()
	return wrap(TypeChat, r.done())
}

func (m *Control) MarshalBinary() ([]byte, error) {
	w := newWriter(9)
	w.u8(m.Kind)
	w.u64(m.Value)
	return w.Bytes(), nil
}

func (m *Control) UnmarshalBinary(b []byte) error {
	r := newReader(b)
	m.Kind = r.u8()
	m.Value = r.u64()
	return wrap(TypeControl, r.done())
}

// DecodePayload decodes the body of a core message into its typed payload.
func DecodePayload(msg Message) (Payload, error) {
	var p interface {
		Payload
		UnmarshalBinary([]byte) error
	}
	switch msg.Type {
	case TypeHello:
		p = &Hello{}
	case TypeWelcome:
		p = &Welcome{}
	case TypeReject:
		p = &Reject{}
	case TypeInput:
		p = &InputFrame{}
	case TypeSnapshot:
		p = &Snapshot{}
	case TypeAck:
		p = &Ack{}
	case TypeChat:
		p = &Chat{}
	case TypeControl:
		p = &Control{}
	default:
		return nil, &FrameError{Type: msg.Type, Err: ErrUnknownType}
	}
	if err := p.UnmarshalBinary(msg.Payload); err != nil {
		return nil, err
	}
	return p, nil
}

func wrap(t Type, err error) error {
	if err == nil {
		return nil
	}
	return &FrameError{Type: t, Err: err}
}
