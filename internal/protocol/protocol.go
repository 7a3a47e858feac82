// Package protocol implements the binary wire format shared by server and client.
//
// Every message is framed as:
//
//	[type u16][version u16][length u32][payload ...]
//
// Integers are little endian. Core message types form a closed set; the range
// ExtensionMin..ExtensionMax is reserved for collaborator-defined messages which
// are passed through opaquely to handlers registered in an ExtensionTable.
package protocol

import (
	"encoding/binary"
)

// Type is the fixed-width message type tag.
type Type uint16

// Core message types.
const (
	TypeHello    Type = 0x0001 // client -> server handshake
	TypeWelcome  Type = 0x0002 // server -> client handshake accept
	TypeReject   Type = 0x0003 // server -> client handshake refusal
	TypeInput    Type = 0x0010 // client -> server input frame
	TypeSnapshot Type = 0x0011 // server -> client state snapshot
	TypeAck      Type = 0x0012 // client -> server snapshot acknowledgement
	TypeChat     Type = 0x0020 // chat line, both directions
	TypeControl  Type = 0x0021 // keepalive, resync request, disconnect notice
)

// Extension range reserved for module-defined messages.
const (
	ExtensionMin Type = 0x1000
	ExtensionMax Type = 0x1FFF
)

const (
	// ProtocolVersion is the payload layout revision spoken by this build.
	ProtocolVersion uint16 = 1

	// HeaderSize is the size of the frame header in bytes.
	HeaderSize = 8 // 2 + 2 + 4

	// MaxPayloadSize bounds a single message payload.
	MaxPayloadSize = 1 << 20
)

// String returns a short name for logs and metric labels.
func (t Type) String() string {
	switch t {
	case TypeHello:
		return "hello"
	case TypeWelcome:
		return "welcome"
	case TypeReject:
		return "reject"
	case TypeInput:
		return "input"
	case TypeSnapshot:
		return "snapshot"
	case TypeAck:
		return "ack"
	case TypeChat:
		return "chat"
	case TypeControl:
		return "control"
	}
	if t.IsExtension() {
		return "extension"
	}
	return "unknown"
}

// IsCore reports whether t belongs to the closed core set.
func (t Type) IsCore() bool {
	switch t {
	case TypeHello, TypeWelcome, TypeReject, TypeInput, TypeSnapshot, TypeAck, TypeChat, TypeControl:
		return true
	}
	return false
}

// IsExtension reports whether t lies in the reserved extension range.
func (t Type) IsExtension() bool {
	return t >= ExtensionMin && t <= ExtensionMax
}

// Message is the wire envelope crossing the transport boundary.
type Message struct {
	Type    Type
	Version uint16
	Payload []byte
}

// Header is the decoded frame header.
type Header struct {
	Type    Type
	Version uint16
	Length  uint32
}

// Encode frames a message. A zero Version is replaced by ProtocolVersion.
func Encode(msg Message) ([]byte, error) {
	if len(msg.Payload) > MaxPayloadSize {
		return nil, &FrameError{Type: msg.Type, Err: ErrTooLarge}
	}
	version := msg.Version
	if version == 0 {
		version = ProtocolVersion
	}
	buf := make([]byte, HeaderSize+len(msg.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(msg.Type))
	binary.LittleEndian.PutUint16(buf[2:4], version)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(msg.Payload)))
	copy(buf[HeaderSize:], msg.Payload)
	return buf, nil
}

// ReadHeader parses the frame header without validating the type.
func ReadHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, &FrameError{Err: ErrTruncated}
	}
	return Header{
		Type:    Type(binary.LittleEndian.Uint16(data[0:2])),
		Version: binary.LittleEndian.Uint16(data[2:4]),
		Length:  binary.LittleEndian.Uint32(data[4:8]),
	}, nil
}

// Decode parses one framed message.
//
// Any failure is a *FrameError: the caller drops the message and keeps the
// connection. Hello frames are accepted at any version so the handshake can
// refuse a mismatch explicitly.
func Decode(data []byte) (Message, error) {
	h, err := ReadHeader(data)
	if err != nil {
		return Message{}, err
	}
	if !h.Type.IsCore() && !h.Type.IsExtension() {
		return Message{}, &FrameError{Type: h.Type, Err: ErrUnknownType}
	}
	if h.Length > MaxPayloadSize {
		return Message{}, &FrameError{Type: h.Type, Err: ErrTooLarge}
	}
	switch n := uint64(len(data) - HeaderSize); {
	case n < uint64(h.Length):
		return Message{}, &FrameError{Type: h.Type, Err: ErrTruncated}
	case n > uint64(h.Length):
		// every transport carries exactly one frame per message
		return Message{}, &FrameError{Type: h.Type, Err: ErrTrailing}
	}
	if h.Type != TypeHello && h.Version != ProtocolVersion {
		return Message{}, &FrameError{Type: h.Type, Err: ErrUnsupportedVersion}
	}
	payload := make([]byte, h.Length)
	copy(payload, data[HeaderSize:HeaderSize+int(h.Length)])
	return Message{Type: h.Type, Version: h.Version, Payload: payload}, nil
}

// Payload is implemented by every core message body.
type Payload interface {
	MessageType() Type
	MarshalBinary() ([]byte, error)
}

// Marshal encodes a payload into a framed message.
func Marshal(p Payload) ([]byte, error) {
	body, err := p.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return Encode(Message{Type: p.MessageType(), Version: ProtocolVersion, Payload: body})
}
