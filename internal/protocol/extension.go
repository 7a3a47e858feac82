package protocol

import (
	"errors"
	"fmt"
	"sync"

	"github.com/oferchen/arena/internal/world"
)

var (
	ErrExtensionRange  = errors.New("type outside extension range")
	ErrExtensionFrozen = errors.New("extension table frozen")
	ErrExtensionTaken  = errors.New("extension type already registered")
)

// ExtensionContext is passed to an extension handler during tick processing.
// World may be read and is owned by the calling tick driver for the duration
// of the call; changes are returned as mutations instead of written in place.
type ExtensionContext struct {
	Session  string
	Identity string
	Entity   world.EntityID // entity controlled by the sending connection
	Tick     uint64
	World    *world.State
}

// ExtensionHandler handles one collaborator-defined message type.
type ExtensionHandler func(ctx ExtensionContext, msg Message) []world.Mutation

// ExtensionTable is the tagged-range dispatch table for extension messages.
// It is populated before a room starts and frozen afterwards.
type ExtensionTable struct {
	mu       sync.RWMutex
	handlers map[Type]ExtensionHandler
	frozen   bool
}

// NewExtensionTable returns an empty, writable table.
func NewExtensionTable() *ExtensionTable {
	return &ExtensionTable{handlers: make(map[Type]ExtensionHandler)}
}

// Register binds a handler to an extension type.
func (t *ExtensionTable) Register(typ Type, h ExtensionHandler) error {
	if !typ.IsExtension() {
		return fmt.Errorf("register 0x%04x: %w", uint16(typ), ErrExtensionRange)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen {
		return fmt.Errorf("register 0x%04x: %w", uint16(typ), ErrExtensionFrozen)
	}
	if _, ok := t.handlers[typ]; ok {
		return fmt.Errorf("register 0x%04x: %w", uint16(typ), ErrExtensionTaken)
	}
	t.handlers[typ] = h
	return nil
}

// Freeze makes the table read-only.
func (t *ExtensionTable) Freeze() {
	t.mu.Lock()
	t.frozen = true
	t.mu.Unlock()
}

// Lookup returns the handler for typ.
func (t *ExtensionTable) Lookup(typ Type) (ExtensionHandler, bool) {
	if t == nil {
		return nil, false
	}
	t.mu.RLock()
	h, ok := t.handlers[typ]
	t.mu.RUnlock()
	return h, ok
}

// Dispatch runs the handler registered for msg. A message in the extension
// range with no handler yields a FrameError wrapping ErrNoHandler.
func (t *ExtensionTable) Dispatch(ctx ExtensionContext, msg Message) ([]world.Mutation, error) {
	if !msg.Type.IsExtension() {
		return nil, &FrameError{Type: msg.Type, Err: ErrUnknownType}
	}
	h, ok := t.Lookup(msg.Type)
	if !ok {
		return nil, &FrameError{Type: msg.Type, Err: ErrNoHandler}
	}
	return h(ctx, msg), nil
}
