package game

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oferchen/arena/internal/protocol"
	"github.com/oferchen/arena/internal/session"
	"github.com/oferchen/arena/internal/world"
)

// Rules is the gameplay collaborator. The engine calls it from the tick
// goroutine only; implementations must be deterministic so a client running
// the same Rules predicts what the server computes.
type Rules interface {
	// Spawn creates the entity controlled by a newly joined connection.
	Spawn(w *world.State, e world.EntityID, identity string) []world.Mutation
	// Despawn removes the entity of a departing connection.
	Despawn(w *world.State, e world.EntityID) []world.Mutation
	// ApplyInput applies one input sample to the entity it controls.
	ApplyInput(w *world.State, e world.EntityID, in protocol.InputFrame) []world.Mutation
	// Step advances server-owned simulation by one tick.
	Step(w *world.State, tick uint64) []world.Mutation
}

// ExtensionRegistrar is implemented by Rules that handle extension messages.
// It is called once per room before the room starts.
type ExtensionRegistrar interface {
	RegisterExtensions(t *protocol.ExtensionTable) error
}

// RulesFactory returns the Rules of a room.
type RulesFactory func(room string) Rules

var ErrUnauthorized = errors.New("unauthorized")

// Authenticator maps a handshake token to an opaque identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// AnonymousAuth accepts every token. The token itself, trimmed, becomes the
// identity; an empty token becomes "guest".
type AnonymousAuth struct{}

func (AnonymousAuth) Authenticate(_ context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "guest", nil
	}
	if len(token) > 64 {
		token = token[:64]
	}
	return token, nil
}

// ChatRelay delivers chat lines to the members of a room.
type ChatRelay interface {
	// Allow reports whether a session may send another line now.
	Allow(sessionID string) bool
	// Broadcast queues a line for delivery to every recipient.
	Broadcast(from, text string, to []*session.Session)
}

// Metrics receives engine measurements.
type Metrics interface {
	ObserveTick(room string, d time.Duration)
	TickOverrun(room string, discarded int)
	SnapshotSent(kind string, bytes int)
	FrameError(reason string)
	InputDropped(reason string)
	SessionsChanged(room string, n int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveTick(string, time.Duration) {}
func (noopMetrics) TickOverrun(string, int)           {}
func (noopMetrics) SnapshotSent(string, int)          {}
func (noopMetrics) FrameError(string)                 {}
func (noopMetrics) InputDropped(string)               {}
func (noopMetrics) SessionsChanged(string, int)       {}
