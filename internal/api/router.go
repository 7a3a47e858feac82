package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/oferchen/arena/internal/game"
	"github.com/oferchen/arena/internal/transport"
)

// HubInterface defines the hub methods used by the API.
// This interface enables mocking for tests without running rooms.
// Keep this minimal - only include methods the API layer actually calls.
type HubInterface interface {
	// Rooms returns stats of every running room ordered by id
	Rooms() []game.RoomStats
	// RoomStats returns the stats of one running room
	RoomStats(id string) (game.RoomStats, bool)
	// Sessions returns the number of registered sessions
	Sessions() int
	// ServeConn runs the handshake on ch and serves the session
	ServeConn(ctx context.Context, room string, ch transport.Channel) error
}

// RouterConfig contains all dependencies needed to construct the HTTP router.
//
// Example usage in tests:
//
//	cfg := api.RouterConfig{
//	    Hub: hub,
//	    RateLimitConfig: &api.RateLimitConfig{
//	        RequestsPerSecond: 1000, // High limit for tests
//	        Burst:             1000,
//	    },
//	}
//	router := api.NewRouter(cfg)
//	ts := httptest.NewServer(router)
type RouterConfig struct {
	// Hub serves rooms and websocket sessions (required)
	Hub HubInterface

	// Tokens issues handshake tokens on POST /api/token. Nil disables the route.
	Tokens *TokenAuthenticator

	// RateLimiter is an optional pre-configured rate limiter.
	// If nil, a new one will be created using RateLimitConfig.
	RateLimiter *IPRateLimiter

	// RateLimitConfig is optional configuration for the rate limiter.
	// Only used if RateLimiter is nil. If both are nil, uses DefaultRateLimitConfig.
	RateLimitConfig *RateLimitConfig

	// ConnLimiter caps websockets. If nil, the default caps apply.
	ConnLimiter *ConnLimiter

	// Origins lists allowed CORS and websocket origins. If nil, every origin
	// is allowed.
	Origins []string

	// SendQueue is the per-connection websocket send queue.
	SendQueue int

	// DefaultRoom is joined when /ws has no room parameter.
	DefaultRoom string

	// DisableLogging disables the request logger middleware (useful for benchmarks).
	DisableLogging bool
}

// NewRouter constructs the HTTP router with all middleware and routes.
//
// IMPORTANT: This function is PURE apart from the rate limiter it may
// create: no listeners are opened and no rooms are started.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware - Order matters!
	if !cfg.DisableLogging {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics)

	// Rate limiting (BEFORE CORS to reject early and save CPU)
	rateLimiter := cfg.RateLimiter
	if rateLimiter == nil {
		rateLimitCfg := DefaultRateLimitConfig
		if cfg.RateLimitConfig != nil {
			rateLimitCfg = *cfg.RateLimitConfig
		}
		rateLimiter = NewIPRateLimiter(rateLimitCfg)
	}
	r.Use(rateLimiter.Middleware)

	origins := cfg.Origins
	if origins == nil {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	conns := cfg.ConnLimiter
	if conns == nil {
		conns = NewConnLimiter(MaxWSConnectionsPerIP, MaxWSConnectionsTotal)
	}
	defaultRoom := cfg.DefaultRoom
	if defaultRoom == "" {
		defaultRoom = "lobby"
	}

	h := &routerHandlers{
		hub:         cfg.Hub,
		tokens:      cfg.Tokens,
		rateLimiter: rateLimiter,
		conns:       conns,
		started:     time.Now(),
	}

	r.Get("/health", h.handleHealth)
	r.Method(http.MethodGet, "/ws", newWSHandler(cfg.Hub, conns, OriginPolicy(origins), cfg.SendQueue, defaultRoom))

	r.Route("/api", func(r chi.Router) {
		r.Get("/rooms", h.handleListRooms)
		r.Get("/rooms/{id}", h.handleGetRoom)
		r.Get("/stats", h.handleGetStats)
		if cfg.Tokens != nil {
			r.Post("/token", h.handleIssueToken)
		}
	})

	return r
}

// requestMetrics records latency and status per route pattern.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		RecordRequest(r.Method, endpoint, status, time.Since(start))
	})
}
