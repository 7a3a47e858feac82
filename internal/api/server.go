package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"
)

// ServerConfig holds the listener settings of the public HTTP server.
type ServerConfig struct {
	Addr        string
	Origins     []string
	SendQueue   int
	DefaultRoom string
	RateLimit   RateLimitConfig
	WSPerIP     int
	WSTotal     int
}

// Server is the public HTTP server: websocket upgrades, room listing and
// token issuance.
type Server struct {
	router      http.Handler
	rateLimiter *IPRateLimiter
	http        *http.Server
}

// NewServer wires the router. Nothing listens until ListenAndServe.
func NewServer(cfg ServerConfig, hub HubInterface, tokens *TokenAuthenticator) *Server {
	s := &Server{
		rateLimiter: NewIPRateLimiter(cfg.RateLimit),
	}
	s.router = NewRouter(RouterConfig{
		Hub:         hub,
		Tokens:      tokens,
		RateLimiter: s.rateLimiter,
		ConnLimiter: NewConnLimiter(cfg.WSPerIP, cfg.WSTotal),
		Origins:     cfg.Origins,
		SendQueue:   cfg.SendQueue,
		DefaultRoom: cfg.DefaultRoom,
	})
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router returns the HTTP handler for use with httptest.
func (s *Server) Router() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		log.Printf("🌐 API server starting on %s", s.http.Addr)
		errc <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errc:
		s.rateLimiter.Stop()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.http.Shutdown(shutdownCtx)
	s.rateLimiter.Stop()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	log.Printf("🌐 API server stopped")
	return err
}
