package api

import (
	"log"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/oferchen/arena/internal/transport"
)

const (
	// MaxWSConnectionsTotal is the default cap on open websockets
	MaxWSConnectionsTotal = 2000

	// MaxWSConnectionsPerIP is the default cap on websockets from one IP
	MaxWSConnectionsPerIP = 8
)

// wsHandler upgrades /ws requests and hands the connection to the hub,
// which runs the handshake and serves the session on this goroutine.
type wsHandler struct {
	hub         HubInterface
	conns       *ConnLimiter
	upgrader    websocket.Upgrader
	sendQueue   int
	defaultRoom string
	active      atomic.Int64
}

func newWSHandler(hub HubInterface, conns *ConnLimiter, origins OriginPolicy, sendQueue int, defaultRoom string) *wsHandler {
	return &wsHandler{
		hub:         hub,
		conns:       conns,
		sendQueue:   sendQueue,
		defaultRoom: defaultRoom,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origins.Allowed(origin) {
					return true
				}
				// Log rejected origin for security monitoring
				log.Printf("⚠️ WebSocket connection rejected from origin: %s", origin)
				RecordConnectionRejected("origin")
				return false
			},
		},
	}
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := GetClientIP(r)
	room := r.URL.Query().Get("room")
	if room == "" {
		room = h.defaultRoom
	}

	if reason := h.conns.Acquire(ip); reason != "" {
		log.Printf("⚠️ WebSocket connection rejected from %s: %s", ip, reason)
		RecordConnectionRejected(reason)
		status := http.StatusTooManyRequests
		if reason == "ws_total_limit" {
			status = http.StatusServiceUnavailable
		}
		writeError(w, "too many connections", status)
		return
	}
	defer h.conns.Release(ip)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already answered
		log.Printf("⚠️ WebSocket upgrade from %s failed: %v", ip, err)
		return
	}

	UpdateWSConnections(int(h.active.Add(1)))
	defer func() { UpdateWSConnections(int(h.active.Add(-1))) }()

	ch := transport.NewWSChannel(conn, h.sendQueue)
	if err := h.hub.ServeConn(r.Context(), room, ch); err != nil {
		log.Printf("⚠️ Handshake from %s for room %q failed: %v", ip, room, err)
	}
}
