package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// routerHandlers holds what the HTTP handlers read from.
type routerHandlers struct {
	hub         HubInterface
	tokens      *TokenAuthenticator
	rateLimiter *IPRateLimiter
	conns       *ConnLimiter
	started     time.Time
}

func (h *routerHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

func (h *routerHandlers) handleListRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.hub.Rooms())
}

func (h *routerHandlers) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	stats, ok := h.hub.RoomStats(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, "room not found", http.StatusNotFound)
		return
	}
	writeJSON(w, stats)
}

func (h *routerHandlers) handleGetStats(w http.ResponseWriter, r *http.Request) {
	_, wsTotal := h.conns.Count("")
	writeJSON(w, map[string]interface{}{
		"rooms":       len(h.hub.Rooms()),
		"sessions":    h.hub.Sessions(),
		"websockets":  wsTotal,
		"wsRejected":  h.conns.Rejected(),
		"rateLimiter": h.rateLimiter.Stats(),
	})
}

func (h *routerHandlers) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<10)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request", http.StatusBadRequest)
		return
	}

	token, expires, err := h.tokens.Issue(req.Name)
	if errors.Is(err, ErrBadName) {
		writeError(w, "name must be 1-32 letters, digits, '-' or '_'", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, "could not issue token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"name":      req.Name,
		"token":     token,
		"expiresAt": expires.UTC().Format(time.RFC3339),
	})
}

// Helper functions (package-level for reuse)

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
