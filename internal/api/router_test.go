package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oferchen/arena/internal/game"
	"github.com/oferchen/arena/internal/transport"
)

// fakeHub serves websockets by holding them open until the peer leaves.
type fakeHub struct {
	mu     sync.Mutex
	rooms  []game.RoomStats
	served []string
}

func (f *fakeHub) Rooms() []game.RoomStats { return f.rooms }

func (f *fakeHub) RoomStats(id string) (game.RoomStats, bool) {
	for _, r := range f.rooms {
		if r.Room == id {
			return r, true
		}
	}
	return game.RoomStats{}, false
}

func (f *fakeHub) Sessions() int { return 3 }

func (f *fakeHub) ServeConn(ctx context.Context, room string, ch transport.Channel) error {
	f.mu.Lock()
	f.served = append(f.served, room)
	f.mu.Unlock()
	defer ch.Close()
	for {
		if _, err := ch.Receive(ctx); err != nil {
			return nil
		}
	}
}

func (f *fakeHub) servedRooms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.served...)
}

func newTestServer(t *testing.T, cfg RouterConfig) (*httptest.Server, *fakeHub) {
	t.Helper()
	hub := &fakeHub{rooms: []game.RoomStats{
		{Room: "arena", Tick: 42, TickRate: 60, Players: 2, Running: true},
		{Room: "lobby", Tick: 7, TickRate: 60, Running: true},
	}}
	cfg.Hub = hub
	cfg.DisableLogging = true
	if cfg.RateLimitConfig == nil && cfg.RateLimiter == nil {
		cfg.RateLimitConfig = &RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000}
	}
	ts := httptest.NewServer(NewRouter(cfg))
	t.Cleanup(ts.Close)
	return ts, hub
}

func getJSON(t *testing.T, url string, into interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if into != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, RouterConfig{})
	var body map[string]string
	if code := getJSON(t, ts.URL+"/health", &body); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if body["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", body)
	}
}

func TestRooms(t *testing.T) {
	ts, _ := newTestServer(t, RouterConfig{})

	var rooms []game.RoomStats
	if code := getJSON(t, ts.URL+"/api/rooms", &rooms); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if len(rooms) != 2 || rooms[0].Room != "arena" {
		t.Errorf("Unexpected rooms %+v", rooms)
	}

	var room game.RoomStats
	if code := getJSON(t, ts.URL+"/api/rooms/arena", &room); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if room.Tick != 42 || room.Players != 2 {
		t.Errorf("Unexpected room %+v", room)
	}

	if code := getJSON(t, ts.URL+"/api/rooms/missing", nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 for a missing room, got %d", code)
	}
}

func TestStats(t *testing.T) {
	ts, _ := newTestServer(t, RouterConfig{})
	var stats map[string]interface{}
	if code := getJSON(t, ts.URL+"/api/stats", &stats); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if stats["sessions"] != float64(3) || stats["rooms"] != float64(2) {
		t.Errorf("Unexpected stats %v", stats)
	}
}

func TestIssueToken(t *testing.T) {
	tokens := NewTokenAuthenticator("secret", time.Hour)
	ts, _ := newTestServer(t, RouterConfig{Tokens: tokens})

	tests := []struct {
		name string
		body string
		code int
	}{
		{"valid", `{"name":"alice"}`, http.StatusCreated},
		{"bad name", `{"name":"a b"}`, http.StatusBadRequest},
		{"empty name", `{"name":""}`, http.StatusBadRequest},
		{"bad json", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/token", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.code {
				t.Fatalf("Expected %d, got %d", tt.code, resp.StatusCode)
			}
			if tt.code != http.StatusCreated {
				return
			}
			var body struct {
				Token string `json:"token"`
			}
			json.NewDecoder(resp.Body).Decode(&body)
			if id, err := tokens.Authenticate(context.Background(), body.Token); err != nil || id != "alice" {
				t.Errorf("Expected issued token to authenticate alice, got %q %v", id, err)
			}
		})
	}
}

func TestTokenRouteDisabled(t *testing.T) {
	ts, _ := newTestServer(t, RouterConfig{})
	resp, err := http.Post(ts.URL+"/api/token", "application/json", strings.NewReader(`{"name":"alice"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusCreated {
		t.Error("Expected no token route without an authenticator")
	}
}

func TestRateLimit(t *testing.T) {
	ts, _ := newTestServer(t, RouterConfig{RateLimitConfig: &RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2}})
	var codes []int
	for i := 0; i < 3; i++ {
		codes = append(codes, getJSON(t, ts.URL+"/health", nil))
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("Expected 200, 200, 429, got %v", codes)
	}
}

func TestCORS(t *testing.T) {
	ts, _ := newTestServer(t, RouterConfig{Origins: []string{"https://play.example"}})

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/rooms", nil)
	req.Header.Set("Origin", "https://play.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://play.example" {
		t.Errorf("Expected allowed origin echoed, got %q", got)
	}

	req.Header.Set("Origin", "https://evil.example")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Expected no CORS header for a foreign origin, got %q", got)
	}
}

func wsURL(ts *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
}

func TestWebSocketRoom(t *testing.T) {
	ts, hub := newTestServer(t, RouterConfig{DefaultRoom: "lobby"})

	for _, q := range []string{"?room=arena", ""} {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, q), nil)
		if err != nil {
			t.Fatalf("Dial %q: %v", q, err)
		}
		conn.Close()
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(hub.servedRooms()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	served := hub.servedRooms()
	sort.Strings(served)
	if len(served) != 2 || served[0] != "arena" || served[1] != "lobby" {
		t.Errorf("Expected rooms arena and lobby, got %v", served)
	}
}

func TestWebSocketOriginRejected(t *testing.T) {
	ts, _ := newTestServer(t, RouterConfig{Origins: []string{"https://play.example"}})

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, ""), header)
	if err == nil {
		t.Fatal("Expected the upgrade to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403, got %+v", resp)
	}
}

func TestWebSocketPerIPCap(t *testing.T) {
	ts, _ := newTestServer(t, RouterConfig{ConnLimiter: NewConnLimiter(1, 0)})

	first, _, err := websocket.DefaultDialer.Dial(wsURL(ts, ""), nil)
	if err != nil {
		t.Fatalf("first Dial: %v", err)
	}
	defer first.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, ""), nil)
	if err == nil {
		t.Fatal("Expected the second connection to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %+v", resp)
	}
}
