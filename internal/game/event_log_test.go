package game

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEventLogWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	el := NewEventLog()
	if err := el.Start(path); err != nil {
		t.Fatalf("Start: %v", err)
	}

	bus := NewEventBus()
	sub, cancel := bus.Subscribe(16)
	defer cancel()
	el.Follow(sub)

	bus.Publish(NewEvent(EventTypeRoomStart, "arena", 0, "", nil))
	bus.Publish(NewEvent(EventTypeSessionJoin, "arena", 5, "s1", SessionPayload{}))
	bus.Publish(NewEvent(EventTypeTickOverrun, "arena", 9, "", OverrunPayload{}))

	deadline := time.Now().Add(2 * time.Second)
	for el.GetTotalCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	el.Stop()

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("invalid JSONL line %q: %v", scanner.Text(), err)
		}
		lines = append(lines, line)
	}
	if len(lines) != 3 {
		t.Fatalf("Expected 3 lines, got %d", len(lines))
	}
	want := []string{"room_start", "session_join", "tick_overrun"}
	for i, line := range lines {
		if line["type"] != want[i] {
			t.Errorf("line %d: expected type %s, got %v", i, want[i], line["type"])
		}
		if line["sequence"] != float64(i+1) {
			t.Errorf("line %d: expected sequence %d, got %v", i, i+1, line["sequence"])
		}
	}
}

func TestEventLogLimitsOneSession(t *testing.T) {
	el := NewEventLog()
	if err := el.Start(""); err != nil {
		t.Fatal(err)
	}
	defer el.Stop()

	accepted := 0
	for i := 0; i < 50; i++ {
		if el.Emit(NewEvent(EventTypeFrameError, "arena", uint64(i), "noisy", nil)) {
			accepted++
		}
	}
	if accepted >= 50 || el.GetDroppedCount() == 0 {
		t.Errorf("Expected a flood from one session to be limited, accepted %d", accepted)
	}
	if !el.Emit(NewEvent(EventTypeFrameError, "arena", 0, "quiet", nil)) {
		t.Error("Expected another session unaffected")
	}
}

func TestEventLogStopped(t *testing.T) {
	el := NewEventLog()
	if el.Emit(NewEvent(EventTypeRoomStart, "arena", 0, "", nil)) {
		t.Error("Expected Emit to refuse before Start")
	}
	el.Start("")
	el.Stop()
	el.Stop()
	if el.Emit(NewEvent(EventTypeRoomStart, "arena", 0, "", nil)) {
		t.Error("Expected Emit to refuse after Stop")
	}
}
