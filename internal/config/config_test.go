package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if cfg.Server.Port != want.Server.Port || cfg.Sim.TickRate != want.Sim.TickRate {
		t.Errorf("Expected defaults, got server %+v sim %+v", cfg.Server, cfg.Sim)
	}
	if cfg.Liveness != want.Liveness {
		t.Errorf("Expected default liveness %+v, got %+v", want.Liveness, cfg.Liveness)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.yaml")
	yaml := `
server:
  port: 4000
  origins: ["https://play.example"]
sim:
  tick_rate: 30
  history_depth: 16
liveness:
  timeout: 10s
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ARENA_SIM_TICK_RATE", "20")
	t.Setenv("ARENA_OBSERVABILITY_EVENT_LOG", "/tmp/events.jsonl")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 4000 {
		t.Errorf("Expected port from file, got %d", cfg.Server.Port)
	}
	if len(cfg.Server.Origins) != 1 || cfg.Server.Origins[0] != "https://play.example" {
		t.Errorf("Expected origins from file, got %v", cfg.Server.Origins)
	}
	if cfg.Sim.TickRate != 20 {
		t.Errorf("Expected env to override file tick rate, got %d", cfg.Sim.TickRate)
	}
	if cfg.Sim.HistoryDepth != 16 {
		t.Errorf("Expected history depth from file, got %d", cfg.Sim.HistoryDepth)
	}
	if cfg.Liveness.Timeout != 10*time.Second {
		t.Errorf("Expected timeout 10s, got %s", cfg.Liveness.Timeout)
	}
	if cfg.Liveness.Keepalive != time.Second {
		t.Errorf("Expected keepalive default kept, got %s", cfg.Liveness.Keepalive)
	}
	if cfg.Observability.EventLog != "/tmp/events.jsonl" {
		t.Errorf("Expected event log from env, got %q", cfg.Observability.EventLog)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected an error for a missing file")
	}
}

func TestLoadInvalid(t *testing.T) {
	t.Setenv("ARENA_SIM_TICK_RATE", "0")
	if _, err := Load(""); !errors.Is(err, ErrInvalid) {
		t.Errorf("Expected ErrInvalid, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AppConfig)
		ok     bool
	}{
		{"defaults", func(*AppConfig) {}, true},
		{"bad port", func(c *AppConfig) { c.Server.Port = 70000 }, false},
		{"udp disabled", func(c *AppConfig) { c.Server.UDPPort = 0 }, true},
		{"timeout below keepalive", func(c *AppConfig) { c.Liveness.Timeout = 500 * time.Millisecond }, false},
		{"no history", func(c *AppConfig) { c.Sim.HistoryDepth = 0 }, false},
		{"largest history", func(c *AppConfig) { c.Sim.HistoryDepth = 65535 }, true},
		{"history past the welcome field", func(c *AppConfig) { c.Sim.HistoryDepth = 65536 }, false},
		{"tick rate too high", func(c *AppConfig) { c.Sim.TickRate = 1001 }, false},
		{"negative divergence", func(c *AppConfig) { c.Client.DivergenceThreshold = -1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err == nil) != tt.ok {
				t.Errorf("Expected ok=%v, got %v", tt.ok, err)
			}
		})
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"ARENA_SIM_TICK_RATE":    "sim.tick_rate",
		"ARENA_SERVER_PORT":      "server.port",
		"ARENA_LIMITS_WS_PER_IP": "limits.ws_per_ip",
		"ARENA_OBSERVABILITY":    "observability",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q): expected %q, got %q", in, want, got)
		}
	}
}
