// Package config provides centralized configuration management.
// Every tunable of the server and the bot client is declared here with its
// default; other packages receive plain values from the binaries.
//
// Sources, later wins: defaults, an optional YAML file, ARENA_* environment
// variables. ARENA_SIM_TICK_RATE sets sim.tick_rate.
package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ARENA_"

// =============================================================================
// SERVER CONFIGURATION
// =============================================================================

// ServerConfig holds HTTP and datagram listener settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	UDPPort      int           `koanf:"udp_port"`      // 0 disables the lossy channel
	UDPAdvertise string        `koanf:"udp_advertise"` // address sent to clients, empty for the listener's
	Origins      []string      `koanf:"origins"`       // CORS and websocket origins, "*" allows all
	MaxSessions  int           `koanf:"max_sessions"`
	MaxRooms     int           `koanf:"max_rooms"`
	SendQueue    int           `koanf:"send_queue"` // websocket frames buffered per connection
	TokenSecret  string        `koanf:"token_secret"`
	TokenTTL     time.Duration `koanf:"token_ttl"`
}

// DefaultServer returns the default server configuration.
func DefaultServer() ServerConfig {
	return ServerConfig{
		Port:        3000,
		UDPPort:     3001,
		Origins:     []string{"*"},
		MaxSessions: 1000,
		MaxRooms:    64,
		SendQueue:   256,
		TokenTTL:    time.Hour,
	}
}

// =============================================================================
// SIMULATION CONFIGURATION
// =============================================================================

// SimConfig holds tick driver and snapshot settings.
type SimConfig struct {
	TickRate          int           `koanf:"tick_rate"`
	CatchupMaxTicks   int           `koanf:"catchup_max_ticks"`
	HistoryDepth      int           `koanf:"history_depth"`
	ForceFullInterval int           `koanf:"force_full_interval"`
	InboxCapacity     int           `koanf:"inbox_capacity"`
	MaxGapFill        int           `koanf:"max_gap_fill"`
	MaxInputsPerTick  int           `koanf:"max_inputs_per_tick"`
	MaxPendingInputs  int           `koanf:"max_pending_inputs"`
	IdleRoomTimeout   time.Duration `koanf:"idle_room_timeout"`
	WorldWidth        int           `koanf:"world_width"`
	WorldHeight       int           `koanf:"world_height"`
}

// DefaultSim returns the default simulation configuration.
func DefaultSim() SimConfig {
	return SimConfig{
		TickRate:          60,
		CatchupMaxTicks:   4,
		HistoryDepth:      32,
		ForceFullInterval: 120, // 2s at 60Hz
		InboxCapacity:     4096,
		MaxGapFill:        8,
		MaxInputsPerTick:  8,
		MaxPendingInputs:  64,
		IdleRoomTimeout:   2 * time.Minute,
		WorldWidth:        1280,
		WorldHeight:       720,
	}
}

// =============================================================================
// LIVENESS CONFIGURATION
// =============================================================================

// LivenessConfig holds connection timeouts.
type LivenessConfig struct {
	Timeout          time.Duration `koanf:"timeout"`
	Keepalive        time.Duration `koanf:"keepalive"`
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`
}

// DefaultLiveness returns the default liveness configuration.
func DefaultLiveness() LivenessConfig {
	return LivenessConfig{
		Timeout:          5 * time.Second,
		Keepalive:        time.Second,
		HandshakeTimeout: 3 * time.Second,
	}
}

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig holds settings of the bot client.
type ClientConfig struct {
	URL                 string        `koanf:"url"`
	Lossy               bool          `koanf:"lossy"`
	DivergenceThreshold float64       `koanf:"divergence_threshold"`
	MaxPending          int           `koanf:"max_pending"`
	InputRate           int           `koanf:"input_rate"` // inputs per second sent by the bot
	Keepalive           time.Duration `koanf:"keepalive"`
}

// DefaultClient returns the default client configuration.
func DefaultClient() ClientConfig {
	return ClientConfig{
		URL:                 "ws://localhost:3000/ws?room=lobby",
		Lossy:               true,
		DivergenceThreshold: 64,
		MaxPending:          256,
		InputRate:           30,
		Keepalive:           time.Second,
	}
}

// =============================================================================
// RATE LIMITS
// =============================================================================

// LimitsConfig controls DoS protection.
type LimitsConfig struct {
	HTTPRate   float64 `koanf:"http_rate"` // requests per second per IP
	HTTPBurst  int     `koanf:"http_burst"`
	WSPerIP    int     `koanf:"ws_per_ip"` // concurrent websockets per IP
	InputRate  float64 `koanf:"input_rate"`
	InputBurst int     `koanf:"input_burst"`
	ChatRate   float64 `koanf:"chat_rate"`
	ChatBurst  int     `koanf:"chat_burst"`
}

// DefaultLimits returns the default resource limits.
func DefaultLimits() LimitsConfig {
	return LimitsConfig{
		HTTPRate:   20,
		HTTPBurst:  40,
		WSPerIP:    8,
		InputRate:  120,
		InputBurst: 30,
		ChatRate:   1,
		ChatBurst:  5,
	}
}

// =============================================================================
// OBSERVABILITY
// =============================================================================

// ObservabilityConfig holds the debug server and event log settings.
type ObservabilityConfig struct {
	DebugAddr string `koanf:"debug_addr"` // pprof and /metrics, empty disables
	EventLog  string `koanf:"event_log"`  // JSONL lifecycle log, empty disables
}

// DefaultObservability returns the default observability configuration.
func DefaultObservability() ObservabilityConfig {
	return ObservabilityConfig{
		DebugAddr: "localhost:6060",
	}
}

// =============================================================================
// COMPLETE APP CONFIGURATION
// =============================================================================

// AppConfig holds the complete application configuration.
type AppConfig struct {
	Server        ServerConfig        `koanf:"server"`
	Sim           SimConfig           `koanf:"sim"`
	Liveness      LivenessConfig      `koanf:"liveness"`
	Client        ClientConfig        `koanf:"client"`
	Limits        LimitsConfig        `koanf:"limits"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// Default returns the complete default configuration.
func Default() AppConfig {
	return AppConfig{
		Server:        DefaultServer(),
		Sim:           DefaultSim(),
		Liveness:      DefaultLiveness(),
		Client:        DefaultClient(),
		Limits:        DefaultLimits(),
		Observability: DefaultObservability(),
	}
}

// Load returns the defaults overlaid with the YAML file at path, when path
// is not empty, and then with ARENA_* environment variables.
func Load(path string) (AppConfig, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return AppConfig{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return AppConfig{}, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// envKey maps ARENA_SIM_TICK_RATE to sim.tick_rate: the first segment names
// the section, the rest is the key.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, key, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	return section + "." + key
}

var ErrInvalid = errors.New("invalid configuration")

// Validate rejects settings the server cannot run with.
func (c AppConfig) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port %d", c.Server.Port)
	check(c.Server.UDPPort >= 0 && c.Server.UDPPort < 65536, "server.udp_port %d", c.Server.UDPPort)
	check(c.Sim.TickRate > 0 && c.Sim.TickRate <= 1000, "sim.tick_rate %d", c.Sim.TickRate)
	check(c.Sim.CatchupMaxTicks > 0, "sim.catchup_max_ticks %d", c.Sim.CatchupMaxTicks)
	// the welcome message carries the depth as a u16
	check(c.Sim.HistoryDepth > 0 && c.Sim.HistoryDepth <= math.MaxUint16, "sim.history_depth %d", c.Sim.HistoryDepth)
	check(c.Sim.ForceFullInterval >= 0, "sim.force_full_interval %d", c.Sim.ForceFullInterval)
	check(c.Sim.MaxGapFill >= 0, "sim.max_gap_fill %d", c.Sim.MaxGapFill)
	check(c.Sim.WorldWidth > 8 && c.Sim.WorldHeight > 8, "sim world %dx%d", c.Sim.WorldWidth, c.Sim.WorldHeight)
	check(c.Liveness.Timeout > c.Liveness.Keepalive, "liveness.timeout %s must exceed keepalive %s", c.Liveness.Timeout, c.Liveness.Keepalive)
	check(c.Liveness.HandshakeTimeout > 0, "liveness.handshake_timeout %s", c.Liveness.HandshakeTimeout)
	check(c.Client.DivergenceThreshold >= 0, "client.divergence_threshold %v", c.Client.DivergenceThreshold)
	return errors.Join(errs...)
}
