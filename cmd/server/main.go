package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/oferchen/arena/internal/api"
	"github.com/oferchen/arena/internal/chat"
	"github.com/oferchen/arena/internal/config"
	"github.com/oferchen/arena/internal/game"
	"github.com/oferchen/arena/internal/gameplay"
	"github.com/oferchen/arena/internal/session"
	"github.com/oferchen/arena/internal/transport"
)

// Build information, set via ldflags.
var version = "dev"

func main() {
	app := &cli.App{
		Name:    "arena-server",
		Usage:   "Authoritative real-time arena server",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file",
				EnvVars: []string{"ARENA_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "dotenv file loaded before configuration",
				Value: ".env",
			},
			&cli.BoolFlag{
				Name:  "guests",
				Usage: "Accept handshakes without a token",
			},
			&cli.StringFlag{
				Name:  "default-room",
				Usage: "Room joined when /ws names none",
				Value: "lobby",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("❌ %v", err)
	}
}

func run(c *cli.Context) error {
	if err := godotenv.Load(c.String("env-file")); err != nil {
		log.Println("💡 No .env file found, using environment variables only")
	} else {
		log.Printf("✅ Loaded environment from %s", c.String("env-file"))
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Println("🎮 ================================")
	log.Println("🎮  ARENA - AUTHORITATIVE SERVER")
	log.Println("🎮 ================================")
	log.Printf("🎮 Config: %d TPS, %dx%d world, history %d", cfg.Sim.TickRate, cfg.Sim.WorldWidth, cfg.Sim.WorldHeight, cfg.Sim.HistoryDepth)

	tokens := api.NewTokenAuthenticator(cfg.Server.TokenSecret, cfg.Server.TokenTTL)
	tokens.AllowGuests = c.Bool("guests")
	if tokens.AllowGuests {
		log.Println("⚠️ Guests allowed: handshakes without a token join as \"guest\"")
	}

	relayCfg := chat.DefaultConfig()
	relayCfg.RateLimit.PerSecond = cfg.Limits.ChatRate
	relayCfg.RateLimit.Burst = cfg.Limits.ChatBurst
	relay := chat.NewRelay(relayCfg)
	relay.Start()
	defer relay.Stop()

	hubOpts := []game.HubOption{
		game.WithAuthenticator(tokens),
		game.WithHubChat(relay),
		game.WithHubMetrics(api.Metrics{}),
	}

	var udp *transport.UDPMux
	if cfg.Server.UDPPort > 0 {
		udp, err = transport.ListenUDP(net.JoinHostPort("", strconv.Itoa(cfg.Server.UDPPort)), log.Default())
		if err != nil {
			return fmt.Errorf("listen udp: %w", err)
		}
		hubOpts = append(hubOpts, game.WithUDP(udp, cfg.Server.UDPAdvertise))
		log.Printf("📡 Lossy channel on udp %s", udp.Addr())
	} else {
		log.Println("⚠️ UDP disabled, clients stay on the reliable channel")
	}

	hub := game.NewHub(hubConfig(cfg), sessionConfig(cfg), rulesFactory(cfg.Sim), hubOpts...)

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	server := api.NewServer(api.ServerConfig{
		Addr:        ":" + strconv.Itoa(cfg.Server.Port),
		Origins:     cfg.Server.Origins,
		SendQueue:   cfg.Server.SendQueue,
		DefaultRoom: c.String("default-room"),
		RateLimit: api.RateLimitConfig{
			RequestsPerSecond: cfg.Limits.HTTPRate,
			Burst:             cfg.Limits.HTTPBurst,
		},
		WSPerIP: cfg.Limits.WSPerIP,
		WSTotal: api.MaxWSConnectionsTotal,
	}, hub, tokens)

	g.Go(func() error { return server.ListenAndServe(ctx) })
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	if udp != nil {
		g.Go(func() error { return udp.Serve(ctx) })
	}
	if addr := cfg.Observability.DebugAddr; addr != "" {
		debug := api.NewDebugServer(api.ObservabilityConfig{ListenAddr: addr})
		g.Go(func() error { return serveDebug(ctx, debug) })
	}
	if path := cfg.Observability.EventLog; path != "" {
		events := game.NewEventLog()
		if err := events.Start(path); err != nil {
			log.Printf("⚠️ Event log disabled: %v", err)
		} else {
			log.Printf("📝 Event log: %s", path)
			sub, cancel := hub.Events().Subscribe(1024)
			events.Follow(sub)
			g.Go(func() error {
				defer events.Stop()
				defer cancel()
				publishEventStats(ctx, events)
				return nil
			})
		}
	}

	log.Printf("🌐 Players connect to ws://localhost:%d/ws?room=<name>", cfg.Server.Port)
	log.Println("✅ Server ready! Press Ctrl+C to stop.")

	<-ctx.Done()
	log.Println("🛑 Shutting down...")
	hub.Stop()

	err = g.Wait()
	log.Println("👋 Goodbye!")
	return err
}

func hubConfig(cfg config.AppConfig) game.HubConfig {
	hc := game.DefaultHubConfig()
	hc.Engine = game.Config{
		TickRate:          cfg.Sim.TickRate,
		CatchupMaxTicks:   cfg.Sim.CatchupMaxTicks,
		MaxGapFill:        cfg.Sim.MaxGapFill,
		MaxInputsPerTick:  cfg.Sim.MaxInputsPerTick,
		MaxPendingInputs:  cfg.Sim.MaxPendingInputs,
		ForceFullInterval: cfg.Sim.ForceFullInterval,
		InboxCapacity:     cfg.Sim.InboxCapacity,
	}
	hc.MaxRooms = cfg.Server.MaxRooms
	hc.IdleRoomTimeout = cfg.Sim.IdleRoomTimeout
	hc.InputRate = cfg.Limits.InputRate
	hc.InputBurst = cfg.Limits.InputBurst
	return hc
}

func sessionConfig(cfg config.AppConfig) session.Config {
	return session.Config{
		Timeout:          cfg.Liveness.Timeout,
		Keepalive:        cfg.Liveness.Keepalive,
		HandshakeTimeout: cfg.Liveness.HandshakeTimeout,
		HistoryDepth:     cfg.Sim.HistoryDepth,
		MaxSessions:      cfg.Server.MaxSessions,
	}
}

// rulesFactory gives every room its own movement rules sized to the world.
func rulesFactory(sim config.SimConfig) game.RulesFactory {
	return func(string) game.Rules {
		return gameplay.NewSizedMovement(sim.WorldWidth, sim.WorldHeight)
	}
}

func serveDebug(ctx context.Context, srv *http.Server) error {
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		// a busy debug port must not take the game down
		log.Printf("⚠️ Debug server disabled: %v", err)
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func publishEventStats(ctx context.Context, events *game.EventLog) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			api.UpdateEventLogStats(events.GetTotalCount(), events.GetDroppedCount())
		}
	}
}
