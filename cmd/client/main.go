// Command arena-bot connects to an arena server, walks randomly and reports
// how well its predictions match the authoritative state.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/oferchen/arena/internal/client"
	"github.com/oferchen/arena/internal/config"
	"github.com/oferchen/arena/internal/gameplay"
	"github.com/oferchen/arena/internal/snapshot"
)

var version = "dev"

// errSessionEnded stops the other bot loops once the session is over.
var errSessionEnded = errors.New("session ended")

func main() {
	app := &cli.App{
		Name:    "arena-bot",
		Usage:   "Scripted player for load and prediction testing",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file",
				EnvVars: []string{"ARENA_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "url",
				Aliases: []string{"u"},
				Usage:   "websocket endpoint, overrides client.url",
			},
			&cli.StringFlag{
				Name:  "room",
				Usage: "room to join, overrides the room in the url",
			},
			&cli.StringFlag{
				Name:    "name",
				Aliases: []string{"n"},
				Usage:   "player name; a token is requested from the server's /api/token",
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "handshake token, skips the token request",
				EnvVars: []string{"ARENA_TOKEN"},
			},
			&cli.DurationFlag{
				Name:  "duration",
				Usage: "stop after this long, 0 runs until interrupted",
			},
			&cli.Uint64Flag{
				Name:  "interest",
				Usage: "component mask of entities to receive, 0 receives everything",
			},
			&cli.StringFlag{
				Name:  "say",
				Usage: "chat line sent once after joining",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("❌ %v", err)
	}
}

func run(c *cli.Context) error {
	godotenv.Load()

	appCfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cc := appCfg.Client

	wsURL := cc.URL
	if u := c.String("url"); u != "" {
		wsURL = u
	}
	if room := c.String("room"); room != "" {
		if wsURL, err = withRoom(wsURL, room); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if d := c.Duration("duration"); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	token := c.String("token")
	if token == "" && c.String("name") != "" {
		if token, err = requestToken(ctx, wsURL, c.String("name")); err != nil {
			return err
		}
		log.Printf("🔑 Token issued for %s", c.String("name"))
	}

	cfg := client.DefaultConfig()
	cfg.URL = wsURL
	cfg.Token = token
	cfg.WantLossy = cc.Lossy
	cfg.Keepalive = cc.Keepalive
	cfg.Predictor.DivergenceThreshold = cc.DivergenceThreshold
	cfg.Predictor.Divergence = gameplay.Distance
	cfg.Predictor.MaxPending = cc.MaxPending

	// predict with the same world bounds the server simulates
	rules := gameplay.NewSizedMovement(appCfg.Sim.WorldWidth, appCfg.Sim.WorldHeight)

	var snapshots, corrections atomic.Int64
	bot, err := client.Dial(ctx, rules, cfg,
		client.OnChat(func(from, text string) {
			log.Printf("💬 %s: %s", from, text)
		}),
		client.OnSnapshot(func(r client.Result) {
			snapshots.Add(1)
			if r.Divergence > 0 {
				corrections.Add(1)
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer bot.Close()

	w := bot.Welcome()
	log.Printf("✅ Joined %s as entity %d (session %s, %d Hz)", w.Room, w.Entity, w.SessionID, w.TickRate)
	if mask := c.Uint64("interest"); mask != 0 {
		if err := bot.SetInterest(ctx, snapshot.Interest(mask)); err != nil {
			return fmt.Errorf("set interest: %w", err)
		}
		log.Printf("🔭 Interest mask %#x", mask)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := bot.Run(ctx); err != nil {
			return err
		}
		log.Println("🛑 Server ended the session")
		return errSessionEnded
	})
	g.Go(func() error { return walk(ctx, bot, cc.InputRate, c.String("say")) })
	g.Go(func() error {
		report(ctx, bot, &snapshots, &corrections)
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errSessionEnded) {
		err = nil
	}
	log.Println("👋 Goodbye!")
	return err
}

// walk holds a random direction for a second at a time and sends it at rate
// inputs per second.
func walk(ctx context.Context, bot *client.Client, rate int, say string) error {
	if rate <= 0 {
		rate = 30
	}
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	directions := []gameplay.Buttons{
		gameplay.ButtonUp, gameplay.ButtonDown, gameplay.ButtonLeft, gameplay.ButtonRight,
		gameplay.ButtonUp | gameplay.ButtonRight, gameplay.ButtonDown | gameplay.ButtonLeft, 0,
	}
	current := directions[0]
	sent := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if sent%rate == 0 {
			current = directions[rand.Intn(len(directions))]
		}
		if _, err := bot.Input(ctx, current.Encode()); err != nil {
			if errors.Is(err, client.ErrNotSynced) {
				continue
			}
			return fmt.Errorf("send input: %w", err)
		}
		sent++
		if sent == 1 && say != "" {
			if err := bot.Chat(ctx, say); err != nil {
				log.Printf("⚠️ Chat failed: %v", err)
			}
		}
	}
}

func report(ctx context.Context, bot *client.Client, snapshots, corrections *atomic.Int64) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		p := bot.Predictor()
		pos, _ := p.Predicted().Component(p.Entity(), gameplay.CompPosition)
		at, _ := gameplay.DecodePosition(pos)
		log.Printf("📊 state=%s tick=%d pending=%d snapshots=%d corrections=%d dropped=%d pos=(%d,%d)",
			p.State(), p.LastApplied(), len(p.Pending()), snapshots.Load(), corrections.Load(), p.Dropped(), at.X, at.Y)
	}
}

func withRoom(wsURL, room string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("room", room)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// requestToken asks the server that hosts wsURL for a handshake token.
func requestToken(ctx context.Context, wsURL, name string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	u.Scheme = strings.Replace(u.Scheme, "ws", "http", 1)
	u.Path = "/api/token"
	u.RawQuery = ""

	body, _ := json.Marshal(map[string]string{"name": name})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("request token: server returned %s", resp.Status)
	}

	var issued struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&issued); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	return issued.Token, nil
}
