package transport

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestReliablePipeOrdered(t *testing.T) {
	a, b := Pipe(PipeConfig{Reliable: true})
	defer a.Close()
	ctx := context.Background()

	for i := byte(0); i < 10; i++ {
		if err := a.Send(ctx, []byte{i}); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	for i := byte(0); i < 10; i++ {
		got, err := b.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive failed: %v", err)
		}
		if got[0] != i {
			t.Fatalf("Expected frame %d, got %d", i, got[0])
		}
	}
}

func TestLossyPipe(t *testing.T) {
	ctx := context.Background()

	t.Run("total loss", func(t *testing.T) {
		a, b := Pipe(PipeConfig{Loss: 1})
		a.Send(ctx, []byte{1})
		short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		if _, err := b.Receive(short); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Expected nothing delivered, got %v", err)
		}
	})

	t.Run("reorder", func(t *testing.T) {
		a, b := Pipe(PipeConfig{Reorder: 1})
		a.Send(ctx, []byte{1})
		a.Send(ctx, []byte{2})
		first, _ := b.Receive(ctx)
		second, _ := b.Receive(ctx)
		if first[0] != 2 || second[0] != 1 {
			t.Errorf("Expected swapped delivery, got %v then %v", first, second)
		}
	})

	t.Run("send copies frame", func(t *testing.T) {
		a, b := Pipe(PipeConfig{})
		frame := []byte{7}
		a.Send(ctx, frame)
		frame[0] = 8
		got, _ := b.Receive(ctx)
		if got[0] != 7 {
			t.Errorf("Frame aliased caller buffer: %v", got)
		}
	})
}

func TestConnRoutesSnapshots(t *testing.T) {
	ctx := context.Background()
	rel, relPeer := Pipe(PipeConfig{Reliable: true})
	conn := NewConn(rel)

	conn.SendSnapshot(ctx, []byte("s1"))
	if got, _ := relPeer.Receive(ctx); string(got) != "s1" {
		t.Fatalf("Without lossy channel snapshots use reliable, got %q", got)
	}

	lossy, lossyPeer := Pipe(PipeConfig{})
	conn.AttachLossy(lossy)
	conn.SendSnapshot(ctx, []byte("s2"))
	conn.Send(ctx, []byte("chat"))

	if got, _ := lossyPeer.Receive(ctx); string(got) != "s2" {
		t.Errorf("Expected snapshot on lossy channel, got %q", got)
	}
	if got, _ := relPeer.Receive(ctx); string(got) != "chat" {
		t.Errorf("Expected control traffic on reliable channel, got %q", got)
	}

	conn.Close()
	if err := lossy.Send(ctx, []byte{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("Close should close the lossy channel, got %v", err)
	}
}

func TestWebSocketChannel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ch := NewWSChannel(conn, 8)
		defer ch.Close()
		// echo
		for {
			frame, err := ch.Receive(context.Background())
			if err != nil {
				return
			}
			ch.Send(context.Background(), frame)
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ch, err := DialWebSocket(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer ch.Close()

	if !ch.Reliable() {
		t.Error("Websocket channel must be reliable")
	}
	for i := byte(1); i <= 3; i++ {
		if err := ch.Send(ctx, []byte{i, i}); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		got, err := ch.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive failed: %v", err)
		}
		if !bytes.Equal(got, []byte{i, i}) {
			t.Errorf("Expected echo %v, got %v", []byte{i, i}, got)
		}
	}

	ch.Close()
	if err := ch.Send(ctx, []byte{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after close, got %v", err)
	}
}

func TestUDPMuxRoundTrip(t *testing.T) {
	mux, err := ListenUDP("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go mux.Serve(ctx)
	defer mux.Close()

	token, server := mux.Register()
	if server.Reliable() {
		t.Error("UDP channel must be lossy")
	}

	client, err := DialUDP(mux.Addr().String(), token)
	if err != nil {
		t.Fatalf("DialUDP failed: %v", err)
	}
	defer client.Close()

	if err := client.Send(ctx, []byte("ping")); err != nil {
		t.Fatalf("Client send failed: %v", err)
	}
	got, err := server.Receive(ctx)
	if err != nil || string(got) != "ping" {
		t.Fatalf("Server receive: %q %v", got, err)
	}

	// the server learned the client address from the datagram above
	if err := server.Send(ctx, []byte("pong")); err != nil {
		t.Fatalf("Server send failed: %v", err)
	}
	got, err = client.Receive(ctx)
	if err != nil || string(got) != "pong" {
		t.Fatalf("Client receive: %q %v", got, err)
	}

	server.Close()
	if err := server.Send(ctx, []byte{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestReliablePipeQueueFull(t *testing.T) {
	a, b := Pipe(PipeConfig{Reliable: true, Buffer: 2})
	defer a.Close()
	ctx := context.Background()

	a.Send(ctx, []byte{1})
	a.Send(ctx, []byte{2})
	if err := a.Send(ctx, []byte{3}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Expected ErrQueueFull, got %v", err)
	}
	b.Receive(ctx)
	if err := a.Send(ctx, []byte{3}); err != nil {
		t.Errorf("Send after drain failed: %v", err)
	}
}
