package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/playdeck/agent/internal/health"
)

var upgrader = websocket.Upgrader{}

func TestSessionURL(t *testing.T) {
	tests := []struct {
		server, path, want string
	}{
		{"http://10.0.0.5:3000", "/agent/ws", "ws://10.0.0.5:3000/agent/ws"},
		{"https://hub.example.com/", "agent/ws", "wss://hub.example.com/agent/ws"},
		{"https://hub.example.com/base", "/agent/ws", "wss://hub.example.com/base/agent/ws"},
	}
	for _, tt := range tests {
		got, err := SessionURL(tt.server, tt.path)
		if err != nil {
			t.Fatalf("SessionURL(%q, %q): %v", tt.server, tt.path, err)
		}
		if got != tt.want {
			t.Errorf("SessionURL(%q, %q) = %q, want %q", tt.server, tt.path, got, tt.want)
		}
	}
	if _, err := SessionURL("ftp://host", "/ws"); err == nil {
		t.Error("expected error for ftp scheme")
	}
}

func TestEmitAndReceive(t *testing.T) {
	received := make(chan Message, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agent/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		received <- msg
		conn.WriteJSON(Message{Event: "get_games"})
		conn.ReadMessage()
	}))
	defer srv.Close()

	c := New(Options{ServerURL: srv.URL, Path: "/agent/ws", ReconnectAttempts: 1, InitialBackoff: 10 * time.Millisecond})

	gotRequest := make(chan struct{}, 1)
	c.On("get_games", func(json.RawMessage) { gotRequest <- struct{}{} })
	c.OnConnect(func() {
		if err := c.Emit("status", map[string]string{"status": "idle"}); err != nil {
			t.Errorf("Emit: %v", err)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	select {
	case msg := <-received:
		if msg.Event != "status" || string(msg.Data) != `{"status":"idle"}` {
			t.Fatalf("unexpected frame: %s %s", msg.Event, msg.Data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never received status")
	}

	select {
	case <-gotRequest:
	case <-time.After(5 * time.Second):
		t.Fatal("get_games handler not invoked")
	}
	c.Stop()
}

func TestEmitWhileDisconnected(t *testing.T) {
	c := New(Options{ServerURL: "http://127.0.0.1:1"})
	if err := c.Emit("status", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestReconnectBudgetExhausted(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	mon := health.NewMonitor()
	c := New(Options{
		ServerURL:         srv.URL,
		Path:              "/agent/ws",
		ReconnectAttempts: 2,
		Health:            mon,
		InitialBackoff:    5 * time.Millisecond,
		MaxBackoff:        10 * time.Millisecond,
	})

	err := c.Start(context.Background())
	if !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("expected ErrReconnectExhausted, got %v", err)
	}
	if got := dials.Load(); got != 3 {
		t.Fatalf("dials = %d, want 3 (first attempt plus 2 reconnects)", got)
	}
	if got := mon.Get(health.ComponentSession).Status; got != health.Unhealthy {
		t.Fatalf("session health = %v, want unhealthy", got)
	}
	if c.Connected() {
		t.Fatal("client reports connected after giving up")
	}
}

func TestReconnectAfterServerDrop(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if conns.Add(1) == 1 {
			conn.Close()
			return
		}
		defer conn.Close()
		conn.ReadMessage()
	}))
	defer srv.Close()

	c := New(Options{ServerURL: srv.URL, Path: "/ws", ReconnectAttempts: 3, InitialBackoff: 5 * time.Millisecond})
	var connects, disconnects atomic.Int32
	second := make(chan struct{})
	c.OnConnect(func() {
		if connects.Add(1) == 2 {
			close(second)
		}
	})
	c.OnDisconnect(func() { disconnects.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	select {
	case <-second:
	case <-time.After(5 * time.Second):
		t.Fatal("client did not reconnect")
	}
	if disconnects.Load() < 1 {
		t.Fatal("disconnect hook not called")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned %v after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
