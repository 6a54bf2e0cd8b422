package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/playdeck/agent/internal/health"
	"github.com/playdeck/agent/internal/logging"
)

var log = logging.L("websocket")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3
)

var (
	ErrNotConnected = errors.New("session not connected")
	// ErrReconnectExhausted is returned by Start once the reconnect budget
	// is spent. The client stays disconnected afterwards.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// Message is one frame on the session channel.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Handler receives the payload of an inbound event. It runs on the read
// loop and must hand long work off to another goroutine.
type Handler func(data json.RawMessage)

type Options struct {
	// ServerURL is the http(s) base URL of the server.
	ServerURL string
	// Path is the websocket path on the server, e.g. /agent/ws.
	Path string
	// ReconnectAttempts is how many consecutive failed dials are tolerated
	// after the first one.
	ReconnectAttempts int
	Health            *health.Monitor

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Dialer         *websocket.Dialer
}

// Client keeps a persistent event channel to the server.
type Client struct {
	opts Options

	conn   *websocket.Conn
	connMu sync.RWMutex

	handlersMu   sync.RWMutex
	handlers     map[string]Handler
	onConnect    []func()
	onDisconnect []func()

	sendChan  chan []byte
	done      chan struct{}
	stopOnce  sync.Once
	isRunning bool
	runningMu sync.Mutex
}

func New(opts Options) *Client {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = initialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = maxBackoff
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if opts.Health == nil {
		opts.Health = health.NewMonitor()
	}
	return &Client{
		opts:     opts,
		handlers: make(map[string]Handler),
		sendChan: make(chan []byte, 256),
		done:     make(chan struct{}),
	}
}

// On registers the handler for an inbound event, replacing any earlier one.
func (c *Client) On(event string, h Handler) {
	c.handlersMu.Lock()
	c.handlers[event] = h
	c.handlersMu.Unlock()
}

// OnConnect registers fn to run after every successful connection.
func (c *Client) OnConnect(fn func()) {
	c.handlersMu.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.handlersMu.Unlock()
}

// OnDisconnect registers fn to run whenever an established connection ends.
func (c *Client) OnDisconnect(fn func()) {
	c.handlersMu.Lock()
	c.onDisconnect = append(c.onDisconnect, fn)
	c.handlersMu.Unlock()
}

func (c *Client) Connected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn != nil
}

// Emit queues an event for the write loop. It does not block; events are
// refused while disconnected rather than replayed later.
func (c *Client) Emit(event string, data any) error {
	if !c.Connected() {
		return fmt.Errorf("%w: %s", ErrNotConnected, event)
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	frame, err := json.Marshal(Message{Event: event, Data: payload})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}

	select {
	case c.sendChan <- frame:
		return nil
	case <-c.done:
		return fmt.Errorf("client is stopped")
	default:
		return fmt.Errorf("send channel is full")
	}
}

// Start connects and keeps the connection alive until ctx is done, Stop is
// called, or the reconnect budget runs out.
func (c *Client) Start(ctx context.Context) error {
	c.runningMu.Lock()
	if c.isRunning {
		c.runningMu.Unlock()
		return nil
	}
	c.isRunning = true
	c.runningMu.Unlock()

	stopOnCancel := context.AfterFunc(ctx, c.Stop)
	defer stopOnCancel()

	return c.reconnectLoop()
}

// Stop closes the connection and ends Start.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)

		c.connMu.Lock()
		if c.conn != nil {
			c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			c.conn.Close()
		}
		c.connMu.Unlock()

		log.Info("client stopped")
	})
}

func (c *Client) stopped() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) connect() (*websocket.Conn, error) {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return nil, fmt.Errorf("failed to build WebSocket URL: %w", err)
	}

	conn, resp, err := c.opts.Dialer.Dial(wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect: %w (HTTP %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

// buildWSURL maps http(s)://host to ws(s)://host and appends the session path.
func (c *Client) buildWSURL() (string, error) {
	return SessionURL(c.opts.ServerURL, c.opts.Path)
}

// SessionURL derives the websocket URL of the session endpoint.
func SessionURL(serverURL, path string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if path == "" {
		path = "/"
	} else if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = ""
	return u.String(), nil
}

func (c *Client) reconnectLoop() error {
	backoff := c.opts.InitialBackoff
	failures := 0

	for {
		if c.stopped() {
			return nil
		}

		conn, err := c.connect()
		if err != nil {
			failures++
			if failures > c.opts.ReconnectAttempts {
				log.Error("giving up on session", "failures", failures, logging.KeyError, err)
				c.opts.Health.Update(health.ComponentSession, health.Unhealthy, "reconnect attempts exhausted")
				return fmt.Errorf("%w: %w", ErrReconnectExhausted, err)
			}
			c.opts.Health.Update(health.ComponentSession, health.Degraded, err.Error())

			jitter := time.Duration(float64(backoff) * jitterFactor * (rand.Float64()*2 - 1))
			sleep := backoff + jitter
			if sleep < 0 {
				sleep = backoff
			}

			log.Warn("connection failed, retrying", "attempt", failures, "delay", sleep, logging.KeyError, err)
			select {
			case <-c.done:
				return nil
			case <-time.After(sleep):
			}

			backoff = time.Duration(float64(backoff) * backoffFactor)
			if backoff > c.opts.MaxBackoff {
				backoff = c.opts.MaxBackoff
			}
			continue
		}

		c.connMu.Lock()
		if c.stopped() {
			c.connMu.Unlock()
			conn.Close()
			return nil
		}
		c.conn = conn
		c.connMu.Unlock()

		backoff = c.opts.InitialBackoff
		failures = 0
		log.Info("connected", "server", c.opts.ServerURL, "path", c.opts.Path)
		c.opts.Health.Update(health.ComponentSession, health.Healthy, "")
		c.notify(c.connectHooks())

		pumpDone := make(chan struct{})
		go c.writePump(conn, pumpDone)
		c.readPump(conn)
		close(pumpDone)

		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		conn.Close()
		c.drain()

		log.Info("disconnected")
		c.notify(c.disconnectHooks())
		if !c.stopped() {
			c.opts.Health.Update(health.ComponentSession, health.Degraded, "disconnected")
		}
	}
}

func (c *Client) connectHooks() []func() {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	return append([]func(){}, c.onConnect...)
}

func (c *Client) disconnectHooks() []func() {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	return append([]func(){}, c.onDisconnect...)
}

func (c *Client) notify(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// drain drops frames queued for a connection that is gone.
func (c *Client) drain() {
	for {
		select {
		case <-c.sendChan:
		default:
			return
		}
	}
}

func (c *Client) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", logging.KeyError, err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil || msg.Event == "" {
			log.Warn("ignoring malformed message", "bytes", len(message))
			continue
		}

		c.handlersMu.RLock()
		h, ok := c.handlers[msg.Event]
		c.handlersMu.RUnlock()
		if !ok {
			log.Debug("ignoring unknown event", logging.KeyEvent, msg.Event)
			continue
		}
		h(msg.Data)
	}
}

func (c *Client) writePump(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.done:
			return

		case message := <-c.sendChan:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn("write error", logging.KeyError, err)
				conn.Close()
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}
