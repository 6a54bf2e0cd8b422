package heartbeat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/playdeck/agent/internal/config"
	"github.com/playdeck/agent/internal/health"
	"github.com/playdeck/agent/internal/logging"
	"github.com/playdeck/agent/internal/websocket"
	"github.com/playdeck/agent/internal/workerpool"
)

var log = logging.L("heartbeat")

// Session event names.
const (
	EventStatus    = "status"
	EventGetGames  = "get_games"
	EventGamesList = "games_list"
)

// TimestampLayout is RFC 3339 in UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Status values carried in heartbeats.
const (
	StatusIdle     = "idle"
	StatusRunning  = "running"
	StatusUpdating = "updating"
)

// StatusMessage is the payload of every status event.
type StatusMessage struct {
	PCName       string          `json:"pcName"`
	Status       string          `json:"status"`
	Timestamp    string          `json:"timestamp"`
	AgentVersion string          `json:"agentVersion"`
	Uptime       int64           `json:"uptime,omitempty"`
	Health       *health.Summary `json:"health,omitempty"`
}

// Transport is the event channel the session runs over.
type Transport interface {
	Emit(event string, data any) error
	On(event string, h websocket.Handler)
	OnConnect(fn func())
	OnDisconnect(fn func())
}

type Options struct {
	Config       *config.Handle
	Transport    Transport
	Pool         *workerpool.Pool
	Health       *health.Monitor
	AgentVersion string
	// Status reports the current activity; nil means always idle.
	Status func() string
}

// Session keeps the server informed of this host while connected and
// answers its requests.
type Session struct {
	opts Options

	mu       sync.Mutex
	handlers map[string]Handler
	stopTick chan struct{}
	tickDone chan struct{}

	now      func() time.Time
	bootTime func() (uint64, error)
}

// New wires a session onto opts.Transport and registers the built-in
// request handlers.
func New(opts Options) *Session {
	if opts.Health == nil {
		opts.Health = health.NewMonitor()
	}
	if opts.Status == nil {
		opts.Status = func() string { return StatusIdle }
	}
	s := &Session{
		opts:     opts,
		handlers: make(map[string]Handler),
		now:      time.Now,
		bootTime: host.BootTime,
	}
	opts.Transport.OnConnect(s.HandleConnect)
	opts.Transport.OnDisconnect(s.HandleDisconnect)
	s.Register(EventGetGames, s.handleGetGames)
	return s
}

// HandleConnect announces the host and starts the periodic heartbeat.
// A previous ticker, if any, is stopped first.
func (s *Session) HandleConnect() {
	s.HandleDisconnect()

	log.Info("session connected, starting heartbeat")
	s.sendStatus()

	stop := make(chan struct{})
	done := make(chan struct{})
	s.mu.Lock()
	s.stopTick = stop
	s.tickDone = done
	s.mu.Unlock()

	go s.tickLoop(stop, done)
}

// HandleDisconnect stops the heartbeat until the next connect.
func (s *Session) HandleDisconnect() {
	s.mu.Lock()
	stop, done := s.stopTick, s.tickDone
	s.stopTick, s.tickDone = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	log.Info("heartbeat stopped")
}

// tickLoop re-reads the interval on every cycle so config reloads apply
// without reconnecting.
func (s *Session) tickLoop(stop, done chan struct{}) {
	defer close(done)
	for {
		timer := time.NewTimer(s.interval())
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
			s.sendStatus()
		}
	}
}

func (s *Session) interval() time.Duration {
	ms := s.opts.Config.Get().HeartbeatIntervalMs
	if ms <= 0 {
		ms = config.DefaultHeartbeatIntervalMs
	}
	return time.Duration(ms) * time.Millisecond
}

// Status builds the current heartbeat payload.
func (s *Session) Status() StatusMessage {
	cfg := s.opts.Config.Get()
	summary := s.opts.Health.Summary()
	now := s.now()
	msg := StatusMessage{
		PCName:       cfg.PCName,
		Status:       s.opts.Status(),
		Timestamp:    now.UTC().Format(TimestampLayout),
		AgentVersion: s.opts.AgentVersion,
		Health:       &summary,
	}
	if boot, err := s.bootTime(); err != nil {
		log.Debug("boot time unavailable", logging.KeyError, err)
	} else if boot > 0 {
		msg.Uptime = now.Unix() - int64(boot)
	}
	return msg
}

func (s *Session) sendStatus() {
	if err := s.opts.Transport.Emit(EventStatus, s.Status()); err != nil {
		log.Warn("failed to send heartbeat", logging.KeyError, err)
	}
}

// dispatch runs a request handler on the pool and emits its reply.
func (s *Session) dispatch(event string, h Handler) websocket.Handler {
	return func(data json.RawMessage) {
		ok := s.opts.Pool.Submit(event, func(ctx context.Context) {
			reply, err := h(ctx, data)
			if err != nil {
				log.Error("session request failed", logging.KeyEvent, event, logging.KeyError, err)
				return
			}
			if reply.Event == "" {
				return
			}
			if err := s.opts.Transport.Emit(reply.Event, reply.Data); err != nil {
				log.Warn("failed to send reply", logging.KeyEvent, reply.Event, logging.KeyError, err)
			}
		})
		if !ok {
			log.Warn("session request dropped, worker pool busy", logging.KeyEvent, event)
		}
	}
}
