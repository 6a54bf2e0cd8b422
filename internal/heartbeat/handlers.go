package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/playdeck/agent/internal/health"
	"github.com/playdeck/agent/internal/inventory"
)

// Reply is what a handler sends back. An empty Event sends nothing.
type Reply struct {
	Event string
	Data  any
}

// Handler answers one inbound request. It runs on the worker pool.
type Handler func(ctx context.Context, data json.RawMessage) (Reply, error)

// Register binds h to an inbound event, replacing any earlier handler.
func (s *Session) Register(event string, h Handler) {
	s.mu.Lock()
	s.handlers[event] = h
	s.mu.Unlock()
	s.opts.Transport.On(event, s.dispatch(event, h))
}

// Events lists the inbound events with a registered handler.
func (s *Session) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Session) handleGetGames(ctx context.Context, _ json.RawMessage) (Reply, error) {
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}
	cfg := s.opts.Config.Get()
	rep := inventory.NewScanner(cfg.ExcludedDirectories).Scan(cfg.GamesDirectories)

	if len(rep.Failed) > 0 {
		s.opts.Health.Update(health.ComponentInventory, health.Degraded,
			fmt.Sprintf("unreadable: %s", strings.Join(rep.Failed, ", ")))
	} else {
		s.opts.Health.Update(health.ComponentInventory, health.Healthy, "")
	}

	log.Info("sending games list", "games", len(rep.Games))
	return Reply{Event: EventGamesList, Data: rep.Games}, nil
}
