package health

import (
	"sort"
	"sync"
	"time"

	"github.com/playdeck/agent/internal/logging"
)

var log = logging.L("health")

type Status string

const (
	Unknown   Status = "unknown"
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

// Component names reported by the agent.
const (
	ComponentSession    = "session"
	ComponentUpdater    = "updater"
	ComponentConfigSync = "configsync"
	ComponentInventory  = "inventory"
)

// Check is the latest report for one component.
type Check struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Summary is the compact form embedded in heartbeat messages.
type Summary struct {
	Status     Status            `json:"status"`
	Components map[string]Status `json:"components,omitempty"`
}

// Monitor records per-component health. Safe for concurrent use.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]Check
	now    func() time.Time
}

func NewMonitor() *Monitor {
	return &Monitor{checks: make(map[string]Check), now: time.Now}
}

// Update records a report. Transitions away from healthy are logged once
// per change rather than on every report.
func (m *Monitor) Update(name string, status Status, message string) {
	m.mu.Lock()
	prev, had := m.checks[name]
	m.checks[name] = Check{Name: name, Status: status, Message: message, UpdatedAt: m.now()}
	m.mu.Unlock()

	if had && prev.Status == status {
		return
	}
	switch status {
	case Healthy:
		if had {
			log.Info("component recovered", "component_name", name)
		}
	case Unknown:
	default:
		log.Warn("component health changed", "component_name", name, "status", string(status), "message", message)
	}
}

func (m *Monitor) Get(name string) Check {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.checks[name]; ok {
		return c
	}
	return Check{Name: name, Status: Unknown}
}

// Overall is the worst status reported so far, or Healthy when nothing
// has reported.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	worst := Healthy
	for _, c := range m.checks {
		if rank(c.Status) > rank(worst) {
			worst = c.Status
		}
	}
	return worst
}

// All returns every check ordered by name.
func (m *Monitor) All() []Check {
	m.mu.RLock()
	out := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		out = append(out, c)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Monitor) Summary() Summary {
	checks := m.All()
	s := Summary{Status: m.Overall(), Components: make(map[string]Status, len(checks))}
	for _, c := range checks {
		s.Components[c.Name] = c.Status
	}
	return s
}

// rank orders statuses from best to worst. Unknown sits between healthy
// and degraded so a component that never reported is not hidden.
func rank(s Status) int {
	switch s {
	case Healthy:
		return 0
	case Unknown:
		return 1
	case Degraded:
		return 2
	case Unhealthy:
		return 3
	default:
		return 1
	}
}
