package config

import (
	"errors"
	"fmt"
	"sync"
)

// Handle holds the live configuration and the path it was loaded from.
// Readers get a snapshot; Reload and Set swap it atomically for everyone.
type Handle struct {
	mu   sync.RWMutex
	path string
	cfg  *Config
	subs []func(*Config)
}

func NewHandle(path string, cfg *Config) *Handle {
	return &Handle{path: path, cfg: cfg}
}

func (h *Handle) Path() string {
	return h.path
}

// Get returns a copy of the current config.
func (h *Handle) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg.Clone()
}

// Set replaces the current config and notifies subscribers.
func (h *Handle) Set(cfg *Config) {
	h.mu.Lock()
	h.cfg = cfg
	subs := append([]func(*Config){}, h.subs...)
	h.mu.Unlock()

	for _, fn := range subs {
		fn(cfg.Clone())
	}
}

// Reload re-reads the file. A document that fails to load or has fatal
// validation problems leaves the current config in place.
func (h *Handle) Reload() (*Config, error) {
	cfg, err := Load(h.path)
	if err != nil {
		return nil, err
	}
	if res := cfg.ValidateTiered(); res.HasFatals() {
		return nil, fmt.Errorf("%w: %w", ErrConfigUnreadable, errors.Join(res.Fatals...))
	}
	h.Set(cfg)
	return cfg.Clone(), nil
}

// OnChange registers fn to run after every Set or successful Reload.
func (h *Handle) OnChange(fn func(*Config)) {
	h.mu.Lock()
	h.subs = append(h.subs, fn)
	h.mu.Unlock()
}
