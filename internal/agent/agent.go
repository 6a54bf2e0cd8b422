// Package agent wires the components together and runs the startup
// flows side by side.
package agent

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/playdeck/agent/internal/audit"
	"github.com/playdeck/agent/internal/config"
	"github.com/playdeck/agent/internal/configsync"
	"github.com/playdeck/agent/internal/fsguard"
	"github.com/playdeck/agent/internal/health"
	"github.com/playdeck/agent/internal/heartbeat"
	"github.com/playdeck/agent/internal/httputil"
	"github.com/playdeck/agent/internal/identity"
	"github.com/playdeck/agent/internal/logging"
	"github.com/playdeck/agent/internal/updater"
	"github.com/playdeck/agent/internal/websocket"
	"github.com/playdeck/agent/internal/workerpool"
	"github.com/playdeck/agent/pkg/api"
)

var log = logging.L("agent")

const (
	poolWorkers   = 4
	poolBacklog   = 32
	shutdownGrace = 10 * time.Second
)

// Transport is the session channel plus its lifecycle.
type Transport interface {
	heartbeat.Transport
	Start(ctx context.Context) error
	Stop()
}

type Options struct {
	Version string
	// Config is the live config; its path is the file being managed.
	Config *config.Handle
	// WorkDir is where updates are downloaded and extracted.
	WorkDir   string
	Audit     *audit.Logger
	Restarter updater.Restarter

	// Identity replaces the gopsutil interface lookup.
	Identity configsync.Identity
	// Transport replaces the websocket client.
	Transport Transport
	// Retry replaces the default HTTP retry policy.
	Retry *httputil.RetryPolicy
}

// Agent owns every long-lived component.
type Agent struct {
	opts Options

	health    *health.Monitor
	guard     *fsguard.Guard
	pool      *workerpool.Pool
	client    *api.Client
	syncer    *configsync.Syncer
	updater   *updater.Controller
	transport Transport
	session   *heartbeat.Session

	mu   sync.Mutex
	addr string
	// restartPending is set once the live server address differs from
	// the one the client and transport were built with.
	restartPending atomic.Bool
}

func New(opts Options) *Agent {
	cfg := opts.Config.Get()
	a := &Agent{
		opts:   opts,
		health: health.NewMonitor(),
		guard:  fsguard.New(),
		pool:   workerpool.New(poolWorkers, poolBacklog),
		addr:   serverAddress(cfg),
	}
	opts.Config.OnChange(a.configChanged)

	a.client = api.NewClient(cfg.ServerURL, api.Options{
		AgentVersion:    opts.Version,
		RequestTimeout:  time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		DownloadTimeout: time.Duration(cfg.DownloadTimeoutSeconds) * time.Second,
		Retry:           opts.Retry,
	})

	id := opts.Identity
	if id == nil {
		id = identity.NewResolver(nil)
	}
	store := config.NewStore()
	a.syncer = configsync.New(configsync.Options{
		Identity: id,
		Server:   a.client,
		Store:    store,
		Config:   opts.Config,
		Guard:    a.guard,
		Audit:    opts.Audit,
		Health:   a.health,
	})

	a.updater = updater.New(updater.Options{
		CurrentVersion: opts.Version,
		WorkDir:        opts.WorkDir,
		ConfigPath:     opts.Config.Path(),
		Server:         a.client,
		Store:          store,
		Restarter:      opts.Restarter,
		Guard:          a.guard,
		Audit:          opts.Audit,
		Health:         a.health,
	})

	a.transport = opts.Transport
	if a.transport == nil {
		a.transport = websocket.New(websocket.Options{
			ServerURL:         cfg.ServerURL,
			Path:              cfg.SessionPath,
			ReconnectAttempts: cfg.ReconnectAttempts,
			Health:            a.health,
		})
	}
	a.session = heartbeat.New(heartbeat.Options{
		Config:       opts.Config,
		Transport:    a.transport,
		Pool:         a.pool,
		Health:       a.health,
		AgentVersion: opts.Version,
		Status:       a.status,
	})
	return a
}

func (a *Agent) Health() *health.Monitor { return a.health }

func (a *Agent) Updater() *updater.Controller { return a.updater }

// RestartPending reports whether a config change moved the server
// address away from the one this process connected with.
func (a *Agent) RestartPending() bool { return a.restartPending.Load() }

func serverAddress(cfg *config.Config) string {
	return cfg.ServerURL + cfg.SessionPath
}

// configChanged runs for every live config swap, whether it came from the
// file watcher or from server sync.
func (a *Agent) configChanged(cfg *config.Config) {
	addr := serverAddress(cfg)
	a.mu.Lock()
	prev := a.addr
	a.addr = addr
	a.mu.Unlock()
	if addr == prev {
		return
	}
	a.restartPending.Store(true)
	log.Warn("server address changed, takes effect after restart", "from", prev, "to", addr)
}

// status maps the update flow onto the heartbeat status.
func (a *Agent) status() string {
	if a.updater.State().Busy() {
		return heartbeat.StatusUpdating
	}
	return heartbeat.StatusIdle
}

// Run starts config sync, the update flow, the session and the config
// watcher together and blocks until ctx is done. A failure in one flow is
// logged and never stops the others.
func (a *Agent) Run(ctx context.Context) error {
	a.opts.Audit.Record(audit.EventAgentStart, map[string]any{"version": a.opts.Version})
	log.Info("agent starting", logging.KeyVersion, a.opts.Version, logging.KeyPath, a.opts.Config.Path(),
		"events", a.session.Events())

	var wg sync.WaitGroup
	spawn := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
			log.Debug("flow finished", "flow", name)
		}()
	}

	spawn("configsync", func() {
		res, err := a.syncer.Run(ctx)
		if err != nil {
			log.Error("config sync failed", logging.KeyError, err)
			return
		}
		log.Info("config sync finished", "outcome", string(res.Outcome))
	})

	spawn("update", func() {
		if err := a.updater.Run(ctx); err != nil && !errors.Is(err, updater.ErrAlreadyRan) {
			log.Error("update flow failed", logging.KeyError, err)
		}
	})

	spawn("session", func() {
		if err := a.transport.Start(ctx); err != nil {
			log.Error("session ended", logging.KeyError, err)
		}
	})

	spawn("watch", func() {
		err := config.Watch(ctx, a.opts.Config.Path(), a.reloadConfig)
		if err != nil {
			log.Warn("config watcher unavailable", logging.KeyError, err)
		}
	})

	<-ctx.Done()
	log.Info("agent stopping")

	a.transport.Stop()
	a.session.HandleDisconnect()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	a.pool.Shutdown(shutdownCtx)

	a.opts.Audit.Record(audit.EventAgentStop, nil)
	return nil
}

func (a *Agent) reloadConfig() {
	cfg, err := a.opts.Config.Reload()
	if err != nil {
		log.Warn("config change ignored", logging.KeyPath, a.opts.Config.Path(), logging.KeyError, err)
		return
	}
	log.Info("config reloaded", logging.KeyPath, a.opts.Config.Path(), "pcName", cfg.PCName)
	a.opts.Audit.Record(audit.EventConfigChange, map[string]any{
		"source": "file_watch",
		"file":   filepath.Base(a.opts.Config.Path()),
	})
}
