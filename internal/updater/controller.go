package updater

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/playdeck/agent/internal/audit"
	"github.com/playdeck/agent/internal/config"
	"github.com/playdeck/agent/internal/fsguard"
	"github.com/playdeck/agent/internal/health"
	"github.com/playdeck/agent/internal/logging"
	"github.com/playdeck/agent/pkg/api"
)

var log = logging.L("updater")

var (
	ErrVersionCheckFailed = errors.New("version check failed")
	ErrDownloadFailed     = errors.New("update download failed")
	ErrExtractFailed      = errors.New("update extraction failed")
	ErrReconcileFailed    = errors.New("config reconciliation failed")
	// ErrAlreadyRan is returned by every Run after the first.
	ErrAlreadyRan = errors.New("update flow already ran in this process")
)

// Server is the part of the API client the updater needs.
type Server interface {
	AgentVersion(ctx context.Context) (*api.VersionManifest, error)
	UpdateURL(m *api.VersionManifest) (string, error)
	OpenDownload(ctx context.Context, rawURL string) (*http.Response, error)
}

// ConfigStore performs the three reconciliation steps.
type ConfigStore interface {
	Backup(path string) (string, error)
	Merge(currentPath, incomingPath string) (config.MergeResult, error)
	Persist(path string, doc config.Document) error
}

type Options struct {
	CurrentVersion string
	// WorkDir is where the archive is downloaded and extracted.
	WorkDir string
	// ConfigPath is the live config file.
	ConfigPath string

	Server    Server
	Store     ConfigStore
	Restarter Restarter
	Guard     *fsguard.Guard
	Audit     *audit.Logger
	Health    *health.Monitor
	// FreeSpace reports free bytes on the volume holding path. Defaults to
	// gopsutil's disk usage.
	FreeSpace func(ctx context.Context, path string) (uint64, error)
}

// Controller runs the version-gated update flow at most once.
type Controller struct {
	opts Options
	ran  atomic.Bool

	mu        sync.Mutex
	state     State
	observers []func(State)
}

func New(opts Options) *Controller {
	if opts.Store == nil {
		opts.Store = config.NewStore()
	}
	if opts.Guard == nil {
		opts.Guard = fsguard.New()
	}
	if opts.Health == nil {
		opts.Health = health.NewMonitor()
	}
	if opts.FreeSpace == nil {
		opts.FreeSpace = diskFree
	}
	return &Controller{opts: opts}
}

// Subscribe registers fn to be called on every state change, from the
// goroutine running the flow.
func (c *Controller) Subscribe(fn func(State)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	obs := append([]func(State){}, c.observers...)
	c.mu.Unlock()

	log.Debug("update state", logging.KeyState, s.String())
	for _, fn := range obs {
		fn(s)
	}
}

// VersionCheck is the outcome of comparing the server's version with ours.
type VersionCheck struct {
	Current   string
	Manifest  *api.VersionManifest
	Available bool
}

// CheckVersion asks the server for the published version. Any version
// different from the running one counts as an update.
func (c *Controller) CheckVersion(ctx context.Context) (VersionCheck, error) {
	m, err := c.opts.Server.AgentVersion(ctx)
	if err != nil {
		return VersionCheck{}, fmt.Errorf("%w: %w", ErrVersionCheckFailed, err)
	}
	return VersionCheck{
		Current:   c.opts.CurrentVersion,
		Manifest:  m,
		Available: normalizeVersion(m.Version) != normalizeVersion(c.opts.CurrentVersion),
	}, nil
}

// Run checks the version and, when it differs, downloads, extracts and
// reconciles the update, then requests a restart. Only the first call in
// a process does anything.
func (c *Controller) Run(ctx context.Context) error {
	if !c.ran.CompareAndSwap(false, true) {
		return ErrAlreadyRan
	}

	c.setState(CheckingVersion)
	check, err := c.CheckVersion(ctx)
	if err != nil {
		c.fail("check", err)
		return err
	}
	if !check.Available {
		log.Info("agent is up to date", logging.KeyVersion, check.Current)
		c.setState(UpToDate)
		c.opts.Health.Update(health.ComponentUpdater, health.Healthy, "")
		c.setState(Idle)
		return nil
	}
	log.Info("update available", logging.KeyVersion, check.Manifest.Version, "current", check.Current)

	c.setState(Downloading)
	archive, err := c.Download(ctx, check.Manifest)
	if err != nil {
		c.fail("download", err)
		return err
	}

	var rec ReconcileResult
	err = c.opts.Guard.Do(ctx, "apply update", func() error {
		c.setState(ExtractingInPlace)
		applied, err := c.Apply(archive, c.opts.WorkDir)
		if err != nil {
			return err
		}

		c.setState(ReconcilingConfig)
		template := applied.TemplatePath
		if template == "" {
			template = filepath.Join(c.opts.WorkDir, config.FileName)
		}
		rec, err = c.Reconcile(template, c.opts.ConfigPath)
		return err
	})
	if err != nil {
		c.fail("apply", err)
		return err
	}

	c.opts.Audit.Record(audit.EventUpdateApplied, map[string]any{
		"from":       check.Current,
		"to":         check.Manifest.Version,
		"addedKeys":  rec.Added,
		"backup":     rec.BackupPath,
		"reconciled": !rec.Skipped,
	})
	c.opts.Health.Update(health.ComponentUpdater, health.Healthy, "")

	c.setState(RestartRequested)
	if c.opts.Restarter != nil {
		c.opts.Restarter.Restart("update to " + check.Manifest.Version)
	}
	return nil
}

func (c *Controller) fail(stage string, err error) {
	log.Error("update flow aborted", "stage", stage, logging.KeyError, err)
	c.opts.Health.Update(health.ComponentUpdater, health.Degraded, err.Error())
	if stage != "check" {
		c.opts.Audit.Record(audit.EventUpdateFailed, map[string]any{"stage": stage, "error": err.Error()})
	}
	c.setState(Idle)
}

func normalizeVersion(v string) string {
	v = strings.TrimSpace(v)
	return strings.TrimPrefix(strings.TrimPrefix(v, "v"), "V")
}

func diskFree(ctx context.Context, path string) (uint64, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return u.Free, nil
}
