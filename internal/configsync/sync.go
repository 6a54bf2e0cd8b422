// Package configsync replaces the local config with the document the
// server keeps for this host's hardware identity.
package configsync

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/playdeck/agent/internal/audit"
	"github.com/playdeck/agent/internal/config"
	"github.com/playdeck/agent/internal/fsguard"
	"github.com/playdeck/agent/internal/health"
	"github.com/playdeck/agent/internal/logging"
	"github.com/playdeck/agent/pkg/api"
)

var log = logging.L("configsync")

// ErrRejected means the server document would leave the agent unable to
// start, so it was not written.
var ErrRejected = errors.New("server config rejected")

type Outcome string

const (
	OutcomeNoIdentity Outcome = "no_identity"
	OutcomeNotFound   Outcome = "not_found"
	OutcomeUnchanged  Outcome = "unchanged"
	OutcomeApplied    Outcome = "applied"
)

type Identity interface {
	Resolve(ctx context.Context) (string, error)
}

type Server interface {
	ConfigByMAC(ctx context.Context, mac string) ([]byte, error)
}

type Store interface {
	Backup(path string) (string, error)
	Persist(path string, doc config.Document) error
}

type Options struct {
	Identity Identity
	Server   Server
	Store    Store
	Config   *config.Handle
	Guard    *fsguard.Guard
	Audit    *audit.Logger
	Health   *health.Monitor
}

type Result struct {
	Outcome    Outcome
	MAC        string
	BackupPath string
}

type Syncer struct {
	opts Options
}

func New(opts Options) *Syncer {
	if opts.Store == nil {
		opts.Store = config.NewStore()
	}
	if opts.Guard == nil {
		opts.Guard = fsguard.New()
	}
	if opts.Health == nil {
		opts.Health = health.NewMonitor()
	}
	return &Syncer{opts: opts}
}

// Run performs one sync. A host without a usable identity or without a
// config on the server is not an error; both are logged and skipped.
func (s *Syncer) Run(ctx context.Context) (Result, error) {
	mac, err := s.opts.Identity.Resolve(ctx)
	if err != nil {
		log.Warn("skipping config sync, no hardware identity", logging.KeyError, err)
		s.opts.Health.Update(health.ComponentConfigSync, health.Degraded, err.Error())
		return Result{Outcome: OutcomeNoIdentity}, nil
	}

	data, err := s.opts.Server.ConfigByMAC(ctx, mac)
	if errors.Is(err, api.ErrConfigNotFound) {
		log.Info("no config for this host on the server", "mac", mac)
		s.opts.Health.Update(health.ComponentConfigSync, health.Healthy, "")
		return Result{Outcome: OutcomeNotFound, MAC: mac}, nil
	}
	if err != nil {
		return s.failed(Result{MAC: mac}, err)
	}

	doc, err := config.DecodeDocument(data, ".json")
	if err != nil {
		return s.failed(Result{MAC: mac}, fmt.Errorf("%w: %w", ErrRejected, err))
	}
	cfg, err := config.FromDocument(doc)
	if err != nil {
		return s.failed(Result{MAC: mac}, fmt.Errorf("%w: %w", ErrRejected, err))
	}
	if res := cfg.ValidateTiered(); res.HasFatals() {
		return s.failed(Result{MAC: mac}, fmt.Errorf("%w: %w", ErrRejected, errors.Join(res.Fatals...)))
	}

	path := s.opts.Config.Path()
	res := Result{Outcome: OutcomeApplied, MAC: mac}
	// The comparison shares the guard with the write so a concurrent
	// writer cannot change the file between the two.
	err = s.opts.Guard.Do(ctx, "config sync", func() error {
		if current, err := config.ReadDocument(path); err == nil && reflect.DeepEqual(current, doc) {
			res.Outcome = OutcomeUnchanged
			return nil
		}
		backup, err := s.opts.Store.Backup(path)
		if err != nil {
			return err
		}
		res.BackupPath = backup
		return s.opts.Store.Persist(path, doc)
	})
	if err != nil {
		return s.failed(Result{MAC: mac, BackupPath: res.BackupPath}, err)
	}
	if res.Outcome == OutcomeUnchanged {
		log.Info("local config already matches server", "mac", mac)
		s.opts.Health.Update(health.ComponentConfigSync, health.Healthy, "")
		return res, nil
	}

	if _, err := s.opts.Config.Reload(); err != nil {
		log.Warn("server config written but reload failed", logging.KeyPath, path, logging.KeyError, err)
	}

	s.opts.Audit.Record(audit.EventConfigChange, map[string]any{
		"source": "server_sync",
		"mac":    mac,
		"backup": res.BackupPath,
	})
	s.opts.Health.Update(health.ComponentConfigSync, health.Healthy, "")
	log.Info("config replaced from server", "mac", mac, logging.KeyPath, path)
	return res, nil
}

func (s *Syncer) failed(res Result, err error) (Result, error) {
	log.Error("config sync failed", logging.KeyError, err)
	s.opts.Health.Update(health.ComponentConfigSync, health.Degraded, err.Error())
	return res, err
}
