package updater

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/playdeck/agent/internal/logging"
)

// ReconcileResult describes what reconciliation did.
type ReconcileResult struct {
	Skipped    bool
	BackupPath string
	Added      []string
}

// Reconcile folds keys introduced by the template at newConfigPath into the
// live config at currentConfigPath. The steps run strictly in order and
// each only after the previous succeeded: back up the live file, merge,
// persist. A missing template means the update changed no config schema.
func (c *Controller) Reconcile(newConfigPath, currentConfigPath string) (ReconcileResult, error) {
	if _, err := os.Stat(newConfigPath); errors.Is(err, fs.ErrNotExist) {
		log.Info("update ships no config template, skipping reconciliation", logging.KeyPath, newConfigPath)
		return ReconcileResult{Skipped: true}, nil
	}

	backup, err := c.opts.Store.Backup(currentConfigPath)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("%w: %w", ErrReconcileFailed, err)
	}

	merged, err := c.opts.Store.Merge(currentConfigPath, newConfigPath)
	if err != nil {
		return ReconcileResult{BackupPath: backup}, fmt.Errorf("%w: %w", ErrReconcileFailed, err)
	}

	if err := c.opts.Store.Persist(currentConfigPath, merged.Document); err != nil {
		log.Error("config persist failed, backup is intact", "backup", backup, logging.KeyError, err)
		return ReconcileResult{BackupPath: backup}, fmt.Errorf("%w: %w", ErrReconcileFailed, err)
	}

	if len(merged.Added) > 0 {
		log.Info("config reconciled", "added", strings.Join(merged.Added, ","), logging.KeyPath, currentConfigPath)
	} else {
		log.Info("config reconciled, no new keys", logging.KeyPath, currentConfigPath)
	}

	if strings.HasSuffix(newConfigPath, IncomingSuffix) {
		os.Remove(newConfigPath)
	}
	return ReconcileResult{BackupPath: backup, Added: merged.Added}, nil
}
