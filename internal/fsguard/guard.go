// Package fsguard serialises activities that mutate the agent's files:
// update extraction, config reconciliation and server config sync.
package fsguard

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/playdeck/agent/internal/logging"
)

var log = logging.L("fsguard")

// Guard is a single token. The zero value is not usable; call New.
type Guard struct {
	sem *semaphore.Weighted
}

func New() *Guard {
	return &Guard{sem: semaphore.NewWeighted(1)}
}

// Do runs fn while holding the token. It waits for the current holder
// unless ctx ends first, in which case fn does not run.
func (g *Guard) Do(ctx context.Context, activity string, fn func() error) error {
	start := time.Now()
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire file guard for %s: %w", activity, err)
	}
	defer g.sem.Release(1)

	if waited := time.Since(start); waited > 100*time.Millisecond {
		log.Debug("file guard acquired after wait", "activity", activity, "waited", waited)
	}
	return fn()
}
