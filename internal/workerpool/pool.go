package workerpool

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/playdeck/agent/internal/logging"
)

var log = logging.L("workerpool")

// Task is one inbound request handler invocation.
type Task func(ctx context.Context)

// Pool runs tasks with at most maxWorkers in flight and at most maxPending
// waiting. Tasks receive a context that is cancelled when Shutdown gives up
// waiting for them.
type Pool struct {
	sem        *semaphore.Weighted
	maxPending int64
	pending    atomic.Int64
	accepting  atomic.Bool
	wg         sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func New(maxWorkers, maxPending int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if maxPending < 1 {
		maxPending = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		sem:        semaphore.NewWeighted(int64(maxWorkers)),
		maxPending: int64(maxPending),
		ctx:        ctx,
		cancel:     cancel,
	}
	p.accepting.Store(true)

	log.Debug("worker pool started", "workers", maxWorkers, "maxPending", maxPending)
	return p
}

// Submit schedules task. It returns false when the pool is shutting down
// or the backlog is full; the task is then dropped.
func (p *Pool) Submit(name string, task Task) bool {
	if !p.accepting.Load() {
		return false
	}
	if p.pending.Add(1) > p.maxPending {
		p.pending.Add(-1)
		log.Warn("worker pool backlog full, task rejected", "task", name)
		return false
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.pending.Add(-1)

		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			log.Debug("task abandoned before start", "task", name)
			return
		}
		defer p.sem.Release(1)
		p.run(name, task)
	}()
	return true
}

// Pending is the number of tasks queued or running.
func (p *Pool) Pending() int {
	return int(p.pending.Load())
}

// Shutdown stops accepting tasks and waits for submitted ones. When ctx
// ends first, running tasks see their context cancelled and queued tasks
// are abandoned.
func (p *Pool) Shutdown(ctx context.Context) {
	p.accepting.Store(false)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug("worker pool drained")
	case <-ctx.Done():
		log.Warn("worker pool drain timed out", "pending", p.Pending())
	}
	p.cancel()
}

func (p *Pool) run(name string, task Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "task", name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task(p.ctx)
}
