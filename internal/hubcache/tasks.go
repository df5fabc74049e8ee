package hubcache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// taskGroup runs detached background work. Every task has its own error
// boundary: failures and panics are logged, never propagated.
type taskGroup struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	timeout time.Duration
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func newTaskGroup(limit int, timeout time.Duration, log *slog.Logger) *taskGroup {
	ctx, cancel := context.WithCancel(context.Background())
	return &taskGroup{
		sem:     make(chan struct{}, limit),
		timeout: timeout,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Go starts fn unless the group is saturated, in which case the task is
// dropped and Go returns false. Use it for work that is safe to skip, such
// as revalidating an entry that is already cached.
func (g *taskGroup) Go(name string, fn func(ctx context.Context) error) bool {
	select {
	case g.sem <- struct{}{}:
	default:
		g.log.Debug("background task dropped", "task", name)
		return false
	}
	g.run(name, fn, func() { <-g.sem })
	return true
}

// Always starts fn regardless of saturation. Cache writes of responses the
// caller already received go through here; they must not be lost.
func (g *taskGroup) Always(name string, fn func(ctx context.Context) error) {
	g.run(name, fn, func() {})
}

func (g *taskGroup) run(name string, fn func(ctx context.Context) error, release func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer release()
		defer func() {
			if r := recover(); r != nil {
				g.log.Error("background task panicked", "task", name, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(g.ctx, g.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			g.log.Debug("background task failed", "task", name, "err", err)
		}
	}()
}

// Wait blocks until every started task has returned.
func (g *taskGroup) Wait() {
	g.wg.Wait()
}

// Stop cancels running tasks and waits for them.
func (g *taskGroup) Stop() {
	g.cancel()
	g.wg.Wait()
}
