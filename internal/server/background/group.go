package background

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"trafficgw/internal/server/metrics"
)

// Group runs detached tasks that outlive the request which scheduled them.
// Callers never observe a task's outcome; Wait only lets the process
// finish pending work before it exits.
type Group struct {
	wg      sync.WaitGroup
	timeout time.Duration
	log     *slog.Logger
}

func NewGroup(timeout time.Duration, log *slog.Logger) *Group {
	if log == nil {
		log = slog.Default()
	}
	return &Group{timeout: timeout, log: log}
}

// Go schedules fn. The task context keeps the values of ctx but not its
// cancellation, and is bounded by the group timeout when one is set.
func (g *Group) Go(ctx context.Context, name string, fn func(ctx context.Context)) {
	taskCtx := context.WithoutCancel(ctx)
	cancel := context.CancelFunc(func() {})
	if g.timeout > 0 {
		taskCtx, cancel = context.WithTimeout(taskCtx, g.timeout)
	}

	g.wg.Add(1)
	metrics.BackgroundInflight.Inc()
	go func() {
		defer g.wg.Done()
		defer metrics.BackgroundInflight.Dec()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				g.log.Error("background_task_panic", "task", name, "panic", fmt.Sprint(r))
			}
		}()
		fn(taskCtx)
	}()
}

// Wait blocks until every scheduled task returned or ctx is done.
func (g *Group) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
