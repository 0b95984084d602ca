package background

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type ctxKey struct{}

func TestGoSurvivesCallerCancel(t *testing.T) {
	g := NewGroup(time.Second, nil)
	parent, cancel := context.WithCancel(context.WithValue(context.Background(), ctxKey{}, "req-1"))

	release := make(chan struct{})
	var sawErr atomic.Value
	var sawVal atomic.Value
	g.Go(parent, "test", func(ctx context.Context) {
		<-release
		sawVal.Store(ctx.Value(ctxKey{}))
		if ctx.Err() != nil {
			sawErr.Store(ctx.Err())
		}
	})
	cancel()
	close(release)

	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if sawErr.Load() != nil {
		t.Fatalf("task context canceled with caller: %v", sawErr.Load())
	}
	if sawVal.Load() != "req-1" {
		t.Fatalf("value=%v", sawVal.Load())
	}
}

func TestGoTimeout(t *testing.T) {
	g := NewGroup(20*time.Millisecond, nil)
	var timedOut atomic.Bool
	g.Go(context.Background(), "slow", func(ctx context.Context) {
		<-ctx.Done()
		timedOut.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
	})
	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !timedOut.Load() {
		t.Fatal("task was not bounded by the group timeout")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	g := NewGroup(0, nil)
	block := make(chan struct{})
	defer close(block)
	g.Go(context.Background(), "stuck", func(ctx context.Context) { <-block })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	g := NewGroup(0, nil)
	g.Go(context.Background(), "boom", func(ctx context.Context) { panic("boom") })
	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}
