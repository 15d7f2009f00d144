package runner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestLifecycleRunsHooksAndDrains(t *testing.T) {
	var started, stopped, drained atomic.Bool
	r := NewLifecycleRunner(DrainFunc(func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Errorf("expected drain deadline")
		}
		drained.Store(true)
		return nil
	}), Hooks{
		OnStart: func() { started.Store(true) },
		OnStop:  func() { stopped.Store(true) },
	}, time.Second).WithBanner(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for r.State() != StateRunning && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !started.Load() {
		t.Fatalf("expected OnStart")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if !drained.Load() || !stopped.Load() {
		t.Fatalf("expected drain and OnStop")
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("expected a second Run to fail")
	}
}

func TestLifecycleDrainTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	r := NewLifecycleRunner(DrainFunc(func(context.Context) error {
		<-block
		return nil
	}), Hooks{}, 20*time.Millisecond).WithBanner(nil)

	if err := r.Stop(); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected drain timeout, got %v", err)
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
}

func TestLifecycleDrainErrorPropagates(t *testing.T) {
	r := NewLifecycleRunner(DrainFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return fmt.Errorf("drain: 1 calls still active: %w", ctx.Err())
	}), Hooks{}, 20*time.Millisecond).WithBanner(nil)
	if err := r.Stop(); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected drain timeout, got %v", err)
	}

	boom := errors.New("boom")
	r = NewLifecycleRunner(DrainFunc(func(context.Context) error { return boom }), Hooks{}, time.Second).WithBanner(nil)
	if err := r.Stop(); !errors.Is(err, boom) {
		t.Fatalf("expected drain error, got %v", err)
	}
	if err := r.Stop(); !errors.Is(err, boom) {
		t.Fatalf("expected repeated Stop to return the first result, got %v", err)
	}
}
