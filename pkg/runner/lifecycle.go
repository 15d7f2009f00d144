package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDrainTimeout is returned when draining outlives the runner timeout.
var ErrDrainTimeout = errors.New("drain timeout")

// LifecycleRunner moves a service through new, starting, running, draining
// and stopped. Stop is idempotent; the first caller's drain result is kept.
type LifecycleRunner struct {
	state    atomic.Int32
	mu       sync.Mutex
	cancel   context.CancelFunc
	onceStop sync.Once
	hooks    Hooks
	drainer  Drainer
	stopErr  error
	timeout  time.Duration
	banner   io.Writer
	logger   *slog.Logger
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LifecycleRunner{
		hooks:   hooks,
		drainer: drainer,
		timeout: timeout,
		banner:  os.Stdout,
		logger:  slog.Default().With("component", "runner"),
	}
}

// WithBanner redirects the startup banner; nil disables it.
func (r *LifecycleRunner) WithBanner(w io.Writer) *LifecycleRunner {
	r.banner = w
	return r
}

// WithLogger sets the logger used for state transitions.
func (r *LifecycleRunner) WithLogger(l *slog.Logger) *LifecycleRunner {
	if l != nil {
		r.logger = l.With("component", "runner")
	}
	return r
}

// Run blocks until ctx is cancelled or Stop is called, then drains.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.casState(StateNew, StateStarting) {
		return fmt.Errorf("runner: cannot run from state %s", r.State())
	}
	if ctx == nil {
		ctx = context.Background()
	}
	PrintBanner(r.banner)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	r.setState(StateRunning)
	<-runCtx.Done()
	return r.stop()
}

// Stop cancels a running runner and drains. Calling Stop before Run drains
// without starting.
func (r *LifecycleRunner) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return State(r.state.Load())
}

func (r *LifecycleRunner) stop() error {
	r.onceStop.Do(func() {
		r.setState(StateDraining)
		if r.drainer != nil {
			r.stopErr = r.drain()
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.setState(StateStopped)
	})
	return r.stopErr
}

func (r *LifecycleRunner) drain() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.drainer.Drain(ctx) }()
	select {
	case err := <-done:
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrDrainTimeout, err)
		}
		return err
	case <-ctx.Done():
		return ErrDrainTimeout
	}
}

func (r *LifecycleRunner) casState(from, to State) bool {
	if !r.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	r.logger.Debug("lifecycle_state", "from", from.String(), "to", to.String())
	return true
}

func (r *LifecycleRunner) setState(s State) {
	from := State(r.state.Swap(int32(s)))
	r.logger.Debug("lifecycle_state", "from", from.String(), "to", s.String())
}
