package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/hrcall/pkg/errorsx"
	"github.com/harunnryd/hrcall/pkg/llm"
	"github.com/harunnryd/hrcall/pkg/metrics"
	"github.com/harunnryd/hrcall/pkg/resilience"
)

// Adapter kinds used in metric tags.
const (
	AdapterSTT = "stt"
	AdapterLLM = "llm"
	AdapterTTS = "tts"
)

// guard bounds every call to one adapter: breaker, timeout, retries.
// Breakers are shared by all connections of a Sequencer.
type guard struct {
	adapter  string
	provider string
	reason   errorsx.ReasonCode
	timeout  time.Duration
	retry    llm.RetryConfig
	breaker  *resilience.CircuitBreaker
	obs      metrics.Observer
	logger   *slog.Logger
}

func newGuard(adapter, provider string, reason errorsx.ReasonCode, cfg Config, obs metrics.Observer, logger *slog.Logger) *guard {
	return &guard{
		adapter:  adapter,
		provider: provider,
		reason:   reason,
		timeout:  cfg.AdapterTimeout,
		retry: llm.RetryConfig{
			MaxAttempts: cfg.Retries + 1,
			BaseDelay:   cfg.RetryBackoff,
			Jitter:      0.2,
			IsRetryable: retryable,
			OnRetry: func(attempt int, err error) {
				logger.Info("adapter_retry", "adapter", adapter, "provider", provider, "attempt", attempt, "error", err.Error())
			},
		},
		breaker: resilience.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		obs:     obs,
		logger:  logger,
	}
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, resilience.ErrCircuitOpen) {
		return false
	}
	return true
}

// guarded runs fn under g. The returned error always carries a reason code.
func guarded[T any](ctx context.Context, g *guard, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if !g.breaker.Allow() {
		metrics.Emit(ctx, g.obs, metrics.EventBreakerDenied, 1, g.tags(""), nil)
		return zero, errorsx.Wrap(fmt.Errorf("%s %s: %w", g.adapter, g.provider, resilience.ErrCircuitOpen), errorsx.ReasonCircuitOpen)
	}
	start := time.Now()
	out, err := llm.Retry(ctx, g.retry, func(ctx context.Context) (T, error) {
		return attempt(ctx, g, fn)
	})
	elapsed := time.Since(start)
	if err == nil {
		g.breaker.OnSuccess()
		metrics.Emit(ctx, g.obs, metrics.EventAdapterCall, float64(elapsed.Milliseconds()), g.tags("ok"), nil)
		return out, nil
	}
	g.breaker.OnError(err)
	if resilience.IsRateLimit(err) {
		err = errorsx.Wrap(err, errorsx.ReasonRateLimit)
		metrics.Emit(ctx, g.obs, metrics.EventRateLimit, 1, g.tags(""), nil)
	}
	err = errorsx.Wrap(err, g.reason)
	reason := errorsx.Reason(err)
	metrics.Emit(ctx, g.obs, metrics.EventAdapterCall, float64(elapsed.Milliseconds()), g.tags(string(reason)), nil)
	g.logger.Warn("adapter_failed",
		"adapter", g.adapter,
		"provider", g.provider,
		"reason_code", string(reason),
		"elapsed_ms", elapsed.Milliseconds(),
		"error", err.Error(),
	)
	return zero, err
}

// attempt runs fn with a hard deadline. A provider that ignores ctx is
// abandoned when the deadline passes.
func attempt[T any](ctx context.Context, g *guard, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if g.timeout <= 0 {
		return fn(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(cctx)
		done <- result{v: v, err: err}
	}()
	select {
	case r := <-done:
		if r.err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, g.timedOut(r.err)
		}
		return r.v, r.err
	case <-cctx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, g.timedOut(cctx.Err())
	}
}

func (g *guard) timedOut(err error) error {
	return errorsx.Wrap(fmt.Errorf("%s %s timed out after %s: %w", g.adapter, g.provider, g.timeout, err), errorsx.ReasonAdapterTimeout)
}

func (g *guard) tags(outcome string) map[string]string {
	tags := map[string]string{"adapter": g.adapter, "provider": g.provider}
	if outcome != "" {
		tags["outcome"] = outcome
	}
	return tags
}
