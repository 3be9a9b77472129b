// Package retry runs endpoint operations under an explicit retry policy.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/TFMV/resync/pkg/core"
	"go.uber.org/zap"
)

// Policy retries retryable failures with exponential backoff and jitter. The delay before
// attempt n+1 is BaseDelay * 2^(n-1) scaled by a random factor in [1-Jitter, 1+Jitter].
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	Retryable   func(error) bool
	Logger      *zap.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	random func() float64
}

// Default returns the policy used when none is configured: 3 attempts, 5s base, ±50% jitter,
// transient errors only.
func Default() *Policy {
	return &Policy{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Second,
		Jitter:      0.5,
		Retryable:   core.IsTransient,
	}
}

// Delay returns the wait before the attempt following the given (1-based) failed attempt.
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.Jitter > 0 {
		r := rand.Float64
		if p.random != nil {
			r = p.random
		}
		d *= 1 - p.Jitter + 2*p.Jitter*r()
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// Do calls fn until it succeeds, fails with a non-retryable error, or MaxAttempts is reached.
// The last error is returned unchanged. A nil policy calls fn once.
func (p *Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if p == nil {
		return fn(ctx)
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = core.IsTransient
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) || attempt == attempts {
			return lastErr
		}

		delay := p.Delay(attempt)
		logger.Warn("Operation failed, retrying",
			zap.String("op", op),
			zap.Error(lastErr),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))

		if err := p.wait(ctx, delay); err != nil {
			return lastErr
		}
	}
	return lastErr
}

func (p *Policy) wait(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
