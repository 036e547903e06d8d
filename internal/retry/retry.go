// internal/retry/retry.go
package retry

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is an exponential backoff retry policy. Only errors for which Retryable
// returns true are re-run; everything else is returned immediately.
type Policy struct {
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Retryable   func(error) bool
	Logger      *slog.Logger
}

// Delay returns the wait before attempt n+1 after n failed attempts (n >= 1).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.MinDelay) * math.Pow(p.multiplier(), float64(n-1))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Do runs op until it succeeds, returns a non-retryable error, the attempt cap is
// reached or ctx is done. The last error is returned unwrapped.
func (p Policy) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	attempt := 0
	operation := func() error {
		attempt++
		p.logger().Info("Executing operation", "operation", name, "attempt", attempt, "max_attempts", p.MaxAttempts)
		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				p.logger().Info("Operation succeeded after retries", "operation", name, "attempts", attempt)
			}
			return nil
		}
		if p.Retryable == nil || !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		if attempt >= p.MaxAttempts {
			p.logger().Error("Operation failed after max attempts", "operation", name, "attempts", attempt, "error", err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		p.logger().Warn("Operation failed, retrying", "operation", name, "attempt", attempt, "wait", wait.String(), "error", err)
	}

	return backoff.RetryNotify(operation, p.backOff(ctx), notify)
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.MinDelay,
		RandomizationFactor: 0,
		Multiplier:          p.multiplier(),
		MaxInterval:         p.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

func (p Policy) multiplier() float64 {
	if p.Multiplier < 1 {
		return 1
	}
	return p.Multiplier
}

func (p Policy) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}
