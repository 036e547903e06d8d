// internal/retry/retry_test.go
package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func testPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts: attempts,
		MinDelay:    time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2,
		Retryable:   func(err error) bool { return errors.Is(err, errTransient) },
	}
}

func TestPolicy_Do(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds on first try", func(t *testing.T) {
		calls := 0
		err := testPolicy(3).Do(ctx, "op", func(context.Context) error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries retryable errors and succeeds", func(t *testing.T) {
		calls := 0
		err := testPolicy(3).Do(ctx, "op", func(context.Context) error {
			calls++
			if calls < 3 {
				return errTransient
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts with the last error", func(t *testing.T) {
		calls := 0
		err := testPolicy(4).Do(ctx, "op", func(context.Context) error {
			calls++
			return errTransient
		})
		require.ErrorIs(t, err, errTransient)
		assert.Equal(t, 4, calls)
	})

	t.Run("does not retry non-retryable errors", func(t *testing.T) {
		fatal := errors.New("fatal")
		calls := 0
		err := testPolicy(5).Do(ctx, "op", func(context.Context) error {
			calls++
			return fatal
		})
		assert.Equal(t, fatal, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops when the context is cancelled", func(t *testing.T) {
		p := testPolicy(10)
		p.MinDelay = time.Hour
		p.MaxDelay = time.Hour
		cctx, cancel := context.WithCancel(ctx)
		calls := 0
		err := p.Do(cctx, "op", func(context.Context) error {
			calls++
			cancel()
			return errTransient
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}

func TestPolicy_Delay(t *testing.T) {
	p := Policy{MinDelay: 4 * time.Second, MaxDelay: 60 * time.Second, Multiplier: 2}

	assert.Equal(t, 4*time.Second, p.Delay(1))
	assert.Equal(t, 8*time.Second, p.Delay(2))
	assert.Equal(t, 16*time.Second, p.Delay(3))
	assert.Equal(t, 60*time.Second, p.Delay(10))
	assert.Equal(t, 4*time.Second, p.Delay(0))
}
