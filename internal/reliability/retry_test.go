package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyDelay(t *testing.T) {
	t.Run("grows exponentially and caps at max interval", func(t *testing.T) {
		p := Policy{InitialInterval: 100 * time.Millisecond, MaxInterval: 10 * time.Second, Multiplier: 2.0}

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 100 * time.Millisecond},
			{1, 200 * time.Millisecond},
			{2, 400 * time.Millisecond},
			{3, 800 * time.Millisecond},
			{10, 10 * time.Second},
		}

		for _, tt := range tests {
			assert.Equal(t, tt.expected, p.Delay(tt.attempt), "attempt %d", tt.attempt)
		}
	})

	t.Run("zero initial interval yields zero delay", func(t *testing.T) {
		p := Policy{Multiplier: 2.0}
		assert.Equal(t, time.Duration(0), p.Delay(3))
	})

	t.Run("multiplier below one is treated as constant delay", func(t *testing.T) {
		p := Policy{InitialInterval: time.Second, Multiplier: 0.5}
		assert.Equal(t, time.Second, p.Delay(4))
	})
}

func TestRetry(t *testing.T) {
	fast := Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2}

	t.Run("returns nil on first success", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), "op", fast, func(int) error {
			calls++
			return nil
		}, nil)

		assert.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries until success", func(t *testing.T) {
		var attempts []int
		err := Retry(context.Background(), "op", fast, func(attempt int) error {
			attempts = append(attempts, attempt)
			if attempt < 2 {
				return errors.New("transient")
			}
			return nil
		}, nil)

		assert.NoError(t, err)
		assert.Equal(t, []int{0, 1, 2}, attempts)
	})

	t.Run("stops after max attempts with a RetryError", func(t *testing.T) {
		boom := errors.New("boom")
		calls := 0
		var notified []int

		err := Retry(context.Background(), "publish", fast, func(int) error {
			calls++
			return boom
		}, func(attempt int, err error, next time.Duration) {
			notified = append(notified, attempt)
		})

		require.Error(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, []int{1, 2}, notified)

		var retryErr *RetryError
		require.True(t, errors.As(err, &retryErr))
		assert.Equal(t, "publish", retryErr.Op)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		fatal := errors.New("bad payload")
		calls := 0

		err := Retry(context.Background(), "op", fast, func(int) error {
			calls++
			return Permanent(fatal)
		}, nil)

		assert.Equal(t, fatal, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("ErrNonRetryable is treated as permanent", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), "op", fast, func(int) error {
			calls++
			return ErrNonRetryable
		}, nil)

		assert.ErrorIs(t, err, ErrNonRetryable)
		assert.Equal(t, 1, calls)
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		slow := Policy{MaxAttempts: 10, InitialInterval: time.Hour, MaxInterval: time.Hour, Multiplier: 1}

		calls := 0
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		err := Retry(ctx, "op", slow, func(int) error {
			calls++
			return errors.New("fail")
		}, nil)

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}
