package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.NoError(t, p.Validate())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, p.Delays())

	assert.False(t, p.Exhausted(0))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{
		MaxRetryAttempts:  6,
		RetryDelay:        500 * time.Millisecond,
		BackoffMultiplier: 3,
		MaxRetryDelay:     10 * time.Second,
	}

	assert.Equal(t, 500*time.Millisecond, p.Delay(0))
	assert.Equal(t, 1500*time.Millisecond, p.Delay(1))
	assert.Equal(t, 4500*time.Millisecond, p.Delay(2))
	assert.Equal(t, 10*time.Second, p.Delay(3))
	assert.Equal(t, 10*time.Second, p.Delay(5))

	// capped delays share one delay queue
	assert.Equal(t, []time.Duration{
		500 * time.Millisecond,
		1500 * time.Millisecond,
		4500 * time.Millisecond,
		10 * time.Second,
	}, p.Delays())
}

func TestRetryPolicyDelayIsWholeMilliseconds(t *testing.T) {
	p := RetryPolicy{MaxRetryAttempts: 2, RetryDelay: 1500 * time.Microsecond, BackoffMultiplier: 1.5}
	assert.Equal(t, time.Millisecond, p.Delay(0))
	assert.Equal(t, 2*time.Millisecond, p.Delay(1))
}

func TestRetryPolicyWithoutRetries(t *testing.T) {
	p := RetryPolicy{MaxRetryAttempts: 0, RetryDelay: time.Second, BackoffMultiplier: 2}
	assert.NoError(t, p.Validate())
	assert.Empty(t, p.Delays())
	assert.True(t, p.Exhausted(0))
}

func TestRetryPolicyValidate(t *testing.T) {
	tests := []struct {
		name   string
		policy RetryPolicy
	}{
		{"negative attempts", RetryPolicy{MaxRetryAttempts: -1, BackoffMultiplier: 2}},
		{"negative delay", RetryPolicy{MaxRetryAttempts: 1, RetryDelay: -time.Second, BackoffMultiplier: 2}},
		{"shrinking backoff", RetryPolicy{MaxRetryAttempts: 1, RetryDelay: time.Second, BackoffMultiplier: 0.5}},
		{"cap below first delay", RetryPolicy{MaxRetryAttempts: 1, RetryDelay: time.Minute, BackoffMultiplier: 2, MaxRetryDelay: time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.policy.Validate(), ErrInvalidRetryPolicy)
		})
	}
}
