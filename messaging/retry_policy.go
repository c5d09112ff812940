package messaging

import (
	"fmt"
	"time"

	"github.com/glimte/alertmq/internal/reliability"
)

// RetryPolicy bounds how often a consumer retries a failing message and how
// long it waits between attempts.
type RetryPolicy struct {
	// MaxRetryAttempts is the number of retries before dead-lettering.
	MaxRetryAttempts int
	// RetryDelay is the wait before the first retry.
	RetryDelay time.Duration
	// BackoffMultiplier grows the delay for each following retry.
	BackoffMultiplier float64
	// MaxRetryDelay caps the delay.
	MaxRetryDelay time.Duration
}

// DefaultRetryPolicy retries three times, waiting 1s, 2s and 4s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetryAttempts:  3,
		RetryDelay:        time.Second,
		BackoffMultiplier: 2.0,
		MaxRetryDelay:     5 * time.Minute,
	}
}

// Validate rejects policies the broker topology cannot express.
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxRetryAttempts < 0:
		return fmt.Errorf("%w: max retry attempts must not be negative", ErrInvalidRetryPolicy)
	case p.RetryDelay < 0:
		return fmt.Errorf("%w: retry delay must not be negative", ErrInvalidRetryPolicy)
	case p.BackoffMultiplier < 1:
		return fmt.Errorf("%w: backoff multiplier must be at least 1", ErrInvalidRetryPolicy)
	case p.MaxRetryDelay > 0 && p.MaxRetryDelay < p.RetryDelay:
		return fmt.Errorf("%w: max retry delay is below the retry delay", ErrInvalidRetryPolicy)
	}
	return nil
}

func (p RetryPolicy) schedule() reliability.Policy {
	return reliability.Policy{
		MaxAttempts:     p.MaxRetryAttempts,
		InitialInterval: p.RetryDelay,
		MaxInterval:     p.MaxRetryDelay,
		Multiplier:      p.BackoffMultiplier,
	}
}

// Delay is the wait before the retry that follows retryCount earlier
// retries, truncated to whole milliseconds.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	return p.schedule().Delay(retryCount).Truncate(time.Millisecond)
}

// Delays lists the distinct delays the policy can produce.
func (p RetryPolicy) Delays() []time.Duration {
	var delays []time.Duration
	seen := make(map[time.Duration]bool)
	for n := 0; n < p.MaxRetryAttempts; n++ {
		d := p.Delay(n)
		if !seen[d] {
			seen[d] = true
			delays = append(delays, d)
		}
	}
	return delays
}

// Exhausted reports whether a message that has been retried retryCount
// times must be dead-lettered on its next failure.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetryAttempts
}
