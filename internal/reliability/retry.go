package reliability

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes an exponential retry schedule.
type Policy struct {
	// MaxAttempts bounds the total number of calls; zero or less means unlimited.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter is the randomization factor applied to each delay (0 disables it).
	Jitter float64
}

// DefaultPolicy returns three attempts starting at one second and doubling.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     5 * time.Minute,
		Multiplier:      2.0,
	}
}

func (p Policy) normalized() Policy {
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.InitialInterval < 0 {
		p.InitialInterval = 0
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 5 * time.Minute
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	return p
}

// Delay returns the deterministic wait that follows the given zero-based attempt,
// InitialInterval * Multiplier^attempt capped at MaxInterval.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.MaxInterval) || math.IsInf(d, 0) {
		return p.MaxInterval
	}
	return time.Duration(d)
}

// BackOff builds a backoff.BackOff following the policy. It never stops on
// elapsed time; callers bound it with MaxAttempts or a context.
func (p Policy) BackOff() backoff.BackOff {
	p = p.normalized()
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = p.Multiplier
	exp.RandomizationFactor = p.Jitter
	exp.MaxElapsedTime = 0
	exp.Reset()

	var b backoff.BackOff = exp
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	return b
}

// Permanent marks err as not worth retrying. Retry returns the wrapped error unchanged.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retry calls fn until it succeeds, returns a Permanent error, the policy runs
// out of attempts or ctx is done. onRetry, when set, runs before each wait.
// Exhaustion is reported as a *RetryError wrapping the last failure.
func Retry(ctx context.Context, op string, p Policy, fn func(attempt int) error, onRetry func(attempt int, err error, next time.Duration)) error {
	start := time.Now()
	attempt := 0
	permanent := false

	operation := func() error {
		err := fn(attempt)
		attempt++
		if err == nil {
			return nil
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			permanent = true
			return err
		}
		if errors.Is(err, ErrNonRetryable) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		if onRetry != nil {
			onRetry(attempt, err, next)
		}
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(p.BackOff(), ctx), notify)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || permanent {
		return err
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return &RetryError{
			Op:          op,
			Attempts:    attempt,
			MaxAttempts: p.MaxAttempts,
			LastError:   err,
			Duration:    time.Since(start),
		}
	}
	return err
}
