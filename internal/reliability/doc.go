// Package reliability provides the retry and failure-isolation building blocks
// shared by the broker connection and the messaging layer.
//
// It covers:
//   - Retry policies: exponential schedules on top of cenkalti/backoff, used for
//     dialing, reconnecting and republishing
//   - Circuit breaker: a sony/gobreaker wrapper that stops hammering a broker
//     that keeps failing
//   - Dead-letter headers: decoding of the broker's x-death bookkeeping
//
// Example usage:
//
//	policy := reliability.Policy{MaxAttempts: 3, InitialInterval: time.Second, Multiplier: 2}
//	err := reliability.Retry(ctx, "publish", policy, func(attempt int) error {
//	    return publish(ctx)
//	}, nil)
package reliability
