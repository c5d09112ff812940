package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Handler processes one decoded message. Returning an error triggers the
// consumer's retry policy.
type Handler func(ctx context.Context, body map[string]any) error

// ErrorHandler is told about every handler failure before the message is
// retried or dead-lettered.
type ErrorHandler func(ctx context.Context, body map[string]any, err error)

// BatchHandler processes a flushed batch in arrival order.
type BatchHandler func(ctx context.Context, batch []map[string]any) error

// BatchErrorHandler is told about a failed batch.
type BatchErrorHandler func(ctx context.Context, batch []map[string]any, err error)

// invoke runs fn, turning a panic into an error and applying timeout when set.
func invoke(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()

	return fn(ctx)
}

// notify runs an error callback; a panic inside it is logged and swallowed.
func notify(logger *slog.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("error handler panicked", "panic", r)
		}
	}()
	fn()
}
