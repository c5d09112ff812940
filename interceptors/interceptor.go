package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/alertmq/internal/reliability"
	"github.com/glimte/alertmq/messaging"
)

// Interceptor processes an alert before it reaches the final handler
type Interceptor interface {
	// Intercept processes an alert and calls the next handler in the chain
	Intercept(ctx context.Context, alert map[string]any, next messaging.Handler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, alert map[string]any, next messaging.Handler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, alert map[string]any, next messaging.Handler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, alert map[string]any, next messaging.Handler) error {
	return i.fn(ctx, alert, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain manages an ordered chain of interceptors
type Chain struct {
	interceptors []Interceptor
}

// NewChain creates a chain; the first interceptor runs outermost.
func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: interceptors}
}

// Add adds an interceptor to the chain
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Then wraps final so every alert passes through the chain first. The
// result is a plain messaging.Handler: an error from any link sends the
// delivery down the consumer's retry path.
func (c *Chain) Then(final messaging.Handler) messaging.Handler {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = func(ctx context.Context, alert map[string]any) error {
			return interceptor.Intercept(ctx, alert, next)
		}
	}
	return handler
}

// LoggingInterceptor logs alert processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, alert map[string]any, next messaging.Handler) error {
	start := time.Now()
	meta, _ := messaging.MetaOf(alert)

	i.logger.Debug("processing alert",
		"messageId", meta.MessageID,
		"correlationId", meta.CorrelationID,
		"retryCount", meta.RetryCount)

	err := next(ctx, alert)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("alert processing failed",
			"messageId", meta.MessageID,
			"retryCount", meta.RetryCount,
			"duration", duration,
			"error", err)
	} else {
		i.logger.Debug("alert processed",
			"messageId", meta.MessageID,
			"duration", duration)
	}
	return err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// CircuitBreakerInterceptor stops calling a failing downstream sink for a
// while. Rejected alerts fail and are retried through the delay queues.
type CircuitBreakerInterceptor struct {
	breaker *reliability.CircuitBreaker
}

// NewCircuitBreakerInterceptor trips once failureRatio of at least
// minRequests recent alerts failed, and probes again after openTimeout.
func NewCircuitBreakerInterceptor(name string, minRequests uint32, failureRatio float64, openTimeout time.Duration, logger *slog.Logger) *CircuitBreakerInterceptor {
	s := reliability.DefaultBreakerSettings(name)
	s.MinRequests = minRequests
	s.FailureRatio = failureRatio
	s.Timeout = openTimeout
	return &CircuitBreakerInterceptor{breaker: reliability.NewCircuitBreaker(s, logger)}
}

// Intercept implements Interceptor
func (i *CircuitBreakerInterceptor) Intercept(ctx context.Context, alert map[string]any, next messaging.Handler) error {
	return i.breaker.Execute(func() error {
		return next(ctx, alert)
	})
}

// State returns "closed", "half-open" or "open".
func (i *CircuitBreakerInterceptor) State() string {
	return i.breaker.State()
}

// Name implements Interceptor
func (i *CircuitBreakerInterceptor) Name() string {
	return "CircuitBreakerInterceptor"
}
