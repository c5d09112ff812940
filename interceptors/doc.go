// Package interceptors wraps alert handlers with cross-cutting behaviour:
// logging, filtering and a circuit breaker around a downstream sink.
//
// Example usage:
//
//	handler := interceptors.NewChain(
//		interceptors.NewLoggingInterceptor(logger),
//		interceptors.NewFilteringInterceptor(
//			interceptors.NewSeverityFilter("severity", "medium"),
//			interceptors.SkipWithLog, logger),
//	).Then(forwardToSIEM)
//	err := consumer.Consume(ctx, handler, nil)
package interceptors
