// Package messaging provides reliable publishing and consumption of JSON
// alert messages over RabbitMQ.
//
// This package implements:
//   - Publisher: confirmed publishes, batches, priority alerts and publish retries
//   - TransactionalPublisher: all-or-nothing groups of publishes
//   - Consumer: at-least-once consumption with delayed retries and a dead-letter queue
//   - BatchConsumer: grouped handling with a configurable acknowledgement policy
//   - Dead-letter management: inspect, drain, purge and replay
//
// Every instance owns its connection, logger and configuration. Failures are
// returned as *Error values tagged with a Kind, so callers can tell retryable
// failures from terminal ones without inspecting messages.
//
// Example usage:
//
//	conn := rabbitmq.NewConnectionManager(url)
//	consumer := messaging.NewConsumer(conn, "alerts",
//		messaging.WithRetryPolicy(messaging.RetryPolicy{
//			MaxRetryAttempts:  3,
//			RetryDelay:        time.Second,
//			BackoffMultiplier: 2,
//		}))
//	if err := consumer.Connect(ctx); err != nil {
//		return err
//	}
//	err := consumer.Consume(ctx, func(ctx context.Context, alert map[string]any) error {
//		meta, _ := messaging.MetaOf(alert)
//		log.Printf("alert %s (retry %d)", meta.MessageID, meta.RetryCount)
//		return nil
//	}, nil)
//
// A failed message is parked in a per-delay retry queue and dead-letters back
// into the work queue when its TTL expires. Once MaxRetryAttempts is used up
// it is rejected into <queue>.dlq through the <queue>.dlx exchange.
package messaging
