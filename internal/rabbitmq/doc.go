// Package rabbitmq provides the broker plumbing underneath the alert messaging layer.
//
// This package includes:
//   - ConnectionManager: one connection and one channel per instance, with
//     dial retries and supervised reconnection
//   - Channel and Connection: the slices of amqp091-go the messaging layer
//     drives, so tests can substitute an in-memory broker
//   - DeadLetterConfig: the work queue, dead-letter exchange, dead-letter
//     queue and retry-delay queues a consumer relies on
//
// Reconnection is purely network-level. Message redelivery policy lives in
// the messaging package.
package rabbitmq
