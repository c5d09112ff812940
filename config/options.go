package config

import (
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"

	"github.com/glimte/alertmq/internal/rabbitmq"
	"github.com/glimte/alertmq/messaging"
)

// ConnectionOptions translates the broker section.
func (c *Config) ConnectionOptions(logger *slog.Logger) []rabbitmq.ConnectionOption {
	return []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(logger),
		rabbitmq.WithReconnectDelay(c.Broker.ReconnectDelay),
		rabbitmq.WithMaxRetries(c.Broker.MaxReconnectAttempts),
		rabbitmq.WithConnectAttempts(c.Broker.ConnectAttempts),
	}
}

// NewConnection returns an unconnected manager for the configured broker.
func (c *Config) NewConnection(logger *slog.Logger) *rabbitmq.ConnectionManager {
	return rabbitmq.NewConnectionManager(c.Broker.URL, c.ConnectionOptions(logger)...)
}

// PublisherOptions translates the publisher section.
func (c *Config) PublisherOptions(logger *slog.Logger, m messaging.Metrics) []messaging.PublisherOption {
	opts := []messaging.PublisherOption{
		messaging.WithPublisherLogger(logger),
		messaging.WithExchange(c.Publisher.Exchange),
		messaging.WithConfirms(c.Publisher.Confirms),
		messaging.WithPublisherMetrics(m),
	}
	if cb := c.Publisher.CircuitBreaker; cb.Enabled {
		opts = append(opts, messaging.WithCircuitBreaker(cb.MinRequests, cb.FailureRatio, cb.OpenTimeout))
	}
	return opts
}

// RetryPolicy returns the consumer retry policy.
func (c *Config) RetryPolicy() messaging.RetryPolicy {
	return messaging.RetryPolicy{
		MaxRetryAttempts:  c.Consumer.MaxRetryAttempts,
		RetryDelay:        c.Consumer.RetryDelay,
		BackoffMultiplier: c.Consumer.BackoffMultiplier,
		MaxRetryDelay:     c.Consumer.MaxRetryDelay,
	}
}

// AckMode parses batch.ack_mode.
func (c *Config) AckMode() (messaging.AckMode, error) {
	switch strings.ToLower(c.Batch.AckMode) {
	case "", messaging.AckOnBuffer.String():
		return messaging.AckOnBuffer, nil
	case messaging.AckAfterFlush.String():
		return messaging.AckAfterFlush, nil
	}
	return 0, fmt.Errorf("unknown ack mode %q", c.Batch.AckMode)
}

// ConsumerOptions translates the consumer and batch sections. Batch options
// are ignored by a plain Consumer.
func (c *Config) ConsumerOptions(logger *slog.Logger, m messaging.Metrics) []messaging.ConsumerOption {
	cons := c.Consumer
	opts := []messaging.ConsumerOption{
		messaging.WithConsumerLogger(logger),
		messaging.WithConsumerMetrics(m),
		messaging.WithRetryPolicy(c.RetryPolicy()),
		messaging.WithPrefetchCount(cons.PrefetchCount),
		messaging.WithQueueLimits(cons.QueueTTL, cons.QueueMaxLength),
		messaging.WithDLQLimits(cons.DLQTTL, cons.DLQMaxLength),
		messaging.WithMaxPriority(cons.MaxPriority),
		messaging.WithHandlerTimeout(cons.HandlerTimeout),
		messaging.WithBatchSize(c.Batch.Size),
		messaging.WithBatchTimeout(c.Batch.Timeout),
	}
	if mode, err := c.AckMode(); err == nil {
		opts = append(opts, messaging.WithBatchAckMode(mode))
	}
	if cons.ReplayRate > 0 {
		opts = append(opts, messaging.WithReplayRate(rate.Limit(cons.ReplayRate), cons.ReplayBurst))
	}
	return opts
}
