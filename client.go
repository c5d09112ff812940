// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package alertmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/alertmq/config"
	"github.com/glimte/alertmq/internal/rabbitmq"
	"github.com/glimte/alertmq/messaging"
)

// DefaultQueue is the work queue used when none is configured.
const DefaultQueue = "alerts"

// Client provides the main entry point for alertmq. It wires a publisher and
// a consumer for one work queue, each on its own broker connection.
type Client struct {
	publisher   *messaging.Publisher
	consumer    *messaging.Consumer
	queue       string
	connect     func() messaging.Connector
	consumerOps []messaging.ConsumerOption
	logger      *slog.Logger
}

// NewClient creates a new alertmq client for the default queue
func NewClient(connectionString string) (*Client, error) {
	return NewClientWithOptions(connectionString, WithDefaultLogger())
}

// NewClientWithOptions creates a new alertmq client with options
func NewClientWithOptions(connectionString string, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger: slog.Default(),
		queue:  DefaultQueue,
	}

	for _, opt := range options {
		opt(cfg)
	}

	if connectionString == "" && cfg.connect == nil {
		return nil, errors.New("connection string is required")
	}
	if cfg.queue == "" {
		return nil, errors.New("queue name is required")
	}

	connect := cfg.connect
	if connect == nil {
		connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.logger)}, cfg.connectionOptions...)
		connect = func() messaging.Connector {
			return rabbitmq.NewConnectionManager(connectionString, connOpts...)
		}
	}

	publisherOpts := append([]messaging.PublisherOption{
		messaging.WithPublisherLogger(cfg.logger),
		messaging.WithPublisherMetrics(cfg.metrics),
	}, cfg.publisherOptions...)

	consumerOpts := append([]messaging.ConsumerOption{
		messaging.WithConsumerLogger(cfg.logger),
		messaging.WithConsumerMetrics(cfg.metrics),
	}, cfg.consumerOptions...)

	return &Client{
		publisher:   messaging.NewPublisher(connect(), publisherOpts...),
		consumer:    messaging.NewConsumer(connect(), cfg.queue, consumerOpts...),
		queue:       cfg.queue,
		connect:     connect,
		consumerOps: consumerOpts,
		logger:      cfg.logger,
	}, nil
}

// NewClientFromConfig creates a client from loaded configuration.
func NewClientFromConfig(cfg *config.Config, logger *slog.Logger, metrics messaging.Metrics) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return NewClientWithOptions(cfg.Broker.URL,
		WithLogger(logger),
		WithQueue(cfg.Consumer.Queue),
		WithMetrics(metrics),
		withConnectionOptions(cfg.ConnectionOptions(logger)...),
		WithPublisherOptions(cfg.PublisherOptions(logger, metrics)...),
		WithConsumerOptions(cfg.ConsumerOptions(logger, metrics)...),
	)
}

// Connect declares the queue topology and connects the publisher. The
// consumer connects first so that publishes have a queue to land in.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.consumer.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect consumer: %w", err)
	}
	if err := c.publisher.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect publisher: %w", err)
	}
	c.logger.Info("alertmq client connected", "queue", c.queue)
	return nil
}

// Publisher returns the message publisher
func (c *Client) Publisher() *messaging.Publisher {
	return c.publisher
}

// Consumer returns the work queue consumer, which also manages the DLQ
func (c *Client) Consumer() *messaging.Consumer {
	return c.consumer
}

// Queue returns the work queue name
func (c *Client) Queue() string {
	return c.queue
}

// PublishAlert publishes body to the work queue with the priority of alertType.
func (c *Client) PublishAlert(ctx context.Context, body any, alertType string) (string, error) {
	if c.publisher == nil {
		return "", errors.New("publisher not initialized")
	}
	return c.publisher.PublishPriorityAlert(ctx, c.queue, body, alertType)
}

// NewBatchConsumer returns a batch consumer for the work queue on a new
// connection. The caller connects and closes it.
func (c *Client) NewBatchConsumer(options ...messaging.ConsumerOption) *messaging.BatchConsumer {
	opts := append(append([]messaging.ConsumerOption{}, c.consumerOps...), options...)
	return messaging.NewBatchConsumer(c.connect(), c.queue, opts...)
}

// NewConsumerGroup returns size consumers of the work queue, each on its own connection.
func (c *Client) NewConsumerGroup(size int, options ...messaging.ConsumerOption) *messaging.ConsumerGroup {
	opts := append(append([]messaging.ConsumerOption{}, c.consumerOps...), options...)
	return messaging.NewConsumerGroup(c.connect, c.queue, size, opts...)
}

// Close closes all resources
func (c *Client) Close() error {
	var errs []error
	if c.consumer != nil {
		c.consumer.StopConsuming()
		errs = append(errs, c.consumer.Close())
	}
	if c.publisher != nil {
		errs = append(errs, c.publisher.Close())
	}
	return errors.Join(errs...)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger            *slog.Logger
	queue             string
	metrics           messaging.Metrics
	connect           func() messaging.Connector
	connectionOptions []rabbitmq.ConnectionOption
	publisherOptions  []messaging.PublisherOption
	consumerOptions   []messaging.ConsumerOption
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithQueue sets the work queue
func WithQueue(queue string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.queue = queue
	}
}

// WithMetrics sets the metrics sink for every component
func WithMetrics(m messaging.Metrics) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = m
	}
}

// WithConnector replaces the broker connection factory. It is called once
// per component that needs its own connection.
func WithConnector(connect func() messaging.Connector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connect = connect
	}
}

// WithPublisherOptions appends publisher options
func WithPublisherOptions(options ...messaging.PublisherOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.publisherOptions = append(cfg.publisherOptions, options...)
	}
}

// WithConsumerOptions appends consumer options
func WithConsumerOptions(options ...messaging.ConsumerOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.consumerOptions = append(cfg.consumerOptions, options...)
	}
}

// WithRetryPolicy sets the consumer retry policy
func WithRetryPolicy(policy messaging.RetryPolicy) ClientOption {
	return WithConsumerOptions(messaging.WithRetryPolicy(policy))
}

func withConnectionOptions(options ...rabbitmq.ConnectionOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectionOptions = append(cfg.connectionOptions, options...)
	}
}
