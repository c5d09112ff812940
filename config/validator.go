package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	if c.Broker.URL == "" {
		add("broker.url", "is required")
	} else if u, err := url.Parse(c.Broker.URL); err != nil || (u.Scheme != "amqp" && u.Scheme != "amqps") {
		add("broker.url", "must be an amqp:// or amqps:// URL")
	}
	if c.Broker.ReconnectDelay <= 0 {
		add("broker.reconnect_delay", "must be positive")
	}
	if c.Broker.MaxReconnectAttempts < -1 {
		add("broker.max_reconnect_attempts", "must be -1 (unlimited) or greater")
	}
	if c.Broker.ConnectAttempts < 1 {
		add("broker.connect_attempts", "must be at least 1")
	}

	if c.Publisher.ConfirmTimeout <= 0 {
		add("publisher.confirm_timeout", "must be positive")
	}
	if cb := c.Publisher.CircuitBreaker; cb.Enabled {
		if cb.FailureRatio <= 0 || cb.FailureRatio > 1 {
			add("publisher.circuit_breaker.failure_ratio", "must be within (0, 1]")
		}
		if cb.OpenTimeout <= 0 {
			add("publisher.circuit_breaker.open_timeout", "must be positive")
		}
	}

	cons := c.Consumer
	if cons.Queue == "" {
		add("consumer.queue", "is required")
	}
	if cons.PrefetchCount < 1 {
		add("consumer.prefetch_count", "must be at least 1")
	}
	if cons.Workers < 1 {
		add("consumer.workers", "must be at least 1")
	}
	if cons.HandlerTimeout < 0 {
		add("consumer.handler_timeout", "must not be negative")
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		add("consumer.retry", err.Error())
	}
	if cons.QueueTTL <= 0 || cons.DLQTTL <= 0 {
		add("consumer.queue_ttl", "queue and DLQ TTLs must be positive")
	}
	if cons.QueueMaxLength < 1 || cons.DLQMaxLength < 1 {
		add("consumer.queue_max_length", "queue and DLQ max lengths must be at least 1")
	}
	if cons.MaxPriority < 0 || cons.MaxPriority > 255 {
		add("consumer.max_priority", "must be within 0..255")
	}
	if cons.ReplayRate < 0 {
		add("consumer.replay_rate", "must not be negative")
	}

	if c.Batch.Size < 1 {
		add("batch.size", "must be at least 1")
	}
	if c.Batch.Timeout <= 0 {
		add("batch.timeout", "must be positive")
	}
	if _, err := c.AckMode(); err != nil {
		add("batch.ack_mode", err.Error())
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		add("logging.level", err.Error())
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format", "must be json or text")
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		add("metrics.address", "is required when metrics are enabled")
	}

	return errors.Join(errs...)
}
