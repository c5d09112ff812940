package config

import (
	"time"
)

// Config is the complete alertmq configuration.
type Config struct {
	Broker    BrokerConfig    `mapstructure:"broker"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Consumer  ConsumerConfig  `mapstructure:"consumer"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Health    HealthConfig    `mapstructure:"health"`
}

type BrokerConfig struct {
	URL                  string        `mapstructure:"url"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ConnectAttempts      int           `mapstructure:"connect_attempts"`
}

type PublisherConfig struct {
	Exchange       string               `mapstructure:"exchange"`
	Confirms       bool                 `mapstructure:"confirms"`
	ConfirmTimeout time.Duration        `mapstructure:"confirm_timeout"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MinRequests  uint32        `mapstructure:"min_requests"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	OpenTimeout  time.Duration `mapstructure:"open_timeout"`
}

type ConsumerConfig struct {
	Queue             string        `mapstructure:"queue"`
	PrefetchCount     int           `mapstructure:"prefetch_count"`
	Workers           int           `mapstructure:"workers"`
	HandlerTimeout    time.Duration `mapstructure:"handler_timeout"`
	MaxRetryAttempts  int           `mapstructure:"max_retry_attempts"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	MaxRetryDelay     time.Duration `mapstructure:"max_retry_delay"`
	QueueTTL          time.Duration `mapstructure:"queue_ttl"`
	QueueMaxLength    int           `mapstructure:"queue_max_length"`
	DLQTTL            time.Duration `mapstructure:"dlq_ttl"`
	DLQMaxLength      int           `mapstructure:"dlq_max_length"`
	MaxPriority       int           `mapstructure:"max_priority"`
	// ReplayRate limits DLQ replays in messages per second; 0 disables the limit.
	ReplayRate  float64 `mapstructure:"replay_rate"`
	ReplayBurst int     `mapstructure:"replay_burst"`
}

type BatchConfig struct {
	Size    int           `mapstructure:"size"`
	Timeout time.Duration `mapstructure:"timeout"`
	// AckMode is "on_buffer" or "after_flush".
	AckMode string `mapstructure:"ack_mode"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// File switches output from stderr to a rotated log file.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

type HealthConfig struct {
	QueueThreshold int `mapstructure:"queue_threshold"`
	DLQThreshold   int `mapstructure:"dlq_threshold"`
}
