package messaging

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/glimte/alertmq/internal/reliability"
)

const defaultConfirmWait = 5 * time.Second

// Publisher sends JSON messages to the broker on its own connection.
// It is safe for concurrent use.
type Publisher struct {
	conn            Connector
	exchange        string
	confirms        bool
	codec           Codec
	breaker         *reliability.CircuitBreaker
	breakerSettings *reliability.BreakerSettings
	metrics         Metrics
	logger          *slog.Logger
	tx              *txState

	mu      sync.Mutex
	ch      Channel
	tracker *confirmTracker
	closed  bool
}

// PublisherOption configures a Publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithExchange publishes to the named exchange instead of the default one
func WithExchange(exchange string) PublisherOption {
	return func(p *Publisher) {
		p.exchange = exchange
	}
}

// WithConfirms toggles publisher confirm tracking (on by default)
func WithConfirms(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.confirms = enabled
	}
}

// WithCircuitBreaker stops publishing for openTimeout once failureRatio of at
// least minRequests recent publishes failed.
func WithCircuitBreaker(minRequests uint32, failureRatio float64, openTimeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		s := reliability.DefaultBreakerSettings("publisher")
		s.MinRequests = minRequests
		s.FailureRatio = failureRatio
		s.Timeout = openTimeout
		s.IsSuccessful = func(err error) bool {
			return err == nil || !IsRetryable(err)
		}
		p.breakerSettings = &s
	}
}

// WithPublisherMetrics sets the metrics sink
func WithPublisherMetrics(m Metrics) PublisherOption {
	return func(p *Publisher) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithPublisherCodec replaces the JSON codec
func WithPublisherCodec(c Codec) PublisherOption {
	return func(p *Publisher) {
		if c != nil {
			p.codec = c
		}
	}
}

// NewPublisher creates a publisher over conn. Call Connect before publishing.
func NewPublisher(conn Connector, options ...PublisherOption) *Publisher {
	p := &Publisher{
		conn:     conn,
		confirms: true,
		codec:    JSONCodec(),
		metrics:  NopMetrics{},
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}
	if p.breakerSettings != nil {
		p.breaker = reliability.NewCircuitBreaker(*p.breakerSettings, p.logger)
	}

	return p
}

// PublishOptions are the per-message publish settings
type PublishOptions struct {
	Priority      int
	Persistent    bool
	CorrelationID string
	ReplyTo       string
	MessageID     string
	Expiration    time.Duration
	Headers       map[string]any
}

// PublishOption configures a single publish
type PublishOption func(*PublishOptions)

func defaultPublishOptions() PublishOptions {
	return PublishOptions{
		Priority:   DefaultPriority,
		Persistent: true,
	}
}

// WithPriority sets the priority, clamped to 0..10
func WithPriority(priority int) PublishOption {
	return func(o *PublishOptions) {
		o.Priority = priority
	}
}

// WithPersistent chooses between persistent and transient delivery
func WithPersistent(persistent bool) PublishOption {
	return func(o *PublishOptions) {
		o.Persistent = persistent
	}
}

// WithCorrelationID sets the correlation id (defaults to the message id)
func WithCorrelationID(id string) PublishOption {
	return func(o *PublishOptions) {
		o.CorrelationID = id
	}
}

// WithReplyTo sets the reply-to queue
func WithReplyTo(queue string) PublishOption {
	return func(o *PublishOptions) {
		o.ReplyTo = queue
	}
}

// WithMessageID overrides the generated message id
func WithMessageID(id string) PublishOption {
	return func(o *PublishOptions) {
		o.MessageID = id
	}
}

// WithExpiration sets a per-message TTL
func WithExpiration(ttl time.Duration) PublishOption {
	return func(o *PublishOptions) {
		o.Expiration = ttl
	}
}

// WithHeaders merges headers into the message headers
func WithHeaders(headers map[string]any) PublishOption {
	return func(o *PublishOptions) {
		for k, v := range headers {
			WithHeader(k, v)(o)
		}
	}
}

// WithHeader sets a single header
func WithHeader(key string, value any) PublishOption {
	return func(o *PublishOptions) {
		if o.Headers == nil {
			o.Headers = make(map[string]any)
		}
		o.Headers[key] = value
	}
}

// Connect opens the connection and channel, enabling confirm mode when configured.
func (p *Publisher) Connect(ctx context.Context) error {
	if err := p.conn.Connect(ctx); err != nil {
		p.logger.Error("publisher failed to connect", "error", err)
		return connectionError("connect", err)
	}
	_, _, err := p.channel()
	return err
}

// channel returns the live channel and, in confirm mode, its tracker. A new
// channel after a reconnect gets a fresh tracker.
func (p *Publisher) channel() (Channel, *confirmTracker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, nil, connectionError("channel", ErrClosed)
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return nil, nil, connectionError("channel", err)
	}

	if ch != p.ch {
		p.ch = ch
		p.tracker = nil
		if p.confirms {
			tracker, err := newConfirmTracker(ch, p.logger)
			if err != nil {
				return nil, nil, connectionError("confirm", err)
			}
			p.tracker = tracker
		}
	}

	return p.ch, p.tracker, nil
}

// Publish sends body to routingKey and returns the message id.
func (p *Publisher) Publish(ctx context.Context, routingKey string, body any, options ...PublishOption) (string, error) {
	o := defaultPublishOptions()
	for _, opt := range options {
		opt(&o)
	}

	msg := newMessage(routingKey, body, o)
	if err := p.send(ctx, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// PublishPriorityAlert publishes a persistent alert whose priority follows
// its severity: critical 10, high 8, medium 5, low 3, info 1.
func (p *Publisher) PublishPriorityAlert(ctx context.Context, routingKey string, body any, alertType string) (string, error) {
	return p.Publish(ctx, routingKey, body,
		WithPriority(AlertPriority(alertType)),
		WithPersistent(true),
		WithHeader(AlertTypeHeader, alertType))
}

// PublishWithRetry makes up to maxRetries attempts, sleeping delay*2^attempt
// between them. Serialization failures and an open circuit are not retried.
func (p *Publisher) PublishWithRetry(ctx context.Context, routingKey string, body any, maxRetries int, delay time.Duration, options ...PublishOption) (string, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}

	o := defaultPublishOptions()
	for _, opt := range options {
		opt(&o)
	}
	msg := newMessage(routingKey, body, o)

	policy := reliability.Policy{
		MaxAttempts:     maxRetries,
		InitialInterval: delay,
		MaxInterval:     time.Duration(math.MaxInt64),
		Multiplier:      2.0,
	}

	err := reliability.Retry(ctx, "publish", policy, func(attempt int) error {
		err := p.send(ctx, msg)
		if err != nil && (!IsRetryable(err) || errors.Is(err, reliability.ErrCircuitOpen)) {
			return reliability.Permanent(err)
		}
		return err
	}, func(attempt int, err error, next time.Duration) {
		p.logger.Warn("publish failed, retrying",
			"messageID", msg.ID,
			"routingKey", routingKey,
			"attempt", attempt,
			"maxRetries", maxRetries,
			"nextRetryIn", next,
			"error", err)
	})
	if err != nil {
		p.logger.Error("giving up on publish",
			"messageID", msg.ID,
			"routingKey", routingKey,
			"maxRetries", maxRetries,
			"error", err)
		return "", err
	}

	return msg.ID, nil
}

// send encodes and publishes one message.
func (p *Publisher) send(ctx context.Context, msg *Message) error {
	payload, err := p.codec.Marshal(msg.Body)
	if err != nil {
		serr := &Error{Kind: KindSerialization, Op: "publish", MessageID: msg.ID, Err: err}
		p.metrics.PublishCompleted(msg.RoutingKey, serr)
		p.logger.Error("failed to serialize message",
			"messageID", msg.ID,
			"routingKey", msg.RoutingKey,
			"error", err)
		return serr
	}
	pub := msg.publishing(payload, p.codec.ContentType())

	publish := func() error {
		ch, tracker, err := p.channel()
		if err != nil {
			return err
		}
		if p.tx != nil {
			if err := p.tx.beforePublish(ch); err != nil {
				return err
			}
		}

		if tracker != nil {
			_, err = tracker.publish(ctx, p.exchange, msg.RoutingKey, pub)
		} else {
			err = ch.PublishWithContext(ctx, p.exchange, msg.RoutingKey, false, false, pub)
		}
		if err != nil {
			return &Error{Kind: KindPublish, Op: "publish", MessageID: msg.ID, Err: err}
		}

		if p.tx != nil {
			return p.tx.afterPublish(ch)
		}
		return nil
	}

	if p.breaker != nil {
		err = p.breaker.Execute(publish)
		if errors.Is(err, reliability.ErrCircuitOpen) {
			err = &Error{Kind: KindPublish, Op: "publish", MessageID: msg.ID, Err: err}
		}
	} else {
		err = publish()
	}

	p.metrics.PublishCompleted(msg.RoutingKey, err)
	if err != nil {
		p.logger.Error("failed to publish message",
			"messageID", msg.ID,
			"routingKey", msg.RoutingKey,
			"error", err)
		return err
	}

	p.logger.Debug("published message",
		"messageID", msg.ID,
		"routingKey", msg.RoutingKey,
		"priority", msg.Priority)
	return nil
}

// WaitForConfirms waits until every tracked publish has been confirmed. It
// returns false on timeout, logging how many are still outstanding.
func (p *Publisher) WaitForConfirms(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = defaultConfirmWait
	}

	p.mu.Lock()
	tracker := p.tracker
	p.mu.Unlock()

	if tracker == nil {
		return true
	}
	if tracker.waitAll(ctx, timeout) {
		return true
	}

	p.logger.Warn("timed out waiting for publisher confirms",
		"outstanding", tracker.outstanding(),
		"timeout", timeout)
	return false
}

// PendingConfirms returns the number of publishes not yet confirmed.
func (p *Publisher) PendingConfirms() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tracker == nil {
		return 0
	}
	return p.tracker.outstanding()
}

// NackedPublishes returns how many publishes the broker nacked on the current channel.
func (p *Publisher) NackedPublishes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tracker == nil {
		return 0
	}
	return p.tracker.nackCount()
}

// Close releases the connection without waiting for outstanding confirms.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.tracker != nil {
		if n := p.tracker.outstanding(); n > 0 {
			p.logger.Warn("closing publisher with unconfirmed messages", "outstanding", n)
		}
	}
	p.mu.Unlock()

	return p.conn.Close()
}
