package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/time/rate"

	"github.com/glimte/alertmq/internal/rabbitmq"
	"github.com/glimte/alertmq/internal/reliability"
)

const (
	defaultPrefetchCount    = 10
	defaultRepublishTimeout = 5 * time.Second
)

// Consumer reads JSON messages from one work queue with at-least-once
// semantics: a message is acknowledged only after its handler succeeded,
// failures are retried through delay queues, and exhausted or malformed
// messages end up in the queue's dead-letter queue.
type Consumer struct {
	conn             Connector
	queue            string
	topology         rabbitmq.DeadLetterConfig
	policy           RetryPolicy
	prefetch         int
	tag              string
	codec            Codec
	metrics          Metrics
	logger           *slog.Logger
	handlerTimeout   time.Duration
	republishTimeout time.Duration
	replayLimiter    *rate.Limiter
	batch            batchConfig

	mu        sync.Mutex
	ch        Channel
	tracker   *confirmTracker
	connected bool

	stopMu    sync.Mutex
	stopCh    chan struct{}
	consuming atomic.Int32
	inFlight  atomic.Int64
}

// ConsumerOption configures a Consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRetryPolicy sets the retry policy
func WithRetryPolicy(policy RetryPolicy) ConsumerOption {
	return func(c *Consumer) {
		c.policy = policy
	}
}

// WithPrefetchCount sets the QoS prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		if count > 0 {
			c.prefetch = count
		}
	}
}

// WithQueueLimits sets the work queue message TTL and maximum length
func WithQueueLimits(ttl time.Duration, maxLength int) ConsumerOption {
	return func(c *Consumer) {
		c.topology.QueueTTL = ttl
		c.topology.QueueMaxLength = maxLength
	}
}

// WithDLQLimits sets the dead-letter queue message TTL and maximum length
func WithDLQLimits(ttl time.Duration, maxLength int) ConsumerOption {
	return func(c *Consumer) {
		c.topology.DLQTTL = ttl
		c.topology.DLQMaxLength = maxLength
	}
}

// WithMaxPriority sets x-max-priority on the work queue; 0 disables priorities.
// The argument is fixed when RabbitMQ first creates the queue. Declaring an
// existing queue with a different value, or one created without it, fails
// with PRECONDITION_FAILED; such a queue must be deleted or declared with
// WithMaxPriority(0).
func WithMaxPriority(maxPriority int) ConsumerOption {
	return func(c *Consumer) {
		c.topology.MaxPriority = maxPriority
	}
}

// WithConsumerTag sets the consumer tag prefix
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		if tag != "" {
			c.tag = tag
		}
	}
}

// WithConsumerMetrics sets the metrics sink
func WithConsumerMetrics(m Metrics) ConsumerOption {
	return func(c *Consumer) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithReplayRate throttles ReplayDLQ to r messages per second
func WithReplayRate(r rate.Limit, burst int) ConsumerOption {
	return func(c *Consumer) {
		if burst < 1 {
			burst = 1
		}
		c.replayLimiter = rate.NewLimiter(r, burst)
	}
}

// WithHandlerTimeout bounds each handler call through its context
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = timeout
	}
}

// WithRepublishTimeout bounds the wait for the broker to confirm retry and replay copies
func WithRepublishTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if timeout > 0 {
			c.republishTimeout = timeout
		}
	}
}

// WithConsumerCodec replaces the JSON codec
func WithConsumerCodec(codec Codec) ConsumerOption {
	return func(c *Consumer) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// NewConsumer creates a consumer for queue over conn. Call Connect before consuming.
func NewConsumer(conn Connector, queue string, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		conn:             conn,
		queue:            queue,
		topology:         rabbitmq.NewDeadLetterConfig(queue),
		policy:           DefaultRetryPolicy(),
		prefetch:         defaultPrefetchCount,
		tag:              "alertmq-" + uuid.NewString()[:8],
		codec:            JSONCodec(),
		metrics:          NopMetrics{},
		logger:           slog.Default(),
		republishTimeout: defaultRepublishTimeout,
		batch:            defaultBatchConfig(),
		stopCh:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(c)
	}

	c.topology.RetryDelays = c.policy.Delays()
	c.logger = c.logger.With("queue", queue)

	return c
}

// Queue returns the work queue name.
func (c *Consumer) Queue() string { return c.queue }

// DLQ returns the dead-letter queue name.
func (c *Consumer) DLQ() string { return rabbitmq.DLQName(c.queue) }

// Connect opens the connection and declares the work queue, its dead-letter
// exchange and queue, and the retry delay queues.
func (c *Consumer) Connect(ctx context.Context) error {
	if err := c.policy.Validate(); err != nil {
		return connectionError("connect", err)
	}
	if err := c.topology.Validate(); err != nil {
		return connectionError("connect", err)
	}

	if err := c.conn.Connect(ctx); err != nil {
		c.logger.Error("consumer failed to connect", "error", err)
		return connectionError("connect", err)
	}

	ch, _, err := c.channel()
	if err != nil {
		_ = c.conn.Close()
		return err
	}
	if err := rabbitmq.DeclareTopology(ch, c.topology.Topology()); err != nil {
		c.logger.Error("failed to declare queue topology", "error", err)
		c.mu.Lock()
		c.ch, c.tracker = nil, nil
		c.mu.Unlock()
		_ = c.conn.Close()
		return connectionError("declare", err)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("consumer connected",
		"dlq", rabbitmq.DLQName(c.queue),
		"prefetch", c.prefetch,
		"maxRetryAttempts", c.policy.MaxRetryAttempts)
	return nil
}

func (c *Consumer) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// channel returns the live channel with QoS applied and confirm mode on.
func (c *Consumer) channel() (Channel, *confirmTracker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, nil, connectionError("channel", err)
	}

	if ch != c.ch {
		if err := ch.Qos(c.prefetch, 0, false); err != nil {
			return nil, nil, connectionError("qos", err)
		}
		tracker, err := newConfirmTracker(ch, c.logger)
		if err != nil {
			return nil, nil, connectionError("confirm", err)
		}
		c.ch, c.tracker = ch, tracker
	}

	return c.ch, c.tracker, nil
}

// session returns the stop channel of the current consume session.
func (c *Consumer) session() <-chan struct{} {
	c.stopMu.Lock()
	defer c.stopMu.Unlock()
	select {
	case <-c.stopCh:
		if c.consuming.Load() == 0 {
			c.stopCh = make(chan struct{})
		}
	default:
	}
	return c.stopCh
}

// StopConsuming asks every consume loop of this instance to return. A
// message being handled is finished first.
func (c *Consumer) StopConsuming() {
	c.stopMu.Lock()
	defer c.stopMu.Unlock()
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
		c.logger.Info("stop requested")
	}
}

// IsConsuming reports whether a consume loop is running.
func (c *Consumer) IsConsuming() bool {
	return c.consuming.Load() > 0
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// Consume delivers messages to handler until StopConsuming is called or ctx
// is done, then returns nil. onError may be nil.
func (c *Consumer) Consume(ctx context.Context, handler Handler, onError ErrorHandler) error {
	if handler == nil {
		return &Error{Kind: KindHandler, Op: "consume", Err: ErrNoHandler}
	}

	return c.consumeLoop(ctx, c.queue, deliveryFunc(func(ctx context.Context, d amqp.Delivery) {
		c.handleDelivery(ctx, d, handler, onError)
	}))
}

// deliverySink receives the deliveries of a consume loop.
type deliverySink interface {
	handle(ctx context.Context, d amqp.Delivery)
	// timer fires expire; nil disables it.
	timer() <-chan time.Time
	expire(ctx context.Context)
	// lost is called when the delivery stream closed underneath the sink.
	lost()
	finish(ctx context.Context)
}

type deliveryFunc func(ctx context.Context, d amqp.Delivery)

func (f deliveryFunc) handle(ctx context.Context, d amqp.Delivery) { f(ctx, d) }
func (deliveryFunc) timer() <-chan time.Time                       { return nil }
func (deliveryFunc) expire(context.Context)                        {}
func (deliveryFunc) lost()                                         {}
func (deliveryFunc) finish(context.Context)                        {}

// consumeLoop subscribes to queue and feeds deliveries to sink one at a time,
// resubscribing when the connection drops.
func (c *Consumer) consumeLoop(ctx context.Context, queue string, sink deliverySink) error {
	if !c.isConnected() {
		return connectionError("consume", ErrNotConnected)
	}

	stop := c.session()
	c.consuming.Add(1)
	defer c.consuming.Add(-1)

	deliveries, tag, err := c.subscribe(ctx, stop, queue, 1)
	if err != nil {
		return err
	}
	c.logger.Info("consuming", "source", queue, "consumerTag", tag)

	shutdown := func() {
		sink.finish(context.WithoutCancel(ctx))
		c.release(tag, deliveries)
		c.logger.Info("stopped consuming", "source", queue)
	}

	for {
		if stopped(stop) || ctx.Err() != nil {
			shutdown()
			return nil
		}

		select {
		case <-stop:
			shutdown()
			return nil
		case <-ctx.Done():
			shutdown()
			return nil
		case <-sink.timer():
			sink.expire(ctx)
		case d, ok := <-deliveries:
			if ok {
				sink.handle(ctx, d)
				continue
			}

			sink.lost()
			if stopped(stop) || ctx.Err() != nil {
				shutdown()
				return nil
			}
			c.logger.Warn("delivery stream closed, resubscribing", "source", queue)
			deliveries, tag, err = c.subscribe(ctx, stop, queue, 0)
			if err != nil {
				if stopped(stop) || ctx.Err() != nil {
					sink.finish(context.WithoutCancel(ctx))
					return nil
				}
				return err
			}
			c.logger.Info("resubscribed", "source", queue, "consumerTag", tag)
		}
	}
}

// subscribe starts a broker consumer on queue. attempts of 0 keeps trying
// until the connection comes back, stop is closed or ctx is done.
func (c *Consumer) subscribe(ctx context.Context, stop <-chan struct{}, queue string, attempts int) (<-chan amqp.Delivery, string, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	tag := c.tag + ":" + queue
	var deliveries <-chan amqp.Delivery

	policy := reliability.Policy{
		MaxAttempts:     attempts,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          0.2,
	}
	err := reliability.Retry(waitCtx, "subscribe", policy, func(int) error {
		ch, _, err := c.channel()
		if err != nil {
			return err
		}
		d, err := ch.Consume(queue, tag, false, false, false, false, nil)
		if err != nil {
			return connectionError("subscribe", err)
		}
		deliveries = d
		return nil
	}, func(attempt int, err error, next time.Duration) {
		c.logger.Warn("waiting to resubscribe",
			"source", queue,
			"attempt", attempt,
			"nextRetryIn", next,
			"error", err)
	})
	if err != nil {
		if KindOf(err) == KindUnknown {
			err = connectionError("subscribe", err)
		}
		return nil, tag, err
	}
	return deliveries, tag, nil
}

// release cancels the broker consumer and hands prefetched but unhandled
// deliveries back to the queue.
func (c *Consumer) release(tag string, deliveries <-chan amqp.Delivery) {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch != nil && !ch.IsClosed() {
		if err := ch.Cancel(tag, false); err != nil {
			c.logger.Warn("failed to cancel consumer", "consumerTag", tag, "error", err)
		}
	}

	returned := 0
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				c.logReleased(returned)
				return
			}
			if err := d.Nack(false, true); err == nil {
				returned++
			}
		default:
			c.logReleased(returned)
			return
		}
	}
}

func (c *Consumer) logReleased(n int) {
	if n > 0 {
		c.logger.Info("returned prefetched messages to the queue", "count", n)
	}
}

// retryCount derives how many retries a delivery has already used from our
// own header and the broker's x-death records of the retry delay queues.
func (c *Consumer) retryCount(d amqp.Delivery) int {
	header := reliability.HeaderInt(d.Headers, RetryCountHeader)
	deaths := reliability.DeathCount(d.Headers, func(death reliability.Death) bool {
		return death.Reason == "expired" && rabbitmq.IsRetryQueue(c.queue, death.Queue)
	})
	return max(header, deaths)
}

func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery, handler Handler, onError ErrorHandler) {
	start := time.Now()
	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)

	retryCount := c.retryCount(d)

	body, err := c.codec.DecodeObject(d.Body)
	if err != nil {
		c.deadLetterMalformed(d, err, start)
		return
	}
	attachMeta(body, metaFor(d, retryCount))

	err = invoke(ctx, c.handlerTimeout, func(ctx context.Context) error {
		return handler(ctx, body)
	})
	if err == nil {
		c.ack(d, start)
		return
	}

	herr := &Error{Kind: KindHandler, Op: "handle", MessageID: d.MessageId, Err: err}
	if onError != nil {
		notify(c.logger, func() { onError(ctx, body, herr) })
	}
	c.fail(ctx, d, retryCount, herr, start)
}

func (c *Consumer) ack(d amqp.Delivery, start time.Time) {
	if err := d.Ack(false); err != nil {
		c.logger.Error("failed to acknowledge message", "messageID", d.MessageId, "error", err)
		return
	}
	c.metrics.DeliveryCompleted(c.queue, OutcomeAcked, time.Since(start))
}

func (c *Consumer) deadLetterMalformed(d amqp.Delivery, cause error, start time.Time) {
	merr := &Error{Kind: KindMalformedMessage, Op: "decode", MessageID: d.MessageId, Err: cause}
	c.logger.Error("dead-lettering malformed message",
		"messageID", d.MessageId,
		"deliveryTag", d.DeliveryTag,
		"error", merr)
	if err := d.Nack(false, false); err != nil {
		c.logger.Error("failed to reject malformed message", "messageID", d.MessageId, "error", err)
		return
	}
	c.metrics.DeliveryCompleted(c.queue, OutcomeDeadLettered, time.Since(start))
}

// fail applies the retry policy to a delivery whose processing failed. When
// the retry copy cannot be handed to the broker the original is requeued
// once; a redelivered original is dead-lettered instead.
func (c *Consumer) fail(ctx context.Context, d amqp.Delivery, retryCount int, cause error, start time.Time) {
	if c.policy.Exhausted(retryCount) {
		c.logger.Warn("retry attempts exhausted, dead-lettering message",
			"messageID", d.MessageId,
			"retryCount", retryCount,
			"maxRetryAttempts", c.policy.MaxRetryAttempts,
			"error", cause)
		if err := d.Nack(false, false); err != nil {
			c.logger.Error("failed to dead-letter message", "messageID", d.MessageId, "error", err)
			return
		}
		c.metrics.DeliveryCompleted(c.queue, OutcomeDeadLettered, time.Since(start))
		return
	}

	// The hand-off runs to completion even when consuming is being stopped:
	// a copy may reach the broker before a cancelled publish is noticed.
	delay := c.policy.Delay(retryCount)
	sent, err := c.scheduleRetry(context.WithoutCancel(ctx), d, retryCount, delay)
	switch {
	case err == nil:
	case sent:
		// The copy is probably parked already. Requeueing would duplicate it.
		c.logger.Warn("retry copy not confirmed, acknowledging original",
			"messageID", d.MessageId,
			"retryCount", retryCount+1,
			"error", err)
	case d.Redelivered:
		c.logger.Error("failed to schedule retry for redelivered message, dead-lettering",
			"messageID", d.MessageId,
			"retryCount", retryCount,
			"error", err)
		if err := d.Nack(false, false); err != nil {
			c.logger.Error("failed to dead-letter message", "messageID", d.MessageId, "error", err)
			return
		}
		c.metrics.DeliveryCompleted(c.queue, OutcomeDeadLettered, time.Since(start))
		return
	default:
		c.logger.Error("failed to schedule retry, requeueing message once",
			"messageID", d.MessageId,
			"retryCount", retryCount,
			"error", err)
		if err := d.Nack(false, true); err != nil {
			c.logger.Error("failed to requeue message", "messageID", d.MessageId, "error", err)
			return
		}
		c.metrics.DeliveryCompleted(c.queue, OutcomeRequeued, time.Since(start))
		return
	}

	if err := d.Ack(false); err != nil {
		// The parked copy will still come back; the original is redelivered as well.
		c.logger.Error("failed to acknowledge retried message", "messageID", d.MessageId, "error", err)
		return
	}
	c.logger.Warn("message processing failed, retry scheduled",
		"messageID", d.MessageId,
		"retryCount", retryCount+1,
		"maxRetryAttempts", c.policy.MaxRetryAttempts,
		"delay", delay,
		"error", cause)
	c.metrics.DeliveryCompleted(c.queue, OutcomeRetried, time.Since(start))
}

// scheduleRetry parks a copy of d in the delay queue for delay. The copy
// dead-letters back into the work queue when it expires.
func (c *Consumer) scheduleRetry(ctx context.Context, d amqp.Delivery, retryCount int, delay time.Duration) (bool, error) {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[RetryCountHeader] = int64(retryCount + 1)

	pub := amqp.Publishing{
		Headers:         headers,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    d.DeliveryMode,
		Priority:        d.Priority,
		CorrelationId:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		MessageId:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		AppId:           d.AppId,
		Body:            d.Body,
	}

	return c.republish(ctx, rabbitmq.RetryQueueName(c.queue, delay), pub)
}

// republish publishes through the default exchange and waits for the
// confirm. On failure, sent reports whether the broker may still hold the
// copy: it is false only when nothing was sent or the broker nacked it.
func (c *Consumer) republish(ctx context.Context, queue string, pub amqp.Publishing) (sent bool, err error) {
	_, tracker, err := c.channel()
	if err != nil {
		return false, err
	}
	pc, err := tracker.publish(ctx, "", queue, pub)
	if err != nil {
		return false, &Error{Kind: KindPublish, Op: "republish", MessageID: pub.MessageId, Err: err}
	}
	if err := pc.wait(ctx, c.republishTimeout); err != nil {
		return !errors.Is(err, ErrPublishNacked), &Error{Kind: KindPublish, Op: "republish", MessageID: pub.MessageId, Err: err}
	}
	return true, nil
}

// Close stops consuming and closes the connection. It does not wait for
// unacknowledged messages; the broker redelivers them.
func (c *Consumer) Close() error {
	if n := c.inFlight.Load(); n > 0 {
		c.logger.Warn("closing consumer with unacknowledged messages", "count", n)
	}
	c.StopConsuming()

	c.mu.Lock()
	c.connected = false
	c.ch, c.tracker = nil, nil
	c.mu.Unlock()

	return c.conn.Close()
}
