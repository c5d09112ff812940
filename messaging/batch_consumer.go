package messaging

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AckMode decides when a batch consumer acknowledges its deliveries.
type AckMode int

const (
	// AckOnBuffer acknowledges each message as soon as it is decoded and
	// buffered. A failing batch handler loses the batch.
	AckOnBuffer AckMode = iota
	// AckAfterFlush acknowledges a batch only after its handler succeeded. A
	// failed batch sends every message through the retry policy.
	AckAfterFlush
)

func (m AckMode) String() string {
	switch m {
	case AckOnBuffer:
		return "on_buffer"
	case AckAfterFlush:
		return "after_flush"
	default:
		return "unknown"
	}
}

const (
	defaultBatchSize    = 10
	defaultBatchTimeout = time.Second
)

type batchConfig struct {
	size    int
	timeout time.Duration
	ackMode AckMode
}

func defaultBatchConfig() batchConfig {
	return batchConfig{
		size:    defaultBatchSize,
		timeout: defaultBatchTimeout,
		ackMode: AckOnBuffer,
	}
}

// WithBatchSize flushes once this many messages are buffered
func WithBatchSize(size int) ConsumerOption {
	return func(c *Consumer) {
		if size > 0 {
			c.batch.size = size
		}
	}
}

// WithBatchTimeout flushes a partial batch after this long without a flush
func WithBatchTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if timeout > 0 {
			c.batch.timeout = timeout
		}
	}
}

// WithBatchAckMode chooses when batched deliveries are acknowledged
func WithBatchAckMode(mode AckMode) ConsumerOption {
	return func(c *Consumer) {
		c.batch.ackMode = mode
	}
}

// BatchConsumer hands messages to its handler in batches.
type BatchConsumer struct {
	*Consumer
}

// NewBatchConsumer creates a batch consumer for queue over conn.
func NewBatchConsumer(conn Connector, queue string, options ...ConsumerOption) *BatchConsumer {
	c := NewConsumer(conn, queue, options...)
	if c.batch.ackMode == AckAfterFlush && c.prefetch < c.batch.size {
		// A full batch has to fit in the unacknowledged window.
		c.prefetch = c.batch.size
	}
	return &BatchConsumer{Consumer: c}
}

// BatchSize returns the flush size.
func (b *BatchConsumer) BatchSize() int { return b.batch.size }

// Consume collects messages and calls handler with each batch in arrival
// order, until StopConsuming is called or ctx is done. Whatever is buffered at
// that point is flushed before Consume returns nil. onError may be nil.
func (b *BatchConsumer) Consume(ctx context.Context, handler BatchHandler, onError BatchErrorHandler) error {
	if handler == nil {
		return &Error{Kind: KindHandler, Op: "consume_batch", Err: ErrNoHandler}
	}

	s := &batchSink{
		c:       b.Consumer,
		handler: handler,
		onError: onError,
		ticker:  time.NewTimer(b.batch.timeout),
	}
	defer s.ticker.Stop()

	b.logger.Info("batch consumer starting",
		"batchSize", b.batch.size,
		"batchTimeout", b.batch.timeout,
		"ackMode", b.batch.ackMode.String())

	return b.consumeLoop(ctx, b.queue, s)
}

type buffered struct {
	delivery   amqp.Delivery
	retryCount int
	received   time.Time
}

type batchSink struct {
	c       *Consumer
	handler BatchHandler
	onError BatchErrorHandler
	ticker  *time.Timer

	bodies  []map[string]any
	pending []buffered
}

func (s *batchSink) handle(ctx context.Context, d amqp.Delivery) {
	start := time.Now()
	retryCount := s.c.retryCount(d)

	body, err := s.c.codec.DecodeObject(d.Body)
	if err != nil {
		s.c.deadLetterMalformed(d, err, start)
		return
	}
	attachMeta(body, metaFor(d, retryCount))

	if s.c.batch.ackMode == AckOnBuffer {
		if err := d.Ack(false); err != nil {
			s.c.logger.Error("failed to acknowledge buffered message", "messageID", d.MessageId, "error", err)
			return
		}
		s.c.metrics.DeliveryCompleted(s.c.queue, OutcomeAcked, time.Since(start))
	} else {
		s.pending = append(s.pending, buffered{delivery: d, retryCount: retryCount, received: start})
		s.c.inFlight.Add(1)
	}
	s.bodies = append(s.bodies, body)

	if len(s.bodies) >= s.c.batch.size {
		s.flush(ctx, "size")
	}
}

func (s *batchSink) timer() <-chan time.Time {
	return s.ticker.C
}

func (s *batchSink) expire(ctx context.Context) {
	if len(s.bodies) > 0 {
		s.flush(ctx, "timeout")
		return
	}
	s.ticker.Reset(s.c.batch.timeout)
}

// lost drops deliveries that were waiting for a flush acknowledgement on a
// channel that is gone; the broker redelivers them.
func (s *batchSink) lost() {
	if len(s.pending) == 0 {
		return
	}
	s.c.logger.Warn("discarding unacknowledged batch after channel loss", "size", len(s.pending))
	s.c.inFlight.Add(-int64(len(s.pending)))
	s.bodies, s.pending = nil, nil
}

func (s *batchSink) finish(ctx context.Context) {
	if len(s.bodies) > 0 {
		s.flush(ctx, "stop")
	}
}

func (s *batchSink) flush(ctx context.Context, reason string) {
	batch, pending := s.bodies, s.pending
	s.bodies, s.pending = nil, nil
	defer s.ticker.Reset(s.c.batch.timeout)

	err := invoke(ctx, s.c.handlerTimeout, func(ctx context.Context) error {
		return s.handler(ctx, batch)
	})
	s.c.metrics.BatchFlushed(s.c.queue, len(batch), err)

	if err == nil {
		s.c.logger.Debug("batch processed", "size", len(batch), "trigger", reason)
		for _, p := range pending {
			s.c.ack(p.delivery, p.received)
		}
		s.c.inFlight.Add(-int64(len(pending)))
		return
	}

	herr := &Error{Kind: KindHandler, Op: "handle_batch", Err: err}
	s.c.logger.Error("batch handler failed",
		"size", len(batch),
		"trigger", reason,
		"ackMode", s.c.batch.ackMode.String(),
		"error", herr)
	if s.onError != nil {
		notify(s.c.logger, func() { s.onError(ctx, batch, herr) })
	}

	for _, p := range pending {
		s.c.fail(ctx, p.delivery, p.retryCount, herr, p.received)
	}
	s.c.inFlight.Add(-int64(len(pending)))
}
