package messaging

import (
	"context"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/alertmq/internal/rabbitmq"
	"github.com/glimte/alertmq/internal/reliability"
)

// DefaultReplayLimit is how many messages ReplayDLQ moves when asked for 0 or fewer.
const DefaultReplayLimit = 100

// QueueStats is a point-in-time view of a work queue and its dead-letter queue.
type QueueStats struct {
	Queue           string `json:"queue"`
	MessageCount    int    `json:"message_count"`
	ConsumerCount   int    `json:"consumer_count"`
	DLQ             string `json:"dlq"`
	DLQMessageCount int    `json:"dlq_message_count"`
	IsConsuming     bool   `json:"is_consuming"`
}

// QueueStats inspects both queues passively; nothing is declared or changed.
func (c *Consumer) QueueStats(ctx context.Context) (QueueStats, error) {
	if !c.isConnected() {
		return QueueStats{}, connectionError("queue_stats", ErrNotConnected)
	}
	if err := ctx.Err(); err != nil {
		return QueueStats{}, err
	}

	main, err := c.inspect(c.queue)
	if err != nil {
		return QueueStats{}, err
	}
	dlq, err := c.inspect(rabbitmq.DLQName(c.queue))
	if err != nil {
		return QueueStats{}, err
	}

	return QueueStats{
		Queue:           c.queue,
		MessageCount:    main.Messages,
		ConsumerCount:   main.Consumers,
		DLQ:             dlq.Name,
		DLQMessageCount: dlq.Messages,
		IsConsuming:     c.IsConsuming(),
	}, nil
}

func (c *Consumer) inspect(queue string) (amqp.Queue, error) {
	ch, _, err := c.channel()
	if err != nil {
		return amqp.Queue{}, err
	}
	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		return amqp.Queue{}, connectionError("inspect", &rabbitmq.TopologyError{
			Component: "queue",
			Name:      queue,
			Op:        "inspect",
			Err:       err,
			Timestamp: time.Now(),
		})
	}
	return q, nil
}

// PurgeDLQ drops every message in the dead-letter queue and returns how many
// were removed. This cannot be undone.
func (c *Consumer) PurgeDLQ(ctx context.Context) (int, error) {
	if !c.isConnected() {
		return 0, connectionError("purge_dlq", ErrNotConnected)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	ch, _, err := c.channel()
	if err != nil {
		return 0, err
	}
	dlq := rabbitmq.DLQName(c.queue)
	n, err := ch.QueuePurge(dlq, false)
	if err != nil {
		c.logger.Error("failed to purge dead-letter queue", "dlq", dlq, "error", err)
		return 0, connectionError("purge_dlq", err)
	}

	c.metrics.DeadLettersPurged(c.queue, n)
	c.logger.Warn("purged dead-letter queue", "dlq", dlq, "count", n)
	return n, nil
}

// ConsumeDLQ feeds dead-lettered messages to handler until StopConsuming is
// called or ctx is done. A message whose handler fails is dropped, never
// retried again.
func (c *Consumer) ConsumeDLQ(ctx context.Context, handler Handler) error {
	if handler == nil {
		return &Error{Kind: KindHandler, Op: "consume_dlq", Err: ErrNoHandler}
	}

	dlq := rabbitmq.DLQName(c.queue)
	return c.consumeLoop(ctx, dlq, deliveryFunc(func(ctx context.Context, d amqp.Delivery) {
		start := time.Now()
		c.inFlight.Add(1)
		defer c.inFlight.Add(-1)

		body, err := c.codec.DecodeObject(d.Body)
		if err == nil {
			attachMeta(body, metaFor(d, c.retryCount(d)))
			err = invoke(ctx, c.handlerTimeout, func(ctx context.Context) error {
				return handler(ctx, body)
			})
		}

		if err != nil {
			c.logger.Error("dropping dead-lettered message",
				"dlq", dlq,
				"messageID", d.MessageId,
				"error", err)
			if nerr := d.Nack(false, false); nerr != nil {
				c.logger.Error("failed to reject dead-lettered message", "messageID", d.MessageId, "error", nerr)
				return
			}
			c.metrics.DeliveryCompleted(dlq, OutcomeDiscarded, time.Since(start))
			return
		}

		if err := d.Ack(false); err != nil {
			c.logger.Error("failed to acknowledge dead-lettered message", "messageID", d.MessageId, "error", err)
			return
		}
		c.metrics.DeliveryCompleted(dlq, OutcomeAcked, time.Since(start))
	}))
}

// ReplayDLQ moves up to maxMessages from the dead-letter queue back to the
// work queue. Each copy loses its consumer metadata and retry history and is
// confirmed by the broker before the dead-lettered original is acknowledged.
// A republish the broker never received puts the message back in the
// dead-letter queue and stops the replay. An unconfirmed one also stops the
// replay but counts as moved, so the message is never in both queues.
func (c *Consumer) ReplayDLQ(ctx context.Context, maxMessages int) (int, error) {
	if !c.isConnected() {
		return 0, connectionError("replay_dlq", ErrNotConnected)
	}
	if maxMessages <= 0 {
		maxMessages = DefaultReplayLimit
	}

	dlq := rabbitmq.DLQName(c.queue)
	replayed := 0
	defer func() {
		if replayed > 0 {
			c.metrics.DeadLettersReplayed(c.queue, replayed)
		}
	}()

	for replayed < maxMessages {
		if c.replayLimiter != nil {
			if err := c.replayLimiter.Wait(ctx); err != nil {
				return replayed, err
			}
		} else if err := ctx.Err(); err != nil {
			return replayed, err
		}

		ch, _, err := c.channel()
		if err != nil {
			return replayed, err
		}
		d, ok, err := ch.Get(dlq, false)
		if err != nil {
			return replayed, connectionError("replay_dlq", err)
		}
		if !ok {
			break
		}

		sent, err := c.republish(context.WithoutCancel(ctx), c.queue, c.replayPublishing(d))
		if err != nil && !sent {
			c.logger.Error("failed to replay dead-lettered message, leaving it in the dead-letter queue",
				"dlq", dlq,
				"messageID", d.MessageId,
				"error", err)
			if nerr := d.Nack(false, true); nerr != nil {
				c.logger.Error("failed to return message to the dead-letter queue", "messageID", d.MessageId, "error", nerr)
			}
			return replayed, err
		}
		if err != nil {
			// The copy is probably in the work queue. Keeping the original
			// would replay it twice.
			c.logger.Warn("replayed message not confirmed, removing it from the dead-letter queue",
				"dlq", dlq,
				"messageID", d.MessageId,
				"error", err)
			if aerr := d.Ack(false); aerr != nil {
				c.logger.Error("failed to acknowledge replayed message", "messageID", d.MessageId, "error", aerr)
				return replayed, err
			}
			replayed++
			return replayed, err
		}

		if err := d.Ack(false); err != nil {
			// The copy is already back in the work queue; the original may be
			// replayed again.
			c.logger.Error("failed to acknowledge replayed message", "messageID", d.MessageId, "error", err)
			return replayed, connectionError("replay_dlq", err)
		}
		replayed++
	}

	c.logger.Info("replayed dead-lettered messages",
		"dlq", dlq,
		"count", replayed,
		"max", maxMessages)
	return replayed, nil
}

// replayPublishing rebuilds a dead-lettered delivery as a fresh publish for
// the work queue.
func (c *Consumer) replayPublishing(d amqp.Delivery) amqp.Publishing {
	body := d.Body
	if obj, err := c.codec.DecodeObject(d.Body); err == nil {
		if _, ok := obj[MetaKey]; ok {
			if encoded, err := c.codec.Marshal(StripMeta(obj)); err == nil {
				body = encoded
			}
		}
	}

	headers := amqp.Table{}
	for k, v := range d.Headers {
		if isDeathHeader(k) || k == RetryCountHeader {
			continue
		}
		headers[k] = v
	}
	headers[ReplayCountHeader] = int64(reliability.HeaderInt(d.Headers, ReplayCountHeader) + 1)

	return amqp.Publishing{
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
		Body:            body,
	}
}

func isDeathHeader(key string) bool {
	return key == "x-death" ||
		strings.HasPrefix(key, "x-first-death-") ||
		strings.HasPrefix(key, "x-last-death-")
}
