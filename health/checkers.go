package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/alertmq/internal/rabbitmq"
	"github.com/glimte/alertmq/messaging"
)

// Connection is the part of the connection manager the broker check reads.
type Connection interface {
	IsConnected() bool
	Channel() (rabbitmq.Channel, error)
}

// BrokerChecker reports whether the broker connection and its channel are usable.
type BrokerChecker struct {
	conn Connection
}

// NewBrokerChecker creates a broker checker.
func NewBrokerChecker(conn Connection) *BrokerChecker {
	return &BrokerChecker{conn: conn}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	if !c.conn.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "not connected"
		result.Duration = time.Since(start)
		return result
	}

	ch, err := c.conn.Channel()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "channel unavailable"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = "connection is healthy"
	result.Details["channel_open"] = !ch.IsClosed()
	result.Duration = time.Since(start)
	return result
}

// StatsSource reports queue depths; *messaging.Consumer implements it.
type StatsSource interface {
	QueueStats(ctx context.Context) (messaging.QueueStats, error)
}

// QueueChecker reports the depth of a work queue and its dead-letter queue.
// A dead-letter backlog above the threshold, or a work queue without
// consumers above its own threshold, degrades the check.
type QueueChecker struct {
	source         StatsSource
	queue          string
	dlqThreshold   int
	queueThreshold int
}

// NewQueueChecker creates a queue checker. A threshold of zero disables it.
func NewQueueChecker(queue string, source StatsSource, queueThreshold, dlqThreshold int) *QueueChecker {
	return &QueueChecker{
		source:         source,
		queue:          queue,
		queueThreshold: queueThreshold,
		dlqThreshold:   dlqThreshold,
	}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queue)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	stats, err := c.source.QueueStats(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("queue %s not accessible", c.queue)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Depth = &QueueDepth{
		Queue:       c.queue,
		Messages:    stats.MessageCount,
		Consumers:   stats.ConsumerCount,
		DLQ:         stats.DLQ,
		DeadLetters: stats.DLQMessageCount,
	}
	result.Details["consuming"] = stats.IsConsuming
	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("queue %s is accessible", c.queue)

	switch {
	case c.dlqThreshold > 0 && stats.DLQMessageCount > c.dlqThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("dead-letter queue %s holds %d messages", stats.DLQ, stats.DLQMessageCount)
	case c.queueThreshold > 0 && stats.MessageCount > c.queueThreshold && stats.ConsumerCount == 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue %s is backing up without consumers", c.queue)
	}

	result.Duration = time.Since(start)
	return result
}
