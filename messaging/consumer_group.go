package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// ConsumerGroupMetrics contains metrics for the consumer group
type ConsumerGroupMetrics struct {
	ConsumerCount      int
	MessagesProcessed  int64
	MessagesFailed     int64
	AverageProcessTime time.Duration
	LastMessageTime    time.Time
}

// ConsumerGroup runs several consumers of one queue side by side, each on
// its own connection. The broker spreads deliveries across them.
type ConsumerGroup struct {
	connect func() Connector
	queue   string
	size    int
	options []ConsumerOption
	logger  *slog.Logger

	mu        sync.RWMutex
	consumers []*Consumer
	running   bool

	messagesProcessed atomic.Int64
	messagesFailed    atomic.Int64
	totalProcessTime  atomic.Int64
	lastMessageTime   atomic.Value // time.Time
}

// NewConsumerGroup creates a group of size consumers for queue. connect is
// called once per consumer so that every member owns its connection.
func NewConsumerGroup(connect func() Connector, queue string, size int, options ...ConsumerOption) *ConsumerGroup {
	if size < 1 {
		size = 1
	}

	probe := &Consumer{logger: slog.Default()}
	for _, opt := range options {
		opt(probe)
	}

	g := &ConsumerGroup{
		connect: connect,
		queue:   queue,
		size:    size,
		options: options,
		logger:  probe.logger.With("queue", queue),
	}
	g.lastMessageTime.Store(time.Time{})
	return g
}

// Size returns the number of consumers the group runs.
func (g *ConsumerGroup) Size() int { return g.size }

// Run connects every member and consumes until ctx is done or Stop is
// called. The first member that fails stops the others.
func (g *ConsumerGroup) Run(ctx context.Context, handler Handler, onError ErrorHandler) error {
	if handler == nil {
		return &Error{Kind: KindHandler, Op: "consume_group", Err: ErrNoHandler}
	}

	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return fmt.Errorf("consumer group for %s already running", g.queue)
	}
	consumers := make([]*Consumer, 0, g.size)
	for i := 0; i < g.size; i++ {
		opts := append(append([]ConsumerOption{}, g.options...),
			WithConsumerTag(fmt.Sprintf("%s-member-%d", g.queue, i)))
		c := NewConsumer(g.connect(), g.queue, opts...)
		if err := c.Connect(ctx); err != nil {
			_ = c.Close()
			for _, started := range consumers {
				_ = started.Close()
			}
			g.mu.Unlock()
			return fmt.Errorf("failed to start consumer %d: %w", i, err)
		}
		consumers = append(consumers, c)
	}
	g.consumers = consumers
	g.running = true
	g.mu.Unlock()

	g.logger.Info("consumer group started", "consumers", len(consumers))

	wrapped := g.track(handler)
	eg, egCtx := errgroup.WithContext(ctx)
	for _, c := range consumers {
		c := c
		eg.Go(func() error {
			return c.Consume(egCtx, wrapped, onError)
		})
	}
	err := eg.Wait()

	g.mu.Lock()
	for _, c := range g.consumers {
		_ = c.Close()
	}
	g.consumers = nil
	g.running = false
	g.mu.Unlock()

	g.logger.Info("consumer group stopped",
		"messagesProcessed", g.messagesProcessed.Load(),
		"messagesFailed", g.messagesFailed.Load())
	return err
}

// Stop asks every member to stop after its current message.
func (g *ConsumerGroup) Stop() {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, c := range g.consumers {
		c.StopConsuming()
	}
}

// GetMetrics returns consumer group metrics
func (g *ConsumerGroup) GetMetrics() ConsumerGroupMetrics {
	g.mu.RLock()
	consumerCount := len(g.consumers)
	g.mu.RUnlock()

	processed := g.messagesProcessed.Load()
	failed := g.messagesFailed.Load()
	totalTime := g.totalProcessTime.Load()

	var avgTime time.Duration
	if n := processed + failed; n > 0 {
		avgTime = time.Duration(totalTime / n)
	}

	return ConsumerGroupMetrics{
		ConsumerCount:      consumerCount,
		MessagesProcessed:  processed,
		MessagesFailed:     failed,
		AverageProcessTime: avgTime,
		LastMessageTime:    g.lastMessageTime.Load().(time.Time),
	}
}

func (g *ConsumerGroup) track(handler Handler) Handler {
	return func(ctx context.Context, body map[string]any) error {
		start := time.Now()
		err := handler(ctx, body)

		g.totalProcessTime.Add(time.Since(start).Nanoseconds())
		g.lastMessageTime.Store(time.Now())
		if err != nil {
			g.messagesFailed.Add(1)
		} else {
			g.messagesProcessed.Add(1)
		}
		return err
	}
}
