package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/alertmq/internal/rabbitmq"
)

// confirmTracker follows publisher confirms on one channel.
type confirmTracker struct {
	ch     Channel
	logger *slog.Logger

	publishMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]*pendingConfirm
	nacked  int
	closed  bool
}

type pendingConfirm struct {
	messageID string
	done      chan struct{}
	acked     bool
	lost      bool
}

func newConfirmTracker(ch Channel, logger *slog.Logger) (*confirmTracker, error) {
	if err := ch.Confirm(false); err != nil {
		return nil, err
	}

	t := &confirmTracker{
		ch:      ch,
		logger:  logger,
		pending: make(map[uint64]*pendingConfirm),
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 256))
	go t.run(confirms)

	return t, nil
}

// publish sends msg and registers its sequence number before the broker can
// confirm it.
func (t *confirmTracker) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (*pendingConfirm, error) {
	t.publishMu.Lock()
	defer t.publishMu.Unlock()

	seq := t.ch.GetNextPublishSeqNo()
	pc := &pendingConfirm{messageID: msg.MessageId, done: make(chan struct{})}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, rabbitmq.ErrChannelClosed
	}
	t.pending[seq] = pc
	t.mu.Unlock()

	if err := t.ch.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		t.mu.Lock()
		delete(t.pending, seq)
		t.mu.Unlock()
		return nil, err
	}

	return pc, nil
}

func (t *confirmTracker) run(confirms <-chan amqp.Confirmation) {
	for c := range confirms {
		t.mu.Lock()
		pc, ok := t.pending[c.DeliveryTag]
		if ok {
			delete(t.pending, c.DeliveryTag)
			pc.acked = c.Ack
			close(pc.done)
		}
		if !c.Ack {
			t.nacked++
		}
		t.mu.Unlock()

		if !c.Ack {
			messageID := ""
			if pc != nil {
				messageID = pc.messageID
			}
			t.logger.Warn("broker nacked publish",
				"deliveryTag", c.DeliveryTag,
				"messageID", messageID)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if n := len(t.pending); n > 0 {
		t.logger.Warn("channel closed with unconfirmed publishes", "count", n)
	}
	for seq, pc := range t.pending {
		delete(t.pending, seq)
		pc.lost = true
		close(pc.done)
	}
}

func (t *confirmTracker) outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *confirmTracker) nackCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nacked
}

// waitAll polls until nothing is outstanding or timeout elapses.
func (t *confirmTracker) waitAll(ctx context.Context, timeout time.Duration) bool {
	if t.outstanding() == 0 {
		return true
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			if t.outstanding() == 0 {
				return true
			}
		case <-deadline.C:
			return t.outstanding() == 0
		case <-ctx.Done():
			return false
		}
	}
}

// wait blocks until the broker confirms this publish. Only ErrPublishNacked
// means the broker did not take the message; after a timeout or ErrConfirmLost
// it may hold it.
func (pc *pendingConfirm) wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-pc.done:
		if pc.lost {
			return ErrConfirmLost
		}
		if !pc.acked {
			return ErrPublishNacked
		}
		return nil
	case <-timer.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
