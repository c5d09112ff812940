package rabbitmqtest

import (
	"context"
	"fmt"
	"sort"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/alertmq/internal/rabbitmq"
)

// Connection is an in-memory broker connection.
type Connection struct {
	b        *Broker
	closed   bool
	channels []*Channel
	notify   []chan *amqp.Error
}

var _ rabbitmq.Connection = (*Connection)(nil)

// Channel opens a new channel.
func (c *Connection) Channel() (rabbitmq.Channel, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := newChannel(c.b, c)
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose registers a listener for connection shutdown.
func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// Close closes the connection gracefully.
func (c *Connection) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	for i, other := range c.b.conns {
		if other == c {
			c.b.conns = append(c.b.conns[:i], c.b.conns[i+1:]...)
			break
		}
	}
	c.shutdown(nil)
	return nil
}

// IsClosed reports whether the connection was closed.
func (c *Connection) IsClosed() bool {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return c.closed
}

// shutdown closes the channels and informs listeners. Callers hold b.mu.
func (c *Connection) shutdown(err *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.channels {
		ch.shutdown()
	}
	for _, n := range c.notify {
		if err != nil {
			select {
			case n <- err:
			default:
			}
		}
		close(n)
	}
	c.notify = nil
}

type pendingPublish struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

// Channel is an in-memory AMQP channel.
type Channel struct {
	b         *Broker
	conn      *Connection
	closed    bool
	prefetch  int
	tagSeq    uint64
	unacked   map[uint64]*inflight
	consumers map[string]*consumer
	confirm   bool
	pubSeq    uint64
	confirms  []chan amqp.Confirmation
	tx        bool
	txBuf     []pendingPublish
}

var _ rabbitmq.Channel = (*Channel)(nil)
var _ amqp.Acknowledger = (*Channel)(nil)

func newChannel(b *Broker, conn *Connection) *Channel {
	return &Channel{
		b:         b,
		conn:      conn,
		unacked:   make(map[uint64]*inflight),
		consumers: make(map[string]*consumer),
	}
}

// Qos sets the per-consumer prefetch.
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// Consume subscribes to a queue.
func (ch *Channel) Consume(queueName, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := ch.b.queues[queueName]
	if !ok {
		return nil, ch.fail(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName))
	}
	if consumerTag == "" {
		ch.b.consumerSeq++
		consumerTag = fmt.Sprintf("ctag-%d", ch.b.consumerSeq)
	}
	if _, dup := ch.consumers[consumerTag]; dup {
		return nil, ch.fail(amqp.NotAllowed, fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%s'", consumerTag))
	}

	c := &consumer{
		tag:        consumerTag,
		queue:      queueName,
		ch:         ch,
		autoAck:    autoAck,
		deliveries: make(chan amqp.Delivery, 4096),
	}
	ch.consumers[consumerTag] = c
	q.consumers = append(q.consumers, c)
	ch.b.dispatch(q)
	return c.deliveries, nil
}

// Cancel stops a consumer and closes its delivery channel.
func (ch *Channel) Cancel(consumerTag string, noWait bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	c, ok := ch.consumers[consumerTag]
	if !ok {
		return nil
	}
	ch.detach(c)
	return nil
}

func (ch *Channel) detach(c *consumer) {
	delete(ch.consumers, c.tag)
	if q, ok := ch.b.queues[c.queue]; ok {
		for i, other := range q.consumers {
			if other == c {
				q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
				break
			}
		}
		if q.next >= len(q.consumers) {
			q.next = 0
		}
	}
	close(c.deliveries)
}

// Get fetches a single message.
func (ch *Channel) Get(queueName string, autoAck bool) (amqp.Delivery, bool, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.Delivery{}, false, amqp.ErrClosed
	}
	q, ok := ch.b.queues[queueName]
	if !ok {
		return amqp.Delivery{}, false, ch.fail(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName))
	}
	if len(q.ready) == 0 {
		return amqp.Delivery{}, false, nil
	}

	m := q.ready[0]
	q.ready = q.ready[1:]
	m.stopTimer()

	ch.tagSeq++
	tag := ch.tagSeq
	if !autoAck {
		ch.unacked[tag] = &inflight{msg: m, queue: q.name}
	}
	d := m.delivery(ch, tag, "")
	d.MessageCount = uint32(len(q.ready))
	return d, true, nil
}

// PublishWithContext routes a message, or buffers it inside a transaction.
func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if len(ch.b.publishErrs) > 0 {
		err := ch.b.publishErrs[0]
		ch.b.publishErrs = ch.b.publishErrs[1:]
		return err
	}

	if ch.tx {
		ch.txBuf = append(ch.txBuf, pendingPublish{exchange: exchange, key: key, msg: clonePublishing(msg)})
		return nil
	}

	if err := ch.b.route(exchange, key, msg); err != nil {
		return err
	}

	if ch.confirm {
		ch.pubSeq++
		conf := amqp.Confirmation{DeliveryTag: ch.pubSeq, Ack: !ch.b.nackAll}
		for _, c := range ch.confirms {
			c <- conf
		}
	}
	return nil
}

// GetNextPublishSeqNo returns the sequence number the next publish will get.
func (ch *Channel) GetNextPublishSeqNo() uint64 {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	return ch.pubSeq + 1
}

// Confirm puts the channel into confirm mode.
func (ch *Channel) Confirm(noWait bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if ch.tx {
		return ch.fail(amqp.PreconditionFailed, "PRECONDITION_FAILED - cannot switch from tx to confirm mode")
	}
	ch.confirm = true
	return nil
}

// NotifyPublish registers a confirmation listener.
func (ch *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		close(confirm)
		return confirm
	}
	ch.confirms = append(ch.confirms, confirm)
	return confirm
}

// Tx puts the channel into transactional mode.
func (ch *Channel) Tx() error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if ch.confirm {
		return ch.fail(amqp.PreconditionFailed, "PRECONDITION_FAILED - cannot switch from confirm to tx mode")
	}
	ch.tx = true
	return nil
}

// TxCommit makes buffered publishes visible.
func (ch *Channel) TxCommit() error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if !ch.tx {
		return ch.fail(amqp.PreconditionFailed, "PRECONDITION_FAILED - channel is not transactional")
	}
	buf := ch.txBuf
	ch.txBuf = nil
	for _, p := range buf {
		if err := ch.b.route(p.exchange, p.key, p.msg); err != nil {
			return err
		}
	}
	return nil
}

// TxRollback discards buffered publishes.
func (ch *Channel) TxRollback() error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if !ch.tx {
		return ch.fail(amqp.PreconditionFailed, "PRECONDITION_FAILED - channel is not transactional")
	}
	ch.txBuf = nil
	return nil
}

// ExchangeDeclare creates an exchange or verifies an existing one.
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if ex, ok := ch.b.exchanges[name]; ok {
		if ex.kind != kind {
			return ch.fail(amqp.PreconditionFailed, fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s'", name))
		}
		return nil
	}
	ch.b.exchanges[name] = &exchange{name: name, kind: kind}
	return nil
}

// QueueDeclare creates a queue or verifies the arguments of an existing one.
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := ch.b.queues[name]
	if ok {
		if !equivalentArgs(q.args, args) {
			return amqp.Queue{}, ch.fail(amqp.PreconditionFailed, fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for queue '%s'", name))
		}
	} else {
		q = &queue{name: name, args: cloneTable(args)}
		ch.b.queues[name] = q
	}
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

// QueueDeclarePassive inspects an existing queue.
func (ch *Channel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := ch.b.queues[name]
	if !ok {
		return amqp.Queue{}, ch.fail(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", name))
	}
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

// QueueBind binds a queue to an exchange.
func (ch *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ex, ok := ch.b.exchanges[exchangeName]
	if !ok {
		return ch.fail(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName))
	}
	if _, ok := ch.b.queues[name]; !ok {
		return ch.fail(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", name))
	}
	for _, bd := range ex.bindings {
		if bd.queue == name && bd.key == key {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: name, key: key})
	return nil
}

// QueuePurge drops every ready message.
func (ch *Channel) QueuePurge(name string, noWait bool) (int, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return 0, amqp.ErrClosed
	}
	q, ok := ch.b.queues[name]
	if !ok {
		return 0, ch.fail(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", name))
	}
	n := len(q.ready)
	for _, m := range q.ready {
		m.stopTimer()
	}
	q.ready = nil
	return n, nil
}

// Close closes the channel; unacknowledged deliveries return to their queues.
func (ch *Channel) Close() error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.shutdown()
	return nil
}

// IsClosed reports whether the channel was closed.
func (ch *Channel) IsClosed() bool {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	return ch.closed
}

// Ack acknowledges a delivery.
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	return ch.settle(tag, multiple, func(f *inflight, q *queue) {})
}

// Nack negatively acknowledges a delivery.
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	return ch.settle(tag, multiple, func(f *inflight, q *queue) {
		if requeue {
			f.msg.redelivered = true
			ch.b.insert(q, f.msg, true)
			return
		}
		ch.b.deadLetter(q, f.msg, "rejected")
	})
}

// Reject rejects a delivery.
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *Channel) settle(tag uint64, multiple bool, apply func(*inflight, *queue)) error {
	if ch.closed {
		return amqp.ErrClosed
	}

	var tags []uint64
	if multiple {
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	} else {
		if _, ok := ch.unacked[tag]; !ok {
			return ch.fail(amqp.PreconditionFailed, fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag))
		}
		tags = []uint64{tag}
	}

	touched := make(map[*queue]bool)
	for _, t := range tags {
		f := ch.unacked[t]
		delete(ch.unacked, t)
		if f.consumer != nil {
			f.consumer.unacked--
		}
		q, ok := ch.b.queues[f.queue]
		if !ok {
			continue
		}
		apply(f, q)
		touched[q] = true
	}
	for q := range touched {
		ch.b.dispatch(q)
	}
	return nil
}

// fail closes the channel the way a broker channel exception does.
func (ch *Channel) fail(code int, reason string) error {
	ch.shutdown()
	return &amqp.Error{Code: code, Reason: reason, Server: true}
}

// shutdown releases consumers and requeues unacknowledged deliveries. Callers hold b.mu.
func (ch *Channel) shutdown() {
	if ch.closed {
		return
	}
	ch.closed = true

	for _, c := range ch.consumers {
		ch.detach(c)
	}

	tags := make([]uint64, 0, len(ch.unacked))
	for t := range ch.unacked {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })
	touched := make(map[*queue]bool)
	for _, t := range tags {
		f := ch.unacked[t]
		if q, ok := ch.b.queues[f.queue]; ok {
			f.msg.redelivered = true
			ch.b.insert(q, f.msg, true)
			touched[q] = true
		}
	}
	ch.unacked = make(map[uint64]*inflight)
	for q := range touched {
		ch.b.dispatch(q)
	}

	for _, c := range ch.confirms {
		close(c)
	}
	ch.confirms = nil
	ch.txBuf = nil
}
