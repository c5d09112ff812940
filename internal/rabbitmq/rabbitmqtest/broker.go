// Package rabbitmqtest provides an in-memory broker that speaks the subset of
// AMQP 0-9-1 the messaging layer uses: default and direct exchanges, queue
// arguments (dead-lettering, TTL, max-length, priority), consumers with
// prefetch, basic.get, publisher confirms and transactions.
package rabbitmqtest

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/alertmq/internal/rabbitmq"
)

// Broker is an in-memory AMQP broker.
type Broker struct {
	mu          sync.Mutex
	queues      map[string]*queue
	exchanges   map[string]*exchange
	conns       []*Connection
	dialErrs    []error
	publishErrs []error
	nackAll     bool
	seq         uint64
	consumerSeq int
}

type exchange struct {
	name     string
	kind     string
	bindings []binding
}

type binding struct {
	queue string
	key   string
}

type queue struct {
	name      string
	args      amqp.Table
	ready     []*message
	consumers []*consumer
	next      int
}

type message struct {
	id          uint64
	exchange    string
	routingKey  string
	pub         amqp.Publishing
	redelivered bool
	timer       *time.Timer
}

type consumer struct {
	tag        string
	queue      string
	ch         *Channel
	autoAck    bool
	unacked    int
	deliveries chan amqp.Delivery
}

type inflight struct {
	msg      *message
	queue    string
	consumer *consumer
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{
		queues:    make(map[string]*queue),
		exchanges: make(map[string]*exchange),
	}
}

// Dial implements rabbitmq.Dialer.
func (b *Broker) Dial(url string) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.dialErrs) > 0 {
		err := b.dialErrs[0]
		b.dialErrs = b.dialErrs[1:]
		return nil, err
	}

	conn := &Connection{b: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

// FailDials makes the next n dials fail with err.
func (b *Broker) FailDials(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < n; i++ {
		b.dialErrs = append(b.dialErrs, err)
	}
}

// FailPublishes makes the next n publishes on any channel fail with err.
func (b *Broker) FailPublishes(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < n; i++ {
		b.publishErrs = append(b.publishErrs, err)
	}
}

// NackPublishes makes confirm-mode channels nack every publish.
func (b *Broker) NackPublishes(nack bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nackAll = nack
}

// DropConnections force-closes every open connection as a broker restart would.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	for _, c := range conns {
		c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true})
	}
	b.mu.Unlock()
}

// NewChannel opens a channel that is not tied to any connection.
func (b *Broker) NewChannel() *Channel {
	return newChannel(b, nil)
}

// Publish routes a message as if a client had published it.
func (b *Broker) Publish(exchangeName, key string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.route(exchangeName, key, msg)
}

// DeclareQueue creates a queue outside of any channel.
func (b *Broker) DeclareQueue(name string, args amqp.Table) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &queue{name: name, args: cloneTable(args)}
	}
}

// HasQueue reports whether the queue exists.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// QueueArgs returns the arguments a queue was declared with.
func (b *Broker) QueueArgs(name string) (amqp.Table, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil, false
	}
	return cloneTable(q.args), true
}

// QueueNames lists declared queues.
func (b *Broker) QueueNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	return names
}

// QueueLen returns the number of ready messages in a queue.
func (b *Broker) QueueLen(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// Messages returns a snapshot of the ready messages of a queue in delivery order.
func (b *Broker) Messages(name string) []amqp.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]amqp.Delivery, 0, len(q.ready))
	for _, m := range q.ready {
		out = append(out, m.delivery(nil, 0, ""))
	}
	return out
}

// OpenConnections returns the number of connections not yet closed.
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Unacked returns the number of deliveries awaiting acknowledgement across channels.
func (b *Broker) Unacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.conns {
		for _, ch := range c.channels {
			n += len(ch.unacked)
		}
	}
	return n
}

// route delivers msg to every queue bound to exchangeName with key. Callers hold b.mu.
func (b *Broker) route(exchangeName, key string, pub amqp.Publishing) error {
	var targets []*queue

	if exchangeName == "" {
		if q, ok := b.queues[key]; ok {
			targets = append(targets, q)
		}
	} else {
		ex, ok := b.exchanges[exchangeName]
		if !ok {
			return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName)}
		}
		for _, bd := range ex.bindings {
			if ex.kind == amqp.ExchangeFanout || bd.key == key {
				if q, ok := b.queues[bd.queue]; ok {
					targets = append(targets, q)
				}
			}
		}
	}

	for _, q := range targets {
		b.seq++
		m := &message{
			id:         b.seq,
			exchange:   exchangeName,
			routingKey: key,
			pub:        clonePublishing(pub),
		}
		b.enqueue(q, m)
	}
	return nil
}

func (b *Broker) enqueue(q *queue, m *message) {
	if max := intArg(q.args, "x-max-length"); max > 0 {
		for len(q.ready) >= max {
			head := q.ready[0]
			q.ready = q.ready[1:]
			head.stopTimer()
			b.deadLetter(q, head, "maxlen")
		}
	}

	b.insert(q, m, false)
	b.scheduleExpiry(q, m)
	b.dispatch(q)
}

// insert places m in priority order; requeued messages go ahead of their peers.
func (b *Broker) insert(q *queue, m *message, front bool) {
	if intArg(q.args, "x-max-priority") <= 0 {
		if front {
			q.ready = append([]*message{m}, q.ready...)
		} else {
			q.ready = append(q.ready, m)
		}
		return
	}

	p := int(m.pub.Priority)
	if maxP := intArg(q.args, "x-max-priority"); p > maxP {
		p = maxP
	}
	idx := len(q.ready)
	for i, other := range q.ready {
		op := int(other.pub.Priority)
		if (front && op <= p) || (!front && op < p) {
			idx = i
			break
		}
	}
	q.ready = append(q.ready, nil)
	copy(q.ready[idx+1:], q.ready[idx:])
	q.ready[idx] = m
}

func (b *Broker) scheduleExpiry(q *queue, m *message) {
	ttl, ok := messageTTL(q, m)
	if !ok {
		return
	}
	if ttl <= 0 {
		if b.remove(q, m) {
			b.deadLetter(q, m, "expired")
		}
		return
	}
	m.timer = time.AfterFunc(ttl, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.remove(q, m) {
			b.deadLetter(q, m, "expired")
		}
	})
}

func (b *Broker) remove(q *queue, m *message) bool {
	for i, other := range q.ready {
		if other == m {
			q.ready = append(q.ready[:i], q.ready[i+1:]...)
			return true
		}
	}
	return false
}

// deadLetter republishes m through the queue's dead-letter exchange,
// recording the death the way RabbitMQ does.
func (b *Broker) deadLetter(q *queue, m *message, reason string) {
	dlx, ok := q.args["x-dead-letter-exchange"].(string)
	if !ok {
		return
	}
	key := m.routingKey
	if rk, ok := q.args["x-dead-letter-routing-key"].(string); ok {
		key = rk
	}

	pub := clonePublishing(m.pub)
	if pub.Headers == nil {
		pub.Headers = amqp.Table{}
	}
	deaths, _ := pub.Headers["x-death"].([]interface{})
	updated := make([]interface{}, 0, len(deaths)+1)
	var current amqp.Table
	for _, d := range deaths {
		t, ok := d.(amqp.Table)
		if ok && current == nil && t["queue"] == q.name && t["reason"] == reason {
			current = cloneTable(t)
			current["count"] = int64(intArg(t, "count") + 1)
			current["time"] = time.Now().UTC().Truncate(time.Second)
			continue
		}
		updated = append(updated, d)
	}
	if current == nil {
		current = amqp.Table{
			"count":        int64(1),
			"reason":       reason,
			"queue":        q.name,
			"time":         time.Now().UTC().Truncate(time.Second),
			"exchange":     m.exchange,
			"routing-keys": []interface{}{m.routingKey},
		}
	}
	pub.Headers["x-death"] = append([]interface{}{current}, updated...)
	if _, ok := pub.Headers["x-first-death-queue"]; !ok {
		pub.Headers["x-first-death-queue"] = q.name
		pub.Headers["x-first-death-reason"] = reason
		pub.Headers["x-first-death-exchange"] = m.exchange
	}
	pub.Expiration = ""

	_ = b.route(dlx, key, pub)
}

// dispatch hands ready messages to consumers with spare prefetch capacity.
func (b *Broker) dispatch(q *queue) {
	for len(q.ready) > 0 && len(q.consumers) > 0 {
		var target *consumer
		for i := 0; i < len(q.consumers); i++ {
			c := q.consumers[(q.next+i)%len(q.consumers)]
			if c.autoAck || c.ch.prefetch <= 0 || c.unacked < c.ch.prefetch {
				target = c
				q.next = (q.next + i + 1) % len(q.consumers)
				break
			}
		}
		if target == nil {
			return
		}

		m := q.ready[0]
		q.ready = q.ready[1:]
		m.stopTimer()

		ch := target.ch
		ch.tagSeq++
		tag := ch.tagSeq
		if !target.autoAck {
			ch.unacked[tag] = &inflight{msg: m, queue: q.name, consumer: target}
			target.unacked++
		}
		target.deliveries <- m.delivery(ch, tag, target.tag)
	}
}

func (m *message) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *message) delivery(ch *Channel, tag uint64, consumerTag string) amqp.Delivery {
	d := amqp.Delivery{
		Headers:         cloneTable(m.pub.Headers),
		ContentType:     m.pub.ContentType,
		ContentEncoding: m.pub.ContentEncoding,
		DeliveryMode:    m.pub.DeliveryMode,
		Priority:        m.pub.Priority,
		CorrelationId:   m.pub.CorrelationId,
		ReplyTo:         m.pub.ReplyTo,
		Expiration:      m.pub.Expiration,
		MessageId:       m.pub.MessageId,
		Timestamp:       m.pub.Timestamp,
		Type:            m.pub.Type,
		UserId:          m.pub.UserId,
		AppId:           m.pub.AppId,
		ConsumerTag:     consumerTag,
		DeliveryTag:     tag,
		Redelivered:     m.redelivered,
		Exchange:        m.exchange,
		RoutingKey:      m.routingKey,
		Body:            append([]byte(nil), m.pub.Body...),
	}
	if ch != nil {
		d.Acknowledger = ch
	}
	return d
}

func messageTTL(q *queue, m *message) (time.Duration, bool) {
	var ttl time.Duration
	found := false

	if _, ok := q.args["x-message-ttl"]; ok {
		ttl = time.Duration(intArg(q.args, "x-message-ttl")) * time.Millisecond
		found = true
	}
	if m.pub.Expiration != "" {
		var ms int64
		if _, err := fmt.Sscanf(m.pub.Expiration, "%d", &ms); err == nil {
			d := time.Duration(ms) * time.Millisecond
			if !found || d < ttl {
				ttl = d
			}
			found = true
		}
	}
	return ttl, found
}

func intArg(t amqp.Table, key string) int {
	switch v := t[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func cloneTable(t amqp.Table) amqp.Table {
	if t == nil {
		return nil
	}
	out := make(amqp.Table, len(t))
	for k, v := range t {
		switch val := v.(type) {
		case amqp.Table:
			out[k] = cloneTable(val)
		case []interface{}:
			cp := make([]interface{}, len(val))
			for i, item := range val {
				if tt, ok := item.(amqp.Table); ok {
					cp[i] = cloneTable(tt)
				} else {
					cp[i] = item
				}
			}
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

func clonePublishing(p amqp.Publishing) amqp.Publishing {
	p.Headers = cloneTable(p.Headers)
	p.Body = append([]byte(nil), p.Body...)
	return p
}

// equivalentArgs compares queue arguments ignoring integer width.
func equivalentArgs(a, b amqp.Table) bool {
	return reflect.DeepEqual(normalizeArgs(a), normalizeArgs(b))
}

func normalizeArgs(t amqp.Table) map[string]interface{} {
	out := make(map[string]interface{}, len(t))
	for k, v := range t {
		switch v.(type) {
		case int, int8, int16, int32, int64, uint8, uint16, uint32, float64:
			out[k] = int64(intArg(t, k))
		default:
			out[k] = v
		}
	}
	return out
}
