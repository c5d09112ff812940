package rabbitmq

import (
	"fmt"
	"sort"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is a set of declarations applied in order: exchanges, queues, bindings.
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// DeclareTopology declares every exchange, queue and binding of t on ch.
func DeclareTopology(ch Channel, t Topology) error {
	for _, exchange := range t.Exchanges {
		err := ch.ExchangeDeclare(exchange.Name, exchange.Type, exchange.Durable, exchange.AutoDelete, false, false, exchange.Arguments)
		if err != nil {
			return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err, Timestamp: time.Now()}
		}
	}

	for _, queue := range t.Queues {
		if _, err := ch.QueueDeclare(queue.Name, queue.Durable, queue.AutoDelete, queue.Exclusive, false, queue.Arguments); err != nil {
			return &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
		}
	}

	for _, binding := range t.Bindings {
		if err := ch.QueueBind(binding.Queue, binding.RoutingKey, binding.Exchange, false, binding.Arguments); err != nil {
			return &TopologyError{Component: "binding", Name: binding.Queue + "->" + binding.Exchange, Op: "declare", Err: err, Timestamp: time.Now()}
		}
	}

	return nil
}

const (
	defaultQueueMaxLength = 100000
	defaultQueueTTL       = 24 * time.Hour
	defaultDLQMaxLength   = 50000
	defaultDLQTTL         = 7 * 24 * time.Hour
	defaultMaxPriority    = 10
)

// DLQName returns the dead-letter queue paired with queue.
func DLQName(queue string) string { return queue + ".dlq" }

// DLXName returns the dead-letter exchange paired with queue.
func DLXName(queue string) string { return queue + ".dlx" }

// RetryQueuePrefix is the name prefix shared by the retry-delay queues of queue.
func RetryQueuePrefix(queue string) string { return queue + ".retry." }

// RetryQueueName returns the queue that parks messages of queue for delay.
func RetryQueueName(queue string, delay time.Duration) string {
	return fmt.Sprintf("%s%d", RetryQueuePrefix(queue), delay.Milliseconds())
}

// IsRetryQueue reports whether name is one of the retry-delay queues of queue.
func IsRetryQueue(queue, name string) bool {
	return strings.HasPrefix(name, RetryQueuePrefix(queue))
}

// DeadLetterConfig describes a work queue together with its dead-letter and
// retry-delay companions.
type DeadLetterConfig struct {
	Queue          string
	QueueTTL       time.Duration
	QueueMaxLength int
	// MaxPriority enables priority ordering on the main queue; 0 omits it.
	MaxPriority  int
	DLQTTL       time.Duration
	DLQMaxLength int
	// RetryDelays lists the parking delays; one queue is declared per distinct value.
	RetryDelays []time.Duration
}

// NewDeadLetterConfig returns the default limits for queue.
func NewDeadLetterConfig(queue string) DeadLetterConfig {
	return DeadLetterConfig{
		Queue:          queue,
		QueueTTL:       defaultQueueTTL,
		QueueMaxLength: defaultQueueMaxLength,
		MaxPriority:    defaultMaxPriority,
		DLQTTL:         defaultDLQTTL,
		DLQMaxLength:   defaultDLQMaxLength,
	}
}

// Validate checks the names and limits.
func (c DeadLetterConfig) Validate() error {
	switch {
	case c.Queue == "":
		return fmt.Errorf("%w: queue name is required", ErrInvalidTopology)
	case c.QueueTTL <= 0 || c.DLQTTL <= 0:
		return fmt.Errorf("%w: message TTLs must be positive", ErrInvalidTopology)
	case c.QueueMaxLength <= 0 || c.DLQMaxLength <= 0:
		return fmt.Errorf("%w: max lengths must be positive", ErrInvalidTopology)
	case c.MaxPriority < 0 || c.MaxPriority > 255:
		return fmt.Errorf("%w: max priority must be within 0..255", ErrInvalidTopology)
	}
	for _, d := range c.RetryDelays {
		if d < 0 {
			return fmt.Errorf("%w: retry delays must not be negative", ErrInvalidTopology)
		}
	}
	return nil
}

// MainQueueArguments are the arguments of the work queue.
func (c DeadLetterConfig) MainQueueArguments() amqp.Table {
	args := amqp.Table{
		"x-dead-letter-exchange":    DLXName(c.Queue),
		"x-dead-letter-routing-key": DLQName(c.Queue),
		"x-max-length":              int64(c.QueueMaxLength),
		"x-message-ttl":             c.QueueTTL.Milliseconds(),
	}
	if c.MaxPriority > 0 {
		args["x-max-priority"] = int64(c.MaxPriority)
	}
	return args
}

// DLQArguments are the arguments of the dead-letter queue.
func (c DeadLetterConfig) DLQArguments() amqp.Table {
	return amqp.Table{
		"x-max-length":  int64(c.DLQMaxLength),
		"x-message-ttl": c.DLQTTL.Milliseconds(),
	}
}

// RetryQueueArguments make a parked message expire back into the work queue
// through the default exchange.
func (c DeadLetterConfig) RetryQueueArguments(delay time.Duration) amqp.Table {
	return amqp.Table{
		"x-message-ttl":             delay.Milliseconds(),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": c.Queue,
	}
}

// Topology builds the declarations: the DLX, the DLQ and its binding, the
// work queue and one retry queue per distinct delay.
func (c DeadLetterConfig) Topology() Topology {
	t := Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: DLXName(c.Queue), Type: amqp.ExchangeDirect, Durable: true},
		},
		Queues: []QueueDeclaration{
			{Name: DLQName(c.Queue), Durable: true, Arguments: c.DLQArguments()},
			{Name: c.Queue, Durable: true, Arguments: c.MainQueueArguments()},
		},
		Bindings: []Binding{
			{Queue: DLQName(c.Queue), Exchange: DLXName(c.Queue), RoutingKey: DLQName(c.Queue)},
		},
	}

	seen := make(map[int64]bool)
	delays := make([]time.Duration, 0, len(c.RetryDelays))
	for _, d := range c.RetryDelays {
		ms := d.Milliseconds()
		if seen[ms] {
			continue
		}
		seen[ms] = true
		delays = append(delays, time.Duration(ms)*time.Millisecond)
	}
	sort.Slice(delays, func(i, j int) bool { return delays[i] < delays[j] })

	for _, d := range delays {
		t.Queues = append(t.Queues, QueueDeclaration{
			Name:      RetryQueueName(c.Queue, d),
			Durable:   true,
			Arguments: c.RetryQueueArguments(d),
		})
	}

	return t
}
