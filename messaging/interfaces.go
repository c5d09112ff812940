package messaging

import (
	"context"
	"time"

	"github.com/glimte/alertmq/internal/rabbitmq"
)

// Channel is the AMQP channel surface publishers and consumers drive.
type Channel = rabbitmq.Channel

// Connector owns one broker connection and hands out its channel.
// *rabbitmq.ConnectionManager is the production implementation.
type Connector interface {
	Connect(ctx context.Context) error
	Channel() (Channel, error)
	Close() error
}

// Outcome is the final state of a consumed message.
type Outcome string

const (
	OutcomeAcked        Outcome = "acked"
	OutcomeRetried      Outcome = "retried"
	OutcomeRequeued     Outcome = "requeued"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeDiscarded    Outcome = "discarded"
)

// Metrics receives messaging events. Implementations must be safe for
// concurrent use.
type Metrics interface {
	PublishCompleted(routingKey string, err error)
	DeliveryCompleted(queue string, outcome Outcome, duration time.Duration)
	BatchFlushed(queue string, size int, err error)
	DeadLettersReplayed(queue string, count int)
	DeadLettersPurged(queue string, count int)
}

// NopMetrics discards every event.
type NopMetrics struct{}

func (NopMetrics) PublishCompleted(string, error)                   {}
func (NopMetrics) DeliveryCompleted(string, Outcome, time.Duration) {}
func (NopMetrics) BatchFlushed(string, int, error)                  {}
func (NopMetrics) DeadLettersReplayed(string, int)                  {}
func (NopMetrics) DeadLettersPurged(string, int)                    {}
