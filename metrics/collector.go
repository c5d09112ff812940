package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/alertmq/messaging"
)

const namespace = "alertmq"

// Collector records messaging events as Prometheus metrics. It implements
// messaging.Metrics.
type Collector struct {
	publishesTotal   *prometheus.CounterVec
	deliveriesTotal  *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	batchesTotal     *prometheus.CounterVec
	batchSize        *prometheus.HistogramVec
	dlqReplayedTotal *prometheus.CounterVec
	dlqPurgedTotal   *prometheus.CounterVec
}

var _ messaging.Metrics = (*Collector)(nil)

// New creates a collector and registers its metrics on reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		publishesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publishes_total",
				Help:      "Total number of publishes by routing key and status (count)",
			},
			[]string{"routing_key", "status"},
		),
		deliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Total number of consumed messages by final outcome (count)",
			},
			[]string{"queue", "outcome"},
		),
		deliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "delivery_duration_ms",
				Help:      "Time from receipt to settlement of a delivery in milliseconds",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			[]string{"queue", "outcome"},
		),
		batchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_total",
				Help:      "Total number of flushed batches by status (count)",
			},
			[]string{"queue", "status"},
		),
		batchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_size",
				Help:      "Number of messages per flushed batch (count)",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
			},
			[]string{"queue"},
		),
		dlqReplayedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dlq_replayed_total",
				Help:      "Total number of messages replayed from the dead-letter queue (count)",
			},
			[]string{"queue"},
		),
		dlqPurgedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dlq_purged_total",
				Help:      "Total number of messages purged from the dead-letter queue (count)",
			},
			[]string{"queue"},
		),
	}

	for _, m := range []prometheus.Collector{
		c.publishesTotal,
		c.deliveriesTotal,
		c.deliveryDuration,
		c.batchesTotal,
		c.batchSize,
		c.dlqReplayedTotal,
		c.dlqPurgedTotal,
	} {
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (c *Collector) PublishCompleted(routingKey string, err error) {
	c.publishesTotal.WithLabelValues(routingKey, status(err)).Inc()
}

func (c *Collector) DeliveryCompleted(queue string, outcome messaging.Outcome, duration time.Duration) {
	c.deliveriesTotal.WithLabelValues(queue, string(outcome)).Inc()
	c.deliveryDuration.WithLabelValues(queue, string(outcome)).Observe(float64(duration.Milliseconds()))
}

func (c *Collector) BatchFlushed(queue string, size int, err error) {
	c.batchesTotal.WithLabelValues(queue, status(err)).Inc()
	c.batchSize.WithLabelValues(queue).Observe(float64(size))
}

func (c *Collector) DeadLettersReplayed(queue string, count int) {
	c.dlqReplayedTotal.WithLabelValues(queue).Add(float64(count))
}

func (c *Collector) DeadLettersPurged(queue string, count int) {
	c.dlqPurgedTotal.WithLabelValues(queue).Add(float64(count))
}
