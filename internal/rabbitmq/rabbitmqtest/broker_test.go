package rabbitmqtest_test

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/alertmq/internal/rabbitmq"
	"github.com/glimte/alertmq/internal/rabbitmq/rabbitmqtest"
)

func declareAlerts(t *testing.T, b *rabbitmqtest.Broker, delays ...time.Duration) {
	t.Helper()
	cfg := rabbitmq.NewDeadLetterConfig("alerts")
	cfg.RetryDelays = delays
	require.NoError(t, rabbitmq.DeclareTopology(b.NewChannel(), cfg.Topology()))
}

func get(t *testing.T, ch *rabbitmqtest.Channel, queue string) amqp.Delivery {
	t.Helper()
	d, ok, err := ch.Get(queue, false)
	require.NoError(t, err)
	require.True(t, ok, "queue %s is empty", queue)
	return d
}

func TestRejectedMessagesAreDeadLettered(t *testing.T) {
	b := rabbitmqtest.NewBroker()
	declareAlerts(t, b)
	ch := b.NewChannel()

	require.NoError(t, b.Publish("", "alerts", amqp.Publishing{MessageId: "m-1", Body: []byte(`{}`)}))
	require.NoError(t, get(t, ch, "alerts").Nack(false, false))

	assert.Equal(t, 0, b.QueueLen("alerts"))
	d := get(t, ch, "alerts.dlq")
	assert.Equal(t, "m-1", d.MessageId)
	assert.Equal(t, "alerts", d.Headers["x-first-death-queue"])
	assert.Equal(t, "rejected", d.Headers["x-first-death-reason"])

	deaths := d.Headers["x-death"].([]interface{})
	require.Len(t, deaths, 1)
	death := deaths[0].(amqp.Table)
	assert.Equal(t, "alerts", death["queue"])
	assert.Equal(t, int64(1), death["count"])
}

func TestExpiredMessagesReturnThroughTheDefaultExchange(t *testing.T) {
	b := rabbitmqtest.NewBroker()
	declareAlerts(t, b, 10*time.Millisecond)

	require.NoError(t, b.Publish("", "alerts.retry.10", amqp.Publishing{Body: []byte(`{}`)}))
	assert.Equal(t, 1, b.QueueLen("alerts.retry.10"))

	require.Eventually(t, func() bool { return b.QueueLen("alerts") == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, b.QueueLen("alerts.retry.10"))

	d := b.Messages("alerts")[0]
	deaths := d.Headers["x-death"].([]interface{})
	assert.Equal(t, "expired", deaths[0].(amqp.Table)["reason"])
	assert.Equal(t, "alerts.retry.10", deaths[0].(amqp.Table)["queue"])
}

func TestPriorityOrdering(t *testing.T) {
	b := rabbitmqtest.NewBroker()
	declareAlerts(t, b)

	for _, p := range []uint8{1, 10, 5, 10} {
		require.NoError(t, b.Publish("", "alerts", amqp.Publishing{Priority: p}))
	}

	var got []uint8
	for _, m := range b.Messages("alerts") {
		got = append(got, m.Priority)
	}
	assert.Equal(t, []uint8{10, 10, 5, 1}, got)
}

func TestMaxLengthDropsTheOldest(t *testing.T) {
	b := rabbitmqtest.NewBroker()
	b.DeclareQueue("bounded", amqp.Table{"x-max-length": int64(2)})

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, b.Publish("", "bounded", amqp.Publishing{MessageId: id}))
	}

	msgs := b.Messages("bounded")
	require.Len(t, msgs, 2)
	assert.Equal(t, "b", msgs[0].MessageId)
	assert.Equal(t, "c", msgs[1].MessageId)
}

func TestConsumersRespectPrefetch(t *testing.T) {
	b := rabbitmqtest.NewBroker()
	b.DeclareQueue("q", nil)
	conn, err := b.Dial("amqp://localhost")
	require.NoError(t, err)
	ch, err := conn.Channel()
	require.NoError(t, err)
	require.NoError(t, ch.Qos(2, 0, false))

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish("", "q", amqp.Publishing{}))
	}
	deliveries, err := ch.Consume("q", "c1", false, false, false, false, nil)
	require.NoError(t, err)

	assert.Len(t, deliveries, 2)
	assert.Equal(t, 3, b.QueueLen("q"))
	assert.Equal(t, 2, b.Unacked())

	d := <-deliveries
	require.NoError(t, d.Ack(false))
	assert.Equal(t, 2, b.QueueLen("q"))

	// closing the connection returns unacknowledged deliveries
	require.NoError(t, conn.Close())
	assert.Equal(t, 4, b.QueueLen("q"))
	assert.True(t, b.Messages("q")[0].Redelivered)
}

func TestPublisherConfirms(t *testing.T) {
	b := rabbitmqtest.NewBroker()
	b.DeclareQueue("q", nil)
	ch := b.NewChannel()
	require.NoError(t, ch.Confirm(false))
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 4))

	require.NoError(t, ch.PublishWithContext(context.Background(), "", "q", false, false, amqp.Publishing{}))
	b.NackPublishes(true)
	require.NoError(t, ch.PublishWithContext(context.Background(), "", "q", false, false, amqp.Publishing{}))

	assert.Equal(t, amqp.Confirmation{DeliveryTag: 1, Ack: true}, <-confirms)
	assert.Equal(t, amqp.Confirmation{DeliveryTag: 2, Ack: false}, <-confirms)

	// confirm and tx modes exclude each other
	assert.Error(t, ch.Tx())
	assert.True(t, ch.IsClosed())
}

func TestTransactions(t *testing.T) {
	b := rabbitmqtest.NewBroker()
	b.DeclareQueue("q", nil)
	ch := b.NewChannel()
	require.NoError(t, ch.Tx())

	require.NoError(t, ch.PublishWithContext(context.Background(), "", "q", false, false, amqp.Publishing{}))
	assert.Equal(t, 0, b.QueueLen("q"))
	require.NoError(t, ch.TxRollback())
	require.NoError(t, ch.TxCommit())
	assert.Equal(t, 0, b.QueueLen("q"))

	require.NoError(t, ch.PublishWithContext(context.Background(), "", "q", false, false, amqp.Publishing{}))
	require.NoError(t, ch.TxCommit())
	assert.Equal(t, 1, b.QueueLen("q"))
}

func TestDropConnections(t *testing.T) {
	b := rabbitmqtest.NewBroker()
	conn, err := b.Dial("amqp://localhost")
	require.NoError(t, err)
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	assert.Equal(t, 1, b.OpenConnections())
	b.DropConnections()
	assert.Equal(t, 0, b.OpenConnections())

	amqpErr, ok := <-closed
	require.True(t, ok)
	assert.Equal(t, amqp.ConnectionForced, amqpErr.Code)
	assert.True(t, conn.IsClosed())

	_, err = conn.Channel()
	assert.ErrorIs(t, err, amqp.ErrClosed)
}

func TestOpenConnections(t *testing.T) {
	b := rabbitmqtest.NewBroker()
	first, err := b.Dial("amqp://localhost")
	require.NoError(t, err)
	_, err = b.Dial("amqp://localhost")
	require.NoError(t, err)
	assert.Equal(t, 2, b.OpenConnections())

	require.NoError(t, first.Close())
	assert.Equal(t, 1, b.OpenConnections())
}
