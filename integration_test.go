//go:build integration

package alertmq

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcrabbitmq "github.com/testcontainers/testcontainers-go/modules/rabbitmq"

	"github.com/glimte/alertmq/internal/rabbitmq"
	"github.com/glimte/alertmq/messaging"
)

// brokerURL starts a RabbitMQ container unless RABBITMQ_URL points at a running broker.
func brokerURL(t *testing.T) string {
	t.Helper()
	if url := os.Getenv("RABBITMQ_URL"); url != "" {
		return url
	}

	ctx := context.Background()
	container, err := tcrabbitmq.Run(ctx, "rabbitmq:3.13-management-alpine")
	if err != nil {
		t.Fatalf("failed to start rabbitmq container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate rabbitmq container: %v", err)
		}
	})

	url, err := container.AmqpURL(ctx)
	if err != nil {
		t.Fatalf("failed to get amqp url: %v", err)
	}
	return url
}

func newIntegrationClient(t *testing.T, url, queue string, opts ...ClientOption) *Client {
	t.Helper()
	client, err := NewClientWithOptions(url, append([]ClientOption{
		WithLogger(discardLogger()),
		WithQueue(queue),
	}, opts...)...)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func consumeUntil(t *testing.T, c *messaging.Consumer, handler messaging.Handler, done func() bool) {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- c.Consume(context.Background(), handler, nil) }()
	require.Eventually(t, done, 30*time.Second, 50*time.Millisecond)
	c.StopConsuming()
	require.NoError(t, <-errc)
}

func TestIntegration(t *testing.T) {
	url := brokerURL(t)
	ctx := context.Background()

	t.Run("publish and consume", func(t *testing.T) {
		client := newIntegrationClient(t, url, "it-basic")

		id, err := client.PublishAlert(ctx, map[string]any{"rule": "port-scan"}, "high")
		require.NoError(t, err)
		require.True(t, client.Publisher().WaitForConfirms(ctx, 5*time.Second))

		var got atomic.Value
		consumeUntil(t, client.Consumer(), func(ctx context.Context, alert map[string]any) error {
			got.Store(alert)
			return nil
		}, func() bool { return got.Load() != nil })

		meta, ok := messaging.MetaOf(got.Load().(map[string]any))
		require.True(t, ok)
		assert.Equal(t, id, meta.MessageID)
		assert.Zero(t, meta.RetryCount)
	})

	t.Run("retries then dead-letters and replays", func(t *testing.T) {
		client := newIntegrationClient(t, url, "it-retry", WithRetryPolicy(messaging.RetryPolicy{
			MaxRetryAttempts:  2,
			RetryDelay:        100 * time.Millisecond,
			BackoffMultiplier: 2,
			MaxRetryDelay:     time.Second,
		}))

		_, err := client.Publisher().Publish(ctx, client.Queue(), map[string]any{"rule": "flaky"})
		require.NoError(t, err)

		var attempts atomic.Int32
		consumeUntil(t, client.Consumer(), func(ctx context.Context, alert map[string]any) error {
			meta, _ := messaging.MetaOf(alert)
			assert.Equal(t, int(attempts.Load()), meta.RetryCount)
			attempts.Add(1)
			return errors.New("sink unavailable")
		}, func() bool {
			stats, err := client.Consumer().QueueStats(ctx)
			return err == nil && stats.DLQMessageCount == 1
		})
		assert.EqualValues(t, 3, attempts.Load())

		n, err := client.Consumer().ReplayDLQ(ctx, messaging.DefaultReplayLimit)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		stats, err := client.Consumer().QueueStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.MessageCount)
		assert.Zero(t, stats.DLQMessageCount)

		purged, err := client.Consumer().PurgeDLQ(ctx)
		require.NoError(t, err)
		assert.Zero(t, purged)
	})

	t.Run("transactions", func(t *testing.T) {
		client := newIntegrationClient(t, url, "it-tx")
		tx := messaging.NewTransactionalPublisher(
			rabbitmq.NewConnectionManager(url, rabbitmq.WithLogger(discardLogger())),
			messaging.WithPublisherLogger(discardLogger()))
		require.NoError(t, tx.Connect(ctx))
		defer tx.Close()

		require.NoError(t, tx.PublishInTransaction(ctx, []messaging.BatchMessage{
			{Body: map[string]any{"n": 1}},
			{Body: map[string]any{"n": 2}},
		}, client.Queue()))

		require.NoError(t, tx.BeginTransaction(ctx))
		_, err := tx.Publish(ctx, client.Queue(), map[string]any{"n": 3})
		require.NoError(t, err)
		require.NoError(t, tx.RollbackTransaction())

		require.Eventually(t, func() bool {
			stats, err := client.Consumer().QueueStats(ctx)
			return err == nil && stats.MessageCount == 2
		}, 10*time.Second, 50*time.Millisecond)
	})

	t.Run("batches", func(t *testing.T) {
		client := newIntegrationClient(t, url, "it-batch")
		result := client.Publisher().PublishBatch(ctx, []messaging.BatchMessage{
			{Body: map[string]any{"seq": 0}},
			{Body: map[string]any{"seq": 1}},
			{Body: map[string]any{"seq": 2}},
		}, client.Queue())
		require.Equal(t, 3, result.SuccessCount)

		bc := client.NewBatchConsumer(messaging.WithBatchSize(3), messaging.WithBatchAckMode(messaging.AckAfterFlush))
		require.NoError(t, bc.Connect(ctx))
		defer bc.Close()

		batches := make(chan []map[string]any, 1)
		errc := make(chan error, 1)
		go func() {
			errc <- bc.Consume(ctx, func(ctx context.Context, batch []map[string]any) error {
				batches <- batch
				return nil
			}, nil)
		}()

		select {
		case batch := <-batches:
			assert.Len(t, batch, 3)
		case <-time.After(30 * time.Second):
			t.Fatal("no batch received")
		}
		bc.StopConsuming()
		require.NoError(t, <-errc)
	})
}
