package messaging

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlertPriority(t *testing.T) {
	tests := []struct {
		alertType string
		want      int
	}{
		{"critical", 10},
		{"high", 8},
		{"medium", 5},
		{"low", 3},
		{"info", 1},
		{" CRITICAL ", 10},
		{"unknown", DefaultPriority},
		{"", DefaultPriority},
	}

	for _, tt := range tests {
		t.Run(tt.alertType, func(t *testing.T) {
			assert.Equal(t, tt.want, AlertPriority(tt.alertType))
		})
	}
}

func TestClampPriority(t *testing.T) {
	assert.Equal(t, uint8(0), ClampPriority(-3))
	assert.Equal(t, uint8(7), ClampPriority(7))
	assert.Equal(t, uint8(10), ClampPriority(99))
}

func TestNewMessage(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		m := newMessage("alerts", map[string]any{"a": 1}, defaultPublishOptions())
		assert.NotEmpty(t, m.ID)
		assert.Equal(t, m.ID, m.CorrelationID)
		assert.Equal(t, uint8(DefaultPriority), m.Priority)
		assert.True(t, m.Persistent)
		assert.Nil(t, m.Headers)

		pub := m.publishing([]byte(`{"a":1}`), "application/json")
		assert.Equal(t, amqp.Persistent, pub.DeliveryMode)
		assert.Empty(t, pub.Expiration)
		assert.Equal(t, m.ID, pub.MessageId)
	})

	t.Run("options", func(t *testing.T) {
		o := defaultPublishOptions()
		for _, opt := range []PublishOption{
			WithMessageID("m-1"),
			WithCorrelationID("c-1"),
			WithPriority(12),
			WithPersistent(false),
			WithExpiration(1500 * time.Millisecond),
			WithHeader("source", "ids"),
		} {
			opt(&o)
		}

		m := newMessage("alerts", nil, o)
		pub := m.publishing(nil, "application/json")
		assert.Equal(t, "m-1", pub.MessageId)
		assert.Equal(t, "c-1", pub.CorrelationId)
		assert.Equal(t, uint8(MaxPriority), pub.Priority)
		assert.Equal(t, amqp.Transient, pub.DeliveryMode)
		assert.Equal(t, "1500", pub.Expiration)
		assert.Equal(t, "ids", pub.Headers["source"])
	})

	t.Run("headers are copied", func(t *testing.T) {
		o := defaultPublishOptions()
		headers := map[string]any{"k": "v"}
		WithHeaders(headers)(&o)

		m := newMessage("alerts", nil, o)
		headers["k"] = "changed"
		assert.Equal(t, "v", m.Headers["k"])
	})
}

func TestMeta(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	d := amqp.Delivery{
		MessageId:     "m-9",
		CorrelationId: "c-9",
		RoutingKey:    "alerts",
		Redelivered:   true,
		Timestamp:     ts,
	}

	body := map[string]any{"alert": "x"}
	attachMeta(body, metaFor(d, 2))

	meta, ok := MetaOf(body)
	require.True(t, ok)
	assert.Equal(t, Meta{
		MessageID:     "m-9",
		CorrelationID: "c-9",
		RetryCount:    2,
		RoutingKey:    "alerts",
		Redelivered:   true,
		Timestamp:     ts,
	}, meta)

	stripped := StripMeta(body)
	assert.Equal(t, map[string]any{"alert": "x"}, stripped)
	assert.Contains(t, body, MetaKey)

	_, ok = MetaOf(stripped)
	assert.False(t, ok)
}
