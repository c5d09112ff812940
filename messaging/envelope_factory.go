package messaging

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// MetaKey is the body key consumers attach delivery metadata under.
	MetaKey = "_meta"

	// RetryCountHeader carries the number of retries already spent.
	RetryCountHeader = "x-retry-count"
	// ReplayCountHeader counts how many times a message was replayed from the DLQ.
	ReplayCountHeader = "x-replay-count"
	// AlertTypeHeader is set by PublishPriorityAlert.
	AlertTypeHeader = "alert_type"

	MinPriority     = 0
	MaxPriority     = 10
	DefaultPriority = 5
)

var alertPriorities = map[string]int{
	"critical": 10,
	"high":     8,
	"medium":   5,
	"low":      3,
	"info":     1,
}

// AlertPriority maps an alert severity to a message priority. Unknown
// severities get DefaultPriority.
func AlertPriority(alertType string) int {
	if p, ok := alertPriorities[strings.ToLower(strings.TrimSpace(alertType))]; ok {
		return p
	}
	return DefaultPriority
}

// ClampPriority bounds p to MinPriority..MaxPriority.
func ClampPriority(p int) uint8 {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return uint8(p)
}

// Message is the envelope of one publish.
type Message struct {
	ID            string
	Body          any
	RoutingKey    string
	Priority      uint8
	Persistent    bool
	CorrelationID string
	ReplyTo       string
	Expiration    time.Duration
	Headers       map[string]any
	Timestamp     time.Time
}

func newMessage(routingKey string, body any, o PublishOptions) *Message {
	id := o.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	correlationID := o.CorrelationID
	if correlationID == "" {
		correlationID = id
	}

	var headers map[string]any
	if len(o.Headers) > 0 {
		headers = make(map[string]any, len(o.Headers))
		for k, v := range o.Headers {
			headers[k] = v
		}
	}

	return &Message{
		ID:            id,
		Body:          body,
		RoutingKey:    routingKey,
		Priority:      ClampPriority(o.Priority),
		Persistent:    o.Persistent,
		CorrelationID: correlationID,
		ReplyTo:       o.ReplyTo,
		Expiration:    o.Expiration,
		Headers:       headers,
		Timestamp:     time.Now().UTC(),
	}
}

func (m *Message) publishing(payload []byte, contentType string) amqp.Publishing {
	pub := amqp.Publishing{
		ContentType:   contentType,
		DeliveryMode:  amqp.Transient,
		Priority:      m.Priority,
		CorrelationId: m.CorrelationID,
		ReplyTo:       m.ReplyTo,
		MessageId:     m.ID,
		Timestamp:     m.Timestamp,
		Body:          payload,
	}
	if m.Persistent {
		pub.DeliveryMode = amqp.Persistent
	}
	if m.Expiration > 0 {
		pub.Expiration = strconv.FormatInt(m.Expiration.Milliseconds(), 10)
	}
	if len(m.Headers) > 0 {
		pub.Headers = amqp.Table(m.Headers)
	}
	return pub
}

// Meta is the delivery metadata consumers attach to decoded bodies.
type Meta struct {
	MessageID     string
	CorrelationID string
	RetryCount    int
	RoutingKey    string
	Redelivered   bool
	Timestamp     time.Time
}

func metaFor(d amqp.Delivery, retryCount int) Meta {
	return Meta{
		MessageID:     d.MessageId,
		CorrelationID: d.CorrelationId,
		RetryCount:    retryCount,
		RoutingKey:    d.RoutingKey,
		Redelivered:   d.Redelivered,
		Timestamp:     d.Timestamp,
	}
}

func (m Meta) toMap() map[string]any {
	out := map[string]any{
		"message_id":     m.MessageID,
		"correlation_id": m.CorrelationID,
		"retry_count":    m.RetryCount,
		"routing_key":    m.RoutingKey,
		"redelivered":    m.Redelivered,
	}
	if !m.Timestamp.IsZero() {
		out["timestamp"] = m.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func attachMeta(body map[string]any, m Meta) {
	body[MetaKey] = m.toMap()
}

// MetaOf reads the metadata a consumer attached to body.
func MetaOf(body map[string]any) (Meta, bool) {
	raw, ok := body[MetaKey].(map[string]any)
	if !ok {
		return Meta{}, false
	}

	m := Meta{}
	m.MessageID, _ = raw["message_id"].(string)
	m.CorrelationID, _ = raw["correlation_id"].(string)
	m.RoutingKey, _ = raw["routing_key"].(string)
	m.Redelivered, _ = raw["redelivered"].(bool)
	switch n := raw["retry_count"].(type) {
	case int:
		m.RetryCount = n
	case float64:
		m.RetryCount = int(n)
	}
	if ts, ok := raw["timestamp"].(string); ok {
		m.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return m, true
}

// StripMeta returns a copy of body without the metadata namespace.
func StripMeta(body map[string]any) map[string]any {
	out := make(map[string]any, len(body))
	for k, v := range body {
		if k != MetaKey {
			out[k] = v
		}
	}
	return out
}
