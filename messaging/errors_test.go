package messaging

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/glimte/alertmq/internal/rabbitmq"
)

func TestErrorMatchesItsKind(t *testing.T) {
	cause := errors.New("boom")
	err := &Error{Kind: KindPublish, Op: "publish", MessageID: "m-1", Err: cause}

	assert.ErrorIs(t, err, ErrPublish)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrConnection)
	assert.Equal(t, "messaging publish error: publish (message m-1): boom", err.Error())

	wrapped := fmt.Errorf("sending alert: %w", err)
	assert.Equal(t, KindPublish, KindOf(wrapped))
	assert.ErrorIs(t, wrapped, ErrPublish)
}

func TestErrorKeepsInnerSentinels(t *testing.T) {
	inner := &Error{Kind: KindSerialization, Op: "marshal", Err: errors.New("unsupported type")}
	outer := &Error{Kind: KindTransaction, Op: "publish_in_transaction", Err: inner}

	assert.Equal(t, KindTransaction, KindOf(outer))
	assert.ErrorIs(t, outer, ErrTransaction)
	assert.ErrorIs(t, outer, ErrSerialization)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(nil))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindConnection, KindOf(connectionError("connect", ErrNotConnected)))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "connection", KindConnection.String())
	assert.Equal(t, "malformed message", KindMalformedMessage.String())
	assert.Equal(t, "unknown", Kind(42).String())
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection", connectionError("connect", errors.New("refused")), true},
		{"publish", &Error{Kind: KindPublish, Err: ErrConfirmTimeout}, true},
		{"handler", &Error{Kind: KindHandler, Err: errors.New("x")}, true},
		{"serialization", &Error{Kind: KindSerialization, Err: errors.New("x")}, false},
		{"malformed", &Error{Kind: KindMalformedMessage, Err: ErrNotObject}, false},
		{"transaction", &Error{Kind: KindTransaction, Err: ErrNoTransaction}, false},
		{"broker topology", &rabbitmq.TopologyError{Component: "queue", Name: "alerts", Op: "declare", Err: errors.New("PRECONDITION_FAILED")}, false},
		{"broker transient", rabbitmq.ErrConnectionTimeout, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
