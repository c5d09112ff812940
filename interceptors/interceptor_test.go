package interceptors

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/alertmq/internal/reliability"
	"github.com/glimte/alertmq/messaging"
)

// Mock handler
type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) Handle(ctx context.Context, alert map[string]any) error {
	args := m.Called(ctx, alert)
	return args.Error(0)
}

func testAlert(id, severity string) map[string]any {
	return map[string]any{
		"severity": severity,
		messaging.MetaKey: map[string]any{
			"message_id":     id,
			"correlation_id": id,
			"retry_count":    1,
		},
	}
}

func TestChainOrder(t *testing.T) {
	var calls []string
	record := func(name string) Interceptor {
		return NewInterceptorFunc(name, func(ctx context.Context, alert map[string]any, next messaging.Handler) error {
			calls = append(calls, name+":before")
			err := next(ctx, alert)
			calls = append(calls, name+":after")
			return err
		})
	}

	handler := NewChain(record("outer")).Add(record("inner")).Then(func(context.Context, map[string]any) error {
		calls = append(calls, "handler")
		return nil
	})

	require.NoError(t, handler(context.Background(), testAlert("a-1", "high")))
	assert.Equal(t, []string{"outer:before", "inner:before", "handler", "inner:after", "outer:after"}, calls)
}

func TestEmptyChainCallsHandler(t *testing.T) {
	h := &mockHandler{}
	alert := testAlert("a-1", "low")
	h.On("Handle", mock.Anything, alert).Return(nil).Once()

	require.NoError(t, NewChain().Then(h.Handle)(context.Background(), alert))
	h.AssertExpectations(t)
}

func TestLoggingInterceptor(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	i := NewLoggingInterceptor(logger)
	assert.Equal(t, "LoggingInterceptor", i.Name())

	h := &mockHandler{}
	h.On("Handle", mock.Anything, mock.Anything).Return(errors.New("siem unreachable")).Once()

	err := NewChain(i).Then(h.Handle)(context.Background(), testAlert("a-7", "high"))
	assert.EqualError(t, err, "siem unreachable")

	out := buf.String()
	assert.Contains(t, out, `"msg":"processing alert"`)
	assert.Contains(t, out, `"messageId":"a-7"`)
	assert.Contains(t, out, `"retryCount":1`)
	assert.Contains(t, out, `"msg":"alert processing failed"`)
	h.AssertExpectations(t)
}

func TestCircuitBreakerInterceptor(t *testing.T) {
	i := NewCircuitBreakerInterceptor("siem", 2, 1, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Equal(t, "CircuitBreakerInterceptor", i.Name())

	h := &mockHandler{}
	h.On("Handle", mock.Anything, mock.Anything).Return(errors.New("siem unreachable")).Twice()
	handler := NewChain(i).Then(h.Handle)

	for n := 0; n < 2; n++ {
		assert.EqualError(t, handler(context.Background(), testAlert("a-1", "high")), "siem unreachable")
	}
	assert.Equal(t, "open", i.State())

	err := handler(context.Background(), testAlert("a-2", "high"))
	assert.ErrorIs(t, err, reliability.ErrCircuitOpen)
	h.AssertExpectations(t)
}
