package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/alertmq/messaging"
)

type mockStats struct {
	mock.Mock
}

func (m *mockStats) QueueStats(ctx context.Context) (messaging.QueueStats, error) {
	args := m.Called(ctx)
	return args.Get(0).(messaging.QueueStats), args.Error(1)
}

func TestQueueWatcherPoll(t *testing.T) {
	src := &mockStats{}
	src.On("QueueStats", mock.Anything).Return(messaging.QueueStats{
		Queue: "alerts", MessageCount: 10, ConsumerCount: 1, DLQ: "alerts.dlq", DLQMessageCount: 2,
	}, nil).Once()
	src.On("QueueStats", mock.Anything).Return(messaging.QueueStats{
		Queue: "alerts", MessageCount: 4, ConsumerCount: 1, DLQ: "alerts.dlq", DLQMessageCount: 4,
	}, nil).Once()

	var out bytes.Buffer
	w := newQueueWatcher(src, time.Second, &out)
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return start }

	require.NoError(t, w.poll(context.Background()))
	assert.Contains(t, out.String(), "Queue Monitor - 2024-05-01 12:00:00")
	assert.Regexp(t, `alerts\s+10\s+1\s+\+0\.00`, out.String())

	out.Reset()
	w.now = func() time.Time { return start.Add(2 * time.Second) }
	require.NoError(t, w.poll(context.Background()))
	assert.Regexp(t, `alerts\s+4\s+1\s+-3\.00`, out.String())
	assert.Regexp(t, `alerts\.dlq\s+4\s+-\s+\+1\.00`, out.String())

	src.AssertExpectations(t)
}

func TestQueueWatcherWatch(t *testing.T) {
	t.Run("fails when the first poll fails", func(t *testing.T) {
		src := &mockStats{}
		src.On("QueueStats", mock.Anything).Return(messaging.QueueStats{}, errors.New("not connected"))

		err := newQueueWatcher(src, time.Millisecond, &bytes.Buffer{}).Watch(context.Background())
		assert.ErrorContains(t, err, "not connected")
	})

	t.Run("stops with the context", func(t *testing.T) {
		src := &mockStats{}
		src.On("QueueStats", mock.Anything).Return(messaging.QueueStats{Queue: "alerts", DLQ: "alerts.dlq"}, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		var out bytes.Buffer
		require.NoError(t, newQueueWatcher(src, 5*time.Millisecond, &out).Watch(ctx))
		assert.Greater(t, strings.Count(out.String(), "Queue Monitor"), 1)
	})
}
