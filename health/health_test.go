package health

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/alertmq/internal/rabbitmq"
	"github.com/glimte/alertmq/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/alertmq/messaging"
)

func fixed(name string, status Status) Checker {
	return NewCheck(name, func(context.Context) CheckResult {
		return CheckResult{Name: name, Status: status}
	})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistryCheck(t *testing.T) {
	tests := []struct {
		name     string
		critical []Status
		advisory []Status
		want     Status
	}{
		{"no checks", nil, nil, StatusHealthy},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, nil, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, nil, StatusDegraded},
		{"unhealthy wins", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, nil, StatusUnhealthy},
		{"advisory failure only degrades", []Status{StatusHealthy}, []Status{StatusUnhealthy}, StatusDegraded},
		{"critical failure beats advisory", []Status{StatusUnhealthy}, []Status{StatusDegraded}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(WithLogger(discardLogger()))
			for i, s := range tt.critical {
				r.Register(fixed(fmt.Sprintf("critical-%d", i), s))
			}
			for i, s := range tt.advisory {
				r.RegisterAdvisory(fixed(fmt.Sprintf("advisory-%d", i), s))
			}
			report := r.Check(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Len(t, report.Checks, len(tt.critical)+len(tt.advisory))
			for name, res := range report.Checks {
				assert.Equal(t, strings.HasPrefix(name, "advisory"), res.Advisory)
			}
		})
	}
}

func TestRegistryUnregisterAndMetadata(t *testing.T) {
	r := NewRegistry(WithLogger(discardLogger()))
	r.Register(fixed("broken", StatusUnhealthy))
	r.SetMetadata("version", "1.0.0")
	r.Unregister("broken")

	report := r.Check(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Empty(t, report.Checks)
	assert.Equal(t, "1.0.0", report.Metadata["version"])
}

func TestRegistryTimesOutSlowChecks(t *testing.T) {
	slow := func(name string) Checker {
		return NewCheck(name, func(ctx context.Context) CheckResult {
			time.Sleep(200 * time.Millisecond)
			return CheckResult{Name: name, Status: StatusHealthy}
		})
	}

	t.Run("by check timeout", func(t *testing.T) {
		r := NewRegistry(WithLogger(discardLogger()), WithCheckTimeout(10*time.Millisecond))
		r.Register(slow("slow"))
		r.Register(fixed("fast", StatusHealthy))

		report := r.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, "check timed out", report.Checks["slow"].Message)
		assert.Equal(t, StatusHealthy, report.Checks["fast"].Status)
	})

	t.Run("by caller context", func(t *testing.T) {
		r := NewRegistry(WithLogger(discardLogger()))
		r.RegisterAdvisory(slow("slow"))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		report := r.Check(ctx)
		assert.Equal(t, StatusDegraded, report.Status)
		assert.Equal(t, StatusUnhealthy, report.Checks["slow"].Status)
	})
}

func TestRegistryReportsQueueDepths(t *testing.T) {
	r := NewRegistry(WithLogger(discardLogger()))
	for _, q := range []string{"ids", "alerts"} {
		src := &mockStats{}
		src.On("QueueStats", mock.Anything).Return(messaging.QueueStats{
			Queue: q, MessageCount: 7, ConsumerCount: 2, DLQ: q + ".dlq", DLQMessageCount: 1,
		}, nil)
		r.RegisterAdvisory(NewQueueChecker(q, src, 0, 0))
	}
	r.Register(fixed("rabbitmq", StatusHealthy))

	report := r.Check(context.Background())
	require.Len(t, report.Queues, 2)
	assert.Equal(t, QueueDepth{Queue: "alerts", Messages: 7, Consumers: 2, DLQ: "alerts.dlq", DeadLetters: 1}, report.Queues[0])
	assert.Equal(t, "ids", report.Queues[1].Queue)
}

func TestRegistryLogsStatusChanges(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	status := StatusHealthy
	r := NewRegistry(WithLogger(logger))
	r.Register(NewCheck("rabbitmq", func(context.Context) CheckResult {
		return CheckResult{Name: "rabbitmq", Status: status}
	}))

	r.Check(context.Background())
	assert.Empty(t, buf.String())

	status = StatusUnhealthy
	r.Check(context.Background())
	assert.Contains(t, buf.String(), "alert pipeline health changed")
	assert.Contains(t, buf.String(), "to=unhealthy")
	assert.Contains(t, buf.String(), "rabbitmq")

	buf.Reset()
	r.Check(context.Background())
	assert.Empty(t, buf.String())

	status = StatusHealthy
	r.Check(context.Background())
	assert.Contains(t, buf.String(), "to=healthy")
}

func TestHandler(t *testing.T) {
	t.Run("healthy and degraded answer 200", func(t *testing.T) {
		r := NewRegistry(WithLogger(discardLogger()))
		r.Register(fixed("dlq", StatusDegraded))

		rec := httptest.NewRecorder()
		NewHandler(r, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var report Report
		require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, StatusDegraded, report.Status)
		assert.Equal(t, StatusDegraded, report.Checks["dlq"].Status)
	})

	t.Run("unhealthy answers 503", func(t *testing.T) {
		r := NewRegistry(WithLogger(discardLogger()))
		r.Register(fixed("rabbitmq", StatusUnhealthy))

		rec := httptest.NewRecorder()
		NewHandler(r, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("only GET", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewHandler(NewRegistry(), time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("liveness", func(t *testing.T) {
		rec := httptest.NewRecorder()
		LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "alive", rec.Body.String())
	})
}

func TestBrokerChecker(t *testing.T) {
	b := rabbitmqtest.NewBroker()
	cm := rabbitmq.NewConnectionManager("amqp://localhost", rabbitmq.WithDialer(b.Dial))
	checker := NewBrokerChecker(cm)
	assert.Equal(t, "rabbitmq", checker.Name())

	assert.Equal(t, StatusUnhealthy, checker.Check(context.Background()).Status)

	require.NoError(t, cm.Connect(context.Background()))
	defer cm.Close()

	result := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Equal(t, true, result.Details["channel_open"])
}

type mockStats struct {
	mock.Mock
}

func (m *mockStats) QueueStats(ctx context.Context) (messaging.QueueStats, error) {
	args := m.Called(ctx)
	return args.Get(0).(messaging.QueueStats), args.Error(1)
}

func TestQueueChecker(t *testing.T) {
	tests := []struct {
		name   string
		stats  messaging.QueueStats
		err    error
		status Status
	}{
		{
			name:   "within limits",
			stats:  messaging.QueueStats{Queue: "alerts", MessageCount: 5, ConsumerCount: 1, DLQ: "alerts.dlq", DLQMessageCount: 2},
			status: StatusHealthy,
		},
		{
			name:   "dead-letter backlog",
			stats:  messaging.QueueStats{Queue: "alerts", DLQ: "alerts.dlq", DLQMessageCount: 101},
			status: StatusDegraded,
		},
		{
			name:   "backlog without consumers",
			stats:  messaging.QueueStats{Queue: "alerts", MessageCount: 5000, DLQ: "alerts.dlq"},
			status: StatusDegraded,
		},
		{
			name:   "backlog being worked",
			stats:  messaging.QueueStats{Queue: "alerts", MessageCount: 5000, ConsumerCount: 3, DLQ: "alerts.dlq"},
			status: StatusHealthy,
		},
		{
			name:   "inspection fails",
			err:    errors.New("channel closed"),
			status: StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &mockStats{}
			src.On("QueueStats", mock.Anything).Return(tt.stats, tt.err)

			checker := NewQueueChecker("alerts", src, 1000, 100)
			assert.Equal(t, "queue_alerts", checker.Name())

			result := checker.Check(context.Background())
			assert.Equal(t, tt.status, result.Status)
			if tt.err == nil {
				require.NotNil(t, result.Depth)
				assert.Equal(t, tt.stats.DLQMessageCount, result.Depth.DeadLetters)
			} else {
				assert.Nil(t, result.Depth)
			}
			src.AssertExpectations(t)
		})
	}
}
