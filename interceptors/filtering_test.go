package interceptors

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestFilteringInterceptor(t *testing.T) {
	reject := AlertFilterFunc(func(context.Context, map[string]any) (bool, error) { return false, nil })
	accept := AlertFilterFunc(func(context.Context, map[string]any) (bool, error) { return true, nil })

	t.Run("passes accepted alerts on", func(t *testing.T) {
		h := &mockHandler{}
		h.On("Handle", mock.Anything, mock.Anything).Return(nil).Once()

		err := NewChain(NewFilteringInterceptor(accept, SkipWithError, nil)).Then(h.Handle)(context.Background(), testAlert("a-1", "high"))
		require.NoError(t, err)
		h.AssertExpectations(t)
	})

	tests := []struct {
		name     string
		behavior SkipBehavior
		wantErr  bool
		wantLog  bool
	}{
		{"skip silently", SkipSilently, false, false},
		{"skip with error", SkipWithError, true, false},
		{"skip with log", SkipWithLog, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))
			h := &mockHandler{}

			err := NewChain(NewFilteringInterceptor(reject, tt.behavior, logger)).Then(h.Handle)(context.Background(), testAlert("a-2", "low"))
			if tt.wantErr {
				assert.ErrorContains(t, err, "alert filtered: id=a-2")
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantLog, bytes.Contains(buf.Bytes(), []byte("alert skipped by filter")))
			h.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
		})
	}

	t.Run("filter errors fail the alert", func(t *testing.T) {
		broken := AlertFilterFunc(func(context.Context, map[string]any) (bool, error) { return false, errors.New("lookup failed") })
		err := NewFilteringInterceptor(broken, SkipSilently, nil).Intercept(context.Background(), testAlert("a-3", "high"), nil)
		assert.ErrorContains(t, err, "filter error: lookup failed")
	})
}

func TestSeverityFilter(t *testing.T) {
	f := NewSeverityFilter("severity", "high")
	tests := []struct {
		severity any
		want     bool
	}{
		{"critical", true},
		{"HIGH", true},
		{"medium", false},
		{"info", false},
		{"unknown", false},
		{nil, false},
	}
	for _, tt := range tests {
		ok, err := f.ShouldProcess(context.Background(), map[string]any{"severity": tt.severity})
		require.NoError(t, err)
		assert.Equal(t, tt.want, ok, "severity %v", tt.severity)
	}
}

func TestFieldAndCompositeFilters(t *testing.T) {
	source := NewFieldFilter("source", "ids", "EDR")
	severe := NewSeverityFilter("severity", "medium")
	both := NewCompositeFilter(source, severe)

	tests := []struct {
		alert map[string]any
		want  bool
	}{
		{map[string]any{"source": "edr", "severity": "high"}, true},
		{map[string]any{"source": "ids", "severity": "low"}, false},
		{map[string]any{"source": "firewall", "severity": "critical"}, false},
		{map[string]any{"severity": "critical"}, false},
	}
	for _, tt := range tests {
		ok, err := both.ShouldProcess(context.Background(), tt.alert)
		require.NoError(t, err)
		assert.Equal(t, tt.want, ok, "%v", tt.alert)
	}
}
