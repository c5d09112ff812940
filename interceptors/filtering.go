package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/glimte/alertmq/messaging"
)

// AlertFilter decides whether an alert should be processed
type AlertFilter interface {
	ShouldProcess(ctx context.Context, alert map[string]any) (bool, error)
}

// AlertFilterFunc is a function adapter for AlertFilter
type AlertFilterFunc func(ctx context.Context, alert map[string]any) (bool, error)

// ShouldProcess implements AlertFilter
func (f AlertFilterFunc) ShouldProcess(ctx context.Context, alert map[string]any) (bool, error) {
	return f(ctx, alert)
}

// SkipBehavior defines what happens when an alert is filtered out
type SkipBehavior int

const (
	// SkipSilently acknowledges the alert without handling it
	SkipSilently SkipBehavior = iota
	// SkipWithError fails the alert, so it is retried and dead-lettered
	SkipWithError
	// SkipWithLog acknowledges the alert and logs that it was skipped
	SkipWithLog
)

// FilteringInterceptor filters alerts based on conditions
type FilteringInterceptor struct {
	filter       AlertFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter AlertFilter, skipBehavior SkipBehavior, logger *slog.Logger) *FilteringInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       logger,
	}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, alert map[string]any, next messaging.Handler) error {
	shouldProcess, err := i.filter.ShouldProcess(ctx, alert)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}
	if shouldProcess {
		return next(ctx, alert)
	}

	meta, _ := messaging.MetaOf(alert)
	switch i.skipBehavior {
	case SkipWithError:
		return fmt.Errorf("alert filtered: id=%s", meta.MessageID)
	case SkipWithLog:
		i.logger.Info("alert skipped by filter", "messageId", meta.MessageID)
	}
	return nil
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// CompositeFilter combines multiple filters with AND logic
type CompositeFilter struct {
	filters []AlertFilter
}

// NewCompositeFilter creates a new composite filter
func NewCompositeFilter(filters ...AlertFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements AlertFilter - all filters must return true
func (f *CompositeFilter) ShouldProcess(ctx context.Context, alert map[string]any) (bool, error) {
	for _, filter := range f.filters {
		ok, err := filter.ShouldProcess(ctx, alert)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// SeverityFilter passes alerts whose severity field maps to at least the
// priority of a minimum severity.
type SeverityFilter struct {
	field       string
	minPriority int
}

// NewSeverityFilter reads the severity from field, e.g. "severity".
func NewSeverityFilter(field, minSeverity string) *SeverityFilter {
	return &SeverityFilter{field: field, minPriority: messaging.AlertPriority(minSeverity)}
}

// ShouldProcess implements AlertFilter
func (f *SeverityFilter) ShouldProcess(_ context.Context, alert map[string]any) (bool, error) {
	severity, _ := alert[f.field].(string)
	return messaging.AlertPriority(severity) >= f.minPriority, nil
}

// FieldFilter passes alerts whose field equals one of the allowed values,
// compared case-insensitively.
type FieldFilter struct {
	field   string
	allowed map[string]bool
}

// NewFieldFilter creates a filter on a top-level string field
func NewFieldFilter(field string, allowed ...string) *FieldFilter {
	m := make(map[string]bool, len(allowed))
	for _, v := range allowed {
		m[strings.ToLower(v)] = true
	}
	return &FieldFilter{field: field, allowed: m}
}

// ShouldProcess implements AlertFilter
func (f *FieldFilter) ShouldProcess(_ context.Context, alert map[string]any) (bool, error) {
	v, ok := alert[f.field].(string)
	if !ok {
		return false, nil
	}
	return f.allowed[strings.ToLower(v)], nil
}
