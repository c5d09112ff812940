package health

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

const defaultCheckTimeout = 3 * time.Second

// Status is the state of one check or of the whole alert pipeline.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// QueueDepth is the backlog a queue check observed.
type QueueDepth struct {
	Queue       string `json:"queue"`
	Messages    int    `json:"messages"`
	Consumers   int    `json:"consumers"`
	DLQ         string `json:"dlq"`
	DeadLetters int    `json:"dead_letters"`
}

// CheckResult is the outcome of one check. Depth is set by queue checks.
type CheckResult struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Advisory  bool           `json:"advisory,omitempty"`
	Message   string         `json:"message,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Details   map[string]any `json:"details,omitempty"`
	Depth     *QueueDepth    `json:"depth,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
}

// Report is the health of the alert pipeline. Advisory checks can degrade
// it but never make it unhealthy.
type Report struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
	Queues    []QueueDepth           `json:"queues,omitempty"`
	Metadata  map[string]any         `json:"metadata,omitempty"`
}

// Checker is one health probe.
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

type checkFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

// NewCheck adapts fn to Checker.
func NewCheck(name string, fn func(ctx context.Context) CheckResult) Checker {
	return &checkFunc{name: name, fn: fn}
}

func (c *checkFunc) Check(ctx context.Context) CheckResult { return c.fn(ctx) }

func (c *checkFunc) Name() string { return c.name }

type registration struct {
	checker  Checker
	advisory bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger used for status transitions.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithCheckTimeout bounds each check. A check still running is reported
// unhealthy, or degraded when it is advisory.
func WithCheckTimeout(timeout time.Duration) RegistryOption {
	return func(r *Registry) {
		if timeout > 0 {
			r.checkTimeout = timeout
		}
	}
}

// Registry runs the checks of one alertmq process.
type Registry struct {
	mu           sync.RWMutex
	checks       map[string]registration
	metadata     map[string]any
	logger       *slog.Logger
	checkTimeout time.Duration

	lastMu sync.Mutex
	last   Status
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		checks:       make(map[string]registration),
		metadata:     make(map[string]any),
		logger:       slog.Default(),
		checkTimeout: defaultCheckTimeout,
		last:         StatusHealthy,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a critical check, replacing one with the same name.
func (r *Registry) Register(checker Checker) {
	r.add(checker, false)
}

// RegisterAdvisory adds a check whose failures only degrade the report,
// such as a dead-letter backlog.
func (r *Registry) RegisterAdvisory(checker Checker) {
	r.add(checker, true)
}

func (r *Registry) add(checker Checker, advisory bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[checker.Name()] = registration{checker: checker, advisory: advisory}
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checks, name)
}

// SetMetadata attaches a value to every report.
func (r *Registry) SetMetadata(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata[key] = value
}

// Check runs every check concurrently, each under the check timeout and ctx.
func (r *Registry) Check(ctx context.Context) Report {
	start := time.Now()

	r.mu.RLock()
	checks := make(map[string]registration, len(r.checks))
	for name, reg := range r.checks {
		checks[name] = reg
	}
	metadata := make(map[string]any, len(r.metadata))
	for k, v := range r.metadata {
		metadata[k] = v
	}
	r.mu.RUnlock()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]CheckResult, len(checks))
	)
	for name, reg := range checks {
		wg.Add(1)
		go func(name string, reg registration) {
			defer wg.Done()
			res := r.run(ctx, name, reg)
			mu.Lock()
			results[name] = res
			mu.Unlock()
		}(name, reg)
	}
	wg.Wait()

	report := Report{
		Status:   StatusHealthy,
		Checks:   results,
		Metadata: metadata,
	}
	for _, res := range results {
		status := res.Status
		if res.Advisory && status == StatusUnhealthy {
			status = StatusDegraded
		}
		if status.rank() > report.Status.rank() {
			report.Status = status
		}
		if res.Depth != nil {
			report.Queues = append(report.Queues, *res.Depth)
		}
	}
	sort.Slice(report.Queues, func(i, j int) bool { return report.Queues[i].Queue < report.Queues[j].Queue })

	report.Timestamp = time.Now()
	report.Duration = time.Since(start)
	r.observe(report)
	return report
}

// run executes one check. The check goroutine is abandoned on timeout.
func (r *Registry) run(ctx context.Context, name string, reg registration) CheckResult {
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, r.checkTimeout)
	defer cancel()

	done := make(chan CheckResult, 1)
	go func() { done <- reg.checker.Check(cctx) }()

	var res CheckResult
	select {
	case res = <-done:
	case <-cctx.Done():
		res = CheckResult{
			Name:      name,
			Status:    StatusUnhealthy,
			Message:   "check timed out",
			Duration:  time.Since(start),
			Timestamp: time.Now(),
			Error:     cctx.Err().Error(),
		}
	}
	res.Advisory = reg.advisory
	return res
}

func (r *Registry) observe(report Report) {
	r.lastMu.Lock()
	previous := r.last
	r.last = report.Status
	r.lastMu.Unlock()

	if previous == report.Status {
		return
	}
	failing := make([]string, 0, len(report.Checks))
	for name, res := range report.Checks {
		if res.Status != StatusHealthy {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)

	log := r.logger.Warn
	if report.Status == StatusHealthy {
		log = r.logger.Info
	}
	log("alert pipeline health changed",
		"from", previous,
		"to", report.Status,
		"failing", failing)
}

// Handler serves the registry report as JSON. Unhealthy answers 503;
// degraded still answers 200.
type Handler struct {
	registry *Registry
	timeout  time.Duration
}

func NewHandler(registry *Registry, timeout time.Duration) *Handler {
	return &Handler{registry: registry, timeout: timeout}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	report := h.registry.Check(ctx)

	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	body, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(report, "", "  ")
	if err != nil {
		http.Error(w, "failed to encode health response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// LivenessHandler answers 200 while the process runs.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("alive"))
	}
}
