package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gustycube/osintd/internal/logging"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a health check for a component
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// Response represents the overall health response
type Response struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    []Check           `json:"checks"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) Check
}

// Handler manages health and readiness checks
type Handler struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	metadata map[string]string
	logger   *logging.Logger
	ready    bool
}

// NewHandler returns a Handler with no checkers registered.
func NewHandler(logger *logging.Logger) *Handler {
	return &Handler{
		checkers: make(map[string]Checker),
		metadata: make(map[string]string),
		logger:   logger,
	}
}

func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

func (h *Handler) SetMetadata(key, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metadata[key] = value
}

// SetReady marks the service as ready once the store is migrated and recovery has run.
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

func (h *Handler) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// Evaluate runs every registered checker and folds the results.
func (h *Handler) Evaluate(ctx context.Context) Response {
	h.mu.RLock()
	names := make([]string, 0, len(h.checkers))
	for name := range h.checkers {
		names = append(names, name)
	}
	checkers := make(map[string]Checker, len(h.checkers))
	for k, v := range h.checkers {
		checkers[k] = v
	}
	metadata := make(map[string]string, len(h.metadata))
	for k, v := range h.metadata {
		metadata[k] = v
	}
	h.mu.RUnlock()
	sort.Strings(names)

	resp := Response{Status: StatusHealthy, Timestamp: time.Now(), Checks: []Check{}, Metadata: metadata}
	for _, name := range names {
		check := checkers[name].Check(ctx)
		check.Name = name
		resp.Checks = append(resp.Checks, check)
		switch {
		case check.Status == StatusUnhealthy:
			resp.Status = StatusUnhealthy
		case check.Status == StatusDegraded && resp.Status == StatusHealthy:
			resp.Status = StatusDegraded
		}
	}
	return resp
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := h.Evaluate(ctx)
	code := http.StatusOK
	if resp.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
		if h.logger != nil {
			h.logger.Warnw("health check failed", "checks", len(resp.Checks))
		}
	}
	writeJSON(w, code, resp)
}

func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.ready
	metadata := make(map[string]string, len(h.metadata))
	for k, v := range h.metadata {
		metadata[k] = v
	}
	h.mu.RUnlock()

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"ready":     ready,
		"timestamp": time.Now(),
		"metadata":  metadata,
	})
}

// LivenessHandler always returns OK while the process is serving.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// PingChecker reports a dependency (redis, sqlite) healthy when its ping succeeds.
type PingChecker struct {
	what string
	ping func(ctx context.Context) error
}

// NewPingChecker reports unhealthy when ping fails.
func NewPingChecker(what string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{what: what, ping: ping}
}

func (c *PingChecker) Check(ctx context.Context) Check {
	start := time.Now()
	if c.ping == nil {
		return Check{Status: StatusHealthy, Message: c.what + " not configured", LastChecked: time.Now()}
	}
	err := c.ping(ctx)
	duration := time.Since(start)
	if err != nil {
		return Check{
			Status:      StatusUnhealthy,
			Message:     c.what + " ping failed: " + err.Error(),
			LastChecked: time.Now(),
			Duration:    duration / time.Millisecond,
		}
	}
	return Check{
		Status:      StatusHealthy,
		Message:     c.what + " OK",
		LastChecked: time.Now(),
		Duration:    duration / time.Millisecond,
	}
}

// SourceChecker checks every configured source. Some sources down is degraded,
// all down is unhealthy.
type SourceChecker struct {
	reach func(ctx context.Context) map[string]bool
}

// NewSourceChecker reports on the reachability map returned by reach.
func NewSourceChecker(reach func(ctx context.Context) map[string]bool) *SourceChecker {
	return &SourceChecker{reach: reach}
}

func (c *SourceChecker) Check(ctx context.Context) Check {
	start := time.Now()
	results := c.reach(ctx)
	var down []string
	for name, ok := range results {
		if !ok {
			down = append(down, name)
		}
	}
	sort.Strings(down)

	status := StatusHealthy
	message := fmt.Sprintf("%d sources reachable", len(results))
	switch {
	case len(results) > 0 && len(down) == len(results):
		status = StatusUnhealthy
		message = "all sources unreachable"
	case len(down) > 0:
		status = StatusDegraded
		message = "unreachable: " + strings.Join(down, ",")
	}
	return Check{Status: status, Message: message, LastChecked: time.Now(), Duration: time.Since(start) / time.Millisecond}
}

// WorkerPoolChecker checks worker pool status
type WorkerPoolChecker struct {
	getActiveWorkers func() int
	maxWorkers       int
}

// NewWorkerPoolChecker reports degraded when the pool is near capacity.
func NewWorkerPoolChecker(getActiveWorkers func() int, maxWorkers int) *WorkerPoolChecker {
	return &WorkerPoolChecker{getActiveWorkers: getActiveWorkers, maxWorkers: maxWorkers}
}

func (c *WorkerPoolChecker) Check(ctx context.Context) Check {
	start := time.Now()
	active := c.getActiveWorkers()

	status := StatusHealthy
	message := fmt.Sprintf("%d/%d workers busy", active, c.maxWorkers)
	if c.maxWorkers > 0 && float64(active)/float64(c.maxWorkers) > 0.9 {
		status = StatusDegraded
		message = "worker pool near capacity"
	}
	return Check{Status: status, Message: message, LastChecked: time.Now(), Duration: time.Since(start) / time.Millisecond}
}
