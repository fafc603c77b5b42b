package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const healthCheckTimeout = 3 * time.Second

// HealthChecker runs the readiness probes of the sandbox backend and the
// journal database.
type HealthChecker struct {
	mu     sync.RWMutex
	checks map[string]func(ctx context.Context) error
	logger *slog.Logger
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one probe.
type CheckResult struct {
	Status    string `json:"status"` // "ok" or "fail"
	LatencyMs int64  `json:"latencyMs"`
	Message   string `json:"message,omitempty"`
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{
		checks: make(map[string]func(ctx context.Context) error),
		logger: logger,
	}
}

// AddCheck registers a named probe, replacing any probe with the same name.
// Nil checks are ignored so callers can pass optional dependencies straight
// through.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	if h == nil || check == nil {
		return
	}
	h.mu.Lock()
	h.checks[name] = check
	h.mu.Unlock()
}

// CheckHealth returns liveness status. Always "ok" while the process runs.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs every probe concurrently under a shared deadline. The
// result is "ok" only if all probes pass.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	if h == nil {
		return HealthStatus{Status: "ok"}
	}
	h.mu.RLock()
	checks := make(map[string]func(ctx context.Context) error, len(h.checks))
	for name, c := range h.checks {
		checks[name] = c
	}
	h.mu.RUnlock()
	if len(checks) == 0 {
		return HealthStatus{Status: "ok"}
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	status := HealthStatus{Status: "ok", Checks: make(map[string]CheckResult, len(checks))}
	for name, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			err := check(ctx)
			res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status, res.Message = "fail", err.Error()
				if h.logger != nil {
					h.logger.Warn("readiness check failed",
						slog.String("check", name),
						slog.String("error", err.Error()),
					)
				}
			}

			mu.Lock()
			status.Checks[name] = res
			if err != nil {
				status.Status = "degraded"
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return status
}
