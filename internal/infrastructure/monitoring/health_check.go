package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

type HealthChecker struct {
	checks []HealthCheck
	mu     sync.RWMutex

	// last background result per check
	last   map[string]error
	logger *zap.SugaredLogger
}

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker(logger *zap.SugaredLogger) *HealthChecker {
	return &HealthChecker{
		checks: make([]HealthCheck, 0),
		last:   make(map[string]error),
		logger: logger,
	}
}

func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error, interval, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks = append(h.checks, HealthCheck{
		Name:     name,
		Check:    check,
		Interval: interval,
		Timeout:  timeout,
	})
}

// AddStorageCheck probes a store, e.g. RepositoryFactory.HealthCheck.
func (h *HealthChecker) AddStorageCheck(ping func(ctx context.Context) error, interval, timeout time.Duration) {
	h.AddCheck("storage", ping, interval, timeout)
}

// AddCapacityCheck fails once count() reaches limit. A limit of zero never fails.
func (h *HealthChecker) AddCapacityCheck(name string, count func() int, limit int, interval time.Duration) {
	h.AddCheck(name, func(context.Context) error {
		if n := count(); limit > 0 && n >= limit {
			return fmt.Errorf("%d of %d in use", n, limit)
		}
		return nil
	}, interval, time.Second)
}

func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(checks)),
	}

	for _, check := range checks {
		err := h.run(ctx, check)
		if err != nil {
			status.Status = StatusUnhealthy
			status.Checks[check.Name] = err.Error()
		} else {
			status.Checks[check.Name] = StatusHealthy
		}
	}

	return status
}

// IsReady reports whether every check passes right now.
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == StatusHealthy
}

// LastResults returns the outcome of the most recent background run of
// each check that has run at least once.
func (h *HealthChecker) LastResults() map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]string, len(h.last))
	for name, err := range h.last {
		if err != nil {
			out[name] = err.Error()
		} else {
			out[name] = StatusHealthy
		}
	}
	return out
}

func (h *HealthChecker) StartBackgroundChecks(ctx context.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, check := range h.checks {
		if check.Interval > 0 {
			go h.runCheckPeriodically(ctx, check)
		}
	}
}

func (h *HealthChecker) run(ctx context.Context, check HealthCheck) error {
	if check.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, check.Timeout)
		defer cancel()
	}
	return check.Check(ctx)
}

func (h *HealthChecker) runCheckPeriodically(ctx context.Context, check HealthCheck) {
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := h.run(ctx, check)

			h.mu.Lock()
			prev, seen := h.last[check.Name]
			h.last[check.Name] = err
			h.mu.Unlock()

			// log transitions only
			switch {
			case err != nil && (!seen || prev == nil):
				h.logger.Warnw("health check failing", "check", check.Name, "error", err)
			case err == nil && seen && prev != nil:
				h.logger.Infow("health check recovered", "check", check.Name)
			}
		}
	}
}
