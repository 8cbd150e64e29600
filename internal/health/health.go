// Package health aggregates component checks into the health, readiness,
// and liveness endpoints served next to the admin API.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Status grades a component or the gateway as a whole.
type Status string

const (
	// StatusHealthy means fully operational.
	StatusHealthy Status = "healthy"

	// StatusDegraded means operational with reduced capability, for
	// example a backend with some hosts down.
	StatusDegraded Status = "degraded"

	// StatusUnhealthy means not operational.
	StatusUnhealthy Status = "unhealthy"
)

// checkTimeout bounds a single component check.
const checkTimeout = 5 * time.Second

// Check is one component's verdict.
type Check struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// CheckFunc produces a component verdict. Implementations must respect
// the context deadline.
type CheckFunc func(ctx context.Context) Check

// Healthy builds a passing check.
func Healthy(name string) Check {
	return Check{Name: name, Status: StatusHealthy, CheckedAt: time.Now()}
}

// Degraded builds a reduced-capability check.
func Degraded(name, message string) Check {
	return Check{Name: name, Status: StatusDegraded, Message: message, CheckedAt: time.Now()}
}

// Unhealthy builds a failing check.
func Unhealthy(name, message string) Check {
	return Check{Name: name, Status: StatusUnhealthy, Message: message, CheckedAt: time.Now()}
}

// Report is the aggregate health answer.
type Report struct {
	Status  Status  `json:"status"`
	Version string  `json:"version,omitempty"`
	Uptime  string  `json:"uptime"`
	Checks  []Check `json:"checks,omitempty"`
}

// Checker runs registered component checks and serves the orchestration
// endpoints. Safe for concurrent use.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc

	version   string
	startTime time.Time
	draining  atomic.Bool
}

// NewChecker creates a checker stamped with the build version.
func NewChecker(version string) *Checker {
	return &Checker{
		checks:    make(map[string]CheckFunc),
		version:   version,
		startTime: time.Now(),
	}
}

// RegisterCheck adds or replaces a named component check.
func (c *Checker) RegisterCheck(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// SetDraining flips the readiness gate. A draining gateway reports not
// ready so load balancers stop sending new work during shutdown.
func (c *Checker) SetDraining(v bool) {
	c.draining.Store(v)
}

// Draining reports whether shutdown has begun.
func (c *Checker) Draining() bool {
	return c.draining.Load()
}

// Run executes all checks and aggregates the worst verdict.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		checks[name] = fn
	}
	c.mu.RUnlock()

	report := Report{
		Status:  StatusHealthy,
		Version: c.version,
		Uptime:  time.Since(c.startTime).Round(time.Second).String(),
		Checks:  make([]Check, 0, len(checks)),
	}

	for name, fn := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		check := fn(checkCtx)
		cancel()

		if check.Name == "" {
			check.Name = name
		}
		report.Checks = append(report.Checks, check)

		switch check.Status {
		case StatusUnhealthy:
			report.Status = StatusUnhealthy
		case StatusDegraded:
			if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		}
	}

	sort.Slice(report.Checks, func(i, j int) bool {
		return report.Checks[i].Name < report.Checks[j].Name
	})
	return report
}

// Handler serves the full health report. Unhealthy answers 503 so
// orchestrators can act on the status code alone.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.Run(r.Context())

		status := http.StatusOK
		if report.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	}
}

// ReadinessHandler reports whether the gateway should receive traffic:
// not draining and no unhealthy component.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.Draining() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
			return
		}

		report := c.Run(r.Context())
		if report.Status == StatusUnhealthy {
			writeJSON(w, http.StatusServiceUnavailable, report)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// LivenessHandler reports that the process is responsive. It never
// consults component checks; a live but unhealthy gateway should be
// kept, not restarted.
func (c *Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
