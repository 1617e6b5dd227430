// Package health aggregates dependency checks for the ops listener.
package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status is the aggregate outcome of all checks.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) error

// Result is the outcome of one named check.
type Result struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency"`
}

// Report is returned by Checker.Check.
type Report struct {
	Status    Status    `json:"status"`
	Checks    []Result  `json:"checks"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker runs registered checks. Safe for concurrent use.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewChecker returns an empty Checker, which reports healthy.
func NewChecker() *Checker {
	return &Checker{checks: make(map[string]CheckFunc)}
}

// Register adds or replaces the check called name.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// Check runs every check sequentially, sorted by name.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()
	sort.Strings(names)

	report := Report{Status: StatusHealthy, Checks: make([]Result, 0, len(names)), CheckedAt: time.Now().UTC()}
	for _, name := range names {
		start := time.Now()
		err := checks[name](ctx)
		res := Result{Name: name, OK: err == nil, Latency: time.Since(start).String()}
		if err != nil {
			res.Error = err.Error()
			report.Status = StatusUnhealthy
		}
		report.Checks = append(report.Checks, res)
	}
	return report
}
