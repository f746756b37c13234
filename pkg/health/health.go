// Package health provides health check implementations for the agent's
// collaborators.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Check represents a health check.
type Check interface {
	// Name returns the name of the health check.
	Name() string
	// Check performs the health check and returns an error if unhealthy.
	Check(ctx context.Context) error
}

// Status represents the status of a health check.
type Status string

const (
	// StatusHealthy indicates the component is healthy.
	StatusHealthy Status = "healthy"
	// StatusUnhealthy indicates the component is unhealthy.
	StatusUnhealthy Status = "unhealthy"
	// StatusDegraded indicates the component is working but degraded.
	StatusDegraded Status = "degraded"
)

// Result represents the result of a health check.
type Result struct {
	Name    string            `json:"name"`
	Status  Status            `json:"status"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// Report is the aggregated result of several checks.
type Report struct {
	Status Status   `json:"status"`
	Checks []Result `json:"checks"`
}

type funcCheck struct {
	name string
	fn   func(ctx context.Context) error
}

// CheckFunc wraps fn as a named Check.
func CheckFunc(name string, fn func(ctx context.Context) error) Check {
	return funcCheck{name: name, fn: fn}
}

func (c funcCheck) Name() string                    { return c.name }
func (c funcCheck) Check(ctx context.Context) error { return c.fn(ctx) }

// CapacityProbe reports how many job slots are in use.
type CapacityProbe interface {
	// BusyWorkers returns the number of running jobs.
	BusyWorkers() int
	// Enabled reports whether maintenance mode is on.
	Enabled() bool
}

// CapacityCheck reports degraded while the agent is in maintenance mode.
type CapacityCheck struct {
	probe   CapacityProbe
	workers int
}

// NewCapacityCheck creates a capacity check for an agent with the given
// number of workers.
func NewCapacityCheck(probe CapacityProbe, workers int) *CapacityCheck {
	return &CapacityCheck{probe: probe, workers: workers}
}

// Name returns the name of the health check.
func (c *CapacityCheck) Name() string {
	return "capacity"
}

// Check never fails; capacity only degrades.
func (c *CapacityCheck) Check(context.Context) error {
	return nil
}

// CheckDetailed performs a detailed health check and returns a Result.
func (c *CapacityCheck) CheckDetailed(context.Context) Result {
	busy := c.probe.BusyWorkers()
	details := map[string]string{
		"busy":    fmt.Sprintf("%d", busy),
		"workers": fmt.Sprintf("%d", c.workers),
	}

	if c.probe.Enabled() {
		return Result{
			Name:    c.Name(),
			Status:  StatusDegraded,
			Message: "maintenance mode",
			Details: details,
		}
	}

	return Result{
		Name:    c.Name(),
		Status:  StatusHealthy,
		Message: "accepting jobs",
		Details: details,
	}
}

type detailedCheck interface {
	CheckDetailed(ctx context.Context) Result
}

// Run executes all checks concurrently, each bounded by timeout. The
// report is unhealthy if any check fails and degraded if any is degraded.
func Run(ctx context.Context, timeout time.Duration, checks ...Check) Report {
	results := make([]Result, len(checks))

	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c Check) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			results[i] = run(cctx, c)
		}(i, c)
	}
	wg.Wait()

	report := Report{Status: StatusHealthy, Checks: results}
	for _, r := range results {
		switch r.Status {
		case StatusUnhealthy:
			report.Status = StatusUnhealthy
		case StatusDegraded:
			if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		}
	}
	return report
}

func run(ctx context.Context, c Check) Result {
	if d, ok := c.(detailedCheck); ok {
		return d.CheckDetailed(ctx)
	}
	if err := c.Check(ctx); err != nil {
		return Result{Name: c.Name(), Status: StatusUnhealthy, Message: err.Error()}
	}
	return Result{Name: c.Name(), Status: StatusHealthy}
}
