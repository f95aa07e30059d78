// Package health reports on the client's connection pool and broker
// reachability.
package health

import (
	"context"
	"time"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Error     string                 `json:"error,omitempty"`
}

// OverallHealth aggregates several check results
type OverallHealth struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// Run executes checkers one at a time, in the given order, so a pool check
// listed first sees the pool before later checks borrow from it. The
// overall status is the worst individual status; checks that have not
// finished when ctx ends count as unhealthy.
func Run(ctx context.Context, checkers ...Checker) OverallHealth {
	start := time.Now()
	checks := make(map[string]CheckResult, len(checkers))
	overall := StatusHealthy

	for i, c := range checkers {
		result := make(chan CheckResult, 1)
		go func(c Checker) {
			result <- c.Check(ctx)
		}(c)

		select {
		case r := <-result:
			checks[c.Name()] = r
			overall = worst(overall, r.Status)
			continue
		case <-ctx.Done():
		}

		for _, pending := range checkers[i:] {
			checks[pending.Name()] = CheckResult{
				Name:      pending.Name(),
				Status:    StatusUnhealthy,
				Message:   "Check timed out",
				Duration:  time.Since(start),
				Timestamp: time.Now(),
				Error:     ctx.Err().Error(),
			}
		}
		overall = StatusUnhealthy
		break
	}

	return OverallHealth{
		Status:    overall,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
		Checks:    checks,
	}
}

func worst(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
