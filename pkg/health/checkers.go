package health

import (
	"context"
	"time"
)

const defaultCheckTimeout = 5 * time.Second

// Checkable is an interface for components that support health checks
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// AdapterChecker turns a Checkable into a Checker.
type AdapterChecker struct {
	name          string
	adapter       Checkable
	timeout       time.Duration
	failureStatus Status
}

// CheckerOption customizes an AdapterChecker.
type CheckerOption func(*AdapterChecker)

// Degrades reports failures as degraded instead of unhealthy.
func Degrades() CheckerOption {
	return func(c *AdapterChecker) { c.failureStatus = StatusDegraded }
}

// NewAdapterChecker creates a new health checker for an adapter
func NewAdapterChecker(name string, adapter Checkable, timeout time.Duration, opts ...CheckerOption) *AdapterChecker {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	c := &AdapterChecker{
		name:          name,
		adapter:       adapter,
		timeout:       timeout,
		failureStatus: StatusUnhealthy,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check runs the adapter's HealthCheck under the checker timeout.
func (c *AdapterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.adapter.HealthCheck(checkCtx)
	result := CheckResult{
		Name:      c.name,
		Status:    StatusHealthy,
		Message:   "OK",
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
	if err != nil {
		result.Status = c.failureStatus
		result.Message = ""
		result.Error = err.Error()
	}
	return result
}

// Name returns the name of the health check
func (c *AdapterChecker) Name() string {
	return c.name
}
