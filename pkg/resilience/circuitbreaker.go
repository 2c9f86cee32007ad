package resilience

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/racesync/pkg/observability/logger"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed allows all requests through
	StateClosed State = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows requests through to probe recovery
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = time.Minute
	DefaultMonitoringWindow = 5 * time.Minute
	// HalfOpenSuccessesToClose is the number of consecutive half-open
	// successes that close the circuit.
	HalfOpenSuccessesToClose = 2
)

// ErrCircuitOpen is returned without invoking the operation while the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int
	ResetTimeout     time.Duration
	// MonitoringWindow ages out failures: when the last failure is older than
	// the window, a closed circuit starts counting from zero again.
	MonitoringWindow time.Duration
	Classifier       Classifier
}

func (c CircuitBreakerConfig) normalize() CircuitBreakerConfig {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		c.Name = "default"
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.MonitoringWindow <= 0 {
		c.MonitoringWindow = DefaultMonitoringWindow
	}
	if c.Classifier == nil {
		c.Classifier = IsRetryable
	}
	return c
}

// CircuitBreakerState is a point-in-time copy of the breaker's counters.
type CircuitBreakerState struct {
	Name                 string
	State                State
	FailureCount         int
	RequestCount         int
	LastFailureTime      time.Time
	HalfOpenSuccessCount int
	FailureThreshold     int
	ResetTimeout         time.Duration
	MonitoringWindow     time.Duration
}

// CircuitBreaker is a per-operation-class fail-fast guard. Only failures the
// classifier deems retryable count toward tripping; other failures are
// returned unchanged and leave the state alone. State lives in memory only.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	log logger.Logger
	now func() time.Time

	mu                   sync.Mutex
	state                State
	failureCount         int
	requestCount         int
	lastFailureTime      time.Time
	halfOpenSuccessCount int
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig, log logger.Logger) *CircuitBreaker {
	if log == nil {
		log = logger.Nop()
	}
	cfg = cfg.normalize()
	cb := &CircuitBreaker{
		cfg:   cfg,
		log:   log.With("circuit", cfg.Name),
		now:   time.Now,
		state: StateClosed,
	}
	recordCircuitState(cfg.Name, StateClosed)
	return cb
}

// Name returns the operation class guarded by the breaker.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs fn if the circuit allows it and records the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.allow() {
		recordCircuitRejection(cb.cfg.Name)
		return ErrCircuitOpen
	}

	err := fn(ctx)
	switch {
	case err == nil:
		cb.recordSuccess()
	case cb.cfg.Classifier(err):
		cb.recordFailure(err)
	}
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	switch cb.state {
	case StateOpen:
		if now.Sub(cb.lastFailureTime) < cb.cfg.ResetTimeout {
			return false
		}
		cb.transition(StateHalfOpen)
		cb.halfOpenSuccessCount = 0
	case StateClosed:
		if cb.failureCount > 0 && now.Sub(cb.lastFailureTime) > cb.cfg.MonitoringWindow {
			cb.failureCount = 0
			cb.requestCount = 0
		}
	}
	cb.requestCount++
	return true
}

func (cb *CircuitBreaker) recordFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = cb.now()
	switch cb.state {
	case StateHalfOpen:
		cb.halfOpenSuccessCount = 0
		cb.transition(StateOpen)
		cb.log.Warn("circuit reopened after half-open failure", "error", err)
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.cfg.FailureThreshold {
			cb.transition(StateOpen)
			cb.log.Warn("circuit opened",
				"failures", cb.failureCount,
				"threshold", cb.cfg.FailureThreshold,
				"reset_timeout", cb.cfg.ResetTimeout,
				"error", err,
			)
		}
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.halfOpenSuccessCount++
		if cb.halfOpenSuccessCount >= HalfOpenSuccessesToClose {
			cb.failureCount = 0
			cb.requestCount = 0
			cb.halfOpenSuccessCount = 0
			cb.transition(StateClosed)
			cb.log.Info("circuit closed")
		}
	case StateClosed:
		if cb.failureCount > 0 {
			cb.failureCount--
		}
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(next State) {
	if cb.state == next {
		return
	}
	if next == StateHalfOpen {
		cb.log.Info("circuit half-open, probing")
	}
	cb.state = next
	recordCircuitState(cb.cfg.Name, next)
}

// State returns the current state. An open circuit whose reset timeout has
// elapsed still reports open until the next call probes it.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// HealthCheck reports ErrCircuitOpen while the circuit is open.
func (cb *CircuitBreaker) HealthCheck(context.Context) error {
	if cb.State() == StateOpen {
		return ErrCircuitOpen
	}
	return nil
}

// Snapshot returns a copy of the breaker's counters and configuration.
func (cb *CircuitBreaker) Snapshot() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerState{
		Name:                 cb.cfg.Name,
		State:                cb.state,
		FailureCount:         cb.failureCount,
		RequestCount:         cb.requestCount,
		LastFailureTime:      cb.lastFailureTime,
		HalfOpenSuccessCount: cb.halfOpenSuccessCount,
		FailureThreshold:     cb.cfg.FailureThreshold,
		ResetTimeout:         cb.cfg.ResetTimeout,
		MonitoringWindow:     cb.cfg.MonitoringWindow,
	}
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.requestCount = 0
	cb.halfOpenSuccessCount = 0
	cb.lastFailureTime = time.Time{}
	cb.transition(StateClosed)
}
