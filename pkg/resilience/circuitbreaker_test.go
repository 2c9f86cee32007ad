package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(threshold int, clock *fakeClock) *CircuitBreaker {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "feed",
		FailureThreshold: threshold,
		ResetTimeout:     time.Minute,
		MonitoringWindow: 10 * time.Minute,
	}, nil)
	cb.now = clock.Now
	return cb
}

var errUpstream = &StatusError{Code: 503}

func failing(context.Context) error    { return errUpstream }
func succeeding(context.Context) error { return nil }

func TestCircuitBreaker_TripAndHalfOpenRecovery(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(3, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, failing); !errors.Is(err, errUpstream) {
			t.Fatalf("call %d: expected upstream error, got %v", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %v", cb.State())
	}

	invoked := false
	err := cb.Execute(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if invoked {
		t.Fatal("open circuit must not invoke the operation")
	}

	clock.Advance(time.Minute)
	if err := cb.Execute(ctx, func(context.Context) error {
		invoked = true
		return nil
	}); err != nil {
		t.Fatalf("expected probe to run, got %v", err)
	}
	if !invoked {
		t.Fatal("probe after reset timeout must invoke the operation")
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half-open after first probe success, got %v", cb.State())
	}

	if err := cb.Execute(ctx, succeeding); err != nil {
		t.Fatalf("expected second probe to succeed, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after two half-open successes, got %v", cb.State())
	}
	if snap := cb.Snapshot(); snap.FailureCount != 0 || snap.HalfOpenSuccessCount != 0 {
		t.Fatalf("expected counters reset, got %+v", snap)
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(1, clock)
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	clock.Advance(2 * time.Minute)

	_ = cb.Execute(ctx, succeeding)
	if err := cb.Execute(ctx, failing); !errors.Is(err, errUpstream) {
		t.Fatalf("expected probe failure to surface, got %v", err)
	}
	snap := cb.Snapshot()
	if snap.State != StateOpen || snap.HalfOpenSuccessCount != 0 {
		t.Fatalf("expected reopened circuit with reset probe count, got %+v", snap)
	}
	if !snap.LastFailureTime.Equal(clock.Now()) {
		t.Fatalf("expected last failure time updated, got %v", snap.LastFailureTime)
	}
	if err := cb.Execute(ctx, succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected fast fail right after reopening, got %v", err)
	}
}

func TestCircuitBreaker_NonRetryableFailuresDoNotCount(t *testing.T) {
	cb := newTestBreaker(2, newFakeClock())
	terminal := errors.New("invalid record")

	for i := 0; i < 5; i++ {
		if err := cb.Execute(context.Background(), func(context.Context) error { return terminal }); !errors.Is(err, terminal) {
			t.Fatalf("expected terminal error to pass through, got %v", err)
		}
	}
	if cb.State() != StateClosed || cb.Snapshot().FailureCount != 0 {
		t.Fatalf("expected untouched closed circuit, got %+v", cb.Snapshot())
	}
}

func TestCircuitBreaker_ClosedSuccessDecaysFailures(t *testing.T) {
	cb := newTestBreaker(3, newFakeClock())
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	_ = cb.Execute(ctx, failing)
	_ = cb.Execute(ctx, succeeding)
	if got := cb.Snapshot().FailureCount; got != 1 {
		t.Fatalf("expected failure count decayed to 1, got %d", got)
	}
	_ = cb.Execute(ctx, failing)
	if cb.State() != StateClosed {
		t.Fatal("expected circuit to stay closed below threshold")
	}
	_ = cb.Execute(ctx, failing)
	if cb.State() != StateOpen {
		t.Fatal("expected circuit to open at threshold")
	}
}

func TestCircuitBreaker_MonitoringWindowAgesOutFailures(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(3, clock)
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	_ = cb.Execute(ctx, failing)
	clock.Advance(11 * time.Minute)
	_ = cb.Execute(ctx, failing)

	if cb.State() != StateClosed {
		t.Fatal("expected stale failures to be forgotten")
	}
	if got := cb.Snapshot().FailureCount; got != 1 {
		t.Fatalf("expected a fresh count of 1, got %d", got)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := newTestBreaker(1, newFakeClock())
	_ = cb.Execute(context.Background(), failing)
	if cb.State() != StateOpen {
		t.Fatal("expected open circuit")
	}
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatal("expected closed after reset")
	}
	if err := cb.Execute(context.Background(), succeeding); err != nil {
		t.Fatalf("expected call to pass after reset, got %v", err)
	}
}

func TestCircuitBreaker_HealthCheck(t *testing.T) {
	cb := newTestBreaker(1, newFakeClock())
	if err := cb.HealthCheck(context.Background()); err != nil {
		t.Fatalf("closed circuit must be healthy, got %v", err)
	}
	_ = cb.Execute(context.Background(), failing)
	if err := cb.HealthCheck(context.Background()); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestState_String(t *testing.T) {
	for state, want := range map[State]string{
		StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half_open", State(9): "unknown",
	} {
		if got := state.String(); got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
}

func TestProperty_CircuitBreakerStateMachine(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("threshold consecutive retryable failures open the circuit", prop.ForAll(
		func(threshold int) bool {
			cb := newTestBreaker(threshold, newFakeClock())
			for i := 0; i < threshold-1; i++ {
				_ = cb.Execute(context.Background(), failing)
				if cb.State() != StateClosed {
					return false
				}
			}
			_ = cb.Execute(context.Background(), failing)
			return cb.State() == StateOpen
		},
		gen.IntRange(1, 20),
	))

	properties.Property("an open circuit never invokes the operation before the reset timeout", prop.ForAll(
		func(threshold int, waitSeconds int) bool {
			clock := newFakeClock()
			cb := newTestBreaker(threshold, clock)
			for i := 0; i < threshold; i++ {
				_ = cb.Execute(context.Background(), failing)
			}
			clock.Advance(time.Duration(waitSeconds) * time.Second)
			invoked := false
			err := cb.Execute(context.Background(), func(context.Context) error {
				invoked = true
				return nil
			})
			return !invoked && errors.Is(err, ErrCircuitOpen)
		},
		gen.IntRange(1, 10),
		gen.IntRange(0, 59),
	))

	properties.Property("failure count never exceeds the threshold while closed", prop.ForAll(
		func(threshold int, outcomes []bool) bool {
			cb := newTestBreaker(threshold, newFakeClock())
			for _, ok := range outcomes {
				if ok {
					_ = cb.Execute(context.Background(), succeeding)
				} else {
					_ = cb.Execute(context.Background(), failing)
				}
				snap := cb.Snapshot()
				if snap.State == StateClosed && snap.FailureCount >= threshold {
					return false
				}
				if snap.FailureCount < 0 {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 8),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
