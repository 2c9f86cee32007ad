package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/racesync/pkg/observability/logger"
)

const (
	// DefaultMaxRetries is the number of retries after the first attempt.
	DefaultMaxRetries = 3
	// DefaultAttemptTimeout bounds every single attempt.
	DefaultAttemptTimeout = 30 * time.Second
)

// ErrRetriesExhausted is returned by Retrier.Do when every attempt failed.
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryPolicy configures a Retrier.
type RetryPolicy struct {
	MaxRetries     int
	AttemptTimeout time.Duration
	Backoff        Backoff
	Classifier     Classifier
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = DefaultAttemptTimeout
	}
	if p.Classifier == nil {
		p.Classifier = IsRetryable
	}
	p.Backoff = p.Backoff.normalize()
	return p
}

// DefaultRetryPolicy returns three retries, 30s per attempt, 1s..30s backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: DefaultMaxRetries}.normalize()
}

// Retrier runs an operation up to MaxRetries+1 times, each attempt under
// AttemptTimeout, sleeping Backoff.Delay(n) between attempts. A Retrier is
// stateless between calls and safe for concurrent use.
type Retrier struct {
	name   string
	policy RetryPolicy
	log    logger.Logger
	sleep  func(context.Context, time.Duration) error
}

// NewRetrier creates a Retrier. name labels logs.
func NewRetrier(name string, policy RetryPolicy, log logger.Logger) *Retrier {
	if log == nil {
		log = logger.Nop()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "operation"
	}
	return &Retrier{
		name:   name,
		policy: policy.normalize(),
		log:    log,
		sleep:  sleepContext,
	}
}

// Policy returns the normalized policy.
func (r *Retrier) Policy() RetryPolicy { return r.policy }

type attemptKey struct{}

// AttemptFromContext returns the 1-based attempt number inside an operation
// run by a Retrier, or 0 outside one.
func AttemptFromContext(ctx context.Context) int {
	n, _ := ctx.Value(attemptKey{}).(int)
	return n
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// attempts are used up. On exhaustion the returned error wraps both
// ErrRetriesExhausted and the last attempt's error. Caller cancellation stops
// the loop between attempts.
func (r *Retrier) Do(ctx context.Context, op func(context.Context) error) error {
	_, err := r.do(ctx, op)
	return err
}

// do returns the number of the attempt that succeeded.
func (r *Retrier) do(ctx context.Context, op func(context.Context) error) (int, error) {
	if op == nil {
		return 0, fmt.Errorf("%s: operation is required", r.name)
	}
	maxAttempts := r.policy.MaxRetries + 1
	start := time.Now()
	log := r.log.WithContext(ctx)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptCtx := context.WithValue(ctx, attemptKey{}, attempt)
		err := WithTimeout(attemptCtx, r.policy.AttemptTimeout, op)
		if err == nil {
			if attempt > 1 {
				log.Info("operation recovered after retry",
					"operation", r.name,
					"attempt", attempt,
					"elapsed", time.Since(start),
				)
				recordRetryAttempt(r.name, "recovered")
			}
			return attempt, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			recordRetryAttempt(r.name, "cancelled")
			return 0, fmt.Errorf("%s: %w", r.name, err)
		}
		if !r.policy.Classifier(err) {
			log.Warn("operation failed with non-retryable error",
				"operation", r.name,
				"attempt", attempt,
				"error", err,
			)
			recordRetryAttempt(r.name, "non_retryable")
			return 0, fmt.Errorf("%s: attempt %d: %w", r.name, attempt, err)
		}
		if attempt == maxAttempts {
			break
		}

		delay := r.policy.Backoff.Delay(attempt)
		log.Warn("retry scheduled",
			"operation", r.name,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"delay", delay,
			"error", err,
		)
		recordRetryAttempt(r.name, "retry")
		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			recordRetryAttempt(r.name, "cancelled")
			return 0, fmt.Errorf("%s: %w", r.name, errors.Join(lastErr, sleepErr))
		}
	}

	log.Error("retries exhausted",
		"operation", r.name,
		"attempts", maxAttempts,
		"elapsed", time.Since(start),
		"error", lastErr,
	)
	recordRetryAttempt(r.name, "exhausted")
	return 0, fmt.Errorf("%s: %w after %d attempts: %w", r.name, ErrRetriesExhausted, maxAttempts, lastErr)
}

// Retry runs op through r and returns its result. Any terminal failure is
// logged by r and reported as ok=false with the zero value; it never escapes
// as an error.
func Retry[T any](ctx context.Context, r *Retrier, op func(context.Context) (T, error)) (T, bool) {
	var zero T
	if r == nil || op == nil {
		return zero, false
	}

	// A timed-out attempt may still finish later; keep values per attempt so a
	// late result never replaces the one from the attempt that succeeded.
	var mu sync.Mutex
	values := make(map[int]T, r.policy.MaxRetries+1)
	winner, err := r.do(ctx, func(attemptCtx context.Context) error {
		value, err := op(attemptCtx)
		if err != nil {
			return err
		}
		mu.Lock()
		values[AttemptFromContext(attemptCtx)] = value
		mu.Unlock()
		return nil
	})
	if err != nil {
		return zero, false
	}
	mu.Lock()
	defer mu.Unlock()
	return values[winner], true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
