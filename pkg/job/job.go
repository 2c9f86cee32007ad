// Package job runs one protected job invocation: acquire the execution lock,
// keep it alive, run the work with cooperative checkpoints, and release it on
// every exit path.
package job

import (
	"context"
	"errors"
	"time"
)

// TerminationReason is the machine-readable outcome of a run.
type TerminationReason string

const (
	ReasonCompleted            TerminationReason = "completed"
	ReasonPartial              TerminationReason = "partial"
	ReasonFailed               TerminationReason = "failed"
	ReasonTerminatedBySchedule TerminationReason = "terminated_by_schedule"
	ReasonSkippedContended     TerminationReason = "skipped_contended"
	ReasonNotProvisioned       TerminationReason = "not_provisioned"
	ReasonStoreUnavailable     TerminationReason = "store_unavailable"
	ReasonLockLost             TerminationReason = "lock_lost"
)

// Failed reports whether the reason should surface as an unsuccessful run.
// Contention and schedule termination are expected steady-state outcomes.
func (r TerminationReason) Failed() bool {
	switch r {
	case ReasonFailed, ReasonNotProvisioned, ReasonStoreUnavailable, ReasonLockLost:
		return true
	default:
		return false
	}
}

// ErrTerminationWindow is returned by Execution.Checkpoint once the wall
// clock enters the termination window.
var ErrTerminationWindow = errors.New("termination window reached")

// Stats counts the work done by a run.
type Stats struct {
	Fetched int `json:"fetched" yaml:"fetched"`
	Written int `json:"written" yaml:"written"`
	Failed  int `json:"failed" yaml:"failed"`
}

// Job is the protected work.
type Job interface {
	Run(ctx context.Context, exec *Execution) (Stats, error)
}

// Func adapts a function to Job.
type Func func(ctx context.Context, exec *Execution) (Stats, error)

func (f Func) Run(ctx context.Context, exec *Execution) (Stats, error) { return f(ctx, exec) }

// RunRecord is the result of one invocation.
type RunRecord struct {
	ExecutionID string            `json:"executionId,omitempty" yaml:"executionId,omitempty"`
	JobKey      string            `json:"jobKey" yaml:"jobKey"`
	StartedAt   time.Time         `json:"startedAt" yaml:"startedAt"`
	FinishedAt  time.Time         `json:"finishedAt" yaml:"finishedAt"`
	Reason      TerminationReason `json:"reason" yaml:"reason"`
	Stats       Stats             `json:"stats" yaml:"stats"`
	Err         error             `json:"-" yaml:"-"`
}

// Duration is the wall time between start and finish.
func (r RunRecord) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }
