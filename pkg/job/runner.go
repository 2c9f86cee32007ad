package job

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/nimburion/racesync/pkg/lock"
	"github.com/nimburion/racesync/pkg/observability/logger"
	"github.com/nimburion/racesync/pkg/observability/tracing"
	"github.com/nimburion/racesync/pkg/schedule"
)

// Config controls a Runner.
type Config struct {
	JobKey string
	// Window is the daily termination window. The zero value disables it.
	Window schedule.Window
}

// Runner wraps each job invocation in the execution lock.
type Runner struct {
	coordinator *lock.Coordinator
	config      Config
	log         logger.Logger
	now         func() time.Time
}

// NewRunner creates a runner for one job key.
func NewRunner(coordinator *lock.Coordinator, cfg Config, log logger.Logger) (*Runner, error) {
	if coordinator == nil {
		return nil, errors.New("lock coordinator is required")
	}
	cfg.JobKey = strings.TrimSpace(cfg.JobKey)
	if cfg.JobKey == "" {
		return nil, errors.New("job key is required")
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Runner{
		coordinator: coordinator,
		config:      cfg,
		log:         log.With("job", cfg.JobKey),
		now:         time.Now,
	}, nil
}

// Run performs one invocation and never panics. Contention is reported as
// ReasonSkippedContended with a nil Err.
func (r *Runner) Run(ctx context.Context, job Job) (record RunRecord) {
	record = RunRecord{JobKey: r.config.JobKey, StartedAt: r.now()}
	defer func() {
		record.FinishedAt = r.now()
		recordRun(record)
		r.logRecord(record)
	}()

	if r.config.Window.Contains(record.StartedAt) {
		record.Reason = ReasonTerminatedBySchedule
		return record
	}

	handle, err := r.coordinator.Acquire(ctx, r.config.JobKey)
	switch {
	case errors.Is(err, lock.ErrNotProvisioned):
		record.Reason, record.Err = ReasonNotProvisioned, err
		return record
	case errors.Is(err, lock.ErrStoreUnavailable):
		record.Reason, record.Err = ReasonStoreUnavailable, err
		return record
	case err != nil:
		record.Reason, record.Err = ReasonFailed, err
		return record
	case handle == nil:
		record.Reason = ReasonSkippedContended
		return record
	}
	record.ExecutionID = handle.ExecutionID()

	ctx = logger.ContextWithExecutionID(ctx, handle.ExecutionID())
	ctx, span := tracing.StartJobSpan(ctx, r.config.JobKey, handle.ExecutionID())
	defer span.End()

	exec := &Execution{
		id:     handle.ExecutionID(),
		jobKey: r.config.JobKey,
		lost:   handle.Lost(),
		window: r.config.Window,
		now:    r.now,
		log:    r.log.WithContext(ctx),
	}
	handle.StartHeartbeat(ctx, exec.snapshot)

	stats, runErr := invoke(ctx, job, exec)
	record.Stats = stats
	record.Reason = reasonFor(stats, runErr)
	record.Err = runErr

	releaseErr := handle.Release(ctx, lock.Completion{Status: string(record.Reason), Stats: stats})
	if releaseErr != nil {
		record.Err = errors.Join(record.Err, releaseErr)
	}
	if record.Reason.Failed() {
		tracing.RecordError(span, record.Err)
	} else {
		tracing.RecordSuccess(span)
	}
	return record
}

func invoke(ctx context.Context, job Job, exec *Execution) (stats Stats, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic while running job: %v; stack=%s", rec, string(debug.Stack()))
		}
	}()
	if job == nil {
		return Stats{}, errors.New("job is required")
	}
	return job.Run(ctx, exec)
}

func reasonFor(stats Stats, err error) TerminationReason {
	switch {
	case err == nil && stats.Failed > 0:
		return ReasonPartial
	case err == nil:
		return ReasonCompleted
	case errors.Is(err, ErrTerminationWindow):
		return ReasonTerminatedBySchedule
	case errors.Is(err, lock.ErrLockLost):
		return ReasonLockLost
	default:
		return ReasonFailed
	}
}

func (r *Runner) logRecord(record RunRecord) {
	fields := []any{
		"reason", string(record.Reason),
		"fetched", record.Stats.Fetched,
		"written", record.Stats.Written,
		"failed", record.Stats.Failed,
		"duration", record.Duration(),
	}
	if record.ExecutionID != "" {
		fields = append(fields, "execution_id", record.ExecutionID)
	}
	switch {
	case record.Reason.Failed():
		r.log.Error("job run failed", append(fields, "error", record.Err)...)
	case record.Reason == ReasonSkippedContended:
		r.log.Info("job run skipped, lock held elsewhere", fields...)
	case record.Reason == ReasonTerminatedBySchedule && record.ExecutionID == "":
		r.log.Info("job run skipped inside termination window", append(fields, "window", r.config.Window.String())...)
	default:
		r.log.Info("job run finished", fields...)
	}
}
