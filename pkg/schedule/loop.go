package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/nimburion/racesync/pkg/observability/logger"
)

// Loop fires a function on a Schedule until its context ends. Runs never
// overlap inside one process: the next fire time is computed after the
// previous run returns, so runs that overshoot skip the missed slots.
type Loop struct {
	schedule Schedule
	run      func(context.Context)
	log      logger.Logger
	now      func() time.Time
	after    func(time.Duration) <-chan time.Time
}

// NewLoop creates a loop that calls run on every fire time of s.
func NewLoop(s Schedule, run func(context.Context), log logger.Logger) (*Loop, error) {
	if s == nil {
		return nil, errors.New("schedule is required")
	}
	if run == nil {
		return nil, errors.New("run function is required")
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Loop{
		schedule: s,
		run:      run,
		log:      log,
		now:      time.Now,
		after:    time.After,
	}, nil
}

// Run blocks until ctx is cancelled. It returns nil on cancellation and an
// error only when the schedule cannot produce a next run.
func (l *Loop) Run(ctx context.Context) error {
	for {
		now := l.now()
		next, err := l.schedule.Next(now)
		if err != nil {
			l.log.Error("schedule has no next run", "error", err)
			return err
		}
		scheduleNextRun.Set(float64(next.Unix()))
		l.log.Info("next run scheduled", "at", next, "in", next.Sub(now).Round(time.Second))

		select {
		case <-ctx.Done():
			return nil
		case <-l.after(max(next.Sub(now), 0)):
		}

		scheduleFiresTotal.Inc()
		l.run(ctx)
		if ctx.Err() != nil {
			return nil
		}
	}
}
