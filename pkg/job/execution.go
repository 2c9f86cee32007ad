package job

import (
	"context"
	"sync"
	"time"

	"github.com/nimburion/racesync/pkg/lock"
	"github.com/nimburion/racesync/pkg/observability/logger"
	"github.com/nimburion/racesync/pkg/schedule"
)

// Execution is handed to the job while it holds the lock.
type Execution struct {
	id     string
	jobKey string
	lost   <-chan struct{}
	window schedule.Window
	now    func() time.Time
	log    logger.Logger

	mu       sync.Mutex
	progress any
}

// ID returns the execution id written into the lock document.
func (e *Execution) ID() string { return e.id }

// JobKey returns the lock key of the job.
func (e *Execution) JobKey() string { return e.jobKey }

// Logger returns a logger tagged with the job key and execution id.
func (e *Execution) Logger() logger.Logger { return e.log }

// Checkpoint reports whether the job may continue. It returns
// ErrTerminationWindow inside the termination window, lock.ErrLockLost when a
// peer has taken over the lock, and the context error after cancellation.
func (e *Execution) Checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-e.lost:
		return lock.ErrLockLost
	default:
	}
	if e.window.Contains(e.now()) {
		return ErrTerminationWindow
	}
	return nil
}

// ReportProgress stores the snapshot the next heartbeat writes into the lock.
func (e *Execution) ReportProgress(progress any) {
	e.mu.Lock()
	e.progress = progress
	e.mu.Unlock()
}

func (e *Execution) snapshot() any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}
