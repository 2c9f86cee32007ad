package lock

import (
	"context"
	"sync"
	"time"

	"github.com/nimburion/racesync/pkg/docstore"
	"github.com/nimburion/racesync/pkg/observability/logger"
)

// Completion describes how the protected job ended. It is logged and
// measured on release; it is never written to the store.
type Completion struct {
	Status string
	Stats  any
}

// Handle is the holder's grip on an acquired lock. Heartbeat and Release act
// only while the stored document still carries the handle's execution id.
// On backends implementing docstore.Guarded the check and the write are one
// step; on the others a takeover can land between them and be overwritten.
type Handle struct {
	coordinator *Coordinator
	jobKey      string
	executionID string
	acquiredAt  time.Time
	log         logger.Logger

	mu       sync.Mutex
	doc      ExecutionLock
	released bool
	stop     context.CancelFunc
	done     chan struct{}
	lost     chan struct{}
	lostOnce sync.Once
}

func newHandle(c *Coordinator, doc ExecutionLock) *Handle {
	return &Handle{
		coordinator: c,
		jobKey:      doc.JobKey,
		executionID: doc.ExecutionID,
		acquiredAt:  doc.AcquiredAt,
		log:         c.log.With("job", doc.JobKey, "execution_id", doc.ExecutionID),
		doc:         doc,
		lost:        make(chan struct{}),
	}
}

func (h *Handle) JobKey() string        { return h.jobKey }
func (h *Handle) ExecutionID() string   { return h.executionID }
func (h *Handle) AcquiredAt() time.Time { return h.acquiredAt }

// Lost is closed once a heartbeat finds the lock owned by another execution
// or gone.
func (h *Handle) Lost() <-chan struct{} { return h.lost }

// Heartbeat refreshes lastHeartbeat and the progress snapshot. It returns
// ErrLockLost when the document is missing or owned by another execution.
func (h *Handle) Heartbeat(ctx context.Context, progress any) error {
	if h == nil || h.coordinator == nil {
		return ErrNotInitialized
	}
	h.mu.Lock()
	released := h.released
	h.mu.Unlock()
	if released {
		return lockError(ErrLockLost, "handle already released")
	}

	c := h.coordinator
	snapshot, err := encodeProgress(progress, c.config.ProgressLimit)
	if err != nil {
		h.log.Warn("progress snapshot dropped", "error", err)
		snapshot = nil
	}

	h.mu.Lock()
	next := h.doc
	next.LastHeartbeat = c.now().UTC()
	next.ProgressSnapshot = snapshot
	h.mu.Unlock()

	body, err := docstore.Marshal(next)
	if err != nil {
		return err
	}
	if err := c.updateIf(ctx, h.jobKey, body, h.owned("heartbeat")); err != nil {
		err = h.writeError("update", err)
		recordHeartbeat(h.jobKey, heartbeatStatus(err))
		return err
	}

	h.mu.Lock()
	h.doc = next
	h.mu.Unlock()
	recordHeartbeat(h.jobKey, "ok")
	return nil
}

// StartHeartbeat renews the lock every HeartbeatInterval until Release or
// until ctx ends. progress may be nil. Failures are logged and the loop keeps
// going, except for a lost lock, which ends it.
func (h *Handle) StartHeartbeat(ctx context.Context, progress func() any) {
	if h == nil || h.coordinator == nil {
		return
	}
	h.mu.Lock()
	if h.released || h.stop != nil {
		h.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	h.stop = cancel
	h.done = make(chan struct{})
	done := h.done
	h.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(h.coordinator.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
			}
			var snapshot any
			if progress != nil {
				snapshot = progress()
			}
			err := h.Heartbeat(loopCtx, snapshot)
			switch {
			case err == nil:
				h.log.Debug("lock heartbeat")
			case loopCtx.Err() != nil:
				return
			case isLost(err):
				h.log.Error("lock lost, heartbeat stopped", "error", err)
				return
			default:
				h.log.Warn("lock heartbeat failed", "error", err)
			}
		}
	}()
}

// Release stops the heartbeat and deletes the lock if this execution still
// owns it. Releasing twice, releasing a lock that is already gone, or one
// that a peer has taken over are logged no-ops. Release ignores the caller's
// cancellation so it can run from deferred cleanup.
func (h *Handle) Release(ctx context.Context, completion Completion) error {
	if h == nil || h.coordinator == nil {
		return ErrNotInitialized
	}
	ctx = context.WithoutCancel(ctx)

	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		h.log.Warn("lock already released")
		return nil
	}
	h.released = true
	if h.stop != nil {
		h.stop()
	}
	done := h.done
	h.mu.Unlock()

	if done != nil {
		<-done
	}

	status := completion.Status
	if status == "" {
		status = "unknown"
	}
	held := h.coordinator.now().Sub(h.acquiredAt)
	recordHeld(h.jobKey, status, held.Seconds())

	if err := h.coordinator.deleteIf(ctx, h.jobKey, h.owned("release")); err != nil {
		err = h.writeError("delete", err)
		if isLost(err) {
			h.log.Warn("lock not released", "status", status, "reason", err.Error())
			return nil
		}
		h.log.Error("lock release failed", "status", status, "error", err)
		return err
	}
	h.log.Info("lock released",
		"status", status,
		"held", held,
		"stats", completion.Stats,
	)
	return nil
}

// owned accepts the stored document only while it carries this execution id.
func (h *Handle) owned(op string) docstore.Precondition {
	return func(current *docstore.Document) error {
		var stored ExecutionLock
		if err := current.Decode(&stored); err != nil {
			h.log.Warn("lock document unreadable", "operation", op, "error", err)
			return lockError(ErrLockLost, "lock document unreadable")
		}
		if stored.ExecutionID != h.executionID {
			h.log.Warn("lock owned by another execution",
				"operation", op,
				"holder_execution_id", stored.ExecutionID,
				"holder_host", stored.Host,
			)
			return lockError(ErrLockLost, "owned by "+stored.ExecutionID)
		}
		return nil
	}
}

// writeError maps a guarded write failure to ErrLockLost or
// ErrStoreUnavailable and marks the handle lost when ownership is gone.
func (h *Handle) writeError(op string, err error) error {
	switch {
	case isLost(err):
		h.markLost()
		return err
	case docstore.IsKind(err, docstore.KindNotFound):
		h.markLost()
		return lockError(ErrLockLost, "lock document missing")
	default:
		return storeError(ErrStoreUnavailable, op, err)
	}
}

func (h *Handle) markLost() {
	h.lostOnce.Do(func() { close(h.lost) })
}

func heartbeatStatus(err error) string {
	if isLost(err) {
		return "lost"
	}
	return "failed"
}
