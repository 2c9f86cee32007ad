// Package lock implements a fast-fail distributed mutex over a document store.
//
// The mutex primitive is document creation: the first instance to create the
// lock document under the job key holds the slot. A holder that stops
// heartbeating for longer than the stale threshold is presumed dead, and the
// next challenger deletes its document and creates its own. The challenger
// retries the create exactly once; if that collides too, it yields. A third
// instance arriving inside that window can still win, so protected jobs must
// be idempotent.
package lock

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nimburion/racesync/pkg/docstore"
	"github.com/nimburion/racesync/pkg/observability/logger"
	"github.com/nimburion/racesync/pkg/resilience"
	"github.com/nimburion/racesync/pkg/version"
)

const (
	DefaultCollection        = "execution_locks"
	DefaultStaleThreshold    = 5 * time.Minute
	DefaultHeartbeatInterval = 2 * time.Minute
	DefaultOperationTimeout  = 10 * time.Second
	DefaultProgressLimit     = 4096
)

// Config controls coordinator behavior.
type Config struct {
	Collection        string
	StaleThreshold    time.Duration
	HeartbeatInterval time.Duration
	// OperationTimeout bounds every document store round trip.
	OperationTimeout time.Duration
	// ProgressLimit caps the encoded progress snapshot in bytes.
	ProgressLimit int
}

func (c *Config) normalize() {
	c.Collection = strings.TrimSpace(c.Collection)
	if c.Collection == "" {
		c.Collection = DefaultCollection
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = DefaultStaleThreshold
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	if c.ProgressLimit == 0 {
		c.ProgressLimit = DefaultProgressLimit
	}
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator replaces the execution id generator.
func WithIDGenerator(newID func() string) Option {
	return func(c *Coordinator) {
		if newID != nil {
			c.newID = newID
		}
	}
}

// WithHost sets the host name recorded in lock documents.
func WithHost(host string) Option {
	return func(c *Coordinator) { c.host = host }
}

// WithBuild sets the build tag recorded in lock documents.
func WithBuild(build string) Option {
	return func(c *Coordinator) { c.build = build }
}

// Coordinator acquires execution locks. It keeps no state between calls.
type Coordinator struct {
	store  docstore.Store
	config Config
	log    logger.Logger
	now    func() time.Time
	newID  func() string
	host   string
	build  string
}

// NewCoordinator creates a coordinator over store.
func NewCoordinator(store docstore.Store, cfg Config, log logger.Logger, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, lockError(ErrInvalidArgument, "document store is required")
	}
	if log == nil {
		log = logger.Nop()
	}
	cfg.normalize()
	host, _ := os.Hostname()
	c := &Coordinator{
		store:  store,
		config: cfg,
		log:    log,
		now:    time.Now,
		newID:  uuid.NewString,
		host:   host,
		build:  version.Current("").Build(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Config returns the normalized configuration.
func (c *Coordinator) Config() Config { return c.config }

// Acquire tries to take the execution slot for jobKey without waiting.
//
// It returns a handle when the slot was free or stale. When a live peer holds
// the slot, or a concurrent challenger won the stale takeover, it returns a
// nil handle and a nil error. ErrNotProvisioned and ErrStoreUnavailable report
// an environment problem rather than contention.
func (c *Coordinator) Acquire(ctx context.Context, jobKey string) (*Handle, error) {
	if c == nil {
		return nil, ErrNotInitialized
	}
	jobKey = strings.TrimSpace(jobKey)
	if jobKey == "" {
		return nil, lockError(ErrInvalidArgument, "job key is required")
	}
	log := c.log.WithContext(ctx).With("job", jobKey)

	handle, err := c.create(ctx, jobKey)
	if err == nil {
		log.Info("lock acquired", "execution_id", handle.executionID)
		recordAcquire(jobKey, outcomeAcquired)
		return handle, nil
	}
	switch docstore.KindOf(err) {
	case docstore.KindAlreadyExists:
		return c.contend(ctx, log, jobKey)
	case docstore.KindCollectionMissing:
		return nil, c.notProvisioned(log, jobKey, err)
	default:
		return nil, c.unavailable(log, jobKey, "create", err)
	}
}

func (c *Coordinator) contend(ctx context.Context, log logger.Logger, jobKey string) (*Handle, error) {
	current, err := c.get(ctx, jobKey)
	switch {
	case err == nil:
	case docstore.IsKind(err, docstore.KindNotFound):
		// released between our create and get
		return c.retryCreate(ctx, log, jobKey, nil)
	default:
		return nil, c.unavailable(log, jobKey, "get", err)
	}

	now := c.now()
	age := current.Age(now)
	if !current.IsStale(now, c.config.StaleThreshold) {
		log.Info("lock contended",
			"holder_execution_id", current.ExecutionID,
			"holder_host", current.Host,
			"lock_age", age,
		)
		recordAcquire(jobKey, outcomeContended)
		return nil, nil
	}

	log.Warn("stale lock detected",
		"holder_execution_id", current.ExecutionID,
		"holder_host", current.Host,
		"lock_age", age,
		"stale_threshold", c.config.StaleThreshold,
	)
	if err := c.delete(ctx, jobKey); err != nil && !docstore.IsKind(err, docstore.KindNotFound) {
		return nil, c.unavailable(log, jobKey, "delete", err)
	}
	return c.retryCreate(ctx, log, jobKey, current)
}

// retryCreate is the single second attempt after the slot looked free.
func (c *Coordinator) retryCreate(ctx context.Context, log logger.Logger, jobKey string, stale *ExecutionLock) (*Handle, error) {
	handle, err := c.create(ctx, jobKey)
	if err != nil {
		switch docstore.KindOf(err) {
		case docstore.KindAlreadyExists:
			log.Info("lock yielded to concurrent challenger")
			recordAcquire(jobKey, outcomeYielded)
			return nil, nil
		case docstore.KindCollectionMissing:
			return nil, c.notProvisioned(log, jobKey, err)
		default:
			return nil, c.unavailable(log, jobKey, "create", err)
		}
	}
	if stale == nil {
		log.Info("lock acquired", "execution_id", handle.executionID)
		recordAcquire(jobKey, outcomeAcquired)
		return handle, nil
	}
	log.Info("stale lock reclaimed",
		"execution_id", handle.executionID,
		"previous_execution_id", stale.ExecutionID,
		"previous_heartbeat", stale.LastHeartbeat,
	)
	recordAcquire(jobKey, outcomeReclaimed)
	return handle, nil
}

// Inspect returns the current lock document for jobKey, or nil when the slot is free.
func (c *Coordinator) Inspect(ctx context.Context, jobKey string) (*ExecutionLock, error) {
	if c == nil {
		return nil, ErrNotInitialized
	}
	jobKey = strings.TrimSpace(jobKey)
	if jobKey == "" {
		return nil, lockError(ErrInvalidArgument, "job key is required")
	}
	current, err := c.get(ctx, jobKey)
	if err == nil {
		return current, nil
	}
	switch docstore.KindOf(err) {
	case docstore.KindNotFound:
		return nil, nil
	case docstore.KindCollectionMissing:
		return nil, storeError(ErrNotProvisioned, "get", err)
	default:
		return nil, storeError(ErrStoreUnavailable, "get", err)
	}
}

// Clear deletes the lock for jobKey on behalf of an operator. Unless force is
// set, a lock that is not stale is left alone and Clear reports false.
func (c *Coordinator) Clear(ctx context.Context, jobKey string, force bool) (bool, error) {
	current, err := c.Inspect(ctx, jobKey)
	if err != nil || current == nil {
		return false, err
	}
	if !force && !current.IsStale(c.now(), c.config.StaleThreshold) {
		return false, nil
	}
	if err := c.delete(ctx, jobKey); err != nil {
		if docstore.IsKind(err, docstore.KindNotFound) {
			return false, nil
		}
		return false, storeError(ErrStoreUnavailable, "delete", err)
	}
	c.log.WithContext(ctx).Warn("lock cleared by operator",
		"job", current.JobKey,
		"execution_id", current.ExecutionID,
		"lock_age", current.Age(c.now()),
		"forced", force,
	)
	return true, nil
}

// Provision creates the lock collection when the store supports it.
func (c *Coordinator) Provision(ctx context.Context) error {
	provisioner, ok := c.store.(docstore.Provisioner)
	if !ok {
		return lockError(ErrInvalidArgument, "document store cannot provision collections")
	}
	return provisioner.Provision(ctx, c.config.Collection)
}

// HealthCheck probes the document store.
func (c *Coordinator) HealthCheck(ctx context.Context) error {
	if c == nil {
		return ErrNotInitialized
	}
	return c.store.HealthCheck(ctx)
}

func (c *Coordinator) create(ctx context.Context, jobKey string) (*Handle, error) {
	now := c.now().UTC()
	doc := ExecutionLock{
		SchemaVersion: SchemaVersion,
		JobKey:        jobKey,
		ExecutionID:   c.newID(),
		Host:          c.host,
		Build:         c.build,
		AcquiredAt:    now,
		LastHeartbeat: now,
		Status:        StatusRunning,
	}
	body, err := docstore.Marshal(doc)
	if err != nil {
		return nil, err
	}
	err = c.call(ctx, func(opCtx context.Context) error {
		_, err := c.store.Create(opCtx, c.config.Collection, jobKey, body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return newHandle(c, doc), nil
}

func (c *Coordinator) get(ctx context.Context, jobKey string) (*ExecutionLock, error) {
	var doc *docstore.Document
	err := c.call(ctx, func(opCtx context.Context) error {
		var err error
		doc, err = c.store.Get(opCtx, c.config.Collection, jobKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	var current ExecutionLock
	if err := doc.Decode(&current); err != nil || current.LastHeartbeat.IsZero() {
		// an unreadable lock ages from its last write so it can still go stale
		c.log.Warn("lock document unreadable, using store timestamp",
			"job", jobKey,
			"updated_at", doc.UpdatedAt,
			"error", err,
		)
		current.JobKey = jobKey
		current.LastHeartbeat = doc.UpdatedAt
	}
	return &current, nil
}

func (c *Coordinator) updateIf(ctx context.Context, jobKey string, body []byte, check docstore.Precondition) error {
	return c.call(ctx, func(opCtx context.Context) error {
		_, err := docstore.UpdateIf(opCtx, c.store, c.config.Collection, jobKey, body, check)
		return err
	})
}

func (c *Coordinator) delete(ctx context.Context, jobKey string) error {
	return c.call(ctx, func(opCtx context.Context) error {
		return c.store.Delete(opCtx, c.config.Collection, jobKey)
	})
}

func (c *Coordinator) deleteIf(ctx context.Context, jobKey string, check docstore.Precondition) error {
	return c.call(ctx, func(opCtx context.Context) error {
		return docstore.DeleteIf(opCtx, c.store, c.config.Collection, jobKey, check)
	})
}

// call runs a store round trip under the operation timeout. A timeout is
// reported as KindUnavailable so callers branch on kinds only.
func (c *Coordinator) call(ctx context.Context, fn func(context.Context) error) error {
	err := resilience.WithTimeout(ctx, c.config.OperationTimeout, fn)
	if errors.Is(err, resilience.ErrTimeout) {
		return docstore.NewError("call", c.config.Collection, "", docstore.KindUnavailable, err)
	}
	return err
}

func (c *Coordinator) notProvisioned(log logger.Logger, jobKey string, err error) error {
	log.Error("lock collection not provisioned",
		"collection", c.config.Collection,
		"error", err,
	)
	recordAcquire(jobKey, outcomeNotProvisioned)
	return storeError(ErrNotProvisioned, "create", err)
}

func (c *Coordinator) unavailable(log logger.Logger, jobKey, op string, err error) error {
	log.Error("lock store unavailable", "operation", op, "error", err)
	recordAcquire(jobKey, outcomeUnavailable)
	return storeError(ErrStoreUnavailable, op, err)
}
