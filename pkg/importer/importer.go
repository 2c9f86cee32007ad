// Package importer copies racing schedules from the feed into the document
// store. Feed reads and store writes each run under the retry executor and
// their own circuit breaker.
package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nimburion/racesync/pkg/batch"
	"github.com/nimburion/racesync/pkg/docstore"
	"github.com/nimburion/racesync/pkg/job"
	"github.com/nimburion/racesync/pkg/observability/logger"
	"github.com/nimburion/racesync/pkg/resilience"
)

const DefaultCollection = "race_schedules"

var (
	// ErrFeedUnavailable means the feed could not be read within the retry budget.
	ErrFeedUnavailable = errors.New("schedule feed unavailable")
	// ErrAllWritesFailed means records were fetched but none could be stored.
	ErrAllWritesFailed = errors.New("every schedule write failed")
)

// Config controls an Importer.
type Config struct {
	Collection       string
	BatchSize        int
	Parallel         bool
	MaxConcurrency   int
	StopOnFirstError bool
	// RatePerSecond throttles store writes. Zero disables throttling.
	RatePerSecond float64
}

func (c *Config) normalize() {
	c.Collection = strings.TrimSpace(c.Collection)
	if c.Collection == "" {
		c.Collection = DefaultCollection
	}
	if c.BatchSize <= 0 {
		c.BatchSize = batch.DefaultSize
	}
}

// Guards are the resilience components an Importer runs through.
type Guards struct {
	Retrier *resilience.Retrier
	Feed    *resilience.CircuitBreaker
	Writes  *resilience.CircuitBreaker
}

// Importer implements job.Job.
type Importer struct {
	source  Source
	store   docstore.Store
	guards  Guards
	limiter *rate.Limiter
	config  Config
	log     logger.Logger
	now     func() time.Time
}

// NewImporter creates an importer. Missing guards get defaults.
func NewImporter(source Source, store docstore.Store, guards Guards, cfg Config, log logger.Logger) (*Importer, error) {
	if source == nil {
		return nil, errors.New("schedule source is required")
	}
	if store == nil {
		return nil, errors.New("document store is required")
	}
	if log == nil {
		log = logger.Nop()
	}
	cfg.normalize()
	if guards.Retrier == nil {
		guards.Retrier = resilience.NewRetrier("import", resilience.DefaultRetryPolicy(), log)
	}
	if guards.Feed == nil {
		guards.Feed = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "feed"}, log)
	}
	if guards.Writes == nil {
		guards.Writes = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "writes"}, log)
	}
	imp := &Importer{
		source: source,
		store:  store,
		guards: guards,
		config: cfg,
		log:    log,
		now:    time.Now,
	}
	if cfg.RatePerSecond > 0 {
		imp.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), max(1, int(cfg.RatePerSecond)))
	}
	return imp, nil
}

// scheduleDocument is the stored form of a Record.
type scheduleDocument struct {
	Key         string         `json:"key"`
	Fields      map[string]any `json:"fields"`
	ImportedAt  time.Time      `json:"importedAt"`
	ExecutionID string         `json:"executionId,omitempty"`
}

// Run fetches the feed and upserts every record. Item failures make the run
// partial; only a feed failure, a stop at a checkpoint, or a run where every
// write failed return an error.
func (i *Importer) Run(ctx context.Context, exec *job.Execution) (job.Stats, error) {
	var stats job.Stats
	log := i.log.WithContext(ctx)

	records, ok := resilience.Retry(ctx, i.guards.Retrier, func(ctx context.Context) ([]Record, error) {
		var out []Record
		err := i.guards.Feed.Execute(ctx, func(ctx context.Context) error {
			var err error
			out, err = i.source.Fetch(ctx)
			return err
		})
		return out, err
	})
	if !ok {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		return stats, ErrFeedUnavailable
	}
	stats.Fetched = len(records)
	log.Info("schedule feed fetched", "records", stats.Fetched)

	if err := checkpoint(ctx, exec, batch.Progress{Total: len(records)}); err != nil {
		return stats, err
	}
	if len(records) == 0 {
		return stats, nil
	}

	executionID := ""
	if exec != nil {
		executionID = exec.ID()
	}
	result := batch.Process(ctx, records, func(ctx context.Context, rec Record) (string, error) {
		return rec.Key, i.upsert(ctx, rec, executionID)
	}, batch.Options{
		Name:             "schedule_writes",
		Size:             i.config.BatchSize,
		Parallel:         i.config.Parallel,
		MaxConcurrency:   i.config.MaxConcurrency,
		StopOnFirstError: i.config.StopOnFirstError,
		Limiter:          i.limiter,
		Log:              i.log,
		Progress: func(ctx context.Context, p batch.Progress) error {
			return checkpoint(ctx, exec, p)
		},
	})
	stats.Written = result.Successful
	stats.Failed = result.Failed

	for _, item := range result.Errors() {
		log.Warn("schedule write failed", "key", records[item.Index].Key, "error", item.Err)
	}
	if result.Cause != nil {
		return stats, result.Cause
	}
	if stats.Written == 0 && stats.Failed > 0 {
		return stats, fmt.Errorf("%w: %d records", ErrAllWritesFailed, stats.Failed)
	}
	return stats, nil
}

func checkpoint(ctx context.Context, exec *job.Execution, progress batch.Progress) error {
	if exec == nil {
		return ctx.Err()
	}
	exec.ReportProgress(progress)
	return exec.Checkpoint(ctx)
}

func (i *Importer) upsert(ctx context.Context, rec Record, executionID string) error {
	body, err := docstore.Marshal(scheduleDocument{
		Key:         rec.Key,
		Fields:      rec.Fields,
		ImportedAt:  i.now().UTC(),
		ExecutionID: executionID,
	})
	if err != nil {
		return err
	}
	return i.guards.Retrier.Do(ctx, func(ctx context.Context) error {
		return i.guards.Writes.Execute(ctx, func(ctx context.Context) error {
			return i.write(ctx, rec.Key, body)
		})
	})
}

// write updates the record, creating it when absent. A create that loses a
// race to a concurrent writer falls back to one more update.
func (i *Importer) write(ctx context.Context, key string, body []byte) error {
	_, err := i.store.Update(ctx, i.config.Collection, key, body)
	if !docstore.IsKind(err, docstore.KindNotFound) {
		return err
	}
	_, err = i.store.Create(ctx, i.config.Collection, key, body)
	if !docstore.IsKind(err, docstore.KindAlreadyExists) {
		return err
	}
	_, err = i.store.Update(ctx, i.config.Collection, key, body)
	return err
}
