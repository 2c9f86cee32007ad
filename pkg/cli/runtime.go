package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimburion/racesync/pkg/config"
	"github.com/nimburion/racesync/pkg/docstore"
	"github.com/nimburion/racesync/pkg/events"
	"github.com/nimburion/racesync/pkg/events/factory"
	"github.com/nimburion/racesync/pkg/health"
	"github.com/nimburion/racesync/pkg/importer"
	"github.com/nimburion/racesync/pkg/job"
	"github.com/nimburion/racesync/pkg/lock"
	"github.com/nimburion/racesync/pkg/observability/logger"
	"github.com/nimburion/racesync/pkg/observability/tracing"
	"github.com/nimburion/racesync/pkg/resilience"
	"github.com/nimburion/racesync/pkg/schedule"
	"github.com/nimburion/racesync/pkg/store"
	"github.com/nimburion/racesync/pkg/version"
)

// Runtime holds the components every command that touches the store shares.
type Runtime struct {
	Config      *config.Config
	Store       docstore.Store
	Coordinator *lock.Coordinator
	Location    *time.Location

	log      logger.Logger
	breakers []*resilience.CircuitBreaker
	notifier *events.Notifier
}

// StoreOpener opens the document store for a configuration. Tests replace it.
type StoreOpener func(cfg config.StoreConfig, log logger.Logger) (docstore.Store, error)

// PublisherOpener opens the run event publisher. Tests replace it.
type PublisherOpener func(cfg config.EventsConfig, log logger.Logger) (events.Publisher, error)

// Cosa fa: apre il document store, crea il coordinatore del lock e risolve il
// fuso orario della schedulazione.
// Cosa NON fa: non costruisce il job né avvia heartbeat o schedulazioni.
// Esempio minimo: rt, err := cli.OpenRuntime(ctx, cfg, log, nil)
func OpenRuntime(ctx context.Context, cfg *config.Config, log logger.Logger, open StoreOpener) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = logger.Nop()
	}
	if open == nil {
		open = store.Open
	}
	loc, err := time.LoadLocation(cfg.Schedule.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load schedule timezone: %w", err)
	}

	docs, err := open(cfg.Store, log)
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}
	// A memory store starts empty in every process.
	if cfg.Store.Type == config.StoreTypeMemory {
		if err := store.Provision(ctx, docs, cfg.Lock.Collection, cfg.Import.Collection); err != nil {
			_ = docs.Close()
			return nil, fmt.Errorf("provision memory store: %w", err)
		}
	}

	coordinator, err := lock.NewCoordinator(docs, lock.Config{
		Collection:        cfg.Lock.Collection,
		StaleThreshold:    cfg.Lock.StaleThreshold,
		HeartbeatInterval: cfg.Lock.HeartbeatInterval,
		OperationTimeout:  cfg.Lock.OperationTimeout,
		ProgressLimit:     cfg.Lock.ProgressLimit,
	}, log)
	if err != nil {
		_ = docs.Close()
		return nil, fmt.Errorf("create lock coordinator: %w", err)
	}

	return &Runtime{
		Config:      cfg,
		Store:       docs,
		Coordinator: coordinator,
		Location:    loc,
		log:         log,
	}, nil
}

// Close releases the event publisher and the document store.
func (r *Runtime) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	if r.notifier != nil {
		if err := r.notifier.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event publisher: %w", err))
		}
	}
	if r.Store != nil {
		if err := r.Store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewRunner builds the job runner for the configured job key and termination window.
func (r *Runtime) NewRunner() (*job.Runner, error) {
	window, err := schedule.ParseWindow(
		r.Config.Schedule.TerminationWindow.Start,
		r.Config.Schedule.TerminationWindow.End,
		r.Location,
	)
	if err != nil {
		return nil, err
	}
	return job.NewRunner(r.Coordinator, job.Config{JobKey: r.Config.Lock.JobKey, Window: window}, r.log)
}

// NewImporter builds the schedule importer with retry and circuit breakers
// from config. A nil source reads import.source_file.
func (r *Runtime) NewImporter(source importer.Source) (*importer.Importer, error) {
	cfg := r.Config
	if source == nil {
		fileSource, err := importer.NewFileSource(cfg.Import.SourceFile, cfg.Import.KeyField)
		if err != nil {
			return nil, fmt.Errorf("import.source_file: %w", err)
		}
		source = fileSource
	}

	retrier := resilience.NewRetrier("import", resilience.RetryPolicy{
		MaxRetries:     cfg.Retry.MaxRetries,
		AttemptTimeout: cfg.Retry.AttemptTimeout,
		Backoff: resilience.Backoff{
			Base:   cfg.Retry.BaseDelay,
			Max:    cfg.Retry.MaxDelay,
			Jitter: cfg.Retry.Jitter,
		},
	}, r.log)

	feed := newBreaker("feed", cfg.CircuitBreakers.Feed, r.log)
	writes := newBreaker("writes", cfg.CircuitBreakers.Writes, r.log)
	r.breakers = append(r.breakers, feed, writes)

	return importer.NewImporter(source, r.Store, importer.Guards{
		Retrier: retrier,
		Feed:    feed,
		Writes:  writes,
	}, importer.Config{
		Collection:       cfg.Import.Collection,
		BatchSize:        cfg.Batch.Size,
		Parallel:         cfg.Batch.Parallel,
		MaxConcurrency:   cfg.Batch.MaxConcurrency,
		StopOnFirstError: cfg.Batch.StopOnFirstError,
		RatePerSecond:    cfg.Batch.RatePerSecond,
	}, r.log)
}

// NewNotifier opens the configured event publisher. It returns nil when
// events.type is empty. A nil open uses the built-in brokers.
func (r *Runtime) NewNotifier(open PublisherOpener) (*events.Notifier, error) {
	cfg := r.Config.Events
	if !cfg.Enabled() {
		return nil, nil
	}
	if open == nil {
		open = factory.NewPublisher
	}
	serializer, err := events.NewSerializer(cfg.Serializer)
	if err != nil {
		return nil, err
	}
	publisher, err := open(cfg, r.log)
	if err != nil {
		return nil, fmt.Errorf("open %s event publisher: %w", cfg.Type, err)
	}

	retrier := resilience.NewRetrier("events", resilience.RetryPolicy{
		MaxRetries:     r.Config.Retry.MaxRetries,
		AttemptTimeout: cfg.OperationTimeout,
		Backoff: resilience.Backoff{
			Base:   r.Config.Retry.BaseDelay,
			Max:    r.Config.Retry.MaxDelay,
			Jitter: r.Config.Retry.Jitter,
		},
	}, r.log)
	notifier, err := events.NewNotifier(publisher, serializer, events.Config{
		Service:        r.Config.Service.Name,
		Topic:          cfg.Topic,
		IncludeSkipped: cfg.IncludeSkipped,
		Timeout:        cfg.OperationTimeout * time.Duration(r.Config.Retry.MaxRetries+1),
	}, r.log, events.WithRetrier(retrier))
	if err != nil {
		_ = publisher.Close()
		return nil, err
	}
	r.notifier = notifier
	return notifier, nil
}

// HealthRegistry checks the document store and reports every circuit built
// by NewImporter, and the event publisher, as degraded while they fail.
func (r *Runtime) HealthRegistry(timeout time.Duration) *health.Registry {
	registry := health.NewRegistry()
	registry.Register(lock.NewHealthChecker(r.Config.Store.Type, r.Coordinator, timeout))
	for _, breaker := range r.breakers {
		registry.Register(health.NewAdapterChecker("circuit:"+breaker.Name(), breaker, timeout, health.Degrades()))
	}
	if r.notifier != nil {
		registry.Register(health.NewAdapterChecker("events:"+r.Config.Events.Type, r.notifier, timeout, health.Degrades()))
	}
	return registry
}

func newBreaker(name string, cfg config.CircuitBreakerConfig, log logger.Logger) *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: cfg.FailureThreshold,
		ResetTimeout:     cfg.ResetTimeout,
		MonitoringWindow: cfg.MonitoringWindow,
	}, log)
}

// startTracing installs the OTLP tracer provider when tracing is enabled.
func startTracing(ctx context.Context, cfg *config.Config) (*tracing.TracerProvider, error) {
	return tracing.NewTracerProvider(ctx, tracing.TracerConfig{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: version.Current(cfg.Service.Name).Version,
		Environment:    cfg.Service.Environment,
		Endpoint:       cfg.Observability.TracingEndpoint,
		SampleRate:     cfg.Observability.TracingSampleRate,
		Enabled:        cfg.Observability.TracingEnabled,
	})
}
