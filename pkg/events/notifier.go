package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nimburion/racesync/pkg/job"
	"github.com/nimburion/racesync/pkg/observability/logger"
	"github.com/nimburion/racesync/pkg/resilience"
)

const defaultPublishTimeout = 10 * time.Second

// Config configures a Notifier.
type Config struct {
	Service string
	Topic   string
	// IncludeSkipped also publishes runs that never acquired the lock.
	IncludeSkipped bool
	Timeout        time.Duration
}

func (c Config) normalize() Config {
	c.Service = strings.TrimSpace(c.Service)
	if c.Service == "" {
		c.Service = "racesync"
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultPublishTimeout
	}
	return c
}

// Notifier turns run records into broker messages.
type Notifier struct {
	publisher  Publisher
	serializer Serializer
	retrier    *resilience.Retrier
	cfg        Config
	log        logger.Logger
}

// Option customizes a Notifier.
type Option func(*Notifier)

// WithRetrier retries transient publish failures.
func WithRetrier(r *resilience.Retrier) Option {
	return func(n *Notifier) { n.retrier = r }
}

// NewNotifier creates a notifier. A nil serializer encodes JSON.
func NewNotifier(publisher Publisher, serializer Serializer, cfg Config, log logger.Logger, opts ...Option) (*Notifier, error) {
	if publisher == nil {
		return nil, errors.New("event publisher is required")
	}
	if serializer == nil {
		serializer = JSONSerializer{}
	}
	if log == nil {
		log = logger.Nop()
	}
	n := &Notifier{
		publisher:  publisher,
		serializer: serializer,
		cfg:        cfg.normalize(),
		log:        log.With("component", "events"),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Notify publishes the run record. Skipped runs are dropped unless
// IncludeSkipped is set. Publishing survives cancellation of ctx so the
// outcome of an interrupted run still goes out.
func (n *Notifier) Notify(ctx context.Context, record job.RunRecord) error {
	if record.Reason == job.ReasonSkippedContended && !n.cfg.IncludeSkipped {
		return nil
	}

	event := NewRunEvent(n.cfg.Service, record)
	payload, err := n.serializer.Serialize(event)
	if err != nil {
		recordPublish("encode_error")
		return err
	}
	msg := &Message{
		ID:          event.ID,
		Key:         event.JobKey,
		Value:       payload,
		ContentType: n.serializer.ContentType(),
		Timestamp:   event.FinishedAt,
		Headers: map[string]string{
			"event-type":   event.Type,
			"job-key":      event.JobKey,
			"reason":       event.Reason,
			"content-type": n.serializer.ContentType(),
		},
	}
	if event.ExecutionID != "" {
		msg.Headers["execution-id"] = event.ExecutionID
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.cfg.Timeout)
	defer cancel()

	publish := func(ctx context.Context) error { return n.publisher.Publish(ctx, n.cfg.Topic, msg) }
	if n.retrier != nil {
		err = n.retrier.Do(pubCtx, publish)
	} else {
		err = publish(pubCtx)
	}
	if err != nil {
		recordPublish("error")
		n.log.Warn("run event not published", "job_key", event.JobKey, "reason", event.Reason, "error", err)
		return fmt.Errorf("publish run event: %w", err)
	}
	recordPublish("published")
	n.log.Debug("run event published", "job_key", event.JobKey, "event_id", event.ID, "topic", n.cfg.Topic)
	return nil
}

// HealthCheck checks the underlying publisher.
func (n *Notifier) HealthCheck(ctx context.Context) error { return n.publisher.HealthCheck(ctx) }

// Close closes the underlying publisher.
func (n *Notifier) Close() error { return n.publisher.Close() }
