// Package events publishes a notification for every finished import run so
// downstream consumers can react without polling the lock collection.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/nimburion/racesync/pkg/job"
	"github.com/nimburion/racesync/pkg/version"
)

// RunFinishedType is the event type carried in every run notification.
const RunFinishedType = "racesync.run.finished"

// ErrPublisherClosed is returned by publishers after Close.
var ErrPublisherClosed = errors.New("event publisher is closed")

// Publisher sends messages to a broker topic or queue.
type Publisher interface {
	Publish(ctx context.Context, topic string, message *Message) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// Message is a serialized event ready for a broker.
type Message struct {
	ID string
	// Key orders messages of the same job on partitioned brokers.
	Key         string
	Value       []byte
	Headers     map[string]string
	ContentType string
	Timestamp   time.Time
}

// RunEvent describes one finished run.
type RunEvent struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Service     string    `json:"service"`
	Build       string    `json:"build"`
	JobKey      string    `json:"jobKey"`
	ExecutionID string    `json:"executionId,omitempty"`
	Reason      string    `json:"reason"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
	DurationMS  int64     `json:"durationMs"`
	Fetched     int       `json:"fetched"`
	Written     int       `json:"written"`
	Failed      int       `json:"failed"`
	Error       string    `json:"error,omitempty"`
}

// NewRunEvent builds the event for a run record.
func NewRunEvent(service string, record job.RunRecord) RunEvent {
	event := RunEvent{
		ID:          uuid.NewString(),
		Type:        RunFinishedType,
		Service:     service,
		Build:       version.Current(service).Build(),
		JobKey:      record.JobKey,
		ExecutionID: record.ExecutionID,
		Reason:      string(record.Reason),
		StartedAt:   record.StartedAt.UTC(),
		FinishedAt:  record.FinishedAt.UTC(),
		DurationMS:  record.Duration().Milliseconds(),
		Fetched:     record.Stats.Fetched,
		Written:     record.Stats.Written,
		Failed:      record.Stats.Failed,
	}
	if record.Err != nil {
		event.Error = record.Err.Error()
	}
	return event
}
