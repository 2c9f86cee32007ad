package lock

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// SchemaVersion is written into every lock document.
	SchemaVersion = 1
	// StatusRunning is the only status a stored lock ever has.
	StatusRunning = "running"
)

// ExecutionLock is the document that represents ownership of a job's
// execution slot. It exists only while a holder is running.
type ExecutionLock struct {
	SchemaVersion    int             `json:"schemaVersion" yaml:"schemaVersion"`
	JobKey           string          `json:"jobKey" yaml:"jobKey"`
	ExecutionID      string          `json:"executionId" yaml:"executionId"`
	Host             string          `json:"host,omitempty" yaml:"host,omitempty"`
	Build            string          `json:"build,omitempty" yaml:"build,omitempty"`
	AcquiredAt       time.Time       `json:"acquiredAt" yaml:"acquiredAt"`
	LastHeartbeat    time.Time       `json:"lastHeartbeat" yaml:"lastHeartbeat"`
	Status           string          `json:"status" yaml:"status"`
	ProgressSnapshot json.RawMessage `json:"progressSnapshot,omitempty" yaml:"-"`
}

// Age is the time elapsed since the last heartbeat.
func (l ExecutionLock) Age(now time.Time) time.Duration {
	return now.Sub(l.LastHeartbeat)
}

// IsStale reports whether the holder missed heartbeats for longer than threshold.
func (l ExecutionLock) IsStale(now time.Time, threshold time.Duration) bool {
	return l.Age(now) > threshold
}

type truncatedProgress struct {
	Truncated bool `json:"truncated"`
	Bytes     int  `json:"bytes"`
}

// encodeProgress serializes progress for the lock document. Snapshots larger
// than limit are replaced by a marker carrying the original size. A limit of
// zero disables snapshots.
func encodeProgress(progress any, limit int) (json.RawMessage, error) {
	if progress == nil || limit <= 0 {
		return nil, nil
	}
	raw, err := json.Marshal(progress)
	if err != nil {
		return nil, fmt.Errorf("encode progress snapshot: %w", err)
	}
	if len(raw) <= limit {
		return raw, nil
	}
	return json.Marshal(truncatedProgress{Truncated: true, Bytes: len(raw)})
}
