// Package logger defines the structured logging contract used by every racesync package.
package logger

import (
	"context"
)

// Logger defines the interface for structured logging.
// All log methods accept a message string followed by key-value pairs for structured fields.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With creates a child logger with additional key-value pairs that will be
	// included in all subsequent log entries
	With(args ...any) Logger

	// WithContext creates a child logger carrying the execution and request
	// identifiers found in ctx.
	WithContext(ctx context.Context) Logger
}

type contextKey string

const (
	executionIDKey contextKey = "execution_id"
	requestIDKey   contextKey = "request_id"
)

// ContextWithExecutionID returns a context that carries the lock execution id.
func ContextWithExecutionID(ctx context.Context, executionID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, executionIDKey, executionID)
}

// ExecutionIDFromContext returns the execution id stored by ContextWithExecutionID.
func ExecutionIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, executionIDKey)
}

// ContextWithRequestID returns a context that carries a request id.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func stringFromContext(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(key).(string); ok {
		return value
	}
	return ""
}

// contextFields collects the well-known identifiers present in ctx as key/value pairs.
func contextFields(ctx context.Context) []any {
	var fields []any
	if id := stringFromContext(ctx, executionIDKey); id != "" {
		fields = append(fields, "execution_id", id)
	}
	if id := stringFromContext(ctx, requestIDKey); id != "" {
		fields = append(fields, "request_id", id)
	}
	return fields
}
