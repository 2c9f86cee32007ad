// Package tracing provides OpenTelemetry spans for document store round trips
// and the optional OTLP tracer provider.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName    = "github.com/nimburion/racesync/docstore"
	jobInstrumentationName = "github.com/nimburion/racesync/job"
)

// StoreOperation names a document store round trip.
type StoreOperation string

const (
	StoreOperationCreate StoreOperation = "create"
	StoreOperationGet    StoreOperation = "get"
	StoreOperationUpdate StoreOperation = "update"
	StoreOperationDelete StoreOperation = "delete"
	StoreOperationPing   StoreOperation = "ping"
)

// StoreSpanOption configures a store span.
type StoreSpanOption func(*storeSpanOptions)

type storeSpanOptions struct {
	collection string
	attributes []attribute.KeyValue
}

// WithStoreSystem sets the backend name (mongodb, dynamodb, redis, postgres, mysql, memory).
func WithStoreSystem(system string) StoreSpanOption {
	return func(opts *storeSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("db.system", system))
	}
}

// WithStoreCollection sets the collection (table) targeted by the operation.
func WithStoreCollection(collection string) StoreSpanOption {
	return func(opts *storeSpanOptions) {
		opts.collection = collection
		opts.attributes = append(opts.attributes, attribute.String("db.collection", collection))
	}
}

// WithStoreKey sets the document key.
func WithStoreKey(key string) StoreSpanOption {
	return func(opts *storeSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("db.document_key", key))
	}
}

// StartStoreSpan starts a client span for a document store operation.
func StartStoreSpan(ctx context.Context, operation StoreOperation, opts ...StoreSpanOption) (context.Context, trace.Span) {
	spanOpts := &storeSpanOptions{
		attributes: []attribute.KeyValue{
			attribute.String("db.operation", string(operation)),
		},
	}
	for _, opt := range opts {
		opt(spanOpts)
	}

	name := fmt.Sprintf("DOC %s", operation)
	if spanOpts.collection != "" {
		name = fmt.Sprintf("DOC %s %s", operation, spanOpts.collection)
	}

	ctx, span := otel.Tracer(instrumentationName).Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(spanOpts.attributes...)
	return ctx, span
}

// RecordError records err on span and marks the span failed.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// RecordSuccess sets the span status to OK.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// RecordOutcome records a store outcome attribute (for example "already_exists")
// that is expected control flow rather than a failure.
func RecordOutcome(span trace.Span, outcome string) {
	span.SetAttributes(attribute.String("db.outcome", outcome))
}

// StartJobSpan starts the root span of one job execution.
func StartJobSpan(ctx context.Context, jobKey, executionID string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(jobInstrumentationName).Start(ctx, "JOB "+jobKey, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("job.key", jobKey),
		attribute.String("job.execution_id", executionID),
	)
	return ctx, span
}
