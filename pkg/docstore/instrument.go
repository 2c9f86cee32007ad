package docstore

import (
	"context"
	"errors"
	"time"

	"github.com/nimburion/racesync/pkg/observability/tracing"
	"github.com/nimburion/racesync/pkg/resilience"
	"go.opentelemetry.io/otel/trace"
)

// DefaultOperationTimeout bounds a single store round trip.
const DefaultOperationTimeout = 3 * time.Second

// InstrumentOptions configures Instrument.
type InstrumentOptions struct {
	// System names the backend on spans (mongodb, dynamodb, ...).
	System string
	// OperationTimeout is the deadline applied to every round trip.
	OperationTimeout time.Duration
}

// Instrument wraps next so that every round trip runs under a deadline and is
// traced. A timed-out round trip is reported as KindUnavailable. Results of a
// timed-out call are discarded.
func Instrument(next Store, opts InstrumentOptions) Store {
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = DefaultOperationTimeout
	}
	return &instrumentedStore{next: next, opts: opts}
}

type instrumentedStore struct {
	next Store
	opts InstrumentOptions
}

func (s *instrumentedStore) Create(ctx context.Context, collection, key string, body []byte) (*Document, error) {
	var doc *Document
	err := s.run(ctx, tracing.StoreOperationCreate, collection, key, func(opCtx context.Context) error {
		var err error
		doc, err = s.next.Create(opCtx, collection, key, body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *instrumentedStore) Get(ctx context.Context, collection, key string) (*Document, error) {
	var doc *Document
	err := s.run(ctx, tracing.StoreOperationGet, collection, key, func(opCtx context.Context) error {
		var err error
		doc, err = s.next.Get(opCtx, collection, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *instrumentedStore) Update(ctx context.Context, collection, key string, body []byte) (*Document, error) {
	var doc *Document
	err := s.run(ctx, tracing.StoreOperationUpdate, collection, key, func(opCtx context.Context) error {
		var err error
		doc, err = s.next.Update(opCtx, collection, key, body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *instrumentedStore) Delete(ctx context.Context, collection, key string) error {
	return s.run(ctx, tracing.StoreOperationDelete, collection, key, func(opCtx context.Context) error {
		return s.next.Delete(opCtx, collection, key)
	})
}

func (s *instrumentedStore) UpdateIf(ctx context.Context, collection, key string, body []byte, check Precondition) (*Document, error) {
	var doc *Document
	err := s.run(ctx, tracing.StoreOperationUpdate, collection, key, func(opCtx context.Context) error {
		var err error
		doc, err = UpdateIf(opCtx, s.next, collection, key, body, check)
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *instrumentedStore) DeleteIf(ctx context.Context, collection, key string, check Precondition) error {
	return s.run(ctx, tracing.StoreOperationDelete, collection, key, func(opCtx context.Context) error {
		return DeleteIf(opCtx, s.next, collection, key, check)
	})
}

func (s *instrumentedStore) HealthCheck(ctx context.Context) error {
	return s.run(ctx, tracing.StoreOperationPing, "", "", s.next.HealthCheck)
}

func (s *instrumentedStore) Close() error {
	return s.next.Close()
}

// Provision forwards to the wrapped backend when it supports provisioning.
func (s *instrumentedStore) Provision(ctx context.Context, collection string) error {
	provisioner, ok := s.next.(Provisioner)
	if !ok {
		return NewError("provision", collection, "", KindInvalid, errors.New("backend does not support provisioning"))
	}
	return provisioner.Provision(ctx, collection)
}

func (s *instrumentedStore) run(ctx context.Context, op tracing.StoreOperation, collection, key string, fn func(context.Context) error) error {
	spanOpts := []tracing.StoreSpanOption{tracing.WithStoreSystem(s.opts.System)}
	if collection != "" {
		spanOpts = append(spanOpts, tracing.WithStoreCollection(collection))
	}
	if key != "" {
		spanOpts = append(spanOpts, tracing.WithStoreKey(key))
	}
	spanCtx, span := tracing.StartStoreSpan(ctx, op, spanOpts...)
	defer span.End()

	err := resilience.WithTimeout(spanCtx, s.opts.OperationTimeout, fn)
	if errors.Is(err, resilience.ErrTimeout) {
		err = NewError(string(op), collection, key, KindUnavailable, err)
	}
	finishSpan(span, err)
	return err
}

func finishSpan(span trace.Span, err error) {
	switch KindOf(err) {
	case KindNotFound, KindAlreadyExists:
		tracing.RecordOutcome(span, KindOf(err).String())
		tracing.RecordSuccess(span)
	default:
		if err != nil {
			tracing.RecordError(span, err)
			return
		}
		tracing.RecordSuccess(span)
	}
}
