package docstore

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a store failure. Callers switch on KindOf(err) instead of
// inspecting driver-specific error codes.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindAlreadyExists
	KindCollectionMissing
	KindUnavailable
	KindInvalid
)

var (
	ErrNotFound          = errors.New("document not found")
	ErrAlreadyExists     = errors.New("document already exists")
	ErrCollectionMissing = errors.New("collection not provisioned")
	ErrUnavailable       = errors.New("document store unavailable")
	ErrInvalid           = errors.New("invalid document")
)

// String returns a stable label for logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindCollectionMissing:
		return "collection_missing"
	case KindUnavailable:
		return "unavailable"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindAlreadyExists:
		return ErrAlreadyExists
	case KindCollectionMissing:
		return ErrCollectionMissing
	case KindUnavailable:
		return ErrUnavailable
	case KindInvalid:
		return ErrInvalid
	default:
		return nil
	}
}

// Error is the error type returned by every backend.
type Error struct {
	Op         string
	Collection string
	Key        string
	Kind       Kind
	Err        error
}

// NewError builds a classified store error.
func NewError(op, collection, key string, kind Kind, err error) error {
	return &Error{Op: op, Collection: collection, Key: key, Kind: kind, Err: err}
}

func (e *Error) Error() string {
	target := e.Collection
	if e.Key != "" {
		target = fmt.Sprintf("%s/%s", e.Collection, e.Key)
	}
	msg := fmt.Sprintf("docstore %s %s: %s", e.Op, target, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error kind, so errors.Is(err, ErrNotFound) works.
func (e *Error) Is(target error) bool {
	sentinel := e.Kind.sentinel()
	return sentinel != nil && target == sentinel
}

// KindOf extracts the failure kind from err. Deadline and cancellation errors
// from the caller's context are reported as KindUnavailable.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var storeErr *Error
	if errors.As(err, &storeErr) {
		return storeErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindUnavailable
	}
	return KindUnknown
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the failure is transient. Only unavailable stores
// are worth another attempt; every other kind is a definitive answer.
func (e *Error) Retryable() bool { return e.Kind == KindUnavailable }
