package lock

import (
	"errors"
	"fmt"
)

var (
	// ErrNotProvisioned means the lock collection does not exist. Retrying is
	// pointless until an operator provisions it.
	ErrNotProvisioned = errors.New("lock collection not provisioned")
	// ErrStoreUnavailable classifies any other document store failure.
	ErrStoreUnavailable = errors.New("lock store unavailable")
	// ErrLockLost means the handle no longer owns the lock document.
	ErrLockLost = errors.New("lock lost")
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = errors.New("lock invalid argument")
	// ErrNotInitialized classifies calls on a nil coordinator or handle.
	ErrNotInitialized = errors.New("lock coordinator not initialized")
)

func lockError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

func storeError(kind error, op string, err error) error {
	return fmt.Errorf("%w: %s: %w", kind, op, err)
}

func isLost(err error) bool {
	return errors.Is(err, ErrLockLost)
}
