package schedule

import (
	"errors"
	"fmt"
)

// ErrValidation classifies malformed schedules and windows.
var ErrValidation = errors.New("schedule validation failed")

func scheduleError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
