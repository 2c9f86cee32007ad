package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Classifier decides whether a failed attempt may be retried.
type Classifier func(error) bool

// StatusError carries the HTTP status of a failed upstream call.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream status %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("upstream status %d (%s)", e.Code, http.StatusText(e.Code))
}

func (e *StatusError) Unwrap() error { return e.Err }

// HTTPStatusCode matches the accessor exposed by AWS SDK response errors.
func (e *StatusError) HTTPStatusCode() int { return e.Code }

var retryableStatusCodes = map[int]struct{}{
	http.StatusRequestTimeout:      {},
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// Transport failures that only surface as text, e.g. from drivers that
// flatten errno values into their own error strings.
var retryableMessages = []string{
	"econnreset",
	"econnrefused",
	"etimedout",
	"enotfound",
	"eai_again",
	"connection reset",
	"connection refused",
	"socket hang up",
	"broken pipe",
	"no such host",
	"i/o timeout",
	"timeout exceeded",
	"deadline exceeded",
	"connection timed out",
	"operation timed out",
}

type retryable interface {
	Retryable() bool
}

type httpStatus interface {
	HTTPStatusCode() int
}

// IsRetryable is the default classifier. Transient transport failures,
// timeouts and HTTP 408/429/500/502/503/504 are retryable. Caller
// cancellation and open circuits are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCircuitOpen) {
		return false
	}

	var explicit retryable
	if errors.As(err, &explicit) {
		return explicit.Retryable()
	}

	var status httpStatus
	if errors.As(err, &status) {
		_, ok := retryableStatusCodes[status.HTTPStatusCode()]
		return ok
	}

	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range retryableMessages {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
