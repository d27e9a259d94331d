package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

var (
	// ErrNotFound matches a 404 response: the agent or rule id is unknown
	// to the server.
	ErrNotFound = errors.New("transport: not found")

	// ErrUnauthorized matches a 401 or 403 response.
	ErrUnauthorized = errors.New("transport: unauthorized")
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	// Message is the server's "error" field, or the raw body prefix when
	// the body is not a JSON error.
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transport: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// Is lets callers match status classes with errors.Is.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == 404
	case ErrUnauthorized:
		return e.StatusCode == 401 || e.StatusCode == 403
	}
	return false
}

// Retryable reports whether err is worth another attempt: a 5xx response,
// a timeout, or a refused or reset connection. 4xx responses and
// cancellation are terminal.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED)
}
