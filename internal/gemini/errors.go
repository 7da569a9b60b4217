package gemini

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen is returned when the upstream circuit breaker is open.
var ErrCircuitOpen = errors.New("gemini: upstream circuit open")

// StatusError is an upstream HTTP error response. The status code drives
// the caller's key-state transition (429 suspend, 400/403 invalidate, 5xx
// suspend).
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gemini: upstream returned HTTP %d", e.Code)
}

// ProtocolError covers everything that is not a clean HTTP status: wrong
// content type, malformed top-level JSON, connection reset mid-stream, or
// an exceeded request deadline.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gemini: protocol error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("gemini: protocol error: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
