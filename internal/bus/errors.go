package bus

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the messaging layer.
var (
	// ErrTimeout is returned when a pseudo-synchronous call exceeds its
	// deadline. Callers must be able to distinguish it from generic
	// failure to decide between retry and user-facing partial failure.
	ErrTimeout = errors.New("call timed out")

	// ErrDuplicateCorrelation is returned when a second pending call is
	// registered under an active correlation id. That is a caller
	// programming error, not a runtime condition to tolerate.
	ErrDuplicateCorrelation = errors.New("correlation id already registered")

	// ErrLoopTruncated marks a tool loop that hit its iteration bound.
	// The loop still returns its best partial answer; this is carried
	// alongside, never instead of, that answer.
	ErrLoopTruncated = errors.New("iteration limit exceeded")
)

// ValidationError reports an envelope that fails its structural or
// payload contract. Rejected at the boundary, never coerced.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// UnroutableError reports an address that could be computed but not
// delivered to after bounded retries.
type UnroutableError struct {
	Address  string
	Attempts int
	Err      error
}

func (e *UnroutableError) Error() string {
	return fmt.Sprintf("unroutable: %s after %d attempts: %v", e.Address, e.Attempts, e.Err)
}

func (e *UnroutableError) Unwrap() error { return e.Err }

// ToolExecutionError reports a failed tool call inside the loop. It is
// fed back to the model as a tool-result message, never escalated to
// abort the whole loop.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }
