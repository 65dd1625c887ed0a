package coverage

import (
	"errors"
	"fmt"
)

// RuntimeError represents an infrastructure or execution failure that is
// unrelated to the coverage outcome itself (instrumentation unavailable,
// serialization failure, artifact IO, ...).
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error: %v", e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// NewRuntimeError wraps an error as a runtime error. A nil error returns nil.
func NewRuntimeError(err error) error {
	if err == nil {
		return nil
	}
	return &RuntimeError{Err: err}
}

// CoverageFailureError represents a run that completed but did not meet its
// acceptance bar: failed targets, an unmet coverage threshold, or a gated
// upload failure.
type CoverageFailureError struct {
	Reason string
}

func (e *CoverageFailureError) Error() string {
	return fmt.Sprintf("coverage failure: %s", e.Reason)
}

// IsRuntimeError checks if the given error is a runtime error
func IsRuntimeError(err error) bool {
	var runtimeErr *RuntimeError
	return errors.As(err, &runtimeErr)
}

// IsCoverageFailure checks if the given error is a coverage failure
func IsCoverageFailure(err error) bool {
	var covErr *CoverageFailureError
	return errors.As(err, &covErr)
}
