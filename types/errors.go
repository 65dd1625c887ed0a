package types

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for conditions that carry no extra context.
var (
	// ErrInstrumentationUnavailable indicates no coverage instrumentation
	// backend is present. This is fatal for the whole pipeline.
	ErrInstrumentationUnavailable = errors.New("instrumentation backend unavailable")

	// ErrCancelled indicates the pipeline-wide cancellation signal fired.
	// It propagates immediately, bypassing retries.
	ErrCancelled = errors.New("cancelled")
)

// ExecutionTimeoutError indicates a target exceeded its execution budget.
type ExecutionTimeoutError struct {
	TargetKey string
	Timeout   time.Duration
}

func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("target %s exceeded timeout of %s", e.TargetKey, e.Timeout)
}

// IsExecutionTimeout checks if the error is or wraps an ExecutionTimeoutError.
func IsExecutionTimeout(err error) bool {
	var timeoutErr *ExecutionTimeoutError
	return err != nil && errors.As(err, &timeoutErr)
}

// TargetCrashedError indicates a target exited abnormally. Recorded
// per-target and non-fatal unless the pipeline runs in fail-fast mode.
type TargetCrashedError struct {
	TargetKey string
	ExitCode  int
	Stderr    string
}

func (e *TargetCrashedError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("target %s crashed with exit code %d: %s", e.TargetKey, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("target %s crashed with exit code %d", e.TargetKey, e.ExitCode)
}

// IsTargetCrashed checks if the error is or wraps a TargetCrashedError.
func IsTargetCrashed(err error) bool {
	var crashErr *TargetCrashedError
	return err != nil && errors.As(err, &crashErr)
}

// SchemaMismatchError indicates two traces reported incompatible
// identifiers for the same source location. Always fatal: it means the
// source changed mid-run and the merged model would be inconsistent.
type SchemaMismatchError struct {
	File     string
	BranchID string
	Detail   string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("coverage schema mismatch in %s (branch %s): %s", e.File, e.BranchID, e.Detail)
}

// IsSchemaMismatch checks if the error is or wraps a SchemaMismatchError.
func IsSchemaMismatch(err error) bool {
	var mismatchErr *SchemaMismatchError
	return err != nil && errors.As(err, &mismatchErr)
}

// UnsupportedSchemaError indicates an unknown report schema identifier.
// This is a configuration error and always fatal.
type UnsupportedSchemaError struct {
	Schema string
}

func (e *UnsupportedSchemaError) Error() string {
	return fmt.Sprintf("unsupported report schema %q", e.Schema)
}

// IsUnsupportedSchema checks if the error is or wraps an UnsupportedSchemaError.
func IsUnsupportedSchema(err error) bool {
	var schemaErr *UnsupportedSchemaError
	return err != nil && errors.As(err, &schemaErr)
}

// UploadFailedError indicates the upload client exhausted its retries or
// hit a non-retryable rejection. Fatal only when the pipeline is
// configured to gate CI on upload failures.
type UploadFailedError struct {
	Attempts   int
	StatusCode int
	Err        error
}

func (e *UploadFailedError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upload failed after %d attempts (last status %d): %v", e.Attempts, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upload failed after %d attempts: %v", e.Attempts, e.Err)
}

// Unwrap implements the errors.Unwrap interface.
func (e *UploadFailedError) Unwrap() error {
	return e.Err
}

// IsUploadFailed checks if the error is or wraps an UploadFailedError.
func IsUploadFailed(err error) bool {
	var uploadErr *UploadFailedError
	return err != nil && errors.As(err, &uploadErr)
}
