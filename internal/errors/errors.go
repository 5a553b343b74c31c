// Package errors defines the error taxonomy shared by the ingestion,
// checkpoint, and verification paths.
//
// This file provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Error wrapping utilities
// - A ValidationErrors collector used by config validation
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Not found / lifecycle
	ErrNotFound       = errors.New("not found")
	ErrNoCheckpoint   = errors.New("no committed checkpoint")
	ErrSourceDrained  = errors.New("source drained")
	ErrClosed         = errors.New("closed")
	ErrAlreadyRunning = errors.New("already running")

	// Validation errors
	ErrValidation        = errors.New("validation failed")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrMissingField      = errors.New("missing required field")
	ErrNonMonotonicBatch = errors.New("batch id not monotonically increasing")
	ErrEmptyDimension    = errors.New("empty dimension name")

	// Persistence errors (the only automatically retried kind)
	ErrPersistence = errors.New("persistence failure")

	// Verification errors
	ErrToleranceExceeded = errors.New("tolerance exceeded")

	// State errors
	ErrStateCorruption = errors.New("checkpoint state corruption")
	ErrInvalidScope    = errors.New("unknown dimension scope")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrNoCheckpoint)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrNonMonotonicBatch) ||
		errors.Is(err, ErrEmptyDimension)
}

// IsRetriable returns true if the error may be retried from the last
// committed checkpoint. Per the recovery policy only persistence failures
// qualify; every other kind is surfaced to the caller.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrPersistence)
}

// IsFatal returns true if the error requires an explicit reset before
// ingestion can continue.
func IsFatal(err error) bool {
	return errors.Is(err, ErrStateCorruption)
}

// IsToleranceFailure returns true if err records a verification mismatch.
func IsToleranceFailure(err error) bool {
	return errors.Is(err, ErrToleranceExceeded)
}

// IsScopeError returns true if err references an unknown dimension.
func IsScopeError(err error) bool {
	return errors.Is(err, ErrInvalidScope)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
}

// NewInvalidScope creates an unknown-dimension error.
func NewInvalidScope(dimension string) error {
	return fmt.Errorf("dimension '%s': %w", dimension, ErrInvalidScope)
}

// NewPersistence creates a persistence error carrying the failed operation
// and its cause.
func NewPersistence(op string, cause error) error {
	return fmt.Errorf("%s: %v: %w", op, cause, ErrPersistence)
}

// NewCorruption creates a state corruption error with context.
func NewCorruption(reason string) error {
	return fmt.Errorf("%s: %w", reason, ErrStateCorruption)
}

// NewTolerance creates a tolerance violation error for one statistic.
func NewTolerance(dimension, statistic string, relDiff, tolerance float64) error {
	return fmt.Errorf("%s.%s: relative difference %.3e exceeds tolerance %.3e: %w",
		dimension, statistic, relDiff, tolerance, ErrToleranceExceeded)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the first error for errors.Is/As support.
func (v *ValidationErrors) Unwrap() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v.Errors[0]
}
