// Package errors holds the error taxonomy shared by every storage package.
//
// This file provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Store I/O error type carrying tier and operation
// - Error wrapping utilities

package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Compact store errors
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrDuplicateKey     = errors.New("duplicate key in write-once store")
	ErrValueTooLarge    = errors.New("value larger than fixed slot")

	// Codec errors. A malformed payload means store integrity is gone.
	ErrEncoding = errors.New("encoding error")

	// Flush errors raised by a bound message cache.
	ErrFlush = errors.New("flush failed")

	// Local or remote engine failure. Never retried by the router.
	ErrStoreIO = errors.New("store I/O error")

	// ErrRoutingAmbiguity classifies the case where a pair's finished state
	// flipped between the routing decision and the I/O call. It is never
	// returned; routing is best-effort across that boundary.
	ErrRoutingAmbiguity = errors.New("routing ambiguity")

	// Key errors
	ErrMalformedKey = errors.New("malformed composite key")

	// Not found errors
	ErrNotFound = errors.New("not found")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")

	// Lifecycle errors
	ErrClosed      = errors.New("closed")
	ErrPoolClosed  = errors.New("worker pool closed")
	ErrBufferFull  = errors.New("buffer full")
	ErrNotRunning  = errors.New("not running")
	ErrRunning     = errors.New("already running")
	ErrUnsupported = errors.New("unsupported operation")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// IsStoreIO returns true if err came from a local or remote engine.
func IsStoreIO(err error) bool {
	return errors.Is(err, ErrStoreIO)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrMalformedKey)
}

// IsFatal returns true for errors that signal a broken store rather than a
// failed operation.
func IsFatal(err error) bool {
	return errors.Is(err, ErrEncoding) ||
		errors.Is(err, ErrCapacityExceeded)
}

// IsRetriable returns true if the error is potentially retriable by the
// caller. The router itself never retries.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrStoreIO) ||
		errors.Is(err, ErrFlush) ||
		errors.Is(err, ErrBufferFull)
}

// ============================================================================
// Store I/O errors
// ============================================================================

// StoreError records which tier and operation failed.
type StoreError struct {
	Tier string
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Tier, e.Op, e.Err)
}

// Unwrap exposes both the cause and ErrStoreIO to errors.Is.
func (e *StoreError) Unwrap() []error {
	return []error{ErrStoreIO, e.Err}
}

// NewStoreIO wraps an engine failure. A nil err yields nil.
func NewStoreIO(tier, op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Tier: tier, Op: op, Err: err}
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

// NewNotFound creates a not-found error with context.
func NewNotFound(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrNotFound)
}

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

// NewEncoding creates an encoding error for the given codec.
func NewEncoding(codec string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%s codec: %w", codec, ErrEncoding)
	}
	return fmt.Errorf("%s codec: %w: %v", codec, ErrEncoding, cause)
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

// Unwrap returns all collected errors for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
