// Package errors provides error wrapping utilities and the error taxonomy shared
// by the orchestration engine and its collaborators.
package errors

import (
	stderrors "errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned when a disruptive operation is requested
	// while another one is running.
	ErrAlreadyRunning = stderrors.New("another operation is already running")

	// ErrHandoffPending is returned when an install or backup is requested while a
	// previous request is still waiting to be handed to the recovery environment.
	ErrHandoffPending = stderrors.New("a recovery environment hand-off is pending")

	// ErrNotSupported is returned by platform stubs.
	ErrNotSupported = stderrors.New("not supported on this platform")

	// ErrCancelled marks an operation the user abandoned.
	ErrCancelled = stderrors.New("cancelled")
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// ValidationError reports a request rejected before any worker was spawned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err (or anything it wraps) is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return stderrors.As(err, &v)
}

// Is and As re-export the standard helpers so callers only import one errors package.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

// New re-exports errors.New.
func New(text string) error { return stderrors.New(text) }
