// Package apperr defines the error taxonomy shared across the application.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnauthorized means there is no valid session; callers send the user to sign in.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRemoteUnavailable wraps any failure of the backend on read, write or subscribe.
	ErrRemoteUnavailable = errors.New("remote unavailable")
	// ErrStorageMisconfigured means the blob bucket is missing: a setup defect, not a transient fault.
	ErrStorageMisconfigured = errors.New("storage misconfigured")
	// ErrFeedDisconnected is reported when a live change subscription ends unexpectedly.
	ErrFeedDisconnected = errors.New("change feed disconnected")
)

// ValidationError is returned for input rejected before any remote call.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "validation: " + e.Err.Error() }

func (e *ValidationError) Unwrap() error { return e.Err }

// Validation wraps err as a ValidationError. A nil err stays nil.
func Validation(err error) error {
	if err == nil {
		return nil
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return err
	}
	return &ValidationError{Err: err}
}

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) error {
	return &ValidationError{Err: fmt.Errorf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Remote marks err as a backend failure of op. Domain sentinels that the
// backend already returned (not found, already exists, unauthorized,
// storage misconfigured) pass through unchanged.
func Remote(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, passthrough := range []error{ErrNotFound, ErrAlreadyExists, ErrUnauthorized, ErrStorageMisconfigured, ErrRemoteUnavailable} {
		if errors.Is(err, passthrough) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, ErrRemoteUnavailable, err)
}

// Notice converts err into the message shown to the user.
func Notice(err error) string {
	var ve *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return ve.Err.Error()
	case errors.Is(err, ErrUnauthorized):
		return "Please sign in to continue."
	case errors.Is(err, ErrStorageMisconfigured):
		return "Image storage is not set up: create the storage bucket and try again."
	case errors.Is(err, ErrNotFound):
		return "That item no longer exists."
	case errors.Is(err, ErrAlreadyExists):
		return "An account with that email already exists."
	case errors.Is(err, ErrFeedDisconnected):
		return "Live updates were interrupted; reconnecting."
	case errors.Is(err, ErrRemoteUnavailable):
		return "Could not reach the server. Please try again."
	default:
		return "Something went wrong. Please try again."
	}
}
