package datastore

import (
	"errors"
	"fmt"
)

var (
	ErrValidation         = errors.New("validation error")
	ErrUnsupportedFilter  = errors.New("unsupported filter")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrUnknownBackend     = errors.New("unknown backend")
	ErrInvalidConfig      = errors.New("invalid config")
	ErrStoreClosed        = errors.New("store closed")
)

// ValidationError reports malformed input: a missing or mis-sized
// embedding, a non-scalar metadata value or a malformed filter.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// UnsupportedFilterError names a filter field the backend cannot express.
type UnsupportedFilterError struct {
	Backend string
	Field   string
	Reason  string
}

func (e *UnsupportedFilterError) Error() string {
	return fmt.Sprintf("%s: %s: field %q: %s", ErrUnsupportedFilter, e.Backend, e.Field, e.Reason)
}

func (e *UnsupportedFilterError) Unwrap() error {
	return ErrUnsupportedFilter
}

// BackendUnavailableError wraps a failure to reach or write the underlying
// storage. It matches both ErrBackendUnavailable and the cause.
type BackendUnavailableError struct {
	Backend string
	Op      string
	Err     error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", ErrBackendUnavailable, e.Backend, e.Op, e.Err)
}

func (e *BackendUnavailableError) Unwrap() []error {
	return []error{ErrBackendUnavailable, e.Err}
}

// Unavailable wraps err as a BackendUnavailableError unless it already
// carries one of the store's error kinds.
func Unavailable(backend, op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrBackendUnavailable) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrUnsupportedFilter) {
		return err
	}

	return &BackendUnavailableError{
		Backend: backend,
		Op:      op,
		Err:     err,
	}
}

type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidRequest, e.Reason)
}

func (e *InvalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

// IsClientError reports whether err is caused by the caller's input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrUnsupportedFilter) ||
		errors.Is(err, ErrInvalidRequest)
}
