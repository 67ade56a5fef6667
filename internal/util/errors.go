package util

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes
var (
	// ErrNotFound indicates a bundle, worksheet, group or permission row does not exist
	ErrNotFound = errors.New("not found")

	// ErrDuplicate indicates an object with the same uuid already exists
	ErrDuplicate = errors.New("duplicate uuid")

	// ErrConflict indicates another writer modified the object concurrently
	ErrConflict = errors.New("concurrent modification")

	// ErrRunning indicates an operation was attempted on a running bundle
	ErrRunning = errors.New("bundle is running")

	// ErrIllegalUpdate indicates an update touched a column that may not change
	ErrIllegalUpdate = errors.New("illegal update")

	// ErrInvalid indicates a domain object failed validation
	ErrInvalid = errors.New("validation failed")

	// ErrMalformedQuery indicates a search keyword could not be parsed
	ErrMalformedQuery = errors.New("malformed query")

	// ErrNonNumeric indicates a sort or sum field holds non-numeric values
	ErrNonNumeric = errors.New("non-numeric field")

	// ErrPermission indicates the principal lacks the required permission
	ErrPermission = errors.New("permission denied")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")
)

// UsageError reports invalid caller input or a legitimate conflict.
// It is surfaced to the caller and never retried automatically.
type UsageError struct {
	Msg string
	Err error
}

func (e *UsageError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

func (e *UsageError) Unwrap() error { return e.Err }

// IntegrityError reports stored state that violates an invariant this layer
// maintains itself. The operation is aborted and the fault escalated.
type IntegrityError struct {
	Msg string
	Err error
}

func (e *IntegrityError) Error() string {
	if e.Err == nil {
		return "integrity error: " + e.Msg
	}
	return fmt.Sprintf("integrity error: %s: %v", e.Msg, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// Usagef builds a UsageError around a sentinel.
func Usagef(err error, format string, args ...any) error {
	return &UsageError{Msg: fmt.Sprintf(format, args...), Err: err}
}

// Integrityf builds an IntegrityError and logs it at error level.
func Integrityf(format string, args ...any) error {
	e := &IntegrityError{Msg: fmt.Sprintf(format, args...)}
	ErrorLog("%v", e)
	return e
}

// IsUsageError reports whether err carries a UsageError
func IsUsageError(err error) bool {
	var ue *UsageError
	return errors.As(err, &ue)
}

// IsIntegrityError reports whether err carries an IntegrityError
func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}
