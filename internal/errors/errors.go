// Package errors defines the stable error taxonomy shared by every
// component. Callers branch on Code rather than on message text.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents stable error codes for all failure modes
type ErrorCode string

const (
	// Validation indicates malformed input: a non-finite value, an
	// unparseable timestamp, a field-limit violation, or an invalid
	// snapshot structure
	Validation ErrorCode = "VALIDATION_ERROR"
	// Conflict indicates a duplicate biomarker name or a delete blocked
	// by dependent readings
	Conflict ErrorCode = "CONFLICT"
	// NotFound indicates an unknown biomarker or reading id, or an
	// import row naming a biomarker that does not exist
	NotFound ErrorCode = "NOT_FOUND"
	// StorageUnavailable indicates the store could not be opened or
	// initialized; fatal at startup
	StorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"
	// IO indicates a backup or restore file-system failure
	IO ErrorCode = "IO_ERROR"
	// Busy indicates lock contention with an in-flight restore
	Busy ErrorCode = "BUSY"
	// Internal indicates an unexpected error
	Internal ErrorCode = "INTERNAL_ERROR"
)

// MediError represents a failure with a stable code, a human-readable
// message, and an optional underlying cause.
type MediError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	cause   error
}

// New creates a MediError with the given code, message, and cause.
func New(code ErrorCode, message string, cause error) *MediError {
	return &MediError{Code: code, Message: message, cause: cause}
}

// Error implements the error interface
func (e *MediError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *MediError) Unwrap() error {
	return e.cause
}

// WithDetails adds structured details to the error
func (e *MediError) WithDetails(details interface{}) *MediError {
	e.Details = details
	return e
}

// Validationf builds a Validation error from a format string.
func Validationf(format string, args ...interface{}) *MediError {
	return New(Validation, fmt.Sprintf(format, args...), nil)
}

// Conflictf builds a Conflict error from a format string.
func Conflictf(format string, args ...interface{}) *MediError {
	return New(Conflict, fmt.Sprintf(format, args...), nil)
}

// NotFoundf builds a NotFound error from a format string.
func NotFoundf(format string, args ...interface{}) *MediError {
	return New(NotFound, fmt.Sprintf(format, args...), nil)
}

// Storagef builds a StorageUnavailable error wrapping cause.
func Storagef(cause error, format string, args ...interface{}) *MediError {
	return New(StorageUnavailable, fmt.Sprintf(format, args...), cause)
}

// IOf builds an IO error wrapping cause.
func IOf(cause error, format string, args ...interface{}) *MediError {
	return New(IO, fmt.Sprintf(format, args...), cause)
}

// Busyf builds a Busy error from a format string.
func Busyf(format string, args ...interface{}) *MediError {
	return New(Busy, fmt.Sprintf(format, args...), nil)
}

// Internalf builds an Internal error wrapping cause.
func Internalf(cause error, format string, args ...interface{}) *MediError {
	return New(Internal, fmt.Sprintf(format, args...), cause)
}

// CodeOf extracts the ErrorCode from err, walking the wrap chain.
// Errors outside the taxonomy report Internal.
func CodeOf(err error) ErrorCode {
	var me *MediError
	if errors.As(err, &me) {
		return me.Code
	}
	return Internal
}

// IsCode reports whether err carries the given code anywhere in its
// wrap chain.
func IsCode(err error, code ErrorCode) bool {
	var me *MediError
	if errors.As(err, &me) {
		return me.Code == code
	}
	return false
}
