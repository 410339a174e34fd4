package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents internal error codes for registry operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeNotFound        ErrorCode = 1001
	ErrCodeBusy            ErrorCode = 1002

	// Internal coordination errors, absorbed before reaching clients
	ErrCodeVersionConflict ErrorCode = 1100

	// Server errors (5xx equivalent)
	ErrCodeInternal           ErrorCode = 2000
	ErrCodeStorageUnavailable ErrorCode = 2001
	ErrCodeTimeout            ErrorCode = 2002
)

// String returns the wire name of the code, used in HTTP error bodies.
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "OK"
	case ErrCodeInvalidArgument:
		return "INVALID_ARGUMENT"
	case ErrCodeNotFound:
		return "NOT_FOUND"
	case ErrCodeBusy:
		return "BUSY"
	case ErrCodeVersionConflict:
		return "VERSION_CONFLICT"
	case ErrCodeStorageUnavailable:
		return "STORAGE_UNAVAILABLE"
	case ErrCodeTimeout:
		return "TIMEOUT"
	default:
		return "INTERNAL"
	}
}

// RegistryError represents a structured error with code and context
type RegistryError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *RegistryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *RegistryError) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps internal error codes to HTTP status codes
func (e *RegistryError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeOK:
		return http.StatusOK
	case ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeBusy:
		return http.StatusConflict
	case ErrCodeStorageUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// NewRegistryError creates a new RegistryError
func NewRegistryError(code ErrorCode, message string, cause error) *RegistryError {
	return &RegistryError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *RegistryError) WithDetail(key string, value interface{}) *RegistryError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *RegistryError {
	return NewRegistryError(ErrCodeInvalidArgument, message, cause)
}

func NotFound(key string) *RegistryError {
	return NewRegistryError(ErrCodeNotFound, fmt.Sprintf("key not found: %s", key), nil).
		WithDetail("key", key)
}

func Busy(key string) *RegistryError {
	return NewRegistryError(ErrCodeBusy, fmt.Sprintf("key is locked by another writer: %s", key), nil).
		WithDetail("key", key)
}

func VersionConflict(key string, expected, actual int64) *RegistryError {
	return NewRegistryError(ErrCodeVersionConflict, fmt.Sprintf("version conflict on %s: expected %d, found %d", key, expected, actual), nil).
		WithDetail("key", key).
		WithDetail("expected_version", expected).
		WithDetail("actual_version", actual)
}

func Timeout(operation string, cause error) *RegistryError {
	return NewRegistryError(ErrCodeTimeout, fmt.Sprintf("deadline exceeded during %s", operation), cause).
		WithDetail("operation", operation)
}

func StorageUnavailable(operation string, cause error) *RegistryError {
	return NewRegistryError(ErrCodeStorageUnavailable, fmt.Sprintf("durable store unavailable during %s", operation), cause).
		WithDetail("operation", operation)
}

func Internal(message string, cause error) *RegistryError {
	return NewRegistryError(ErrCodeInternal, message, cause)
}

// IsRegistryError checks if an error is a RegistryError anywhere in its chain
func IsRegistryError(err error) bool {
	var re *RegistryError
	return stderrors.As(err, &re)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var re *RegistryError
	if stderrors.As(err, &re) {
		return re.Code
	}
	return ErrCodeInternal
}

// IsNotFound reports whether err carries ErrCodeNotFound
func IsNotFound(err error) bool {
	return GetCode(err) == ErrCodeNotFound
}

// IsBusy reports whether err carries ErrCodeBusy
func IsBusy(err error) bool {
	return GetCode(err) == ErrCodeBusy
}

// IsVersionConflict reports whether err carries ErrCodeVersionConflict
func IsVersionConflict(err error) bool {
	return GetCode(err) == ErrCodeVersionConflict
}

// Is reports whether any error in err's chain matches target. Re-exported so
// callers of this package do not need a second errors import.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain matching target. Re-exported for
// the same reason as Is.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}
