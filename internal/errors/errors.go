package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the cache layer. Match them with errors.Is.
var (
	ErrStreamClosed         = New(ErrClosed, "stream closed")
	ErrReleaseNotAcquired   = New(ErrNotAcquired, "release without matching acquire")
	ErrRetriesExhausted     = New(ErrConflictExhausted, "compare-and-swap retries exhausted")
	ErrTransactionAborted   = New(ErrAborted, "transaction aborted by delta")
	ErrStorePermission      = New(ErrPermissionDenied, "permission denied")
	ErrStoreNetwork         = New(ErrNetwork, "network unavailable")
	ErrRegistryWithoutStore = New(ErrInternal, "registry has no store")
)

// Error is a coded error value
type Error struct {
	Code    ErrorCode
	Message string
}

// New creates a coded error
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// StoreError is a permission, network or internal failure reported by the live
// store for a path. It is terminal for the stream that observed it.
type StoreError struct {
	Code ErrorCode
	Op   string
	Path string
	Err  error
}

// Error implements the error interface
func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s %q: %v", ErrStore, e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %s %q: %s", ErrStore, e.Op, e.Path, e.Code)
}

// Unwrap exposes the underlying store error
func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError wraps err as a StoreError. A StoreError passed in is returned as is.
func NewStoreError(op, path string, err error) *StoreError {
	var se *StoreError
	if stderrors.As(err, &se) {
		return se
	}
	code := ErrInternal
	var coded *Error
	if stderrors.As(err, &coded) {
		switch coded.Code {
		case ErrPermissionDenied, ErrNetwork:
			code = coded.Code
		}
	}
	return &StoreError{Code: code, Op: op, Path: path, Err: err}
}

// IsStoreError reports whether err carries a StoreError
func IsStoreError(err error) bool {
	var se *StoreError
	return stderrors.As(err, &se)
}

// CodeOf extracts the most specific ErrorCode carried by err
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var api *APIError
	if stderrors.As(err, &api) {
		return api.Code
	}
	var se *StoreError
	if stderrors.As(err, &se) {
		return se.Code
	}
	var coded *Error
	if stderrors.As(err, &coded) {
		return coded.Code
	}
	return ErrInternal
}

// APIError represents a standardized API error response
type APIError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Field   string    `json:"field,omitempty"`
	Details string    `json:"details,omitempty"`
	Status  int       `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// MarshalJSON customizes JSON encoding
func (e *APIError) MarshalJSON() ([]byte, error) {
	type Alias APIError
	return json.Marshal(&struct {
		*Alias
	}{
		Alias: (*Alias)(e),
	})
}

// FromError converts any error into an APIError using its code
func FromError(err error) *APIError {
	var api *APIError
	if stderrors.As(err, &api) {
		return api
	}
	code := CodeOf(err)
	var se *StoreError
	if stderrors.As(err, &se) && se.Code != ErrPermissionDenied {
		code = ErrStore
	}
	return &APIError{
		Code:    code,
		Message: err.Error(),
		Status:  code.StatusCode(),
	}
}

// ValidationError creates a VALIDATION_ERROR
func ValidationError(field, message string) *APIError {
	return &APIError{
		Code:    ErrValidation,
		Message: message,
		Field:   field,
		Status:  http.StatusUnprocessableEntity,
	}
}

// Unauthorized creates an UNAUTHORIZED error
func Unauthorized(message string) *APIError {
	return &APIError{
		Code:    ErrUnauthorized,
		Message: message,
		Status:  http.StatusUnauthorized,
	}
}

// NotFound creates a NOT_FOUND error
func NotFound(resource string) *APIError {
	return &APIError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Status:  http.StatusNotFound,
	}
}

// WithDetails adds additional details to an error
func (e *APIError) WithDetails(details string) *APIError {
	e.Details = details
	return e
}

// RateLimited creates a RATE_LIMITED error
func RateLimited(message string) *APIError {
	return &APIError{
		Code:    ErrRateLimited,
		Message: message,
		Status:  http.StatusTooManyRequests,
	}
}
