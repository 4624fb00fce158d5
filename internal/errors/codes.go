package errors

import "net/http"

// ErrorCode represents the type of error
type ErrorCode string

const (
	// ErrStore is a failure reported by the underlying live store.
	ErrStore            ErrorCode = "STORE_ERROR"
	ErrPermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrNetwork          ErrorCode = "NETWORK"
	ErrInternal         ErrorCode = "INTERNAL"

	ErrConflictExhausted ErrorCode = "CONFLICT_EXHAUSTED"
	ErrNotAcquired       ErrorCode = "NOT_ACQUIRED"
	ErrClosed            ErrorCode = "CLOSED"
	ErrInvalidPath       ErrorCode = "INVALID_PATH"
	ErrAborted           ErrorCode = "ABORTED"
	ErrValidation        ErrorCode = "VALIDATION_ERROR"
	ErrUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrNotFound          ErrorCode = "NOT_FOUND"
	ErrRateLimited       ErrorCode = "RATE_LIMITED"
)

// StatusCodeMap maps ErrorCode to HTTP status code
var StatusCodeMap = map[ErrorCode]int{
	ErrStore:             http.StatusBadGateway,
	ErrPermissionDenied:  http.StatusForbidden,
	ErrNetwork:           http.StatusServiceUnavailable,
	ErrInternal:          http.StatusInternalServerError,
	ErrConflictExhausted: http.StatusConflict,
	ErrNotAcquired:       http.StatusBadRequest,
	ErrClosed:            http.StatusGone,
	ErrInvalidPath:       http.StatusBadRequest,
	ErrAborted:           http.StatusConflict,
	ErrValidation:        http.StatusUnprocessableEntity,
	ErrUnauthorized:      http.StatusUnauthorized,
	ErrNotFound:          http.StatusNotFound,
	ErrRateLimited:       http.StatusTooManyRequests,
}

// StatusCode returns the HTTP status code for this error code
func (e ErrorCode) StatusCode() int {
	if code, ok := StatusCodeMap[e]; ok {
		return code
	}
	return http.StatusInternalServerError
}
