// Package errors provides unified error handling for the job queue.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code.
type ErrorCode string

const (
	// Signature / ticket errors (1xxx)
	ErrCodeBadSignature   ErrorCode = "BAD_SIGNATURE"
	ErrCodeTicketExpired  ErrorCode = "TICKET_EXPIRED"
	ErrCodeNonceReused    ErrorCode = "NONCE_REUSED"
	ErrCodeUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden      ErrorCode = "FORBIDDEN"

	// Validation errors (2xxx)
	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrCodeMissingParameter ErrorCode = "MISSING_PARAMETER"
	ErrCodeInvalidFormat    ErrorCode = "INVALID_FORMAT"

	// Job state errors (3xxx)
	ErrCodeDuplicateJobID    ErrorCode = "DUPLICATE_JOB_ID"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeStale             ErrorCode = "STALE"
	ErrCodeIllegalTransition ErrorCode = "ILLEGAL_TRANSITION"
	ErrCodeNotOwner          ErrorCode = "NOT_OWNER"
	ErrCodeNotProcessing     ErrorCode = "NOT_PROCESSING"

	// Service errors (4xxx)
	ErrCodeInternal          ErrorCode = "INTERNAL"
	ErrCodeStoreError        ErrorCode = "STORE_ERROR"
	ErrCodeTimeout           ErrorCode = "TIMEOUT"
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
)

// ServiceError represents a structured error with code, message, and HTTP status.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError.
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error with a ServiceError.
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// Signature / ticket errors

func BadSignature(err error) *ServiceError {
	return Wrap(ErrCodeBadSignature, "signature or payload hash mismatch", http.StatusBadRequest, err)
}

func TicketExpired() *ServiceError {
	return New(ErrCodeTicketExpired, "ticket has expired", http.StatusBadRequest)
}

func NonceReused(nonce string) *ServiceError {
	return New(ErrCodeNonceReused, "nonce has already been used", http.StatusConflict).
		WithDetails("nonce", nonce)
}

func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "unauthorized"
	}
	return New(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func Forbidden(message string) *ServiceError {
	if message == "" {
		message = "forbidden"
	}
	return New(ErrCodeForbidden, message, http.StatusForbidden)
}

// Validation errors

func InvalidInput(field, reason string) *ServiceError {
	return New(ErrCodeInvalidInput, "invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func MissingParameter(param string) *ServiceError {
	return New(ErrCodeMissingParameter, "missing required parameter", http.StatusBadRequest).
		WithDetails("parameter", param)
}

func InvalidFormat(field, expected string) *ServiceError {
	return New(ErrCodeInvalidFormat, "invalid format", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("expected", expected)
}

// Job state errors

func DuplicateJobID(jobID string) *ServiceError {
	return New(ErrCodeDuplicateJobID, "job id already exists", http.StatusConflict).
		WithDetails("jobId", jobID)
}

func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// Stale signals a merge-guard rejection: the caller's lastUpdatedAt is behind
// the server's updatedAt. current carries the server's present state.
func Stale(current interface{}) *ServiceError {
	return New(ErrCodeStale, "caller's view of the job is stale", http.StatusConflict).
		WithDetails("current", current)
}

func IllegalTransition(from, to string) *ServiceError {
	return New(ErrCodeIllegalTransition, "illegal state transition", http.StatusConflict).
		WithDetails("from", from).
		WithDetails("to", to)
}

func NotOwner(jobID, workerID string) *ServiceError {
	return New(ErrCodeNotOwner, "caller does not hold the lease for this job", http.StatusConflict).
		WithDetails("jobId", jobID).
		WithDetails("workerId", workerID)
}

func NotProcessing(jobID string) *ServiceError {
	return New(ErrCodeNotProcessing, "job is not in the PROCESSING state", http.StatusConflict).
		WithDetails("jobId", jobID)
}

// Service errors

func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

func StoreError(operation string, err error) *ServiceError {
	return Wrap(ErrCodeStoreError, "store operation failed", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

func Timeout(operation string) *ServiceError {
	return New(ErrCodeTimeout, "operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(ErrCodeRateLimitExceeded, "rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// Helper functions

// IsServiceError checks if an error is a ServiceError.
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code for an error.
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
