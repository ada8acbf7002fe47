package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	ErrCodeSignalingUnavailable ErrorCode = "SIGNALING_UNAVAILABLE"
	ErrCodeNotConnected         ErrorCode = "NOT_CONNECTED"
	ErrCodeConnectionTimeout    ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeConnectionFailed     ErrorCode = "CONNECTION_FAILED"
	ErrCodeNoActiveConnection   ErrorCode = "NO_ACTIVE_CONNECTION"
	ErrCodeTransferFailed       ErrorCode = "TRANSFER_FAILED"
	ErrCodeIncompleteTransfer   ErrorCode = "INCOMPLETE_TRANSFER"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrCodeConflict, message, http.StatusConflict)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// Transfer engine failures. Each wraps its cause so errors.Is still matches
// the underlying sentinel.

func NewSignalingUnavailableError(cause error) *AppError {
	return WrapError(cause, ErrCodeSignalingUnavailable, "could not establish signaling connection", http.StatusServiceUnavailable)
}

func NewNotConnectedError(cause error) *AppError {
	return WrapError(cause, ErrCodeNotConnected, "not connected to the signaling network", http.StatusConflict)
}

func NewConnectionTimeoutError(peerID string, cause error) *AppError {
	return WrapError(cause, ErrCodeConnectionTimeout, "peer connection did not open in time", http.StatusGatewayTimeout).
		WithContext("peer_id", peerID)
}

func NewConnectionFailedError(peerID string, cause error) *AppError {
	return WrapError(cause, ErrCodeConnectionFailed, "peer connection failed", http.StatusBadGateway).
		WithContext("peer_id", peerID)
}

func NewNoActiveConnectionError(peerID string, cause error) *AppError {
	return WrapError(cause, ErrCodeNoActiveConnection, "no open channel to peer", http.StatusConflict).
		WithContext("peer_id", peerID)
}

func NewTransferFailedError(transferID, peerID string, cause error) *AppError {
	return WrapError(cause, ErrCodeTransferFailed, "transfer failed", http.StatusBadGateway).
		WithContext("transfer_id", transferID).
		WithContext("peer_id", peerID)
}

func NewIncompleteTransferError(transferID, peerID string, cause error) *AppError {
	return WrapError(cause, ErrCodeIncompleteTransfer, "transfer ended with missing chunks", http.StatusUnprocessableEntity).
		WithContext("transfer_id", transferID).
		WithContext("peer_id", peerID)
}

func NewDuplicateTransferError(transferID string, cause error) *AppError {
	return WrapError(cause, ErrCodeConflict, fmt.Sprintf("transfer %s already in progress", transferID), http.StatusConflict).
		WithContext("transfer_id", transferID)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// CodeOf returns the code of the first AppError in err's chain, or
// ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Code
	}
	return ErrCodeInternal
}
