package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	expected := "INVALID_INPUT: test error"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("original error")
	err := WrapError(originalErr, ErrCodeInternal, "wrapped error", 500)

	if err.Cause != originalErr {
		t.Errorf("Cause = %v, want %v", err.Cause, originalErr)
	}
	if !strings.Contains(err.Error(), "original error") {
		t.Errorf("Error() should contain cause, got: %v", err.Error())
	}
}

func TestAppError_WithContext(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	err.WithContext("field", "value").WithContext("count", 42)

	if err.Context["field"] != "value" {
		t.Errorf("Context[field] = %v, want 'value'", err.Context["field"])
	}
	if err.Context["count"] != 42 {
		t.Errorf("Context[count] = %v, want 42", err.Context["count"])
	}
}

func TestTransferErrors_PreserveCause(t *testing.T) {
	sentinel := errors.New("no active connection")

	tests := []struct {
		name string
		err  *AppError
		code ErrorCode
	}{
		{"signaling", NewSignalingUnavailableError(sentinel), ErrCodeSignalingUnavailable},
		{"not connected", NewNotConnectedError(sentinel), ErrCodeNotConnected},
		{"timeout", NewConnectionTimeoutError("p1", sentinel), ErrCodeConnectionTimeout},
		{"connection failed", NewConnectionFailedError("p1", sentinel), ErrCodeConnectionFailed},
		{"no active connection", NewNoActiveConnectionError("p1", sentinel), ErrCodeNoActiveConnection},
		{"transfer failed", NewTransferFailedError("t1", "p1", sentinel), ErrCodeTransferFailed},
		{"incomplete", NewIncompleteTransferError("t1", "p1", sentinel), ErrCodeIncompleteTransfer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %v, want %v", tt.err.Code, tt.code)
			}
			if !errors.Is(tt.err, sentinel) {
				t.Error("expected errors.Is to match the cause")
			}
			if tt.err.HTTPStatus == 0 {
				t.Error("expected an HTTP status")
			}
		})
	}

	err := NewTransferFailedError("t1", "p1", sentinel)
	if err.Context["transfer_id"] != "t1" || err.Context["peer_id"] != "p1" {
		t.Errorf("unexpected context: %v", err.Context)
	}
}

func TestIsAppError(t *testing.T) {
	appErr := NewAppError(ErrCodeInvalidInput, "test", 400)
	regularErr := errors.New("regular error")

	if !IsAppError(appErr) {
		t.Error("IsAppError() should return true for AppError")
	}
	if IsAppError(regularErr) {
		t.Error("IsAppError() should return false for regular error")
	}
}

func TestGetAppError(t *testing.T) {
	appErr := NewAppError(ErrCodeInvalidInput, "test", 400)

	if result := GetAppError(appErr); result != appErr {
		t.Errorf("GetAppError() = %v, want %v", result, appErr)
	}

	wrapped := fmt.Errorf("outer: %w", appErr)
	if result := GetAppError(wrapped); result != appErr {
		t.Errorf("GetAppError() on wrapped = %v, want %v", result, appErr)
	}

	if result := GetAppError(errors.New("plain")); result != nil {
		t.Errorf("GetAppError() = %v, want nil", result)
	}
	if result := GetAppError(nil); result != nil {
		t.Errorf("GetAppError(nil) = %v, want nil", result)
	}
}

func TestCodeOf(t *testing.T) {
	if code := CodeOf(fmt.Errorf("x: %w", NewRateLimitError())); code != ErrCodeRateLimit {
		t.Errorf("CodeOf() = %v, want %v", code, ErrCodeRateLimit)
	}
	if code := CodeOf(errors.New("plain")); code != ErrCodeInternal {
		t.Errorf("CodeOf() = %v, want %v", code, ErrCodeInternal)
	}
}
