package bridge

import (
	"errors"
	"fmt"
)

// Error is returned by every Bridge operation that fails.
type Error struct {
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Error codes
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeNotConfigured  = "NOT_CONFIGURED"
	ErrCodeDeviceError    = "DEVICE_ERROR"
	ErrCodeUnknownOutput  = "UNKNOWN_OUTPUT"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeClosed         = "CLOSED"
)

// NewError creates a new bridge error
func NewError(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// CodeOf returns the bridge error code in err's chain, or "".
func CodeOf(err error) string {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}
