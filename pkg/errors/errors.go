package errors

import (
	"errors"
	"fmt"
)

// StreamError represents base stream error
type StreamError struct {
	Code        string
	Message     string
	EndpointKey string
	Cause       error
}

func (e *StreamError) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Code)
	if e.EndpointKey != "" {
		prefix = fmt.Sprintf("[%s %s]", e.Code, e.EndpointKey)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

func (e *StreamError) Unwrap() error {
	return e.Cause
}

// Error codes
const (
	ErrCodeHandshake          = "HANDSHAKE"
	ErrCodeUnexpectedClose    = "UNEXPECTED_CLOSE"
	ErrCodeDeliberateClose    = "DELIBERATE_CLOSE"
	ErrCodeTeardownClose      = "TEARDOWN_CLOSE"
	ErrCodeCallback           = "CALLBACK"
	ErrCodeRetriesExhausted   = "RETRIES_EXHAUSTED"
	ErrCodeConfiguration      = "CONFIGURATION"
	ErrCodeValidation         = "VALIDATION"
	ErrCodeDatabaseConnection = "DATABASE_CONNECTION"
	ErrCodeMessaging          = "MESSAGING"
)

var (
	// ErrHandleClosed is returned when starting a handle that was stopped.
	ErrHandleClosed = errors.New("connection handle is closed")
	// ErrNotConnected is returned by clients used before Connect.
	ErrNotConnected = errors.New("not connected")
	// ErrAlreadyStarted is returned when Start is called on a live handle.
	ErrAlreadyStarted = errors.New("connection handle is already started")
)

// NewHandshakeError creates handshake error
func NewHandshakeError(endpointKey string, cause error) *StreamError {
	return &StreamError{
		Code:        ErrCodeHandshake,
		Message:     "handshake failed",
		EndpointKey: endpointKey,
		Cause:       cause,
	}
}

// NewUnexpectedCloseError creates unexpected close error
func NewUnexpectedCloseError(endpointKey string, cause error) *StreamError {
	return &StreamError{
		Code:        ErrCodeUnexpectedClose,
		Message:     "connection closed unexpectedly",
		EndpointKey: endpointKey,
		Cause:       cause,
	}
}

// NewDeliberateCloseError creates deliberate close notice
func NewDeliberateCloseError(endpointKey string) *StreamError {
	return &StreamError{
		Code:        ErrCodeDeliberateClose,
		Message:     "connection closed on request",
		EndpointKey: endpointKey,
	}
}

// NewTeardownCloseError creates teardown close error
func NewTeardownCloseError(endpointKey string, cause error) *StreamError {
	return &StreamError{
		Code:        ErrCodeTeardownClose,
		Message:     "failed to close connection",
		EndpointKey: endpointKey,
		Cause:       cause,
	}
}

// NewCallbackError creates callback error
func NewCallbackError(endpointKey, subject string, cause error) *StreamError {
	return &StreamError{
		Code:        ErrCodeCallback,
		Message:     fmt.Sprintf("listener for %s failed", subject),
		EndpointKey: endpointKey,
		Cause:       cause,
	}
}

// NewRetriesExhaustedError creates retries exhausted error
func NewRetriesExhaustedError(endpointKey string, attempts int, cause error) *StreamError {
	return &StreamError{
		Code:        ErrCodeRetriesExhausted,
		Message:     fmt.Sprintf("gave up reconnecting after %d attempts", attempts),
		EndpointKey: endpointKey,
		Cause:       cause,
	}
}

// NewConfigurationError creates configuration error
func NewConfigurationError(message string, cause error) *StreamError {
	return &StreamError{
		Code:    ErrCodeConfiguration,
		Message: message,
		Cause:   cause,
	}
}

// NewValidationError creates validation error
func NewValidationError(message string, cause error) *StreamError {
	return &StreamError{
		Code:    ErrCodeValidation,
		Message: message,
		Cause:   cause,
	}
}

// NewDatabaseConnectionError creates database connection error
func NewDatabaseConnectionError(message string, cause error) *StreamError {
	return &StreamError{
		Code:    ErrCodeDatabaseConnection,
		Message: message,
		Cause:   cause,
	}
}

// NewMessagingError creates messaging error
func NewMessagingError(message string, cause error) *StreamError {
	return &StreamError{
		Code:    ErrCodeMessaging,
		Message: message,
		Cause:   cause,
	}
}

// IsCode reports whether err carries a StreamError with the given code.
func IsCode(err error, code string) bool {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}
