// Package errors provides the single error shape returned by every bridge operation,
// with error codes, categories, retryability and HTTP status hints.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for bridge operations.
type ErrorCode string

// Error code constants grouped by category.
const (
	// Access errors
	ErrCodeAccessDenied ErrorCode = "ACCESS_DENIED"

	// Validation errors
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeDecodeFailed     ErrorCode = "DECODE_FAILED"
	ErrCodeConflict         ErrorCode = "CONFLICT"

	// Transport errors
	ErrCodeTransportFailure ErrorCode = "TRANSPORT_FAILURE"
	ErrCodeTimeout          ErrorCode = "TIMEOUT"
	ErrCodeCircuitOpen      ErrorCode = "CIRCUIT_OPEN"
	ErrCodeRateLimited      ErrorCode = "RATE_LIMITED"

	// State errors
	ErrCodeNotInitialized     ErrorCode = "NOT_INITIALIZED"
	ErrCodeAlreadyInitialized ErrorCode = "ALREADY_INITIALIZED"
	ErrCodeCanceled           ErrorCode = "CANCELED"
	ErrCodeInvalidConfig      ErrorCode = "INVALID_CONFIG"

	// Fallback
	ErrCodeUnknownError ErrorCode = "UNKNOWN_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryAccess     ErrorCategory = "access"
	CategoryValidation ErrorCategory = "validation"
	CategoryTransport  ErrorCategory = "transport"
	CategoryState      ErrorCategory = "state"
	CategoryUnknown    ErrorCategory = "unknown"
)

// BridgeError is the only error representation that leaves a bridge facade.
type BridgeError struct {
	Code      ErrorCode     `json:"code"`
	Category  ErrorCategory `json:"-"`
	Message   string        `json:"error"`
	Operation string        `json:"operation"`
	Resource  string        `json:"-"`
	Timestamp time.Time     `json:"timestamp"`
	Retryable bool          `json:"retryable"`

	HTTPStatus int   `json:"-"`
	Cause      error `json:"-"` // kept for diagnostics only, never serialized
}

// Error implements the error interface.
func (e *BridgeError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Operation, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *BridgeError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a BridgeError with the same code.
func (e *BridgeError) Is(target error) bool {
	if bridgeErr, ok := target.(*BridgeError); ok {
		return e.Code == bridgeErr.Code
	}
	return false
}

// ErrorCode returns the error code as a plain string.
func (e *BridgeError) ErrorCode() string {
	return string(e.Code)
}

// IsRetryable returns the retry hint.
func (e *BridgeError) IsRetryable() bool {
	return e.Retryable
}

// MarshalJSON renders the error as a failed envelope.
func (e *BridgeError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Success   bool   `json:"success"`
		Error     string `json:"error"`
		Code      string `json:"code"`
		Operation string `json:"operation"`
		Timestamp string `json:"timestamp"`
		Retryable bool   `json:"retryable"`
	}{
		Success:   false,
		Error:     e.Message,
		Code:      string(e.Code),
		Operation: e.Operation,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Retryable: e.Retryable,
	})
}

// UnmarshalJSON reads a failed envelope back into a BridgeError.
func (e *BridgeError) UnmarshalJSON(data []byte) error {
	var raw struct {
		Error     string `json:"error"`
		Code      string `json:"code"`
		Operation string `json:"operation"`
		Timestamp string `json:"timestamp"`
		Retryable bool   `json:"retryable"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	code := ErrorCode(raw.Code)
	if code == "" {
		code = ErrCodeUnknownError
	}
	e.Code = code
	e.Category = GetCategory(code)
	e.Message = raw.Error
	e.Operation = raw.Operation
	e.Retryable = raw.Retryable
	e.HTTPStatus = GetDefaultHTTPStatus(code)
	if ts, err := time.Parse(time.RFC3339Nano, raw.Timestamp); err == nil {
		e.Timestamp = ts
	}
	return nil
}

// String returns a detailed representation for logging.
func (e *BridgeError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Resource != "" {
		parts = append(parts, fmt.Sprintf("Resource=%s", e.Resource))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("BridgeError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new bridge error with default classification for the code.
func NewError(code ErrorCode, message string) *BridgeError {
	return &BridgeError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Retryable:  IsRetryableByDefault(code),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// Newf creates a new bridge error with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *BridgeError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// AccessDenied builds the terminal error raised by the authorization gate.
func AccessDenied(resource, action string) *BridgeError {
	return Newf(ErrCodeAccessDenied, "access denied: %s on %s", action, resource).WithResource(resource)
}

// Validation builds a non-retryable validation failure.
func Validation(format string, args ...any) *BridgeError {
	return Newf(ErrCodeValidationFailed, format, args...)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeAccessDenied:
		return CategoryAccess
	case ErrCodeValidationFailed, ErrCodeNotFound, ErrCodeDecodeFailed, ErrCodeConflict:
		return CategoryValidation
	case ErrCodeTransportFailure, ErrCodeTimeout, ErrCodeCircuitOpen, ErrCodeRateLimited:
		return CategoryTransport
	case ErrCodeNotInitialized, ErrCodeAlreadyInitialized, ErrCodeCanceled, ErrCodeInvalidConfig:
		return CategoryState
	default:
		return CategoryUnknown
	}
}

// IsRetryableByDefault determines if an error code is retryable by default.
// Unknown failures are never retried blindly.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeTransportFailure: true,
		ErrCodeTimeout:          true,
		ErrCodeCircuitOpen:      true,
		ErrCodeRateLimited:      true,
	}
	return retryableCodes[code]
}

// GetDefaultHTTPStatus returns the default HTTP status for an error code.
func GetDefaultHTTPStatus(code ErrorCode) int {
	statusMap := map[ErrorCode]int{
		ErrCodeValidationFailed:   400,
		ErrCodeDecodeFailed:       400,
		ErrCodeInvalidConfig:      400,
		ErrCodeAccessDenied:       403,
		ErrCodeNotFound:           404,
		ErrCodeConflict:           409,
		ErrCodeAlreadyInitialized: 409,
		ErrCodeRateLimited:        429,
		ErrCodeCanceled:           499,
		ErrCodeTransportFailure:   502,
		ErrCodeCircuitOpen:        503,
		ErrCodeNotInitialized:     503,
		ErrCodeTimeout:            504,
	}

	if status, ok := statusMap[code]; ok {
		return status
	}
	return 500
}

// WithOperation sets the operation for an error
func (e *BridgeError) WithOperation(operation string) *BridgeError {
	e.Operation = operation
	return e
}

// WithResource sets the resource for an error
func (e *BridgeError) WithResource(resource string) *BridgeError {
	e.Resource = resource
	return e
}

// WithCause sets the underlying cause
func (e *BridgeError) WithCause(cause error) *BridgeError {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default retry hint
func (e *BridgeError) WithRetryable(retryable bool) *BridgeError {
	e.Retryable = retryable
	return e
}
