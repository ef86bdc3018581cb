package errors

import "fmt"

// AppError represents a custom application error
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Predefined error types. Policy rejections (rate limit, device cap) carry
// their own codes so callers can tell them apart from validation failures
// and retry accordingly.
var (
	ErrDatabaseConnection = &AppError{Code: "DB_CONNECTION_FAILED", Message: "Failed to connect to database"}
	ErrValidationFailed   = &AppError{Code: "VALIDATION_FAILED", Message: "Validation failed"}
	ErrRateLimited        = &AppError{Code: "DEVICE_CREATION_RATE_LIMITED", Message: "Too many devices created from this source"}
	ErrDeviceCapExceeded  = &AppError{Code: "DEVICE_CAP_EXCEEDED", Message: "Device limit reached for this account"}
	ErrUnauthorized       = &AppError{Code: "UNAUTHORIZED", Message: "Unauthorized access"}
	ErrIntegrityViolation = &AppError{Code: "INTEGRITY_VIOLATION", Message: "Data integrity violation"}
)

// New creates a new AppError
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap wraps an error with additional context
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails returns a copy of the error carrying extra human-readable
// context, leaving the shared predefined value untouched.
func (e *AppError) WithDetails(details string) *AppError {
	return &AppError{Code: e.Code, Message: e.Message, Details: details, Err: e.Err}
}
