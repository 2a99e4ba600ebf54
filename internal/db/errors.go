package db

import "fmt"

// ValidationError reports malformed or out-of-bounds input. It is never
// retried and is surfaced verbatim to the caller.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for one field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// DuplicateError is the ValidationError subtype raised when an identical
// (user, type, title) notification was created within the dedupe window.
type DuplicateError struct {
	ValidationError
	ExistingID string
}

// Unwrap exposes the embedded ValidationError so errors.As matches a
// DuplicateError as both types.
func (e *DuplicateError) Unwrap() error {
	return &e.ValidationError
}

// NewDuplicateError builds a DuplicateError referencing the earlier record.
func NewDuplicateError(existingID string) *DuplicateError {
	return &DuplicateError{
		ValidationError: ValidationError{
			Field:  "title",
			Reason: "duplicate notification created within the last 5 minutes",
		},
		ExistingID: existingID,
	}
}

// NotificationError wraps unexpected persistence failures with a stable
// code for observability.
type NotificationError struct {
	Code string
	Err  error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *NotificationError) Unwrap() error {
	return e.Err
}

// NewNotificationError wraps err under a stable code.
func NewNotificationError(code string, err error) *NotificationError {
	return &NotificationError{Code: code, Err: err}
}
