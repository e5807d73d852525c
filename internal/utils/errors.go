package utils

import (
	"errors"
	"fmt"
)

// Sentinel errors for the analytics error taxonomy. Callers distinguish them
// with errors.Is: validation failures map to client errors, insufficient data
// surfaces as an empty result rather than a failure, and store errors are
// logged and degraded rather than propagated past component boundaries.
var (
	ErrValidation       = errors.New("validation failed")
	ErrInsufficientData = errors.New("insufficient data")
	ErrStore            = errors.New("store operation failed")
	ErrNotFound         = errors.New("not found")
)

// AppError wraps an operation, human-facing message, and underlying error.
type AppError struct {
	Op  string
	Msg string
	Err error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}

// ValidationError wraps a message in the validation sentinel.
func ValidationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// InsufficientDataError reports that a statistical operation lacked the
// minimum number of points.
func InsufficientDataError(op string, have, want int) error {
	return fmt.Errorf("%w: %s requires %d points, have %d", ErrInsufficientData, op, want, have)
}

// StoreError wraps an underlying persistence failure in the store sentinel.
func StoreError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStore, op, err)
}
