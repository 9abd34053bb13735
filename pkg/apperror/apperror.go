package apperror

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an application error for callers that need to react to it
// (HTTP status mapping, retry decisions).
type Kind string

const (
	KindNotFound         Kind = "NOT_FOUND"
	KindCapacityExceeded Kind = "CAPACITY_EXCEEDED"
	KindConflict         Kind = "CONFLICT"
	KindValidation       Kind = "VALIDATION"
	KindPersistence      Kind = "PERSISTENCE"
)

// AppError is an error with a Kind and an optional wrapped cause.
type AppError struct {
	Kind    Kind
	Message string
	Err     error
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

// Is reports a match when target is an *AppError of the same Kind with an
// empty message, so sentinel values such as ErrCapacityExceeded work with
// errors.Is regardless of the concrete message.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound         = &AppError{Kind: KindNotFound}
	ErrCapacityExceeded = &AppError{Kind: KindCapacityExceeded}
	ErrConflict         = &AppError{Kind: KindConflict}
	ErrValidation       = &AppError{Kind: KindValidation}
	ErrPersistence      = &AppError{Kind: KindPersistence}
)

// NotFound reports that the named entity does not exist.
func NotFound(entity string) *AppError {
	return &AppError{Kind: KindNotFound, Message: entity + " not found"}
}

// CapacityExceeded reports that a time slot has no free seats left.
func CapacityExceeded(message string) *AppError {
	return &AppError{Kind: KindCapacityExceeded, Message: message}
}

func Conflict(message string) *AppError {
	return &AppError{Kind: KindConflict, Message: message}
}

func Validation(message string) *AppError {
	return &AppError{Kind: KindValidation, Message: message}
}

// Validationf formats a validation message.
func Validationf(format string, args ...interface{}) *AppError {
	return &AppError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Persistence wraps a storage or transport failure.
func Persistence(message string, err error) *AppError {
	return &AppError{Kind: KindPersistence, Message: message, Err: err}
}

// KindOf returns the Kind of the first AppError in err's chain. Errors that
// carry no AppError are reported as KindPersistence, since anything unclassified
// reaching the edge came from the storage layer or below.
func KindOf(err error) Kind {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindPersistence
}

// IsRetryable reports whether a caller may retry the failed operation.
// Cancellation and deadline expiry are final for the request that hit them.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return KindOf(err) == KindPersistence
}
