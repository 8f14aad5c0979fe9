package collection

import (
	"errors"
	"fmt"
)

// ErrorCode is a structured loader error code.
type ErrorCode string

const (
	CodeInvalidArgument       ErrorCode = "E_INVALID_ARGUMENT"
	CodeUnsupportedSourceType ErrorCode = "E_UNSUPPORTED_SOURCE_TYPE"
	CodePartialLoad           ErrorCode = "E_PARTIAL_LOAD"
	CodeResetFailed           ErrorCode = "E_RESET_FAILED"
	CodeNoSource              ErrorCode = "E_NO_SOURCE"
	CodeLoadFailed            ErrorCode = "E_LOAD_FAILED"
)

// Sentinels matched with errors.Is against any *Error carrying the same code.
var (
	ErrInvalidArgument       = &Error{Code: CodeInvalidArgument}
	ErrUnsupportedSourceType = &Error{Code: CodeUnsupportedSourceType}
	ErrPartialLoad           = &Error{Code: CodePartialLoad}
	ErrResetFailed           = &Error{Code: CodeResetFailed}
	ErrNoSource              = &Error{Code: CodeNoSource}
)

// ErrNotLoaded marks a read of a collection the load state does not list.
var ErrNotLoaded = errors.New("collection is not loaded")

// Error carries a loader error code and retryability hint.
type Error struct {
	Code      ErrorCode
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on code so sentinels work through wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t == nil {
		return false
	}
	return e.Code == t.Code
}

// CodeValue returns the string error code.
func (e *Error) CodeValue() string { return string(e.Code) }

// RetryableStatus indicates if the operation can be retried.
func (e *Error) RetryableStatus() bool { return e.Retryable }

// CodedError exposes error metadata across packages.
type CodedError interface {
	error
	CodeValue() string
	RetryableStatus() bool
}

// InvalidArgument wraps err as a non-retryable E_INVALID_ARGUMENT.
func InvalidArgument(err error) *Error {
	return &Error{Code: CodeInvalidArgument, Err: err}
}

// UnsupportedSourceType wraps err as a non-retryable E_UNSUPPORTED_SOURCE_TYPE.
func UnsupportedSourceType(err error) *Error {
	return &Error{Code: CodeUnsupportedSourceType, Err: err}
}

// ResetFailed wraps a store reset failure.
func ResetFailed(err error) *Error {
	return &Error{Code: CodeResetFailed, Retryable: true, Err: err}
}

// NoSource reports a collection with no configured source.
func NoSource(c Collection) *Error {
	return &Error{Code: CodeNoSource, Err: fmt.Errorf("no source configured for collection %s", c)}
}
