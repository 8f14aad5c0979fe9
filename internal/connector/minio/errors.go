package minio

import (
	"fmt"
	"strings"
)

// ErrorCode classifies a failed bucket operation.
type ErrorCode string

const (
	CodeEndpointUnreachable ErrorCode = "E_ENDPOINT_UNREACHABLE"
	CodeAuthInvalid         ErrorCode = "E_AUTH_INVALID"
	CodeBucketNotFound      ErrorCode = "E_BUCKET_NOT_FOUND"
	CodeObjectNotFound      ErrorCode = "E_OBJECT_NOT_FOUND"
	CodePermissionDenied    ErrorCode = "E_PERMISSION_DENIED"
	CodeTimeout             ErrorCode = "E_TIMEOUT"
	CodeStagingWriteFailed  ErrorCode = "E_STAGING_WRITE_FAILED"
)

// ErrObjectNotFound matches any missing-object error via errors.Is.
var ErrObjectNotFound = &Error{Code: CodeObjectNotFound}

// Error is returned by bucket operations. Op is the failed operation
// (config, bucket, put, get, list, delete) and Key the object or prefix.
type Error struct {
	Code      ErrorCode
	Op        string
	Key       string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("minio")
	if e.Op != "" {
		b.WriteString(" " + e.Op)
	}
	if e.Key != "" {
		b.WriteString(" " + e.Key)
	}
	fmt.Fprintf(&b, ": %s", e.Code)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error         { return e.Err }
func (e *Error) CodeValue() string     { return string(e.Code) }
func (e *Error) RetryableStatus() bool { return e.Retryable }

// Is matches another *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func opError(op, key string, code ErrorCode, retryable bool, err error) *Error {
	return &Error{Code: code, Op: op, Key: key, Retryable: retryable, Err: err}
}
