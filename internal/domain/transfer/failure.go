package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
)

// FailureCause classifies why a task failed. It travels on error events and
// decides whether the retry handler tries again.
type FailureCause string

const (
	CauseRemoteConnection FailureCause = "RemoteConnectionError"
	CauseIO               FailureCause = "IOError"
	CauseInterrupted      FailureCause = "InterruptedError"
	CausePermission       FailureCause = "PermissionError"
	CauseSyntax           FailureCause = "SyntaxError"
	CauseNotFound         FailureCause = "NotFoundError"
	CauseUnknown          FailureCause = "UnknownError"
)

// IsRecoverable reports whether a failure with this cause is worth retrying.
func IsRecoverable(cause FailureCause) bool {
	switch cause {
	case CauseRemoteConnection, CauseIO, CauseInterrupted:
		return true
	default:
		return false
	}
}

// Failure is an error tagged with its cause.
type Failure struct {
	Cause FailureCause
	Err   error
}

// NewFailure wraps err with cause.
func NewFailure(cause FailureCause, err error) *Failure { return &Failure{Cause: cause, Err: err} }

func (f *Failure) Error() string { return fmt.Sprintf("%s: %v", f.Cause, f.Err) }

func (f *Failure) Unwrap() error { return f.Err }

// ClassifyError maps an error to a FailureCause. An explicit *Failure wins;
// otherwise well-known standard library errors are recognized.
func ClassifyError(err error) FailureCause {
	if err == nil {
		return ""
	}

	var f *Failure
	if errors.As(err, &f) {
		return f.Cause
	}

	var se *SyntaxError
	if errors.As(err, &se) {
		return CauseSyntax
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CauseInterrupted
	case errors.Is(err, os.ErrPermission):
		return CausePermission
	case errors.Is(err, os.ErrNotExist), errors.Is(err, ErrTaskNotFound):
		return CauseNotFound
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return CauseRemoteConnection
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrShortWrite) {
		return CauseIO
	}

	return CauseUnknown
}

// DescribeError renders err as "<type>: <message>" for event payloads.
func DescribeError(err error) string {
	if err == nil {
		return ""
	}
	var f *Failure
	if errors.As(err, &f) && f.Err != nil {
		return fmt.Sprintf("%T: %s", f.Err, f.Err.Error())
	}
	return fmt.Sprintf("%T: %s", err, err.Error())
}
