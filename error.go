package proactor

import (
	"errors"
	"fmt"
	"syscall"
)

const (
	// CodeInvalidArgument marks errors caused by the caller, e.g. a malformed IPv4 literal.
	CodeInvalidArgument = -1
	// CodeUnknown marks failures that did not carry an errno.
	CodeUnknown = -2
)

var (
	ErrSocketCreation     = errors.New("can't create socket")
	ErrInvalidSocket      = errors.New("invalid socket")
	ErrAlreadyStarted     = errors.New("already started")
	ErrQueueStopped       = errors.New("event queue stopped")
	ErrProactorStopped    = errors.New("proactor stopped")
	ErrOperationPending   = errors.New("operation already pending for descriptor")
	ErrOperationCancelled = errors.New("operation cancelled")
)

// Error is an OS error code together with the context it happened in.
// A nil *Error (or nil error) means success.
type Error struct {
	Code    int
	Message string
	errno   syscall.Errno
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	if e.errno == 0 {
		return nil
	}
	return e.errno
}

// Failed reports whether e carries a non-zero code.
func (e *Error) Failed() bool {
	return e != nil && e.Code != 0
}

func invalidArgument(format string, args ...interface{}) error {
	return &Error{Code: CodeInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// errorFromErrno builds an Error from a failed syscall. It returns nil for a nil err
// so it can wrap call results directly.
func errorFromErrno(context string, err error) error {
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		if errno == 0 {
			return nil
		}
		return &Error{
			Code:    int(errno),
			Message: fmt.Sprintf("%s: %s (%d)", context, errno.Error(), int(errno)),
			errno:   errno,
		}
	}
	return &Error{Code: CodeUnknown, Message: fmt.Sprintf("%s: %v", context, err)}
}

// errorCode extracts the code of err, 0 for nil.
func errorCode(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}
