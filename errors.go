package cowsnap

import (
	"errors"
	"fmt"

	"github.com/dattobd/cowsnap/internal/cowfile"
)

// ErrorCode is the high-level error category surfaced at the control and
// read-path boundary (spec.md §6, §7).
type ErrorCode string

const (
	ErrCodeInvalid      ErrorCode = "EINVAL"
	ErrCodeNotFound     ErrorCode = "ENOENT"
	ErrCodeBusy         ErrorCode = "EBUSY"
	ErrCodeFault        ErrorCode = "EFAULT"
	ErrCodeNoMemory     ErrorCode = "ENOMEM"
	ErrCodeFileTooBig   ErrorCode = "EFBIG"
	ErrCodeIO           ErrorCode = "EIO"
	ErrCodeNotSupported ErrorCode = "EOPNOTSUPP"
	ErrCodeAccessDenied ErrorCode = "EACCES"
)

// Error is a structured engine error carrying the minor it applies to (if
// any) and its error-code classification (spec.md §7 taxonomy).
type Error struct {
	Op    string
	Minor int // -1 if not applicable
	Code  ErrorCode
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	if e.Minor >= 0 {
		return fmt.Sprintf("cowsnap: %s: minor=%d %s (%s)", e.Op, e.Minor, e.Msg, e.Code)
	}
	return fmt.Sprintf("cowsnap: %s: %s (%s)", e.Op, e.Msg, e.Code)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// NewError builds a device-agnostic structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Minor: -1, Code: code, Msg: msg}
}

// NewDeviceError builds a structured error scoped to a tracked minor.
func NewDeviceError(op string, minor int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Minor: minor, Code: code, Msg: msg}
}

// WrapError attaches op/code context to an arbitrary error, classifying
// cowfile.ErrFull onto EFBIG and any other non-*Error onto EIO.
func WrapError(op string, minor int, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ce, ok := inner.(*Error); ok {
		return &Error{Op: op, Minor: minor, Code: ce.Code, Msg: ce.Msg, Inner: ce.Inner}
	}
	if errors.Is(inner, cowfile.ErrFull) {
		return &Error{Op: op, Minor: minor, Code: ErrCodeFileTooBig, Msg: inner.Error(), Inner: inner}
	}
	return &Error{Op: op, Minor: minor, Code: ErrCodeIO, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is a structured Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
