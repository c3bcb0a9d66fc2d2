package errors

import "fmt"

// Error is a coded error shared by every package in this module. Two errors
// with the same code compare equal under errors.Is, so package level values
// can be used as sentinels while call sites still attach their own cause.
type Error struct {
	Code       int64  `json:"code"`
	Message    string `json:"message"`
	Cause      error  // the underlying error
	Details    any    `json:"details,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

func NewError(code int64, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Wrap returns a copy of e carrying cause. The receiver is left untouched so
// sentinels can be wrapped concurrently.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.Cause = cause
	return &cp
}

// Wrapf is Wrap with a formatted message appended to the sentinel message.
func (e *Error) Wrapf(cause error, format string, args ...any) *Error {
	cp := e.Wrap(cause)
	cp.Message = fmt.Sprintf("%s: %s", e.Message, fmt.Sprintf(format, args...))
	return cp
}

func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

func (e *Error) WithStatusCode(statusCode int) *Error {
	e.StatusCode = statusCode
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) GetCode() int64 {
	return e.Code
}

func (e *Error) GetMessage() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) GetDetails() any {
	return e.Details
}

func (e *Error) GetStatusCode() int {
	return e.StatusCode
}

// Code extracts the code of the first *Error in err's chain, or 0.
func Code(err error) int64 {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 0
		}
		err = u.Unwrap()
	}
	return 0
}
