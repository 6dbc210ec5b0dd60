package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"runtime"
	"strings"
)

const maxStackDepth = 10

// Error carries a code, the user-facing message and optional context.
// Message is what clients and status files see; Err and Stack stay in logs.
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Err     error
	Stack   string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code.Message()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Format prints the stack and the wrapped cause for %+v, which zap records
// as errorVerbose.
func (e *Error) Format(s fmt.State, verb rune) {
	switch {
	case verb == 'v' && s.Flag('+'):
		_, _ = fmt.Fprintf(s, "[%d] %s", e.Code, e.Error())
		if e.Err != nil {
			_, _ = fmt.Fprintf(s, ": %+v", e.Err)
		}
		_, _ = io.WriteString(s, e.Stack)
	case verb == 'v', verb == 's':
		_, _ = io.WriteString(s, e.Error())
	case verb == 'q':
		_, _ = fmt.Fprintf(s, "%q", e.Error())
	}
}

func build(code ErrorCode, msg string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: msg,
		Details: make(map[string]interface{}),
		Err:     cause,
		Stack:   callers(4),
	}
}

// New creates an Error with the code's default message.
func New(code ErrorCode) *Error {
	return build(code, code.Message(), nil)
}

func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return build(code, fmt.Sprintf(format, args...), nil)
}

// Wrap attaches code to err, keeping err's text as the message. An *Error is
// re-coded in place.
func Wrap(err error, code ErrorCode) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		e.Code = code
		return e
	}
	return build(code, err.Error(), err)
}

func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return build(code, fmt.Sprintf(format, args...), err)
}

func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// GetCode returns the code of the first *Error in err's chain,
// InternalServerError for foreign errors and Success for nil.
func GetCode(err error) ErrorCode {
	if err == nil {
		return Success
	}
	if e := find(err); e != nil {
		return e.Code
	}
	return InternalServerError
}

// GetError returns the first *Error in err's chain, wrapping foreign errors
// as InternalServerError.
func GetError(err error) *Error {
	if err == nil {
		return nil
	}
	if e := find(err); e != nil {
		return e
	}
	return build(InternalServerError, err.Error(), err)
}

// Is reports whether err's chain holds an *Error with code.
func Is(err error, code ErrorCode) bool {
	e := find(err)
	return e != nil && e.Code == code
}

// ValidationError flags one bad request field.
func ValidationError(field, reason string) *Error {
	return Newf(ValidationFailed, "%s: %s", field, reason).
		WithDetail("field", field).
		WithDetail("reason", reason)
}

func find(err error) *Error {
	var e *Error
	if err != nil && stderrors.As(err, &e) {
		return e
	}
	return nil
}

func callers(skip int) string {
	var pcs [maxStackDepth]uintptr
	n := runtime.Callers(skip, pcs[:])
	if n == 0 {
		return ""
	}
	var b strings.Builder
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !strings.HasPrefix(frame.Function, "runtime.") {
			fmt.Fprintf(&b, "\n\t%s:%d %s", frame.File, frame.Line, frame.Function)
		}
		if !more {
			break
		}
	}
	return b.String()
}
