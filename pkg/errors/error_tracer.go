package errors

import "github.com/pkg/errors"

// ErrorTracer is a custom error type that includes a message and an underlying
// error carrying a stack trace.
type ErrorTracer struct {
	Message string
	Err     error
}

// NewTracer creates a new ErrorTracer with the provided message.
func NewTracer(message string) *ErrorTracer {
	return &ErrorTracer{
		Message: message,
	}
}

// NewTracerFromCode creates a new ErrorTracer whose message is the error code.
func NewTracerFromCode(code ErrorCode) *ErrorTracer {
	return NewTracer(string(code))
}

// TracerFromError creates a new ErrorTracer from an existing error, preserving
// the stack trace.
func TracerFromError(err error) *ErrorTracer {
	tracer := NewTracer(err.Error())
	tracer.Err = err
	if _, ok := err.(StackTracer); !ok {
		tracer.Err = errors.WithStack(err)
	}
	return tracer
}

// Wrap annotates err with a message, attaching a stack trace when the error
// does not already carry one.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(StackTracer); ok {
		return errors.WithMessage(err, message)
	}
	return errors.Wrap(err, message)
}

// StackTracer is an interface that requires a StackTrace method.
type StackTracer interface {
	StackTrace() errors.StackTrace
}

func (e *ErrorTracer) Error() string {
	return e.Message
}

func (e *ErrorTracer) Unwrap() error {
	return e.Err
}

// Wrap wraps an existing error into the ErrorTracer, preserving the stack trace.
func (e *ErrorTracer) Wrap(err error) *ErrorTracer {
	e.Err = err
	if _, ok := err.(StackTracer); !ok {
		e.Err = errors.WithStack(err)
	}
	return e
}

// StackTrace returns the stack trace of the underlying error if it implements
// StackTracer.
func (e *ErrorTracer) StackTrace() errors.StackTrace {
	err := e.Unwrap()
	if errWithStack, ok := err.(StackTracer); ok {
		return errWithStack.StackTrace()
	}
	return nil
}
