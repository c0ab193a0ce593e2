// Package errs defines the runtime's error taxonomy: a small set of kinds
// callers can switch on, each carrying an optional errno and an
// operation(args)-shaped message, following the same builder-chain shape
// the teacher module uses for its ContainerError.
package errs

import (
	"fmt"
	"strings"
	"syscall"
)

// Kind is one of the error categories the runtime distinguishes. Kind
// deliberately does not name Go types: callers branch on Kind, not on
// concrete error structs.
type Kind string

const (
	OK            Kind = ""
	Unknown       Kind = "unknown"
	InvalidValue  Kind = "invalid_value"
	Busy          Kind = "busy"
	NoSpace       Kind = "no_space"
	Permission    Kind = "permission"
	NotFound      Kind = "not_found"
	Exists        Kind = "exists"
	SocketError   Kind = "socket_error"
	SocketTimeout Kind = "socket_timeout"
	Transient     Kind = "transient"
)

// Error is the runtime's structured error type. It carries enough context
// for a caller to decide whether to retry (Retryable), to log a component
// tag, and to recover the original OS error via errors.Unwrap.
type Error struct {
	Kind      Kind
	Errno     syscall.Errno
	Message   string
	Cause     error
	Component string
	Retryable bool
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Component != "" {
		b.WriteString("[")
		b.WriteString(e.Component)
		b.WriteString("] ")
	}
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Errno != 0 {
		fmt.Fprintf(&b, " (errno=%d %s)", int(e.Errno), e.Errno.Error())
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) IsRetryable() bool { return e.Retryable }

// WithComponent tags the error with the subsystem that raised it.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithRetryable overrides the default retryability for this error.
func (e *Error) WithRetryable(retry bool) *Error {
	e.Retryable = retry
	return e
}

// New builds an Error whose Message follows the operation(args) shape
// spec.md §7 requires: op is the operation name, args are formatted
// inline with fmt.Sprint.
func New(kind Kind, op string, args ...any) *Error {
	msg := op
	if len(args) > 0 {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = fmt.Sprint(a)
		}
		msg = fmt.Sprintf("%s(%s)", op, strings.Join(parts, ", "))
	}
	return &Error{Kind: kind, Message: msg}
}

// Wrap builds an Error around an existing error, extracting its errno
// when the cause is (or wraps) a syscall.Errno.
func Wrap(kind Kind, op string, cause error, args ...any) *Error {
	e := New(kind, op, args...)
	e.Cause = cause
	var errno syscall.Errno
	if unwrapErrno(cause, &errno) {
		e.Errno = errno
	}
	return e
}

func unwrapErrno(err error, out *syscall.Errno) bool {
	for err != nil {
		if errno, ok := err.(syscall.Errno); ok {
			*out = errno
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func Busyf(op string, cause error, args ...any) *Error {
	return Wrap(Busy, op, cause, args...).WithRetryable(true)
}

func NotFoundf(op string, cause error, args ...any) *Error {
	return Wrap(NotFound, op, cause, args...)
}

func Existsf(op string, cause error, args ...any) *Error {
	return Wrap(Exists, op, cause, args...)
}

func InvalidValuef(op string, args ...any) *Error {
	return New(InvalidValue, op, args...)
}

func Transientf(op string, cause error, args ...any) *Error {
	return Wrap(Transient, op, cause, args...).WithRetryable(true)
}

func NoSpacef(op string, cause error, args ...any) *Error {
	return Wrap(NoSpace, op, cause, args...)
}

func Permissionf(op string, cause error, args ...any) *Error {
	return Wrap(Permission, op, cause, args...)
}

func SocketErrorf(op string, cause error, args ...any) *Error {
	return Wrap(SocketError, op, cause, args...)
}

func SocketTimeoutf(op string, args ...any) *Error {
	return New(SocketTimeout, op, args...)
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}

// IsBusy reports whether err is EBUSY, either as a raw syscall.Errno or
// wrapped in an *Error of Kind Busy.
func IsBusy(err error) bool {
	if IsKind(err, Busy) {
		return true
	}
	var errno syscall.Errno
	return unwrapErrno(err, &errno) && errno == syscall.EBUSY
}

// Chain collects multiple failures from a fan-out teardown (e.g.
// multi-controller cgroup removal, multi-link volume unlink) into a
// single error.
type Chain struct {
	Operation string
	Errors    []error
}

func NewChain(operation string) *Chain {
	return &Chain{Operation: operation}
}

func (c *Chain) Add(err error) {
	if err != nil {
		c.Errors = append(c.Errors, err)
	}
}

func (c *Chain) HasErrors() bool { return len(c.Errors) > 0 }

func (c *Chain) Error() string {
	switch len(c.Errors) {
	case 0:
		return fmt.Sprintf("%s: no errors", c.Operation)
	case 1:
		return fmt.Sprintf("%s: %v", c.Operation, c.Errors[0])
	default:
		parts := make([]string, len(c.Errors))
		for i, err := range c.Errors {
			parts[i] = fmt.Sprintf("%d: %v", i+1, err)
		}
		return fmt.Sprintf("%s: %d errors:\n%s", c.Operation, len(c.Errors), strings.Join(parts, "\n"))
	}
}

// ToError returns the chain as an error, or nil if it is empty.
func (c *Chain) ToError() error {
	if c.HasErrors() {
		return c
	}
	return nil
}
