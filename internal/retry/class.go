package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Class groups failures by how a caller should react to them.
type Class string

const (
	ClassConnection     Class = "connection"
	ClassTimeout        Class = "timeout"
	ClassDeadlock       Class = "deadlock"
	ClassSerialization  Class = "serialization"
	ClassLockContention Class = "lock_contention"

	ClassIntegrity Class = "integrity"
	ClassAuth      Class = "auth"
	ClassMalformed Class = "malformed"
	ClassCanceled  Class = "canceled"
	ClassUnknown   Class = "unknown"
)

// TransientClasses are the classes retried when a Policy does not name its own.
var TransientClasses = []Class{
	ClassConnection,
	ClassTimeout,
	ClassDeadlock,
	ClassSerialization,
	ClassLockContention,
}

// ParseClass maps a configuration string onto a Class.
func ParseClass(s string) (Class, error) {
	c := Class(s)
	switch c {
	case ClassConnection, ClassTimeout, ClassDeadlock, ClassSerialization, ClassLockContention,
		ClassIntegrity, ClassAuth, ClassMalformed, ClassUnknown:
		return c, nil
	}
	return "", fmt.Errorf("unknown error class %q", s)
}

// ClassifiedError attaches a Class to an error. Store clients wrap driver
// errors in it at the boundary so the retry loop never inspects driver types.
type ClassifiedError struct {
	Class Class
	Err   error
}

func (e *ClassifiedError) Error() string { return fmt.Sprintf("%s: %v", e.Class, e.Err) }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// Mark wraps err with class c. A nil err stays nil.
func Mark(c Class, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: c, Err: err}
}

// Transient marks err as a connection-level fault.
func Transient(err error) error { return Mark(ClassConnection, err) }

// Integrity marks err as an integrity violation; it is never retried by the
// default policy.
func Integrity(err error) error { return Mark(ClassIntegrity, err) }

// ClassOf reports the class of err. Explicit marks win; otherwise context,
// network and syscall errors are recognised and anything else is unknown.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassCanceled
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, net.ErrClosed) {
		return ClassConnection
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassConnection
	}

	return ClassUnknown
}
