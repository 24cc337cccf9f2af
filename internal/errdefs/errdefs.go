// Package errdefs defines the error taxonomy of §7: Decode, Auth,
// Routing, Backpressure, Timeout and Fatal classes, wrapped the same
// way moby-moby's own errdefs package wraps internal errors into a
// small set of marker interfaces — here re-using
// github.com/containerd/errdefs's markers directly instead of
// reinventing them, so that api/controlgrpc can translate straight to
// gRPC status codes via containerd/errdefs/pkg/errgrpc conventions.
package errdefs

import (
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
)

// Class names one of the §7 error taxonomy buckets.
type Class int

const (
	ClassDecode Class = iota
	ClassAuth
	ClassRouting
	ClassBackpressure
	ClassTimeout
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassDecode:
		return "decode"
	case ClassAuth:
		return "auth"
	case ClassRouting:
		return "routing"
	case ClassBackpressure:
		return "backpressure"
	case ClassTimeout:
		return "timeout"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with its §7 class. Decode and Auth
// errors implement cerrdefs.InvalidArgument so callers (and the gRPC
// translation layer) can test with cerrdefs.IsInvalidArgument without
// needing to know about this package. Timeout implements
// cerrdefs.DeadlineExceeded; Backpressure implements
// cerrdefs.Unavailable; Routing implements cerrdefs.NotFound; Fatal
// implements cerrdefs.Internal.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) InvalidParameter() {}
func (e *Error) NotFound()         {}
func (e *Error) Unavailable()      {}
func (e *Error) DeadlineExceeded() {}
func (e *Error) System()           {}

// New builds a classified error. Op names the operation that failed,
// e.g. "envelope.Decode" or "secure.Open".
func New(class Class, op string, err error) *Error {
	return &Error{Class: class, Op: op, Err: err}
}

func Decode(op string, err error) error       { return New(ClassDecode, op, err) }
func Auth(op string, err error) error         { return New(ClassAuth, op, err) }
func Routing(op string, err error) error      { return New(ClassRouting, op, err) }
func Backpressure(op string, err error) error { return New(ClassBackpressure, op, err) }
func Timeout(op string, err error) error      { return New(ClassTimeout, op, err) }
func Fatal(op string, err error) error        { return New(ClassFatal, op, err) }

// ClassOf extracts the Class of err if it (or something it wraps) is
// an *Error, defaulting to ClassFatal for anything unrecognised so an
// uninstrumented error never silently downgrades to "safe to ignore".
func ClassOf(err error) Class {
	var e *Error
	if ok := as(err, &e); ok {
		return e.Class
	}
	return ClassFatal
}

func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
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

// IsNotFound reports whether err is, or wraps, a Routing-class error
// (falling back to cerrdefs.IsNotFound for errors of other packages),
// matching cerrdefs.IsNotFound's contract for interop with any
// caller that already speaks containerd/errdefs.
func IsNotFound(err error) bool {
	var e *Error
	if as(err, &e) {
		return e.Class == ClassRouting
	}
	return cerrdefs.IsNotFound(err)
}
