// Package kqerrno provides the structured error taxonomy used across the
// queue dispatcher and its filters, and the mapping of each error kind to a
// BSD-kqueue-compatible errno value for EV_ERROR echoes and the
// queue_submit(2)-style return convention.
package kqerrno

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Kind discriminates the taxonomy of spec.md §7.
type Kind int

// Kinds of errors a filter or the dispatcher can report.
const (
	// InvalidArgument covers an unknown filter, a malformed flag
	// combination, or an out-of-range timer value.
	InvalidArgument Kind = iota
	// NoSuchEntry covers EV_DELETE/EV_ENABLE/EV_DISABLE on a (filter, ident)
	// with no knote.
	NoSuchEntry
	// AlreadyExists covers an EV_ADD conflict when the caller explicitly
	// asked to be told about it.
	AlreadyExists
	// ResourceExhausted covers a failure to allocate a kernel handle
	// (timerfd, inotify watch, signalfd, epoll).
	ResourceExhausted
	// Interrupted covers a transient EINTR from an underlying syscall; the
	// caller is expected to retry.
	Interrupted
	// FilterFault covers a broken internal filter invariant (e.g. eventlist
	// non-empty after drain that the filter could not recover from).
	FilterFault
)

// Error is a structured, errno-compatible error.
type Error struct {
	Kind Kind
	Op   string
	err  error
}

// New builds an Error of the given kind, wrapping cause with op for context.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, err: errors.Wrap(cause, op)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("kqerrno: %s: %s", e.Op, e.Kind)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.err
}

// String implements fmt.Stringer for Kind.
func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid argument"
	case NoSuchEntry:
		return "no such entry"
	case AlreadyExists:
		return "already exists"
	case ResourceExhausted:
		return "resource exhausted"
	case Interrupted:
		return "interrupted"
	case FilterFault:
		return "filter fault"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Errno maps a Kind to the BSD-kqueue-compatible errno a caller would expect
// to see in an EV_ERROR event's data field, or as the process-wide errno set
// by a failing queue_submit call.
func (k Kind) Errno() unix.Errno {
	switch k {
	case InvalidArgument:
		return unix.EINVAL
	case NoSuchEntry:
		return unix.ENOENT
	case AlreadyExists:
		return unix.EEXIST
	case ResourceExhausted:
		return unix.ENOMEM
	case Interrupted:
		return unix.EINTR
	case FilterFault:
		return unix.EBADF
	default:
		return unix.EINVAL
	}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, otherwise
// reports InvalidArgument as a conservative default.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return InvalidArgument
}

// Errno extracts the BSD errno that err should be reported as.
func Errno(err error) unix.Errno {
	return KindOf(err).Errno()
}
