// Package kqueue emulates BSD kqueue/kevent semantics on Linux: a Queue
// multiplexes readiness on file descriptors, filesystem nodes, child
// process exits, signals, timers and user-defined events behind the same
// change-list/event-list contract the BSD kevent(2) syscall exposes.
package kqueue

import (
	"time"

	"github.com/kqueue-go/kqueue/internal/knote"
	"github.com/kqueue-go/kqueue/internal/kq"
)

// Filter selects an event class.
type Filter = knote.Filter

// Supported filters.
const (
	EVFILT_READ   = knote.EVFILT_READ
	EVFILT_WRITE  = knote.EVFILT_WRITE
	EVFILT_VNODE  = knote.EVFILT_VNODE
	EVFILT_PROC   = knote.EVFILT_PROC
	EVFILT_SIGNAL = knote.EVFILT_SIGNAL
	EVFILT_TIMER  = knote.EVFILT_TIMER
	EVFILT_USER   = knote.EVFILT_USER
)

// Flags are the generic, filter-independent kevent.flags bits.
type Flags = knote.Flags

// Generic kevent flags.
const (
	EV_ADD      = knote.EV_ADD
	EV_DELETE   = knote.EV_DELETE
	EV_ENABLE   = knote.EV_ENABLE
	EV_DISABLE  = knote.EV_DISABLE
	EV_ONESHOT  = knote.EV_ONESHOT
	EV_CLEAR    = knote.EV_CLEAR
	EV_RECEIPT  = knote.EV_RECEIPT
	EV_DISPATCH = knote.EV_DISPATCH
	EV_ERROR    = knote.EV_ERROR
	EV_EOF      = knote.EV_EOF
)

// Fflags are the filter-specific kevent.fflags bits.
type Fflags = knote.Fflags

// VNODE fflags.
const (
	NOTE_DELETE = knote.NOTE_DELETE
	NOTE_WRITE  = knote.NOTE_WRITE
	NOTE_EXTEND = knote.NOTE_EXTEND
	NOTE_ATTRIB = knote.NOTE_ATTRIB
	NOTE_LINK   = knote.NOTE_LINK
	NOTE_RENAME = knote.NOTE_RENAME
	NOTE_REVOKE = knote.NOTE_REVOKE
)

// PROC fflags.
const (
	NOTE_EXIT = knote.NOTE_EXIT
	NOTE_FORK = knote.NOTE_FORK
	NOTE_EXEC = knote.NOTE_EXEC
)

// TIMER fflags.
const (
	NOTE_SECONDS  = knote.NOTE_SECONDS
	NOTE_USECONDS = knote.NOTE_USECONDS
	NOTE_NSECONDS = knote.NOTE_NSECONDS
)

// USER fflags.
const (
	NOTE_FFNOP      = knote.NOTE_FFNOP
	NOTE_FFAND      = knote.NOTE_FFAND
	NOTE_FFOR       = knote.NOTE_FFOR
	NOTE_FFCOPY     = knote.NOTE_FFCOPY
	NOTE_FFCTRLMASK = knote.NOTE_FFCTRLMASK
	NOTE_FFLAGSMASK = knote.NOTE_FFLAGSMASK
	NOTE_TRIGGER    = knote.NOTE_TRIGGER
)

// Kevent is the wire record exchanged with a Queue: a change when
// submitted, an event when collected.
type Kevent = knote.Kevent

// Options configures a Queue.
type Options struct {
	// IgnoreFilterFault keeps Submit's collection running past a single filter's
	// internal error instead of surfacing it to the caller, logging it and
	// continuing with whatever the remaining filters have ready.
	IgnoreFilterFault bool
}

// Option configures a Queue at construction time.
type Option func(*Options)

// WithIgnoreFilterFault sets Options.IgnoreFilterFault.
func WithIgnoreFilterFault(ignore bool) Option {
	return func(o *Options) { o.IgnoreFilterFault = ignore }
}

// Queue is a kqueue-equivalent handle. The zero value is not usable; create
// one with NewQueue.
type Queue struct {
	q *kq.Queue
}

// NewQueue creates an empty queue with no watched idents. Filters are
// created lazily as changes reference them.
func NewQueue(opts ...Option) (*Queue, error) {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	q, err := kq.New(kq.Options{IgnoreFilterFault: o.IgnoreFilterFault})
	if err != nil {
		return nil, err
	}
	return &Queue{q: q}, nil
}

// FD returns the queue's aggregate readiness descriptor. It is itself
// poll/select/epoll-able, mirroring how a BSD kqueue(2) descriptor can be
// nested inside another kqueue.
func (q *Queue) FD() int {
	return q.q.FD()
}

// Submit registers changes and then waits for up to len(events) events to
// become ready, returning as soon as at least one is, or when timeout
// elapses. A nil timeout blocks indefinitely; a zero timeout returns
// immediately with whatever is already ready. Passing a nil or empty events
// slice applies changes without waiting for or collecting anything.
func (q *Queue) Submit(changes []Kevent, events []Kevent, timeout *time.Duration) (int, error) {
	return q.q.Submit(changes, events, timeout)
}

// Close releases every filter and the aggregate descriptor. It waits for
// any Submit collecting events to finish first.
func (q *Queue) Close() error {
	return q.q.Close()
}
