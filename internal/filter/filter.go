// Package filter defines the contract every event class (READ, WRITE, VNODE,
// PROC, SIGNAL, TIMER, USER) implements and the queue dispatcher
// (internal/kq) drives.
package filter

import "github.com/kqueue-go/kqueue/internal/knote"

// Filter is the per-class container and state machine for one event class.
// A Filter owns a private notification fd ("pfd") registered into the
// queue's aggregate readiness descriptor, a mutex guarding its knote lists,
// a watchlist and an eventlist.
type Filter interface {
	// Copyin applies one change to the filter: creates, updates or deletes
	// the knote for change.Ident and arms/disarms the underlying kernel
	// primitive accordingly.
	Copyin(change knote.Kevent) error

	// Copyout drains up to len(out) fired knotes from the eventlist into
	// out, applying oneshot-delete/dispatch-disable/clear-reset
	// disposition, and returns how many were written.
	Copyout(out []knote.Kevent) (int, error)

	// PFD returns the filter's private notification descriptor, registered
	// by the queue into its aggregate epoll set.
	PFD() int

	// Close releases every knote owned by the filter and the filter's
	// kernel handles.
	Close() error
}
