// Package knote defines the wire-level kevent vocabulary and the Knote
// record that every filter implementation shares: the stored kevent value,
// its watchlist/eventlist membership state, and the disposition bits derived
// from EV_ONESHOT/EV_CLEAR/EV_DISPATCH.
package knote

import "fmt"

// Filter selects an event class. Values match FreeBSD/libkqueue numbering so
// that callers porting kevent-based code see the same constants.
type Filter int16

// Filter classes, one per supported event source.
const (
	EVFILT_READ   Filter = -1
	EVFILT_WRITE  Filter = -2
	EVFILT_AIO    Filter = -3
	EVFILT_VNODE  Filter = -4
	EVFILT_PROC   Filter = -5
	EVFILT_SIGNAL Filter = -6
	EVFILT_TIMER  Filter = -7
	EVFILT_FS     Filter = -9
	EVFILT_USER   Filter = -11
)

// String implements fmt.Stringer.
func (f Filter) String() string {
	switch f {
	case EVFILT_READ:
		return "EVFILT_READ"
	case EVFILT_WRITE:
		return "EVFILT_WRITE"
	case EVFILT_VNODE:
		return "EVFILT_VNODE"
	case EVFILT_PROC:
		return "EVFILT_PROC"
	case EVFILT_SIGNAL:
		return "EVFILT_SIGNAL"
	case EVFILT_TIMER:
		return "EVFILT_TIMER"
	case EVFILT_USER:
		return "EVFILT_USER"
	default:
		return fmt.Sprintf("Filter(%d)", int16(f))
	}
}

// Flags are the generic, filter-independent kevent.flags bits.
type Flags uint16

// Generic kevent flags.
const (
	EV_ADD      Flags = 0x0001
	EV_DELETE   Flags = 0x0002
	EV_ENABLE   Flags = 0x0004
	EV_DISABLE  Flags = 0x0008
	EV_ONESHOT  Flags = 0x0010
	EV_CLEAR    Flags = 0x0020
	EV_RECEIPT  Flags = 0x0040
	EV_DISPATCH Flags = 0x0080
	EV_ERROR    Flags = 0x4000
	EV_EOF      Flags = 0x8000
)

// Fflags are the filter-specific kevent.fflags bits. Meaning depends on Filter.
type Fflags uint32

// VNODE fflags.
const (
	NOTE_DELETE Fflags = 0x0001
	NOTE_WRITE  Fflags = 0x0002
	NOTE_EXTEND Fflags = 0x0004
	NOTE_ATTRIB Fflags = 0x0008
	NOTE_LINK   Fflags = 0x0010
	NOTE_RENAME Fflags = 0x0020
	NOTE_REVOKE Fflags = 0x0040
)

// READ fflags.
const (
	NOTE_LOWAT Fflags = 0x0001
)

// PROC fflags.
const (
	NOTE_EXIT Fflags = 0x80000000
	NOTE_FORK Fflags = 0x40000000
	NOTE_EXEC Fflags = 0x20000000
)

// TIMER fflags: unit selectors, milliseconds is the default when none is set.
const (
	NOTE_SECONDS  Fflags = 0x00000001
	NOTE_USECONDS Fflags = 0x00000002
	NOTE_NSECONDS Fflags = 0x00000004
)

// USER fflags: control bits and operand mask.
const (
	NOTE_FFNOP      Fflags = 0x00000000
	NOTE_FFAND      Fflags = 0x40000000
	NOTE_FFOR       Fflags = 0x80000000
	NOTE_FFCOPY     Fflags = 0xc0000000
	NOTE_FFCTRLMASK Fflags = 0xc0000000
	NOTE_FFLAGSMASK Fflags = 0x00ffffff
	NOTE_TRIGGER    Fflags = 0x01000000
)

// Kevent is the wire record exchanged with callers: a change when submitted,
// an event when collected.
type Kevent struct {
	Ident  uintptr
	Filter Filter
	Flags  Flags
	Fflags Fflags
	Data   int64
	Udata  interface{}
}

// State is a knote's watchlist/eventlist membership.
type State int32

// Membership states. A knote is on at most one of watchlist/eventlist.
const (
	Unlinked State = iota
	Watching
	Fired
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Unlinked:
		return "unlinked"
	case Watching:
		return "watching"
	case Fired:
		return "fired"
	default:
		return "invalid"
	}
}

// Knote is the registered interest for one (filter, ident) pair. Filters
// serialize access to a Knote with their own lock; Knote itself holds no
// lock so filters can batch field updates under one critical section.
type Knote struct {
	Ident  uintptr
	Flags  Flags
	Fflags Fflags
	Data   int64
	Udata  interface{}

	State State

	// Enabled mirrors EV_ENABLE/EV_DISABLE. A disabled knote does not fire:
	// the filter either masks the kernel source or drops notifications for
	// it while disabled.
	Enabled bool

	// Oneshot/Clear/Dispatch are the disposition bits materialized from
	// EV_ONESHOT/EV_CLEAR/EV_DISPATCH at EV_ADD time.
	Oneshot  bool
	Clear    bool
	Dispatch bool

	// Private holds filter-specific state: a timerfd, an inotify watch
	// descriptor, a cached signal count, and so on. Only the owning filter
	// ever reads or writes it.
	Private interface{}
}

// New builds a Knote for change, applying the disposition bits implied by
// its flags. The caller is responsible for installing it into a filter's
// watchlist.
func New(change Kevent) *Knote {
	return &Knote{
		Ident:    change.Ident,
		Fflags:   change.Fflags,
		Udata:    change.Udata,
		State:    Watching,
		Enabled:  true,
		Oneshot:  change.Flags&EV_ONESHOT != 0,
		Clear:    change.Flags&EV_CLEAR != 0,
		Dispatch: change.Flags&EV_DISPATCH != 0,
	}
}

// Event renders the knote's current state as an outgoing Kevent for filter f.
func (k *Knote) Event(f Filter, extraFlags Flags) Kevent {
	return Kevent{
		Ident:  k.Ident,
		Filter: f,
		Flags:  extraFlags,
		Fflags: k.Fflags,
		Data:   k.Data,
		Udata:  k.Udata,
	}
}
