// Package readwrite implements the EVFILT_READ and EVFILT_WRITE filters.
// Both are built on internal/poller (the same engine poller_epoll.go drives
// for the teacher's TCP/UDP connections), each Filter instance with its own
// PollMgr; the two filters are distinguished only by which half of a Desc's
// callbacks they populate.
// Grounded on poller_epoll.go/desc.go, trimmed of the iovec batched-readv
// machinery: a READ/WRITE knote's data is a readiness size, not a
// transferred-byte count, so nothing here moves bytes on the caller's
// behalf.
package readwrite

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/kqueue-go/kqueue/internal/filter/pfd"
	"github.com/kqueue-go/kqueue/internal/knote"
	"github.com/kqueue-go/kqueue/internal/kqerrno"
	"github.com/kqueue-go/kqueue/internal/poller"
	"github.com/kqueue-go/kqueue/log"
)

// Direction distinguishes EVFILT_READ from EVFILT_WRITE; both share Filter's
// machinery and only differ in which Desc callback and poller.Event they use.
type Direction int

// The two directions this package implements.
const (
	Read Direction = iota
	Write
)

type entry struct {
	kn    *knote.Knote
	desc  *poller.Desc
	lowat int64
}

// Filter implements filter.Filter for one of EVFILT_READ/EVFILT_WRITE.
type Filter struct {
	dir    Direction
	evfilt knote.Filter

	mu    sync.Mutex
	pfd   *pfd.PFD
	mgr   *poller.PollMgr
	notes map[uintptr]*entry
}

// New creates a READ or WRITE filter with its own epoll-backed poller
// manager over the watched idents.
func New(dir Direction) (*Filter, error) {
	p, err := pfd.New()
	if err != nil {
		return nil, err
	}
	mgr, err := poller.NewPollMgr(poller.RoundRobin, 1, poller.WithIgnoreTaskError(true))
	if err != nil {
		p.Close()
		return nil, err
	}
	evfilt := knote.EVFILT_READ
	if dir == Write {
		evfilt = knote.EVFILT_WRITE
	}
	return &Filter{
		dir:    dir,
		evfilt: evfilt,
		pfd:    p,
		mgr:    mgr,
		notes:  make(map[uintptr]*entry),
	}, nil
}

// PFD returns the filter's notification descriptor.
func (f *Filter) PFD() int {
	return f.pfd.FD()
}

func (f *Filter) pollerEvent(clear bool) poller.Event {
	switch {
	case f.dir == Read && clear:
		// EV_CLEAR must fire once per new condition, not once per epoll
		// readiness report: this filter never drains the descriptor (it only
		// inspects FIONREAD), so a level registration would keep reporting
		// the same stale byte count forever. Edge-triggered registration
		// makes the poller report only genuine transitions.
		return poller.ReadableEdge
	case f.dir == Read:
		return poller.Readable
	case clear:
		return poller.WritableEdge
	default:
		return poller.Writable
	}
}

// Copyin arms, updates or removes a watch on the descriptor named by
// change.Ident.
func (f *Filter) Copyin(change knote.Kevent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if change.Flags&knote.EV_DELETE != 0 {
		e, ok := f.notes[change.Ident]
		if !ok {
			return kqerrno.New(kqerrno.NoSuchEntry, "readwrite: delete", nil)
		}
		e.desc.Close()
		delete(f.notes, change.Ident)
		return nil
	}

	e, exists := f.notes[change.Ident]
	if change.Flags&knote.EV_ADD != 0 {
		if exists {
			e.kn.Oneshot = change.Flags&knote.EV_ONESHOT != 0
			e.kn.Clear = change.Flags&knote.EV_CLEAR != 0
			e.kn.Dispatch = change.Flags&knote.EV_DISPATCH != 0
			e.kn.Enabled = true
			if change.Fflags&knote.NOTE_LOWAT != 0 && change.Data > 0 {
				e.lowat = change.Data
			}
			return nil
		}
		kn := knote.New(change)
		lowat := int64(1)
		if change.Fflags&knote.NOTE_LOWAT != 0 && change.Data > 0 {
			lowat = change.Data
		}
		ne := &entry{kn: kn, lowat: lowat}
		desc := poller.NewDesc()
		desc.FD = int(change.Ident)
		desc.Data = ne
		if f.dir == Read {
			desc.OnRead = f.onReady
		} else {
			desc.OnWrite = f.onReady
		}
		if err := desc.PickPollerWithPollMgr(f.mgr); err != nil {
			return kqerrno.New(kqerrno.ResourceExhausted, "readwrite: pick poller", err)
		}
		if err := desc.Control(f.pollerEvent(kn.Clear)); err != nil {
			return kqerrno.New(kqerrno.ResourceExhausted, "readwrite: control", err)
		}
		ne.desc = desc
		f.notes[change.Ident] = ne
		return nil
	}
	if !exists {
		return kqerrno.New(kqerrno.NoSuchEntry, "readwrite: no such knote", nil)
	}
	if change.Flags&knote.EV_ENABLE != 0 {
		e.kn.Enabled = true
	}
	if change.Flags&knote.EV_DISABLE != 0 {
		e.kn.Enabled = false
	}
	return nil
}

// onReady is the poller.Desc callback invoked once the ident descriptor is
// readable (Read filter) or writable (Write filter). It recomputes the
// knote's readiness payload and moves it onto the eventlist.
func (f *Filter) onReady(data interface{}) error {
	e := data.(*entry)
	kn := e.kn

	f.mu.Lock()
	defer f.mu.Unlock()
	if !kn.Enabled {
		return nil
	}

	size, eof, fflags, err := f.readiness(int(kn.Ident))
	if err != nil {
		return err
	}
	if f.dir == Read && !eof && size < e.lowat {
		// Below the NOTE_LOWAT low-water mark: not yet fireable.
		return nil
	}
	kn.Data = size
	kn.Fflags = fflags
	kn.State = knote.Fired
	kn.Private = eof
	f.pfd.Raise()
	return nil
}

// readiness computes the kevent.data payload for fd: bytes available to
// read (FIONREAD) for the read direction, a constant 1 for the write
// direction. A listening socket reports its accept backlog length.
func (f *Filter) readiness(fd int) (size int64, eof bool, fflags knote.Fflags, err error) {
	if f.dir == Write {
		// SO_SNDBUF headroom isn't portably queryable without a live
		// connection; report 1 to mean "ready", matching the minimum
		// backlog convention spec.md uses for listening sockets.
		return 1, false, 0, nil
	}

	if isListener, backlog := acceptBacklog(fd); isListener {
		if backlog < 1 {
			backlog = 1
		}
		return int64(backlog), false, 0, nil
	}

	var n int
	if errno := ioctlFIONREAD(fd, &n); errno != 0 {
		return 0, false, 0, os.NewSyscallError("ioctl FIONREAD", errno)
	}
	if n == 0 {
		// No bytes queued: either level-idle or peer closed.
		return 0, true, 0, nil
	}
	return int64(n), false, 0, nil
}

func ioctlFIONREAD(fd int, n *int) unix.Errno {
	v, err := unix.IoctlGetInt(fd, unix.FIONREAD)
	if err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return errno
		}
		return unix.EINVAL
	}
	*n = v
	return 0
}

func acceptBacklog(fd int) (isListener bool, backlog int) {
	accept, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ACCEPTCONN)
	if err != nil || accept == 0 {
		return false, 0
	}
	n, err := unix.IoctlGetInt(fd, unix.FIONREAD)
	if err != nil {
		return true, 0
	}
	return true, n
}

// Copyout drains fired read/write knotes.
func (f *Filter) Copyout(out []knote.Kevent) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for ident, e := range f.notes {
		if n >= len(out) {
			break
		}
		kn := e.kn
		if kn.State != knote.Fired {
			continue
		}
		var flags knote.Flags
		if kn.Clear {
			flags |= knote.EV_CLEAR
		}
		if kn.Oneshot {
			flags |= knote.EV_ONESHOT
		}
		if kn.Dispatch {
			flags |= knote.EV_DISPATCH
		}
		if eof, _ := kn.Private.(bool); eof {
			flags |= knote.EV_EOF
		}
		out[n] = kn.Event(f.evfilt, flags)
		n++

		switch {
		case kn.Oneshot:
			e.desc.Close()
			delete(f.notes, ident)
		case kn.Dispatch:
			kn.Enabled = false
			kn.State = knote.Watching
		case kn.Clear:
			kn.Data = 0
			kn.State = knote.Watching
		default:
			// Level semantics: stays fired-eligible, re-evaluated on the
			// poller's next readiness edge, which epoll keeps re-delivering
			// for as long as the condition holds.
			kn.State = knote.Watching
		}
	}
	if n == 0 {
		log.Debugf("readwrite: spurious pfd drain")
	}
	f.pfd.Drain()
	return n, nil
}

// Close releases every watched descriptor's Desc and the filter's own
// notification descriptor.
func (f *Filter) Close() error {
	f.mu.Lock()
	for _, e := range f.notes {
		e.desc.Close()
	}
	f.notes = nil
	f.mu.Unlock()
	f.mgr.Close()
	return f.pfd.Close()
}
