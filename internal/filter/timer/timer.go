// Package timer implements the EVFILT_TIMER filter: one timerfd per knote,
// programmed from kevent.data in the unit selected by
// NOTE_SECONDS/NOTE_USECONDS/NOTE_NSECONDS (milliseconds otherwise).
// Grounded on original_source/test/timer.cpp's add/del/get/oneshot/periodic/
// disable-enable/dispatch scenarios.
package timer

import (
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kqueue-go/kqueue/internal/filter/pfd"
	"github.com/kqueue-go/kqueue/internal/knote"
	"github.com/kqueue-go/kqueue/internal/kqerrno"
	"github.com/kqueue-go/kqueue/internal/poller"
)

type timerState struct {
	kn     *knote.Knote
	fd     int
	desc   *poller.Desc
	period time.Duration
}

// Filter implements filter.Filter for EVFILT_TIMER.
type Filter struct {
	mu    sync.Mutex
	pfd   *pfd.PFD
	mgr   *poller.PollMgr
	notes map[uintptr]*timerState
}

// New creates a TIMER filter with its own poller manager driving timerfds.
func New() (*Filter, error) {
	p, err := pfd.New()
	if err != nil {
		return nil, err
	}
	mgr, err := poller.NewPollMgr(poller.RoundRobin, 1)
	if err != nil {
		p.Close()
		return nil, err
	}
	return &Filter{pfd: p, mgr: mgr, notes: make(map[uintptr]*timerState)}, nil
}

// PFD returns the filter's notification descriptor.
func (f *Filter) PFD() int {
	return f.pfd.FD()
}

func duration(data int64, fflags knote.Fflags) time.Duration {
	switch {
	case fflags&knote.NOTE_SECONDS != 0:
		return time.Duration(data) * time.Second
	case fflags&knote.NOTE_USECONDS != 0:
		return time.Duration(data) * time.Microsecond
	case fflags&knote.NOTE_NSECONDS != 0:
		return time.Duration(data)
	default:
		return time.Duration(data) * time.Millisecond
	}
}

// Copyin arms, rearms or removes the timerfd for change.Ident.
func (f *Filter) Copyin(change knote.Kevent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if change.Flags&knote.EV_DELETE != 0 {
		st, ok := f.notes[change.Ident]
		if !ok {
			return kqerrno.New(kqerrno.NoSuchEntry, "timer: delete", nil)
		}
		f.destroy(st)
		delete(f.notes, change.Ident)
		return nil
	}

	st, exists := f.notes[change.Ident]
	if change.Flags&knote.EV_ADD != 0 {
		period := duration(change.Data, change.Fflags)
		if period <= 0 {
			return kqerrno.New(kqerrno.InvalidArgument, "timer: non-positive interval", nil)
		}
		if exists {
			f.destroy(st)
		}
		newSt, err := f.arm(change, period)
		if err != nil {
			return kqerrno.New(kqerrno.ResourceExhausted, "timer: arm", err)
		}
		f.notes[change.Ident] = newSt
		return nil
	}
	if !exists {
		return kqerrno.New(kqerrno.NoSuchEntry, "timer: no such knote", nil)
	}
	if change.Flags&knote.EV_ENABLE != 0 {
		st.kn.Enabled = true
	}
	if change.Flags&knote.EV_DISABLE != 0 {
		st.kn.Enabled = false
	}
	return nil
}

func (f *Filter) arm(change knote.Kevent, period time.Duration) (*timerState, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("timerfd_create", err)
	}
	spec := &unix.ItimerSpec{
		Value:    unix.NsecToTimespec(period.Nanoseconds()),
		Interval: unix.NsecToTimespec(period.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(fd, 0, spec, nil); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("timerfd_settime", err)
	}

	kn := knote.New(change)
	st := &timerState{kn: kn, fd: fd, period: period}
	kn.Private = st

	desc := poller.NewDesc()
	desc.FD = fd
	desc.Data = st
	desc.OnRead = func(data interface{}) error {
		return f.onExpire(data.(*timerState))
	}
	if err := desc.PickPollerWithPollMgr(f.mgr); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := desc.Control(poller.Readable); err != nil {
		unix.Close(fd)
		return nil, err
	}
	st.desc = desc
	return st, nil
}

func (f *Filter) onExpire(st *timerState) error {
	buf := make([]byte, 8)
	n, err := unix.Read(st.fd, buf)
	if err != nil && err != unix.EAGAIN {
		return os.NewSyscallError("read timerfd", err)
	}
	if n != 8 {
		return nil
	}
	count := int64(buf[0]) | int64(buf[1])<<8 | int64(buf[2])<<16 | int64(buf[3])<<24 |
		int64(buf[4])<<32 | int64(buf[5])<<40 | int64(buf[6])<<48 | int64(buf[7])<<56

	f.mu.Lock()
	defer f.mu.Unlock()
	if !st.kn.Enabled {
		return nil
	}
	st.kn.Data += count
	st.kn.State = knote.Fired
	f.pfd.Raise()
	return nil
}

func (f *Filter) destroy(st *timerState) {
	if st.desc != nil {
		st.desc.Close()
	}
	unix.Close(st.fd)
}

// Copyout drains fired timer knotes.
func (f *Filter) Copyout(out []knote.Kevent) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for ident, st := range f.notes {
		if n >= len(out) {
			break
		}
		kn := st.kn
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
		out[n] = kn.Event(knote.EVFILT_TIMER, flags)
		n++

		switch {
		case kn.Oneshot:
			f.destroy(st)
			delete(f.notes, ident)
		case kn.Dispatch:
			kn.Enabled = false
			kn.State = knote.Watching
			if kn.Clear {
				kn.Data = 0
			}
		default:
			kn.State = knote.Watching
			if kn.Clear {
				kn.Data = 0
			}
		}
	}
	f.pfd.Drain()
	return n, nil
}

// Close releases every timerfd and the notification descriptor.
func (f *Filter) Close() error {
	f.mu.Lock()
	for _, st := range f.notes {
		f.destroy(st)
	}
	f.notes = nil
	f.mu.Unlock()
	f.mgr.Close()
	return f.pfd.Close()
}
