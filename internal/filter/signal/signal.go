// Package signal implements the EVFILT_SIGNAL filter: watched signals are
// masked process-wide and steered through one shared signalfd, with
// deliveries fanned out to every queue currently watching that signal.
// Grounded on original_source/test/signal.cpp's add/get/disable/enable
// scenarios and spec.md §9's "global signal mask is process-wide shared
// state, reference-counted" design note.
package signal

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/kqueue-go/kqueue/internal/filter/pfd"
	"github.com/kqueue-go/kqueue/internal/knote"
	"github.com/kqueue-go/kqueue/internal/kqerrno"
	"github.com/kqueue-go/kqueue/log"
)

// procMask is the process-wide, reference-counted signal mask shared by
// every SIGNAL filter in the process, across every queue. A signal delivered
// to the process is only ever dequeued once (by whichever thread reads the
// shared signalfd), so delivery must be demultiplexed here rather than by
// giving each filter its own signalfd.
type procMask struct {
	mu       sync.Mutex
	refcount map[unix.Signal]int
	watchers map[unix.Signal]map[*Filter]struct{}
	sigfd    int
}

var shared = &procMask{
	refcount: make(map[unix.Signal]int),
	watchers: make(map[unix.Signal]map[*Filter]struct{}),
	sigfd:    -1,
}

func (p *procMask) maskSet() unix.Sigset_t {
	var set unix.Sigset_t
	for sig := range p.refcount {
		addSignal(&set, sig)
	}
	return set
}

// acquire masks sig process-wide on behalf of f and (re)creates the shared
// signalfd over the full watched set. Must be called with p.mu held.
func (p *procMask) acquire(f *Filter, sig unix.Signal) error {
	if p.watchers[sig] == nil {
		p.watchers[sig] = make(map[*Filter]struct{})
	}
	p.watchers[sig][f] = struct{}{}
	p.refcount[sig]++
	if p.refcount[sig] > 1 {
		return nil
	}
	return p.rebuild()
}

// release unmasks sig once the last watcher goes away. Must be called with
// p.mu held.
func (p *procMask) release(f *Filter, sig unix.Signal) {
	if w := p.watchers[sig]; w != nil {
		delete(w, f)
		if len(w) == 0 {
			delete(p.watchers, sig)
		}
	}
	p.refcount[sig]--
	if p.refcount[sig] <= 0 {
		delete(p.refcount, sig)
		p.rebuild()
	}
}

// rebuild applies the current refcounted set to the process signal mask and
// the shared signalfd. Must be called with p.mu held.
func (p *procMask) rebuild() error {
	set := p.maskSet()
	if err := unix.PthreadSigmask(unix.SIG_SETMASK, &set, nil); err != nil {
		return os.NewSyscallError("pthread_sigmask", err)
	}
	if len(p.refcount) == 0 {
		if p.sigfd >= 0 {
			unix.Close(p.sigfd)
			p.sigfd = -1
		}
		return nil
	}
	fd, err := unix.Signalfd(p.sigfd, &set, unix.SFD_NONBLOCK|unix.SFD_CLOEXEC)
	if err != nil {
		return os.NewSyscallError("signalfd", err)
	}
	if p.sigfd < 0 {
		p.sigfd = fd
		go p.readLoop(fd)
	}
	return nil
}

func (p *procMask) readLoop(fd int) {
	buf := make([]byte, unix.SizeofSignalfdSiginfo)
	for {
		n, err := unix.Read(fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return
		}
		if n != len(buf) {
			continue
		}
		sig := unix.Signal(le32(buf[0:4]))
		p.deliver(sig)
	}
}

func (p *procMask) deliver(sig unix.Signal) {
	p.mu.Lock()
	watchers := make([]*Filter, 0, len(p.watchers[sig]))
	for f := range p.watchers[sig] {
		watchers = append(watchers, f)
	}
	p.mu.Unlock()
	for _, f := range watchers {
		f.onSignal(sig)
	}
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func addSignal(set *unix.Sigset_t, sig unix.Signal) {
	unix.SigsetAdd(set, sig)
}

// Filter implements filter.Filter for EVFILT_SIGNAL.
type Filter struct {
	mu    sync.Mutex
	pfd   *pfd.PFD
	notes map[uintptr]*knote.Knote
}

// New creates a SIGNAL filter with its own notification descriptor.
func New() (*Filter, error) {
	p, err := pfd.New()
	if err != nil {
		return nil, err
	}
	return &Filter{pfd: p, notes: make(map[uintptr]*knote.Knote)}, nil
}

// PFD returns the filter's notification descriptor.
func (f *Filter) PFD() int {
	return f.pfd.FD()
}

// Copyin arms, updates or removes a watch on the signal named by
// change.Ident.
func (f *Filter) Copyin(change knote.Kevent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	sig := unix.Signal(change.Ident)
	if change.Flags&knote.EV_DELETE != 0 {
		if _, ok := f.notes[change.Ident]; !ok {
			return kqerrno.New(kqerrno.NoSuchEntry, "signal: delete", nil)
		}
		delete(f.notes, change.Ident)
		shared.mu.Lock()
		shared.release(f, sig)
		shared.mu.Unlock()
		return nil
	}

	n, exists := f.notes[change.Ident]
	if change.Flags&knote.EV_ADD != 0 {
		if !exists {
			n = knote.New(change)
			f.notes[change.Ident] = n
			shared.mu.Lock()
			err := shared.acquire(f, sig)
			shared.mu.Unlock()
			if err != nil {
				delete(f.notes, change.Ident)
				return kqerrno.New(kqerrno.ResourceExhausted, "signal: acquire", err)
			}
		} else {
			n.Oneshot = change.Flags&knote.EV_ONESHOT != 0
			n.Clear = change.Flags&knote.EV_CLEAR != 0
			n.Dispatch = change.Flags&knote.EV_DISPATCH != 0
			n.Enabled = true
		}
		exists = true
	}
	if !exists {
		return kqerrno.New(kqerrno.NoSuchEntry, "signal: no such knote", nil)
	}
	if change.Flags&knote.EV_ENABLE != 0 {
		n.Enabled = true
	}
	if change.Flags&knote.EV_DISABLE != 0 {
		n.Enabled = false
	}
	return nil
}

// onSignal is invoked by the shared reader when sig is delivered. Disabled
// knotes silently drop the notification (the filter cannot unmask a single
// signal for one watcher without affecting the others).
func (f *Filter) onSignal(sig unix.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.notes[uintptr(sig)]
	if !ok || !n.Enabled {
		return
	}
	n.Data++
	n.State = knote.Fired
	f.pfd.Raise()
}

// Copyout drains fired signal knotes, resetting the coalesced count when
// EV_CLEAR is set.
func (f *Filter) Copyout(out []knote.Kevent) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for ident, kn := range f.notes {
		if n >= len(out) {
			break
		}
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
		out[n] = kn.Event(knote.EVFILT_SIGNAL, flags)
		n++

		switch {
		case kn.Oneshot:
			delete(f.notes, ident)
			shared.mu.Lock()
			shared.release(f, unix.Signal(ident))
			shared.mu.Unlock()
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
	if n == 0 {
		log.Debugf("signal: spurious pfd drain")
	}
	f.pfd.Drain()
	return n, nil
}

// Close releases every signal watch owned by the filter.
func (f *Filter) Close() error {
	f.mu.Lock()
	shared.mu.Lock()
	for ident := range f.notes {
		shared.release(f, unix.Signal(ident))
	}
	shared.mu.Unlock()
	f.notes = nil
	f.mu.Unlock()
	return f.pfd.Close()
}
