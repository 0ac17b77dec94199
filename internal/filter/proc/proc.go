// Package proc implements the EVFILT_PROC filter. Grounded on
// original_source/src/linux/proc.c's wait_thread, with the process's own
// XXX-FIXME ("Should only have one wait_thread per process. Now, there is
// one thread per kqueue") fixed by demultiplexing one process-wide waiter by
// pid into every queue's PROC filter, per spec.md §9.
package proc

import (
	"runtime"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/kqueue-go/kqueue/internal/filter/pfd"
	"github.com/kqueue-go/kqueue/internal/knote"
	"github.com/kqueue-go/kqueue/internal/kqerrno"
	"github.com/kqueue-go/kqueue/internal/taskpool"
	"github.com/kqueue-go/kqueue/log"
)

// waiter is the process-wide child-exit waiter. It blocks signals 1-31 on its
// dedicated OS thread, repeatedly calls waitid(P_ALL, WEXITED|WNOWAIT) so the
// application's own wait calls still observe the exit, and fans the
// termination out to every Filter watching that pid.
type waiter struct {
	mu       sync.Mutex
	watchers map[int]map[*Filter]struct{}
	wake     chan struct{}
	started  bool
}

var shared = &waiter{
	watchers: make(map[int]map[*Filter]struct{}),
	wake:     make(chan struct{}, 1),
}

func (w *waiter) ensureStarted() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	go w.run()
}

func (w *waiter) subscribe(pid int, f *Filter) {
	w.mu.Lock()
	if w.watchers[pid] == nil {
		w.watchers[pid] = make(map[*Filter]struct{})
	}
	w.watchers[pid][f] = struct{}{}
	w.mu.Unlock()
	w.ensureStarted()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *waiter) unsubscribe(pid int, f *Filter) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if m := w.watchers[pid]; m != nil {
		delete(m, f)
		if len(m) == 0 {
			delete(w.watchers, pid)
		}
	}
}

func (w *waiter) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var full unix.Sigset_t
	for i := 1; i < 32; i++ {
		unix.SigsetAdd(&full, unix.Signal(i))
	}
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &full, nil); err != nil {
		log.Errorf("proc: block signals on waiter thread: %v", err)
	}

	for {
		info, err := waitid(waitIDALL, 0, waitExited|waitNoWait)
		if err != nil {
			switch err {
			case unix.ECHILD:
				<-w.wake
				continue
			case unix.EINTR:
				continue
			default:
				log.Errorf("proc: waitid: %v", err)
				return
			}
		}
		pid := int(info.pid)
		status := exitStatus(info)

		w.mu.Lock()
		watchers := make([]*Filter, 0, len(w.watchers[pid]))
		for f := range w.watchers[pid] {
			watchers = append(watchers, f)
		}
		w.mu.Unlock()

		for _, f := range watchers {
			f.onExit(pid, status)
		}
	}
}

// exitStatus encodes a terminal child state as the kevent.data value: the
// raw exit code for CLD_EXITED, or the standard 128+signal convention for
// CLD_KILLED/CLD_DUMPED -- replacing the original's "arbitrary" 254 sentinel
// noted as a FIXME in proc.c.
func exitStatus(info waitidInfo) int64 {
	switch info.code {
	case cldExited:
		return int64(info.status)
	case cldKilled, cldDumped:
		sig := info.status
		if sig < 0 || sig > 127 {
			sig = 127
		}
		return int64(128 + sig)
	default:
		return 1
	}
}

// Filter implements filter.Filter for EVFILT_PROC.
type Filter struct {
	mu    sync.Mutex
	pfd   *pfd.PFD
	notes map[uintptr]*knote.Knote
}

// New creates a PROC filter. It lazily subscribes to the process-wide
// waiter only once a pid is actually watched.
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

// Copyin arms, updates or removes a watch on the pid named by change.Ident.
func (f *Filter) Copyin(change knote.Kevent) error {
	f.mu.Lock()
	if change.Flags&knote.EV_DELETE != 0 {
		_, ok := f.notes[change.Ident]
		if !ok {
			f.mu.Unlock()
			return kqerrno.New(kqerrno.NoSuchEntry, "proc: delete", nil)
		}
		delete(f.notes, change.Ident)
		f.mu.Unlock()
		shared.unsubscribe(int(change.Ident), f)
		return nil
	}

	n, exists := f.notes[change.Ident]
	if change.Flags&knote.EV_ADD != 0 {
		if !exists {
			n = knote.New(change)
			f.notes[change.Ident] = n
		} else {
			n.Fflags = change.Fflags
			n.Udata = change.Udata
			n.Enabled = true
		}
		exists = true
	}
	if !exists {
		f.mu.Unlock()
		return kqerrno.New(kqerrno.NoSuchEntry, "proc: no such knote", nil)
	}
	if change.Flags&knote.EV_ENABLE != 0 {
		n.Enabled = true
	}
	if change.Flags&knote.EV_DISABLE != 0 {
		n.Enabled = false
	}
	added := change.Flags&knote.EV_ADD != 0
	f.mu.Unlock()

	if added {
		// Signals the waiter's condition so a waitid that returned ECHILD
		// wakes up and observes the newly-watched child.
		shared.subscribe(int(change.Ident), f)
	}
	return nil
}

func (f *Filter) onExit(pid int, status int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.notes[uintptr(pid)]
	if !ok || !n.Enabled {
		return
	}
	n.Data = status
	n.State = knote.Fired
	f.pfd.Raise()
}

// Copyout drains fired proc knotes. Re-arms the pfd if anything remains
// after a collection rather than aborting -- the original's XXX-FIXME
// ("If there are leftover events on the waitq, re-arm... abort()") resolved
// per spec.md §9.
func (f *Filter) Copyout(out []knote.Kevent) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	leftover := false
	for ident, kn := range f.notes {
		if kn.State != knote.Fired {
			continue
		}
		if n >= len(out) {
			leftover = true
			break
		}
		var flags knote.Flags
		if kn.Oneshot {
			flags |= knote.EV_ONESHOT
		}
		out[n] = kn.Event(knote.EVFILT_PROC, flags)
		n++

		delete(f.notes, ident)
		ident := ident
		taskpool.Go(func() { shared.unsubscribe(int(ident), f) })
	}
	f.pfd.Drain()
	if leftover {
		f.pfd.Raise()
	}
	return n, nil
}

// Close releases every pid watch owned by the filter.
func (f *Filter) Close() error {
	f.mu.Lock()
	idents := make([]uintptr, 0, len(f.notes))
	for ident := range f.notes {
		idents = append(idents, ident)
	}
	f.notes = nil
	f.mu.Unlock()
	for _, ident := range idents {
		shared.unsubscribe(int(ident), f)
	}
	return f.pfd.Close()
}
