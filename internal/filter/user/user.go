// Package user implements the EVFILT_USER filter: a purely in-process event
// class driven by the NOTE_FFCTRLMASK/NOTE_FFLAGSMASK/NOTE_TRIGGER algebra
// instead of any kernel source. Grounded on
// original_source/test/user.cpp's add/get/disable-enable/oneshot/
// multi-trigger-merged scenarios.
package user

import (
	"sync"

	"github.com/kqueue-go/kqueue/internal/filter/pfd"
	"github.com/kqueue-go/kqueue/internal/knote"
	"github.com/kqueue-go/kqueue/internal/kqerrno"
	"github.com/kqueue-go/kqueue/log"
)

// Filter implements filter.Filter for EVFILT_USER.
type Filter struct {
	mu    sync.Mutex
	pfd   *pfd.PFD
	notes map[uintptr]*knote.Knote
}

// New creates a USER filter with its own notification descriptor.
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

// Copyin applies one change: EV_ADD creates or updates, EV_DELETE removes,
// EV_ENABLE/EV_DISABLE toggle, and a bare trigger (no EV_ADD/EV_DELETE)
// applies the NOTE_FFCTRLMASK operator and fires if NOTE_TRIGGER is set.
func (f *Filter) Copyin(change knote.Kevent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if change.Flags&knote.EV_DELETE != 0 {
		if _, ok := f.notes[change.Ident]; !ok {
			return kqerrno.New(kqerrno.NoSuchEntry, "user: delete", nil)
		}
		delete(f.notes, change.Ident)
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
			n.Oneshot = change.Flags&knote.EV_ONESHOT != 0
			n.Clear = change.Flags&knote.EV_CLEAR != 0
			n.Dispatch = change.Flags&knote.EV_DISPATCH != 0
			n.Enabled = true
		}
		exists = true
	}
	if !exists {
		return kqerrno.New(kqerrno.NoSuchEntry, "user: no such knote", nil)
	}

	if change.Flags&knote.EV_ENABLE != 0 {
		n.Enabled = true
	}
	if change.Flags&knote.EV_DISABLE != 0 {
		n.Enabled = false
	}

	if change.Fflags&knote.NOTE_TRIGGER != 0 || change.Flags&knote.EV_ADD == 0 && change.Fflags != 0 {
		applyFFlags(n, change.Fflags)
		if n.State == knote.Fired {
			f.pfd.Raise()
		}
	}
	return nil
}

// applyFFlags implements the control algebra: NOTE_FFCTRLMASK selects an
// operator applied to NOTE_FFLAGSMASK bits, NOTE_TRIGGER requests delivery.
// Multiple triggers before the knote is drained coalesce into one fire.
func applyFFlags(n *knote.Knote, fflags knote.Fflags) {
	operand := fflags & knote.NOTE_FFLAGSMASK
	switch fflags & knote.NOTE_FFCTRLMASK {
	case knote.NOTE_FFAND:
		n.Fflags &= operand
	case knote.NOTE_FFOR:
		n.Fflags |= operand
	case knote.NOTE_FFCOPY:
		n.Fflags = operand
	}
	if fflags&knote.NOTE_TRIGGER != 0 && n.Enabled {
		n.State = knote.Fired
	}
}

// Copyout drains fired knotes, masking delivered fflags down to
// NOTE_FFLAGSMASK (control bits and NOTE_TRIGGER never reach the caller).
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
		visible := kn.Fflags & knote.NOTE_FFLAGSMASK
		out[n] = knote.Kevent{
			Ident:  kn.Ident,
			Filter: knote.EVFILT_USER,
			Flags:  flags,
			Fflags: visible,
			Data:   kn.Data,
			Udata:  kn.Udata,
		}
		n++

		switch {
		case kn.Oneshot:
			delete(f.notes, ident)
		case kn.Dispatch:
			kn.Enabled = false
			kn.State = knote.Watching
		default:
			kn.State = knote.Watching
		}
	}
	if n == 0 {
		log.Debugf("user: spurious pfd drain")
	}
	f.pfd.Drain()
	return n, nil
}

// Close releases the notification descriptor; no kernel resources are held
// per knote.
func (f *Filter) Close() error {
	f.mu.Lock()
	f.notes = nil
	f.mu.Unlock()
	return f.pfd.Close()
}
