// Package vnode implements the EVFILT_VNODE filter on top of fsnotify (the
// same inotify wrapper SeleniaProject-Orizon's vfs package uses for its own
// build-watch mode), translating NOTE_DELETE/NOTE_WRITE/NOTE_ATTRIB/
// NOTE_RENAME/NOTE_EXTEND/NOTE_LINK requests into a native watch and native
// events back into fflags.
package vnode

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/kqueue-go/kqueue/internal/filter/pfd"
	"github.com/kqueue-go/kqueue/internal/knote"
	"github.com/kqueue-go/kqueue/internal/kqerrno"
	"github.com/kqueue-go/kqueue/log"
)

type watch struct {
	kn   *knote.Knote
	path string
	size int64
}

// Filter implements filter.Filter for EVFILT_VNODE.
type Filter struct {
	mu      sync.Mutex
	pfd     *pfd.PFD
	w       *fsnotify.Watcher
	byIdent map[uintptr]*watch
	// byPath maps each watched path to the knote's own watch record, not to
	// a mutable index, so that a rename -- which drops and re-reports the path -- can never
	// leave two idents pointing at one stale slot (the defect the original
	// vnode implementation's "two renames cause memory corruption" comment
	// describes).
	byPath map[string]*watch
}

// New creates a VNODE filter backed by its own inotify instance.
func New() (*Filter, error) {
	p, err := pfd.New()
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		p.Close()
		return nil, err
	}
	f := &Filter{
		pfd:     p,
		w:       w,
		byIdent: make(map[uintptr]*watch),
		byPath:  make(map[string]*watch),
	}
	go f.loop()
	return f, nil
}

// PFD returns the filter's notification descriptor.
func (f *Filter) PFD() int {
	return f.pfd.FD()
}

func fdPath(fd uintptr) (string, error) {
	return os.Readlink(fmt.Sprintf("/proc/self/fd/%d", fd))
}

// Copyin arms, updates or removes a watch on the file descriptor named by
// change.Ident.
func (f *Filter) Copyin(change knote.Kevent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if change.Flags&knote.EV_DELETE != 0 {
		wv, ok := f.byIdent[change.Ident]
		if !ok {
			return kqerrno.New(kqerrno.NoSuchEntry, "vnode: delete", nil)
		}
		f.unwatch(wv)
		return nil
	}

	wv, exists := f.byIdent[change.Ident]
	if change.Flags&knote.EV_ADD != 0 {
		if exists {
			wv.kn.Fflags = change.Fflags
			wv.kn.Udata = change.Udata
			wv.kn.Enabled = true
			return nil
		}
		path, err := fdPath(change.Ident)
		if err != nil {
			return kqerrno.New(kqerrno.InvalidArgument, "vnode: resolve fd path", err)
		}
		if err := f.w.Add(path); err != nil {
			return kqerrno.New(kqerrno.ResourceExhausted, "vnode: watch add", err)
		}
		var size int64
		if fi, err := os.Stat(path); err == nil {
			size = fi.Size()
		}
		kn := knote.New(change)
		wv = &watch{kn: kn, path: path, size: size}
		f.byIdent[change.Ident] = wv
		f.byPath[path] = wv
		return nil
	}
	if !exists {
		return kqerrno.New(kqerrno.NoSuchEntry, "vnode: no such knote", nil)
	}
	if change.Flags&knote.EV_ENABLE != 0 {
		wv.kn.Enabled = true
	}
	if change.Flags&knote.EV_DISABLE != 0 {
		wv.kn.Enabled = false
	}
	return nil
}

func (f *Filter) unwatch(wv *watch) {
	f.w.Remove(wv.path)
	delete(f.byIdent, wv.kn.Ident)
	delete(f.byPath, wv.path)
}

func (f *Filter) loop() {
	for {
		select {
		case ev, ok := <-f.w.Events:
			if !ok {
				return
			}
			f.handle(ev)
		case err, ok := <-f.w.Errors:
			if !ok {
				return
			}
			log.Warnf("vnode: watcher error: %v", err)
		}
	}
}

func (f *Filter) handle(ev fsnotify.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	wv, ok := f.byPath[ev.Name]
	if !ok {
		return
	}
	kn := wv.kn
	if !kn.Enabled {
		return
	}

	var fflags knote.Fflags
	switch {
	case ev.Op&fsnotify.Remove != 0:
		fflags |= knote.NOTE_DELETE
	case ev.Op&fsnotify.Rename != 0:
		fflags |= knote.NOTE_RENAME
	case ev.Op&fsnotify.Write != 0:
		fflags |= knote.NOTE_WRITE
		if fi, err := os.Stat(wv.path); err == nil {
			if fi.Size() > wv.size {
				fflags |= knote.NOTE_EXTEND
			}
			wv.size = fi.Size()
		}
	case ev.Op&fsnotify.Chmod != 0:
		fflags |= knote.NOTE_ATTRIB
	case ev.Op&fsnotify.Create != 0:
		fflags |= knote.NOTE_LINK
	}
	fflags &= kn.Fflags
	if fflags == 0 {
		return
	}
	kn.Fflags = fflags
	kn.State = knote.Fired
	f.pfd.Raise()

	// inotify auto-removes its watch when the file disappears; NOTE_DELETE
	// fires once and the knote goes with it.
	if fflags&knote.NOTE_DELETE != 0 {
		delete(f.byPath, wv.path)
	}
}

// Copyout drains fired vnode knotes.
func (f *Filter) Copyout(out []knote.Kevent) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for ident, wv := range f.byIdent {
		if n >= len(out) {
			break
		}
		kn := wv.kn
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
		out[n] = kn.Event(knote.EVFILT_VNODE, flags)
		n++

		destroyed := kn.Oneshot || kn.Fflags&knote.NOTE_DELETE != 0
		switch {
		case destroyed:
			delete(f.byIdent, ident)
			delete(f.byPath, wv.path)
		case kn.Dispatch:
			kn.Enabled = false
			kn.State = knote.Watching
		default:
			kn.State = knote.Watching
		}
	}
	f.pfd.Drain()
	return n, nil
}

// Close releases every watch and the underlying inotify instance.
func (f *Filter) Close() error {
	f.mu.Lock()
	f.byIdent = nil
	f.byPath = nil
	f.mu.Unlock()
	f.w.Close()
	return f.pfd.Close()
}
