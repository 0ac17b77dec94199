package vnode_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kqueue-go/kqueue/internal/filter/vnode"
	"github.com/kqueue-go/kqueue/internal/knote"
)

func waitFired(t *testing.T, f *vnode.Filter) knote.Kevent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		out := make([]knote.Kevent, 4)
		n, err := f.Copyout(out)
		require.NoError(t, err)
		if n > 0 {
			return out[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("watch never fired")
	return knote.Kevent{}
}

func TestVnodeWriteFires(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))

	fh, err := os.Open(path)
	require.NoError(t, err)
	defer fh.Close()

	f, err := vnode.New()
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Copyin(knote.Kevent{
		Ident: uintptr(fh.Fd()), Filter: knote.EVFILT_VNODE, Flags: knote.EV_ADD,
		Fflags: knote.NOTE_WRITE | knote.NOTE_EXTEND,
	}))

	require.NoError(t, os.WriteFile(path, []byte("abcdef"), 0o644))

	ev := waitFired(t, f)
	assert.NotZero(t, ev.Fflags&knote.NOTE_WRITE)
}

func TestVnodeDeleteFiresAndDestroysKnote(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))

	fh, err := os.Open(path)
	require.NoError(t, err)
	defer fh.Close()

	f, err := vnode.New()
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Copyin(knote.Kevent{
		Ident: uintptr(fh.Fd()), Filter: knote.EVFILT_VNODE, Flags: knote.EV_ADD,
		Fflags: knote.NOTE_DELETE,
	}))
	require.NoError(t, os.Remove(path))

	ev := waitFired(t, f)
	assert.NotZero(t, ev.Fflags&knote.NOTE_DELETE)

	err = f.Copyin(knote.Kevent{Ident: uintptr(fh.Fd()), Filter: knote.EVFILT_VNODE, Flags: knote.EV_ENABLE})
	assert.Error(t, err, "the watch is gone once the file it names is deleted")
}

func TestVnodeDeleteUnknown(t *testing.T) {
	f, err := vnode.New()
	require.NoError(t, err)
	defer f.Close()

	err = f.Copyin(knote.Kevent{Ident: 99, Filter: knote.EVFILT_VNODE, Flags: knote.EV_DELETE})
	assert.Error(t, err)
}
