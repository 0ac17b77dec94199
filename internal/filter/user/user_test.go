package user_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kqueue-go/kqueue/internal/filter/user"
	"github.com/kqueue-go/kqueue/internal/knote"
)

func TestUserAddAndTrigger(t *testing.T) {
	f, err := user.New()
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Copyin(knote.Kevent{Ident: 1, Filter: knote.EVFILT_USER, Flags: knote.EV_ADD}))

	out := make([]knote.Kevent, 4)
	n, err := f.Copyout(out)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, f.Copyin(knote.Kevent{Ident: 1, Filter: knote.EVFILT_USER, Fflags: knote.NOTE_TRIGGER}))
	n, err = f.Copyout(out)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, knote.EVFILT_USER, out[0].Filter)
	assert.Equal(t, knote.Fflags(0), out[0].Fflags&knote.NOTE_FFCTRLMASK)
}

func TestUserMultiTriggerMerged(t *testing.T) {
	f, err := user.New()
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Copyin(knote.Kevent{Ident: 1, Filter: knote.EVFILT_USER, Flags: knote.EV_ADD | knote.EV_CLEAR}))
	require.NoError(t, f.Copyin(knote.Kevent{Ident: 1, Filter: knote.EVFILT_USER, Fflags: knote.NOTE_TRIGGER}))
	require.NoError(t, f.Copyin(knote.Kevent{Ident: 1, Filter: knote.EVFILT_USER, Fflags: knote.NOTE_TRIGGER}))

	out := make([]knote.Kevent, 4)
	n, err := f.Copyout(out)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "coalesced triggers deliver as a single event")
}

func TestUserOneshotRemoved(t *testing.T) {
	f, err := user.New()
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Copyin(knote.Kevent{Ident: 1, Filter: knote.EVFILT_USER, Flags: knote.EV_ADD | knote.EV_ONESHOT}))
	require.NoError(t, f.Copyin(knote.Kevent{Ident: 1, Filter: knote.EVFILT_USER, Fflags: knote.NOTE_TRIGGER}))

	out := make([]knote.Kevent, 4)
	n, err := f.Copyout(out)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	err = f.Copyin(knote.Kevent{Ident: 1, Filter: knote.EVFILT_USER, Flags: knote.EV_ENABLE})
	assert.Error(t, err, "oneshot knote is gone after its one delivery")
}

func TestUserDisableSuppressesTrigger(t *testing.T) {
	f, err := user.New()
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Copyin(knote.Kevent{Ident: 1, Filter: knote.EVFILT_USER, Flags: knote.EV_ADD | knote.EV_DISABLE}))
	require.NoError(t, f.Copyin(knote.Kevent{Ident: 1, Filter: knote.EVFILT_USER, Fflags: knote.NOTE_TRIGGER}))

	out := make([]knote.Kevent, 4)
	n, err := f.Copyout(out)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a disabled knote does not fire")
}

func TestUserDeleteUnknown(t *testing.T) {
	f, err := user.New()
	require.NoError(t, err)
	defer f.Close()

	err = f.Copyin(knote.Kevent{Ident: 99, Filter: knote.EVFILT_USER, Flags: knote.EV_DELETE})
	assert.Error(t, err)
}
