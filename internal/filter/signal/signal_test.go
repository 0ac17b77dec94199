package signal_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/kqueue-go/kqueue/internal/filter/signal"
	"github.com/kqueue-go/kqueue/internal/knote"
)

func waitFired(t *testing.T, f *signal.Filter) knote.Kevent {
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
	t.Fatal("signal never observed")
	return knote.Kevent{}
}

func TestSignalDeliveryCoalesces(t *testing.T) {
	f, err := signal.New()
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Copyin(knote.Kevent{
		Ident: uintptr(unix.SIGUSR1), Filter: knote.EVFILT_SIGNAL, Flags: knote.EV_ADD,
	}))

	require.NoError(t, unix.Kill(os.Getpid(), unix.SIGUSR1))
	require.NoError(t, unix.Kill(os.Getpid(), unix.SIGUSR1))

	ev := waitFired(t, f)
	assert.GreaterOrEqual(t, ev.Data, int64(1))
}

func TestSignalDeleteUnknown(t *testing.T) {
	f, err := signal.New()
	require.NoError(t, err)
	defer f.Close()

	err = f.Copyin(knote.Kevent{Ident: uintptr(unix.SIGUSR2), Filter: knote.EVFILT_SIGNAL, Flags: knote.EV_DELETE})
	assert.Error(t, err)
}
