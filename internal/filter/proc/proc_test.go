package proc_test

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kqueue-go/kqueue/internal/filter/proc"
	"github.com/kqueue-go/kqueue/internal/knote"
)

func waitFired(t *testing.T, f *proc.Filter) knote.Kevent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		out := make([]knote.Kevent, 4)
		n, err := f.Copyout(out)
		require.NoError(t, err)
		if n > 0 {
			return out[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("exit never observed")
	return knote.Kevent{}
}

func TestProcExitStatusDelivered(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "exit 7")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid

	f, err := proc.New()
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Copyin(knote.Kevent{
		Ident: uintptr(pid), Filter: knote.EVFILT_PROC, Flags: knote.EV_ADD, Fflags: knote.NOTE_EXIT,
	}))

	ev := waitFired(t, f)
	assert.Equal(t, int64(7), ev.Data)

	_ = cmd.Wait()
}

func TestProcDeleteUnknown(t *testing.T) {
	f, err := proc.New()
	require.NoError(t, err)
	defer f.Close()

	err = f.Copyin(knote.Kevent{Ident: 1, Filter: knote.EVFILT_PROC, Flags: knote.EV_DELETE})
	assert.Error(t, err)
}
