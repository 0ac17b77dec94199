package kqueue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kqueue-go/kqueue"
)

func TestQueueUserTrigger(t *testing.T) {
	q, err := kqueue.NewQueue()
	require.NoError(t, err)
	defer q.Close()

	changes := []kqueue.Kevent{
		{Ident: 1, Filter: kqueue.EVFILT_USER, Flags: kqueue.EV_ADD | kqueue.EV_ONESHOT},
		{Ident: 1, Filter: kqueue.EVFILT_USER, Fflags: kqueue.NOTE_TRIGGER},
	}
	events := make([]kqueue.Kevent, 1)
	timeout := 200 * time.Millisecond
	n, err := q.Submit(changes, events, &timeout)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, kqueue.EVFILT_USER, events[0].Filter)
}

func TestQueueTimerFires(t *testing.T) {
	q, err := kqueue.NewQueue()
	require.NoError(t, err)
	defer q.Close()

	changes := []kqueue.Kevent{
		{Ident: 1, Filter: kqueue.EVFILT_TIMER, Flags: kqueue.EV_ADD | kqueue.EV_ONESHOT, Data: 10},
	}
	events := make([]kqueue.Kevent, 1)
	timeout := 200 * time.Millisecond
	n, err := q.Submit(changes, events, &timeout)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, kqueue.EVFILT_TIMER, events[0].Filter)
	assert.Equal(t, uintptr(1), events[0].Ident)
}

func TestQueueFDIsPollable(t *testing.T) {
	q, err := kqueue.NewQueue()
	require.NoError(t, err)
	defer q.Close()

	assert.Greater(t, q.FD(), 0)
}
