// Package kq implements the queue dispatcher: the aggregate readiness
// descriptor, the lazily-initialized filter table, and the submit/collect
// control flow of spec.md §4.1. Grounded on the teacher's closer.go for its
// safejob-gated concurrency contract (an exclusive "ctrl" gate for
// change-routing, a concurrent "collect" gate for collection, and a
// once-only close that waits for outstanding collectors).
package kq

import (
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/kqueue-go/kqueue/internal/filter"
	"github.com/kqueue-go/kqueue/internal/filter/proc"
	"github.com/kqueue-go/kqueue/internal/filter/readwrite"
	"github.com/kqueue-go/kqueue/internal/filter/signal"
	"github.com/kqueue-go/kqueue/internal/filter/timer"
	"github.com/kqueue-go/kqueue/internal/filter/user"
	"github.com/kqueue-go/kqueue/internal/filter/vnode"
	"github.com/kqueue-go/kqueue/internal/knote"
	"github.com/kqueue-go/kqueue/internal/kqerrno"
	"github.com/kqueue-go/kqueue/log"
	"github.com/kqueue-go/kqueue/metrics"
)

// slot indexes the seven supported event classes into a fixed filter array,
// mirroring spec.md §3's "mapping from filter identifier (small integer) to
// Filter".
type slot int

const (
	slotRead slot = iota
	slotWrite
	slotVnode
	slotProc
	slotSignal
	slotTimer
	slotUser
	slotCount
)

func slotOf(f knote.Filter) (slot, bool) {
	switch f {
	case knote.EVFILT_READ:
		return slotRead, true
	case knote.EVFILT_WRITE:
		return slotWrite, true
	case knote.EVFILT_VNODE:
		return slotVnode, true
	case knote.EVFILT_PROC:
		return slotProc, true
	case knote.EVFILT_SIGNAL:
		return slotSignal, true
	case knote.EVFILT_TIMER:
		return slotTimer, true
	case knote.EVFILT_USER:
		return slotUser, true
	default:
		return 0, false
	}
}

// Options configures a Queue.
type Options struct {
	IgnoreFilterFault bool
}

// Queue is a single kqueue-equivalent handle aggregating all seven filters.
type Queue struct {
	opts Options

	aggfd int

	c closer

	filters [slotCount]filter.Filter
	pfdSlot map[int]slot
}

// New creates a queue with its aggregate epoll descriptor. Filters are
// created lazily on first use, per spec.md §4.1.
func New(opts Options) (*Queue, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &Queue{
		opts:    opts,
		aggfd:   fd,
		pfdSlot: make(map[int]slot),
	}, nil
}

// FD returns the aggregate readiness descriptor. It is itself
// poll/select/epoll-able: readable whenever at least one filter has a
// non-empty eventlist.
func (q *Queue) FD() int {
	return q.aggfd
}

func (q *Queue) filterFor(s slot) (filter.Filter, error) {
	if q.filters[s] != nil {
		return q.filters[s], nil
	}
	f, err := newFilter(s)
	if err != nil {
		return nil, kqerrno.New(kqerrno.ResourceExhausted, "queue: create filter", err)
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(f.PFD())}
	if err := unix.EpollCtl(q.aggfd, unix.EPOLL_CTL_ADD, f.PFD(), ev); err != nil {
		f.Close()
		return nil, kqerrno.New(kqerrno.ResourceExhausted, "queue: register filter pfd", err)
	}
	q.filters[s] = f
	q.pfdSlot[f.PFD()] = s
	return f, nil
}

func newFilter(s slot) (filter.Filter, error) {
	switch s {
	case slotRead:
		return readwrite.New(readwrite.Read)
	case slotWrite:
		return readwrite.New(readwrite.Write)
	case slotVnode:
		return vnode.New()
	case slotProc:
		return proc.New()
	case slotSignal:
		return signal.New()
	case slotTimer:
		return timer.New()
	case slotUser:
		return user.New()
	default:
		panic("kq: unknown filter slot")
	}
}

// Submit applies changes in order, then collects up to len(events) fired
// events within timeout (nil blocks indefinitely, zero does not block).
// Changes are applied before collection, matching spec.md §4.1.
func (q *Queue) Submit(changes []knote.Kevent, events []knote.Kevent, timeout *time.Duration) (int, error) {
	if !q.c.beginJobSafely(ctrl) {
		return -1, kqerrno.New(kqerrno.FilterFault, "queue: submit", os.ErrClosed)
	}
	defer q.c.endJobSafely(ctrl)

	metrics.Add(metrics.QueueSubmitCalls, 1)
	receiptN := 0
	for i, change := range changes {
		err := q.copyin(change)
		if change.Flags&knote.EV_RECEIPT != 0 || (err != nil && len(changes) > 1) {
			if receiptN < len(events) {
				events[receiptN] = receiptEvent(change, err)
				receiptN++
			}
			continue
		}
		if err != nil {
			log.Debugf("queue: change %d rejected: %v", i, err)
			return -1, err
		}
	}

	if receiptN >= len(events) || len(events) == 0 {
		return receiptN, nil
	}
	n, err := q.collect(events[receiptN:], timeout)
	return receiptN + n, err
}

func receiptEvent(change knote.Kevent, err error) knote.Kevent {
	var data int64
	if err != nil {
		data = int64(kqerrno.Errno(err))
	}
	return knote.Kevent{
		Ident:  change.Ident,
		Filter: change.Filter,
		Flags:  knote.EV_ERROR,
		Fflags: change.Fflags,
		Data:   data,
		Udata:  change.Udata,
	}
}

func (q *Queue) copyin(change knote.Kevent) error {
	// A USER trigger is the one change that may carry no flags at all; every
	// other flag-less change is rejected.
	bareTrigger := change.Filter == knote.EVFILT_USER && change.Fflags&knote.NOTE_TRIGGER != 0
	if change.Flags == 0 && !bareTrigger {
		return kqerrno.New(kqerrno.InvalidArgument, "queue: empty flags", nil)
	}
	s, ok := slotOf(change.Filter)
	if !ok {
		return kqerrno.New(kqerrno.InvalidArgument, "queue: unknown filter", nil)
	}
	f, err := q.filterFor(s)
	if err != nil {
		return err
	}
	return f.Copyin(change)
}

// collect polls the aggregate descriptor and drains ready filters into out.
func (q *Queue) collect(out []knote.Kevent, timeout *time.Duration) (int, error) {
	if !q.c.beginJobSafely(collect) {
		return 0, kqerrno.New(kqerrno.FilterFault, "queue: collect", os.ErrClosed)
	}
	defer q.c.endJobSafely(collect)

	if len(out) == 0 {
		return 0, nil
	}

	msec := -1
	if timeout != nil {
		msec = int(timeout.Milliseconds())
	}
	if msec == 0 {
		metrics.Add(metrics.QueueAggNoWait, 1)
	}
	metrics.Add(metrics.QueueAggWait, 1)
	events := make([]unix.EpollEvent, slotCount)
	nready, err := epollWait(q.aggfd, events, msec)
	if err != nil && err != unix.EINTR {
		return 0, kqerrno.New(kqerrno.Interrupted, "queue: epoll_wait", err)
	}
	metrics.Add(metrics.QueueAggEvents, uint64(nready))

	total := 0
	for i := 0; i < nready && total < len(out); i++ {
		fd := int(events[i].Fd)
		s, ok := q.pfdSlot[fd]
		if !ok {
			continue
		}
		f := q.filters[s]
		if f == nil {
			continue
		}
		n, err := f.Copyout(out[total:])
		if err != nil {
			if q.opts.IgnoreFilterFault {
				log.Warnf("queue: filter fault ignored: %v", err)
				continue
			}
			return total, kqerrno.New(kqerrno.FilterFault, "queue: copyout", err)
		}
		total += n
	}
	return total, nil
}

func epollWait(epfd int, events []unix.EpollEvent, msec int) (int, error) {
	n, _, errno := unix.Syscall6(unix.SYS_EPOLL_WAIT,
		uintptr(epfd), uintptr(unsafe.Pointer(&events[0])), uintptr(len(events)), uintptr(msec), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

// Close releases all filters and the aggregate descriptor. Pending knotes
// are dropped; no events are surfaced. Close waits for any collection
// already in flight to finish before tearing down filters, per the explicit
// close-contract choice spec.md §5 requires implementations to make.
func (q *Queue) Close() error {
	if !q.c.beginJobSafely(closeAll) {
		return kqerrno.New(kqerrno.FilterFault, "queue: close", os.ErrClosed)
	}
	q.c.closeAllJobs()

	for _, f := range q.filters {
		if f != nil {
			f.Close()
		}
	}
	return os.NewSyscallError("close", unix.Close(q.aggfd))
}
