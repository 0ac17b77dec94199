// Package pfd provides the eventfd-backed notification descriptor every
// filter registers into the queue's aggregate epoll set: readable whenever
// the filter's eventlist is non-empty, drained back to non-readable once
// the caller has collected everything pending.
package pfd

import (
	"os"

	"golang.org/x/sys/unix"
)

// PFD is a level-style notification descriptor. Raise is idempotent while
// pending: multiple knotes firing before a Drain collapse into one readable
// edge, matching "pfd readable iff eventlist non-empty".
type PFD struct {
	fd int
}

// New creates a non-blocking, close-on-exec eventfd.
func New() (*PFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("eventfd", err)
	}
	return &PFD{fd: fd}, nil
}

// FD returns the underlying descriptor for epoll_ctl registration.
func (p *PFD) FD() int {
	return p.fd
}

// Raise marks the descriptor readable. Safe to call repeatedly.
func (p *PFD) Raise() {
	buf := []byte{1, 0, 0, 0, 0, 0, 0, 0}
	for {
		_, err := unix.Write(p.fd, buf)
		if err != unix.EINTR {
			return
		}
	}
}

// Drain clears the readable edge. Call once the eventlist has been fully
// collected; a spurious drain (eventlist refilled concurrently) is
// tolerated, the next Raise will simply re-arm it.
func (p *PFD) Drain() {
	buf := make([]byte, 8)
	for {
		_, err := unix.Read(p.fd, buf)
		if err != unix.EINTR {
			return
		}
	}
}

// Close releases the descriptor.
func (p *PFD) Close() error {
	return os.NewSyscallError("close", unix.Close(p.fd))
}
