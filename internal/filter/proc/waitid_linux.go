package proc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// idtype_t/options values for the waitid(2) syscall, per
// original_source/src/linux/proc.c's waitid(P_ALL, 0, &si, WEXITED|WNOWAIT).
const (
	waitIDALL   = 0 // P_ALL
	waitExited  = 0x00000004
	waitNoWait  = 0x01000000
	cldExited   = 1
	cldKilled   = 2
	cldDumped   = 3
)

// waitidInfo mirrors the fields of Linux's siginfo_t that are populated by a
// SIGCHLD-originated waitid(2): si_signo, si_errno, si_code, then (after the
// kernel's 4-byte alignment pad on 64-bit targets) the _sifields._sigchld
// union member si_pid/si_uid/si_status. golang.org/x/sys/unix does not
// expose a stable accessor for this union, so the dispatcher reads it
// directly at the offsets the kernel ABI guarantees on 64-bit Linux.
type waitidInfo struct {
	signo  int32
	errno  int32
	code   int32
	_      int32
	pid    int32
	uid    uint32
	status int32
	_      [100]byte
}

// waitid blocks until a child matching idType/id reaches a state selected by
// options, without reaping it when waitNoWait is set.
func waitid(idType, id int, options int) (waitidInfo, error) {
	var info waitidInfo
	_, _, errno := unix.Syscall6(unix.SYS_WAITID,
		uintptr(idType), uintptr(id), uintptr(unsafe.Pointer(&info)), uintptr(options), 0, 0)
	if errno != 0 {
		return waitidInfo{}, errno
	}
	return info, nil
}
