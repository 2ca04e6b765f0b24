// Package defs holds the small cross-cutting types shared by every layer of
// the task execution substrate: identifiers, the POSIX errno set, and the
// trap-kind enumeration the HAL hands to the trap core.
package defs

import (
	"errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
)

// Tid identifies a single schedulable thread of control.
type Tid int32

// Tgid identifies the thread group (POSIX process) a Tid belongs to.
type Tgid int32

// Hart identifies one hardware thread of execution.
type Hart int32

// Errno is the user-visible error domain of spec section 7: the POSIX
// errno set. It is backed by gVisor's linuxerr package rather than a
// hand-rolled enum; this package is the only one that imports linuxerr,
// and the rest of the tree uses the sentinels below.
type Errno = error

var (
	EINVAL = linuxerr.EINVAL
	ENOMEM = linuxerr.ENOMEM
	EFAULT = linuxerr.EFAULT
	EAGAIN = linuxerr.EAGAIN
	EINTR  = linuxerr.EINTR
	ESRCH  = linuxerr.ESRCH
	ECHILD = linuxerr.ECHILD
	EPIPE  = linuxerr.EPIPE
	EBADF  = linuxerr.EBADF
	ENOHEAP = linuxerr.ENOMEM
)

// errnoNumbers gives the raw POSIX numbers for the errno set this core
// returns, used only to render the negated-integer ABI value of spec
// section 6; the sentinel identity used everywhere else in the tree is the
// linuxerr value itself, compared with == or errors.Is.
var errnoNumbers = map[error]int64{
	EINVAL: 22,
	ENOMEM: 12,
	EFAULT: 14,
	EAGAIN: 11,
	EINTR:  4,
	ESRCH:  3,
	ECHILD: 10,
	EPIPE:  32,
	EBADF:  9,
}

// ToABI renders an Errno as the negated small integer the syscall ABI
// (spec section 6) returns in the first return register. A nil err is
// success (0); an unrecognized error maps to -EINVAL.
func ToABI(err error) int64 {
	if err == nil {
		return 0
	}
	for sentinel, n := range errnoNumbers {
		if errors.Is(err, sentinel) {
			return -n
		}
	}
	return -errnoNumbers[EINVAL]
}

// TrapKind is the architecture-neutral classification the HAL produces for
// every hardware trap, per spec section 4.4.
type TrapKind int

const (
	TrapSyscall TrapKind = iota
	TrapPageFault
	TrapTimer
	TrapExternalIrq
	TrapIllegal
	TrapBreakpoint
	TrapUserRwProbe
)

func (k TrapKind) String() string {
	switch k {
	case TrapSyscall:
		return "syscall"
	case TrapPageFault:
		return "page-fault"
	case TrapTimer:
		return "timer"
	case TrapExternalIrq:
		return "external-irq"
	case TrapIllegal:
		return "illegal"
	case TrapBreakpoint:
		return "breakpoint"
	case TrapUserRwProbe:
		return "user-rw-probe"
	default:
		return fmt.Sprintf("TrapKind(%d)", int(k))
	}
}

// AccessKind distinguishes the three ways a page fault can be triggered,
// per the VMA protection bits of spec section 3.
type AccessKind int

const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessExecute
)

// Signal is the unified standard + real-time signal number space named in
// SPEC_FULL section 4.5. Standard signals occupy [1,64); real-time signals
// occupy [64,96).
type Signal int

const (
	SIGHUP  Signal = 1
	SIGINT  Signal = 2
	SIGQUIT Signal = 3
	SIGILL  Signal = 4
	SIGTRAP Signal = 5
	SIGABRT Signal = 6
	SIGBUS  Signal = 7
	SIGFPE  Signal = 8
	SIGKILL Signal = 9
	SIGUSR1 Signal = 10
	SIGSEGV Signal = 11
	SIGUSR2 Signal = 12
	SIGPIPE Signal = 13
	SIGALRM Signal = 14
	SIGTERM Signal = 15
	SIGCHLD Signal = 17
	SIGCONT Signal = 18
	SIGSTOP Signal = 19

	SIGRTMIN Signal = 64
	SIGRTMAX Signal = 95
)

// IsRealtime reports whether s is in the real-time signal range.
func (s Signal) IsRealtime() bool {
	return s >= SIGRTMIN && s <= SIGRTMAX
}
