//go:build riscv64

// Per-architecture raw syscall numbers, wired from golang.org/x/sys/unix
// the same way tinyrange-cc's internal/linux/defs_amd64.go pins one
// architecture's numbers behind a matching build tag.
package defs

import "golang.org/x/sys/unix"

// SyscallNumbers names the raw entry-point numbers trapcore's syscall
// dispatch path compares TrapContext's syscall register against. Only
// the subset this substrate's components actually reference is carried
// here; the rest of the riscv64 table belongs to the out-of-scope
// syscall layer.
var SyscallNumbers = map[string]uintptr{
	"read":       uintptr(unix.SYS_READ),
	"write":      uintptr(unix.SYS_WRITE),
	"readv":      uintptr(unix.SYS_READV),
	"writev":     uintptr(unix.SYS_WRITEV),
	"close":      uintptr(unix.SYS_CLOSE),
	"openat":     uintptr(unix.SYS_OPENAT),
	"pipe2":      uintptr(unix.SYS_PIPE2),
	"mmap":       uintptr(unix.SYS_MMAP),
	"munmap":     uintptr(unix.SYS_MUNMAP),
	"mprotect":   uintptr(unix.SYS_MPROTECT),
	"futex":      uintptr(unix.SYS_FUTEX),
	"clone":      uintptr(unix.SYS_CLONE),
	"exit":       uintptr(unix.SYS_EXIT),
	"exit_group": uintptr(unix.SYS_EXIT_GROUP),
	"nanosleep":  uintptr(unix.SYS_NANOSLEEP),
	"getpid":     uintptr(unix.SYS_GETPID),
	"gettid":     uintptr(unix.SYS_GETTID),
}
