// Package fdtable implements the file-descriptor table handle spec
// section 3 attaches to every Task, grounded on the teacher's fd.go
// (Fd_t, Copyfd, Close_panic): a descriptor is an opaque operations
// interface plus permission bits, shared by reference across threads
// of the same thread group and copy-duplicated across fork.
package fdtable

import (
	"sync"

	"chronix/internal/defs"
)

// Perm mirrors the teacher's FD_READ/FD_WRITE/FD_CLOEXEC bits.
type Perm int

const (
	Read Perm = 1 << iota
	Write
	CloseOnExec
)

// File is the per-descriptor operations surface; the concrete
// implementation (regular file, pipe, socket, device) is the
// out-of-scope VFS/network layer's job — this package only manages
// the table of opaque handles.
type File interface {
	Close() error
	Reopen() (File, error)
}

// Entry is one slot in a Table.
type Entry struct {
	File  File
	Perms Perm
}

// Table is a Task's (or thread group's) file-descriptor table: shared
// by reference across threads per spec section 5's "shared-resource
// policy" (AddressSpace, FD table, signal-handler table are shared
// objects whose membership can change").
type Table struct {
	mu      sync.RWMutex
	entries map[int]*Entry
	next    int
}

func New() *Table {
	return &Table{entries: make(map[int]*Entry)}
}

// Install adds f at the lowest unused descriptor number and returns it.
func (t *Table) Install(f File, perms Perm) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := 0
	for {
		if _, taken := t.entries[fd]; !taken {
			break
		}
		fd++
	}
	t.entries[fd] = &Entry{File: f, Perms: perms}
	if fd >= t.next {
		t.next = fd + 1
	}
	return fd
}

// Get returns the entry at fd, or (nil, EBADF).
func (t *Table) Get(fd int) (*Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[fd]
	if !ok {
		return nil, defs.EBADF
	}
	return e, nil
}

// Close closes and removes fd.
func (t *Table) Close(fd int) error {
	t.mu.Lock()
	e, ok := t.entries[fd]
	if !ok {
		t.mu.Unlock()
		return defs.EBADF
	}
	delete(t.entries, fd)
	t.mu.Unlock()
	return e.File.Close()
}

// Fork duplicates the table for a child task (spec section 4.5's
// fork/clone path): every descriptor is reopened via File.Reopen, the
// teacher's Copyfd contract, so parent and child get independent
// offsets/cursors where the underlying File type cares.
func (t *Table) Fork() (*Table, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	child := New()
	for fd, e := range t.entries {
		nf, err := e.File.Reopen()
		if err != nil {
			return nil, err
		}
		child.entries[fd] = &Entry{File: nf, Perms: e.Perms}
		if fd >= child.next {
			child.next = fd + 1
		}
	}
	return child, nil
}

// CloseExec closes every descriptor flagged CloseOnExec, the table's
// half of an exec() transition.
func (t *Table) CloseExec() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for fd, e := range t.entries {
		if e.Perms&CloseOnExec != 0 {
			e.File.Close()
			delete(t.entries, fd)
		}
	}
}
