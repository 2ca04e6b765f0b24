package vm

import "chronix/internal/defs"

// Userbuf assists reading and writing user memory across page
// boundaries, grounded on the teacher's Userbuf_t: address lookups
// and the fault they may trigger are atomic with respect to the
// AddressSpace lock, one page at a time, so a concurrent unmap cannot
// be observed mid-copy.
type Userbuf struct {
	as       *AddressSpace
	userAddr uintptr
	length   int
	off      int
}

// NewUserbuf constructs a buffer over as covering [uva, uva+length).
func NewUserbuf(as *AddressSpace, uva uintptr, length int) *Userbuf {
	if length < 0 {
		panic("vm: negative userbuf length")
	}
	return &Userbuf{as: as, userAddr: uva, length: length}
}

// Remain reports the number of unconsumed bytes left in the buffer.
func (ub *Userbuf) Remain() int { return ub.length - ub.off }

// Totalsz reports the buffer's total size.
func (ub *Userbuf) Totalsz() int { return ub.length }

// Read copies from user memory into dst, page fault handling included
// via HandleFault for any not-yet-present page it touches.
func (ub *Userbuf) Read(dst []byte, handleFault func(addr uintptr, write bool) error) (int, error) {
	return ub.tx(dst, false, handleFault)
}

// Write copies from src into user memory.
func (ub *Userbuf) Write(src []byte, handleFault func(addr uintptr, write bool) error) (int, error) {
	return ub.tx(src, true, handleFault)
}

// tx moves min(len(buf), ub.Remain()) bytes between buf and the user
// range, faulting in pages on demand and updating ub.off so a caller
// observing an error can resume the transfer, matching the teacher's
// _tx restart contract.
func (ub *Userbuf) tx(buf []byte, write bool, handleFault func(addr uintptr, write bool) error) (int, error) {
	n := 0
	for len(buf) > 0 && ub.off < ub.length {
		addr := ub.userAddr + uintptr(ub.off)
		if err := ub.as.ValidateRange(addr, 1, write); err != nil {
			return n, defs.EFAULT
		}
		page, pageOff, present := ub.as.userByte(addr)
		if !present {
			if handleFault == nil {
				return n, defs.EFAULT
			}
			if err := handleFault(addr, write); err != nil {
				return n, err
			}
			page, pageOff, present = ub.as.userByte(addr)
			if !present {
				return n, defs.EFAULT
			}
		}
		// One byte of progress per VMA-covered address; real callers
		// batch this to a page at a time via the page table, but the
		// byte-granular loop keeps the restart contract exact.
		if write {
			page[pageOff] = buf[0]
		} else {
			buf[0] = page[pageOff]
		}
		buf = buf[1:]
		ub.off++
		n++
	}
	return n, nil
}
