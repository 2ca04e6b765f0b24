package vm

import (
	"context"

	"chronix/internal/defs"
	"chronix/internal/hal"
	"chronix/internal/mem"
)

// HandleFault resolves a page fault at faultaddr for access, the
// AddressSpace's analogue of the teacher's Sys_pgfault: it classifies
// the fault against the covering VMA, performs copy-on-write
// upgrade-in-place when the frame is exclusively owned, copies
// otherwise, and demand-faults anonymous/file pages on first touch.
// Callers (trapcore) must already hold as.Lock() per the spec's
// pgfltaken-asserted contract.
func (as *AddressSpace) HandleFault(faultaddr uintptr, access defs.AccessKind, fromUser bool) error {
	as.lockassert()

	vma, _ := as.find(faultaddr)
	if vma == nil {
		return defs.EFAULT
	}
	if !fromUser {
		// Kernel-mode faults are the trap core's job to redirect via a
		// probe window; HandleFault is only ever reached for kernel
		// faults that the probe machinery has already decided to
		// service (e.g. a copy_to_user helper touching a CoW page).
	}

	iswrite := access == defs.AccessWrite
	if vma.Perm&hal.PermUser == 0 && fromUser {
		return defs.EFAULT
	}
	if iswrite && vma.Perm&hal.PermWrite == 0 {
		return defs.EFAULT
	}
	if access == defs.AccessExecute && vma.Perm&hal.PermExec == 0 {
		return defs.EFAULT
	}

	vpn := hal.VPN(faultaddr >> pageShift)
	existingPPN, existingPerm, present := as.pt.Translate(vpn)

	if present {
		if !iswrite {
			// Two harts raced on the same read fault; the winner
			// already mapped it.
			return nil
		}
		if existingPerm&hal.PermCOW != 0 {
			return as.resolveCOWWrite(vpn, existingPPN, existingPerm, vma)
		}
		// Writable already and not COW: another hart resolved it first.
		return nil
	}

	switch vma.Backing {
	case BackingAnonymous:
		return as.faultAnonymous(vpn, iswrite, vma)
	case BackingFile:
		return as.faultFile(vpn, iswrite, vma, faultaddr)
	default:
		return defs.EFAULT
	}
}

// resolveCOWWrite implements the invariant from spec section 3: "a
// fault on a writable CoW page with refcount == 1 MUST upgrade in
// place without copy"; otherwise it allocates a fresh frame, copies,
// and drops the shared frame's reference.
func (as *AddressSpace) resolveCOWWrite(vpn hal.VPN, ppn hal.PPN, perm hal.Perm, vma *VMA) error {
	if as.alloc.Refcount(ppn) == 1 {
		newPerm := (perm &^ hal.PermCOW) | hal.PermWrite | hal.PermWasCOW
		if err := as.pt.Protect(vpn, newPerm); err != nil {
			return err
		}
		as.pt.Flush(vpn, 1)
		return nil
	}

	newPPN, ok := as.alloc.Alloc(0)
	if !ok {
		return defs.ENOMEM
	}
	copyFrame(as.alloc, newPPN, ppn)

	newPerm := (vma.Perm &^ hal.PermCOW) | hal.PermWrite | hal.PermWasCOW
	if err := as.pt.Map(vpn, newPPN, newPerm); err != nil {
		as.alloc.Refdown(newPPN)
		return err
	}
	as.alloc.Refdown(ppn) // drop this mapping's share of the old frame
	as.pt.Flush(vpn, 1)
	return nil
}

// faultAnonymous demand-faults a never-touched anonymous page: reads
// map the shared zero frame copy-on-write; writes allocate a private
// zeroed frame directly, matching the teacher's VANON branch of
// Sys_pgfault.
func (as *AddressSpace) faultAnonymous(vpn hal.VPN, iswrite bool, vma *VMA) error {
	if !iswrite {
		perm := (vma.Perm &^ hal.PermWrite) | hal.PermCOW
		as.alloc.Refup(as.alloc.ZeroFrame)
		return as.pt.Map(vpn, as.alloc.ZeroFrame, perm)
	}
	ppn, ok := as.alloc.Alloc(0)
	if !ok {
		return defs.ENOMEM
	}
	clear(as.alloc.Page(ppn))
	return as.pt.Map(vpn, ppn, vma.Perm)
}

// faultFile demand-faults a file-backed page via the PageCache
// collaborator (spec section 4.3's page-cache coupling), shared
// mappings always installing the cached frame directly, private
// mappings marking it copy-on-write on first touch. The Fetch call can
// block on real I/O, so it runs with the address-space lock released
// and concurrency bounded by fetchSem (golang.org/x/sync/semaphore),
// re-validating under the lock afterward in case another hart raced
// the same fault to completion first.
func (as *AddressSpace) faultFile(vpn hal.VPN, iswrite bool, vma *VMA, faultaddr uintptr) error {
	if as.pageCache == nil {
		return defs.EFAULT
	}
	pageOffset := vma.FileOffset + int64(faultaddr-vma.Start)

	if err := as.fetchSem.Acquire(context.Background(), 1); err != nil {
		return err
	}
	as.Unlock()
	ppn, err := as.pageCache.Fetch(vma.File, pageOffset)
	as.fetchSem.Release(1)
	as.Lock()
	if err != nil {
		return err
	}

	if _, _, present := as.pt.Translate(vpn); present {
		// Another hart's fault on the same page won the race while
		// this one was blocked on Fetch.
		return nil
	}
	as.alloc.Refup(ppn)

	perm := vma.Perm
	if vma.Shared {
		return as.pt.Map(vpn, ppn, perm)
	}
	if iswrite {
		newPPN, ok := as.alloc.Alloc(0)
		if !ok {
			as.alloc.Refdown(ppn)
			return defs.ENOMEM
		}
		copyFrame(as.alloc, newPPN, ppn)
		as.alloc.Refdown(ppn)
		return as.pt.Map(vpn, newPPN, perm)
	}
	perm = (perm &^ hal.PermWrite) | hal.PermCOW
	return as.pt.Map(vpn, ppn, perm)
}

// copyFrame copies src's page content into dst, the CoW-duplication
// step every Sys_pgfault-shaped write path needs: without it, a CoW
// child that writes its own copy would instead mutate bytes still
// visible through the parent's mapping.
func copyFrame(alloc *mem.Allocator, dst, src mem.PFN) {
	copy(alloc.Page(dst), alloc.Page(src))
}
