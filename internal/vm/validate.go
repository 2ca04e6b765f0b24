package vm

import (
	"chronix/internal/defs"
	"chronix/internal/hal"
)

// ValidateRange is the fast-path user-pointer check of spec section
// 4.3/9: a lookup against the VMA snapshot with no hardware
// involvement, checking permission without touching the page table.
func (as *AddressSpace) ValidateRange(addr, length uintptr, write bool) error {
	if length == 0 {
		return nil
	}
	as.mu.Lock()
	defer as.mu.Unlock()

	end := addr + length
	for cur := addr; cur < end; {
		vma, _ := as.find(cur)
		if vma == nil {
			return defs.EFAULT
		}
		if vma.Perm&hal.PermUser == 0 {
			return defs.EFAULT
		}
		if write && vma.Perm&hal.PermWrite == 0 {
			return defs.EFAULT
		}
		cur = vma.End
	}
	return nil
}

// ProbeUserRange is the second, hardware-redirected strategy spec
// section 4.3 names: a single-byte touch at the first and last page of
// the range through the HAL's ProbeUserByte, which turns an actual
// fault into a returned error instead of consulting the VMA snapshot
// at all. Only the endpoints are probed, not every page in between —
// a VMA is contiguous and uniform by construction, so a fault on
// either boundary page is the only way the range can fail the probe.
func (as *AddressSpace) ProbeUserRange(arch hal.Arch, addr, length uintptr, write bool) error {
	if length == 0 {
		return nil
	}
	firstPage := addr &^ (1<<pageShift - 1)
	lastPage := (addr + length - 1) &^ (1<<pageShift - 1)

	if err := arch.ProbeUserByte(as.pt, uint64(firstPage), write); err != nil {
		return err
	}
	if lastPage != firstPage {
		if err := arch.ProbeUserByte(as.pt, uint64(lastPage), write); err != nil {
			return err
		}
	}
	return nil
}

// ValidateUserRange is the combined helper SPEC_FULL section 7
// resolves spec.md's open question with: every syscall-visible
// user-pointer check goes through this, not through either strategy
// alone. If the two disagree — the snapshot says mapped but the probe
// faults, or vice versa, which can happen on a genuine TOCTOU race
// against a concurrent unmap/protect on another hart — the mismatch
// always resolves to EFAULT rather than trusting either source.
func (as *AddressSpace) ValidateUserRange(arch hal.Arch, addr, length uintptr, write bool) error {
	rangeErr := as.ValidateRange(addr, length, write)
	probeErr := as.ProbeUserRange(arch, addr, length, write)
	if rangeErr == nil && probeErr == nil {
		return nil
	}
	return defs.EFAULT
}
