package vm

import (
	"testing"
	"time"

	"chronix/internal/defs"
	"chronix/internal/hal"
	"chronix/internal/hal/ptwalk"
	"chronix/internal/mem"
	"chronix/internal/rlimits"
)

// fakeArch is a minimal hal.Arch good enough to exercise the vm
// package without pulling in riscvsbi/riscvm: the package calls
// NewPageTable, ProbeUserByte, HartID (Fork) and SendIPI (Tlbshoot).
type fakeArch struct {
	backing *ptwalk.Backing
}

func (a *fakeArch) NewPageTable() (hal.PageTable, error) { return ptwalk.New(a.backing) }
func (a *fakeArch) Restore(ctx *hal.TrapContext, pt hal.PageTable) {}
func (a *fakeArch) ProbeUserByte(pt hal.PageTable, addr uint64, write bool) error {
	vpn := hal.VPN(addr >> 12)
	_, perm, present := pt.Translate(vpn)
	if !present {
		return defs.EFAULT
	}
	if write && perm&hal.PermWrite == 0 {
		return defs.EFAULT
	}
	if !write && perm&hal.PermRead == 0 {
		return defs.EFAULT
	}
	return nil
}
func (a *fakeArch) SendIPI(mask hal.HartMask)          {}
func (a *fakeArch) Now() time.Time                     { return time.Unix(0, 0) }
func (a *fakeArch) SetNextEvent(deadline time.Time)    {}
func (a *fakeArch) HartID() defs.Hart                  { return 0 }
func (a *fakeArch) HartCount() int                     { return 1 }

func newTestSpace(t *testing.T) (*AddressSpace, *mem.Allocator, *fakeArch) {
	t.Helper()
	alloc, err := mem.New([]mem.Range{{Start: 0, Count: 65536}})
	if err != nil {
		t.Fatalf("mem.New: %v", err)
	}
	arch := &fakeArch{backing: ptwalk.NewBacking(alloc)}
	as, err := New(arch, alloc, nil)
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}
	return as, alloc, arch
}

const pageSizeTest = 1 << pageShift

func TestVmaddAnonAndLookup(t *testing.T) {
	as, _, _ := newTestSpace(t)
	start := uintptr(0x1000 * pageSizeTest)
	end := start + 4*pageSizeTest
	if err := as.VmaddAnon(start, end, hal.PermRead|hal.PermWrite|hal.PermUser); err != nil {
		t.Fatalf("VmaddAnon: %v", err)
	}
	if v := as.Lookup(start + pageSizeTest); v == nil {
		t.Fatal("Lookup returned nil inside mapped range")
	}
	if v := as.Lookup(end); v != nil {
		t.Fatal("Lookup returned non-nil at the exclusive end boundary")
	}
}

func TestHandleFaultReadMapsZeroFrameCOW(t *testing.T) {
	as, alloc, _ := newTestSpace(t)
	start := uintptr(0x2000 * pageSizeTest)
	end := start + pageSizeTest
	if err := as.VmaddAnon(start, end, hal.PermRead|hal.PermWrite|hal.PermUser); err != nil {
		t.Fatalf("VmaddAnon: %v", err)
	}

	as.Lock()
	err := as.HandleFault(start, defs.AccessRead, true)
	as.Unlock()
	if err != nil {
		t.Fatalf("HandleFault(read): %v", err)
	}

	ppn, perm, present := as.PageTable().Translate(hal.VPN(start >> pageShift))
	if !present {
		t.Fatal("page not mapped after read fault")
	}
	if ppn != alloc.ZeroFrame {
		t.Fatalf("read fault mapped ppn %d, want zero frame %d", ppn, alloc.ZeroFrame)
	}
	if perm&hal.PermCOW == 0 {
		t.Fatal("zero-frame mapping should be marked COW")
	}
}

func TestHandleFaultWriteAllocatesPrivateFrame(t *testing.T) {
	as, alloc, _ := newTestSpace(t)
	start := uintptr(0x3000 * pageSizeTest)
	end := start + pageSizeTest
	if err := as.VmaddAnon(start, end, hal.PermRead|hal.PermWrite|hal.PermUser); err != nil {
		t.Fatalf("VmaddAnon: %v", err)
	}

	as.Lock()
	err := as.HandleFault(start, defs.AccessWrite, true)
	as.Unlock()
	if err != nil {
		t.Fatalf("HandleFault(write): %v", err)
	}

	ppn, perm, present := as.PageTable().Translate(hal.VPN(start >> pageShift))
	if !present {
		t.Fatal("page not mapped after write fault")
	}
	if ppn == alloc.ZeroFrame {
		t.Fatal("write fault should not map the shared zero frame")
	}
	if perm&hal.PermWrite == 0 {
		t.Fatal("write-faulted page should be writable")
	}
}

func TestHandleFaultOutsideVMAIsEFAULT(t *testing.T) {
	as, _, _ := newTestSpace(t)
	as.Lock()
	err := as.HandleFault(0xdeadb000, defs.AccessRead, true)
	as.Unlock()
	if err != defs.EFAULT {
		t.Fatalf("HandleFault outside any VMA = %v, want EFAULT", err)
	}
}

func TestForkSharesCOWParentAndChild(t *testing.T) {
	as, alloc, _ := newTestSpace(t)
	start := uintptr(0x4000 * pageSizeTest)
	end := start + pageSizeTest
	if err := as.VmaddAnon(start, end, hal.PermRead|hal.PermWrite|hal.PermUser); err != nil {
		t.Fatalf("VmaddAnon: %v", err)
	}
	as.Lock()
	if err := as.HandleFault(start, defs.AccessWrite, true); err != nil {
		as.Unlock()
		t.Fatalf("HandleFault(write): %v", err)
	}
	as.Unlock()

	parentPPN, parentPerm, _ := as.PageTable().Translate(hal.VPN(start >> pageShift))
	if parentPerm&hal.PermWrite == 0 {
		t.Fatal("parent page should be writable before fork")
	}

	child, err := as.Fork()
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	parentPPNAfter, parentPermAfter, _ := as.PageTable().Translate(hal.VPN(start >> pageShift))
	if parentPPNAfter != parentPPN {
		t.Fatal("fork should not change the parent's frame identity")
	}
	if parentPermAfter&hal.PermCOW == 0 {
		t.Fatal("parent's writable page should become COW after fork")
	}
	if parentPermAfter&hal.PermWrite != 0 {
		t.Fatal("parent's page should lose direct write permission after fork (must fault to upgrade)")
	}

	childPPN, childPerm, present := child.PageTable().Translate(hal.VPN(start >> pageShift))
	if !present {
		t.Fatal("child should inherit the mapping")
	}
	if childPPN != parentPPN {
		t.Fatal("child should share the same frame as parent immediately after fork")
	}
	if childPerm&hal.PermCOW == 0 {
		t.Fatal("child's inherited page should be marked COW")
	}
	if alloc.Refcount(parentPPN) != 2 {
		t.Fatalf("shared frame refcount = %d, want 2", alloc.Refcount(parentPPN))
	}
}

func TestCOWUpgradeInPlaceWhenSoleOwner(t *testing.T) {
	as, alloc, _ := newTestSpace(t)
	start := uintptr(0x5000 * pageSizeTest)
	end := start + pageSizeTest
	if err := as.VmaddAnon(start, end, hal.PermRead|hal.PermWrite|hal.PermUser); err != nil {
		t.Fatalf("VmaddAnon: %v", err)
	}
	as.Lock()
	if err := as.HandleFault(start, defs.AccessWrite, true); err != nil {
		as.Unlock()
		t.Fatalf("initial write fault: %v", err)
	}
	as.Unlock()

	ppnBefore, _, _ := as.PageTable().Translate(hal.VPN(start >> pageShift))

	// Fork marks the page COW in the parent and raises its refcount to
	// 2; the child then unmaps its copy, dropping the refcount back to
	// 1. The parent's next write fault goes through resolveCOWWrite's
	// sole-owner branch, which upgrades the PTE in place.
	child, err := as.Fork()
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if err := child.Unmap(start, end); err != nil {
		t.Fatalf("child Unmap: %v", err)
	}
	as.Lock()
	err = as.HandleFault(start, defs.AccessWrite, true)
	as.Unlock()
	if err != nil {
		t.Fatalf("second write fault: %v", err)
	}
	ppnAfter, _, _ := as.PageTable().Translate(hal.VPN(start >> pageShift))
	if ppnAfter != ppnBefore {
		t.Fatal("COW write on a sole-owner page changed its frame")
	}
	if alloc.Refcount(ppnAfter) != 1 {
		t.Fatalf("refcount = %d, want 1 for an unshared private frame", alloc.Refcount(ppnAfter))
	}
}

func TestCOWWriteAllocatesNewFrameWhenSharedWithChild(t *testing.T) {
	as, alloc, _ := newTestSpace(t)
	start := uintptr(0xc000 * pageSizeTest)
	end := start + pageSizeTest
	if err := as.VmaddAnon(start, end, hal.PermRead|hal.PermWrite|hal.PermUser); err != nil {
		t.Fatalf("VmaddAnon: %v", err)
	}
	as.Lock()
	if err := as.HandleFault(start, defs.AccessWrite, true); err != nil {
		as.Unlock()
		t.Fatalf("initial write fault: %v", err)
	}
	as.Unlock()

	parentPPN, _, _ := as.PageTable().Translate(hal.VPN(start >> pageShift))
	copy(alloc.Page(parentPPN), []byte{1, 2, 3, 4})

	child, err := as.Fork()
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if alloc.Refcount(parentPPN) != 2 {
		t.Fatalf("refcount after fork = %d, want 2", alloc.Refcount(parentPPN))
	}

	// The parent writes through its now-COW mapping while the child
	// still holds a live reference to the original frame (spec.md
	// section 8 scenario 2): resolveCOWWrite's shared branch must
	// allocate a fresh frame rather than upgrading in place.
	as.Lock()
	if err := as.HandleFault(start, defs.AccessWrite, true); err != nil {
		as.Unlock()
		t.Fatalf("parent write fault after fork: %v", err)
	}
	as.Unlock()

	newPPN, newPerm, present := as.PageTable().Translate(hal.VPN(start >> pageShift))
	if !present {
		t.Fatal("parent page should remain mapped after the write fault")
	}
	if newPPN == parentPPN {
		t.Fatal("writing a shared COW page must allocate a new frame, not upgrade in place")
	}
	if newPerm&hal.PermCOW != 0 || newPerm&hal.PermWrite == 0 {
		t.Fatal("parent's post-copy page should be writable and no longer marked COW")
	}
	if alloc.Refcount(parentPPN) != 1 {
		t.Fatalf("old frame refcount after parent's copy = %d, want 1 (child's sole reference)", alloc.Refcount(parentPPN))
	}

	alloc.Page(newPPN)[0] = 9 // the parent's actual write lands in its new frame

	childPPN, _, childPresent := child.PageTable().Translate(hal.VPN(start >> pageShift))
	if !childPresent || childPPN != parentPPN {
		t.Fatal("child should still reference the original frame")
	}
	if got := alloc.Page(childPPN); got[0] != 1 || got[1] != 2 || got[2] != 3 || got[3] != 4 {
		t.Fatalf("child's original frame content changed by parent's COW write: %v", got[:4])
	}
}

func TestValidateRangeFastPath(t *testing.T) {
	as, _, _ := newTestSpace(t)
	start := uintptr(0x6000 * pageSizeTest)
	end := start + 2*pageSizeTest
	if err := as.VmaddAnon(start, end, hal.PermRead|hal.PermUser); err != nil {
		t.Fatalf("VmaddAnon: %v", err)
	}
	if err := as.ValidateRange(start, pageSizeTest, false); err != nil {
		t.Fatalf("ValidateRange(read) = %v, want nil", err)
	}
	if err := as.ValidateRange(start, pageSizeTest, true); err != defs.EFAULT {
		t.Fatalf("ValidateRange(write) on read-only VMA = %v, want EFAULT", err)
	}
	if err := as.ValidateRange(end, 1, false); err != defs.EFAULT {
		t.Fatalf("ValidateRange outside VMA = %v, want EFAULT", err)
	}
}

func TestValidateUserRangeAgreesWithProbe(t *testing.T) {
	as, _, arch := newTestSpace(t)
	start := uintptr(0x7000 * pageSizeTest)
	end := start + pageSizeTest
	if err := as.VmaddAnon(start, end, hal.PermRead|hal.PermWrite|hal.PermUser); err != nil {
		t.Fatalf("VmaddAnon: %v", err)
	}
	as.Lock()
	if err := as.HandleFault(start, defs.AccessWrite, true); err != nil {
		as.Unlock()
		t.Fatalf("HandleFault: %v", err)
	}
	as.Unlock()

	if err := as.ValidateUserRange(arch, start, pageSizeTest, true); err != nil {
		t.Fatalf("ValidateUserRange = %v, want nil once the page is actually mapped writable", err)
	}
}

func TestValidateUserRangeMismatchIsEFAULT(t *testing.T) {
	as, _, arch := newTestSpace(t)
	start := uintptr(0x8000 * pageSizeTest)
	end := start + pageSizeTest
	// VMA says mapped-and-writable, but no fault has actually occurred
	// yet so the page table has nothing mapped: the snapshot and the
	// hardware probe disagree, and ValidateUserRange must side with
	// EFAULT rather than either source alone.
	if err := as.VmaddAnon(start, end, hal.PermRead|hal.PermWrite|hal.PermUser); err != nil {
		t.Fatalf("VmaddAnon: %v", err)
	}
	if err := as.ValidateUserRange(arch, start, pageSizeTest, true); err != defs.EFAULT {
		t.Fatalf("ValidateUserRange on unfaulted-but-VMA-covered range = %v, want EFAULT", err)
	}
}

type fakeFile struct{ name string }

func (f *fakeFile) ReadPage(offset int64) ([]byte, error)      { return make([]byte, pageSizeTest), nil }
func (f *fakeFile) WritePage(offset int64, data []byte) error { return nil }

type fakePageCache struct {
	alloc *mem.Allocator
	pages map[int64]mem.PFN
}

func newFakePageCache(alloc *mem.Allocator) *fakePageCache {
	return &fakePageCache{alloc: alloc, pages: make(map[int64]mem.PFN)}
}

func (c *fakePageCache) Fetch(file FileBackedOps, offset int64) (mem.PFN, error) {
	if ppn, ok := c.pages[offset]; ok {
		return ppn, nil
	}
	ppn, ok := c.alloc.Alloc(0)
	if !ok {
		return 0, defs.ENOMEM
	}
	c.pages[offset] = ppn
	return ppn, nil
}

func TestHandleFaultSharedFileMappingMapsCachedFrameDirectly(t *testing.T) {
	alloc, err := mem.New([]mem.Range{{Start: 0, Count: 65536}})
	if err != nil {
		t.Fatalf("mem.New: %v", err)
	}
	arch := &fakeArch{backing: ptwalk.NewBacking(alloc)}
	pc := newFakePageCache(alloc)
	as, err := New(arch, alloc, pc)
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}

	start := uintptr(0xa000 * pageSizeTest)
	end := start + pageSizeTest
	file := &fakeFile{name: "shared.dat"}
	if err := as.VmaddFile(start, end, hal.PermRead|hal.PermWrite|hal.PermUser, file, 0, true); err != nil {
		t.Fatalf("VmaddFile: %v", err)
	}

	as.Lock()
	err = as.HandleFault(start, defs.AccessRead, true)
	as.Unlock()
	if err != nil {
		t.Fatalf("HandleFault(file, shared): %v", err)
	}

	ppn, perm, present := as.PageTable().Translate(hal.VPN(start >> pageShift))
	if !present {
		t.Fatal("shared file page should be mapped after fault")
	}
	if perm&hal.PermCOW != 0 {
		t.Fatal("shared file mapping must not be marked COW")
	}
	if ppn != pc.pages[0] {
		t.Fatal("shared file mapping should install the page cache's frame directly")
	}
}

func TestHandleFaultPrivateFileMappingMarksCOWOnRead(t *testing.T) {
	alloc, err := mem.New([]mem.Range{{Start: 0, Count: 65536}})
	if err != nil {
		t.Fatalf("mem.New: %v", err)
	}
	arch := &fakeArch{backing: ptwalk.NewBacking(alloc)}
	pc := newFakePageCache(alloc)
	as, err := New(arch, alloc, pc)
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}

	start := uintptr(0xb000 * pageSizeTest)
	end := start + pageSizeTest
	file := &fakeFile{name: "private.dat"}
	if err := as.VmaddFile(start, end, hal.PermRead|hal.PermWrite|hal.PermUser, file, 0, false); err != nil {
		t.Fatalf("VmaddFile: %v", err)
	}

	as.Lock()
	err = as.HandleFault(start, defs.AccessRead, true)
	as.Unlock()
	if err != nil {
		t.Fatalf("HandleFault(file, private): %v", err)
	}

	_, perm, present := as.PageTable().Translate(hal.VPN(start >> pageShift))
	if !present {
		t.Fatal("private file page should be mapped after read fault")
	}
	if perm&hal.PermCOW == 0 {
		t.Fatal("private file mapping's first read fault must be marked COW")
	}
}

func TestVmaddAnonDeniedOverRlimitAS(t *testing.T) {
	as, _, _ := newTestSpace(t)
	lim := &rlimits.Limit{}
	lim.SetMax(int64(pageSizeTest)) // room for exactly one page
	as.SetRlimit(lim)

	start := uintptr(0x11000 * pageSizeTest)
	if err := as.VmaddAnon(start, start+pageSizeTest, hal.PermRead|hal.PermWrite|hal.PermUser); err != nil {
		t.Fatalf("VmaddAnon within the ceiling: %v", err)
	}
	if err := as.VmaddAnon(start+pageSizeTest, start+2*pageSizeTest, hal.PermRead|hal.PermWrite|hal.PermUser); err != defs.ENOMEM {
		t.Fatalf("VmaddAnon over the ceiling = %v, want ENOMEM", err)
	}
	if lim.Used() != int64(pageSizeTest) {
		t.Fatalf("Used() = %d, want %d (the rejected mapping must not reserve)", lim.Used(), pageSizeTest)
	}

	if err := as.Unmap(start, start+pageSizeTest); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if lim.Used() != 0 {
		t.Fatalf("Used() after Unmap = %d, want 0", lim.Used())
	}
}

func TestUnmapSplitsVMA(t *testing.T) {
	as, _, _ := newTestSpace(t)
	start := uintptr(0x9000 * pageSizeTest)
	end := start + 4*pageSizeTest
	if err := as.VmaddAnon(start, end, hal.PermRead|hal.PermUser); err != nil {
		t.Fatalf("VmaddAnon: %v", err)
	}
	// Unmap the middle two pages, leaving the first and last standing.
	if err := as.Unmap(start+pageSizeTest, start+3*pageSizeTest); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if as.Lookup(start) == nil {
		t.Fatal("first page should survive partial unmap")
	}
	if as.Lookup(start+3*pageSizeTest) == nil {
		t.Fatal("last page should survive partial unmap")
	}
	if as.Lookup(start+pageSizeTest) != nil {
		t.Fatal("unmapped middle range should no longer resolve")
	}
}
