package riscvm

import (
	"errors"
	"testing"

	"chronix/internal/defs"
	"chronix/internal/hal"
	"chronix/internal/mem"
)

type fakeClint struct {
	msip     map[defs.Hart]bool
	mtimecmp map[defs.Hart]uint64
	mtime    uint64
}

func newFakeClint() *fakeClint {
	return &fakeClint{msip: map[defs.Hart]bool{}, mtimecmp: map[defs.Hart]uint64{}}
}

func (c *fakeClint) SetMSIP(hart defs.Hart, pending bool)    { c.msip[hart] = pending }
func (c *fakeClint) SetMTimeCmp(hart defs.Hart, value uint64) { c.mtimecmp[hart] = value }
func (c *fakeClint) MTime() uint64                            { return c.mtime }

func newTestArch(t *testing.T, clint *fakeClint) *Arch {
	t.Helper()
	alloc, err := mem.New([]mem.Range{{Start: 0, Count: 4096}})
	if err != nil {
		t.Fatalf("mem.New: %v", err)
	}
	return New(alloc, clint, 1, 4)
}

func TestSendIPISetsMSIPOnTargets(t *testing.T) {
	clint := newFakeClint()
	a := newTestArch(t, clint)
	a.SendIPI(hal.MaskOf(0, 2))
	if !clint.msip[0] || !clint.msip[2] {
		t.Fatalf("msip = %v, want harts 0 and 2 set", clint.msip)
	}
	if clint.msip[1] || clint.msip[3] {
		t.Fatalf("msip = %v, want harts 1 and 3 unset", clint.msip)
	}
}

func TestSetNextEventProgramsOwnHart(t *testing.T) {
	clint := newFakeClint()
	a := newTestArch(t, clint)
	a.SetNextEvent(a.Now().Add(1000))
	if _, ok := clint.mtimecmp[1]; !ok {
		t.Fatal("SetNextEvent did not program mtimecmp for this hart")
	}
}

type fakeBlockDevice struct{}

func (fakeBlockDevice) ReadBlock(index uint64, buf []byte) error  { return nil }
func (fakeBlockDevice) WriteBlock(index uint64, buf []byte) error { return nil }
func (fakeBlockDevice) BlockSize() int                            { return 512 }

type fakePCIBus struct {
	dev hal.BlockDevice
	err error
}

func (b fakePCIBus) FindBlockDevice() (hal.BlockDevice, error) { return b.dev, b.err }

func TestDiscoverCachesBlockDevice(t *testing.T) {
	a := newTestArch(t, newFakeClint())
	dev := fakeBlockDevice{}
	if err := a.Discover(fakePCIBus{dev: dev}); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if a.BlockDevice() != dev {
		t.Fatal("BlockDevice did not return discovered device")
	}
}

func TestDiscoverPropagatesError(t *testing.T) {
	a := newTestArch(t, newFakeClint())
	want := errors.New("no pci block device")
	if err := a.Discover(fakePCIBus{err: want}); !errors.Is(err, want) {
		t.Fatalf("Discover error = %v, want %v", err, want)
	}
	if a.BlockDevice() != nil {
		t.Fatal("BlockDevice should remain nil after failed discovery")
	}
}

func TestProbeUserByteViaPageTable(t *testing.T) {
	a := newTestArch(t, newFakeClint())
	pt, err := a.NewPageTable()
	if err != nil {
		t.Fatalf("NewPageTable: %v", err)
	}
	if err := pt.Map(hal.VPN(5), hal.PPN(5), hal.PermRead|hal.PermWrite); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := a.ProbeUserByte(pt, 5<<12, true); err != nil {
		t.Fatalf("ProbeUserByte(write) = %v, want nil", err)
	}
}
