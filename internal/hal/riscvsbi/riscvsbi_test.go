package riscvsbi

import (
	"testing"
	"time"

	"chronix/internal/hal"
	"chronix/internal/mem"
)

type fakeSBI struct {
	timerDeadline uint64
	ipiMask       uint64
}

func (f *fakeSBI) SetTimer(deadline uint64) { f.timerDeadline = deadline }
func (f *fakeSBI) SendIPI(mask uint64)      { f.ipiMask = mask }

func newTestArch(t *testing.T, sbi *fakeSBI) *Arch {
	t.Helper()
	alloc, err := mem.New([]mem.Range{{Start: 0, Count: 4096}})
	if err != nil {
		t.Fatalf("mem.New: %v", err)
	}
	return New(alloc, sbi, 0, 4)
}

func TestSendIPIEncodesMask(t *testing.T) {
	sbi := &fakeSBI{}
	a := newTestArch(t, sbi)
	a.SendIPI(hal.MaskOf(1, 3))
	if sbi.ipiMask != (1<<1)|(1<<3) {
		t.Fatalf("ipiMask = %b, want %b", sbi.ipiMask, (1<<1)|(1<<3))
	}
}

func TestSetNextEventCallsSBI(t *testing.T) {
	sbi := &fakeSBI{}
	a := newTestArch(t, sbi)
	deadline := time.Unix(0, 12345)
	a.SetNextEvent(deadline)
	if sbi.timerDeadline != 12345 {
		t.Fatalf("timerDeadline = %d, want 12345", sbi.timerDeadline)
	}
}

func TestNewPageTableMapAndProbe(t *testing.T) {
	a := newTestArch(t, &fakeSBI{})
	pt, err := a.NewPageTable()
	if err != nil {
		t.Fatalf("NewPageTable: %v", err)
	}
	if err := pt.Map(hal.VPN(1), hal.PPN(9), hal.PermRead|hal.PermUser); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := a.ProbeUserByte(pt, 1<<12, false); err != nil {
		t.Fatalf("ProbeUserByte(read) = %v, want nil", err)
	}
	if err := a.ProbeUserByte(pt, 1<<12, true); err == nil {
		t.Fatal("ProbeUserByte(write) should fail on read-only mapping")
	}
}

func TestProbeUserByteUnmapped(t *testing.T) {
	a := newTestArch(t, &fakeSBI{})
	pt, err := a.NewPageTable()
	if err != nil {
		t.Fatalf("NewPageTable: %v", err)
	}
	if err := a.ProbeUserByte(pt, 0xdead000, false); err == nil {
		t.Fatal("ProbeUserByte on unmapped address should fail")
	}
}

func TestAdvanceMovesClock(t *testing.T) {
	a := newTestArch(t, &fakeSBI{})
	before := a.Now()
	a.Advance(5 * time.Second)
	after := a.Now()
	if !after.After(before) {
		t.Fatalf("Advance did not move clock forward: before=%v after=%v", before, after)
	}
}

func TestHartIDAndCount(t *testing.T) {
	a := newTestArch(t, &fakeSBI{})
	if a.HartID() != 0 {
		t.Fatalf("HartID = %d, want 0", a.HartID())
	}
	if a.HartCount() != 4 {
		t.Fatalf("HartCount = %d, want 4", a.HartCount())
	}
}
