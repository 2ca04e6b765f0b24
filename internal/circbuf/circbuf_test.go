package circbuf

import (
	"testing"

	"chronix/internal/mem"
)

func newTestAlloc(t *testing.T) *mem.Allocator {
	t.Helper()
	a, err := mem.New([]mem.Range{{Start: 0, Count: 256}})
	if err != nil {
		t.Fatalf("mem.New: %v", err)
	}
	return a
}

func TestEnsureLazyAllocation(t *testing.T) {
	cb := New(16)
	if !cb.Empty() {
		t.Fatal("unensured circbuf should report Empty")
	}
	alloc := newTestAlloc(t)
	if err := cb.Ensure(alloc); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if cb.Used() != 0 {
		t.Fatalf("Used() = %d, want 0 after Ensure", cb.Used())
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	cb := New(8)
	alloc := newTestAlloc(t)
	if err := cb.Ensure(alloc); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	n := cb.Write([]byte("hello"))
	if n != 5 {
		t.Fatalf("Write returned %d, want 5", n)
	}
	out := make([]byte, 5)
	n = cb.Read(out)
	if n != 5 || string(out) != "hello" {
		t.Fatalf("Read returned (%d,%q), want (5,\"hello\")", n, out)
	}
	if !cb.Empty() {
		t.Fatal("buffer should be empty after draining everything written")
	}
}

func TestWriteStopsWhenFull(t *testing.T) {
	cb := New(4) // 3 usable bytes with the one reserved slot
	alloc := newTestAlloc(t)
	if err := cb.Ensure(alloc); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	n := cb.Write([]byte("abcdef"))
	if n != 3 {
		t.Fatalf("Write into a 4-byte ring wrote %d, want 3", n)
	}
	if !cb.Full() {
		t.Fatal("buffer should report Full once Left() == 0")
	}
}

func TestReleaseDropsFrameReference(t *testing.T) {
	cb := New(16)
	alloc := newTestAlloc(t)
	if err := cb.Ensure(alloc); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	cb.Release()
	if !cb.Empty() {
		t.Fatal("circbuf should report Empty after Release")
	}
}
