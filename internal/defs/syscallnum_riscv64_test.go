//go:build riscv64

package defs

import "testing"

func TestSyscallNumbersMatchKnownValues(t *testing.T) {
	tests := []struct {
		name string
		want uintptr
	}{
		{"read", 63},
		{"write", 64},
		{"futex", 98},
		{"exit_group", 94},
		{"mmap", 222},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SyscallNumbers[tt.name]
			if !ok {
				t.Fatalf("SyscallNumbers[%q] missing", tt.name)
			}
			if got != tt.want {
				t.Fatalf("SyscallNumbers[%q] = %d, want %d", tt.name, got, tt.want)
			}
		})
	}
}

func TestSyscallNumbersAllDistinct(t *testing.T) {
	seen := make(map[uintptr]string)
	for name, num := range SyscallNumbers {
		if other, dup := seen[num]; dup {
			t.Fatalf("syscall numbers %q and %q collide at %d", name, other, num)
		}
		seen[num] = name
	}
}
