// Package ustr implements immutable user-space string copies: the
// byte-slice wrapper syscalls use once a NUL-terminated or
// length-prefixed string has been copied in from user memory via
// vm.Userbuf. Grounded on the teacher's ustr.go (Ustr []uint8, Eq,
// Isdot/Isdotdot), repurposed here from the teacher's path-component
// use onto generic user-string copies per SPEC_FULL section 4's
// supporting-package list, since path semantics belong to the
// out-of-scope VFS layer.
package ustr

// Ustr is an immutable copy of a string read from user memory.
type Ustr []byte

// Eq reports whether two Ustr values contain identical bytes.
func (u Ustr) Eq(o Ustr) bool {
	if len(u) != len(o) {
		return false
	}
	for i, b := range u {
		if b != o[i] {
			return false
		}
	}
	return true
}

func (u Ustr) String() string { return string(u) }

// FromNULTerminated copies buf up to (but not including) the first NUL
// byte, the shape a copied-in argv/envp entry or path argument takes.
// It reports false if no NUL byte is found within buf, matching a
// syscall layer's "string too long or not terminated" error case.
func FromNULTerminated(buf []byte) (Ustr, bool) {
	for i, b := range buf {
		if b == 0 {
			out := make(Ustr, i)
			copy(out, buf[:i])
			return out, true
		}
	}
	return nil, false
}

// Clone returns an independent copy of u so the caller can release the
// original user-facing buffer.
func (u Ustr) Clone() Ustr {
	out := make(Ustr, len(u))
	copy(out, u)
	return out
}
