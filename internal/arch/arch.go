// Package arch describes each supported instruction set as a table of
// encoders so that the trampoline builder stays architecture neutral.
package arch

import (
	"github.com/k2io/inlinehook/internal/arch/arm64"
	"github.com/k2io/inlinehook/internal/arch/x86"
	"github.com/k2io/inlinehook/internal/insn"
)

// Spec is one instruction set.
type Spec struct {
	Name string
	// MaxInsnLen is the longest instruction, the decode look-ahead.
	MaxInsnLen int
	// CodeAlign is the required alignment of instruction addresses.
	CodeAlign int
	// NearJumpLen and AbsJumpLen are the takeover branch sizes.
	NearJumpLen int
	AbsJumpLen  int
	// Reach is the largest displacement of a near jump.
	Reach int64
	// StackCheckLen bounds the bytes StackCheck looks at.
	StackCheckLen int

	Decode          func(code []byte, pc uintptr) (insn.Instruction, error)
	Relocate        func(in insn.Instruction, pc uintptr, dest func(uintptr) uintptr) ([]byte, error)
	MaxRelocatedLen func(in insn.Instruction) int
	NearJump        func(from, to uintptr) ([]byte, bool)
	AbsJump         func(to uintptr) []byte
	Jump            func(from, to uintptr) []byte
	// StackCheck returns the length of a Go stack bound check at the
	// start of code, or 0.
	StackCheck func(code []byte) int
}

// InReach reports whether a near jump at from can land on to.
func (s *Spec) InReach(from, to uintptr) bool {
	_, ok := s.NearJump(from, to)
	return ok
}

var (
	// AMD64 is x86-64.
	AMD64 = &Spec{
		Name:            "amd64",
		MaxInsnLen:      x86.MaxInsnLen,
		CodeAlign:       1,
		NearJumpLen:     x86.NearJumpLen,
		AbsJumpLen:      x86.AbsJumpLen,
		Reach:           x86.Reach,
		Decode:          x86.Decode,
		Relocate:        x86.Relocate,
		MaxRelocatedLen: x86.MaxRelocatedLen,
		NearJump:        x86.NearJump,
		AbsJump:         x86.AbsJump,
		Jump:            x86.Jump,
		StackCheckLen:   x86.StackCheckLen,
		StackCheck:      x86.StackCheck,
	}
	// ARM64 is AArch64.
	ARM64 = &Spec{
		Name:            "arm64",
		MaxInsnLen:      arm64.MaxInsnLen,
		CodeAlign:       4,
		NearJumpLen:     arm64.NearJumpLen,
		AbsJumpLen:      arm64.AbsJumpLen,
		Reach:           arm64.Reach,
		Decode:          arm64.Decode,
		Relocate:        arm64.Relocate,
		MaxRelocatedLen: arm64.MaxRelocatedLen,
		NearJump:        arm64.NearJump,
		AbsJump:         arm64.AbsJump,
		Jump:            arm64.Jump,
		StackCheckLen:   arm64.StackCheckLen,
		StackCheck:      arm64.StackCheck,
	}
)

// ByName returns the spec for a GOARCH value, or nil.
func ByName(goarch string) *Spec {
	switch goarch {
	case "amd64":
		return AMD64
	case "arm64":
		return ARM64
	}
	return nil
}
