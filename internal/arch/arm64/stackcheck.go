package arm64

import "encoding/binary"

// StackCheckLen is the longest stack bound check StackCheck recognizes.
const StackCheckLen = 16

const (
	// ldr x16, [x28, #16]
	wordLoadGuard = 0xf9400b90
	condLS        = 9
)

// StackCheck returns the length of the stack bound check a Go function
// opens with, or 0:
//
//	ldr  x16, [x28, #16]
//	[sub x17, sp, #n]     ; large frames only
//	cmp  sp|x17, x16
//	b.ls tail             ; tail calls runtime.morestack and jumps back
func StackCheck(code []byte) int {
	if len(code) < MaxInsnLen || binary.LittleEndian.Uint32(code) != wordLoadGuard {
		return 0
	}
	for off := MaxInsnLen; off+MaxInsnLen <= len(code) && off < StackCheckLen; off += MaxInsnLen {
		w := binary.LittleEndian.Uint32(code[off:])
		switch {
		case isBCond(w):
			if w&0xf == condLS && imm19.get(w) > 0 {
				return off + MaxInsnLen
			}
			return 0
		case isB(w), isCBZ(w), isTBZ(w), isRetOrBr(w), isADR(w), isLDRLit(w):
			return 0
		}
	}
	return 0
}
