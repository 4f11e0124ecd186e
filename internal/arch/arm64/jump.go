package arm64

import "encoding/binary"

const (
	opB   = 0x14000000
	opBL  = 0x94000000
	opADR = 0x10000000

	// LDR X17, #8 ; BR X17 ; BLR X17
	ldrX17Lit8 = 0x58000051
	brX17      = 0xd61f0220
	blrX17     = 0xd63f0220

	regX17 = 17

	// NearJumpLen is the size of B imm26.
	NearJumpLen = 4
	// AbsJumpLen is LDR X17, #8 ; BR X17 ; .quad target.
	AbsJumpLen = 16
	// Reach is the largest displacement B can encode.
	Reach = 1<<27 - 4
)

func putWords(ws ...uint32) []byte {
	buf := make([]byte, 4*len(ws))
	for i, w := range ws {
		binary.LittleEndian.PutUint32(buf[4*i:], w)
	}
	return buf
}

func appendAddr(buf []byte, to uintptr) []byte {
	return binary.LittleEndian.AppendUint64(buf, uint64(to))
}

// branch encodes B or BL from from to to.
func branch(op uint32, from, to uintptr) ([]byte, bool) {
	d := int64(to) - int64(from)
	if d&3 != 0 {
		return nil, false
	}
	w, ok := imm26.set(op, d>>2)
	if !ok {
		return nil, false
	}
	return putWords(w), true
}

// NearJump encodes B placed at from. It reports false when to is out of
// reach or misaligned.
func NearJump(from, to uintptr) ([]byte, bool) {
	return branch(opB, from, to)
}

// AbsJump encodes a jump to to through X17, the intra-procedure-call
// scratch register.
func AbsJump(to uintptr) []byte {
	return appendAddr(putWords(ldrX17Lit8, brX17), to)
}

// Jump picks the shortest jump from from to to.
func Jump(from, to uintptr) []byte {
	if b, ok := NearJump(from, to); ok {
		return b
	}
	return AbsJump(to)
}
