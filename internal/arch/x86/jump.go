package x86

import (
	"encoding/binary"
	"math"
)

const (
	opcodeJMPrel32  = 0xe9
	opcodeJMPrel8   = 0xeb
	opcodeCALLrel32 = 0xe8
	opcodeJccRel8   = 0x70
	opcodeTwoByte   = 0x0f
	opcodeJccRel32  = 0x80
	opcodeIndirect  = 0xff

	modrmJMPripRel  = 0x25 // FF /4, [RIP+disp32]
	modrmCALLripRel = 0x15 // FF /2, [RIP+disp32]

	// NearJumpLen is the size of JMP rel32.
	NearJumpLen = 5
	// AbsJumpLen is the size of JMP [RIP+0] followed by the 64-bit target.
	AbsJumpLen = 14
	// Reach is the largest displacement a rel32 branch can encode.
	Reach = math.MaxInt32
)

// rel32 returns the displacement from the end of an instruction at from
// of size n to to, and whether it fits in 32 bits.
func rel32(from uintptr, n int, to uintptr) (int32, bool) {
	d := int64(to) - int64(from+uintptr(n))
	if d < math.MinInt32 || d > math.MaxInt32 {
		return 0, false
	}
	return int32(d), true
}

// NearJump encodes JMP rel32 placed at from. It reports false when to is
// out of reach.
func NearJump(from, to uintptr) ([]byte, bool) {
	d, ok := rel32(from, NearJumpLen, to)
	if !ok {
		return nil, false
	}
	buf := make([]byte, NearJumpLen)
	buf[0] = opcodeJMPrel32
	binary.LittleEndian.PutUint32(buf[1:], uint32(d))
	return buf, true
}

// AbsJump encodes a position independent jump to to. It clobbers no
// registers.
func AbsJump(to uintptr) []byte {
	buf := make([]byte, AbsJumpLen)
	buf[0] = opcodeIndirect
	buf[1] = modrmJMPripRel
	binary.LittleEndian.PutUint64(buf[6:], uint64(to))
	return buf
}

// Jump picks the shortest jump from from to to.
func Jump(from, to uintptr) []byte {
	if b, ok := NearJump(from, to); ok {
		return b
	}
	return AbsJump(to)
}

// absCall is CALL [RIP+2]; JMP +8; .quad to
func absCall(to uintptr) []byte {
	buf := make([]byte, 16)
	buf[0] = opcodeIndirect
	buf[1] = modrmCALLripRel
	binary.LittleEndian.PutUint32(buf[2:], 2)
	buf[6] = opcodeJMPrel8
	buf[7] = 8
	binary.LittleEndian.PutUint64(buf[8:], uint64(to))
	return buf
}
