package arm64

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/k2io/inlinehook/internal/insn"
)

// ErrUnrelocatable means the instruction cannot be moved to the requested
// address without changing what it does.
var ErrUnrelocatable = errors.New("instruction cannot be relocated")

// unsigned-offset loads through X17, by literal opc and V
var loadX17 = map[uint32]uint32{
	0x0: 0xb9400000 | regX17<<5, // LDR Wt
	0x1: 0xf9400000 | regX17<<5, // LDR Xt
	0x2: 0xb9800000 | regX17<<5, // LDRSW Xt
	0x4: 0xbd400000 | regX17<<5, // LDR St
	0x5: 0xfd400000 | regX17<<5, // LDR Dt
	0x6: 0x3dc00000 | regX17<<5, // LDR Qt
}

// MaxRelocatedLen bounds the size Relocate can produce for in.
func MaxRelocatedLen(in insn.Instruction) int {
	switch in.Kind {
	case insn.Jump, insn.PCRelAddr:
		return 16
	case insn.Call, insn.PCRelMem:
		return 20
	case insn.CondJump:
		return 24
	default:
		return in.Len
	}
}

// Relocate re-encodes in so that it behaves the same when executed at pc.
// dest maps branch destinations to the address that should be used instead.
func Relocate(in insn.Instruction, pc uintptr, dest func(uintptr) uintptr) ([]byte, error) {
	if in.Kind == insn.Relocatable {
		return append([]byte(nil), in.Raw...), nil
	}
	if pc&3 != 0 || len(in.Raw) != MaxInsnLen {
		return nil, fmt.Errorf("%w: misaligned relocation to %#x", ErrUnrelocatable, pc)
	}
	w := binary.LittleEndian.Uint32(in.Raw)
	to := in.Target
	if dest != nil && in.Kind != insn.PCRelAddr && in.Kind != insn.PCRelMem {
		to = dest(to)
	}
	switch in.Kind {
	case insn.Jump:
		return Jump(pc, to), nil
	case insn.Call:
		if b, ok := branch(opBL, pc, to); ok {
			return b, nil
		}
		// LDR X17, #12 ; BLR X17 ; B #12 ; .quad to
		return appendAddr(putWords(0x58000071, blrX17, opB|3), to), nil
	case insn.CondJump:
		f := imm19
		if isTBZ(w) {
			f = imm14
		}
		if nw, ok := f.set(w, (int64(to)-int64(pc))>>2); ok && (int64(to)-int64(pc))&3 == 0 {
			return putWords(nw), nil
		}
		// taken -> absolute jump at +8, not taken -> skip it
		nw, _ := f.set(w, 2)
		return append(putWords(nw, opB|5), AbsJump(to)...), nil
	case insn.PCRelAddr:
		return relocateADR(w, pc, to), nil
	case insn.PCRelMem:
		return relocateLiteral(w, pc, to)
	}
	return nil, fmt.Errorf("%w: %s at %#x", ErrUnrelocatable, in.Kind, in.Addr)
}

func relocateADR(w uint32, pc, to uintptr) []byte {
	rd := w & 0x1f
	var imm int64
	if w>>31 == 1 {
		imm = (int64(to&^0xfff) - int64(pc&^0xfff)) >> 12
	} else {
		imm = int64(to) - int64(pc)
	}
	if imm >= -(1<<20) && imm < 1<<20 {
		v := uint32(imm)
		nw := w&0x9f00001f | (v&3)<<29 | (v>>2&0x7ffff)<<5
		return putWords(nw)
	}
	// LDR Xd, #8 ; B #12 ; .quad to
	return appendAddr(putWords(0x58000040|rd, opB|3), to)
}

func relocateLiteral(w uint32, pc, to uintptr) ([]byte, error) {
	d := int64(to) - int64(pc)
	if nw, ok := imm19.set(w, d>>2); ok && d&3 == 0 {
		return putWords(nw), nil
	}
	opc := w>>30&3 | w>>24&4
	if opc == 0x3 {
		// PRFM only hints the cache
		return putWords(wordNOP), nil
	}
	load, ok := loadX17[opc]
	if !ok {
		return nil, fmt.Errorf("%w: literal load %#08x", ErrUnrelocatable, w)
	}
	// LDR X17, #8 ; B #12 ; .quad to ; load Rt, [X17]
	buf := appendAddr(putWords(ldrX17Lit8, opB|3), to)
	return append(buf, putWords(load|w&0x1f)...), nil
}
