package x86

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/k2io/inlinehook/internal/insn"
)

// ErrUnrelocatable means the instruction cannot be moved to the requested
// address without changing what it does.
var ErrUnrelocatable = errors.New("instruction cannot be relocated")

// condCodes maps Jcc mnemonics to the low nibble of their opcode.
var condCodes = map[x86asm.Op]byte{
	x86asm.JO:  0x0,
	x86asm.JNO: 0x1,
	x86asm.JB:  0x2,
	x86asm.JAE: 0x3,
	x86asm.JE:  0x4,
	x86asm.JNE: 0x5,
	x86asm.JBE: 0x6,
	x86asm.JA:  0x7,
	x86asm.JS:  0x8,
	x86asm.JNS: 0x9,
	x86asm.JP:  0xa,
	x86asm.JNP: 0xb,
	x86asm.JL:  0xc,
	x86asm.JGE: 0xd,
	x86asm.JLE: 0xe,
	x86asm.JG:  0xf,
}

// MaxRelocatedLen bounds the size Relocate can produce for in.
func MaxRelocatedLen(in insn.Instruction) int {
	switch in.Kind {
	case insn.Jump:
		return AbsJumpLen
	case insn.Call:
		return 16
	case insn.CondJump:
		// LOOP/JCXZ expansion: prefix + op + rel8, JMP rel8, absolute jump
		return in.Len + 2 + AbsJumpLen
	default:
		return in.Len
	}
}

// Relocate re-encodes in so that it behaves the same when executed at pc.
// dest maps the original branch destination to the address that should be
// used instead, which lets branches into a relocated block follow it.
func Relocate(in insn.Instruction, pc uintptr, dest func(uintptr) uintptr) ([]byte, error) {
	if in.Kind == insn.Relocatable {
		return append([]byte(nil), in.Raw...), nil
	}
	inst, err := x86asm.Decode(in.Raw, mode)
	if err != nil {
		return nil, insn.Malformed(in.Addr)
	}
	to := in.Target
	if dest != nil {
		to = dest(to)
	}
	switch in.Kind {
	case insn.PCRelMem:
		return relocateRIP(in, inst, pc)
	case insn.Jump:
		return Jump(pc, to), nil
	case insn.Call:
		if d, ok := rel32(pc, 5, to); ok {
			buf := make([]byte, 5)
			buf[0] = opcodeCALLrel32
			binary.LittleEndian.PutUint32(buf[1:], uint32(d))
			return buf, nil
		}
		return absCall(to), nil
	case insn.CondJump:
		switch inst.Op {
		case x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE, x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ:
			return relocateLoop(in, pc, to), nil
		}
		cc, ok := condCodes[inst.Op]
		if !ok {
			return nil, fmt.Errorf("%w: %s at %#x", ErrUnrelocatable, inst.Op, in.Addr)
		}
		if d, ok := rel32(pc, 6, to); ok {
			buf := make([]byte, 6)
			buf[0] = opcodeTwoByte
			buf[1] = opcodeJccRel32 | cc
			binary.LittleEndian.PutUint32(buf[2:], uint32(d))
			return buf, nil
		}
		// inverted condition skips over an absolute jump
		buf := []byte{opcodeJccRel8 | (cc ^ 1), AbsJumpLen}
		return append(buf, AbsJump(to)...), nil
	}
	return nil, fmt.Errorf("%w: %s at %#x", ErrUnrelocatable, in.Kind, in.Addr)
}

func relocateRIP(in insn.Instruction, inst x86asm.Inst, pc uintptr) ([]byte, error) {
	if inst.PCRel != 4 {
		return nil, fmt.Errorf("%w: %d-byte displacement at %#x", ErrUnrelocatable, inst.PCRel, in.Addr)
	}
	d, ok := rel32(pc, in.Len, in.Target)
	if !ok {
		return nil, fmt.Errorf("%w: %#x out of rel32 reach from %#x", ErrUnrelocatable, in.Target, pc)
	}
	buf := append([]byte(nil), in.Raw...)
	binary.LittleEndian.PutUint32(buf[inst.PCRelOff:], uint32(d))
	return buf, nil
}

// relocateLoop expands the rel8-only LOOP/JCXZ family:
//
//	op +2        ; taken -> tail
//	JMP rel8 n   ; not taken -> skip tail
//	tail: jump to destination
func relocateLoop(in insn.Instruction, pc uintptr, to uintptr) []byte {
	buf := append([]byte(nil), in.Raw[:in.Len-1]...)
	buf = append(buf, 2)
	tailAt := pc + uintptr(len(buf)) + 2
	tail := Jump(tailAt, to)
	buf = append(buf, opcodeJMPrel8, byte(len(tail)))
	return append(buf, tail...)
}
