// Package arm64 decodes and relocates AArch64 instructions for function
// prologue rewriting.
package arm64

import (
	"encoding/binary"

	"golang.org/x/arch/arm64/arm64asm"

	"github.com/k2io/inlinehook/internal/insn"
)

const (
	// MaxInsnLen is the fixed AArch64 instruction width.
	MaxInsnLen = 4

	wordNOP = 0xd503201f
	wordUDF = 0x00000000
)

// field describes where a pc-relative immediate lives in an encoding.
type field struct {
	shift, bits uint
}

var (
	imm26 = field{0, 26}
	imm19 = field{5, 19}
	imm14 = field{5, 14}
)

func (f field) get(w uint32) int64 {
	return sext(w>>f.shift&(1<<f.bits-1), f.bits)
}

// set replaces the field with v and reports false if v does not fit.
func (f field) set(w uint32, v int64) (uint32, bool) {
	if v < -(1<<(f.bits-1)) || v >= 1<<(f.bits-1) {
		return w, false
	}
	mask := uint32(1<<f.bits-1) << f.shift
	return w&^mask | uint32(v)<<f.shift&mask, true
}

func sext(v uint32, bits uint) int64 {
	shift := 64 - bits
	return int64(uint64(v)<<shift) >> shift
}

func isB(w uint32) bool       { return w&0x7c000000 == 0x14000000 }
func isBCond(w uint32) bool   { return w&0xff000010 == 0x54000000 }
func isCBZ(w uint32) bool     { return w&0x7e000000 == 0x34000000 }
func isTBZ(w uint32) bool     { return w&0x7e000000 == 0x36000000 }
func isADR(w uint32) bool     { return w&0x1f000000 == 0x10000000 }
func isLDRLit(w uint32) bool  { return w&0x3b000000 == 0x18000000 }
func isRetOrBr(w uint32) bool { return w&0xffbffc1f == 0xd61f0000 }
func isBRK(w uint32) bool     { return w&0xffe0001f == 0xd4200000 }

func adrImm(w uint32) int64 {
	lo := w >> 29 & 3
	hi := w >> 5 & 0x7ffff
	return sext(hi<<2|lo, 21)
}

// Decode decodes the instruction at the start of code, which executes at pc.
func Decode(code []byte, pc uintptr) (insn.Instruction, error) {
	if pc&3 != 0 {
		return insn.Instruction{}, insn.Malformed(pc)
	}
	if len(code) < MaxInsnLen {
		return insn.Instruction{}, insn.Truncated(pc)
	}
	w := binary.LittleEndian.Uint32(code)
	in := insn.Instruction{
		Addr: pc,
		Len:  MaxInsnLen,
		Raw:  append([]byte(nil), code[:MaxInsnLen]...),
	}
	if w == wordUDF {
		in.Mnemonic = "UDF"
		in.Terminal = true
		in.Padding = true
		return in, nil
	}
	inst, err := arm64asm.Decode(code[:MaxInsnLen])
	if err != nil {
		return insn.Instruction{}, insn.Malformed(pc)
	}
	in.Mnemonic = inst.Op.String()

	switch {
	case w == wordNOP:
		in.Padding = true
	case isB(w):
		in.Target = offset(pc, imm26.get(w)<<2)
		if w>>31 == 1 {
			in.Kind = insn.Call
		} else {
			in.Kind = insn.Jump
			in.Terminal = true
		}
	case isBCond(w), isCBZ(w):
		in.Kind = insn.CondJump
		in.Target = offset(pc, imm19.get(w)<<2)
	case isTBZ(w):
		in.Kind = insn.CondJump
		in.Target = offset(pc, imm14.get(w)<<2)
	case isADR(w):
		in.Kind = insn.PCRelAddr
		if w>>31 == 1 {
			in.Target = offset(pc&^0xfff, adrImm(w)<<12)
		} else {
			in.Target = offset(pc, adrImm(w))
		}
	case isLDRLit(w):
		in.Kind = insn.PCRelMem
		in.Target = offset(pc, imm19.get(w)<<2)
	case isRetOrBr(w), isBRK(w):
		in.Terminal = true
	}
	return in, nil
}

func offset(pc uintptr, d int64) uintptr {
	return uintptr(int64(pc) + d)
}
