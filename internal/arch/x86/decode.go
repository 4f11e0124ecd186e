// Package x86 decodes and relocates x86-64 instructions for function
// prologue rewriting.
package x86

import (
	"errors"

	"golang.org/x/arch/x86/x86asm"

	"github.com/k2io/inlinehook/internal/insn"
)

const (
	// MaxInsnLen is the longest legal x86 instruction.
	MaxInsnLen = 15
	mode       = 64

	opcodeINT3 = 0xcc
)

// Decode decodes the instruction at the start of code, which executes at pc.
func Decode(code []byte, pc uintptr) (insn.Instruction, error) {
	if len(code) == 0 {
		return insn.Instruction{}, insn.Truncated(pc)
	}
	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		if errors.Is(err, x86asm.ErrTruncated) {
			return insn.Instruction{}, insn.Truncated(pc)
		}
		return insn.Instruction{}, insn.Malformed(pc)
	}
	// x86asm reports both a cut off window and an invalid opcode as a
	// lone prefix with no opcode
	if inst.Op == 0 || inst.Len == 0 {
		if truncatedWindow(code) {
			return insn.Instruction{}, insn.Truncated(pc)
		}
		return insn.Instruction{}, insn.Malformed(pc)
	}
	in := insn.Instruction{
		Addr:     pc,
		Len:      inst.Len,
		Raw:      append([]byte(nil), code[:inst.Len]...),
		Mnemonic: inst.Op.String(),
	}
	switch inst.Op {
	case x86asm.RET, x86asm.LRET, x86asm.JMP, x86asm.UD2, x86asm.HLT, x86asm.IRETQ:
		in.Terminal = true
	case x86asm.NOP:
		in.Padding = true
	case x86asm.INT:
		if code[0] == opcodeINT3 {
			in.Padding = true
		}
	}
	end := pc + uintptr(inst.Len)
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		switch a := a.(type) {
		case x86asm.Rel:
			in.Target = end + uintptr(int64(a))
			switch {
			case inst.Op == x86asm.JMP:
				in.Kind = insn.Jump
			case inst.Op == x86asm.CALL:
				in.Kind = insn.Call
			default:
				in.Kind = insn.CondJump
			}
		case x86asm.Mem:
			if a.Base == x86asm.RIP {
				in.Kind = insn.PCRelMem
				// disp32 is sign extended
				in.Target = end + uintptr(int64(int32(a.Disp)))
			}
		}
	}
	return in, nil
}

// truncatedWindow reports whether code only failed to decode because it
// ends early.
func truncatedWindow(code []byte) bool {
	if len(code) >= MaxInsnLen {
		return false
	}
	padded := make([]byte, MaxInsnLen)
	copy(padded, code)
	inst, err := x86asm.Decode(padded, mode)
	return err == nil && inst.Op != 0 && inst.Len > len(code)
}
