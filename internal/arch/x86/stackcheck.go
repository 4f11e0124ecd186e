package x86

import "golang.org/x/arch/x86/x86asm"

// StackCheckLen is the longest stack bound check StackCheck recognizes.
const StackCheckLen = 24

// offset of stackguard0 in runtime.g
const stackguard0 = 16

// StackCheck returns the length of the stack bound check a Go function
// opens with, or 0:
//
//	LEA  r, [rsp-n]       ; frames past the small frame size only
//	CMP  rsp|r, [r14+16]
//	JBE  tail             ; tail calls runtime.morestack and jumps back
func StackCheck(code []byte) int {
	bound := x86asm.RSP
	off := 0
	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		return 0
	}
	if inst.Op == x86asm.LEA {
		r, rok := inst.Args[0].(x86asm.Reg)
		m, mok := inst.Args[1].(x86asm.Mem)
		if !rok || !mok || m.Base != x86asm.RSP {
			return 0
		}
		bound = r
		off = inst.Len
		if inst, err = x86asm.Decode(code[off:], mode); err != nil {
			return 0
		}
	}
	if inst.Op != x86asm.CMP || !comparesGuard(inst, bound) {
		return 0
	}
	off += inst.Len
	inst, err = x86asm.Decode(code[off:], mode)
	if err != nil || inst.Op != x86asm.JBE {
		return 0
	}
	if rel, ok := inst.Args[0].(x86asm.Rel); !ok || rel <= 0 {
		return 0
	}
	return off + inst.Len
}

func comparesGuard(inst x86asm.Inst, bound x86asm.Reg) bool {
	r, rok := inst.Args[0].(x86asm.Reg)
	m, mok := inst.Args[1].(x86asm.Mem)
	return rok && mok && r == bound && m.Base == x86asm.R14 && m.Index == 0 && m.Disp == stackguard0
}
