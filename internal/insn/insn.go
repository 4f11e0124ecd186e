// Package insn holds the architecture neutral result of decoding one
// machine instruction.
package insn

import (
	"errors"
	"fmt"
)

// Kind says how an instruction depends on the address it executes from.
type Kind uint8

const (
	// Relocatable instructions can be copied verbatim.
	Relocatable Kind = iota
	// Jump is an unconditional pc-relative branch.
	Jump
	// Call is a pc-relative call.
	Call
	// CondJump is a conditional pc-relative branch.
	CondJump
	// PCRelMem accesses memory at an address relative to the pc.
	PCRelMem
	// PCRelAddr materializes an address relative to the pc.
	PCRelAddr
)

var kindNames = [...]string{
	Relocatable: "relocatable",
	Jump:        "jump",
	Call:        "call",
	CondJump:    "cond-jump",
	PCRelMem:    "pcrel-mem",
	PCRelAddr:   "pcrel-addr",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Instruction is one decoded instruction.
type Instruction struct {
	// Addr is the runtime address the instruction was decoded at.
	Addr uintptr
	// Len is the encoded length in bytes.
	Len int
	// Kind classifies position dependence.
	Kind Kind
	// Target is the absolute branch destination or referenced address
	// of a position dependent instruction.
	Target uintptr
	// Raw holds a copy of the encoded bytes.
	Raw []byte
	// Mnemonic is for diagnostics only.
	Mnemonic string
	// Terminal instructions never fall through to the next one.
	Terminal bool
	// Padding marks filler the compiler places between functions.
	Padding bool
}

// PositionDependent reports whether copying the instruction elsewhere
// requires rewriting it.
func (i Instruction) PositionDependent() bool {
	return i.Kind != Relocatable
}

// End returns the address right after the instruction.
func (i Instruction) End() uintptr {
	return i.Addr + uintptr(i.Len)
}

func (i Instruction) String() string {
	if i.PositionDependent() {
		return fmt.Sprintf("%#x %-8s % x [%s -> %#x]", i.Addr, i.Mnemonic, i.Raw, i.Kind, i.Target)
	}
	return fmt.Sprintf("%#x %-8s % x", i.Addr, i.Mnemonic, i.Raw)
}

var (
	// ErrMalformed means the bytes do not encode a valid instruction.
	ErrMalformed = errors.New("malformed instruction")
	// ErrTruncated means the window ended inside an instruction.
	ErrTruncated = errors.New("truncated instruction")
)

// DecodeError reports where decoding failed.
type DecodeError struct {
	Addr uintptr
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode at %#x: %v", e.Addr, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Malformed returns a DecodeError wrapping ErrMalformed.
func Malformed(addr uintptr) error {
	return &DecodeError{Addr: addr, Err: ErrMalformed}
}

// Truncated returns a DecodeError wrapping ErrTruncated.
func Truncated(addr uintptr) error {
	return &DecodeError{Addr: addr, Err: ErrTruncated}
}
