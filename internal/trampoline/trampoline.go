// Package trampoline relocates the first instructions of a function into
// executable memory so the function can still be called once its entry has
// been overwritten, and plans the jump that takes the entry over.
package trampoline

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/k2io/inlinehook/internal/arch"
	"github.com/k2io/inlinehook/internal/insn"
)

var (
	// ErrFunctionTooShort means the function ends before enough bytes for
	// the takeover jump.
	ErrFunctionTooShort = errors.New("function too short to hook")
	// ErrUnsupportedInstruction means an instruction in the prologue
	// cannot be relocated.
	ErrUnsupportedInstruction = errors.New("unsupported instruction in prologue")
	// ErrLayout means the trampoline could not be placed or did not fit
	// its slot.
	ErrLayout = errors.New("trampoline layout failed")
)

const maxLayoutPasses = 16

// Memory reads and writes code.
type Memory interface {
	Read(addr uintptr, n int) ([]byte, error)
	Patch(addr uintptr, code []byte) error
}

// Allocator hands out executable slots.
type Allocator interface {
	Allocate(size int) (uintptr, error)
	AllocateNear(size int, near uintptr) (uintptr, error)
	Shrink(addr uintptr, size int) error
	Free(addr uintptr) error
}

// Builder builds trampolines and takeovers for one architecture.
type Builder struct {
	arch  *arch.Spec
	mem   Memory
	alloc Allocator
	log   hclog.Logger
}

// New returns a Builder.
func New(spec *arch.Spec, mem Memory, alloc Allocator, log hclog.Logger) *Builder {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Builder{arch: spec, mem: mem, alloc: alloc, log: log}
}

// Plan is the decoded prologue of a function.
type Plan struct {
	Target   uintptr
	Prefix   []insn.Instruction
	Consumed int
	Original []byte
}

// Plan decodes whole instructions from target until at least minLen bytes
// are covered. Past a terminal instruction only padding may be consumed.
func (b *Builder) Plan(target uintptr, minLen int) (*Plan, error) {
	window, err := b.window(target, minLen)
	if err != nil {
		return nil, err
	}
	p := &Plan{Target: target}
	terminal := false
	for p.Consumed < minLen {
		pc := target + uintptr(p.Consumed)
		in, err := b.arch.Decode(window[p.Consumed:], pc)
		if err != nil {
			if terminal {
				return nil, errors.Wrapf(ErrFunctionTooShort, "%#x ends at %#x", target, pc)
			}
			return nil, err
		}
		if terminal && !in.Padding {
			return nil, errors.Wrapf(ErrFunctionTooShort, "%#x ends at %#x", target, pc)
		}
		p.Prefix = append(p.Prefix, in)
		p.Consumed += in.Len
		terminal = terminal || in.Terminal
	}
	p.Original = append([]byte(nil), window[:p.Consumed]...)
	return p, nil
}

// window reads enough bytes to decode minLen bytes of instructions,
// settling for less when the look-ahead runs off the mapping.
func (b *Builder) window(target uintptr, minLen int) ([]byte, error) {
	return b.read(target, minLen+b.arch.MaxInsnLen-1, minLen)
}

func (b *Builder) read(addr uintptr, max, min int) ([]byte, error) {
	var err error
	for n := max; n >= min; n-- {
		var buf []byte
		if buf, err = b.mem.Read(addr, n); err == nil {
			return buf, nil
		}
	}
	return nil, err
}

// Entry returns where the takeover of target is written. A Go function
// opening with a stack bound check is taken over right after the check:
// its morestack path jumps back to target, and must run the check again
// rather than the replacement.
func (b *Builder) Entry(target uintptr) uintptr {
	if b.arch.StackCheck == nil {
		return target
	}
	code, err := b.read(target, b.arch.StackCheckLen, 1)
	if err != nil {
		return target
	}
	if n := b.arch.StackCheck(code); n > 0 {
		b.log.Debug("takeover after stack check", "target", hclog.Fmt("%#x", target), "skip", n)
		return target + uintptr(n)
	}
	return target
}

// Trampoline is a relocated copy of a function prologue followed by a jump
// back to the rest of the function.
type Trampoline struct {
	Address  uintptr
	Size     int
	Consumed int
	Original []byte
	Prefix   []insn.Instruction
}

// Build plans and builds a trampoline covering at least minLen bytes.
func (b *Builder) Build(target uintptr, minLen int) (*Trampoline, error) {
	p, err := b.Plan(target, minLen)
	if err != nil {
		return nil, err
	}
	return b.BuildPlan(p)
}

// BuildPlan builds the trampoline of a plan.
func (b *Builder) BuildPlan(p *Plan) (*Trampoline, error) {
	bound := b.arch.AbsJumpLen
	for _, in := range p.Prefix {
		bound += b.arch.MaxRelocatedLen(in)
	}
	addr, err := b.alloc.AllocateNear(bound, p.Target)
	if err != nil {
		b.log.Debug("no memory near target, trampoline goes far", "target", hclog.Fmt("%#x", p.Target), "error", err)
		if addr, err = b.alloc.Allocate(bound); err != nil {
			return nil, err
		}
	}
	end := p.Target + uintptr(p.Consumed)
	if addr < end && p.Target < addr+uintptr(bound) {
		_ = b.alloc.Free(addr)
		return nil, errors.Wrapf(ErrLayout, "trampoline %#x overlaps %#x", addr, p.Target)
	}

	code, err := b.layout(p, addr)
	if err == nil && len(code) > bound {
		err = errors.Wrapf(ErrLayout, "trampoline for %#x needs %d bytes, reserved %d", p.Target, len(code), bound)
	}
	if err == nil {
		err = b.mem.Patch(addr, code)
	}
	if err != nil {
		_ = b.alloc.Free(addr)
		return nil, err
	}
	_ = b.alloc.Shrink(addr, len(code))

	b.log.Debug("built trampoline", "target", hclog.Fmt("%#x", p.Target), "at", hclog.Fmt("%#x", addr),
		"size", humanize.IBytes(uint64(len(code))), "consumed", p.Consumed)
	if b.log.IsTrace() {
		for _, in := range p.Prefix {
			b.log.Trace("relocated", "insn", in.String())
		}
	}
	return &Trampoline{
		Address:  addr,
		Size:     len(code),
		Consumed: p.Consumed,
		Original: p.Original,
		Prefix:   p.Prefix,
	}, nil
}

// layout relocates the prefix to addr. Branches that land on a prefix
// instruction are pointed at its copy, which can change the size of
// earlier copies, so layout repeats until every offset is stable.
func (b *Builder) layout(p *Plan, addr uintptr) ([]byte, error) {
	n := len(p.Prefix)
	offs := make([]int, n+1)
	for i, in := range p.Prefix {
		offs[i+1] = offs[i] + in.Len
	}
	end := p.Target + uintptr(p.Consumed)

	var badDest error
	dest := func(to uintptr) uintptr {
		if to < p.Target || to >= end {
			return to
		}
		for i, in := range p.Prefix {
			if in.Addr == to {
				return addr + uintptr(offs[i])
			}
		}
		badDest = errors.Wrapf(ErrUnsupportedInstruction, "branch into the middle of an instruction at %#x", to)
		return to
	}

	for pass := 0; pass < maxLayoutPasses; pass++ {
		var code []byte
		next := make([]int, n+1)
		for i, in := range p.Prefix {
			next[i] = len(code)
			enc, err := b.arch.Relocate(in, addr+uintptr(len(code)), dest)
			if err != nil {
				return nil, errors.Wrap(ErrUnsupportedInstruction, err.Error())
			}
			if badDest != nil {
				return nil, badDest
			}
			code = append(code, enc...)
		}
		next[n] = len(code)
		code = append(code, b.arch.Jump(addr+uintptr(len(code)), end)...)
		if equalInts(offs, next) {
			return code, nil
		}
		offs = next
	}
	return nil, errors.Wrapf(ErrUnsupportedInstruction, "layout of %#x does not settle", p.Target)
}

func equalInts(a, b []int) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Mode is how a takeover reaches the replacement.
type Mode uint8

const (
	// Near is a direct branch to the replacement.
	Near Mode = iota
	// Relay branches to a stub near the target holding an absolute jump.
	Relay
	// Absolute writes the absolute jump in place.
	Absolute
)

func (m Mode) String() string {
	switch m {
	case Near:
		return "near"
	case Relay:
		return "relay"
	case Absolute:
		return "absolute"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// Takeover is the code written over a function entry.
type Takeover struct {
	Target      uintptr
	Replacement uintptr
	Code        []byte
	Mode        Mode
	// Relay is the stub address, or 0.
	Relay uintptr
}

// Takeover picks the shortest way to send execution from target to
// replacement, allocating a relay stub when a direct branch cannot reach.
func (b *Builder) Takeover(target, replacement uintptr) (*Takeover, error) {
	t := &Takeover{Target: target, Replacement: replacement}
	if code, ok := b.arch.NearJump(target, replacement); ok {
		t.Code, t.Mode = code, Near
		return t, nil
	}
	relay, err := b.alloc.AllocateNear(b.arch.AbsJumpLen, target)
	if err == nil {
		code, ok := b.arch.NearJump(target, relay)
		if ok {
			err = b.mem.Patch(relay, b.arch.AbsJump(replacement))
		}
		if ok && err == nil {
			t.Code, t.Mode, t.Relay = code, Relay, relay
			return t, nil
		}
		_ = b.alloc.Free(relay)
		if err != nil {
			return nil, err
		}
	}
	t.Code, t.Mode = b.arch.AbsJump(replacement), Absolute
	return t, nil
}

// Release frees the memory held by a trampoline and a takeover. Either may
// be nil.
func (b *Builder) Release(tr *Trampoline, t *Takeover) {
	if tr != nil && tr.Address != 0 {
		_ = b.alloc.Free(tr.Address)
	}
	if t != nil && t.Relay != 0 {
		_ = b.alloc.Free(t.Relay)
	}
}
