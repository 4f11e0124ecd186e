package trampoline

import (
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/k2io/inlinehook/internal/arch"
	"github.com/k2io/inlinehook/internal/arch/arm64"
	"github.com/k2io/inlinehook/internal/arch/x86"
	"github.com/k2io/inlinehook/internal/insn"
)

var errNoRoom = errors.New("no room")

type fakeMemory struct {
	bytes  map[uintptr]byte
	writes int
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{bytes: map[uintptr]byte{}}
}

func (m *fakeMemory) load(addr uintptr, code []byte) {
	for i, b := range code {
		m.bytes[addr+uintptr(i)] = b
	}
}

func (m *fakeMemory) at(addr uintptr, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = m.bytes[addr+uintptr(i)]
	}
	return out
}

func (m *fakeMemory) Read(addr uintptr, n int) ([]byte, error) {
	return m.at(addr, n), nil
}

func (m *fakeMemory) Patch(addr uintptr, code []byte) error {
	m.writes++
	m.load(addr, code)
	return nil
}

type fakeAlloc struct {
	near, far uintptr
	noNear    bool
	live      map[uintptr]int
	freed     []uintptr
}

func newFakeAlloc() *fakeAlloc {
	return &fakeAlloc{near: 0x500000, far: 0x7f0000000000, live: map[uintptr]int{}}
}

func (a *fakeAlloc) take(p *uintptr, size int) uintptr {
	addr := *p
	*p += uintptr((size + 15) &^ 15)
	a.live[addr] = size
	return addr
}

func (a *fakeAlloc) Allocate(size int) (uintptr, error) { return a.take(&a.far, size), nil }

func (a *fakeAlloc) AllocateNear(size int, near uintptr) (uintptr, error) {
	if a.noNear {
		return 0, errNoRoom
	}
	return a.take(&a.near, size), nil
}

func (a *fakeAlloc) Shrink(addr uintptr, size int) error {
	a.live[addr] = size
	return nil
}

func (a *fakeAlloc) Free(addr uintptr) error {
	delete(a.live, addr)
	a.freed = append(a.freed, addr)
	return nil
}

func newBuilder(spec *arch.Spec) (*Builder, *fakeMemory, *fakeAlloc) {
	mem, alloc := newFakeMemory(), newFakeAlloc()
	return New(spec, mem, alloc, nil), mem, alloc
}

const target = 0x400000

func padded(code []byte, fill byte) []byte {
	out := append([]byte(nil), code...)
	for len(out) < 32 {
		out = append(out, fill)
	}
	return out
}

func decodeX86(t *testing.T, mem *fakeMemory, addr uintptr) insn.Instruction {
	t.Helper()
	in, err := x86.Decode(mem.at(addr, x86.MaxInsnLen), addr)
	require.NoError(t, err)
	return in
}

func TestBuildLeafX86(t *testing.T) {
	b, mem, alloc := newBuilder(arch.AMD64)
	mem.load(target, padded([]byte{0x48, 0x8d, 0x04, 0x19, 0xc3}, 0xcc))

	tr, err := b.Build(target, x86.NearJumpLen)
	require.NoError(t, err)
	require.Equal(t, 5, tr.Consumed)
	require.Equal(t, []byte{0x48, 0x8d, 0x04, 0x19, 0xc3}, tr.Original)
	require.Len(t, tr.Prefix, 2)
	require.Equal(t, 10, tr.Size)
	require.Equal(t, 10, alloc.live[tr.Address])

	require.Equal(t, tr.Original, mem.at(tr.Address, 5))
	back := decodeX86(t, mem, tr.Address+5)
	require.Equal(t, insn.Jump, back.Kind)
	require.Equal(t, uintptr(target+5), back.Target)
}

func TestPlanConsumesPaddingAfterReturn(t *testing.T) {
	b, mem, _ := newBuilder(arch.AMD64)
	mem.load(target, padded([]byte{0x48, 0x8d, 0x04, 0x19, 0xc3}, 0xcc))

	p, err := b.Plan(target, x86.AbsJumpLen)
	require.NoError(t, err)
	require.Equal(t, x86.AbsJumpLen, p.Consumed)
	for _, in := range p.Prefix[2:] {
		require.True(t, in.Padding)
	}
}

func TestPlanTooShort(t *testing.T) {
	b, mem, _ := newBuilder(arch.AMD64)
	mem.load(target, []byte{0xc3, 0x48, 0x89, 0xc8, 0xc3})

	_, err := b.Plan(target, x86.NearJumpLen)
	require.ErrorIs(t, err, ErrFunctionTooShort)
}

func TestPlanMalformed(t *testing.T) {
	b, mem, _ := newBuilder(arch.AMD64)
	mem.load(target, []byte{0x06, 0x06, 0x06, 0x06, 0x06})

	_, err := b.Plan(target, x86.NearJumpLen)
	require.ErrorIs(t, err, insn.ErrMalformed)
}

func TestBuildStackCheckPrologue(t *testing.T) {
	b, mem, _ := newBuilder(arch.AMD64)
	// CMPQ SP, 16(R14); JLS +0x20; PUSHQ BP; MOVQ SP, BP
	mem.load(target, padded([]byte{0x49, 0x3b, 0x66, 0x10, 0x76, 0x20, 0x55, 0x48, 0x89, 0xe5}, 0xcc))

	tr, err := b.Build(target, x86.NearJumpLen)
	require.NoError(t, err)
	require.Equal(t, 6, tr.Consumed)
	require.Equal(t, 15, tr.Size)

	jbe := decodeX86(t, mem, tr.Address+4)
	require.Equal(t, insn.CondJump, jbe.Kind)
	require.Equal(t, 6, jbe.Len)
	require.Equal(t, uintptr(target+0x26), jbe.Target)

	back := decodeX86(t, mem, tr.Address+10)
	require.Equal(t, uintptr(target+6), back.Target)
}

func TestBuildBranchIntoPrefix(t *testing.T) {
	b, mem, _ := newBuilder(arch.AMD64)
	// JE +2; XORL AX, AX; XORL AX, AX; RET
	mem.load(target, padded([]byte{0x74, 0x02, 0x31, 0xc0, 0x31, 0xc0, 0xc3}, 0xcc))

	tr, err := b.Build(target, x86.NearJumpLen)
	require.NoError(t, err)
	require.Equal(t, 6, tr.Consumed)

	je := decodeX86(t, mem, tr.Address)
	require.Equal(t, insn.CondJump, je.Kind)
	require.Equal(t, tr.Address+8, je.Target)
	require.Equal(t, []byte{0x31, 0xc0, 0x31, 0xc0}, mem.at(tr.Address+6, 4))
	back := decodeX86(t, mem, tr.Address+10)
	require.Equal(t, uintptr(target+6), back.Target)
}

func TestBuildRIPRelative(t *testing.T) {
	b, mem, _ := newBuilder(arch.AMD64)
	// MOVQ 0x10(IP), AX
	mem.load(target, padded([]byte{0x48, 0x8b, 0x05, 0x10, 0x00, 0x00, 0x00, 0xc3}, 0xcc))

	tr, err := b.Build(target, x86.NearJumpLen)
	require.NoError(t, err)
	mov := decodeX86(t, mem, tr.Address)
	require.Equal(t, insn.PCRelMem, mov.Kind)
	require.Equal(t, uintptr(target+0x17), mov.Target)
}

func TestBuildFarRIPRelativeUnsupported(t *testing.T) {
	b, mem, alloc := newBuilder(arch.AMD64)
	alloc.noNear = true
	mem.load(target, padded([]byte{0x48, 0x8b, 0x05, 0x10, 0x00, 0x00, 0x00, 0xc3}, 0xcc))

	_, err := b.Build(target, x86.NearJumpLen)
	require.ErrorIs(t, err, ErrUnsupportedInstruction)
	require.Empty(t, alloc.live)
	require.Len(t, alloc.freed, 1)
}

func TestBuildFarCall(t *testing.T) {
	b, mem, alloc := newBuilder(arch.AMD64)
	alloc.noNear = true
	// CALL +0x100; RET
	mem.load(target, padded([]byte{0xe8, 0x00, 0x01, 0x00, 0x00, 0xc3}, 0xcc))

	tr, err := b.Build(target, x86.NearJumpLen)
	require.NoError(t, err)
	code := mem.at(tr.Address, tr.Size)
	require.Equal(t, []byte{0xff, 0x15, 0x02, 0x00, 0x00, 0x00, 0xeb, 0x08}, code[:8])
	require.Equal(t, uint64(target+0x105), binary.LittleEndian.Uint64(code[8:16]))
	require.Equal(t, x86.AbsJump(target+5), code[16:])
}

func TestTakeoverModes(t *testing.T) {
	b, mem, alloc := newBuilder(arch.AMD64)

	near, err := b.Takeover(target, target+0x1000)
	require.NoError(t, err)
	require.Equal(t, Near, near.Mode)
	require.Len(t, near.Code, x86.NearJumpLen)
	require.Zero(t, near.Relay)

	far := uintptr(target + 1<<40)
	relay, err := b.Takeover(target, far)
	require.NoError(t, err)
	require.Equal(t, Relay, relay.Mode)
	require.NotZero(t, relay.Relay)
	require.Equal(t, x86.AbsJump(far), mem.at(relay.Relay, x86.AbsJumpLen))
	want, ok := x86.NearJump(target, relay.Relay)
	require.True(t, ok)
	require.Equal(t, want, relay.Code)

	alloc.noNear = true
	abs, err := b.Takeover(target, far)
	require.NoError(t, err)
	require.Equal(t, Absolute, abs.Mode)
	require.Equal(t, x86.AbsJump(far), abs.Code)
	require.Equal(t, "absolute", abs.Mode.String())
}

func TestRelease(t *testing.T) {
	b, mem, alloc := newBuilder(arch.AMD64)
	mem.load(target, padded([]byte{0x48, 0x8d, 0x04, 0x19, 0xc3}, 0xcc))
	tr, err := b.Build(target, x86.NearJumpLen)
	require.NoError(t, err)
	tk, err := b.Takeover(target, target+1<<40)
	require.NoError(t, err)
	require.Len(t, alloc.live, 2)

	b.Release(tr, tk)
	require.Empty(t, alloc.live)
	b.Release(nil, nil)
}

func words(ws ...uint32) []byte {
	buf := make([]byte, 4*len(ws))
	for i, w := range ws {
		binary.LittleEndian.PutUint32(buf[4*i:], w)
	}
	return buf
}

func decodeARM(t *testing.T, mem *fakeMemory, addr uintptr) insn.Instruction {
	t.Helper()
	in, err := arm64.Decode(mem.at(addr, 4), addr)
	require.NoError(t, err)
	return in
}

func TestBuildARM64Prologue(t *testing.T) {
	b, mem, _ := newBuilder(arch.ARM64)
	// STP X29, X30, [SP, #-16]!; MOV X29, SP; RET
	mem.load(target, words(0xa9bf7bfd, 0x910003fd, 0xd65f03c0))

	tr, err := b.Build(target, arm64.NearJumpLen)
	require.NoError(t, err)
	require.Equal(t, 4, tr.Consumed)
	require.Equal(t, 8, tr.Size)
	require.Equal(t, words(0xa9bf7bfd), mem.at(tr.Address, 4))

	back := decodeARM(t, mem, tr.Address+4)
	require.Equal(t, insn.Jump, back.Kind)
	require.Equal(t, uintptr(target+4), back.Target)
}

func TestBuildARM64BranchIntoPrefix(t *testing.T) {
	b, mem, _ := newBuilder(arch.ARM64)
	// CBZ X0, #8; NOP; MOV X29, SP; RET
	mem.load(target, words(0xb4000040, 0xd503201f, 0x910003fd, 0xd65f03c0))

	tr, err := b.Build(target, arm64.AbsJumpLen)
	require.NoError(t, err)
	require.Equal(t, 16, tr.Consumed)

	cbz := decodeARM(t, mem, tr.Address)
	require.Equal(t, insn.CondJump, cbz.Kind)
	require.Equal(t, tr.Address+8, cbz.Target)
}

func TestBuildARM64ADRP(t *testing.T) {
	b, mem, _ := newBuilder(arch.ARM64)
	// ADRP X0, #0; RET
	mem.load(target, words(0x90000000, 0xd65f03c0))

	tr, err := b.Build(target, arm64.NearJumpLen)
	require.NoError(t, err)
	adrp := decodeARM(t, mem, tr.Address)
	require.Equal(t, insn.PCRelAddr, adrp.Kind)
	require.Equal(t, uintptr(target), adrp.Target)
}

func TestEntrySkipsStackCheck(t *testing.T) {
	b, mem, _ := newBuilder(arch.AMD64)
	mem.load(target, padded([]byte{0x49, 0x3b, 0x66, 0x10, 0x76, 0x20, 0x55, 0x48, 0x89, 0xe5}, 0xcc))
	require.Equal(t, uintptr(target+6), b.Entry(target))

	mem.load(target, padded([]byte{0x48, 0x8d, 0x04, 0x19, 0xc3}, 0xcc))
	require.Equal(t, uintptr(target), b.Entry(target))

	a, amem, _ := newBuilder(arch.ARM64)
	amem.load(target, words(0xf9400b90, 0xeb3063ff, 0x54000409, 0xa9bf7bfd))
	require.Equal(t, uintptr(target+12), a.Entry(target))
}

func TestBuildOverlappingSlot(t *testing.T) {
	b, mem, alloc := newBuilder(arch.AMD64)
	mem.load(target, padded([]byte{0x48, 0x8d, 0x04, 0x19, 0xc3}, 0xcc))
	alloc.near = target

	_, err := b.Build(target, x86.NearJumpLen)
	require.ErrorIs(t, err, ErrLayout)
	require.Empty(t, alloc.live)
}
