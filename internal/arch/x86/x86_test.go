package x86

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/k2io/inlinehook/internal/insn"
)

func TestDecodeClassifies(t *testing.T) {
	cases := []struct {
		name     string
		code     []byte
		length   int
		kind     insn.Kind
		target   uintptr
		terminal bool
		padding  bool
	}{
		{"lea", []byte{0x48, 0x8d, 0x04, 0x18}, 4, insn.Relocatable, 0, false, false},
		{"ret", []byte{0xc3}, 1, insn.Relocatable, 0, true, false},
		{"int3", []byte{0xcc}, 1, insn.Relocatable, 0, false, true},
		{"nop", []byte{0x90}, 1, insn.Relocatable, 0, false, true},
		{"stack check", []byte{0x49, 0x3b, 0x66, 0x10}, 4, insn.Relocatable, 0, false, false},
		{"jbe rel8", []byte{0x76, 0x20}, 2, insn.CondJump, 0x1022, false, false},
		{"jne rel32", []byte{0x0f, 0x85, 0x00, 0x01, 0x00, 0x00}, 6, insn.CondJump, 0x1106, false, false},
		{"jmp rel32", []byte{0xe9, 0x00, 0x00, 0x00, 0x00}, 5, insn.Jump, 0x1005, true, false},
		{"jmp rel8 back", []byte{0xeb, 0xfe}, 2, insn.Jump, 0x1000, true, false},
		{"call rel32", []byte{0xe8, 0x00, 0x01, 0x00, 0x00}, 5, insn.Call, 0x1105, false, false},
		{"mov rip", []byte{0x48, 0x8b, 0x05, 0x10, 0x00, 0x00, 0x00}, 7, insn.PCRelMem, 0x1017, false, false},
		{"lea rip", []byte{0x48, 0x8d, 0x0d, 0xf0, 0xff, 0xff, 0xff}, 7, insn.PCRelMem, 0x0ff7, false, false},
		{"loop", []byte{0xe2, 0xfe}, 2, insn.CondJump, 0x1000, false, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			in, err := Decode(c.code, 0x1000)
			require.NoError(t, err)
			require.Equal(t, c.length, in.Len)
			require.Equal(t, c.kind, in.Kind)
			require.Equal(t, c.terminal, in.Terminal)
			require.Equal(t, c.padding, in.Padding)
			require.Equal(t, c.code[:c.length], in.Raw)
			if c.kind != insn.Relocatable {
				require.Equal(t, c.target, in.Target)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(nil, 0x10)
	require.True(t, errors.Is(err, insn.ErrTruncated))

	_, err = Decode([]byte{0x48, 0x8b}, 0x10)
	require.True(t, errors.Is(err, insn.ErrTruncated))

	// PUSH ES does not exist in 64-bit mode
	_, err = Decode([]byte{0x06, 0x90, 0x90}, 0x10)
	require.True(t, errors.Is(err, insn.ErrMalformed))

	_, err = Decode([]byte{0x66, 0x06, 0x90}, 0x10)
	require.True(t, errors.Is(err, insn.ErrMalformed))
}

func TestDecodeDoesNotAliasInput(t *testing.T) {
	code := []byte{0x90, 0xc3}
	in, err := Decode(code, 0)
	require.NoError(t, err)
	code[0] = 0xcc
	require.Equal(t, byte(0x90), in.Raw[0])
}

func TestJumpEncodings(t *testing.T) {
	b, ok := NearJump(0x1000, 0x2000)
	require.True(t, ok)
	require.Equal(t, []byte{0xe9, 0xfb, 0x0f, 0x00, 0x00}, b)

	b, ok = NearJump(0x2000, 0x1000)
	require.True(t, ok)
	require.Equal(t, int32(0x1000-0x2005), int32(binary.LittleEndian.Uint32(b[1:])))

	_, ok = NearJump(0x1000, 0x1000+1<<40)
	require.False(t, ok)

	require.Equal(t,
		[]byte{0xff, 0x25, 0, 0, 0, 0, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11},
		AbsJump(0x1122334455667788))
	require.Len(t, Jump(0x1000, 0x1000+1<<40), AbsJumpLen)
	require.Len(t, Jump(0x1000, 0x2000), NearJumpLen)
}

func decodeAt(t *testing.T, code []byte, pc uintptr) insn.Instruction {
	t.Helper()
	in, err := Decode(code, pc)
	require.NoError(t, err)
	return in
}

func TestRelocateCondJump(t *testing.T) {
	in := decodeAt(t, []byte{0x76, 0x20}, 0x1000)

	out, err := Relocate(in, 0x2000, nil)
	require.NoError(t, err)
	require.Len(t, out, 6)
	require.Equal(t, []byte{0x0f, 0x86}, out[:2])
	require.Equal(t, int32(0x1022-0x2006), int32(binary.LittleEndian.Uint32(out[2:])))

	far := uintptr(0x1000 + 1<<40)
	out, err = Relocate(in, far, nil)
	require.NoError(t, err)
	require.Len(t, out, 16)
	require.Equal(t, []byte{0x77, AbsJumpLen}, out[:2])
	require.Equal(t, AbsJump(0x1022), out[2:])
	require.LessOrEqual(t, len(out), MaxRelocatedLen(in))

	// the relocated form decodes back to the same destination
	back := decodeAt(t, func() []byte { b, _ := Relocate(in, 0x2000, nil); return b }(), 0x2000)
	require.Equal(t, uintptr(0x1022), back.Target)
}

func TestRelocateRIPRelative(t *testing.T) {
	in := decodeAt(t, []byte{0x48, 0x8b, 0x05, 0x10, 0x00, 0x00, 0x00}, 0x1000)
	out, err := Relocate(in, 0x5000, nil)
	require.NoError(t, err)
	require.Equal(t, in.Raw[:3], out[:3])

	back := decodeAt(t, out, 0x5000)
	require.Equal(t, insn.PCRelMem, back.Kind)
	require.Equal(t, uintptr(0x1017), back.Target)

	_, err = Relocate(in, 0x1000+1<<40, nil)
	require.True(t, errors.Is(err, ErrUnrelocatable))
}

func TestRelocateCall(t *testing.T) {
	in := decodeAt(t, []byte{0xe8, 0x00, 0x01, 0x00, 0x00}, 0x1000)
	out, err := Relocate(in, 0x3000, nil)
	require.NoError(t, err)
	back := decodeAt(t, out, 0x3000)
	require.Equal(t, insn.Call, back.Kind)
	require.Equal(t, uintptr(0x1105), back.Target)

	out, err = Relocate(in, 0x1000+1<<40, nil)
	require.NoError(t, err)
	require.Equal(t, []byte{0xff, 0x15, 0x02, 0, 0, 0, 0xeb, 0x08}, out[:8])
	require.Equal(t, uint64(0x1105), binary.LittleEndian.Uint64(out[8:]))
}

func TestRelocateLoopIntoBlock(t *testing.T) {
	in := decodeAt(t, []byte{0xe2, 0xfe}, 0x1000)
	dest := func(a uintptr) uintptr {
		if a == 0x1000 {
			return 0x2000
		}
		return a
	}
	out, err := Relocate(in, 0x2000, dest)
	require.NoError(t, err)
	require.Equal(t, []byte{0xe2, 0x02, 0xeb, 0x05, 0xe9}, out[:5])
	require.Equal(t, int32(0x2000-0x2009), int32(binary.LittleEndian.Uint32(out[5:])))
}

func TestRelocateVerbatim(t *testing.T) {
	in := decodeAt(t, []byte{0x48, 0x8d, 0x04, 0x18}, 0x1000)
	out, err := Relocate(in, 0x9000, nil)
	require.NoError(t, err)
	require.Equal(t, in.Raw, out)
	out[0] = 0
	require.Equal(t, byte(0x48), in.Raw[0])
}

func TestStackCheck(t *testing.T) {
	cases := []struct {
		name string
		code []byte
		want int
	}{
		{"small frame", []byte{0x49, 0x3b, 0x66, 0x10, 0x76, 0x2a, 0x55}, 6},
		{"large frame", []byte{
			0x4c, 0x8d, 0xa4, 0x24, 0xf8, 0xfe, 0xff, 0xff,
			0x4d, 0x3b, 0x66, 0x10,
			0x0f, 0x86, 0x2a, 0x01, 0x00, 0x00,
			0x55,
		}, 18},
		{"leaf", []byte{0x48, 0x8d, 0x04, 0x18, 0xc3}, 0},
		{"other field", []byte{0x49, 0x3b, 0x66, 0x18, 0x76, 0x2a}, 0},
		{"backward branch", []byte{0x49, 0x3b, 0x66, 0x10, 0x76, 0xf0}, 0},
		{"lea without compare", []byte{0x4c, 0x8d, 0xa4, 0x24, 0xf8, 0xfe, 0xff, 0xff, 0xc3}, 0},
		{"cut short", []byte{0x49, 0x3b, 0x66, 0x10}, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, StackCheck(c.code))
		})
	}
}
