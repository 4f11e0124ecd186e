package insn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPositionDependent(t *testing.T) {
	require.False(t, Instruction{Kind: Relocatable}.PositionDependent())
	for _, k := range []Kind{Jump, Call, CondJump, PCRelMem, PCRelAddr} {
		require.True(t, Instruction{Kind: k}.PositionDependent(), k.String())
	}
}

func TestDecodeErrorUnwrap(t *testing.T) {
	err := Malformed(0x1000)
	require.True(t, errors.Is(err, ErrMalformed))
	require.False(t, errors.Is(err, ErrTruncated))
	require.Contains(t, err.Error(), "0x1000")

	var de *DecodeError
	require.True(t, errors.As(Truncated(0x20), &de))
	require.Equal(t, uintptr(0x20), de.Addr)
}

func TestEndAndString(t *testing.T) {
	in := Instruction{Addr: 0x400000, Len: 5, Kind: Jump, Target: 0x401000, Raw: []byte{0xe9, 0xfb, 0x0f, 0, 0}, Mnemonic: "JMP"}
	require.Equal(t, uintptr(0x400005), in.End())
	require.Contains(t, in.String(), "jump -> 0x401000")
	require.Equal(t, "Kind(42)", Kind(42).String())
}
