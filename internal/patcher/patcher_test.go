package patcher

import (
	"bytes"
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/k2io/inlinehook/internal/vmmap"
)

type fixedSource vmmap.Snapshot

func (f fixedSource) Snapshot() (vmmap.Snapshot, error) { return vmmap.Snapshot(f), nil }

func TestCoverRejectsMixedImages(t *testing.T) {
	p := New(fixedSource{
		{Start: 0x1000, End: 0x2000, Perms: vmmap.Perms{Read: true, Exec: true}, Path: "/bin/a", Inode: 1},
		{Start: 0x2000, End: 0x3000, Perms: vmmap.Perms{Read: true, Exec: true}, Path: "/lib/b", Inode: 2},
		{Start: 0x4000, End: 0x5000, Perms: vmmap.Perms{Read: true, Exec: true}, Path: "/lib/b", Inode: 2},
	}, nil)

	require.ErrorIs(t, p.Patch(0x1ffe, []byte{1, 2, 3, 4}), ErrOutOfRange)
	require.ErrorIs(t, p.Patch(0x2ffe, []byte{1, 2, 3, 4}), ErrOutOfRange)
	require.ErrorIs(t, p.Patch(0x10, []byte{1}), ErrOutOfRange)
	_, err := p.Read(0x3800, 4)
	require.ErrorIs(t, err, ErrOutOfRange)

	ms, err := p.cover(0x1100, 0x100)
	require.NoError(t, err)
	require.Len(t, ms, 1)
}

func TestEmptyPatchIsNoop(t *testing.T) {
	p := New(fixedSource{}, nil)
	require.NoError(t, p.Patch(0x1000, nil))
}

func TestWriteSingleWord(t *testing.T) {
	buf := make([]uint64, 4)
	base := uintptr(unsafe.Pointer(&buf[0]))
	write(base+1, []byte{0xe9, 1, 2, 3, 4})
	require.Equal(t, []byte{0, 0xe9, 1, 2, 3, 4, 0, 0, 0}, bytesAt(base, 9))
}

func TestWriteLong(t *testing.T) {
	buf := make([]uint64, 4)
	base := uintptr(unsafe.Pointer(&buf[0]))
	code := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14}
	write(base+4, code)
	require.Equal(t, code, bytesAt(base+4, len(code)))
	write(base+7, code)
	require.Equal(t, code, bytesAt(base+7, len(code)))
	require.Equal(t, []byte{0, 0, 0, 0, 1, 2, 3}, bytesAt(base, 7))
}

func TestLockCoversStripes(t *testing.T) {
	p := New(fixedSource{}, nil)
	unlock := p.lock(0, p.page*(stripes+3))
	for i := range locks {
		require.False(t, locks[i].TryLock())
	}
	unlock()
	for i := range locks {
		require.True(t, locks[i].TryLock())
		locks[i].Unlock()
	}
}

func TestWriteParksEntryWhileRestoring(t *testing.T) {
	if len(selfBranch) == 0 {
		t.Skip("no self branch on " + runtime.GOARCH)
	}
	buf := make([]uint64, 4)
	addr := uintptr(unsafe.Pointer(&buf[0])) + 4
	jump := []byte{0xe9, 0x11, 0x22, 0x33, 0x44, 0xcc, 0xcc, 0xcc}
	copy(bytesAt(addr, len(jump)), jump)
	orig := []byte{0x49, 0x3b, 0x66, 0x10, 0x76, 0x2a, 0x55, 0x48}

	steps := stores(addr, orig)
	require.Len(t, steps, 3)
	require.Equal(t, addr, steps[0].addr)
	require.Equal(t, selfBranch, steps[0].data)
	require.Equal(t, addr, steps[2].addr)
	for i, s := range steps {
		s.apply()
		got := bytesAt(addr, len(orig))
		ok := bytes.Equal(got, jump) || bytes.Equal(got, orig) || bytes.HasPrefix(got, selfBranch)
		require.True(t, ok, "step %d leaves % x at the entry", i, got)
	}
	require.Equal(t, orig, bytesAt(addr, len(orig)))
}

func TestStoresWithinWord(t *testing.T) {
	buf := make([]uint64, 2)
	addr := uintptr(unsafe.Pointer(&buf[0])) + 1
	steps := stores(addr, []byte{0xe9, 1, 2, 3, 4})
	require.Len(t, steps, 1)

	steps = stores(addr+5, []byte{1, 2, 3, 4})
	require.Equal(t, addr+7, steps[len(steps)-2].addr)
	require.Equal(t, []byte{1, 2}, steps[len(steps)-1].data)
}
