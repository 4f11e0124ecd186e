//go:build unix

package execmem

import (
	"sync"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/k2io/inlinehook/internal/vmmap"
)

type sysMapper struct {
	mu   sync.Mutex
	anon map[uintptr]mmap.MMap
	maps vmmap.Source
}

// NewMapper returns a Mapper backed by anonymous RWX mappings of this process.
func NewMapper() Mapper {
	return &sysMapper{anon: make(map[uintptr]mmap.MMap), maps: vmmap.Self()}
}

func (m *sysMapper) Map(hint uintptr, size int) (uintptr, error) {
	if hint == 0 {
		mm, err := mmap.MapRegion(nil, size, mmap.RDWR|mmap.EXEC, mmap.ANON, 0)
		if err != nil {
			return 0, classify(err)
		}
		addr := uintptr(unsafe.Pointer(&mm[0]))
		m.mu.Lock()
		m.anon[addr] = mm
		m.mu.Unlock()
		return addr, nil
	}
	p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(hint), uintptr(size),
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, classify(err)
	}
	return uintptr(p), nil
}

func (m *sysMapper) Unmap(addr uintptr, size int) error {
	m.mu.Lock()
	mm, ok := m.anon[addr]
	delete(m.anon, addr)
	m.mu.Unlock()
	if ok {
		return errors.Wrap(mm.Unmap(), "execmem: unmap")
	}
	return errors.Wrap(unix.MunmapPtr(unsafe.Pointer(addr), uintptr(size)), "execmem: unmap")
}

func (m *sysMapper) Holes(lo, hi uintptr) ([]vmmap.Span, error) {
	snap, err := m.maps.Snapshot()
	if err != nil {
		return nil, err
	}
	return snap.Gaps(lo, hi), nil
}

func (m *sysMapper) PageSize() int {
	return unix.Getpagesize()
}

func classify(err error) error {
	switch {
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return errors.Wrap(ErrNotSupportedExecutable, err.Error())
	case errors.Is(err, unix.ENOMEM):
		return errors.Wrap(ErrNotEnough, err.Error())
	}
	return errors.Wrap(err, "execmem: map")
}
