// Package patcher overwrites bytes in mapped code, temporarily lifting
// write protection and keeping racing threads from seeing torn instructions.
package patcher

import (
	"encoding/binary"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/hashicorp/go-hclog"

	"github.com/k2io/inlinehook/internal/vmmap"
)

var (
	// ErrOutOfRange means the range is not covered by contiguous mappings
	// of a single image.
	ErrOutOfRange = errors.New("address range out of mapped image")
	// ErrPermissionDenied means the protection of the range could not be changed.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrUnknown wraps any other failure.
	ErrUnknown = errors.New("unknown patch failure")
)

const stripes = 64

// locks is shared by every Patcher in the process. A page protection is
// read and lifted only while its stripe is held.
var locks [stripes]sync.Mutex

// protectRange changes page protections; tests replace it.
var protectRange = protect

// Patcher writes code. It is safe for concurrent use.
type Patcher struct {
	maps vmmap.Source
	page uintptr
	log  hclog.Logger
}

// New returns a patcher that consults maps for coverage and protections.
func New(maps vmmap.Source, log hclog.Logger) *Patcher {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Patcher{maps: maps, page: uintptr(pageSize()), log: log}
}

// Read copies n bytes starting at addr.
func (p *Patcher) Read(addr uintptr, n int) ([]byte, error) {
	ms, err := p.cover(addr, n)
	if err != nil {
		return nil, err
	}
	for _, m := range ms {
		if !m.Perms.Read {
			return nil, ErrOutOfRange
		}
	}
	out := make([]byte, n)
	copy(out, bytesAt(addr, n))
	return out, nil
}

// Patch writes code at addr and restores the original protection. Once
// the bytes are written Patch reports success; a failed restore only
// leaves the pages writable and is logged.
func (p *Patcher) Patch(addr uintptr, code []byte) error {
	if len(code) == 0 {
		return nil
	}
	end := addr + uintptr(len(code))
	unlock := p.lock(addr, end)
	defer unlock()

	ms, err := p.cover(addr, len(code))
	if err != nil {
		return err
	}

	var lifted []vmmap.Mapping
	for _, m := range ms {
		if m.Perms.Write {
			continue
		}
		lo, hi := p.pages(m, addr, end)
		if err := protectRange(lo, hi-lo, m.Perms, true); err != nil {
			_ = p.restore(lifted, addr, end)
			return err
		}
		lifted = append(lifted, m)
	}

	write(addr, code)

	if err := p.restore(lifted, addr, end); err != nil {
		p.log.Warn("code left writable", "addr", hclog.Fmt("%#x", addr), "error", err)
	}
	p.log.Trace("patched", "addr", hclog.Fmt("%#x", addr), "bytes", hclog.Fmt("% x", code))
	return nil
}

func (p *Patcher) restore(lifted []vmmap.Mapping, addr, end uintptr) error {
	var first error
	for _, m := range lifted {
		lo, hi := p.pages(m, addr, end)
		if err := protectRange(lo, hi-lo, m.Perms, false); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// pages clips the page span of [addr, end) to mapping m.
func (p *Patcher) pages(m vmmap.Mapping, addr, end uintptr) (uintptr, uintptr) {
	lo := addr &^ (p.page - 1)
	hi := (end + p.page - 1) &^ (p.page - 1)
	if lo < m.Start {
		lo = m.Start
	}
	if hi > m.End {
		hi = m.End
	}
	return lo, hi
}

func (p *Patcher) cover(addr uintptr, n int) ([]vmmap.Mapping, error) {
	snap, err := p.maps.Snapshot()
	if err != nil {
		return nil, errors.Join(ErrUnknown, err)
	}
	ms, ok := snap.Cover(addr, n)
	if !ok {
		return nil, ErrOutOfRange
	}
	for i := 1; i < len(ms); i++ {
		if ms[i].Start != ms[i-1].End || ms[i].Path != ms[0].Path {
			return nil, ErrOutOfRange
		}
	}
	return ms, nil
}

// lock takes the stripe locks of every page in [addr, end) in index order.
func (p *Patcher) lock(addr, end uintptr) func() {
	var idx []int
	seen := map[int]bool{}
	for pg := addr &^ (p.page - 1); pg < end; pg += p.page {
		i := int((pg / p.page) % stripes)
		if !seen[i] {
			seen[i] = true
			idx = append(idx, i)
		}
		if len(idx) == stripes {
			break
		}
	}
	sort.Ints(idx)
	for _, i := range idx {
		locks[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			locks[idx[j]].Unlock()
		}
	}
}

func bytesAt(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// store puts data at addr, with one atomic store when data lies inside an
// aligned word.
type store struct {
	addr uintptr
	data []byte
}

func (s store) apply() {
	word := s.addr &^ 7
	if s.addr+uintptr(len(s.data)) <= word+8 {
		w := (*uint64)(unsafe.Pointer(word))
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], atomic.LoadUint64(w))
		copy(buf[s.addr-word:], s.data)
		atomic.StoreUint64(w, binary.LittleEndian.Uint64(buf[:]))
		return
	}
	copy(bytesAt(s.addr, len(s.data)), s.data)
}

// stores orders a write so a thread entering at addr runs either the old
// or the new code. A write inside one aligned word is a single store. A
// longer one parks the entry on a self branch, writes the tail, then
// stores the head word.
func stores(addr uintptr, code []byte) []store {
	head := int(addr&^7 + 8 - addr)
	if head >= len(code) {
		return []store{{addr, code}}
	}
	out := make([]store, 0, 3)
	if len(selfBranch) > 0 && len(selfBranch) <= head {
		out = append(out, store{addr, selfBranch})
	}
	return append(out, store{addr + uintptr(head), code[head:]}, store{addr, code[:head]})
}

func write(addr uintptr, code []byte) {
	for _, s := range stores(addr, code) {
		s.apply()
		clearCache(s.addr, s.addr+uintptr(len(s.data)))
	}
}
