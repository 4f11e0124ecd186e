// Package execmem hands out small slots of executable memory for
// trampolines and relay stubs, optionally within branch reach of an address.
package execmem

import (
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/dustin/go-humanize"
	"github.com/google/btree"
	"github.com/hashicorp/go-hclog"

	"github.com/k2io/inlinehook/internal/vmmap"
)

var (
	// ErrNotEnough means no executable memory could be found in reach.
	ErrNotEnough = errors.New("not enough executable memory in reach")
	// ErrNotSupportedExecutable means the system refused an executable mapping.
	ErrNotSupportedExecutable = errors.New("executable memory not supported")
	// ErrNotAllocated means the address was not handed out by the allocator.
	ErrNotAllocated = errors.New("address not allocated")
	errCorrupt      = errors.New("execmem: slot already owned")
)

const (
	// SlotAlign is the alignment and granularity of every allocation.
	SlotAlign = 16

	defaultRegionSize = 64 << 10
	maxProbes         = 32
	btreeDegree       = 8
)

// Mapper obtains read/write/execute memory from the system.
type Mapper interface {
	// Map maps size bytes. A non-zero hint asks for that address; the
	// result may land elsewhere.
	Map(hint uintptr, size int) (uintptr, error)
	Unmap(addr uintptr, size int) error
	// Holes lists unmapped ranges inside [lo, hi).
	Holes(lo, hi uintptr) ([]vmmap.Span, error)
	PageSize() int
}

// Span is an allocation or free extent, relative to its region base.
type Span struct {
	Offset, Length int
}

func (s Span) end() int { return s.Offset + s.Length }

func lessSpan(a, b Span) bool { return a.Offset < b.Offset }

type region struct {
	base   uintptr
	size   int
	used   int
	free   *btree.BTreeG[Span]
	allocs *btree.BTreeG[Span]
	chunks *bitset.BitSet
}

func newRegion(base uintptr, size int) *region {
	r := &region{
		base:   base,
		size:   size,
		free:   btree.NewG(btreeDegree, lessSpan),
		allocs: btree.NewG(btreeDegree, lessSpan),
		chunks: bitset.New(uint(size / SlotAlign)),
	}
	r.free.ReplaceOrInsert(Span{0, size})
	return r
}

func (r *region) contains(addr uintptr) bool {
	return addr >= r.base && addr < r.base+uintptr(r.size)
}

// fit finds the lowest slot of length n whose address satisfies ok.
func (r *region) fit(n int, lo, hi uintptr) (int, bool) {
	off, found := 0, false
	r.free.Ascend(func(s Span) bool {
		start := s.Offset
		if a := r.base + uintptr(start); a < lo {
			start += alignUp(int(lo-a), SlotAlign)
		}
		if start+n > s.end() {
			return true
		}
		if r.base+uintptr(start+n) > hi {
			return false
		}
		off, found = start, true
		return false
	})
	return off, found
}

// carve moves [off, off+n) from the free tree to the allocation tree.
func (r *region) carve(off, n int) error {
	var hole Span
	ok := false
	r.free.DescendLessOrEqual(Span{Offset: off}, func(s Span) bool {
		hole, ok = s, s.end() >= off+n
		return false
	})
	if !ok {
		return errCorrupt
	}
	for c := off / SlotAlign; c < (off+n)/SlotAlign; c++ {
		if r.chunks.Test(uint(c)) {
			return errCorrupt
		}
	}
	r.free.Delete(hole)
	if off > hole.Offset {
		r.free.ReplaceOrInsert(Span{hole.Offset, off - hole.Offset})
	}
	if tail := hole.end() - (off + n); tail > 0 {
		r.free.ReplaceOrInsert(Span{off + n, tail})
	}
	r.allocs.ReplaceOrInsert(Span{off, n})
	r.mark(off, n, true)
	r.used += n
	return nil
}

// release returns [off, off+n) to the free tree, merging neighbours.
func (r *region) release(off, n int) {
	r.mark(off, n, false)
	r.used -= n
	s := Span{off, n}
	if prev, ok := r.prevFree(off); ok && prev.end() == off {
		r.free.Delete(prev)
		s = Span{prev.Offset, prev.Length + s.Length}
	}
	if next, ok := r.free.Get(Span{Offset: s.end()}); ok {
		r.free.Delete(next)
		s.Length += next.Length
	}
	r.free.ReplaceOrInsert(s)
}

func (r *region) prevFree(off int) (Span, bool) {
	var out Span
	ok := false
	r.free.DescendLessOrEqual(Span{Offset: off}, func(s Span) bool {
		out, ok = s, true
		return false
	})
	return out, ok
}

func (r *region) mark(off, n int, v bool) {
	for c := off / SlotAlign; c < (off+n)/SlotAlign; c++ {
		r.chunks.SetTo(uint(c), v)
	}
}

// Allocator owns a set of executable regions. It is safe for concurrent use.
type Allocator struct {
	mu         sync.Mutex
	mapper     Mapper
	reach      int64
	regionSize int
	log        hclog.Logger
	regions    []*region
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithReach sets the largest distance an AllocateNear result may be from
// its anchor.
func WithReach(r int64) Option {
	return func(a *Allocator) { a.reach = r }
}

// WithRegionSize sets the size of newly mapped regions.
func WithRegionSize(n int) Option {
	return func(a *Allocator) { a.regionSize = n }
}

// WithLogger sets the logger.
func WithLogger(l hclog.Logger) Option {
	return func(a *Allocator) { a.log = l }
}

// New returns an allocator drawing regions from m.
func New(m Mapper, opts ...Option) *Allocator {
	a := &Allocator{
		mapper:     m,
		reach:      math.MaxInt32,
		regionSize: defaultRegionSize,
		log:        hclog.NewNullLogger(),
	}
	for _, o := range opts {
		o(a)
	}
	a.regionSize = alignUp(a.regionSize, m.PageSize())
	return a
}

// Allocate returns size bytes of executable memory anywhere.
func (a *Allocator) Allocate(size int) (uintptr, error) {
	return a.allocate(size, 0, 0, ^uintptr(0))
}

// AllocateNear returns size bytes of executable memory lying entirely
// within reach of near.
func (a *Allocator) AllocateNear(size int, near uintptr) (uintptr, error) {
	lo, hi := window(near, a.reach)
	return a.allocate(size, near, lo, hi)
}

func window(near uintptr, reach int64) (uintptr, uintptr) {
	lo, hi := uintptr(0), ^uintptr(0)
	if uint64(near) > uint64(reach) {
		lo = near - uintptr(reach)
	}
	if uint64(hi-near) > uint64(reach) {
		hi = near + uintptr(reach)
	}
	return lo, hi
}

func (a *Allocator) allocate(size int, near, lo, hi uintptr) (uintptr, error) {
	if size <= 0 {
		return 0, ErrNotEnough
	}
	n := alignUp(size, SlotAlign)

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, r := range a.byDistance(near) {
		if off, ok := r.fit(n, lo, hi); ok {
			if err := r.carve(off, n); err != nil {
				return 0, err
			}
			return r.base + uintptr(off), nil
		}
	}
	r, err := a.mapRegion(n, near, lo, hi)
	if err != nil {
		return 0, err
	}
	off, ok := r.fit(n, lo, hi)
	if !ok {
		return 0, ErrNotEnough
	}
	if err := r.carve(off, n); err != nil {
		return 0, err
	}
	return r.base + uintptr(off), nil
}

// byDistance orders regions so the ones closest to near are tried first.
func (a *Allocator) byDistance(near uintptr) []*region {
	if near == 0 {
		return a.regions
	}
	rs := append([]*region(nil), a.regions...)
	sort.SliceStable(rs, func(i, j int) bool {
		return distance(rs[i].base, near) < distance(rs[j].base, near)
	})
	return rs
}

func (a *Allocator) mapRegion(n int, near, lo, hi uintptr) (*region, error) {
	size := a.regionSize
	if n > size {
		size = alignUp(n, a.mapper.PageSize())
	}
	if near == 0 {
		base, err := a.mapper.Map(0, size)
		if err != nil {
			return nil, err
		}
		return a.adopt(base, size), nil
	}
	holes, err := a.mapper.Holes(lo, hi)
	if err != nil {
		return nil, err
	}
	for i, hint := range a.hints(holes, size, near) {
		if i == maxProbes {
			break
		}
		base, err := a.mapper.Map(hint, size)
		if err != nil {
			if errors.Is(err, ErrNotSupportedExecutable) {
				return nil, err
			}
			continue
		}
		if base < lo || base+uintptr(size) > hi || base+uintptr(size) < base {
			a.log.Debug("mapping landed out of reach", "hint", hclog.Fmt("%#x", hint), "got", hclog.Fmt("%#x", base))
			_ = a.mapper.Unmap(base, size)
			continue
		}
		return a.adopt(base, size), nil
	}
	return nil, ErrNotEnough
}

// hints picks one page aligned candidate per hole, closest to near first.
func (a *Allocator) hints(holes []vmmap.Span, size int, near uintptr) []uintptr {
	page := uintptr(a.mapper.PageSize())
	var out []uintptr
	for _, h := range holes {
		start := (h.Start + page - 1) &^ (page - 1)
		if start < h.Start || start >= h.End || h.End-start < uintptr(size) {
			continue
		}
		last := (h.End - uintptr(size)) &^ (page - 1)
		hint := near &^ (page - 1)
		if hint < start {
			hint = start
		}
		if hint > last {
			hint = last
		}
		if hint == 0 {
			continue
		}
		out = append(out, hint)
	}
	sort.Slice(out, func(i, j int) bool { return distance(out[i], near) < distance(out[j], near) })
	return out
}

func (a *Allocator) adopt(base uintptr, size int) *region {
	r := newRegion(base, size)
	i := sort.Search(len(a.regions), func(i int) bool { return a.regions[i].base > base })
	a.regions = append(a.regions, nil)
	copy(a.regions[i+1:], a.regions[i:])
	a.regions[i] = r
	a.log.Debug("mapped executable region", "base", hclog.Fmt("%#x", base), "size", humanize.IBytes(uint64(size)))
	return r
}

func (a *Allocator) find(addr uintptr) (*region, Span, error) {
	i := sort.Search(len(a.regions), func(i int) bool { return a.regions[i].base > addr }) - 1
	if i < 0 || !a.regions[i].contains(addr) {
		return nil, Span{}, ErrNotAllocated
	}
	r := a.regions[i]
	s, ok := r.allocs.Get(Span{Offset: int(addr - r.base)})
	if !ok {
		return nil, Span{}, ErrNotAllocated
	}
	return r, s, nil
}

// Free returns an allocation. The region stays mapped.
func (a *Allocator) Free(addr uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, s, err := a.find(addr)
	if err != nil {
		return err
	}
	r.allocs.Delete(s)
	r.release(s.Offset, s.Length)
	return nil
}

// Shrink gives back the tail of an allocation beyond size bytes.
func (a *Allocator) Shrink(addr uintptr, size int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, s, err := a.find(addr)
	if err != nil {
		return err
	}
	n := alignUp(size, SlotAlign)
	if n == 0 || n >= s.Length {
		return nil
	}
	r.allocs.ReplaceOrInsert(Span{s.Offset, n})
	r.release(s.Offset+n, s.Length-n)
	return nil
}

// Trim unmaps regions with no live allocation and returns how many were
// released. Callers must know no thread still runs code from freed slots.
func (a *Allocator) Trim() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	kept := a.regions[:0]
	n := 0
	for _, r := range a.regions {
		if r.used == 0 {
			if err := a.mapper.Unmap(r.base, r.size); err == nil {
				n++
				continue
			}
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(a.regions); i++ {
		a.regions[i] = nil
	}
	a.regions = kept
	return n
}

// RegionInfo describes one region.
type RegionInfo struct {
	Base        uintptr
	Size        int
	Used        int
	Allocations []Span
}

// Regions returns a snapshot of every region, lowest first.
func (a *Allocator) Regions() []RegionInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]RegionInfo, 0, len(a.regions))
	for _, r := range a.regions {
		ri := RegionInfo{Base: r.base, Size: r.size, Used: r.used}
		r.allocs.Ascend(func(s Span) bool {
			ri.Allocations = append(ri.Allocations, s)
			return true
		})
		out = append(out, ri)
	}
	return out
}

// Stats summarizes the allocator.
type Stats struct {
	Regions int
	Mapped  int
	Used    int
}

func (s Stats) String() string {
	return humanize.IBytes(uint64(s.Used)) + " used of " + humanize.IBytes(uint64(s.Mapped)) +
		" in " + humanize.Comma(int64(s.Regions)) + " regions"
}

// Stats returns current totals.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := Stats{Regions: len(a.regions)}
	for _, r := range a.regions {
		st.Mapped += r.size
		st.Used += r.used
	}
	return st
}

func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}

func distance(a, b uintptr) uintptr {
	if a > b {
		return a - b
	}
	return b - a
}
