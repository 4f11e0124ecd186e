// Package vmmap answers questions about the current process address space
// from /proc/self/maps.
package vmmap

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
)

// Perms are the protection bits of a mapping.
type Perms struct {
	Read, Write, Exec bool
}

func (p Perms) String() string {
	b := []byte("---")
	if p.Read {
		b[0] = 'r'
	}
	if p.Write {
		b[1] = 'w'
	}
	if p.Exec {
		b[2] = 'x'
	}
	return string(b)
}

// Mapping is one line of the maps file.
type Mapping struct {
	Start, End uintptr
	Perms      Perms
	Offset     int64
	Inode      uint64
	Path       string
}

// Contains reports whether addr falls inside the mapping.
func (m Mapping) Contains(addr uintptr) bool {
	return addr >= m.Start && addr < m.End
}

// Size is the mapping length in bytes.
func (m Mapping) Size() uintptr {
	return m.End - m.Start
}

// Snapshot is an ordered copy of the address space at one point in time.
type Snapshot []Mapping

// Source produces snapshots.
type Source interface {
	Snapshot() (Snapshot, error)
}

type procSource struct{}

// Self reads the maps of the running process.
func Self() Source {
	return procSource{}
}

func (procSource) Snapshot() (Snapshot, error) {
	p, err := procfs.Self()
	if err != nil {
		return nil, errors.Wrap(err, "open /proc/self")
	}
	maps, err := p.ProcMaps()
	if err != nil {
		return nil, errors.Wrap(err, "read /proc/self/maps")
	}
	snap := make(Snapshot, 0, len(maps))
	for _, m := range maps {
		mp := Mapping{
			Start:  m.StartAddr,
			End:    m.EndAddr,
			Offset: m.Offset,
			Inode:  m.Inode,
			Path:   m.Pathname,
		}
		if m.Perms != nil {
			mp.Perms = Perms{Read: m.Perms.Read, Write: m.Perms.Write, Exec: m.Perms.Execute}
		}
		snap = append(snap, mp)
	}
	sort.Slice(snap, func(i, j int) bool { return snap[i].Start < snap[j].Start })
	return snap, nil
}

// Find returns the mapping holding addr.
func (s Snapshot) Find(addr uintptr) (Mapping, bool) {
	i := sort.Search(len(s), func(i int) bool { return s[i].End > addr })
	if i < len(s) && s[i].Contains(addr) {
		return s[i], true
	}
	return Mapping{}, false
}

// Cover returns the mappings spanning [addr, addr+n). It fails when the
// range runs into a hole.
func (s Snapshot) Cover(addr uintptr, n int) ([]Mapping, bool) {
	if n <= 0 {
		return nil, false
	}
	end := addr + uintptr(n)
	if end < addr {
		return nil, false
	}
	var out []Mapping
	for cur := addr; cur < end; {
		m, ok := s.Find(cur)
		if !ok {
			return nil, false
		}
		out = append(out, m)
		cur = m.End
	}
	return out, true
}

// Span is a half-open address range.
type Span struct {
	Start, End uintptr
}

// Gaps returns the unmapped ranges inside [lo, hi), lowest first.
func (s Snapshot) Gaps(lo, hi uintptr) []Span {
	var out []Span
	cur := lo
	for _, m := range s {
		if m.End <= cur {
			continue
		}
		if m.Start >= hi {
			break
		}
		if m.Start > cur {
			out = append(out, Span{cur, m.Start})
		}
		cur = m.End
	}
	if cur < hi {
		out = append(out, Span{cur, hi})
	}
	return out
}

// Image is a file mapped into the process.
type Image struct {
	Path string
	// Base is the lowest address any mapping of the file starts at.
	Base uintptr
	// Mappings of the file, lowest first.
	Mappings []Mapping
}

// Images groups file backed mappings by path.
func (s Snapshot) Images() []Image {
	idx := map[string]int{}
	var out []Image
	for _, m := range s {
		if m.Path == "" || m.Inode == 0 {
			continue
		}
		i, ok := idx[m.Path]
		if !ok {
			i = len(out)
			idx[m.Path] = i
			out = append(out, Image{Path: m.Path, Base: m.Start})
		}
		out[i].Mappings = append(out[i].Mappings, m)
	}
	return out
}
