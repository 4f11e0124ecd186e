package symbols

import (
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"

	"github.com/k2io/inlinehook/internal/vmmap"
)

const defaultCacheSize = 32

// Resolver finds symbols in the images loaded into the process. It is
// safe for concurrent use.
type Resolver struct {
	maps  vmmap.Source
	cache *lru.Cache
	open  func(path string) (*Table, error)
	log   hclog.Logger
}

// NewResolver returns a resolver over maps that keeps the tables of up to
// size images parsed.
func NewResolver(maps vmmap.Source, size int, log hclog.Logger) (*Resolver, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Resolver{maps: maps, cache: c, open: readTable, log: log}, nil
}

// Resolve returns the runtime address of symbol in the loaded image
// matching image, or in any image when image is empty.
func (r *Resolver) Resolve(image, symbol string) (uintptr, bool) {
	if symbol == "" || strings.ContainsRune(symbol, 0) || strings.ContainsRune(image, 0) {
		return 0, false
	}
	snap, err := r.maps.Snapshot()
	if err != nil {
		r.log.Debug("cannot read process maps", "error", err)
		return 0, false
	}
	for _, img := range Match(snap.Images(), image) {
		t := r.table(img.Path)
		if t == nil {
			continue
		}
		if addr, ok := t.Syms[symbol]; ok {
			return Bias(img, t) + addr, true
		}
	}
	return 0, false
}

func (r *Resolver) table(path string) *Table {
	if v, ok := r.cache.Get(path); ok {
		return v.(*Table)
	}
	t, err := r.open(path)
	if err != nil {
		r.log.Trace("no symbols", "image", path, "error", err)
		t = nil
	}
	r.cache.Add(path, t)
	return t
}

// Match returns the images named by image: those with that exact path,
// else that base name, else whose path contains it. An empty name matches
// every image.
func Match(images []vmmap.Image, image string) []vmmap.Image {
	if image == "" {
		return images
	}
	tiers := []func(vmmap.Image) bool{
		func(i vmmap.Image) bool { return i.Path == image },
		func(i vmmap.Image) bool { return filepath.Base(i.Path) == image },
		func(i vmmap.Image) bool { return strings.Contains(i.Path, image) },
	}
	for _, match := range tiers {
		var out []vmmap.Image
		for _, img := range images {
			if match(img) {
				out = append(out, img)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

// Bias is the difference between runtime and link-time addresses of img.
func Bias(img vmmap.Image, t *Table) uintptr {
	base := img.Base
	for _, m := range img.Mappings {
		if m.Offset == 0 {
			base = m.Start
			break
		}
	}
	return base - t.LinkBase
}
