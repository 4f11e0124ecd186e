package inlinehook

import (
	"github.com/hashicorp/go-hclog"

	"github.com/k2io/inlinehook/internal/arch"
	"github.com/k2io/inlinehook/internal/execmem"
	"github.com/k2io/inlinehook/internal/vmmap"
)

// Memory reads and writes code on behalf of an engine.
type Memory interface {
	Read(addr uintptr, n int) ([]byte, error)
	Patch(addr uintptr, code []byte) error
}

type config struct {
	log        hclog.Logger
	regionSize int
	cacheSize  int
	arch       *arch.Spec
	archErr    bool
	mem        Memory
	mapper     execmem.Mapper
	maps       vmmap.Source
}

// Option configures an Engine.
type Option func(*config)

// WithLogger sets the engine logger.
func WithLogger(l hclog.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithRegionSize sets the size of each executable memory region.
func WithRegionSize(n int) Option {
	return func(c *config) { c.regionSize = n }
}

// WithSymbolCache sets how many parsed symbol tables are kept.
func WithSymbolCache(n int) Option {
	return func(c *config) { c.cacheSize = n }
}

// WithArch selects the instruction set by GOARCH name instead of the
// running one. Only useful together with WithMemory.
func WithArch(goarch string) Option {
	return func(c *config) {
		c.arch = arch.ByName(goarch)
		c.archErr = c.arch == nil
	}
}

// WithMemory replaces the code reader and writer.
func WithMemory(m Memory) Option {
	return func(c *config) { c.mem = m }
}

// WithMapper replaces the source of executable memory.
func WithMapper(m execmem.Mapper) Option {
	return func(c *config) { c.mapper = m }
}
