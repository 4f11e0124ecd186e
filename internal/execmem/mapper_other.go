//go:build !unix

package execmem

import "github.com/k2io/inlinehook/internal/vmmap"

type noMapper struct{}

// NewMapper returns a Mapper that always fails on this platform.
func NewMapper() Mapper { return noMapper{} }

func (noMapper) Map(uintptr, int) (uintptr, error) { return 0, ErrNotSupportedExecutable }

func (noMapper) Unmap(uintptr, int) error { return ErrNotSupportedExecutable }

func (noMapper) Holes(uintptr, uintptr) ([]vmmap.Span, error) { return nil, ErrNotSupportedExecutable }

func (noMapper) PageSize() int { return 4096 }
