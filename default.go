package inlinehook

import (
	"sync"

	"github.com/k2io/inlinehook/internal/symbols"
)

var (
	defaultOnce   sync.Once
	defaultEngine *Engine
	defaultErr    error
)

// Default returns the process wide engine, creating it on first use.
func Default() (*Engine, error) {
	defaultOnce.Do(func() {
		defaultEngine, defaultErr = NewEngine()
	})
	return defaultEngine, defaultErr
}

// ResolveSymbol returns the address of symbol in the loaded image named
// image. A missing image or symbol is reported as false.
func ResolveSymbol(image, symbol string) (uintptr, bool) {
	e, err := Default()
	if err != nil {
		return 0, false
	}
	return e.ResolveSymbol(image, symbol)
}

// Hook redirects target to replacement and returns the address of a
// trampoline that runs the original function.
func Hook(target, replacement uintptr) (uintptr, error) {
	e, err := Default()
	if err != nil {
		return 0, err
	}
	return e.Hook(target, replacement)
}

// HookAndUpdateOrigin is Hook, storing the trampoline in origin before
// target is redirected.
func HookAndUpdateOrigin(target, replacement uintptr, origin *uintptr) error {
	e, err := Default()
	if err != nil {
		return err
	}
	return e.HookAndUpdateOrigin(target, replacement, origin)
}

// Unhook removes the hook of target.
func Unhook(target uintptr) error {
	e, err := Default()
	if err != nil {
		return err
	}
	return e.Unhook(target)
}

// PatchCode writes code at addr.
func PatchCode(addr uintptr, code []byte) error {
	e, err := Default()
	if err != nil {
		return err
	}
	return e.PatchCode(addr, code)
}

// ReadSymbols returns the link-time symbol addresses of an object file.
func ReadSymbols(name string) (map[string]uintptr, error) {
	return symbols.ReadSymbols(name)
}
