package inlinehook

import (
	"reflect"
	"unsafe"
)

// funcval is the runtime layout a func value points to.
type funcval struct {
	fn uintptr
}

func isFunc[F any]() bool {
	return reflect.TypeOf((*F)(nil)).Elem().Kind() == reflect.Func
}

// FuncAddr returns the entry address of the code behind f.
func FuncAddr[F any](f F) (uintptr, error) {
	v := reflect.ValueOf(f)
	if v.Kind() != reflect.Func {
		return 0, ErrInputType
	}
	if v.IsNil() {
		return 0, ErrInvalidAddress
	}
	return v.Pointer(), nil
}

// MakeFunc returns a func of type F that runs the code at addr. It panics
// when F is not a func type.
func MakeFunc[F any](addr uintptr) F {
	if !isFunc[F]() {
		panic(ErrInputType)
	}
	fv := &funcval{fn: addr}
	return *(*F)(unsafe.Pointer(&fv))
}

// HookFunc redirects target to replacement on the default engine. When
// origin is not nil it is set to the original behaviour before target is
// redirected. replacement must not be a closure that captures variables.
func HookFunc[F any](target, replacement F, origin *F) error {
	e, err := Default()
	if err != nil {
		return err
	}
	return EngineHookFunc(e, target, replacement, origin)
}

// EngineHookFunc is HookFunc on e.
func EngineHookFunc[F any](e *Engine, target, replacement F, origin *F) error {
	from, err := FuncAddr(target)
	if err != nil {
		return err
	}
	to, err := FuncAddr(replacement)
	if err != nil {
		return err
	}
	var publish func(uintptr)
	if origin != nil {
		publish = func(t uintptr) {
			if t == 0 {
				var zero F
				*origin = zero
				return
			}
			*origin = MakeFunc[F](t)
		}
	}
	_, err = e.install("hook_func", from, to, nil, publish)
	return err
}

// UnhookFunc removes the hook of target on the default engine.
func UnhookFunc[F any](target F) error {
	e, err := Default()
	if err != nil {
		return err
	}
	return EngineUnhookFunc(e, target)
}

// EngineUnhookFunc is UnhookFunc on e.
func EngineUnhookFunc[F any](e *Engine, target F) error {
	addr, err := FuncAddr(target)
	if err != nil {
		return err
	}
	return e.Unhook(addr)
}
