// Package inlinehook redirects calls to a function at a known address to
// replacement code, keeping the original callable through a trampoline.
package inlinehook

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/k2io/inlinehook/internal/arch"
	"github.com/k2io/inlinehook/internal/execmem"
	"github.com/k2io/inlinehook/internal/patcher"
	"github.com/k2io/inlinehook/internal/symbols"
	"github.com/k2io/inlinehook/internal/trampoline"
	"github.com/k2io/inlinehook/internal/vmmap"
)

// State is the life cycle stage of a hook.
type State uint8

const (
	Unhooked State = iota
	Active
	Removed
)

func (s State) String() string {
	switch s {
	case Unhooked:
		return "unhooked"
	case Active:
		return "active"
	case Removed:
		return "removed"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// HookEntry describes the hook of one target.
type HookEntry struct {
	Target uintptr
	// Site is where the takeover is written. It is past the stack bound
	// check of a Go function, and Target otherwise.
	Site        uintptr
	Replacement uintptr
	// Trampoline runs the original function.
	Trampoline uintptr
	// Relay is the stub between target and replacement, or 0.
	Relay uintptr
	// Original holds the bytes restored on unhook.
	Original []byte
	State    State
}

type entry struct {
	// mu serializes install and remove of one target
	mu sync.Mutex

	// guarded by Engine.mu
	HookEntry
	refs   int
	window int
	tramp  *trampoline.Trampoline
	take   *trampoline.Takeover
}

// Engine installs and removes hooks. It is safe for concurrent use;
// operations on distinct targets do not wait on each other.
type Engine struct {
	arch     *arch.Spec
	mem      Memory
	alloc    *execmem.Allocator
	builder  *trampoline.Builder
	resolver *symbols.Resolver
	log      hclog.Logger
	metrics  *metrics

	mu      sync.Mutex
	entries map[uintptr]*entry
}

// NewEngine returns an engine with its own executable memory and hook table.
func NewEngine(opts ...Option) (*Engine, error) {
	c := config{log: logger, arch: arch.Native()}
	for _, o := range opts {
		o(&c)
	}
	if c.arch == nil || c.archErr {
		return nil, ErrUnsupportedArch
	}
	if c.maps == nil {
		c.maps = vmmap.Self()
	}
	if c.mapper == nil {
		c.mapper = execmem.NewMapper()
	}
	if c.mem == nil {
		c.mem = patcher.New(c.maps, c.log.Named("patcher"))
	}
	aopts := []execmem.Option{
		execmem.WithReach(c.arch.Reach),
		execmem.WithLogger(c.log.Named("execmem")),
	}
	if c.regionSize > 0 {
		aopts = append(aopts, execmem.WithRegionSize(c.regionSize))
	}
	alloc := execmem.New(c.mapper, aopts...)
	res, err := symbols.NewResolver(c.maps, c.cacheSize, c.log.Named("symbols"))
	if err != nil {
		return nil, err
	}
	return &Engine{
		arch:     c.arch,
		mem:      c.mem,
		alloc:    alloc,
		builder:  trampoline.New(c.arch, c.mem, alloc, c.log.Named("trampoline")),
		resolver: res,
		log:      c.log,
		metrics:  newMetrics(alloc),
		entries:  make(map[uintptr]*entry),
	}, nil
}

// Hook redirects target to replacement and returns the trampoline address.
func (e *Engine) Hook(target, replacement uintptr) (uintptr, error) {
	return e.install("hook", target, replacement, nil, nil)
}

// HookAndUpdateOrigin hooks target and stores the trampoline address in
// origin before the target is redirected, so replacement can call through
// origin from its first invocation. origin is zeroed if the final write fails.
func (e *Engine) HookAndUpdateOrigin(target, replacement uintptr, origin *uintptr) error {
	if origin == nil {
		return errors.Wrap(ErrInvalidAddress, "nil origin")
	}
	_, err := e.install("hook_and_update_origin", target, replacement, nil, func(t uintptr) { *origin = t })
	return err
}

// HookVerified hooks target only if it starts with expected.
func (e *Engine) HookVerified(target, replacement uintptr, expected []byte) (uintptr, error) {
	if len(expected) == 0 {
		return 0, errors.Wrap(ErrPrologueMismatch, "empty prologue")
	}
	return e.install("hook_verified", target, replacement, expected, nil)
}

func (e *Engine) install(op string, target, replacement uintptr, expected []byte, publish func(uintptr)) (uintptr, error) {
	tramp, err := e.doInstall(target, replacement, expected, publish)
	if err != nil {
		e.metrics.fail(op, err)
		e.log.Debug("install failed", "op", op, "target", hclog.Fmt("%#x", target), "error", err)
		return 0, err
	}
	e.metrics.installs.Inc()
	e.log.Debug("installed", "target", hclog.Fmt("%#x", target), "replacement", hclog.Fmt("%#x", replacement),
		"trampoline", hclog.Fmt("%#x", tramp))
	return tramp, nil
}

func (e *Engine) doInstall(target, replacement uintptr, expected []byte, publish func(uintptr)) (uintptr, error) {
	if target == 0 || replacement == 0 || target == replacement {
		return 0, ErrInvalidAddress
	}
	ent := e.acquire(target, true)
	defer e.release(ent)
	ent.mu.Lock()
	defer ent.mu.Unlock()

	site := e.builder.Entry(target)
	if err := e.claim(ent, site, 1); err != nil {
		return 0, err
	}
	done := false
	defer func() {
		if !done {
			e.unclaim(ent)
		}
	}()

	if expected != nil {
		cur, err := e.mem.Read(target, len(expected))
		if err != nil {
			return 0, err
		}
		if !bytes.Equal(cur, expected) {
			return 0, errors.Wrapf(ErrPrologueMismatch, "%#x starts with % x", target, cur)
		}
	}

	take, err := e.builder.Takeover(site, replacement)
	if err != nil {
		return 0, err
	}
	plan, err := e.builder.Plan(site, len(take.Code))
	if err != nil {
		e.builder.Release(nil, take)
		return 0, err
	}
	if err := e.claim(ent, site, plan.Consumed); err != nil {
		e.builder.Release(nil, take)
		return 0, err
	}
	tramp, err := e.builder.BuildPlan(plan)
	if err != nil {
		e.builder.Release(nil, take)
		return 0, err
	}

	// publish before the jump is live, replacement may call through it
	if publish != nil {
		publish(tramp.Address)
	}
	if err := e.mem.Patch(site, take.Code); err != nil {
		if publish != nil {
			publish(0)
		}
		e.builder.Release(tramp, take)
		return 0, err
	}

	e.mu.Lock()
	ent.HookEntry = HookEntry{
		Target:      target,
		Site:        site,
		Replacement: replacement,
		Trampoline:  tramp.Address,
		Relay:       take.Relay,
		Original:    tramp.Original,
		State:       Active,
	}
	ent.tramp, ent.take = tramp, take
	e.metrics.active.Set(float64(e.countActive()))
	e.mu.Unlock()
	done = true

	e.log.Debug("takeover", "target", hclog.Fmt("%#x", target), "site", hclog.Fmt("%#x", site),
		"mode", take.Mode, "bytes", hclog.Fmt("% x", take.Code))
	return tramp.Address, nil
}

// Unhook restores the original bytes of target and frees its trampoline.
// A target without an active hook is left untouched.
func (e *Engine) Unhook(target uintptr) error {
	err := e.doUnhook(target)
	if err != nil {
		e.metrics.fail("unhook", err)
		return err
	}
	e.metrics.removals.Inc()
	e.log.Debug("removed", "target", hclog.Fmt("%#x", target))
	return nil
}

func (e *Engine) doUnhook(target uintptr) error {
	ent := e.acquire(target, false)
	if ent == nil {
		return ErrNotHooked
	}
	defer e.release(ent)
	ent.mu.Lock()
	defer ent.mu.Unlock()

	e.mu.Lock()
	state, site, original := ent.State, ent.Site, ent.Original
	e.mu.Unlock()
	if state != Active {
		return ErrNotHooked
	}
	if err := e.mem.Patch(site, original); err != nil {
		return err
	}
	e.builder.Release(ent.tramp, ent.take)

	e.mu.Lock()
	ent.State = Removed
	ent.window = 0
	ent.tramp, ent.take = nil, nil
	e.metrics.active.Set(float64(e.countActive()))
	e.mu.Unlock()
	return nil
}

// UnhookAll removes every active hook and returns the first failure.
func (e *Engine) UnhookAll() error {
	var first error
	for _, h := range e.Hooks() {
		if h.State != Active {
			continue
		}
		if err := e.Unhook(h.Target); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Lookup returns the entry of target.
func (e *Engine) Lookup(target uintptr) (HookEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[target]
	if !ok || ent.State == Unhooked {
		return HookEntry{}, false
	}
	return ent.snapshot(), true
}

// Hooks returns every active or removed entry ordered by target.
func (e *Engine) Hooks() []HookEntry {
	e.mu.Lock()
	out := make([]HookEntry, 0, len(e.entries))
	for _, ent := range e.entries {
		if ent.State != Unhooked {
			out = append(out, ent.snapshot())
		}
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

func (ent *entry) snapshot() HookEntry {
	h := ent.HookEntry
	h.Original = append([]byte(nil), ent.Original...)
	return h
}

// acquire pins the entry of target, creating it when create is set.
func (e *Engine) acquire(target uintptr, create bool) *entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[target]
	if !ok {
		if !create {
			return nil
		}
		// allocated ahead of patching, the target may be an allocator
		ent = &entry{HookEntry: HookEntry{Target: target}}
		e.entries[target] = ent
	}
	ent.refs++
	return ent
}

func (e *Engine) release(ent *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent.refs--
	if ent.refs == 0 && ent.State == Unhooked {
		delete(e.entries, ent.Target)
	}
}

// claim reserves the n bytes at site for an install in progress.
func (e *Engine) claim(ent *entry, site uintptr, n int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent.State == Active {
		return errors.Wrapf(ErrAlreadyHooked, "%#x", ent.Target)
	}
	lo, hi := site, site+uintptr(n)
	for _, o := range e.entries {
		if o == ent || o.window == 0 {
			continue
		}
		if lo < o.Site+uintptr(o.window) && o.Site < hi {
			return errors.Wrapf(ErrOverlappingHook, "%#x+%d and %#x+%d", site, n, o.Site, o.window)
		}
	}
	ent.Site, ent.window = site, n
	return nil
}

func (e *Engine) unclaim(ent *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent.State != Active {
		ent.window = 0
	}
}

func (e *Engine) countActive() int {
	n := 0
	for _, ent := range e.entries {
		if ent.State == Active {
			n++
		}
	}
	return n
}

// PatchCode writes code at addr, mapping failures onto ErrMemoryOperation,
// ErrNotEnough, ErrNotSupportExecutable or ErrUnknown.
func (e *Engine) PatchCode(addr uintptr, code []byte) error {
	err := patchError(e.mem.Patch(addr, code))
	if err != nil {
		e.metrics.fail("patch_code", err)
	}
	return err
}

// ResolveSymbol returns the address of symbol in the loaded image named
// image, or in any loaded image when image is empty.
func (e *Engine) ResolveSymbol(image, symbol string) (uintptr, bool) {
	return e.resolver.Resolve(image, symbol)
}

// ExecMemory reports the executable memory held by the engine.
func (e *Engine) ExecMemory() execmem.Stats {
	return e.alloc.Stats()
}

// Arch returns the instruction set name the engine encodes for.
func (e *Engine) Arch() string {
	return e.arch.Name
}
