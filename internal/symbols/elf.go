package symbols

import (
	"debug/elf"
	"io"
	"os"

	"github.com/pkg/errors"
)

type elfFile struct {
	elf *elf.File
}

func openElf(r io.ReaderAt) (rawFile, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &elfFile{f}, nil
}

func (e *elfFile) Symbols() (*Table, error) {
	t := &Table{Syms: map[string]uintptr{}}
	for _, p := range e.elf.Progs {
		if p.Type == elf.PT_LOAD {
			t.LinkBase = uintptr(p.Vaddr) &^ uintptr(os.Getpagesize()-1)
			break
		}
	}

	found := false
	// .dynsym first so .symtab wins on conflicts
	if syms, err := e.elf.DynamicSymbols(); err == nil {
		addElf(t.Syms, syms)
		found = true
	}
	if syms, err := e.elf.Symbols(); err == nil {
		addElf(t.Syms, syms)
		found = true
	}
	if pcln, text := e.elf.Section(".gopclntab"), e.elf.Section(".text"); pcln != nil && text != nil {
		if data, err := pcln.Data(); err == nil && addGo(t.Syms, data, text.Addr) {
			found = true
		}
	}
	if !found {
		return nil, errors.Wrap(elf.ErrNoSymbols, "elf")
	}
	return t, nil
}

func addElf(out map[string]uintptr, syms []elf.Symbol) {
	for _, s := range syms {
		if s.Section == elf.SHN_UNDEF || s.Value == 0 || s.Name == "" {
			continue
		}
		out[s.Name] = uintptr(s.Value)
	}
}
