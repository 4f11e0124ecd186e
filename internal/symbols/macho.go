package symbols

import (
	"debug/macho"
	"io"
	"strings"
)

type machoFile struct {
	macho *macho.File
}

func openMacho(r io.ReaderAt) (rawFile, error) {
	f, err := macho.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &machoFile{f}, nil
}

func (f *machoFile) Symbols() (*Table, error) {
	t := &Table{Syms: map[string]uintptr{}}
	if seg := f.macho.Segment("__TEXT"); seg != nil {
		t.LinkBase = uintptr(seg.Addr)
	}
	if f.macho.Symtab != nil {
		f.addSymtab(t)
	}
	if pcln, text := f.macho.Section("__gopclntab"), f.macho.Section("__text"); pcln != nil && text != nil {
		if data, err := pcln.Data(); err == nil {
			addGo(t.Syms, data, text.Addr)
		}
	}
	return t, nil
}

func (f *machoFile) addSymtab(t *Table) {
	for _, s := range f.macho.Symtab.Syms {
		if s.Sect == 0 || s.Name == "" {
			continue
		}
		t.Syms[s.Name] = uintptr(s.Value)
		// C symbols carry a leading underscore
		if c := strings.TrimPrefix(s.Name, "_"); c != s.Name {
			if _, ok := t.Syms[c]; !ok {
				t.Syms[c] = uintptr(s.Value)
			}
		}
	}
}
