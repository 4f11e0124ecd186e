package symbols

import (
	"debug/pe"
	"io"
)

type peFile struct {
	pe *pe.File
}

func openPE(r io.ReaderAt) (rawFile, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &peFile{f}, nil
}

func (f *peFile) Symbols() (*Table, error) {
	t := &Table{Syms: map[string]uintptr{}}
	switch oh := f.pe.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		t.LinkBase = uintptr(oh.ImageBase)
	case *pe.OptionalHeader32:
		t.LinkBase = uintptr(oh.ImageBase)
	}
	for _, s := range f.pe.Symbols {
		// section numbers are 1-based, 0 and below are undefined or special
		if s.SectionNumber <= 0 || int(s.SectionNumber) > len(f.pe.Sections) {
			continue
		}
		sect := f.pe.Sections[s.SectionNumber-1]
		t.Syms[s.Name] = t.LinkBase + uintptr(sect.VirtualAddress) + uintptr(s.Value)
	}
	return t, nil
}
