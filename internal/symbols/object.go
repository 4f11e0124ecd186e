// Package symbols looks up function addresses by name, from object files
// on disk and from the images loaded into the running process.
package symbols

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// ErrUnrecognized means a file is not a supported object format.
var ErrUnrecognized = errors.New("unrecognized object file")

// Table is the symbol table of one object file.
type Table struct {
	// Syms maps names to link-time addresses.
	Syms map[string]uintptr
	// LinkBase is the link-time address of the first loadable segment,
	// page aligned.
	LinkBase uintptr
}

type rawFile interface {
	Symbols() (*Table, error)
}

var objType = []func(io.ReaderAt) (rawFile, error){
	openElf,
	openMacho,
	openPE,
}

func readTable(name string) (*Table, error) {
	r, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	for _, try := range objType {
		if raw, err := try(r); err == nil {
			return raw.Symbols()
		}
	}
	return nil, errors.Wrapf(ErrUnrecognized, "open %s", name)
}

// ReadSymbols returns the link-time addresses of the symbols defined in
// an ELF, Mach-O or PE file.
func ReadSymbols(name string) (map[string]uintptr, error) {
	t, err := readTable(name)
	if err != nil {
		return nil, err
	}
	return t.Syms, nil
}
