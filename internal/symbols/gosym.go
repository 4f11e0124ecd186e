package symbols

import "debug/gosym"

// addGo adds the functions of a Go pc-line table to out. Names already in
// out are kept. Stripped Go binaries have only this table.
func addGo(out map[string]uintptr, pclntab []byte, text uint64) bool {
	if len(pclntab) == 0 {
		return false
	}
	tab, err := gosym.NewTable(nil, gosym.NewLineTable(pclntab, text))
	if err != nil {
		return false
	}
	n := 0
	for _, f := range tab.Funcs {
		if f.Name == "" || f.Entry == 0 {
			continue
		}
		if _, ok := out[f.Name]; !ok {
			out[f.Name] = uintptr(f.Entry)
		}
		n++
	}
	return n > 0
}
