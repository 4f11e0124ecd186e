package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/k2io/inlinehook"
)

var symbolsFilter string

func init() {
	cmd := &cobra.Command{
		Use:   "symbols <file>",
		Short: "List the symbols of an ELF, Mach-O or PE file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSymbols(args[0])
		},
	}
	cmd.Flags().StringVar(&symbolsFilter, "filter", "", "Only list symbols containing this text")
	rootCmd.AddCommand(cmd)
}

type symbolRow struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

func runSymbols(path string) error {
	syms, err := inlinehook.ReadSymbols(path)
	if err != nil {
		return fmt.Errorf("failed to read symbols: %w", err)
	}
	rows := make([]symbolRow, 0, len(syms))
	for name, addr := range syms {
		if symbolsFilter != "" && !strings.Contains(name, symbolsFilter) {
			continue
		}
		rows = append(rows, symbolRow{Name: name, Address: fmt.Sprintf("%#x", addr)})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })
	if jsonOut {
		return printJSON(rows)
	}
	for _, r := range rows {
		fmt.Printf("%18s %s\n", r.Address, r.Name)
	}
	return nil
}
