package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/k2io/inlinehook"
	"github.com/k2io/inlinehook/internal/arch"
	"github.com/k2io/inlinehook/internal/patcher"
	"github.com/k2io/inlinehook/internal/trampoline"
	"github.com/k2io/inlinehook/internal/vmmap"
)

var planMin int

func init() {
	cmd := &cobra.Command{
		Use:   "plan <image> <symbol>",
		Short: "Show which instructions a hook of a function would relocate",
		Long: `The plan command decodes the prologue of a function loaded in
hookctl and prints the instructions a trampoline would carry. Nothing is
written.

Example:
  hookctl plan hookctl main.main
  hookctl plan "" strconv.Itoa --min 14`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(args[0], args[1])
		},
	}
	cmd.Flags().IntVar(&planMin, "min", 0, "Bytes to cover (default: near jump size)")
	rootCmd.AddCommand(cmd)
}

type planRow struct {
	Address   string `json:"address"`
	Bytes     string `json:"bytes"`
	Mnemonic  string `json:"mnemonic"`
	Kind      string `json:"kind"`
	Target    string `json:"target,omitempty"`
	Relocated int    `json:"max_relocated"`
}

func runPlan(image, symbol string) error {
	spec := arch.Native()
	if spec == nil {
		return inlinehook.ErrUnsupportedArch
	}
	addr, ok := inlinehook.ResolveSymbol(image, symbol)
	if !ok {
		return fmt.Errorf("%s: symbol %q not found", image, symbol)
	}
	want := planMin
	if want <= 0 {
		want = spec.NearJumpLen
	}
	b := trampoline.New(spec, patcher.New(vmmap.Self(), nil), nil, nil)
	site := b.Entry(addr)
	p, err := b.Plan(site, want)
	if err != nil {
		return err
	}
	rows := make([]planRow, 0, len(p.Prefix))
	for _, in := range p.Prefix {
		r := planRow{
			Address:   fmt.Sprintf("%#x", in.Addr),
			Bytes:     fmt.Sprintf("% x", in.Raw),
			Mnemonic:  in.Mnemonic,
			Kind:      in.Kind.String(),
			Relocated: spec.MaxRelocatedLen(in),
		}
		if in.PositionDependent() {
			r.Target = fmt.Sprintf("%#x", in.Target)
		}
		rows = append(rows, r)
	}
	if jsonOut {
		return printJSON(map[string]interface{}{
			"target":       fmt.Sprintf("%#x", addr),
			"site":         fmt.Sprintf("%#x", site),
			"arch":         spec.Name,
			"consumed":     p.Consumed,
			"instructions": rows,
		})
	}
	fmt.Printf("%s %s at %#x: %d bytes relocated from %#x\n", spec.Name, symbol, addr, p.Consumed, site)
	for _, r := range rows {
		fmt.Printf("  %s  %-24s %-10s %-11s %s\n", r.Address, r.Bytes, r.Mnemonic, r.Kind, r.Target)
	}
	return nil
}
