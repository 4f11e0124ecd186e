package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/k2io/inlinehook/internal/vmmap"
)

var mapsAll bool

func init() {
	cmd := &cobra.Command{
		Use:   "maps",
		Short: "List the executable mappings of hookctl",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaps()
		},
	}
	cmd.Flags().BoolVar(&mapsAll, "all", false, "Include non-executable mappings")
	rootCmd.AddCommand(cmd)
}

type mapRow struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Perms string `json:"perms"`
	Size  string `json:"size"`
	Path  string `json:"path,omitempty"`
}

func runMaps() error {
	snap, err := vmmap.Self().Snapshot()
	if err != nil {
		return err
	}
	var rows []mapRow
	for _, m := range snap {
		if !mapsAll && !m.Perms.Exec {
			continue
		}
		rows = append(rows, mapRow{
			Start: fmt.Sprintf("%#x", m.Start),
			End:   fmt.Sprintf("%#x", m.End),
			Perms: m.Perms.String(),
			Size:  humanize.IBytes(uint64(m.Size())),
			Path:  m.Path,
		})
	}
	if jsonOut {
		return printJSON(rows)
	}
	for _, r := range rows {
		fmt.Printf("%s-%s %s %9s %s\n", r.Start, r.End, r.Perms, r.Size, r.Path)
	}
	return nil
}
