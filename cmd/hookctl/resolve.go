package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/k2io/inlinehook"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "resolve <image> <symbol>",
		Short: "Resolve a symbol in an image loaded by hookctl",
		Long: `The resolve command looks a symbol up in the images mapped into
the hookctl process. An empty image ("") searches every image.

Example:
  hookctl resolve hookctl main.main
  hookctl resolve "" runtime.mallocgc`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(args[0], args[1])
		},
	})
}

func runResolve(image, symbol string) error {
	addr, ok := inlinehook.ResolveSymbol(image, symbol)
	if jsonOut {
		return printJSON(map[string]interface{}{
			"image":   image,
			"symbol":  symbol,
			"found":   ok,
			"address": fmt.Sprintf("%#x", addr),
		})
	}
	if !ok {
		return fmt.Errorf("%s: symbol %q not found", image, symbol)
	}
	fmt.Printf("%#x\n", addr)
	return nil
}
