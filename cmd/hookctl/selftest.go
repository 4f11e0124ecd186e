package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/k2io/inlinehook"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "selftest",
		Short: "Hook a function inside hookctl and check the results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSelftest()
		},
	})
}

//go:noinline
func add(a, b int) int { return a + b }

//go:noinline
func sub(a, b int) int { return a - b }

func check(what string, got, want int) error {
	fmt.Printf("%-28s %4d (want %d)\n", what, got, want)
	if got != want {
		return fmt.Errorf("selftest: %s = %d, want %d", what, got, want)
	}
	return nil
}

func runSelftest() error {
	target, err := inlinehook.FuncAddr(add)
	if err != nil {
		return err
	}
	repl, err := inlinehook.FuncAddr(sub)
	if err != nil {
		return err
	}
	tramp, err := inlinehook.Hook(target, repl)
	if err != nil {
		return err
	}
	orig := inlinehook.MakeFunc[func(int, int) int](tramp)
	if err := check("hooked add(7, 5)", add(7, 5), 2); err != nil {
		_ = inlinehook.Unhook(target)
		return err
	}
	if err := check("trampoline(2, 1)", orig(2, 1), 3); err != nil {
		_ = inlinehook.Unhook(target)
		return err
	}
	if err := inlinehook.Unhook(target); err != nil {
		return err
	}
	if err := check("restored add(7, 5)", add(7, 5), 12); err != nil {
		return err
	}
	if e, err := inlinehook.Default(); err == nil {
		fmt.Println("exec memory:", e.ExecMemory())
	}
	return nil
}
