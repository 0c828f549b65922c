// Command chentry rewrites the entry point of an ELF64 image in place.
// It is the host-side replacement for the teacher's
// biscuit/src/kernel/chentry.go, rebuilt on the elf package's own
// parser/validator instead of the standard library's debug/elf, and
// widened from the teacher's 32-bit-pointer check to a 64-bit one since
// this core targets x86-64.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"elf"
)

func main() {
	root := &cobra.Command{
		Use:   "chentry <filename> <addr>",
		Short: "Change the ELF entry point of <filename> to <addr>",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], args[1])
		},
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(path, addrArg string) error {
	addr, err := strconv.ParseUint(addrArg, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addrArg, err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if perr := elf.PatchEntry(b, addr); perr != 0 {
		return fmt.Errorf("%s: %v", path, perr)
	}

	fmt.Printf("chentry: %s entry -> 0x%x\n", path, addr)
	return os.WriteFile(path, b, 0644)
}
