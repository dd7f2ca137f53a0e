// Copyright 2024 The scg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The scg tool inspects ELF symbol tables and scg profile reports.
//
//	scg symbols <file>           list a binary's symbol table
//	scg resolve <file> <addr>…   map addresses to symbols
//	scg view [-i] <report>       browse a profiler report
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rcls/scg/internal/symtab"
)

func main() {
	root := &cobra.Command{
		Use:           "scg",
		Short:         "inspect scg profiles and ELF symbol tables",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(symbolsCmd(), resolveCmd(), viewCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "scg: %v\n", err)
		os.Exit(1)
	}
}

func symbolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "symbols <file>",
		Short: "list the symbol table of an ELF file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tab, err := symtab.FileTable(args[0])
			if err != nil {
				return err
			}
			m := tab.Modules()[0]
			syms := m.Symbols()
			if len(syms) == 0 {
				return fmt.Errorf("%s: no symbols", args[0])
			}
			for _, s := range syms {
				fmt.Printf("%#10x %6d\t%s\n", s.Addr, s.Size, s.Name)
			}
			return nil
		},
	}
}

func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <file> <addr>...",
		Short: "map addresses within an ELF file to symbols",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tab, err := symtab.FileTable(args[0])
			if err != nil {
				return err
			}
			for _, a := range args[1:] {
				addr, err := strconv.ParseUint(a, 0, 64)
				if err != nil {
					return fmt.Errorf("bad address %q: %v", a, err)
				}
				loc := tab.Resolve(addr)
				switch {
				case loc.Symbol != "":
					fmt.Printf("%#x\t%s+%d\t(%s)\n", addr, loc.Symbol, loc.Offset, loc.Module)
				case loc.Module != "":
					fmt.Printf("%#x\t%s+%#x\n", addr, loc.Module, loc.Offset)
				default:
					fmt.Printf("%#x\t?\n", addr)
				}
			}
			return nil
		},
	}
}
