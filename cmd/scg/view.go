// Copyright 2024 The scg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

// An edge is one caller or callee line of a record block.
type edge struct {
	count uint64
	name  string
}

// A funcBlock is one banner-delimited block of a profiler report.
type funcBlock struct {
	name    string
	header  string // the "+name\t..." line, verbatim
	callers []edge
	callees []edge
}

type report struct {
	header string
	blocks []*funcBlock
	byName map[string]*funcBlock
}

func viewCmd() *cobra.Command {
	var interactive bool
	cmd := &cobra.Command{
		Use:   "view <report> [function]",
		Short: "browse a profiler text report",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			rep, err := parseReport(f)
			if err != nil {
				return err
			}
			if interactive {
				return browse(rep)
			}
			if len(args) == 2 {
				b := rep.byName[args[1]]
				if b == nil {
					return fmt.Errorf("no function %q in report", args[1])
				}
				printBlock(b)
				return nil
			}
			fmt.Println(rep.header)
			for _, b := range rep.blocks {
				fmt.Println(b.header)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false,
		"browse the call graph at a prompt")
	return cmd
}

func parseReport(r io.Reader) (*report, error) {
	rep := &report{byName: make(map[string]*funcBlock)}
	var cur *funcBlock
	flush := func() {
		if cur != nil && cur.name != "" {
			rep.blocks = append(rep.blocks, cur)
			rep.byName[cur.name] = cur
		}
	}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "----"):
			flush()
			cur = &funcBlock{}
		case strings.HasPrefix(line, "+") && cur != nil:
			cur.header = line
			name := line[1:]
			if i := strings.IndexByte(name, '\t'); i >= 0 {
				name = name[:i]
			}
			cur.name = name
		case strings.HasPrefix(line, "\t") && cur != nil:
			countStr, name, ok := strings.Cut(line[1:], "\t")
			if !ok {
				continue
			}
			count, err := strconv.ParseUint(countStr, 10, 64)
			if err != nil {
				continue
			}
			e := edge{count: count, name: name}
			if cur.header == "" {
				cur.callers = append(cur.callers, e)
			} else {
				cur.callees = append(cur.callees, e)
			}
		case cur == nil && rep.header == "":
			rep.header = line
		}
	}
	flush()
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(rep.blocks) == 0 {
		return nil, fmt.Errorf("not a profiler report")
	}
	return rep, nil
}

func printBlock(b *funcBlock) {
	fmt.Println(strings.Repeat("-", 79))
	for _, e := range b.callers {
		fmt.Printf("\t%d\t%s\n", e.count, e.name)
	}
	fmt.Println(b.header)
	for _, e := range b.callees {
		fmt.Printf("\t%d\t%s\n", e.count, e.name)
	}
}

// browse walks the call graph at a readline prompt.
func browse(rep *report) error {
	names := make([]string, 0, len(rep.blocks))
	for _, b := range rep.blocks {
		names = append(names, b.name)
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt: "scg> ",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("top"),
			readline.PcItem("show", readline.PcItemDynamic(func(string) []string { return names })),
			readline.PcItem("callers", readline.PcItemDynamic(func(string) []string { return names })),
			readline.PcItem("callees", readline.PcItemDynamic(func(string) []string { return names })),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Println(rep.header)
	fmt.Println(`commands: top, show <fn>, callers <fn>, callees <fn>, quit`)
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
		arg = strings.TrimSpace(arg)
		switch cmd {
		case "":
		case "quit", "q", "exit":
			return nil
		case "top":
			for _, b := range rep.blocks {
				fmt.Println(b.header)
			}
		case "show", "callers", "callees":
			b := rep.byName[arg]
			if b == nil {
				fmt.Printf("no function %q\n", arg)
				continue
			}
			switch cmd {
			case "show":
				printBlock(b)
			case "callers":
				for _, e := range b.callers {
					fmt.Printf("\t%d\t%s\n", e.count, e.name)
				}
			case "callees":
				for _, e := range b.callees {
					fmt.Printf("\t%d\t%s\n", e.count, e.name)
				}
			}
		default:
			fmt.Printf("unknown command %q\n", cmd)
		}
	}
}
