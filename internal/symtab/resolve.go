// Copyright 2024 The scg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package symtab

import (
	"fmt"
	"sort"
	"strings"
)

// A Location is the result of resolving a code address. Module and
// Symbol are empty when the corresponding level was not found. Offset
// is measured from the symbol if one was found, else from the module
// base, else it is the address itself.
type Location struct {
	Module string
	Symbol string
	Offset uint64
}

// Resolve maps an address against the snapshot. It is a pure function
// over the table apart from triggering the lazy symbol fill.
func (t *Table) Resolve(addr uint64) Location {
	loc := Location{Offset: addr}

	mods := t.modules
	i := sort.Search(len(mods), func(i int) bool {
		return mods[i].base > addr
	})
	if i == 0 {
		return loc
	}
	m := mods[i-1]
	if addr-m.base > m.size {
		return loc
	}
	m.fill()
	loc.Module = m.name
	loc.Offset = addr - m.base

	syms := m.syms
	j := sort.Search(len(syms), func(j int) bool {
		return syms[j].Addr > addr
	})
	if j == 0 {
		return loc
	}
	s := syms[j-1]
	if addr-s.Addr > s.Size {
		return loc
	}
	loc.Symbol = s.Name
	loc.Offset = addr - s.Addr
	return loc
}

// FormatStack renders a stack of program counters one frame per line,
// innermost first. A zero counter terminates the walk. With offsets
// set, frames carry their displacement within the symbol or module.
func (t *Table) FormatStack(pcs []uintptr, offsets bool) string {
	var b strings.Builder
	for _, pc := range pcs {
		if pc == 0 {
			break
		}
		loc := t.Resolve(uint64(pc))
		switch {
		case offsets && loc.Symbol != "":
			fmt.Fprintf(&b, "\t%s+%d\t(%s)\n", loc.Symbol, loc.Offset, loc.Module)
		case offsets && loc.Module != "":
			fmt.Fprintf(&b, "\t%s+%#x\n", loc.Module, loc.Offset)
		case loc.Symbol != "":
			fmt.Fprintf(&b, "\t%s\t(%s)\n", loc.Symbol, loc.Module)
		case loc.Module != "":
			fmt.Fprintf(&b, "\t%s\n", loc.Module)
		default:
			fmt.Fprintf(&b, "\t0x%x\n", loc.Offset)
		}
	}
	return b.String()
}
