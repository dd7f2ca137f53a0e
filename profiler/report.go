// Copyright 2024 The scg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package profiler

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/rcls/scg/internal/symtab"
	"github.com/rcls/scg/internal/trace"
)

// WriteProfile symbolizes the accumulated call graph and writes the
// text report to w. It may be called any number of times; each call
// takes a fresh module snapshot, so symbols loaded since the last call
// are picked up.
func (p *Profiler) WriteProfile(w io.Writer) error {
	tab, err := symtab.Snapshot()
	if err != nil {
		// Report with raw addresses rather than not at all.
		tab = &symtab.Table{}
	}
	db := buildDatabase(p.index, tab)
	bw := bufio.NewWriter(w)
	db.write(bw)
	return bw.Flush()
}

// A record aggregates every trace node that resolved to one function.
// Records are keyed by canonical address: the node address minus the
// resolver's offset, so all return addresses within a function meet in
// one record.
type record struct {
	name string
	addr uint64

	callers map[*record]uint64
	callees map[*record]uint64

	// Samples in which the function occurs at least once anywhere on
	// the stack, and samples whose innermost frame it is.
	callCount     uint64
	terminalCount uint64
	// breakdown[i] counts samples with the function on the stack
	// exactly i+1 times; printed only when recursion shows up.
	breakdown []uint64
}

func newRecord(name string, addr uint64) *record {
	return &record{
		name:    name,
		addr:    addr,
		callers: make(map[*record]uint64),
		callees: make(map[*record]uint64),
	}
}

type database struct {
	tab         *symtab.Table
	records     map[uint64]*record // by canonical address
	canon       map[uint64]*record // by return address
	spontaneous *record
	total       uint64
	chain       []*trace.Node // scratch for chain walks
}

func buildDatabase(ix *trace.Index, tab *symtab.Table) *database {
	db := &database{
		tab:         tab,
		records:     make(map[uint64]*record),
		canon:       make(map[uint64]*record),
		spontaneous: newRecord("<spontaneous>", 0),
	}
	ix.Do(func(n *trace.Node) {
		if c := n.Count(); c != 0 {
			db.addChain(n, c)
			db.total += c
		}
	})
	return db
}

// recordFor canonicalizes one return address. Symbol names win, then
// module names (keyed at the module base), then the raw address.
func (db *database) recordFor(addr uint64) *record {
	if r := db.canon[addr]; r != nil {
		return r
	}
	loc := db.tab.Resolve(addr)
	name := loc.Symbol
	offset := loc.Offset
	if name == "" {
		name = loc.Module
	}
	if name == "" {
		name = fmt.Sprintf("0x%x", addr)
		offset = 0
	}
	base := addr - offset
	r := db.records[base]
	if r == nil {
		r = newRecord(name, base)
		db.records[base] = r
	}
	db.canon[addr] = r
	return r
}

// addChain walks one terminal node's parent links and attributes its
// count to every caller/callee edge on the stack. The outermost frame's
// caller is the synthetic <spontaneous> record.
func (db *database) addChain(n *trace.Node, count uint64) {
	db.chain = db.chain[:0]
	for ; n != nil; n = n.Parent() {
		db.chain = append(db.chain, n)
	}

	occur := make(map[*record]int)
	caller := db.spontaneous
	for i := len(db.chain) - 1; i >= 0; i-- {
		callee := db.recordFor(uint64(db.chain[i].Addr()))
		callee.callers[caller] += count
		caller.callees[callee] += count
		occur[callee]++
		caller = callee
	}
	caller.terminalCount += count

	for r, depth := range occur {
		r.callCount += count
		for len(r.breakdown) < depth {
			r.breakdown = append(r.breakdown, 0)
		}
		r.breakdown[depth-1] += count
	}
}

const banner = "-------------------------------------------------------------------------------"

func (db *database) write(w io.Writer) {
	fmt.Fprintf(w, "Profile for %s with %d samples.\n", shortName(), db.total)

	recs := make([]*record, 0, len(db.records))
	for _, r := range db.records {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].callCount != recs[j].callCount {
			return recs[i].callCount > recs[j].callCount
		}
		return recs[i].name < recs[j].name
	})
	for _, r := range recs {
		r.write(w, db.total)
	}
}

type countEntry struct {
	r *record
	n uint64
}

func sortedCounts(m map[*record]uint64, descending bool) []countEntry {
	es := make([]countEntry, 0, len(m))
	for r, n := range m {
		es = append(es, countEntry{r, n})
	}
	sort.Slice(es, func(i, j int) bool {
		if es[i].n != es[j].n {
			if descending {
				return es[i].n > es[j].n
			}
			return es[i].n < es[j].n
		}
		return es[i].r.name < es[j].r.name
	})
	return es
}

func (r *record) write(w io.Writer, total uint64) {
	fmt.Fprintln(w, banner)

	for _, e := range sortedCounts(r.callers, false) {
		fmt.Fprintf(w, "\t%d\t%s\n", e.n, e.r.name)
	}

	var termPct, callPct float64
	if total != 0 {
		termPct = float64(r.terminalCount) * 100 / float64(total)
		callPct = float64(r.callCount) * 100 / float64(total)
	}
	if len(r.breakdown) <= 1 {
		fmt.Fprintf(w, "+%s\t%d/%d (%.2f%%/%.2f%%)\n",
			r.name, r.terminalCount, r.callCount, termPct, callPct)
	} else {
		fmt.Fprintf(w, "+%s\t%d/%d (", r.name, r.terminalCount, r.callCount)
		for _, b := range r.breakdown {
			fmt.Fprintf(w, " %d", b)
		}
		fmt.Fprintf(w, " ) (%.2f%%/%.2f%%)\n", termPct, callPct)
	}

	for _, e := range sortedCounts(r.callees, true) {
		fmt.Fprintf(w, "\t%d\t%s\n", e.n, e.r.name)
	}
}

func shortName() string {
	return filepath.Base(os.Args[0])
}
