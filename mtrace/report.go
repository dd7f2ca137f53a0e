// Copyright 2024 The scg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mtrace

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/rcls/scg/internal/symtab"
	"github.com/rcls/scg/internal/trace"
)

// WriteReport writes the outstanding-bytes report to w. Reports are
// delta-based: each stack's attribution is reset as it is reported, so
// the next report shows only movement since this one. The report runs
// under the tracer's mutex; allocations it performs itself are nested
// entries and stay unrecorded.
func (t *Tracer) WriteReport(w io.Writer) error {
	t.enter()
	defer t.leave()
	return t.reportTo(w)
}

// report writes to the numbered .memlog file in the process's working
// directory. Called with the mutex held at depth 1.
func (t *Tracer) report() {
	if t.depth != 1 {
		return
	}
	t.reportSeq++
	name := fmt.Sprintf("%s-%d-%d.memlog",
		filepath.Base(os.Args[0]), unix.Getpid(), t.reportSeq)
	f, err := os.Create(name)
	if err != nil {
		warnf("mtrace: cannot report: %v\n", err)
		t.needReport.Store(false)
		return
	}
	defer f.Close()
	t.reportTo(f)
}

func (t *Tracer) reportTo(w io.Writer) error {
	if t.depth != 1 {
		return nil
	}

	// Snapshot modules before walking the tables; symbol loading
	// allocates, and those nested entries must already be ignorable.
	tab, err := symtab.Snapshot()
	if err != nil {
		tab = &symtab.Table{}
	}

	type item struct {
		stack string
		bytes int64
	}
	var items []item
	var delta int64
	var pcs []uintptr
	t.index.Do(func(n *trace.Node) {
		if n.LiveBytes() == 0 {
			return
		}
		b := n.ResetLiveBytes()
		if b == 0 {
			return
		}
		pcs = pcs[:0]
		for f := n; f != nil; f = f.Parent() {
			pcs = append(pcs, f.Addr())
		}
		items = append(items, item{
			stack: tab.FormatStack(pcs, t.offsets),
			bytes: b,
		})
		delta += b
	})

	// Collapse stacks that symbolize identically, then order by
	// outstanding bytes, largest first.
	sort.Slice(items, func(i, j int) bool {
		return items[i].stack < items[j].stack
	})
	out := items[:0]
	for _, it := range items {
		if len(out) > 0 && out[len(out)-1].stack == it.stack {
			out[len(out)-1].bytes += it.bytes
			continue
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].bytes > out[j].bytes
	})

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "Outstanding bytes: %d (%+d)\n", t.global, delta)
	for _, it := range out {
		// Collapsing can cancel a stack to zero; skip those.
		if it.bytes == 0 {
			continue
		}
		fmt.Fprintf(bw, "%+d\n", it.bytes)
		bw.WriteString(it.stack)
	}
	t.needReport.Store(false)
	return bw.Flush()
}
