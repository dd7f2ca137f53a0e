// Copyright 2024 The scg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package profiler

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rcls/scg/internal/symtab"
	"github.com/rcls/scg/internal/trace"
)

// fakeSource replays fixed stacks, innermost first.
type fakeSource struct {
	stacks [][]uintptr
}

func (s *fakeSource) Sample(emit func([]uintptr)) {
	for _, st := range s.stacks {
		emit(st)
	}
}

func newTestProfiler() *Profiler {
	return &Profiler{
		interval: DefaultInterval,
		index:    trace.NewIndex(),
	}
}

// emptyTable resolves nothing, so records name themselves by address.
func emptyTable() *symtab.Table { return &symtab.Table{} }

func TestSingleChain(t *testing.T) {
	p := newTestProfiler()
	// main -> f -> g, sampled while inside g.
	const (
		gAddr    = 0x3000
		fAddr    = 0x2000
		mainAddr = 0x1000
	)
	pcs := []uintptr{gAddr, fAddr, mainAddr}
	for i := 0; i < 100; i++ {
		p.record(pcs)
	}

	db := buildDatabase(p.index, emptyTable())
	if db.total != 100 {
		t.Fatalf("total = %d, want 100", db.total)
	}
	if len(db.records) != 3 {
		t.Fatalf("got %d records, want 3", len(db.records))
	}

	g := db.canon[gAddr]
	f := db.canon[fAddr]
	m := db.canon[mainAddr]
	if g == nil || f == nil || m == nil {
		t.Fatal("missing records for the chain")
	}
	if g.terminalCount != 100 || g.callCount != 100 {
		t.Errorf("g = %d/%d, want 100/100", g.terminalCount, g.callCount)
	}
	if f.terminalCount != 0 || f.callCount != 100 {
		t.Errorf("f = %d/%d, want 0/100", f.terminalCount, f.callCount)
	}
	if m.callCount != 100 {
		t.Errorf("main.callCount = %d, want 100", m.callCount)
	}
	if got := m.callers[db.spontaneous]; got != 100 {
		t.Errorf("main.callers[<spontaneous>] = %d, want 100", got)
	}
	if got := f.callers[m]; got != 100 {
		t.Errorf("f.callers[main] = %d, want 100", got)
	}
	if got := f.callees[g]; got != 100 {
		t.Errorf("f.callees[g] = %d, want 100", got)
	}
}

func TestRecursion(t *testing.T) {
	p := newTestProfiler()
	// r recursing to depth 4.
	const rAddr = 0x5000
	pcs := []uintptr{rAddr, rAddr, rAddr, rAddr}
	for i := 0; i < 10; i++ {
		p.record(pcs)
	}

	db := buildDatabase(p.index, emptyTable())
	r := db.canon[rAddr]
	if r == nil {
		t.Fatal("missing record for r")
	}
	if r.callCount != 10 || r.terminalCount != 10 {
		t.Errorf("r = %d/%d, want 10/10", r.terminalCount, r.callCount)
	}
	want := []uint64{0, 0, 0, 10}
	if len(r.breakdown) != len(want) {
		t.Fatalf("breakdown = %v, want %v", r.breakdown, want)
	}
	for i := range want {
		if r.breakdown[i] != want[i] {
			t.Fatalf("breakdown = %v, want %v", r.breakdown, want)
		}
	}
}

// TestCounterConservation checks that every sample lands in exactly one
// terminal count.
func TestCounterConservation(t *testing.T) {
	p := newTestProfiler()
	stacks := [][]uintptr{
		{0x3000, 0x2000, 0x1000},
		{0x2000, 0x1000},
		{0x4000, 0x2000, 0x1000},
		{0x1000},
	}
	total := 0
	for i, pcs := range stacks {
		for j := 0; j <= i; j++ {
			p.record(pcs)
			total++
		}
	}

	db := buildDatabase(p.index, emptyTable())
	if db.total != uint64(total) {
		t.Fatalf("total = %d, want %d", db.total, total)
	}
	var terminals uint64
	for _, r := range db.records {
		terminals += r.terminalCount
	}
	if terminals != uint64(total) {
		t.Errorf("sum of terminal counts = %d, want %d", terminals, total)
	}
}

func TestZeroIPTerminatesWalk(t *testing.T) {
	p := newTestProfiler()
	p.record([]uintptr{0x3000, 0, 0x1000})

	if got := p.index.Len(); got != 1 {
		t.Fatalf("index holds %d nodes, want 1", got)
	}
	db := buildDatabase(p.index, emptyTable())
	if r := db.canon[0x3000]; r == nil || r.terminalCount != 1 {
		t.Errorf("innermost frame not recorded as terminal")
	}
	if db.canon[0x1000] != nil {
		t.Errorf("frames past a zero IP were recorded")
	}
}

func TestDepthCap(t *testing.T) {
	p := newTestProfiler()
	pcs := make([]uintptr, 100)
	for i := range pcs {
		pcs[i] = uintptr(0x10000 + i*16)
	}
	p.record(pcs)
	if got := p.index.Len(); got != maxDepth {
		t.Errorf("index holds %d nodes, want %d", got, maxDepth)
	}
	// The innermost frame must be the one counted.
	db := buildDatabase(p.index, emptyTable())
	if r := db.canon[0x10000]; r == nil || r.terminalCount != 1 {
		t.Errorf("innermost frame lost by the depth cap")
	}
}

func TestReportFormat(t *testing.T) {
	p := newTestProfiler()
	pcs := []uintptr{0x3000, 0x2000, 0x1000}
	for i := 0; i < 4; i++ {
		p.record(pcs)
	}

	var buf bytes.Buffer
	db := buildDatabase(p.index, emptyTable())
	db.write(&buf)

	lines := strings.Split(buf.String(), "\n")
	if !strings.HasPrefix(lines[0], "Profile for ") ||
		!strings.HasSuffix(lines[0], " with 4 samples.") {
		t.Errorf("bad header %q", lines[0])
	}
	want := []string{
		banner,
		"\t4\t<spontaneous>",
		"+0x1000\t0/4 (0.00%/100.00%)",
		"\t4\t0x2000",
		banner,
		"\t4\t0x1000",
		"+0x2000\t0/4 (0.00%/100.00%)",
		"\t4\t0x3000",
		banner,
		"\t4\t0x2000",
		"+0x3000\t4/4 (100.00%/100.00%)",
		"",
	}
	got := lines[1:]
	if len(got) != len(want) {
		t.Fatalf("report body:\n%s\nwant %d lines, got %d",
			buf.String(), len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i+1, got[i], want[i])
		}
	}
}

func TestRecursionHeaderFormat(t *testing.T) {
	p := newTestProfiler()
	for i := 0; i < 10; i++ {
		p.record([]uintptr{0x5000, 0x5000, 0x5000, 0x5000})
	}
	var buf bytes.Buffer
	buildDatabase(p.index, emptyTable()).write(&buf)

	want := "+0x5000\t10/10 ( 0 0 0 10 ) (100.00%/100.00%)"
	if !strings.Contains(buf.String(), want) {
		t.Errorf("report %q\nmissing %q", buf.String(), want)
	}
}

func TestExpandOutputName(t *testing.T) {
	if got := expandOutputName(""); got != "" {
		t.Errorf("expandOutputName(\"\") = %q", got)
	}
	want := fmt.Sprintf("/tmp/out-%d.prof", os.Getpid())
	if got := expandOutputName("/tmp/out-%.prof"); got != want {
		t.Errorf("expandOutputName = %q, want %q", got, want)
	}
	if got := expandOutputName("/tmp/plain.prof"); got != "/tmp/plain.prof" {
		t.Errorf("expandOutputName = %q, want unchanged", got)
	}
}

// TestStartStop drives the whole pipeline: timer pacing, a stack
// source, and the SCG_OUTPUT report path.
func TestStartStop(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SCG_OUTPUT", filepath.Join(dir, "out-%.prof"))

	src := &fakeSource{stacks: [][]uintptr{{0x3000, 0x2000, 0x1000}}}
	p, err := Start(WithSource(src), Interval(time.Millisecond))
	if err != nil {
		t.Logf("interval timer unavailable (%v); ticker fallback", err)
	}

	// Burn CPU so the profiling timer has something to bill.
	deadline := time.Now().Add(100 * time.Millisecond)
	x := 0
	for time.Now().Before(deadline) {
		x += len(fmt.Sprint(x % 1000))
	}
	p.Stop()

	name := filepath.Join(dir, fmt.Sprintf("out-%d.prof", os.Getpid()))
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("report not written: %v", err)
	}
	if !strings.HasPrefix(string(data), "Profile for ") {
		t.Errorf("report starts %q", string(data[:min(len(data), 40)]))
	}
}
