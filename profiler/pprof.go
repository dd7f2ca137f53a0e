// Copyright 2024 The scg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package profiler

import (
	"fmt"
	"io"
	"time"

	"github.com/google/pprof/profile"

	"github.com/rcls/scg/internal/symtab"
	"github.com/rcls/scg/internal/trace"
)

// WritePprof renders the accumulated call graph as a gzipped pprof
// protobuf, suitable for `go tool pprof`. Each distinct stack becomes
// one sample with its count and the CPU time it stands for at the
// profiler's sampling period.
func (p *Profiler) WritePprof(w io.Writer) error {
	tab, err := symtab.Snapshot()
	if err != nil {
		tab = &symtab.Table{}
	}
	return buildPprof(p.index, tab, p.interval).Write(w)
}

func buildPprof(ix *trace.Index, tab *symtab.Table, period time.Duration) *profile.Profile {
	prof := &profile.Profile{
		PeriodType: &profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
		Period:     period.Nanoseconds(),
		SampleType: []*profile.ValueType{
			{Type: "samples", Unit: "count"},
			{Type: "cpu", Unit: "nanoseconds"},
		},
	}

	for i, m := range tab.Modules() {
		prof.Mapping = append(prof.Mapping, &profile.Mapping{
			ID:    uint64(i + 1),
			Start: m.Base(),
			Limit: m.Base() + m.Size(),
			File:  m.Path(),
		})
	}

	locs := make(map[uintptr]*profile.Location)
	funcs := make(map[string]*profile.Function)
	locFor := func(addr uintptr) *profile.Location {
		if l := locs[addr]; l != nil {
			return l
		}
		l := &profile.Location{
			ID:      uint64(len(locs) + 1),
			Address: uint64(addr),
		}
		loc := tab.Resolve(uint64(addr))
		name := loc.Symbol
		if name == "" {
			name = fmt.Sprintf("0x%x", addr)
		}
		fn := funcs[name]
		if fn == nil {
			fn = &profile.Function{
				ID:         uint64(len(funcs) + 1),
				Name:       name,
				SystemName: name,
			}
			funcs[name] = fn
			prof.Function = append(prof.Function, fn)
		}
		l.Line = []profile.Line{{Function: fn}}
		for _, m := range prof.Mapping {
			if m.Start <= l.Address && l.Address < m.Limit {
				l.Mapping = m
				break
			}
		}
		locs[addr] = l
		prof.Location = append(prof.Location, l)
		return l
	}

	ix.Do(func(n *trace.Node) {
		c := n.Count()
		if c == 0 {
			return
		}
		// pprof wants locations leaf first, which is exactly the
		// parent-link order.
		var locations []*profile.Location
		for f := n; f != nil; f = f.Parent() {
			locations = append(locations, locFor(f.Addr()))
		}
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: locations,
			Value:    []int64{int64(c), int64(c) * period.Nanoseconds()},
		})
	})
	return prof
}
