// Copyright 2024 The scg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package profiler

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/pprof/profile"

	"github.com/rcls/scg/internal/trace"
)

func TestBuildPprof(t *testing.T) {
	ix := trace.NewIndex()
	m := ix.Intern(nil, 0x1000)
	f := ix.Intern(m, 0x2000)
	g := ix.Intern(f, 0x3000)
	for i := 0; i < 3; i++ {
		g.AddSample()
	}

	prof := buildPprof(ix, emptyTable(), time.Millisecond)
	if err := prof.CheckValid(); err != nil {
		t.Fatalf("CheckValid: %v", err)
	}
	if len(prof.Sample) != 1 {
		t.Fatalf("got %d samples, want 1", len(prof.Sample))
	}
	s := prof.Sample[0]
	if s.Value[0] != 3 {
		t.Errorf("sample count = %d, want 3", s.Value[0])
	}
	if want := 3 * time.Millisecond.Nanoseconds(); s.Value[1] != want {
		t.Errorf("sample cpu = %d, want %d", s.Value[1], want)
	}
	if len(s.Location) != 3 {
		t.Fatalf("got %d locations, want 3", len(s.Location))
	}
	// Leaf first.
	if s.Location[0].Address != 0x3000 || s.Location[2].Address != 0x1000 {
		t.Errorf("location order = %#x..%#x, want leaf 0x3000 first",
			s.Location[0].Address, s.Location[2].Address)
	}
}

func TestWritePprofRoundTrip(t *testing.T) {
	p := newTestProfiler()
	for i := 0; i < 5; i++ {
		p.record([]uintptr{0x3000, 0x2000, 0x1000})
	}

	var buf bytes.Buffer
	if err := p.WritePprof(&buf); err != nil {
		t.Fatalf("WritePprof: %v", err)
	}
	prof, err := profile.Parse(&buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	var total int64
	for _, s := range prof.Sample {
		total += s.Value[0]
	}
	if total != 5 {
		t.Errorf("total samples = %d, want 5", total)
	}
}
