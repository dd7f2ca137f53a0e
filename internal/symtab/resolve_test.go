// Copyright 2024 The scg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package symtab

import "testing"

// testTable builds a snapshot with prefilled symbols, so lookups never
// touch the filesystem.
func testTable() *Table {
	return &Table{modules: []*Module{
		{
			base:  0x1000,
			size:  0x1000,
			name:  "mod",
			state: loaded,
			syms: []Symbol{
				{Addr: 0x1100, Size: 32, Name: "alpha"},
				// Originally zero-size, inflated at load.
				{Addr: 0x1200, Size: 16, Name: "beta"},
			},
		},
		{
			base:  0x8000,
			size:  0x100,
			name:  "empty",
			state: failed, // symbol load failed; module-only lookups
		},
	}}
}

func TestResolveSymbol(t *testing.T) {
	tab := testTable()

	for _, tc := range []struct {
		addr uint64
		want Location
	}{
		// Exactly at a symbol's start.
		{0x1100, Location{"mod", "alpha", 0}},
		{0x1110, Location{"mod", "alpha", 16}},
		// The last byte a symbol covers is start+size.
		{0x1120, Location{"mod", "alpha", 32}},
		// One byte past falls back to the module.
		{0x1121, Location{"mod", "", 0x121}},
		// Inflated zero-size symbols cover 16 bytes.
		{0x1210, Location{"mod", "beta", 16}},
		{0x1211, Location{"mod", "", 0x211}},
		// Before the first symbol: module only.
		{0x1004, Location{"mod", "", 4}},
		// Failed module: name but never a symbol.
		{0x8010, Location{"empty", "", 0x10}},
	} {
		if got := tab.Resolve(tc.addr); got != tc.want {
			t.Errorf("Resolve(%#x) = %+v, want %+v", tc.addr, got, tc.want)
		}
	}
}

func TestResolveMiss(t *testing.T) {
	tab := testTable()

	// Below every module, between modules, and past the end: no
	// module, no symbol, the address itself as offset.
	for _, addr := range []uint64{0x800, 0x3000, 0x9000} {
		got := tab.Resolve(addr)
		if got.Module != "" || got.Symbol != "" || got.Offset != addr {
			t.Errorf("Resolve(%#x) = %+v, want offset-only", addr, got)
		}
	}

	// An empty table resolves nothing.
	empty := &Table{}
	if got := empty.Resolve(0x1234); got.Offset != 0x1234 || got.Module != "" {
		t.Errorf("empty Resolve = %+v", got)
	}
}

func TestFormatStack(t *testing.T) {
	tab := testTable()
	pcs := []uintptr{0x1104, 0x1030, 0x9999, 0, 0x1100}

	got := tab.FormatStack(pcs, false)
	want := "\talpha\t(mod)\n\tmod\n\t0x9999\n"
	if got != want {
		t.Errorf("FormatStack() = %q, want %q", got, want)
	}

	got = tab.FormatStack(pcs, true)
	want = "\talpha+4\t(mod)\n\tmod+0x30\n\t0x9999\n"
	if got != want {
		t.Errorf("FormatStack(offsets) = %q, want %q", got, want)
	}
}

func TestDebugPath(t *testing.T) {
	got := debugPath("/usr/lib/libx.so.1", "libx.so.1.debug")
	want := "/usr/lib/debug/usr/lib/libx.so.1.debug"
	if got != want {
		t.Errorf("debugPath = %q, want %q", got, want)
	}
}
