// Copyright 2024 The scg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package symtab

import (
	"reflect"
	"strings"
	"testing"
)

//go:noinline
func markerFunc() int { return 42 }

// TestSnapshotSelf resolves an address in the running test binary
// through the full maps + ELF pipeline.
func TestSnapshotSelf(t *testing.T) {
	tab, err := Snapshot()
	if err != nil {
		t.Skipf("cannot snapshot this process: %v", err)
	}
	if len(tab.Modules()) == 0 {
		t.Fatal("snapshot found no modules")
	}

	entry := uint64(reflect.ValueOf(markerFunc).Pointer())
	loc := tab.Resolve(entry)
	if loc.Module == "" {
		t.Fatalf("Resolve(%#x): test binary not found in snapshot", entry)
	}
	if loc.Symbol == "" {
		t.Skipf("test binary has no symbols for %#x", entry)
	}
	if !strings.Contains(loc.Symbol, "markerFunc") {
		t.Errorf("Resolve(%#x) = %q, want a markerFunc symbol", entry, loc.Symbol)
	}
	if loc.Offset != 0 {
		t.Errorf("Resolve(entry) offset = %d, want 0", loc.Offset)
	}
}
