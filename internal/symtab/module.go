// Copyright 2024 The scg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package symtab resolves code addresses to modules and symbols.
//
// A Table is a snapshot of the ELF objects mapped into a process,
// sorted by base address for binary search. Each module's symbol table
// is filled lazily on the first lookup that lands in it, from the ELF
// file's symtab, its .gnu_debuglink companion, or its dynamic symbols,
// in that order. The fill step is the only part that performs file I/O,
// so lookups never block until an address actually needs a module.
package symtab

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

type moduleState uint8

const (
	unresolved moduleState = iota
	loaded
	failed
)

// A Module is one loadable ELF object in the snapshot.
type Module struct {
	base uint64 // runtime address of the first loadable segment
	size uint64 // span covering all loadable segments
	// Runtime base minus file base. Known only once the file has
	// been opened; meaningless for file-only tables, where addresses
	// are file addresses.
	delta  int64
	mapped bool // came from a loader snapshot, not a bare file

	name string // display name
	path string // file on disk; "" if unknown

	syms  []Symbol // sorted ascending by Addr; nil until filled
	state moduleState
}

// A Symbol is one function or object from a module's symbol table,
// translated to runtime addresses.
type Symbol struct {
	Addr uint64
	Size uint64 // never zero: zero-size symbols are inflated
	Name string
}

func (m *Module) Name() string { return m.name }
func (m *Module) Path() string { return m.path }
func (m *Module) Base() uint64 { return m.base }
func (m *Module) Size() uint64 { return m.size }

// LoadDelta returns the runtime-minus-file address displacement.
// It is zero until the module's ELF has been opened.
func (m *Module) LoadDelta() int64 { return m.delta }

// Symbols fills the module if needed and returns its symbol table.
func (m *Module) Symbols() []Symbol {
	m.fill()
	return m.syms
}

// A Table is a sorted snapshot of modules. Lookups mutate only the
// per-module lazy fill state; the module list itself is immutable.
type Table struct {
	modules []*Module
}

// Modules returns the snapshot's modules, sorted by base address.
func (t *Table) Modules() []*Module { return t.modules }

// Snapshot enumerates the ELF objects currently mapped into this
// process and returns them as a sorted table. It replaces any prior
// snapshot the caller holds; modules are created fresh each time.
func Snapshot() (*Table, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, fmt.Errorf("can't enumerate loaded modules: %v", err)
	}
	defer f.Close()
	ms, err := readMappings(f)
	if err != nil {
		return nil, err
	}

	// The main executable reports its short name; shared objects
	// report their path, the way the loader names them.
	exe, _ := os.Readlink("/proc/self/exe")

	return &Table{modules: buildModules(ms, exe)}, nil
}

// buildModules groups file-backed mappings into one module per file,
// spanning the union of its segments, sorted by base address.
func buildModules(ms []mapping, exe string) []*Module {
	byPath := make(map[string]*Module)
	var modules []*Module
	for _, m := range ms {
		if m.path == "" {
			continue
		}
		mod := byPath[m.path]
		if mod == nil {
			name := m.path
			if m.path == exe {
				name = filepath.Base(m.path)
			}
			mod = &Module{
				base:   m.min,
				size:   m.max - m.min,
				mapped: true,
				name:   name,
				path:   m.path,
			}
			byPath[m.path] = mod
			modules = append(modules, mod)
			continue
		}
		if m.min < mod.base {
			mod.size += mod.base - m.min
			mod.base = m.min
		}
		if m.max > mod.base+mod.size {
			mod.size = m.max - mod.base
		}
	}

	sort.Slice(modules, func(i, j int) bool {
		return modules[i].base < modules[j].base
	})
	return modules
}

// FileTable returns a table holding the single ELF file at path, with
// addresses taken from the file itself. Used to inspect binaries that
// are not mapped into this process.
func FileTable(path string) (*Table, error) {
	m, err := fileModule(path)
	if err != nil {
		return nil, err
	}
	return &Table{modules: []*Module{m}}, nil
}
