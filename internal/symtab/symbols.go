// Copyright 2024 The scg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package symtab

import (
	"bytes"
	"debug/elf"
	"fmt"
	"path/filepath"
	"sort"
)

// Zero-size symbols still cover their entry point: inflate them so a
// lookup exactly at the entry address matches.
const minSymbolSize = 16

const debugRoot = "/usr/lib/debug"

// fill builds the module's symbol table on first use. The transition is
// monotonic: unresolved becomes loaded on success or failed on any I/O
// or parse error, and failed is sticky.
func (m *Module) fill() {
	if m.state != unresolved {
		return
	}
	m.state = failed
	if m.path == "" {
		return
	}

	f, err := elf.Open(m.path)
	if err != nil {
		debugf("loading %s: %v", m.name, err)
		return
	}
	defer f.Close()

	if m.mapped {
		minV, _, ok := loadRange(f)
		if !ok {
			debugf("loading %s: no loadable segments", m.name)
			return
		}
		// The loader maps the first segment page-truncated at base.
		m.delta = int64(m.base) - int64(minV&^uint64(0xfff))
	}

	// Pick the symbol source: the module's own symtab, then a
	// debuglink companion's symtab, then dynamic symbols from
	// whichever of the two we ended up with.
	src := f
	if !hasSection(f, elf.SHT_SYMTAB) {
		if df := m.openDebuglink(f); df != nil {
			if hasSection(df, elf.SHT_SYMTAB) ||
				(!hasSection(f, elf.SHT_DYNSYM) && hasSection(df, elf.SHT_DYNSYM)) {
				// Absorb any prelink displacement between the
				// two files.
				m.delta += int64(f.Entry) - int64(df.Entry)
				src = df
				defer df.Close()
			} else {
				df.Close()
			}
		}
	}

	var raw []elf.Symbol
	switch {
	case hasSection(src, elf.SHT_SYMTAB):
		raw, err = src.Symbols()
	case hasSection(src, elf.SHT_DYNSYM):
		raw, err = src.DynamicSymbols()
	default:
		debugf("loading %s: no symbol tables", m.name)
		return
	}
	if err != nil {
		debugf("loading %s: %v", m.name, err)
		return
	}

	syms := make([]Symbol, 0, len(raw))
	for _, s := range raw {
		typ := elf.ST_TYPE(s.Info)
		if typ != elf.STT_FUNC && typ != elf.STT_OBJECT {
			continue
		}
		if s.Value == 0 || s.Section == elf.SHN_UNDEF {
			continue
		}
		size := s.Size
		if size == 0 {
			size = minSymbolSize
		}
		syms = append(syms, Symbol{
			Addr: s.Value + uint64(m.delta),
			Size: size,
			Name: s.Name,
		})
	}
	sort.Slice(syms, func(i, j int) bool {
		return syms[i].Addr < syms[j].Addr
	})

	m.syms = syms
	m.state = loaded
	debugf("loaded %d symbols from %s", len(syms), m.name)
}

// openDebuglink follows the module's .gnu_debuglink section, if any, to
// a companion debug file under /usr/lib/debug mirroring the module's
// directory. Returns nil if there is no companion to be had.
func (m *Module) openDebuglink(f *elf.File) *elf.File {
	sec := f.Section(".gnu_debuglink")
	if sec == nil || sec.Type != elf.SHT_PROGBITS {
		return nil
	}
	data, err := sec.Data()
	if err != nil {
		return nil
	}
	// The section holds a NUL-terminated file name, padding, and a
	// CRC we do not check.
	i := bytes.IndexByte(data, 0)
	if i <= 0 {
		return nil
	}
	name := string(data[:i])

	p := debugPath(m.path, name)
	df, err := elf.Open(p)
	if err != nil {
		debugf("debuglink(%s) = %s: %v", m.name, p, err)
		return nil
	}
	debugf("debuglink(%s) = %s", m.name, p)
	return df
}

// debugPath locates a debuglink companion: the module's own directory
// mirrored under the debug root.
func debugPath(modulePath, name string) string {
	return filepath.Join(debugRoot, filepath.Dir(modulePath), name)
}

// fileModule builds a module for a bare ELF file, with file addresses.
func fileModule(path string) (*Module, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	minV, maxV, ok := loadRange(f)
	if !ok {
		return nil, fmt.Errorf("%s: no loadable segments", path)
	}
	return &Module{
		base: minV,
		size: maxV - minV,
		name: filepath.Base(path),
		path: path,
	}, nil
}

// loadRange returns the union of the file's PT_LOAD segments.
func loadRange(f *elf.File) (min, max uint64, ok bool) {
	min = ^uint64(0)
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if p.Vaddr < min {
			min = p.Vaddr
		}
		if p.Vaddr+p.Memsz > max {
			max = p.Vaddr + p.Memsz
		}
		ok = true
	}
	return min, max, ok
}

func hasSection(f *elf.File, typ elf.SectionType) bool {
	for _, s := range f.Sections {
		if s.Type == typ {
			return true
		}
	}
	return false
}
