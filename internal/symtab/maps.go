// Copyright 2024 The scg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package symtab

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// A mapping is one line of /proc/self/maps: a contiguous subset of the
// process's address space, possibly backed by a file.
type mapping struct {
	min  uint64
	max  uint64
	perm Perm
	off  uint64 // offset of the mapping within its file
	path string // "" for anonymous and pseudo mappings
}

// A Perm represents the permissions of a mapping.
type Perm uint8

const (
	Read Perm = 1 << iota
	Write
	Exec
)

func (p Perm) String() string {
	var a [3]string
	b := a[:0]
	if p&Read != 0 {
		b = append(b, "Read")
	}
	if p&Write != 0 {
		b = append(b, "Write")
	}
	if p&Exec != 0 {
		b = append(b, "Exec")
	}
	if len(b) == 0 {
		b = append(b, "None")
	}
	return strings.Join(b, "|")
}

// readMappings parses the /proc/<pid>/maps format. Pseudo entries like
// [heap] and [vdso] are kept with an empty path; callers that only care
// about ELF modules filter on path.
func readMappings(r io.Reader) ([]mapping, error) {
	var ms []mapping
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		fields := strings.Fields(line)
		if len(fields) < 5 {
			return nil, fmt.Errorf("short maps line %q", line)
		}
		lo, hi, ok := strings.Cut(fields[0], "-")
		if !ok {
			return nil, fmt.Errorf("bad address range %q", fields[0])
		}
		var m mapping
		var err error
		if m.min, err = strconv.ParseUint(lo, 16, 64); err != nil {
			return nil, fmt.Errorf("bad maps line %q: %v", line, err)
		}
		if m.max, err = strconv.ParseUint(hi, 16, 64); err != nil {
			return nil, fmt.Errorf("bad maps line %q: %v", line, err)
		}
		if m.off, err = strconv.ParseUint(fields[2], 16, 64); err != nil {
			return nil, fmt.Errorf("bad maps line %q: %v", line, err)
		}
		for i, c := range fields[1] {
			if c == '-' {
				continue
			}
			switch i {
			case 0:
				m.perm |= Read
			case 1:
				m.perm |= Write
			case 2:
				m.perm |= Exec
			}
		}
		// The path is everything from the first slash; file names
		// may contain spaces.
		if i := strings.IndexByte(line, '/'); i >= 0 {
			m.path = strings.TrimSuffix(line[i:], " (deleted)")
		}
		ms = append(ms, m)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return ms, nil
}
