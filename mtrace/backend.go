// Copyright 2024 The scg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mtrace

import (
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

var pageSize = uintptr(os.Getpagesize())

// mapBackend is the default Backend: every allocation is its own
// anonymous mapping, rounded up to whole pages. Traced memory therefore
// never touches the Go heap, and stale pointers fault rather than
// silently aliasing.
type mapBackend struct {
	mu      sync.Mutex
	regions map[uintptr][]byte
}

func newMapBackend() *mapBackend {
	return &mapBackend{regions: make(map[uintptr][]byte)}
}

func (b *mapBackend) Malloc(size uintptr) unsafe.Pointer {
	if size == 0 {
		size = 1
	}
	n := int((size + pageSize - 1) &^ (pageSize - 1))
	mem, err := unix.Mmap(-1, 0, n,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil
	}
	p := unsafe.Pointer(&mem[0])
	b.mu.Lock()
	b.regions[uintptr(p)] = mem
	b.mu.Unlock()
	return p
}

func (b *mapBackend) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}
	b.mu.Lock()
	mem, ok := b.regions[uintptr(p)]
	delete(b.regions, uintptr(p))
	b.mu.Unlock()
	if ok {
		unix.Munmap(mem)
	}
}

func (b *mapBackend) Realloc(p unsafe.Pointer, size uintptr) unsafe.Pointer {
	if p == nil {
		return b.Malloc(size)
	}
	b.mu.Lock()
	old := b.regions[uintptr(p)]
	b.mu.Unlock()

	np := b.Malloc(size)
	if np == nil {
		return nil
	}
	if old != nil {
		copy(unsafe.Slice((*byte)(np), size), old)
	}
	b.Free(p)
	return np
}
