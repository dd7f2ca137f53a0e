// Copyright 2024 The scg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package arena provides a fixed-size record allocator backed by
// anonymous memory mappings. It exists so that the trace index can
// create nodes without touching the Go heap: sampling must not perturb
// the allocator it is observing, and the allocation tracer must be able
// to intern stacks without recursing into itself.
//
// Records are never freed. Chunks are obtained directly from the OS and
// reclaimed only at process exit.
package arena

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ChunkBytes is the size of each mapped chunk.
const ChunkBytes = 1 << 20

// The chunk header holds the bump counter; it is padded to a cache line
// so that the counter does not false-share with the first record.
const headerBytes = 64

type chunk struct {
	next atomic.Uint64
	_    [headerBytes - 8]byte
	data [ChunkBytes - headerBytes]byte
}

// An Arena hands out fixed-size records. It is safe for concurrent use
// and its allocation path performs no Go heap allocation.
type Arena struct {
	slot uintptr // record size in bytes
	cap  uint64  // records per chunk
	cur  atomic.Pointer[chunk]
	boot chunk // backs the first allocations even if mapping fails
	// Number of chunks obtained from the OS (the bootstrap chunk is
	// not counted).
	mapped atomic.Uint64
}

// New returns an arena handing out records of slotSize bytes.
// slotSize must be a multiple of the word size.
func New(slotSize uintptr) *Arena {
	a := &Arena{
		slot: slotSize,
		cap:  uint64((ChunkBytes - headerBytes) / slotSize),
	}
	a.cur.Store(&a.boot)
	return a
}

// Alloc returns a pointer to a zeroed record, or nil if a new chunk was
// needed and mapping it failed. Callers tolerate nil by dropping the
// sample at hand.
func (a *Arena) Alloc() unsafe.Pointer {
	for {
		c := a.cur.Load()
		i := c.next.Load()
		if i < a.cap {
			if c.next.CompareAndSwap(i, i+1) {
				return unsafe.Pointer(&c.data[uintptr(i)*a.slot])
			}
			// Someone else got in before us.
			continue
		}

		// Chunk is full: map a replacement and race to install it.
		b, err := unix.Mmap(-1, 0, ChunkBytes,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANON)
		if err != nil {
			return nil
		}
		nc := (*chunk)(unsafe.Pointer(&b[0]))
		if a.cur.CompareAndSwap(c, nc) {
			a.mapped.Add(1)
		} else {
			// Lost the race; return our chunk to the OS.
			unix.Munmap(b)
		}
	}
}

// Chunks reports how many chunks the arena has ever used, counting the
// bootstrap chunk.
func (a *Arena) Chunks() uint64 {
	return a.mapped.Load() + 1
}

// PerChunk reports how many records fit in one chunk.
func (a *Arena) PerChunk() uint64 {
	return a.cap
}
