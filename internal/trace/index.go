// Copyright 2024 The scg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trace

import (
	"sync/atomic"
	"unsafe"

	"github.com/rcls/scg/internal/arena"
)

const (
	hashOrder = 20
	hashSize  = 1 << hashOrder

	goldenPrime = 11400714819323198549
)

// An Index interns (parent, address) pairs to unique nodes. The table
// is append-only: buckets are chains linked through hashNext, extended
// with a compare-and-swap on the bucket head, and nothing is ever
// removed. Intern is safe for any number of concurrent callers.
type Index struct {
	table []atomic.Pointer[Node]
	arena *arena.Arena
}

// Default is the process-wide index shared by the profiler and the
// allocation tracer.
var Default = NewIndex()

// NewIndex returns an empty index with its own arena.
func NewIndex() *Index {
	return &Index{
		table: make([]atomic.Pointer[Node], hashSize),
		arena: arena.New(unsafe.Sizeof(Node{})),
	}
}

func bucketFor(parent *Node, addr uintptr) uint64 {
	h := 5*word(parent) + uint64(addr)
	h *= goldenPrime
	return h >> (64 - hashOrder)
}

// Intern returns the unique node for (parent, addr), creating it if
// absent. It returns nil only when the arena cannot grow; the caller
// drops the sample.
func (ix *Index) Intern(parent *Node, addr uintptr) *Node {
	bucket := &ix.table[bucketFor(parent, addr)]

	var fresh *Node
	for {
		head := bucket.Load()
		for n := head; n != nil; n = n.hashNext.Load() {
			if n.addr == addr && n.parent == parent {
				return n
			}
		}

		if fresh == nil {
			fresh = (*Node)(ix.arena.Alloc())
			if fresh == nil {
				return nil
			}
		}
		fresh.addr = addr
		fresh.parent = parent
		fresh.counter.Store(0)
		fresh.hashNext.Store(head)

		// The node's fields are published by the swap; a racer that
		// beats us leaves fresh parked in the arena and we rescan,
		// since the winner may have inserted our pair.
		if bucket.CompareAndSwap(head, fresh) {
			return fresh
		}
	}
}

// Do calls f for every node in the index. Nodes interned concurrently
// with the walk may or may not be visited.
func (ix *Index) Do(f func(*Node)) {
	for i := range ix.table {
		for n := ix.table[i].Load(); n != nil; n = n.hashNext.Load() {
			f(n)
		}
	}
}

// Len counts the nodes currently in the index.
func (ix *Index) Len() int {
	total := 0
	ix.Do(func(*Node) { total++ })
	return total
}
