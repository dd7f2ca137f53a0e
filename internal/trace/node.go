// Copyright 2024 The scg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package trace records call stacks as chains of interned nodes.
//
// Each node represents one stack frame at a specific return address in
// the context of a specific caller chain. Following parent links from a
// node yields the stack innermost to outermost; the chain of every node
// terminates at a root whose parent is nil. Nodes are interned in a
// lock-free hash table and are never destroyed, so concurrent walkers
// only ever observe a growing structure.
package trace

import (
	"sync/atomic"
	"unsafe"
)

// A Node is one interned stack frame. Nodes live in arena chunks, not
// on the Go heap, and are shared by the profiler and the allocation
// tracer: the profiler moves counter, the tracer moves liveBytes and
// refs.
type Node struct {
	addr     uintptr
	parent   *Node
	counter  atomic.Uint64
	hashNext atomic.Pointer[Node]

	// Allocation tracer bookkeeping. liveBytes is signed: reports
	// taken between paired moves on different records may observe a
	// transient negative value.
	liveBytes atomic.Int64
	refs      atomic.Int64
}

// Addr returns the code address of the frame.
func (n *Node) Addr() uintptr { return n.addr }

// Parent returns the caller frame's node, or nil for an outermost
// frame.
func (n *Node) Parent() *Node { return n.parent }

// Count returns the number of samples whose innermost frame is n.
func (n *Node) Count() uint64 { return n.counter.Load() }

// AddSample counts one sample terminating at n. Sample counts are
// commutative, so no ordering beyond atomicity is needed.
func (n *Node) AddSample() { n.counter.Add(1) }

// LiveBytes returns the bytes currently attributed to n's stack by the
// allocation tracer.
func (n *Node) LiveBytes() int64 { return n.liveBytes.Load() }

// AddLiveBytes moves delta bytes on or off n's stack.
func (n *Node) AddLiveBytes(delta int64) { n.liveBytes.Add(delta) }

// ResetLiveBytes zeroes the attribution after a report and returns the
// value it had.
func (n *Node) ResetLiveBytes() int64 { return n.liveBytes.Swap(0) }

// Ref and Unref track how many allocation records reference n.
func (n *Node) Ref() int64   { return n.refs.Add(1) }
func (n *Node) Unref() int64 { return n.refs.Add(-1) }

// Refs returns the current reference count.
func (n *Node) Refs() int64 { return n.refs.Load() }

// word exposes a node pointer as a machine word for hashing.
func word(n *Node) uint64 {
	return uint64(uintptr(unsafe.Pointer(n)))
}
