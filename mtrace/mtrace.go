// Copyright 2024 The scg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mtrace attributes live allocation bytes to the call stacks
// that allocated them.
//
// A Tracer fronts a backing allocator with the malloc family of entry
// points. Each outermost entry records the allocation against the
// interned trace of its call stack; frees subtract from the same trace.
// On SIGUSR1, or at Stop, the tracer writes a report of outstanding
// bytes per distinct symbolized stack to <program>-<pid>-<n>.memlog.
//
// The backing allocator stands outside the tracer (the way a libc's
// internal entry points stand behind its public ones), so allocations
// the tracer performs for its own bookkeeping are not re-entered: a
// depth counter under the tracer's mutex ignores everything but
// outermost calls.
package mtrace

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/rcls/scg/internal/trace"
)

// Number of stack frames kept for each allocation.
const stackDepth = 10

// A Backend performs the real allocations. Implementations must hand
// out stable pointers that remain valid until freed; they are not
// entered through the tracer and so are never themselves traced.
type Backend interface {
	Malloc(size uintptr) unsafe.Pointer
	Realloc(p unsafe.Pointer, size uintptr) unsafe.Pointer
	Free(p unsafe.Pointer)
}

// An Option configures New.
type Option func(*Tracer)

// WithBackend replaces the default page-mapping backend.
func WithBackend(b Backend) Option {
	return func(t *Tracer) { t.backend = b }
}

type allocRecord struct {
	bytes uintptr
	node  *trace.Node
}

// A Tracer intercepts an allocator's entry points and keeps the
// live-bytes table. All entry points are safe for concurrent use; they
// serialize behind one mutex.
type Tracer struct {
	mu    sync.Mutex
	depth int

	backend Backend
	index   *trace.Index

	records map[uintptr]*allocRecord
	global  int64 // bytes outstanding across all stacks

	needReport atomic.Bool
	reportSeq  int
	offsets    bool // report per-frame offsets (MTRACE_OFFSETS)

	sigc     chan os.Signal
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New returns a tracer over the default page-mapping backend.
func New(opts ...Option) *Tracer {
	t := &Tracer{
		index:   trace.Default,
		records: make(map[uintptr]*allocRecord),
		offsets: os.Getenv("MTRACE_OFFSETS") != "",
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	if t.backend == nil {
		t.backend = newMapBackend()
	}
	return t
}

// Start arms the SIGUSR1 report trigger. The report itself is written
// by whichever entry point next runs, so a quiescent program reports
// on its next allocation.
func (t *Tracer) Start() {
	t.sigc = make(chan os.Signal, 1)
	signal.Notify(t.sigc, unix.SIGUSR1)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-t.done:
				return
			case <-t.sigc:
				t.needReport.Store(true)
			}
		}
	}()
}

// Stop writes the final report and releases the signal hook.
func (t *Tracer) Stop() {
	t.stopOnce.Do(func() {
		if t.sigc != nil {
			signal.Stop(t.sigc)
			close(t.done)
			t.wg.Wait()
		}
		t.enter()
		t.report()
		t.leave()
	})
}

// TriggerReport requests a report from the next entry, as SIGUSR1 does.
func (t *Tracer) TriggerReport() {
	t.needReport.Store(true)
}

// GlobalBytes returns the total bytes currently outstanding.
func (t *Tracer) GlobalBytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.global
}

// enter and leave bracket every entry point. Entries nested under an
// outermost one (allocations made by the tracer's own reporting and
// symbolization) see depth > 1 and go unrecorded.
func (t *Tracer) enter() {
	t.mu.Lock()
	t.depth++
	if t.needReport.Load() {
		t.report()
	}
}

func (t *Tracer) leave() {
	t.depth--
	t.mu.Unlock()
}

// Malloc allocates size bytes and records them against the caller's
// stack.
func (t *Tracer) Malloc(size uintptr) unsafe.Pointer {
	p := t.backend.Malloc(size)
	t.recordAlloc(p, size)
	return p
}

// Calloc allocates n*size zeroed bytes.
func (t *Tracer) Calloc(n, size uintptr) unsafe.Pointer {
	total := n * size
	p := t.backend.Malloc(total)
	if p != nil {
		clear(unsafe.Slice((*byte)(p), total))
	}
	t.recordAlloc(p, total)
	return p
}

// Realloc resizes an allocation. For accounting it is a free of the old
// pointer followed by an allocation of the new one.
func (t *Tracer) Realloc(p unsafe.Pointer, size uintptr) unsafe.Pointer {
	np := t.backend.Realloc(p, size)
	if np != nil {
		t.recordFree(p)
	}
	t.recordAlloc(np, size)
	return np
}

// Free releases an allocation. Unknown pointers are reported but still
// passed to the backend.
func (t *Tracer) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}
	t.recordFree(p)
	t.backend.Free(p)
}

// Memalign allocates size bytes aligned to align. The page backend
// aligns to a page at most; larger alignments fail.
func (t *Tracer) Memalign(align, size uintptr) unsafe.Pointer {
	if align > pageSize {
		return nil
	}
	p := t.backend.Malloc(size)
	t.recordAlloc(p, size)
	return p
}

// Valloc allocates size bytes aligned to the page size.
func (t *Tracer) Valloc(size uintptr) unsafe.Pointer {
	p := t.backend.Malloc(size)
	t.recordAlloc(p, size)
	return p
}

func (t *Tracer) recordAlloc(p unsafe.Pointer, bytes uintptr) {
	t.enter()
	defer t.leave()
	// Failed allocations and the tracer's own nested allocations are
	// not recorded.
	if p == nil || t.depth != 1 {
		return
	}
	node := t.stackNode()
	if node == nil {
		return
	}
	t.records[uintptr(p)] = &allocRecord{bytes: bytes, node: node}
	node.AddLiveBytes(int64(bytes))
	node.Ref()
	t.global += int64(bytes)
}

func (t *Tracer) recordFree(p unsafe.Pointer) {
	if p == nil {
		return
	}
	t.enter()
	defer t.leave()
	rec, ok := t.records[uintptr(p)]
	if !ok {
		// Unknown at outermost depth is probably an error; nested
		// it is just our own bookkeeping churn.
		if t.depth == 1 {
			warnf("mtrace: free of unknown pointer 0x%x\n", uintptr(p))
		}
		return
	}
	rec.node.AddLiveBytes(-int64(rec.bytes))
	rec.node.Unref()
	t.global -= int64(rec.bytes)
	delete(t.records, uintptr(p))
	if t.depth != 1 {
		warnf("mtrace: recorded free at depth %d, maybe harmless\n", t.depth)
	}
}

// stackNode interns the current allocation stack and returns its
// innermost node. The tracer's own frames are skipped; at most
// stackDepth frames of the caller survive.
func (t *Tracer) stackNode() *trace.Node {
	var pcs [stackDepth]uintptr
	// Skip runtime.Callers, stackNode, the record step and the
	// public entry point.
	n := runtime.Callers(4, pcs[:])
	if n == 0 {
		return nil
	}
	var node *trace.Node
	for i := n - 1; i >= 0; i-- {
		nd := t.index.Intern(node, pcs[i])
		if nd == nil {
			return nil
		}
		node = nd
	}
	return node
}

// warnf writes a diagnostic straight to the stderr descriptor, keeping
// clear of buffered I/O whose own allocations could be mid-trace.
func warnf(format string, args ...interface{}) {
	unix.Write(2, []byte(fmt.Sprintf(format, args...)))
}
