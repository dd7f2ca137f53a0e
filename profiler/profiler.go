// Copyright 2024 The scg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package profiler is a statistical call-graph profiler.
//
// On a periodic interval the profiler captures the call stack of every
// goroutine, interns each stack into a shared lock-free trace index,
// and counts one sample against the stack's innermost frame. At Stop,
// or on SIGUSR2, it symbolizes the accumulated call graph against the
// process's loaded ELF modules and writes a textual report.
//
// Typical use, from the top of main:
//
//	p, err := profiler.Start()
//	if err != nil {
//		// profiling is best-effort; the host keeps running
//	}
//	defer p.Stop()
//
// Sampling is paced by the process CPU interval timer (ITIMER_PROF,
// SIGPROF) so that samples track CPU consumption; if the timer cannot
// be installed the profiler falls back to a wall-clock ticker at the
// same period. The report destination is controlled by SCG_OUTPUT
// (see WriteProfile); SCG_PPROF_OUTPUT additionally writes a pprof
// protobuf at Stop.
package profiler

import (
	"os"
	"os/signal"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rcls/scg/internal/trace"
)

// DefaultInterval is the default sampling period, roughly 500Hz.
const DefaultInterval = 2 * time.Millisecond

// maxDepth caps the recorded stack depth. Deeper stacks keep their
// innermost frames.
const maxDepth = 64

// A Source captures call stacks for one sampling pass. Sample invokes
// emit once per captured stack, program counters ordered innermost to
// outermost; emit does not retain the slice. Implementations should
// avoid heap allocation in the steady state: the sampler runs hundreds
// of times per second.
type Source interface {
	Sample(emit func(pcs []uintptr))
}

// An Option configures Start.
type Option func(*Profiler)

// Interval sets the sampling period.
func Interval(d time.Duration) Option {
	return func(p *Profiler) { p.interval = d }
}

// WithSource replaces the default all-goroutines stack source.
func WithSource(s Source) Option {
	return func(p *Profiler) { p.source = s }
}

// A Profiler owns the sampling loop. All methods are safe to call from
// any goroutine; Stop is idempotent.
type Profiler struct {
	interval time.Duration
	source   Source
	index    *trace.Index

	timerArmed bool
	sigc       chan os.Signal
	done       chan struct{}
	wg         sync.WaitGroup
	stopOnce   sync.Once
}

// Start installs the sampling pipeline and begins profiling. It never
// fails hard: if the interval timer cannot be armed the returned
// profiler samples on a wall-clock ticker instead.
func Start(opts ...Option) (*Profiler, error) {
	p := &Profiler{
		interval: DefaultInterval,
		index:    trace.Default,
		sigc:     make(chan os.Signal, 16),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.source == nil {
		p.source = newGoroutineSource()
	}

	usec := p.interval.Microseconds()
	tv := unix.Timeval{Sec: usec / 1e6, Usec: usec % 1e6}
	_, err := unix.Setitimer(unix.ITIMER_PROF,
		unix.Itimerval{Interval: tv, Value: tv})
	p.timerArmed = err == nil

	if p.timerArmed {
		signal.Notify(p.sigc, unix.SIGPROF, unix.SIGUSR1, unix.SIGUSR2)
	} else {
		signal.Notify(p.sigc, unix.SIGUSR1, unix.SIGUSR2)
	}

	p.wg.Add(1)
	go samplerLoop(p)
	return p, err
}

// Stop disarms the timer, waits for the sampling loop to drain, and
// writes the final reports.
func (p *Profiler) Stop() {
	p.stopOnce.Do(func() {
		if p.timerArmed {
			unix.Setitimer(unix.ITIMER_PROF, unix.Itimerval{})
		}
		signal.Stop(p.sigc)
		close(p.done)
		p.wg.Wait()
		p.writeDefault()
		p.writePprofDefault()
	})
}

// samplerLoop drains timer signals and flush requests until Stop. Its
// own goroutine is recognized and excluded by the stack source.
func samplerLoop(p *Profiler) {
	defer p.wg.Done()

	var tickc <-chan time.Time
	if !p.timerArmed {
		tick := time.NewTicker(p.interval)
		defer tick.Stop()
		tickc = tick.C
	}

	for {
		select {
		case <-p.done:
			return
		case sig := <-p.sigc:
			switch sig {
			case unix.SIGPROF:
				p.sample()
			case unix.SIGUSR2:
				p.writeDefault()
			case unix.SIGUSR1:
				// Historically "enable"; now a no-op.
			}
		case <-tickc:
			p.sample()
		}
	}
}

func (p *Profiler) sample() {
	p.source.Sample(p.record)
}

// record interns one captured stack. Frames are interned outermost
// first so that every node's parent already exists, keeping the chain
// acyclic by construction; the innermost node takes the sample count.
func (p *Profiler) record(pcs []uintptr) {
	// A zero program counter terminates the walk.
	for i, pc := range pcs {
		if pc == 0 {
			pcs = pcs[:i]
			break
		}
	}
	if len(pcs) > maxDepth {
		pcs = pcs[:maxDepth]
	}

	var node *trace.Node
	for i := len(pcs) - 1; i >= 0; i-- {
		n := p.index.Intern(node, pcs[i])
		if n == nil {
			// Arena exhausted; drop the sample.
			return
		}
		node = n
	}
	if node != nil {
		node.AddSample()
	}
}

// writeDefault writes the text report to the SCG_OUTPUT destination,
// falling back to stderr when the variable is unset or the file cannot
// be opened. A literal '%' in the value is replaced by the process id.
func (p *Profiler) writeDefault() {
	if name := expandOutputName(os.Getenv("SCG_OUTPUT")); name != "" {
		if f, err := os.Create(name); err == nil {
			p.WriteProfile(f)
			f.Close()
			return
		}
	}
	p.WriteProfile(os.Stderr)
}

func (p *Profiler) writePprofDefault() {
	name := expandOutputName(os.Getenv("SCG_PPROF_OUTPUT"))
	if name == "" {
		return
	}
	f, err := os.Create(name)
	if err != nil {
		return
	}
	p.WritePprof(f)
	f.Close()
}

func expandOutputName(name string) string {
	if name == "" {
		return ""
	}
	return strings.Replace(name, "%", strconv.Itoa(os.Getpid()), 1)
}

// goroutineSource snapshots the stacks of all goroutines. The buffer
// is retained across passes, so the steady state allocates nothing.
type goroutineSource struct {
	buf  []runtime.StackRecord
	skip uintptr // entry point of samplerLoop
}

func newGoroutineSource() *goroutineSource {
	return &goroutineSource{
		skip: reflect.ValueOf(samplerLoop).Pointer(),
	}
}

func (s *goroutineSource) Sample(emit func([]uintptr)) {
	n, ok := runtime.GoroutineProfile(s.buf)
	for !ok {
		s.buf = make([]runtime.StackRecord, n+n/4+16)
		n, ok = runtime.GoroutineProfile(s.buf)
	}
	for i := range s.buf[:n] {
		pcs := s.buf[i].Stack()
		if len(pcs) == 0 || s.ours(pcs) {
			continue
		}
		emit(pcs)
	}
}

// ours reports whether the stack belongs to the sampling goroutine.
func (s *goroutineSource) ours(pcs []uintptr) bool {
	for _, pc := range pcs {
		if f := runtime.FuncForPC(pc); f != nil && f.Entry() == s.skip {
			return true
		}
	}
	return false
}

// CallersSource samples only the goroutine that happens to run the
// sampling pass. Useful for self-profiling a single loop and in tests.
type CallersSource struct {
	// Skip drops that many additional frames below the Sample call.
	Skip int
}

func (s CallersSource) Sample(emit func([]uintptr)) {
	var pcs [maxDepth]uintptr
	// Skip runtime.Callers and Sample itself.
	n := runtime.Callers(s.Skip+2, pcs[:])
	if n > 0 {
		emit(pcs[:n])
	}
}
