// Package tinfo carries per-task scheduling state (spec §3's Process
// fields that are not filesystem- or memory-shaped) and tracks which task
// is "current".
//
// The teacher's original Current/SetCurrent pinned a *Tnote_t into the Go
// runtime's per-G scratch slot (runtime.Gptr/Setgptr), a hook that only
// exists in biscuit's own forked runtime. This module runs hosted on a
// stock toolchain and is single-CPU by design (spec §5: "SMP beyond
// single-CPU scheduling" is a Non-goal), so "current" is exactly one
// package-level pointer, installed by SetCurrent and cleared by
// ClearCurrent rather than looked up per-goroutine. proc's scheduler does
// not call either.
package tinfo

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"defs"
)

/// Tnote_t stores per-thread state used by the scheduler.
type Tnote_t struct {
	// XXX "alive" should be "terminated"
	State    interface{}
	Alive    bool
	Killed   bool
	Isdoomed bool // XXX maybe don't need doomed, but can use killed?
	// protects killed, Killnaps.Cond and Kerr, and is a leaf lock
	sync.Mutex
	Killnaps struct {
		Killch chan bool
		Cond   *sync.Cond
		Kerr   defs.Err_t
	}
}

/// Doomed reports whether the thread is marked as doomed.
func (t *Tnote_t) Doomed() bool {
	return t.Isdoomed
}

/// Threadinfo_t tracks all thread notes.
type Threadinfo_t struct {
	Notes map[defs.Tid_t]*Tnote_t
	sync.Mutex
}

/// Init initializes the thread info map.
func (t *Threadinfo_t) Init() {
	t.Notes = make(map[defs.Tid_t]*Tnote_t)
}

// current holds the Tnote_t of the task presently running on the (single)
// CPU, as last installed by SetCurrent; there is only ever one runnable
// task at a time on this core, so a single package-level slot replaces
// the teacher's per-goroutine runtime hook.
var current unsafe.Pointer // *Tnote_t

/// Current returns the current thread note. It panics if no task has been
/// installed, mirroring the teacher's "nuts" guard.
func Current() *Tnote_t {
	p := atomic.LoadPointer(&current)
	if p == nil {
		panic("nuts")
	}
	return (*Tnote_t)(p)
}

/// SetCurrent installs p as the current thread note.
func SetCurrent(p *Tnote_t) {
	if p == nil {
		panic("nuts")
	}
	if atomic.LoadPointer(&current) != nil {
		panic("nuts")
	}
	atomic.StorePointer(&current, unsafe.Pointer(p))
}

/// ClearCurrent removes the current thread note.
func ClearCurrent() {
	if atomic.LoadPointer(&current) == nil {
		panic("nuts")
	}
	atomic.StorePointer(&current, nil)
}
