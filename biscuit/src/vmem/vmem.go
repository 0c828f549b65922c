// Package vmem is the virtual-memory context (spec C3): a per-address-space
// page-table tree plus atomic transactions that batch map/unmap and roll
// back to a bit-identical tree on drop.
//
// Architecture specifics are confined to this package (spec §4.3): entry
// encoding and flags live in package mem (PTE_P, PTE_W, ...), and the walk
// below assumes a 4-level, 512-entries-per-level tree — the x86-64 shape.
// x86's 2-level tree and the PSE 4MiB-page shortcut are both degenerate
// cases of the same walk (fewer levels, or a leaf one level higher) and are
// not separately modeled since this module runs hosted rather than on
// 32-bit hardware.
package vmem

import (
	"sync/atomic"

	"defs"
	"mem"
)

const levels = 4

func index(va int, level int) int {
	shift := uint(mem.PGSHIFT) + 9*uint(levels-1-level)
	return (va >> shift) & 0x1ff
}

// Context wraps one page-table tree root. The kernel field is set once at
// construction by NewKernelContext and never exposed for mutation: it is
// the "compile-time discriminant" spec §4.3 calls for, realized as a
// choice of constructor rather than a boolean flag a caller could flip
// to unlock kernel-half mutation from ordinary code.
type Context struct {
	root   *mem.Pmap_t
	pRoot  mem.Pa_t
	kernel bool
	bound  int32 // atomic bool: installed via Bind()
}

// NewUserContext allocates a fresh, empty context for a user address
// space: it may never map into the kernel half of the address space.
func NewUserContext() (*Context, defs.Err_t) {
	return newContext(false)
}

// NewKernelContext allocates a context permitted to map the kernel half
// of the address space. Rare by design: almost every context in this
// kernel is a user one constructed via NewUserContext.
func NewKernelContext() (*Context, defs.Err_t) {
	return newContext(true)
}

func newContext(kernel bool) (*Context, defs.Err_t) {
	root, pRoot, ok := mem.Physmem.Pmap_new()
	if !ok {
		return nil, defs.ENOMEM
	}
	return &Context{root: root, pRoot: pRoot, kernel: kernel}, 0
}

// Destroy releases the root page-table page. The caller is responsible
// for having unmapped (or otherwise accounted for) everything reachable
// from it first.
func (c *Context) Destroy() {
	mem.Physmem.Dec_pmap(c.pRoot)
}

// Bind installs this context as the one the current CPU translates
// through — the hosted stand-in for loading %cr3.
func (c *Context) Bind() {
	atomic.StoreInt32(&c.bound, 1)
}

/// IsBound reports whether Bind has been called without a matching Unbind.
func (c *Context) IsBound() bool {
	return atomic.LoadInt32(&c.bound) != 0
}

/// Unbind marks the context as no longer installed on the current CPU.
func (c *Context) Unbind() {
	atomic.StoreInt32(&c.bound, 0)
}

// walk descends the tree to the leaf entry for va without allocating any
// missing intermediate table; ok is false if the path is not present.
func (c *Context) walk(va int) (pte *mem.Pa_t, ok bool) {
	t := c.root
	for level := 0; level < levels-1; level++ {
		i := index(va, level)
		e := t[i]
		if e&mem.PTE_P == 0 {
			return nil, false
		}
		t = (*mem.Pmap_t)(mem.Physmem.Dmap(e & mem.PTE_ADDR))
	}
	return &t[index(va, levels-1)], true
}

// createdTable is an intermediate table a transaction allocated, together
// with the entry in its parent table that points at it.
type createdTable struct {
	pa   mem.Pa_t
	slot *mem.Pa_t
}

// walkAlloc is walk, but allocates any missing intermediate table along
// the path, recording each freshly allocated table and its parent entry
// in created so a rolled-back transaction can unlink and free it again.
func (c *Context) walkAlloc(va int) (pte *mem.Pa_t, created []createdTable, err defs.Err_t) {
	t := c.root
	for level := 0; level < levels-1; level++ {
		i := index(va, level)
		e := t[i]
		if e&mem.PTE_P == 0 {
			nt, p, ok := mem.Physmem.Pmap_new()
			if !ok {
				return nil, created, defs.ENOMEM
			}
			flags := mem.PTE_P | mem.PTE_W
			if !c.kernel {
				flags |= mem.PTE_U
			}
			t[i] = p | flags
			created = append(created, createdTable{pa: p, slot: &t[i]})
			t = nt
			continue
		}
		t = (*mem.Pmap_t)(mem.Physmem.Dmap(e & mem.PTE_ADDR))
	}
	return &t[index(va, levels-1)], created, 0
}

/// Translate returns the physical address va currently maps to, if any.
func (c *Context) Translate(va int) (mem.Pa_t, bool) {
	pte, ok := c.walk(va)
	if !ok || *pte&mem.PTE_P == 0 {
		return 0, false
	}
	return (*pte & mem.PTE_ADDR) | mem.Pa_t(va)&mem.PGOFFSET, true
}

/// IsMapped reports whether va has a present mapping.
func (c *Context) IsMapped(va int) bool {
	_, ok := c.Translate(va)
	return ok
}

func (c *Context) checkHalf(va int) defs.Err_t {
	if !c.kernel && va >= mem.CopyBuffer {
		return defs.EINVAL
	}
	return 0
}

// invalidate is the hosted stand-in for an `invlpg` instruction: spec
// §4.3 requires every single mutation to invalidate the page's TLB entry
// on the current CPU. There is no TLB in a hosted simulation, so this is
// a no-op left as a named call so the contract is visible at each call
// site and coarser flush variants can hook in later without touching
// callers.
func (c *Context) invalidate(va int) {}

// rollbackEntry is one inverse-applicable log entry: restoring prev to
// the leaf pte at vaddr undoes exactly one Map or Unmap call.
type rollbackEntry struct {
	pte  *mem.Pa_t
	prev mem.Pa_t
}

// Transaction batches map/unmap edits against one Context so they commit
// atomically or roll back to a bit-identical tree (spec §3's "Transaction"
// and §4.3).
type Transaction struct {
	ctx       *Context
	log       []rollbackEntry
	created   []createdTable
	committed bool
	done      bool
}

/// NewTransaction begins a transaction against ctx.
func (c *Context) NewTransaction() *Transaction {
	return &Transaction{ctx: c}
}

// Map produces exactly one rollback log entry mapping vaddr to paddr with
// the given flags.
func (tx *Transaction) Map(paddr mem.Pa_t, vaddr int, flags mem.Pa_t) defs.Err_t {
	if tx.done {
		panic("transaction already finished")
	}
	if err := tx.ctx.checkHalf(vaddr); err != 0 {
		return err
	}
	pte, created, err := tx.ctx.walkAlloc(vaddr)
	if err != 0 {
		return err
	}
	tx.created = append(tx.created, created...)
	prev := *pte
	*pte = (paddr & mem.PTE_ADDR) | flags | mem.PTE_P
	tx.log = append(tx.log, rollbackEntry{pte: pte, prev: prev})
	tx.ctx.invalidate(vaddr)
	return 0
}

// Unmap produces exactly one rollback log entry clearing vaddr's mapping,
// if any was present.
func (tx *Transaction) Unmap(vaddr int) defs.Err_t {
	if tx.done {
		panic("transaction already finished")
	}
	if err := tx.ctx.checkHalf(vaddr); err != 0 {
		return err
	}
	pte, ok := tx.ctx.walk(vaddr)
	if !ok {
		return 0
	}
	prev := *pte
	if prev == 0 {
		return 0
	}
	*pte = 0
	tx.log = append(tx.log, rollbackEntry{pte: pte, prev: prev})
	tx.ctx.invalidate(vaddr)
	return 0
}

// MapRange maps n consecutive pages starting at vaddr to n consecutive
// frames starting at paddr. It pre-reserves n log slots so the whole call
// is all-or-nothing: a failure partway undoes every page this call itself
// mapped (earlier calls in the same transaction are untouched).
func (tx *Transaction) MapRange(paddr mem.Pa_t, vaddr int, n int, flags mem.Pa_t) defs.Err_t {
	if tx.done {
		panic("transaction already finished")
	}
	start := len(tx.log)
	if cap(tx.log)-len(tx.log) < n {
		grown := make([]rollbackEntry, len(tx.log), len(tx.log)+n)
		copy(grown, tx.log)
		tx.log = grown
	}
	for i := 0; i < n; i++ {
		err := tx.Map(paddr+mem.Pa_t(i)*mem.Pa_t(mem.PGSIZE), vaddr+i*mem.PGSIZE, flags)
		if err != 0 {
			tx.undoSince(start)
			return err
		}
	}
	return 0
}

// UnmapRange is MapRange's counterpart: it unmaps n consecutive pages,
// all-or-nothing.
func (tx *Transaction) UnmapRange(vaddr int, n int) defs.Err_t {
	if tx.done {
		panic("transaction already finished")
	}
	start := len(tx.log)
	for i := 0; i < n; i++ {
		err := tx.Unmap(vaddr + i*mem.PGSIZE)
		if err != 0 {
			tx.undoSince(start)
			return err
		}
	}
	return 0
}

// undoSince replays, in reverse, every log entry recorded since index
// start, without touching entries from before that point. Used by
// MapRange/UnmapRange to make a single range call all-or-nothing inside
// an otherwise-still-open transaction.
func (tx *Transaction) undoSince(start int) {
	for i := len(tx.log) - 1; i >= start; i-- {
		e := tx.log[i]
		*e.pte = e.prev
	}
	tx.log = tx.log[:start]
}

/// Commit finalizes the transaction: the log is cleared and its edits
/// stay in effect.
func (tx *Transaction) Commit() {
	if tx.done {
		panic("transaction already finished")
	}
	tx.log = nil
	tx.committed = true
	tx.done = true
}

// Rollback replays every logged entry in reverse insertion order,
// restoring the tree to exactly what it was before the transaction
// began, and frees any intermediate table this transaction allocated
// along the way (spec §4.3: "frees any freshly allocated intermediate
// tables").
func (tx *Transaction) Rollback() {
	if tx.done {
		return
	}
	tx.undoSince(0)
	for i := len(tx.created) - 1; i >= 0; i-- {
		ct := tx.created[i]
		if tableEmpty((*mem.Pmap_t)(mem.Physmem.Dmap(ct.pa))) {
			*ct.slot = 0
			mem.Physmem.Dec_pmap(ct.pa)
		}
	}
	tx.created = nil
	tx.done = true
}

// Abort is an alias for Rollback, named for call sites that prefer the
// "abort the transaction" phrasing used elsewhere in this kernel.
func (tx *Transaction) Abort() { tx.Rollback() }

// Drop is the idiomatic "defer tx.Drop()" call: it rolls back unless the
// transaction already committed, mirroring the spec's "implicit rollback
// on drop" contract in a language without destructors.
func (tx *Transaction) Drop() {
	if !tx.committed && !tx.done {
		tx.Rollback()
	}
}

func tableEmpty(t *mem.Pmap_t) bool {
	for _, e := range t {
		if e != 0 {
			return false
		}
	}
	return true
}
