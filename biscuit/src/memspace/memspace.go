// Package memspace is a process address space (spec C4): the gap/mapping
// bookkeeping layered on top of a vmem.Context, with demand paging and
// copy-on-write.
//
// A space tracks two disjoint, address-ordered partitions of its user
// range: gaps (free for a future mapping) and mappings (in use). Mutating
// either is wrapped in a Transaction that also carries the underlying
// vmem.Transaction, so a map/unmap that fails partway never leaves the
// gap/mapping bookkeeping out of sync with the page table (spec §4.4:
// "on any failure the whole operation rolls back; no partial state
// escapes").
package memspace

import (
	"sort"
	"sync"

	"defs"
	"mem"
	"vmem"
)

// PageSource supplies the initial contents of a file-backed mapping's
// page on first fault. The ext2/vfs layers provide implementations; this
// package only consumes the interface, to avoid an import cycle with them.
type PageSource interface {
	ReadPage(fileOffset int) ([]uint8, defs.Err_t)
}

// Residence distinguishes anonymous memory from memory backed by a file.
type Residence int

const (
	ResidentAnon Residence = iota
	ResidentFile
)

// ConstraintKind selects how Map picks the placement address.
type ConstraintKind int

const (
	// ConstraintNone lets Map pick any sufficiently large gap.
	ConstraintNone ConstraintKind = iota
	// ConstraintHint tries Addr if a containing gap is large enough,
	// otherwise falls back to ConstraintNone's behavior.
	ConstraintHint
	// ConstraintFixed places the mapping at exactly Addr, unmapping any
	// colliding resident range first. May land outside any existing gap.
	ConstraintFixed
)

type MapConstraint struct {
	Kind ConstraintKind
	Addr int
}

// gap is a free address range, in pages.
type gap struct {
	begin int
	pages int
}

func (g gap) end() int { return g.begin + g.pages*mem.PGSIZE }

// frame is one page-sized slot of a mapping's backing memory. An absent
// frame (pa == 0) has not been demand-faulted in yet.
type frame struct {
	pa  mem.Pa_t
	cow bool // present, writable mapping, but currently shared: next write must copy
}

// Mapping is one resident range of the address space.
type Mapping struct {
	begin     int
	pages     int
	flags     mem.Pa_t // PTE_W / PTE_U; PTE_P is implied by frame presence
	residence Residence
	shared    bool
	source    PageSource
	frames    []frame
}

func (m *Mapping) end() int { return m.begin + m.pages*mem.PGSIZE }

func (m *Mapping) writable() bool { return m.flags&mem.PTE_W != 0 }

// clone deep-copies the mapping's own bookkeeping (not its physical
// frames, which the caller decides how to share).
func (m *Mapping) clone() *Mapping {
	nm := *m
	nm.frames = append([]frame(nil), m.frames...)
	return &nm
}

// split divides a mapping into a surviving prefix, a removed middle
// (returned as the pages to release), and a surviving suffix, mirroring
// the unmap algorithm's three-way split (spec §4.4).
func (m *Mapping) split(offPages, nPages int) (prev, next *Mapping, removed []frame) {
	removed = append([]frame(nil), m.frames[offPages:offPages+nPages]...)
	if offPages > 0 {
		prev = &Mapping{
			begin: m.begin, pages: offPages, flags: m.flags,
			residence: m.residence, shared: m.shared, source: m.source,
			frames: append([]frame(nil), m.frames[:offPages]...),
		}
	}
	tailPages := m.pages - offPages - nPages
	if tailPages > 0 {
		next = &Mapping{
			begin: m.begin + (offPages+nPages)*mem.PGSIZE, pages: tailPages, flags: m.flags,
			residence: m.residence, shared: m.shared, source: m.source,
			frames: append([]frame(nil), m.frames[offPages+nPages:]...),
		}
	}
	return
}

// MemSpace is one process's address space.
type MemSpace struct {
	sync.Mutex

	ctx *vmem.Context

	gaps     []gap // sorted by begin, disjoint
	mappings []*Mapping

	userMin, userMax int

	brkInit int
	brkAddr int

	vmemUsage int
}

// New creates an address space spanning [userMin, userMax) as a single
// initial gap, bound to a fresh user vmem.Context.
func New(userMin, userMax int) (*MemSpace, defs.Err_t) {
	ctx, err := vmem.NewUserContext()
	if err != 0 {
		return nil, err
	}
	return &MemSpace{
		ctx:     ctx,
		gaps:    []gap{{begin: userMin, pages: (userMax - userMin) / mem.PGSIZE}},
		userMin: userMin,
		userMax: userMax,
		brkInit: userMin,
		brkAddr: userMin,
	}, 0
}

/// Ctx returns the underlying virtual-memory context, for binding.
func (ms *MemSpace) Ctx() *vmem.Context { return ms.ctx }

/// VmemUsage returns the number of bytes currently covered by a mapping.
func (ms *MemSpace) VmemUsage() int {
	ms.Lock()
	defer ms.Unlock()
	return ms.vmemUsage
}

/// Bind installs this space's context as the active one.
func (ms *MemSpace) Bind() { ms.ctx.Bind() }

/// IsBound reports whether Bind has been called without a matching Unbind.
func (ms *MemSpace) IsBound() bool { return ms.ctx.IsBound() }

// Destroy releases every resident frame and the underlying context. The
// caller must ensure nothing still references this space.
func (ms *MemSpace) Destroy() {
	ms.Lock()
	for _, m := range ms.mappings {
		releaseFrames(m.frames)
	}
	ms.mappings = nil
	ms.Unlock()
	ms.ctx.Destroy()
}

func releaseFrames(fs []frame) {
	for _, f := range fs {
		if f.pa != 0 {
			mem.Physmem.Refdown(f.pa)
		}
	}
}

// --- gap/mapping lookup -----------------------------------------------

func (ms *MemSpace) gapIndexContaining(addr int) (int, bool) {
	i := sort.Search(len(ms.gaps), func(i int) bool { return ms.gaps[i].begin > addr })
	if i == 0 {
		return 0, false
	}
	i--
	if addr >= ms.gaps[i].begin && addr < ms.gaps[i].end() {
		return i, true
	}
	return 0, false
}

func (ms *MemSpace) firstFitGap(pages int) (int, bool) {
	for i, g := range ms.gaps {
		if g.pages >= pages {
			return i, true
		}
	}
	return 0, false
}

func (ms *MemSpace) insertGap(g gap) {
	i := sort.Search(len(ms.gaps), func(i int) bool { return ms.gaps[i].begin >= g.begin })
	ms.gaps = append(ms.gaps, gap{})
	copy(ms.gaps[i+1:], ms.gaps[i:])
	ms.gaps[i] = g
	ms.mergeGapAt(i)
}

// mergeGapAt coalesces the gap at i with an immediately adjacent
// predecessor and/or successor.
func (ms *MemSpace) mergeGapAt(i int) {
	if i+1 < len(ms.gaps) && ms.gaps[i].end() == ms.gaps[i+1].begin {
		ms.gaps[i].pages += ms.gaps[i+1].pages
		ms.gaps = append(ms.gaps[:i+1], ms.gaps[i+2:]...)
	}
	if i > 0 && ms.gaps[i-1].end() == ms.gaps[i].begin {
		ms.gaps[i-1].pages += ms.gaps[i].pages
		ms.gaps = append(ms.gaps[:i], ms.gaps[i+1:]...)
	}
}

func (ms *MemSpace) removeGapAt(i int) {
	ms.gaps = append(ms.gaps[:i], ms.gaps[i+1:]...)
}

// mappingIndexFor returns the mapping containing addr, if any.
func (ms *MemSpace) mappingIndexFor(addr int) (int, bool) {
	i := sort.Search(len(ms.mappings), func(i int) bool { return ms.mappings[i].begin > addr })
	if i == 0 {
		return 0, false
	}
	i--
	if addr >= ms.mappings[i].begin && addr < ms.mappings[i].end() {
		return i, true
	}
	return 0, false
}

func (ms *MemSpace) insertMapping(m *Mapping) {
	i := sort.Search(len(ms.mappings), func(i int) bool { return ms.mappings[i].begin >= m.begin })
	ms.mappings = append(ms.mappings, nil)
	copy(ms.mappings[i+1:], ms.mappings[i:])
	ms.mappings[i] = m
}

func (ms *MemSpace) removeMappingAt(i int) {
	ms.mappings = append(ms.mappings[:i], ms.mappings[i+1:]...)
}

// consumeGap removes the gap at idx, replacing it with up to two residual
// gaps bounding [begin(idx)+off*PGSIZE, +pages*PGSIZE), and returns the
// consumed range's starting address.
func (ms *MemSpace) consumeGap(idx, offPages, pages int) int {
	g := ms.gaps[idx]
	ms.removeGapAt(idx)
	begin := g.begin + offPages*mem.PGSIZE
	if offPages > 0 {
		ms.insertGap(gap{begin: g.begin, pages: offPages})
	}
	tailPages := g.pages - offPages - pages
	if tailPages > 0 {
		ms.insertGap(gap{begin: begin + pages*mem.PGSIZE, pages: tailPages})
	}
	return begin
}

// removeGapsInRange deletes (without creating residuals) every gap fully
// or partially inside [addr, addr+pages*PGSIZE) — used by Fixed placement,
// which is allowed to land across gap boundaries.
func (ms *MemSpace) removeGapsInRange(addr int, pages int) {
	end := addr + pages*mem.PGSIZE
	kept := ms.gaps[:0]
	for _, g := range ms.gaps {
		switch {
		case g.end() <= addr || g.begin >= end:
			kept = append(kept, g)
		case g.begin < addr && g.end() > end:
			kept = append(kept, gap{begin: g.begin, pages: (addr - g.begin) / mem.PGSIZE})
			kept = append(kept, gap{begin: end, pages: (g.end() - end) / mem.PGSIZE})
		case g.begin < addr:
			kept = append(kept, gap{begin: g.begin, pages: (addr - g.begin) / mem.PGSIZE})
		case g.end() > end:
			kept = append(kept, gap{begin: end, pages: (g.end() - end) / mem.PGSIZE})
		}
	}
	ms.gaps = kept
}

// --- transactions -------------------------------------------------------

// Transaction batches one map/unmap/fork-style operation's edits to a
// MemSpace's gap/mapping bookkeeping together with the underlying vmem
// edits, committing or rolling back both as a unit. Unlike vmem's
// Transaction, which logs per-PTE undo entries, this snapshots the
// (small, slice-based) gap and mapping lists up front and restores them
// wholesale on rollback — simpler than replaying a diff, and cheap at
// this scale.
type Transaction struct {
	ms            *MemSpace
	vtx           *vmem.Transaction
	savedGaps     []gap
	savedMappings []*Mapping
	freedOnCommit []frame
	committed     bool
	done          bool
}

func (ms *MemSpace) begin() *Transaction {
	return &Transaction{
		ms:            ms,
		vtx:           ms.ctx.NewTransaction(),
		savedGaps:     append([]gap(nil), ms.gaps...),
		savedMappings: append([]*Mapping(nil), ms.mappings...),
	}
}

/// Commit finalizes the transaction and releases any frames it displaced.
func (tx *Transaction) Commit() {
	if tx.done {
		panic("transaction already finished")
	}
	tx.vtx.Commit()
	releaseFrames(tx.freedOnCommit)
	tx.committed = true
	tx.done = true
}

/// Rollback restores the gap/mapping lists and the page table to their
/// pre-transaction state.
func (tx *Transaction) Rollback() {
	if tx.done {
		return
	}
	tx.ms.gaps = tx.savedGaps
	tx.ms.mappings = tx.savedMappings
	tx.vtx.Rollback()
	tx.done = true
}

/// Drop rolls back unless the transaction already committed.
func (tx *Transaction) Drop() {
	if !tx.committed && !tx.done {
		tx.Rollback()
	}
}

// --- map / unmap ---------------------------------------------------------

// Map places a new mapping of pages pages per constraint c and returns its
// starting address.
func (ms *MemSpace) Map(c MapConstraint, pages int, flags mem.Pa_t, residence Residence, source PageSource, shared bool) (int, defs.Err_t) {
	if pages <= 0 {
		return 0, defs.EINVAL
	}
	ms.Lock()
	defer ms.Unlock()

	tx := ms.begin()
	defer tx.Drop()

	var begin int
	switch c.Kind {
	case ConstraintFixed:
		if c.Addr%mem.PGSIZE != 0 {
			return 0, defs.EINVAL
		}
		if c.Addr < ms.userMin || c.Addr+pages*mem.PGSIZE > ms.userMax {
			return 0, defs.EINVAL
		}
		if err := ms.unmapRangeLocked(tx, c.Addr, pages, true); err != 0 {
			return 0, err
		}
		ms.removeGapsInRange(c.Addr, pages)
		begin = c.Addr
	case ConstraintHint:
		if idx, ok := ms.gapIndexContaining(c.Addr); ok {
			g := ms.gaps[idx]
			off := (c.Addr - g.begin) / mem.PGSIZE
			if off+pages <= g.pages {
				begin = ms.consumeGap(idx, off, pages)
				break
			}
		}
		idx, ok := ms.firstFitGap(pages)
		if !ok {
			return 0, defs.ENOMEM
		}
		begin = ms.consumeGap(idx, 0, pages)
	case ConstraintNone:
		idx, ok := ms.firstFitGap(pages)
		if !ok {
			return 0, defs.ENOMEM
		}
		begin = ms.consumeGap(idx, 0, pages)
	default:
		return 0, defs.EINVAL
	}

	m := &Mapping{
		begin: begin, pages: pages, flags: flags,
		residence: residence, shared: shared, source: source,
		frames: make([]frame, pages),
	}
	ms.insertMapping(m)
	ms.vmemUsage += pages * mem.PGSIZE
	tx.Commit()
	return begin, 0
}

// Unmap removes [addr, addr+pages*PGSIZE) from the address space. If
// brkMode is true, no gap is created over the removed range (it stays
// reserved for the brk cursor instead of becoming available to mmap).
func (ms *MemSpace) Unmap(addr int, pages int, brkMode bool) defs.Err_t {
	if addr%mem.PGSIZE != 0 || pages <= 0 {
		return defs.EINVAL
	}
	ms.Lock()
	defer ms.Unlock()

	tx := ms.begin()
	defer tx.Drop()
	if err := ms.unmapRangeLocked(tx, addr, pages, brkMode); err != 0 {
		return err
	}
	tx.Commit()
	return 0
}

// unmapRangeLocked removes every mapping (fully or partially) inside
// [addr, addr+pages*PGSIZE), splitting boundary mappings and, unless
// nogap, leaving a (neighbor-merged) gap behind.
func (ms *MemSpace) unmapRangeLocked(tx *Transaction, addr int, pages int, nogap bool) defs.Err_t {
	end := addr + pages*mem.PGSIZE
	cur := addr
	for cur < end {
		idx, ok := ms.mappingIndexFor(cur)
		if !ok {
			cur += mem.PGSIZE
			continue
		}
		m := ms.mappings[idx]
		offPages := (cur - m.begin) / mem.PGSIZE
		coverPages := (min(end, m.end()) - cur) / mem.PGSIZE

		prev, next, removed := m.split(offPages, coverPages)
		ms.removeMappingAt(idx)
		if prev != nil {
			ms.insertMapping(prev)
		}
		if next != nil {
			ms.insertMapping(next)
		}

		if err := tx.vtx.UnmapRange(cur, coverPages); err != 0 {
			return err
		}
		tx.freedOnCommit = append(tx.freedOnCommit, removed...)
		ms.vmemUsage -= coverPages * mem.PGSIZE

		if !nogap {
			ms.insertGap(gap{begin: cur, pages: coverPages})
		}
		cur += coverPages * mem.PGSIZE
	}
	return 0
}

// --- residency / demand paging -------------------------------------------

// Alloc forces physical residency for [addr, addr+len) inside an existing
// mapping, leaving bytes outside any mapping untouched.
func (ms *MemSpace) Alloc(addr int, length int) defs.Err_t {
	ms.Lock()
	defer ms.Unlock()

	tx := ms.begin()
	defer tx.Drop()

	off := 0
	for off < length {
		a := addr + off
		if idx, ok := ms.mappingIndexFor(a); ok {
			m := ms.mappings[idx]
			pageOff := (a - m.begin) / mem.PGSIZE
			if err := ms.populate(tx, m, pageOff); err != 0 {
				return err
			}
		}
		off += mem.PGSIZE
	}
	tx.Commit()
	return 0
}

// populate makes mapping m's pageOff-th page resident, allocating and
// (for file residence) filling a fresh physical frame if it is not
// already present.
func (ms *MemSpace) populate(tx *Transaction, m *Mapping, pageOff int) defs.Err_t {
	f := &m.frames[pageOff]
	if f.pa != 0 {
		return 0
	}
	pa, ok := mem.Physmem.Alloc(0, mem.ZoneUser)
	if !ok {
		return defs.ENOMEM
	}
	mem.Physmem.Refup(pa)
	if m.residence == ResidentFile && m.source != nil {
		data, err := m.source.ReadPage(pageOff * mem.PGSIZE)
		if err != 0 {
			mem.Physmem.Refdown(pa)
			return err
		}
		bpg := mem.Physmem.Dmap8(pa)
		n := copy(bpg, data)
		for ; n < mem.PGSIZE; n++ {
			bpg[n] = 0
		}
	}
	f.pa = pa
	va := m.begin + pageOff*mem.PGSIZE
	if err := tx.vtx.Map(pa, va, m.flags); err != 0 {
		mem.Physmem.Refdown(pa)
		f.pa = 0
		return err
	}
	return 0
}

// HandlePageFault resolves a fault at addr: demand-fills a not-yet-present
// page, or services copy-on-write for a write fault on a shared anonymous
// page. It returns false (caller delivers SIGSEGV) when the access
// violates the mapping's permissions or no mapping covers addr at all.
func (ms *MemSpace) HandlePageFault(addr int, write bool) bool {
	ms.Lock()
	defer ms.Unlock()

	idx, ok := ms.mappingIndexFor(addr)
	if !ok {
		return false
	}
	m := ms.mappings[idx]
	if write && !m.writable() {
		return false
	}
	pageOff := (addr - m.begin) / mem.PGSIZE
	f := &m.frames[pageOff]

	tx := ms.begin()
	defer tx.Drop()

	if f.pa == 0 {
		if ms.populate(tx, m, pageOff) != 0 {
			return false
		}
		tx.Commit()
		return true
	}
	if write && f.cow {
		// Full counted-share semantics (spec §9 open question 2): if no
		// other address space still holds this frame — e.g. a sibling
		// fork exited without ever writing it — this fault's caller is
		// the sole remaining owner, so it reclaims the frame in place
		// instead of paying for an unnecessary copy.
		if mem.Physmem.Refcnt(f.pa) <= 1 {
			if err := tx.vtx.Unmap(m.begin + pageOff*mem.PGSIZE); err != 0 {
				return false
			}
			if err := tx.vtx.Map(f.pa, m.begin+pageOff*mem.PGSIZE, m.flags); err != 0 {
				return false
			}
			f.cow = false
			tx.Commit()
			return true
		}
		newPa, ok := mem.Physmem.Alloc(0, mem.ZoneUser)
		if !ok {
			return false
		}
		mem.Physmem.Refup(newPa)
		copy(mem.Physmem.Dmap8(newPa), mem.Physmem.Dmap8(f.pa))
		if err := tx.vtx.Unmap(m.begin + pageOff*mem.PGSIZE); err != 0 {
			mem.Physmem.Refdown(newPa)
			return false
		}
		if err := tx.vtx.Map(newPa, m.begin+pageOff*mem.PGSIZE, m.flags); err != 0 {
			mem.Physmem.Refdown(newPa)
			return false
		}
		old := f.pa
		f.pa = newPa
		f.cow = false
		tx.freedOnCommit = append(tx.freedOnCommit, frame{pa: old})
		tx.Commit()
		return true
	}
	// Nothing to do: the page is already resident and the access is
	// permitted, so this fault must have raced with another handler.
	return true
}

/// Translate implements copyuser.Space against this address space.
func (ms *MemSpace) Translate(vaddr int) (mem.Pa_t, bool) {
	return ms.ctx.Translate(vaddr)
}

// --- fork / brk -----------------------------------------------------------

// Fork clones this address space for process fork/vfork: gaps are cloned
// verbatim, and every writable anonymous mapping's frames become
// copy-on-write, shared between the original and the clone until either
// side writes (spec §4.4).
func (ms *MemSpace) Fork() (*MemSpace, defs.Err_t) {
	ms.Lock()
	defer ms.Unlock()

	child, err := New(ms.userMin, ms.userMax)
	if err != 0 {
		return nil, err
	}
	child.gaps = append([]gap(nil), ms.gaps...)
	child.brkInit = ms.brkInit
	child.brkAddr = ms.brkAddr

	parentTx := ms.ctx.NewTransaction()
	childTx := child.ctx.NewTransaction()

	for _, m := range ms.mappings {
		cm := m.clone()
		cow := m.writable() && m.residence == ResidentAnon
		for i := range m.frames {
			f := &m.frames[i]
			if f.pa == 0 {
				continue
			}
			if cow {
				f.cow = true
				cm.frames[i].cow = true
				mem.Physmem.Refup(f.pa)
			}
			va := m.begin + i*mem.PGSIZE
			flags := m.flags
			if cow {
				flags &^= mem.PTE_W
			}
			if err := parentTx.Map(f.pa, va, flags); err != 0 {
				parentTx.Rollback()
				childTx.Rollback()
				child.Destroy()
				return nil, err
			}
			if err := childTx.Map(f.pa, va, flags); err != 0 {
				parentTx.Rollback()
				childTx.Rollback()
				child.Destroy()
				return nil, err
			}
		}
		child.mappings = append(child.mappings, cm)
	}
	childTx.Commit()
	parentTx.Commit()
	child.vmemUsage = ms.vmemUsage
	return child, 0
}

/// GetBrk returns the current program break.
func (ms *MemSpace) GetBrk() int {
	ms.Lock()
	defer ms.Unlock()
	return ms.brkAddr
}

// SetBrkInit fixes the initial program break. Must be called exactly once,
// before the process runs.
func (ms *MemSpace) SetBrkInit(addr int) {
	ms.Lock()
	defer ms.Unlock()
	ms.brkInit = addr
	ms.brkAddr = addr
}

// SetBrk grows or shrinks the heap to addr, mapping or unmapping whole
// pages as needed.
func (ms *MemSpace) SetBrk(addr int) defs.Err_t {
	ms.Lock()
	cur := ms.brkAddr
	ms.Unlock()

	if addr >= cur {
		if addr > ms.userMax {
			return defs.EINVAL
		}
		begin := roundup(cur, mem.PGSIZE)
		pages := (roundup(addr, mem.PGSIZE) - begin) / mem.PGSIZE
		if pages > 0 {
			_, err := ms.Map(MapConstraint{Kind: ConstraintFixed, Addr: begin}, pages, mem.PTE_W|mem.PTE_U, ResidentAnon, nil, false)
			if err != 0 {
				return err
			}
		}
	} else {
		if addr < ms.brkInit {
			return defs.EINVAL
		}
		begin := roundup(addr, mem.PGSIZE)
		pages := (roundup(cur, mem.PGSIZE) - begin) / mem.PGSIZE
		if pages > 0 {
			if err := ms.Unmap(begin, pages, true); err != 0 {
				return err
			}
		}
	}
	ms.Lock()
	ms.brkAddr = addr
	ms.Unlock()
	return 0
}

func roundup(v, n int) int {
	return (v + n - 1) &^ (n - 1)
}
