// Package heap is the kernel heap (spec C2): a two-tier allocator built on
// top of the frame allocator (package mem, C1). Allocations whose size plus
// an 8-byte header exceeds blockThreshold are satisfied directly from mem as
// a frame run; smaller ones are carved from Blocks — a single frame holding a free list
// binned by size class, matching the "Block"/"chunk" vocabulary the
// teacher uses for biscuit's own allocator shapes (Circbuf_t's backing
// page, Physmem_t's free-list-by-index), generalized here into an actual
// general-purpose allocator since no kernel-heap type was retrieved from
// the teacher (see DESIGN.md).
package heap

import (
	"sync"

	"defs"
	"mem"
	"util"
)

// Ptr is a heap-allocated address: an offset into the underlying frame
// arena mem.Physmem owns, wide enough to double as a uintptr-style handle
// the rest of the kernel can store in place of a raw pointer.
type Ptr uintptr

// minAlign is the minimum alignment of any Ptr this package returns,
// spec §4.2's "at least max(8, align_of::<usize>())" — on every host this
// module targets, align_of::<usize>() is 8.
const minAlign = 8

// sizeClasses are the bins a Block's free list can carve a chunk from.
// Each is a power of two from minAlign up to blockThreshold: a request
// is rounded up to the smallest class that fits it.
var sizeClasses = []int{8, 16, 32, 64, 128, 256, 512, 1024, 2048}

// blockThreshold is the boundary against which Alloc compares size plus
// largeHdrSize: above it, Alloc bypasses Blocks entirely and asks mem for a
// dedicated frame run.
const blockThreshold = mem.PGSIZE / 2

func classFor(size int) int {
	for _, c := range sizeClasses {
		if size <= c {
			return c
		}
	}
	return 0
}

// chunk is the header written at the start of every free chunk in a
// Block's size class: an intrusive singly-linked free list living inside
// the freed memory itself, exactly the classic malloc idiom.
type chunk struct {
	next int32 // offset of next free chunk within the block, or -1
}

// block carves a single frame into same-size chunks of one size class.
type block struct {
	class  int
	base   mem.Pa_t
	buf    []uint8
	free   int32 // offset of first free chunk, or -1
	nfree  int
	nchunk int
}

func newBlock(class int) (*block, defs.Err_t) {
	p, ok := mem.Physmem.Alloc(0, mem.ZoneKernel)
	if !ok {
		return nil, defs.ENOMEM
	}
	pg := mem.Physmem.Dmap(p)
	buf := mem.Pg2bytes(pg)[:]
	b := &block{class: class, base: p, buf: buf}
	b.nchunk = len(buf) / class
	b.nfree = b.nchunk
	// thread every chunk onto the free list, front to back.
	for i := 0; i < b.nchunk; i++ {
		off := i * class
		var next int32 = -1
		if i+1 < b.nchunk {
			next = int32((i + 1) * class)
		}
		b.writeChunk(off, chunk{next: next})
	}
	b.free = 0
	return b, 0
}

func (b *block) writeChunk(off int, c chunk) {
	util.Writen(b.buf, 4, off, int(c.next))
}

func (b *block) readChunk(off int) chunk {
	return chunk{next: int32(util.Readn(b.buf, 4, off))}
}

func (b *block) alloc() int {
	off := int(b.free)
	c := b.readChunk(off)
	b.free = c.next
	b.nfree--
	return off
}

func (b *block) release(off int) {
	b.writeChunk(off, chunk{next: b.free})
	b.free = int32(off)
	b.nfree++
}

func (b *block) full() bool  { return b.nfree == 0 }
func (b *block) empty() bool { return b.nfree == b.nchunk }

// owning reports whether ptr falls inside this block's backing frame, and
// if so, the chunk offset within it.
func (b *block) owning(p Ptr) (int, bool) {
	base := Ptr(b.base)
	if p < base || p >= base+Ptr(len(b.buf)) {
		return 0, false
	}
	return int(p - base), true
}

// largeHdr precedes every direct-from-mem allocation so Free/Realloc can
// recover the original order without a side table.
type largeHdr struct {
	order int
}

const largeHdrSize = 8 // rounded up to minAlign

// Heap_t is the allocator instance; Global is the one the rest of the
// kernel uses, mirroring mem.Physmem's single-instance convention.
type Heap_t struct {
	sync.Mutex
	// partial[class] holds blocks of that class with at least one free
	// chunk; full blocks are dropped from this list until freed into.
	partial map[int][]*block
	// owner maps a block's base frame address back to the block, so Free
	// can locate the block that owns an arbitrary chunk pointer.
	owner map[mem.Pa_t]*block
}

// New returns a freshly initialized, empty heap instance.
func New() *Heap_t {
	return &Heap_t{
		partial: make(map[int][]*block),
		owner:   make(map[mem.Pa_t]*block),
	}
}

/// Global is the kernel's single heap instance.
var Global = New()

func (h *Heap_t) takePartial(class int) (*block, defs.Err_t) {
	lst := h.partial[class]
	if len(lst) > 0 {
		b := lst[len(lst)-1]
		if b.full() {
			panic("full block left in partial list")
		}
		return b, 0
	}
	b, err := newBlock(class)
	if err != 0 {
		return nil, err
	}
	h.owner[b.base] = b
	h.partial[class] = append(h.partial[class], b)
	return b, 0
}

func (h *Heap_t) dropPartial(b *block) {
	lst := h.partial[b.class]
	for i, o := range lst {
		if o == b {
			h.partial[b.class] = append(lst[:i], lst[i+1:]...)
			return
		}
	}
}

// Alloc returns a Ptr to size bytes of zeroed memory, or ENOMEM.
func (h *Heap_t) Alloc(size int) (Ptr, defs.Err_t) {
	if size <= 0 {
		panic("bad heap alloc size")
	}
	if size+largeHdrSize > blockThreshold {
		return h.allocLarge(size)
	}
	class := classFor(size)
	h.Lock()
	defer h.Unlock()
	b, err := h.takePartial(class)
	if err != 0 {
		return 0, err
	}
	off := b.alloc()
	for i := 0; i < class; i++ {
		b.buf[off+i] = 0
	}
	if b.full() {
		h.dropPartial(b)
	}
	return Ptr(b.base) + Ptr(off), 0
}

func (h *Heap_t) allocLarge(size int) (Ptr, defs.Err_t) {
	total := size + largeHdrSize
	npg := util.Roundup(total, mem.PGSIZE) / mem.PGSIZE
	order := 0
	for (1 << uint(order)) < npg {
		order++
	}
	p, ok := mem.Physmem.Alloc(order, mem.ZoneKernel)
	if !ok {
		return 0, defs.ENOMEM
	}
	pg := mem.Physmem.Dmap(p)
	buf := mem.Pg2bytes(pg)[:]
	util.Writen(buf, 4, 0, order)
	for i := largeHdrSize; i < len(buf); i++ {
		buf[i] = 0
	}
	h.Lock()
	h.owner[p] = &block{class: -1, base: p, buf: buf} // class<0 marks "large"
	h.Unlock()
	return Ptr(p) + Ptr(largeHdrSize), 0
}

// lookup finds the block (or large allocation record) that owns ptr.
func (h *Heap_t) lookup(p Ptr) (*block, int) {
	for base, b := range h.owner {
		bp := Ptr(base)
		if p >= bp && p < bp+Ptr(len(b.buf)) {
			return b, int(p - bp)
		}
	}
	panic("heap: free/realloc of unknown pointer")
}

// Free releases a Ptr returned by Alloc.
func (h *Heap_t) Free(p Ptr) {
	h.Lock()
	defer h.Unlock()
	b, off := h.lookup(p)
	if b.class < 0 {
		order := util.Readn(b.buf, 4, 0)
		delete(h.owner, b.base)
		mem.Physmem.Free(b.base, order)
		return
	}
	b.release(off)
	if b.nfree == 1 {
		h.partial[b.class] = append(h.partial[b.class], b)
	}
	if b.empty() {
		h.dropPartial(b)
		delete(h.owner, b.base)
		mem.Physmem.Free(b.base, 0)
	}
	_ = off
}

// Realloc resizes the allocation at p to newsize bytes, preserving the
// lesser of the old and new sizes of content, and returns the (possibly
// new) pointer.
func (h *Heap_t) Realloc(p Ptr, newsize int) (Ptr, defs.Err_t) {
	h.Lock()
	b, off := h.lookup(p)
	var oldcap int
	if b.class < 0 {
		oldcap = len(b.buf) - largeHdrSize
	} else {
		oldcap = b.class
	}
	h.Unlock()
	np, err := h.Alloc(newsize)
	if err != 0 {
		return 0, err
	}
	n := util.Min(oldcap, newsize)
	src := h.Bytes(p, n)
	dst := h.Bytes(np, n)
	copy(dst, src)
	h.Free(p)
	_ = off
	return np, 0
}

// Bytes exposes n bytes of heap-backed memory starting at p, the way
// mem.Physmem.Dmap8 exposes frame-backed memory: callers treat the result
// as the allocation's storage, not a copy.
func (h *Heap_t) Bytes(p Ptr, n int) []uint8 {
	h.Lock()
	b, off := h.lookup(p)
	h.Unlock()
	return b.buf[off : off+n]
}
