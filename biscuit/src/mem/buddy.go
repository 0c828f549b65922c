package mem

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// MaxOrder is the largest allocatable order: a single allocation can span
// up to 2^MaxOrder pages.
const MaxOrder = 17

// frameID indexes a frame within its zone's frame table.
type frameID uint32

// nilFrame marks the end of a free list, mirroring FRAME_STATE_USED's role
// as a sentinel in the original buddy allocator: a used frame's prev/next
// fields are meaningless, so the same bit pattern also terminates lists.
const nilFrame = ^frameID(0)

// ZoneType labels which of the (up to) three zones a frame belongs to.
type ZoneType uint8

const (
	ZoneDMA ZoneType = iota
	ZoneUser
	ZoneKernel
	nZones
)

type frame struct {
	order uint32
	used  bool
	prev  frameID
	next  frameID
}

// zone is a contiguous run of physical frames of one ZoneType, holding its
// own buddy free lists. Splitting and coalescing never cross a zone
// boundary: spec §3's "zones do not overlap" invariant falls out of that.
type zone struct {
	typ    ZoneType
	frames []frame
	free   [MaxOrder + 1]frameID
	mu     sync.Mutex
}

func newZone(typ ZoneType, npages uint32) *zone {
	z := &zone{typ: typ, frames: make([]frame, npages)}
	for i := range z.free {
		z.free[i] = nilFrame
	}
	z.fillFreeList()
	return z
}

// fillFreeList greedily covers the zone with the largest blocks possible,
// starting from MaxOrder and working down, exactly as the reference buddy
// allocator initializes a zone that isn't itself a power-of-two size.
func (z *zone) fillFreeList() {
	var id frameID
	n := frameID(len(z.frames))
	for order := MaxOrder; order >= 0; order-- {
		span := frameID(1) << uint(order)
		for id+span <= n {
			z.frames[id].order = uint32(order)
			z.link(id, order)
			id += span
		}
	}
}

func (z *zone) link(id frameID, order int) {
	head := z.free[order]
	z.frames[id].prev = nilFrame
	z.frames[id].next = head
	if head != nilFrame {
		z.frames[head].prev = id
	}
	z.free[order] = id
	z.frames[id].order = uint32(order)
	z.frames[id].used = false
}

func (z *zone) unlink(id frameID, order int) {
	f := &z.frames[id]
	if f.prev != nilFrame {
		z.frames[f.prev].next = f.next
	} else {
		z.free[order] = f.next
	}
	if f.next != nilFrame {
		z.frames[f.next].prev = f.prev
	}
}

// freeFrames walks every order's free list and returns the total count of
// free frames (not free-list entries — an order-k entry covers 2^k
// frames), for cmd/kstatsd's memory-pressure gauge.
func (z *zone) freeFrames() uint32 {
	z.mu.Lock()
	defer z.mu.Unlock()
	var n uint32
	for o := 0; o <= MaxOrder; o++ {
		for id := z.free[o]; id != nilFrame; id = z.frames[id].next {
			n += uint32(1) << uint(o)
		}
	}
	return n
}

// alloc returns the id of a newly-used run of 2^order frames, splitting a
// larger free block if no exact match exists.
func (z *zone) alloc(order int) (frameID, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()
	o := order
	for o <= MaxOrder && z.free[o] == nilFrame {
		o++
	}
	if o > MaxOrder {
		return 0, false
	}
	id := z.free[o]
	z.unlink(id, o)
	for o > order {
		o--
		buddy := id ^ (frameID(1) << uint(o))
		z.link(buddy, o)
	}
	z.frames[id].order = uint32(order)
	z.frames[id].used = true
	return id, true
}

// free returns a previously-allocated run to the zone, coalescing with its
// buddy at each level as long as the buddy is itself free and the same
// order — the classic buddy merge, walking toward MaxOrder.
func (z *zone) free_(id frameID, order int) {
	z.mu.Lock()
	defer z.mu.Unlock()
	for order < MaxOrder {
		buddy := id ^ (frameID(1) << uint(order))
		if int(buddy) >= len(z.frames) {
			break
		}
		bf := &z.frames[buddy]
		if bf.used || int(bf.order) != order {
			break
		}
		z.unlink(buddy, order)
		if buddy < id {
			id = buddy
		}
		order++
	}
	z.link(id, order)
}

// scanSem bounds the number of zones concurrently walking their slow-path
// free-list scan, so a storm of near-simultaneous ENOMEM misses across
// zones cannot pile up lock contention beyond what a handful of callers
// would produce alone.
var scanSem = semaphore.NewWeighted(4)
