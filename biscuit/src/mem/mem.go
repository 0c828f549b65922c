// Package mem is the frame allocator (spec C1): a coalescing buddy scheme
// over up to three zones, with a refcounted single-page API layered on top
// for the rest of the kernel to consume.
package mem

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"oommsg"
	"util"
)

/// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

/// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

/// PGOFFSET masks offsets within a page.
const PGOFFSET Pa_t = 0xfff

/// PGMASK masks the page number of an address.
const PGMASK Pa_t = ^(PGOFFSET)

/// PTE_P marks a page as present.
const PTE_P Pa_t = 1 << 0

/// PTE_W marks a page writable.
const PTE_W Pa_t = 1 << 1

/// PTE_U marks a page user-accessible.
const PTE_U Pa_t = 1 << 2

/// PTE_G marks a global page.
const PTE_G Pa_t = 1 << 8

/// PTE_PCD disables caching for the page.
const PTE_PCD Pa_t = 1 << 4

/// PTE_PS indicates a large page.
const PTE_PS Pa_t = 1 << 7

/// PTE_ADDR extracts the address bits of a PTE.
const PTE_ADDR Pa_t = PGMASK

/// Pa_t represents a physical address.
type Pa_t uintptr

/// Bytepg_t is a byte addressed page.
type Bytepg_t [PGSIZE]uint8

/// Pg_t is a generic page of ints.
type Pg_t [512]int

/// Pmap_t is a page table page.
type Pmap_t [512]Pa_t

/// Unpin_i allows unpinning of physical pages.
type Unpin_i interface {
	Unpin(Pa_t)
}

/// Page_i abstracts physical page allocation.
type Page_i interface {
	Refpg_new() (*Pg_t, Pa_t, bool)
	Refpg_new_nozero() (*Pg_t, Pa_t, bool)
	Refcnt(Pa_t) int
	Dmap(Pa_t) *Pg_t
	Refup(Pa_t)
	Refdown(Pa_t) bool
}

/// Pg2bytes converts a page of ints to a page of bytes.
func Pg2bytes(pg *Pg_t) *Bytepg_t {
	return (*Bytepg_t)(unsafe.Pointer(pg))
}

/// Bytepg2pg converts a byte page back to a Pg_t.
func Bytepg2pg(pg *Bytepg_t) *Pg_t {
	return (*Pg_t)(unsafe.Pointer(pg))
}

// Region describes one usable physical-memory range as handed to the
// kernel by the Multiboot2 memory map (spec §6): a run of Npages pages of
// a given zone type.
type Region struct {
	Zone   ZoneType
	Npages uint32
}

/// Physpg_t is the refcount bookkeeping for one order-0 frame.
type Physpg_t struct {
	Refcnt  int32
	Cpumask uint64
}

// Physmem_t is the frame allocator: a fixed-size byte arena standing in for
// physical RAM (this module runs hosted, not on bare metal — see
// DESIGN.md), sliced into zones that each run an independent buddy scheme,
// plus a flat refcount table for order-0 pages handed out through Page_i.
type Physmem_t struct {
	ram      []byte
	zones    [nZones]*zone
	zoneBase [nZones]uint32 // global page number of zone's first frame
	pgs      []Physpg_t
	sync.Mutex
	Dmapinit bool
}

/// Physmem is the global physical memory allocator instance.
var Physmem = &Physmem_t{}

/// Zeropg is a global zero-filled page used for allocations.
var Zeropg = &Pg_t{}

// Phys_init initializes the global allocator from the regions the boot
// loader's memory map reports as available (spec §6). It is the hosted
// replacement for biscuit's runtime.Get_phys() loop: this module runs as a
// normal Go program, so "physical memory" is a byte slice the allocator
// itself owns rather than raw hardware pages.
func Phys_init(regions []Region) *Physmem_t {
	phys := Physmem
	var total uint32
	for _, r := range regions {
		total += r.Npages
	}
	phys.ram = make([]byte, int(total)*PGSIZE)
	phys.pgs = make([]Physpg_t, total)

	var next uint32
	for _, r := range regions {
		phys.zoneBase[r.Zone] = next
		phys.zones[r.Zone] = newZone(r.Zone, r.Npages)
		next += r.Npages
	}
	phys.Dmapinit = true
	fmt.Printf("mem: reserved %v pages (%vMB)\n", total, (int(total)*PGSIZE)>>20)
	return phys
}

// FreePages returns the number of free frames and the total frame count
// across every zone, for cmd/kstatsd's memory-pressure gauge.
func (phys *Physmem_t) FreePages() (free, total uint32) {
	for _, z := range phys.zones {
		if z == nil {
			continue
		}
		free += z.freeFrames()
		total += uint32(len(z.frames))
	}
	return free, total
}

func (phys *Physmem_t) zoneFor(gpn uint32) (ZoneType, uint32) {
	for z := ZoneDMA; z < nZones; z++ {
		if phys.zones[z] == nil {
			continue
		}
		base := phys.zoneBase[z]
		if gpn >= base && gpn < base+uint32(len(phys.zones[z].frames)) {
			return z, gpn - base
		}
	}
	panic("page number outside any zone")
}

func (phys *Physmem_t) gpn(zt ZoneType, local frameID) uint32 {
	return phys.zoneBase[zt] + uint32(local)
}

// allocOrder allocates 2^order contiguous pages, preferring the hinted
// zone and falling back through the others in DMA→user→kernel order. It
// posts to oommsg.OomCh when every zone is exhausted, so a daemon watching
// that channel can try to reclaim caches before the caller retries — the
// generic allocator itself never retries (spec §7).
func (phys *Physmem_t) allocOrder(order int, hint ZoneType) (uint32, bool) {
	try := func(zt ZoneType) (uint32, bool) {
		z := phys.zones[zt]
		if z == nil {
			return 0, false
		}
		if scanSem.TryAcquire(1) {
			defer scanSem.Release(1)
		}
		id, ok := z.alloc(order)
		if !ok {
			return 0, false
		}
		return phys.gpn(zt, id), true
	}
	if gpn, ok := try(hint); ok {
		return gpn, true
	}
	for zt := ZoneDMA; zt < nZones; zt++ {
		if zt == hint {
			continue
		}
		if gpn, ok := try(zt); ok {
			return gpn, true
		}
	}
	select {
	case oommsg.OomCh <- oommsg.Oommsg_t{Need: 1 << uint(order)}:
	default:
	}
	return 0, false
}

func (phys *Physmem_t) freeOrder(gpn uint32, order int) {
	zt, local := phys.zoneFor(gpn)
	phys.zones[zt].free_(frameID(local), order)
}

func _pg2pgn(p_pg Pa_t) uint32 {
	return uint32(p_pg >> PGSHIFT)
}

/// Refaddr returns the refcount pointer and index for the given page.
func (phys *Physmem_t) Refaddr(p_pg Pa_t) (*int32, uint32) {
	idx := _pg2pgn(p_pg)
	return &phys.pgs[idx].Refcnt, idx
}

/// Refcnt returns the current reference count of a page.
func (phys *Physmem_t) Refcnt(p_pg Pa_t) int {
	ref, _ := phys.Refaddr(p_pg)
	return int(atomic.LoadInt32(ref))
}

/// Refup increments the reference count of a page.
func (phys *Physmem_t) Refup(p_pg Pa_t) {
	ref, _ := phys.Refaddr(p_pg)
	c := atomic.AddInt32(ref, 1)
	if c <= 0 {
		panic("Refup: bad refcount")
	}
}

/// Refdown decrements the reference count of a page, freeing it at zero.
/// It returns true when the page was freed.
func (phys *Physmem_t) Refdown(p_pg Pa_t) bool {
	ref, idx := phys.Refaddr(p_pg)
	c := atomic.AddInt32(ref, -1)
	if c < 0 {
		panic("Refdown: bad refcount")
	}
	if c == 0 {
		phys.freeOrder(idx, 0)
		return true
	}
	return false
}

func (phys *Physmem_t) refpg(zero bool) (*Pg_t, Pa_t, bool) {
	if !phys.Dmapinit {
		panic("refpg_new: not initialized")
	}
	gpn, ok := phys.allocOrder(0, ZoneUser)
	if !ok {
		return nil, 0, false
	}
	p_pg := Pa_t(gpn) << PGSHIFT
	atomic.StoreInt32(&phys.pgs[gpn].Refcnt, 0)
	pg := phys.Dmap(p_pg)
	if zero {
		*pg = *Zeropg
	}
	return pg, p_pg, true
}

/// Refpg_new allocates a zeroed page and returns its mapping and address.
/// The returned page's refcount is not incremented.
func (phys *Physmem_t) Refpg_new() (*Pg_t, Pa_t, bool) {
	return phys.refpg(true)
}

/// Refpg_new_nozero allocates an uninitialised page.
func (phys *Physmem_t) Refpg_new_nozero() (*Pg_t, Pa_t, bool) {
	return phys.refpg(false)
}

/// Pmap_new allocates a new zeroed page-table page from the kernel zone.
func (phys *Physmem_t) Pmap_new() (*Pmap_t, Pa_t, bool) {
	gpn, ok := phys.allocOrder(0, ZoneKernel)
	if !ok {
		return nil, 0, false
	}
	p_pg := Pa_t(gpn) << PGSHIFT
	atomic.StoreInt32(&phys.pgs[gpn].Refcnt, 1)
	pg := phys.Dmap(p_pg)
	*pg = *Zeropg
	return (*Pmap_t)(unsafe.Pointer(pg)), p_pg, true
}

/// Dec_pmap decreases the reference count of a pmap and frees it if unused.
func (phys *Physmem_t) Dec_pmap(p_pmap Pa_t) {
	phys.Refdown(p_pmap)
}

/// Dmap converts a physical address into a kernel-accessible page pointer.
/// On real hardware this indexes a direct-mapped virtual window; hosted,
/// it indexes directly into the RAM arena this allocator owns.
func (phys *Physmem_t) Dmap(p Pa_t) *Pg_t {
	off := util.Rounddown(int(p), PGSIZE)
	if off < 0 || off+PGSIZE > len(phys.ram) {
		panic("Dmap: address out of range")
	}
	return (*Pg_t)(unsafe.Pointer(&phys.ram[off]))
}

/// Dmap_v2p converts a Dmap-returned pointer back to its physical address.
func (phys *Physmem_t) Dmap_v2p(v *Pg_t) Pa_t {
	base := uintptr(unsafe.Pointer(&phys.ram[0]))
	va := uintptr(unsafe.Pointer(v))
	if va < base || va >= base+uintptr(len(phys.ram)) {
		panic("Dmap_v2p: not a Dmap address")
	}
	return Pa_t(va - base)
}

/// Dmap8 returns a byte slice mapped to the given physical address.
func (phys *Physmem_t) Dmap8(p Pa_t) []uint8 {
	pg := phys.Dmap(p)
	off := p & PGOFFSET
	bpg := Pg2bytes(pg)
	return bpg[off:]
}

// Alloc allocates a run of 2^order contiguous pages from the zone hinted
// by zt, falling back to other zones. It is C1's raw contract
// (alloc(order, zone_hint) → frame_id | ENOMEM) exposed for callers, like
// the kernel heap (C2), that need more than one page at a time.
func (phys *Physmem_t) Alloc(order int, zt ZoneType) (Pa_t, bool) {
	gpn, ok := phys.allocOrder(order, zt)
	if !ok {
		return 0, false
	}
	return Pa_t(gpn) << PGSHIFT, true
}

// Free returns a run of 2^order pages allocated via Alloc.
func (phys *Physmem_t) Free(p Pa_t, order int) {
	phys.freeOrder(uint32(p>>PGSHIFT), order)
}
