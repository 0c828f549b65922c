package memspace

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mem"
)

func setup(t *testing.T) {
	mem.Phys_init([]mem.Region{{Zone: mem.ZoneUser, Npages: 4096}, {Zone: mem.ZoneKernel, Npages: 256}})
}

func newSpace(t *testing.T) *MemSpace {
	ms, err := New(mem.USERMIN, mem.CopyBuffer)
	require.EqualValues(t, 0, err)
	return ms
}

func TestMapNoneThenAlloc(t *testing.T) {
	setup(t)
	ms := newSpace(t)
	defer ms.Destroy()

	addr, err := ms.Map(MapConstraint{Kind: ConstraintNone}, 2, mem.PTE_W|mem.PTE_U, ResidentAnon, nil, false)
	require.EqualValues(t, 0, err)
	require.GreaterOrEqual(t, addr, mem.USERMIN)

	require.EqualValues(t, 0, ms.Alloc(addr, 2*mem.PGSIZE))
	pa, ok := ms.Translate(addr)
	require.True(t, ok)
	require.NotZero(t, pa)
}

func TestMapFixedExactAddress(t *testing.T) {
	setup(t)
	ms := newSpace(t)
	defer ms.Destroy()

	addr, err := ms.Map(MapConstraint{Kind: ConstraintFixed, Addr: mem.USERMIN}, 1, mem.PTE_W|mem.PTE_U, ResidentAnon, nil, false)
	require.EqualValues(t, 0, err)
	require.Equal(t, mem.USERMIN, addr)
}

func TestDemandPagingIsLazy(t *testing.T) {
	setup(t)
	ms := newSpace(t)
	defer ms.Destroy()

	addr, err := ms.Map(MapConstraint{Kind: ConstraintNone}, 1, mem.PTE_W|mem.PTE_U, ResidentAnon, nil, false)
	require.EqualValues(t, 0, err)

	_, ok := ms.Translate(addr)
	require.False(t, ok, "a fresh mapping must not be eagerly populated")

	require.True(t, ms.HandlePageFault(addr, false))
	_, ok = ms.Translate(addr)
	require.True(t, ok)
}

func TestWriteFaultOnReadOnlyMappingFails(t *testing.T) {
	setup(t)
	ms := newSpace(t)
	defer ms.Destroy()

	addr, err := ms.Map(MapConstraint{Kind: ConstraintNone}, 1, mem.PTE_U, ResidentAnon, nil, false)
	require.EqualValues(t, 0, err)

	require.False(t, ms.HandlePageFault(addr, true))
}

func TestUnmapThenMapReusesGap(t *testing.T) {
	setup(t)
	ms := newSpace(t)
	defer ms.Destroy()

	addr, err := ms.Map(MapConstraint{Kind: ConstraintNone}, 4, mem.PTE_W|mem.PTE_U, ResidentAnon, nil, false)
	require.EqualValues(t, 0, err)
	require.EqualValues(t, 0, ms.Unmap(addr, 4, false))

	addr2, err := ms.Map(MapConstraint{Kind: ConstraintNone}, 4, mem.PTE_W|mem.PTE_U, ResidentAnon, nil, false)
	require.EqualValues(t, 0, err)
	require.Equal(t, addr, addr2)
}

func TestUnmapSplitsSurvivingMapping(t *testing.T) {
	setup(t)
	ms := newSpace(t)
	defer ms.Destroy()

	addr, err := ms.Map(MapConstraint{Kind: ConstraintFixed, Addr: mem.USERMIN}, 3, mem.PTE_W|mem.PTE_U, ResidentAnon, nil, false)
	require.EqualValues(t, 0, err)
	require.EqualValues(t, 0, ms.Alloc(addr, 3*mem.PGSIZE))

	// Unmap the middle page only.
	require.EqualValues(t, 0, ms.Unmap(addr+mem.PGSIZE, 1, false))

	_, ok := ms.Translate(addr)
	require.True(t, ok, "first page must survive the split")
	_, ok = ms.Translate(addr + 2*mem.PGSIZE)
	require.True(t, ok, "last page must survive the split")
	_, ok = ms.Translate(addr + mem.PGSIZE)
	require.False(t, ok, "middle page must be gone")
}

func TestForkSharesPagesCOW(t *testing.T) {
	setup(t)
	ms := newSpace(t)
	defer ms.Destroy()

	addr, err := ms.Map(MapConstraint{Kind: ConstraintNone}, 1, mem.PTE_W|mem.PTE_U, ResidentAnon, nil, false)
	require.EqualValues(t, 0, err)
	require.EqualValues(t, 0, ms.Alloc(addr, mem.PGSIZE))

	parentPA, ok := ms.Translate(addr)
	require.True(t, ok)

	child, err := ms.Fork()
	require.EqualValues(t, 0, err)
	defer child.Destroy()

	childPA, ok := child.Translate(addr)
	require.True(t, ok)
	require.Equal(t, parentPA, childPA, "fork must share the physical page until a write")

	require.EqualValues(t, 2, mem.Physmem.Refcnt(parentPA&mem.PGMASK))

	// The child writes: it must get its own copy, leaving the parent's
	// page (and its contents) untouched.
	require.True(t, child.HandlePageFault(addr, true))
	childPA2, ok := child.Translate(addr)
	require.True(t, ok)
	require.NotEqual(t, parentPA, childPA2)

	stillParentPA, ok := ms.Translate(addr)
	require.True(t, ok)
	require.Equal(t, parentPA, stillParentPA)
}

func TestCOWReclaimsInPlaceWhenSoleOwner(t *testing.T) {
	setup(t)
	ms := newSpace(t)
	defer ms.Destroy()

	addr, err := ms.Map(MapConstraint{Kind: ConstraintNone}, 1, mem.PTE_W|mem.PTE_U, ResidentAnon, nil, false)
	require.EqualValues(t, 0, err)
	require.EqualValues(t, 0, ms.Alloc(addr, mem.PGSIZE))

	parentPA, ok := ms.Translate(addr)
	require.True(t, ok)

	child, err := ms.Fork()
	require.EqualValues(t, 0, err)
	require.EqualValues(t, 2, mem.Physmem.Refcnt(parentPA&mem.PGMASK))

	// The child drops its reference without ever writing the shared
	// page, leaving the parent as the sole owner.
	child.Destroy()
	require.EqualValues(t, 1, mem.Physmem.Refcnt(parentPA&mem.PGMASK))

	// The parent's write fault must now reclaim the frame in place
	// rather than allocate and copy a fresh one.
	require.True(t, ms.HandlePageFault(addr, true))
	afterPA, ok := ms.Translate(addr)
	require.True(t, ok)
	require.Equal(t, parentPA, afterPA, "sole owner must reclaim its own frame, not copy to a new one")
}

func TestBrkGrowAndShrink(t *testing.T) {
	setup(t)
	ms := newSpace(t)
	defer ms.Destroy()

	ms.SetBrkInit(mem.USERMIN)
	require.Equal(t, mem.USERMIN, ms.GetBrk())

	target := mem.USERMIN + 2*mem.PGSIZE
	require.EqualValues(t, 0, ms.SetBrk(target))
	require.Equal(t, target, ms.GetBrk())
	require.EqualValues(t, 0, ms.Alloc(mem.USERMIN, 2*mem.PGSIZE))
	_, ok := ms.Translate(mem.USERMIN)
	require.True(t, ok)

	require.EqualValues(t, 0, ms.SetBrk(mem.USERMIN))
	require.Equal(t, mem.USERMIN, ms.GetBrk())
}
