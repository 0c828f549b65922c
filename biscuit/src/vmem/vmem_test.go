package vmem

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mem"
)

func setup(t *testing.T) {
	mem.Phys_init([]mem.Region{{Zone: mem.ZoneKernel, Npages: 4096}, {Zone: mem.ZoneUser, Npages: 4096}})
}

func TestTranslateAfterMap(t *testing.T) {
	setup(t)
	ctx, err := NewUserContext()
	require.EqualValues(t, 0, err)
	defer ctx.Destroy()

	frame, ok := mem.Physmem.Alloc(0, mem.ZoneUser)
	require.True(t, ok)

	va := mem.USERMIN
	tx := ctx.NewTransaction()
	require.EqualValues(t, 0, tx.Map(frame, va, mem.PTE_P|mem.PTE_W|mem.PTE_U))
	tx.Commit()

	pa, ok := ctx.Translate(va)
	require.True(t, ok)
	require.EqualValues(t, frame, pa)
	require.True(t, ctx.IsMapped(va))
}

// TestTransactionRollbackIsBitIdentical is spec §8's universal invariant:
// beginning a transaction, performing any sequence of map/unmap, and
// dropping it without committing yields a page-table tree bit-identical
// to the one before.
func TestTransactionRollbackIsBitIdentical(t *testing.T) {
	setup(t)
	ctx, err := NewUserContext()
	require.EqualValues(t, 0, err)
	defer ctx.Destroy()

	before := *ctx.root

	frame, ok := mem.Physmem.Alloc(0, mem.ZoneUser)
	require.True(t, ok)
	va := mem.USERMIN

	tx := ctx.NewTransaction()
	require.EqualValues(t, 0, tx.Map(frame, va, mem.PTE_P|mem.PTE_W|mem.PTE_U))
	require.EqualValues(t, 0, tx.Unmap(va+mem.PGSIZE)) // no-op unmap of unmapped page
	tx.Rollback()

	require.Equal(t, before, *ctx.root)
	require.False(t, ctx.IsMapped(va))
}

func TestCommitKeepsMapping(t *testing.T) {
	setup(t)
	ctx, err := NewUserContext()
	require.EqualValues(t, 0, err)
	defer ctx.Destroy()

	frame, ok := mem.Physmem.Alloc(0, mem.ZoneUser)
	require.True(t, ok)
	va := mem.USERMIN

	tx := ctx.NewTransaction()
	require.EqualValues(t, 0, tx.Map(frame, va, mem.PTE_P|mem.PTE_W|mem.PTE_U))
	tx.Commit()
	tx.Drop() // must be a no-op after commit

	require.True(t, ctx.IsMapped(va))
}

func TestUnmapRollbackRestoresMapping(t *testing.T) {
	setup(t)
	ctx, err := NewUserContext()
	require.EqualValues(t, 0, err)
	defer ctx.Destroy()

	frame, ok := mem.Physmem.Alloc(0, mem.ZoneUser)
	require.True(t, ok)
	va := mem.USERMIN

	tx := ctx.NewTransaction()
	require.EqualValues(t, 0, tx.Map(frame, va, mem.PTE_P|mem.PTE_W|mem.PTE_U))
	tx.Commit()

	tx2 := ctx.NewTransaction()
	require.EqualValues(t, 0, tx2.Unmap(va))
	require.False(t, ctx.IsMapped(va))
	tx2.Rollback()

	require.True(t, ctx.IsMapped(va))
	pa, _ := ctx.Translate(va)
	require.EqualValues(t, frame, pa)
}

func TestMapRejectsKernelHalfForUserContext(t *testing.T) {
	setup(t)
	ctx, err := NewUserContext()
	require.EqualValues(t, 0, err)
	defer ctx.Destroy()

	frame, ok := mem.Physmem.Alloc(0, mem.ZoneUser)
	require.True(t, ok)

	tx := ctx.NewTransaction()
	got := tx.Map(frame, mem.CopyBuffer, mem.PTE_P|mem.PTE_W)
	require.NotEqual(t, 0, got)
}

func TestKernelContextMayMapKernelHalf(t *testing.T) {
	setup(t)
	ctx, err := NewKernelContext()
	require.EqualValues(t, 0, err)
	defer ctx.Destroy()

	frame, ok := mem.Physmem.Alloc(0, mem.ZoneKernel)
	require.True(t, ok)

	tx := ctx.NewTransaction()
	require.EqualValues(t, 0, tx.Map(frame, mem.CopyBuffer, mem.PTE_P|mem.PTE_W))
	tx.Commit()
	require.True(t, ctx.IsMapped(mem.CopyBuffer))
}

func TestMapRangeAllOrNothing(t *testing.T) {
	setup(t)
	ctx, err := NewUserContext()
	require.EqualValues(t, 0, err)
	defer ctx.Destroy()

	frame, ok := mem.Physmem.Alloc(0, mem.ZoneUser)
	require.True(t, ok)
	va := mem.USERMIN

	tx := ctx.NewTransaction()
	require.EqualValues(t, 0, tx.MapRange(frame, va, 3, mem.PTE_P|mem.PTE_W|mem.PTE_U))
	tx.Commit()
	for i := 0; i < 3; i++ {
		require.True(t, ctx.IsMapped(va+i*mem.PGSIZE))
	}

	tx2 := ctx.NewTransaction()
	require.EqualValues(t, 0, tx2.UnmapRange(va, 3))
	tx2.Commit()
	for i := 0; i < 3; i++ {
		require.False(t, ctx.IsMapped(va+i*mem.PGSIZE))
	}
}
