package heap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mem"
)

func setup(t *testing.T) *Heap_t {
	mem.Phys_init([]mem.Region{{Zone: mem.ZoneKernel, Npages: 64}})
	return New()
}

func TestAllocWriteRead(t *testing.T) {
	h := setup(t)
	p, err := h.Alloc(40)
	require.EqualValues(t, 0, err)
	b := h.Bytes(p, 40)
	for i := range b {
		b[i] = uint8(i)
	}
	b2 := h.Bytes(p, 40)
	for i := range b2 {
		require.EqualValues(t, uint8(i), b2[i])
	}
	h.Free(p)
}

func TestAllocLarge(t *testing.T) {
	h := setup(t)
	p, err := h.Alloc(mem.PGSIZE)
	require.EqualValues(t, 0, err)
	h.Free(p)
}

func TestReallocPreservesContent(t *testing.T) {
	h := setup(t)
	p, err := h.Alloc(16)
	require.EqualValues(t, 0, err)
	b := h.Bytes(p, 16)
	copy(b, []byte("hello, world!!!!"))
	p2, err := h.Realloc(p, 64)
	require.EqualValues(t, 0, err)
	b2 := h.Bytes(p2, 16)
	require.Equal(t, []byte("hello, world!!!!"), b2)
	h.Free(p2)
}

func TestBlockReuseAfterFree(t *testing.T) {
	h := setup(t)
	var ptrs []Ptr
	for i := 0; i < 100; i++ {
		p, err := h.Alloc(32)
		require.EqualValues(t, 0, err)
		ptrs = append(ptrs, p)
	}
	for _, p := range ptrs {
		h.Free(p)
	}
	// the whole backing should have been returned to mem; re-allocating
	// should succeed without growing unboundedly.
	p, err := h.Alloc(32)
	require.EqualValues(t, 0, err)
	h.Free(p)
}
