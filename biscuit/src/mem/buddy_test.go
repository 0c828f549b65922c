package mem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// allocFreeRoundtrip is spec §8's universal invariant: allocate(k); free(k)
// returns the heap to its prior per-bucket state.
func TestAllocFreeRoundtrip(t *testing.T) {
	z := newZone(ZoneUser, 1<<10)
	before := make([]frameID, len(z.free))
	copy(before, z.free[:])

	id, ok := z.alloc(3)
	require.True(t, ok)
	z.free_(id, 3)

	require.Equal(t, before, z.free[:])
}

func TestAllocSplitsLargerBlock(t *testing.T) {
	z := newZone(ZoneUser, 8)
	id, ok := z.alloc(0)
	require.True(t, ok)
	require.EqualValues(t, 0, z.frames[id].order)
	require.True(t, z.frames[id].used)

	id2, ok := z.alloc(0)
	require.True(t, ok)
	require.NotEqual(t, id, id2)
}

func TestAllocExhaustion(t *testing.T) {
	z := newZone(ZoneUser, 2)
	_, ok := z.alloc(0)
	require.True(t, ok)
	_, ok = z.alloc(0)
	require.True(t, ok)
	_, ok = z.alloc(0)
	require.False(t, ok)
}

func TestCoalesceMergesBuddies(t *testing.T) {
	z := newZone(ZoneUser, 4)
	a, ok := z.alloc(0)
	require.True(t, ok)
	b, ok := z.alloc(0)
	require.True(t, ok)
	z.free_(a, 0)
	z.free_(b, 0)

	// the whole zone should have recoalesced into a single order-2 block
	id, ok := z.alloc(2)
	require.True(t, ok)
	require.EqualValues(t, 0, id)
}
