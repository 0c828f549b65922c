package copyuser

import (
	"testing"

	"github.com/stretchr/testify/require"

	"defs"
	"mem"
)

// fakeSpace is a minimal Space backed by a single physical frame mapped
// at a fixed virtual address, with an optional hole that never resolves
// (to exercise EFAULT) and a fault-handler call counter.
type fakeSpace struct {
	va      int
	pa      mem.Pa_t
	mapped  bool
	faults  int
	resolve bool // what HandlePageFault should report
}

func (s *fakeSpace) Translate(vaddr int) (mem.Pa_t, bool) {
	if !s.mapped {
		return 0, false
	}
	base := s.va &^ (mem.PGSIZE - 1)
	if vaddr < base || vaddr >= base+mem.PGSIZE {
		return 0, false
	}
	return s.pa + mem.Pa_t(vaddr-base), true
}

func (s *fakeSpace) HandlePageFault(vaddr int, write bool) bool {
	s.faults++
	if s.resolve {
		s.mapped = true
	}
	return s.resolve
}

func setup(t *testing.T) {
	mem.Phys_init([]mem.Region{{Zone: mem.ZoneUser, Npages: 64}})
}

func newMappedSpace(t *testing.T, va int) *fakeSpace {
	pa, ok := mem.Physmem.Alloc(0, mem.ZoneUser)
	require.True(t, ok)
	return &fakeSpace{va: va, pa: pa, mapped: true}
}

func TestCopyToUserAndBack(t *testing.T) {
	setup(t)
	sp := newMappedSpace(t, mem.USERMIN)

	src := []uint8{1, 2, 3, 4, 5, 6, 7, 8}
	require.EqualValues(t, 0, CopyToUser(sp, mem.USERMIN, src))

	dst := make([]uint8, len(src))
	require.EqualValues(t, 0, CopyFromUser(sp, dst, mem.USERMIN))
	require.Equal(t, src, dst)
}

func TestCopyFaultsInUnmappedPage(t *testing.T) {
	setup(t)
	sp := &fakeSpace{va: mem.USERMIN, mapped: false, resolve: true}
	sp.pa, _ = mem.Physmem.Alloc(0, mem.ZoneUser)

	src := []uint8{9, 9, 9}
	require.EqualValues(t, 0, CopyToUser(sp, mem.USERMIN, src))
	require.Equal(t, 1, sp.faults)
}

func TestCopyReturnsEFAULTWhenFaultUnresolvable(t *testing.T) {
	setup(t)
	sp := &fakeSpace{va: mem.USERMIN, mapped: false, resolve: false}

	got := CopyToUser(sp, mem.USERMIN, []uint8{1})
	require.EqualValues(t, defs.EFAULT, got)
	require.Equal(t, 1, sp.faults)
}

func TestUserPtrLoadStore(t *testing.T) {
	setup(t)
	sp := newMappedSpace(t, mem.USERMIN)

	p, err := MkUserPtr[uint64](sp, mem.USERMIN)
	require.EqualValues(t, 0, err)

	require.EqualValues(t, 0, p.Store(uint64(0xdeadbeef)))
	v, err := p.Load()
	require.EqualValues(t, 0, err)
	require.EqualValues(t, 0xdeadbeef, v)
}

func TestUserPtrRejectsMisalignment(t *testing.T) {
	setup(t)
	sp := newMappedSpace(t, mem.USERMIN)

	_, err := MkUserPtr[uint64](sp, mem.USERMIN+1)
	require.EqualValues(t, defs.EINVAL, err)
}

func TestUserPtrRejectsKernelHalf(t *testing.T) {
	setup(t)
	sp := newMappedSpace(t, mem.USERMIN)

	_, err := MkUserPtr[uint64](sp, mem.CopyBuffer)
	require.EqualValues(t, defs.EFAULT, err)
}

func TestUserSliceRoundTrip(t *testing.T) {
	setup(t)
	sp := newMappedSpace(t, mem.USERMIN)

	s, err := MkUserSlice[uint32](sp, mem.USERMIN, 4)
	require.EqualValues(t, 0, err)
	require.Equal(t, 4, s.Len())

	in := []uint32{10, 20, 30, 40}
	require.EqualValues(t, 0, s.Write(in))

	out, err := s.Read()
	require.EqualValues(t, 0, err)
	require.Equal(t, in, out)
}

func TestUserSliceWriteTooManyPanics(t *testing.T) {
	setup(t)
	sp := newMappedSpace(t, mem.USERMIN)

	s, err := MkUserSlice[uint32](sp, mem.USERMIN, 2)
	require.EqualValues(t, 0, err)

	require.Panics(t, func() {
		s.Write([]uint32{1, 2, 3})
	})
}
