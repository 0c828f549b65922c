package elf

import (
	"encoding/binary"

	"copyuser"
	"defs"
	"mem"
	"memspace"
)

// Auxiliary vector entry types (System V ABI), the subset this loader
// populates.
const (
	AtNull  = 0
	AtPhdr  = 3
	AtPhent = 4
	AtPhnum = 5
	AtPagesz = 6
	AtBase  = 7
	AtEntry = 9
	AtUid   = 11
	AtEuid  = 12
	AtGid   = 13
	AtEgid  = 14
)

// AuxEntry is one (type, value) pair of the initial stack's auxiliary
// vector.
type AuxEntry struct {
	Type int64
	Val  uint64
}

// BuildAuxv assembles the auxiliary vector describing res to the
// userspace C runtime, matching the entries maestro-os's build_auxilary
// computes (spec C9).
func BuildAuxv(res LoadResult, phnum int, uid, euid, gid, egid uint32) []AuxEntry {
	return []AuxEntry{
		{AtPhdr, uint64(res.LoadBase) + uint64(phdrOffsetHint)},
		{AtPhent, phdrSize},
		{AtPhnum, uint64(phnum)},
		{AtPagesz, uint64(mem.PGSIZE)},
		{AtBase, uint64(res.LoadBase)},
		{AtEntry, uint64(res.Entry)},
		{AtUid, uint64(uid)},
		{AtEuid, uint64(euid)},
		{AtGid, uint64(gid)},
		{AtEgid, uint64(egid)},
	}
}

// phdrOffsetHint is the fixed offset from LoadBase that BuildAuxv always
// reports as AT_PHDR; BuildAuxv does not look for a PT_PHDR segment.
// Callers that need exact phdr table placement (an interpreter doing its own relocation) should
// override AtPhdr in the returned slice before use.
const phdrOffsetHint = 0

// BuildInitStack lays out argc/argv/envp/auxv and the backing string
// data at the top of sp's user stack per the System V x86-64 ABI, and
// returns the initial stack pointer (pointing at argc).
//
// stackTop must be 16-byte aligned (memspace stack mappings are
// page-aligned, which satisfies this).
func BuildInitStack(sp *memspace.MemSpace, stackTop int, argv, envp []string, auxv []AuxEntry) (int, defs.Err_t) {
	var strings []uint8
	argvOff := make([]int, len(argv))
	for i, s := range argv {
		argvOff[i] = len(strings)
		strings = append(strings, s...)
		strings = append(strings, 0)
	}
	envpOff := make([]int, len(envp))
	for i, s := range envp {
		envpOff[i] = len(strings)
		strings = append(strings, s...)
		strings = append(strings, 0)
	}

	headerWords := 1 + (len(argv) + 1) + (len(envp) + 1) + (len(auxv)+1)*2
	headerSize := headerWords * 8
	total := headerSize + len(strings)
	aligned := (total + 15) &^ 15
	base := stackTop - aligned
	if base%16 != 0 {
		return 0, defs.EINVAL
	}
	stringsBase := base + headerSize

	buf := make([]uint8, aligned)
	off := 0
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[off:off+8], v)
		off += 8
	}
	put(uint64(len(argv)))
	for _, o := range argvOff {
		put(uint64(stringsBase + o))
	}
	put(0)
	for _, o := range envpOff {
		put(uint64(stringsBase + o))
	}
	put(0)
	for _, a := range auxv {
		put(uint64(a.Type))
		put(a.Val)
	}
	put(AtNull)
	put(0)
	copy(buf[headerSize:], strings)

	if err := copyuser.CopyToUser(sp, base, buf); err != 0 {
		return 0, err
	}
	return base, 0
}

// NewUserStack maps a fresh, fully-populated anonymous stack of the
// given size (rounded up to a whole number of pages) ending at top, and
// returns that top address.
func NewUserStack(sp *memspace.MemSpace, size int, top int) (int, defs.Err_t) {
	pages := (size + mem.PGSIZE - 1) / mem.PGSIZE
	begin := top - pages*mem.PGSIZE
	addr, err := sp.Map(memspace.MapConstraint{Kind: memspace.ConstraintFixed, Addr: begin},
		pages, mem.PTE_U|mem.PTE_W, memspace.ResidentAnon, nil, false)
	if err != 0 {
		return 0, err
	}
	if err := sp.Alloc(addr, pages*mem.PGSIZE); err != 0 {
		return 0, err
	}
	return addr + pages*mem.PGSIZE, 0
}
