package elf

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"mem"
	"memspace"
)

const testLoadBase = 0x400000

// buildImage assembles a minimal, valid ELF64 executable in memory: one
// header, one PT_LOAD program header covering code+a zero-filled bss
// tail, and a few real x86-64 instructions at the entry point so
// checkEntry's decode succeeds.
func buildImage(t *testing.T) []uint8 {
	t.Helper()

	code := []uint8{0x90, 0x90, 0xc3} // nop; nop; ret
	const codeOff = ehdrSize + phdrSize

	img := make([]uint8, codeOff+len(code))
	img[0], img[1], img[2], img[3] = magic0, magic1, magic2, magic3
	img[4] = class64
	img[5] = dataLSB
	binary.LittleEndian.PutUint16(img[16:18], EtExec)
	binary.LittleEndian.PutUint16(img[18:20], EmX86_64)
	binary.LittleEndian.PutUint64(img[24:32], uint64(codeOff)) // e_entry == vaddr of code
	binary.LittleEndian.PutUint64(img[32:40], ehdrSize)        // e_phoff
	binary.LittleEndian.PutUint16(img[54:56], phdrSize)        // e_phentsize
	binary.LittleEndian.PutUint16(img[56:58], 1)               // e_phnum

	phOff := ehdrSize
	binary.LittleEndian.PutUint32(img[phOff+0:], PtLoad)
	binary.LittleEndian.PutUint32(img[phOff+4:], PfR|PfX)
	binary.LittleEndian.PutUint64(img[phOff+8:], uint64(codeOff))  // p_offset
	binary.LittleEndian.PutUint64(img[phOff+16:], uint64(codeOff)) // p_vaddr
	binary.LittleEndian.PutUint64(img[phOff+32:], uint64(len(code)))     // p_filesz
	binary.LittleEndian.PutUint64(img[phOff+40:], uint64(len(code))+4096) // p_memsz, forces >1 page
	binary.LittleEndian.PutUint64(img[phOff+48:], uint64(mem.PGSIZE))     // p_align

	copy(img[codeOff:], code)
	return img
}

func TestParseRejectsBadMagic(t *testing.T) {
	b := buildImage(t)
	b[0] = 0
	_, err := Parse(b)
	require.NotEqual(t, 0, err)
}

func TestParseAcceptsValidImage(t *testing.T) {
	img, err := Parse(buildImage(t))
	require.EqualValues(t, 0, err)
	require.Len(t, img.Phdrs, 1)
	require.EqualValues(t, PtLoad, img.Phdrs[0].Type)
}

func TestLoadMapsSegmentAndEntryDecodes(t *testing.T) {
	img, err := Parse(buildImage(t))
	require.EqualValues(t, 0, err)

	sp, err := memspace.New(0x1000, 0x7ffffff00000)
	require.EqualValues(t, 0, err)

	res, err := Load(sp, img, testLoadBase)
	require.EqualValues(t, 0, err)
	require.Equal(t, testLoadBase+int(img.Hdr.Entry), res.Entry)
	require.Greater(t, res.LoadEnd, res.LoadBase)
}

func TestLoadRejectsEntryOutsideAnySegment(t *testing.T) {
	b := buildImage(t)
	// Point e_entry well past the one PT_LOAD segment's vaddr range, so
	// checkEntry can't find any segment bytes to decode.
	binary.LittleEndian.PutUint64(b[24:32], 0xdeadbeef)
	img, err := Parse(b)
	require.EqualValues(t, 0, err)

	sp, err := memspace.New(0x1000, 0x7ffffff00000)
	require.EqualValues(t, 0, err)

	_, err = Load(sp, img, testLoadBase)
	require.NotEqual(t, 0, err)
}

func TestBuildInitStackProducesAlignedPointer(t *testing.T) {
	sp, err := memspace.New(0x1000, 0x7ffffff00000)
	require.EqualValues(t, 0, err)

	top, err := NewUserStack(sp, 8*mem.PGSIZE, 0x7ffffff00000)
	require.EqualValues(t, 0, err)

	auxv := []AuxEntry{{AtPagesz, uint64(mem.PGSIZE)}}
	spv, err := BuildInitStack(sp, top, []string{"prog"}, []string{"HOME=/"}, auxv)
	require.EqualValues(t, 0, err)
	require.Zero(t, spv%16)
}
