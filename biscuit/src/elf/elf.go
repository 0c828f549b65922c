// Package elf loads an ELF64 executable image into a process address
// space (spec C9): header/program-header validation, PT_LOAD segment
// mapping through memspace, and initial stack + auxv construction per the
// System V x86-64 ABI. A PT_INTERP segment is only read for the
// interpreter's path (Image.Interp); this package does not load the
// interpreter itself.
//
// The teacher's own loader was not part of the retrieved pack, so the
// segment-mapping and auxiliary-vector algorithms here are adapted from
// maestro-os's ELF32 executor (`exec/elf.rs`), reinterpreted for the
// 64-bit address space memspace actually implements.
package elf

import (
	"encoding/binary"

	"golang.org/x/arch/x86/x86asm"

	"copyuser"
	"defs"
	"mem"
	"memspace"
)

const (
	magic0, magic1, magic2, magic3 = 0x7f, 'E', 'L', 'F'

	classNone = 0
	class32   = 1
	class64   = 2

	dataNone   = 0
	dataLSB    = 1
	dataMSB    = 2

	EtNone = 0
	EtRel  = 1
	EtExec = 2
	EtDyn  = 3
	EtCore = 4

	EmX86_64 = 62

	ehdrSize = 64
	phdrSize = 56
)

// Segment types (p_type).
const (
	PtNull    = 0
	PtLoad    = 1
	PtDynamic = 2
	PtInterp  = 3
	PtNote    = 4
	PtShlib   = 5
	PtPhdr    = 6
	PtTls     = 7
)

// Segment flags (p_flags).
const (
	PfX = 1 << 0
	PfW = 1 << 1
	PfR = 1 << 2
)

// Ehdr_t is the ELF64 file header (e_ident through e_shstrndx).
type Ehdr_t struct {
	Ident     [16]uint8
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

func decodeEhdr(b []uint8) (Ehdr_t, defs.Err_t) {
	var h Ehdr_t
	if len(b) < ehdrSize {
		return h, defs.ENOEXEC
	}
	copy(h.Ident[:], b[0:16])
	h.Type = binary.LittleEndian.Uint16(b[16:18])
	h.Machine = binary.LittleEndian.Uint16(b[18:20])
	h.Version = binary.LittleEndian.Uint32(b[20:24])
	h.Entry = binary.LittleEndian.Uint64(b[24:32])
	h.Phoff = binary.LittleEndian.Uint64(b[32:40])
	h.Shoff = binary.LittleEndian.Uint64(b[40:48])
	h.Flags = binary.LittleEndian.Uint32(b[48:52])
	h.Ehsize = binary.LittleEndian.Uint16(b[52:54])
	h.Phentsize = binary.LittleEndian.Uint16(b[54:56])
	h.Phnum = binary.LittleEndian.Uint16(b[56:58])
	h.Shentsize = binary.LittleEndian.Uint16(b[58:60])
	h.Shnum = binary.LittleEndian.Uint16(b[60:62])
	h.Shstrndx = binary.LittleEndian.Uint16(b[62:64])
	return h, 0
}

// valid checks the magic, class, endianness, and machine fields a
// trusted x86-64 ELF executable must have.
func (h *Ehdr_t) valid() defs.Err_t {
	if h.Ident[0] != magic0 || h.Ident[1] != magic1 || h.Ident[2] != magic2 || h.Ident[3] != magic3 {
		return defs.ENOEXEC
	}
	if h.Ident[4] != class64 {
		return defs.ENOEXEC
	}
	if h.Ident[5] != dataLSB {
		return defs.ENOEXEC
	}
	if h.Machine != EmX86_64 {
		return defs.ENOEXEC
	}
	if h.Type != EtExec && h.Type != EtDyn {
		return defs.ENOEXEC
	}
	return 0
}

// Phdr_t is one ELF64 program header entry.
type Phdr_t struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

func decodePhdr(b []uint8) Phdr_t {
	return Phdr_t{
		Type:   binary.LittleEndian.Uint32(b[0:4]),
		Flags:  binary.LittleEndian.Uint32(b[4:8]),
		Offset: binary.LittleEndian.Uint64(b[8:16]),
		Vaddr:  binary.LittleEndian.Uint64(b[16:24]),
		Paddr:  binary.LittleEndian.Uint64(b[24:32]),
		Filesz: binary.LittleEndian.Uint64(b[32:40]),
		Memsz:  binary.LittleEndian.Uint64(b[40:48]),
		Align:  binary.LittleEndian.Uint64(b[48:56]),
	}
}

// mapFlags translates a segment's p_flags into the PTE bits memspace.Map
// wants: user-accessible always, writable iff PF_W is set. PF_X carries
// no PTE bit on this architecture (there is no NX enforcement in
// memspace yet), so it is not consulted.
func mapFlags(pf uint32) mem.Pa_t {
	flags := mem.PTE_U
	if pf&PfW != 0 {
		flags |= mem.PTE_W
	}
	return flags
}

// Image is a parsed, validated ELF64 executable.
type Image struct {
	Hdr   Ehdr_t
	Phdrs []Phdr_t
	raw   []uint8
}

// Parse validates b as a loadable x86-64 ELF executable and reads its
// program header table.
func Parse(b []uint8) (*Image, defs.Err_t) {
	h, err := decodeEhdr(b)
	if err != 0 {
		return nil, err
	}
	if err := h.valid(); err != 0 {
		return nil, err
	}
	if h.Phentsize != phdrSize {
		return nil, defs.ENOEXEC
	}
	end := int(h.Phoff) + int(h.Phnum)*phdrSize
	if int(h.Phoff) < 0 || end > len(b) {
		return nil, defs.ENOEXEC
	}
	phdrs := make([]Phdr_t, h.Phnum)
	for i := range phdrs {
		off := int(h.Phoff) + i*phdrSize
		phdrs[i] = decodePhdr(b[off : off+phdrSize])
	}
	return &Image{Hdr: h, Phdrs: phdrs, raw: b}, 0
}

// Interp returns the requested dynamic linker path, if this image has a
// PT_INTERP segment, else "".
func (img *Image) Interp() string {
	for _, p := range img.Phdrs {
		if p.Type != PtInterp {
			continue
		}
		end := p.Offset + p.Filesz
		if end > uint64(len(img.raw)) || p.Filesz == 0 {
			continue
		}
		s := img.raw[p.Offset:end]
		if n := len(s); n > 0 && s[n-1] == 0 {
			s = s[:n-1]
		}
		return string(s)
	}
	return ""
}

// LoadResult carries what a caller (the exec syscall) needs to finish
// setting up the new process.
type LoadResult struct {
	Entry    int // entry point, including load base
	LoadBase int
	LoadEnd  int // one past the last mapped byte, the initial brk point
}

// checkEntry decodes one instruction at img's entry point to confirm it
// looks like real machine code rather than garbage or a data address,
// the same sanity check copyuser's routines are decoded for
// diagnostics, reused here to refuse an obviously-corrupt entry before
// ever transferring control to it.
func checkEntry(img *Image, loadBase int) defs.Err_t {
	fileOff := -1
	for _, p := range img.Phdrs {
		if p.Type != PtLoad {
			continue
		}
		if img.Hdr.Entry >= p.Vaddr && img.Hdr.Entry < p.Vaddr+p.Filesz {
			fileOff = int(p.Offset + (img.Hdr.Entry - p.Vaddr))
			break
		}
	}
	if fileOff < 0 || fileOff >= len(img.raw) {
		return defs.ENOEXEC
	}
	window := img.raw[fileOff:]
	if len(window) > 16 {
		window = window[:16]
	}
	if _, err := x86asm.Decode(window, 64); err != nil {
		return defs.ENOEXEC
	}
	return 0
}

// PatchEntry rewrites b's e_entry field to addr in place, after
// confirming b parses as a valid x86-64 ELF image. cmd/chentry uses this
// to retarget a freshly linked kernel image's entry point the same way
// the teacher's chentry tool patched a 32-bit entry field post-link.
func PatchEntry(b []uint8, addr uint64) defs.Err_t {
	if _, err := Parse(b); err != 0 {
		return err
	}
	binary.LittleEndian.PutUint64(b[24:32], addr)
	return 0
}

// Load maps every PT_LOAD segment of img into sp at loadBase (0 for a
// non-PIE ET_EXEC binary; a free region chosen by the caller for an
// ET_DYN binary or an interpreter), copying each segment's file bytes in
// and zero-filling the bss tail memspace.Alloc already gives a fresh
// page.
func Load(sp *memspace.MemSpace, img *Image, loadBase int) (LoadResult, defs.Err_t) {
	if err := checkEntry(img, loadBase); err != 0 {
		return LoadResult{}, err
	}
	loadEnd := loadBase
	for _, p := range img.Phdrs {
		if p.Type != PtLoad {
			continue
		}
		if p.Align != 0 && p.Align&(p.Align-1) != 0 {
			return LoadResult{}, defs.EINVAL
		}
		pageAlign := p.Align
		if pageAlign < uint64(mem.PGSIZE) {
			pageAlign = uint64(mem.PGSIZE)
		}
		pad := int(p.Vaddr) % int(pageAlign)
		begin := loadBase + int(p.Vaddr) - pad
		pages := (pad + int(p.Memsz) + mem.PGSIZE - 1) / mem.PGSIZE
		if pages == 0 {
			continue
		}

		if begin%mem.PGSIZE != 0 {
			return LoadResult{}, defs.EINVAL
		}
		addr, err := sp.Map(memspace.MapConstraint{Kind: memspace.ConstraintFixed, Addr: begin},
			pages, mapFlags(p.Flags), memspace.ResidentAnon, nil, false)
		if err != 0 {
			return LoadResult{}, err
		}
		if err := sp.Alloc(addr, pages*mem.PGSIZE); err != 0 {
			return LoadResult{}, err
		}

		n := int(p.Filesz)
		if n > 0 {
			segBegin := loadBase + int(p.Vaddr)
			fileEnd := int(p.Offset) + n
			if fileEnd > len(img.raw) {
				return LoadResult{}, defs.ENOEXEC
			}
			if err := copyuser.CopyToUser(sp, segBegin, img.raw[p.Offset:fileEnd]); err != 0 {
				return LoadResult{}, err
			}
		}

		if end := begin + pages*mem.PGSIZE; end > loadEnd {
			loadEnd = end
		}
	}

	return LoadResult{
		Entry:    loadBase + int(img.Hdr.Entry),
		LoadBase: loadBase,
		LoadEnd:  loadEnd,
	}, 0
}
