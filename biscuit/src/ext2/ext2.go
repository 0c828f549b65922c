// Package ext2 implements the on-disk ext2 filesystem format (spec C7):
// superblock, block group descriptor table, inodes with direct and
// indirect block addressing, and linear directory entries. It plugs into
// vfs by implementing vfs.Node/vfs.DirOps, and into memspace by
// implementing memspace.PageSource for file-backed mappings, without
// importing either package's concrete types.
package ext2

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"defs"
	"mem"
	"ustr"
	"vfs"
)

// --- block device -----------------------------------------------------------

// BlockDevice is the raw byte-addressable storage ext2 is built on. A real
// kernel would back this with an AHCI/NVMe queue; the mkext2 and kstatsd
// tools back it with a plain file (the package tests use an in-memory
// device), the same simplification
// biscuit's own ufs.ahci_disk_t makes for its log-structured filesystem.
type BlockDevice interface {
	ReadAt(buf []uint8, off int64) error
	WriteAt(buf []uint8, off int64) error
}

// --- on-disk layout constants -----------------------------------------------

const (
	SuperblockOffset = 1024
	Signature        = 0xEF53

	sbSize = 236 // bytes of superblock this package understands

	groupDescSize = 32

	RootIno = 2

	DirectBlocks = 12

	symlinkInlineLimit = 60

	// featureIncompatSupported is the s_feature_incompat allow-list Open
	// accepts: only the directory-entry file-type bit. Any other bit,
	// compression and journal recovery/device included, is refused.
	featureIncompatSupported = 0x0002

	direntNameOff = 8
	direntAlign   = 4
)

// inode type bits, matching i_mode's top nibble.
const (
	imtFIFO    = 0x1000
	imtChrdev  = 0x2000
	imtDir     = 0x4000
	imtBlkdev  = 0x6000
	imtRegular = 0x8000
	imtSymlink = 0xA000
	imtSocket  = 0xC000
	imtMask    = 0xF000
)

// directory entry file-type byte.
const (
	dtUnknown = 0
	dtReg     = 1
	dtDir     = 2
	dtChrdev  = 3
	dtBlkdev  = 4
	dtFifo    = 5
	dtSocket  = 6
	dtSymlink = 7
)

// --- superblock --------------------------------------------------------------

// Superblock holds the fields of the ext2 superblock this package reads or
// writes; byte offsets follow the documented on-disk layout exactly so a
// disk produced here is readable by any other ext2 implementation.
type Superblock struct {
	InodesCount      uint32
	BlocksCount      uint32
	RBlocksCount     uint32
	FreeBlocksCount  uint32
	FreeInodesCount  uint32
	FirstDataBlock   uint32
	LogBlockSize     uint32
	LogFragSize      uint32
	BlocksPerGroup   uint32
	FragsPerGroup    uint32
	InodesPerGroup   uint32
	Mtime            uint32
	Wtime            uint32
	MntCount         uint16
	MaxMntCount      uint16
	Magic            uint16
	State            uint16
	Errors           uint16
	MinorRevLevel    uint16
	Lastcheck        uint32
	Checkinterval    uint32
	CreatorOS        uint32
	RevLevel         uint32
	DefResuid        uint16
	DefResgid        uint16
	FirstIno         uint32
	InodeSize        uint16
	BlockGroupNr     uint16
	FeatureCompat    uint32
	FeatureIncompat  uint32
	FeatureRoCompat  uint32
}

func (sb *Superblock) decode(b []uint8) {
	le := binary.LittleEndian
	sb.InodesCount = le.Uint32(b[0:])
	sb.BlocksCount = le.Uint32(b[4:])
	sb.RBlocksCount = le.Uint32(b[8:])
	sb.FreeBlocksCount = le.Uint32(b[12:])
	sb.FreeInodesCount = le.Uint32(b[16:])
	sb.FirstDataBlock = le.Uint32(b[20:])
	sb.LogBlockSize = le.Uint32(b[24:])
	sb.LogFragSize = le.Uint32(b[28:])
	sb.BlocksPerGroup = le.Uint32(b[32:])
	sb.FragsPerGroup = le.Uint32(b[36:])
	sb.InodesPerGroup = le.Uint32(b[40:])
	sb.Mtime = le.Uint32(b[44:])
	sb.Wtime = le.Uint32(b[48:])
	sb.MntCount = le.Uint16(b[52:])
	sb.MaxMntCount = le.Uint16(b[54:])
	sb.Magic = le.Uint16(b[56:])
	sb.State = le.Uint16(b[58:])
	sb.Errors = le.Uint16(b[60:])
	sb.MinorRevLevel = le.Uint16(b[62:])
	sb.Lastcheck = le.Uint32(b[64:])
	sb.Checkinterval = le.Uint32(b[68:])
	sb.CreatorOS = le.Uint32(b[72:])
	sb.RevLevel = le.Uint32(b[76:])
	sb.DefResuid = le.Uint16(b[80:])
	sb.DefResgid = le.Uint16(b[82:])
	sb.FirstIno = le.Uint32(b[84:])
	sb.InodeSize = le.Uint16(b[88:])
	sb.BlockGroupNr = le.Uint16(b[90:])
	sb.FeatureCompat = le.Uint32(b[92:])
	sb.FeatureIncompat = le.Uint32(b[96:])
	sb.FeatureRoCompat = le.Uint32(b[100:])
}

func (sb *Superblock) encode(b []uint8) {
	le := binary.LittleEndian
	le.PutUint32(b[0:], sb.InodesCount)
	le.PutUint32(b[4:], sb.BlocksCount)
	le.PutUint32(b[8:], sb.RBlocksCount)
	le.PutUint32(b[12:], sb.FreeBlocksCount)
	le.PutUint32(b[16:], sb.FreeInodesCount)
	le.PutUint32(b[20:], sb.FirstDataBlock)
	le.PutUint32(b[24:], sb.LogBlockSize)
	le.PutUint32(b[28:], sb.LogFragSize)
	le.PutUint32(b[32:], sb.BlocksPerGroup)
	le.PutUint32(b[36:], sb.FragsPerGroup)
	le.PutUint32(b[40:], sb.InodesPerGroup)
	le.PutUint32(b[44:], sb.Mtime)
	le.PutUint32(b[48:], sb.Wtime)
	le.PutUint16(b[52:], sb.MntCount)
	le.PutUint16(b[54:], sb.MaxMntCount)
	le.PutUint16(b[56:], sb.Magic)
	le.PutUint16(b[58:], sb.State)
	le.PutUint16(b[60:], sb.Errors)
	le.PutUint16(b[62:], sb.MinorRevLevel)
	le.PutUint32(b[64:], sb.Lastcheck)
	le.PutUint32(b[68:], sb.Checkinterval)
	le.PutUint32(b[72:], sb.CreatorOS)
	le.PutUint32(b[76:], sb.RevLevel)
	le.PutUint16(b[80:], sb.DefResuid)
	le.PutUint16(b[82:], sb.DefResgid)
	le.PutUint32(b[84:], sb.FirstIno)
	le.PutUint16(b[88:], sb.InodeSize)
	le.PutUint16(b[90:], sb.BlockGroupNr)
	le.PutUint32(b[92:], sb.FeatureCompat)
	le.PutUint32(b[96:], sb.FeatureIncompat)
	le.PutUint32(b[100:], sb.FeatureRoCompat)
}

func (sb *Superblock) blockSize() uint32 { return 1024 << sb.LogBlockSize }

func (sb *Superblock) groupCount() uint32 {
	return (sb.BlocksCount + sb.BlocksPerGroup - 1) / sb.BlocksPerGroup
}

func (sb *Superblock) inodeSize() uint32 {
	if sb.RevLevel >= 1 {
		return uint32(sb.InodeSize)
	}
	return 128
}

// --- block group descriptor --------------------------------------------------

// GroupDesc is one entry of the block group descriptor table.
type GroupDesc struct {
	BlockBitmap     uint32
	InodeBitmap     uint32
	InodeTable      uint32
	FreeBlocksCount uint16
	FreeInodesCount uint16
	UsedDirsCount   uint16
	dirty           bool
}

func (g *GroupDesc) decode(b []uint8) {
	le := binary.LittleEndian
	g.BlockBitmap = le.Uint32(b[0:])
	g.InodeBitmap = le.Uint32(b[4:])
	g.InodeTable = le.Uint32(b[8:])
	g.FreeBlocksCount = le.Uint16(b[12:])
	g.FreeInodesCount = le.Uint16(b[14:])
	g.UsedDirsCount = le.Uint16(b[16:])
}

func (g *GroupDesc) encode(b []uint8) {
	le := binary.LittleEndian
	le.PutUint32(b[0:], g.BlockBitmap)
	le.PutUint32(b[4:], g.InodeBitmap)
	le.PutUint32(b[8:], g.InodeTable)
	le.PutUint16(b[12:], g.FreeBlocksCount)
	le.PutUint16(b[14:], g.FreeInodesCount)
	le.PutUint16(b[16:], g.UsedDirsCount)
}

// --- inode ---------------------------------------------------------------

// Inode is the fixed 128-byte on-disk inode record.
type Inode struct {
	Mode        uint16
	Uid         uint16
	Size        uint32
	Atime       uint32
	Ctime       uint32
	Mtime       uint32
	Dtime       uint32
	Gid         uint16
	LinksCount  uint16
	Blocks      uint32
	Flags       uint32
	Block       [15]uint32
	Generation  uint32
	FileACL     uint32
	SizeHigh    uint32
	FragAddr    uint32
}

func (in *Inode) decode(b []uint8) {
	le := binary.LittleEndian
	in.Mode = le.Uint16(b[0:])
	in.Uid = le.Uint16(b[2:])
	in.Size = le.Uint32(b[4:])
	in.Atime = le.Uint32(b[8:])
	in.Ctime = le.Uint32(b[12:])
	in.Mtime = le.Uint32(b[16:])
	in.Dtime = le.Uint32(b[20:])
	in.Gid = le.Uint16(b[24:])
	in.LinksCount = le.Uint16(b[26:])
	in.Blocks = le.Uint32(b[28:])
	in.Flags = le.Uint32(b[32:])
	for i := 0; i < 15; i++ {
		in.Block[i] = le.Uint32(b[40+4*i:])
	}
	in.Generation = le.Uint32(b[100:])
	in.FileACL = le.Uint32(b[104:])
	in.SizeHigh = le.Uint32(b[108:])
	in.FragAddr = le.Uint32(b[112:])
}

func (in *Inode) encode(b []uint8) {
	le := binary.LittleEndian
	le.PutUint16(b[0:], in.Mode)
	le.PutUint16(b[2:], in.Uid)
	le.PutUint32(b[4:], in.Size)
	le.PutUint32(b[8:], in.Atime)
	le.PutUint32(b[12:], in.Ctime)
	le.PutUint32(b[16:], in.Mtime)
	le.PutUint32(b[20:], in.Dtime)
	le.PutUint16(b[24:], in.Gid)
	le.PutUint16(b[26:], in.LinksCount)
	le.PutUint32(b[28:], in.Blocks)
	le.PutUint32(b[32:], in.Flags)
	for i := 0; i < 15; i++ {
		le.PutUint32(b[40+4*i:], in.Block[i])
	}
	le.PutUint32(b[100:], in.Generation)
	le.PutUint32(b[104:], in.FileACL)
	le.PutUint32(b[108:], in.SizeHigh)
	le.PutUint32(b[112:], in.FragAddr)
}

func (in *Inode) kind() uint16 { return in.Mode & imtMask }

func (in *Inode) size64() uint64 {
	return uint64(in.SizeHigh)<<32 | uint64(in.Size)
}

func (in *Inode) setSize(sz uint64) {
	in.Size = uint32(sz)
	in.SizeHigh = uint32(sz >> 32)
}

// --- filesystem instance ------------------------------------------------

// Fs_t is one mounted ext2 instance: the superblock, the full group
// descriptor table kept resident, and the device underneath.
type Fs_t struct {
	sync.Mutex

	dev    BlockDevice
	sb     Superblock
	groups []GroupDesc
	sbDirty bool

	fsid uint64
}

// Open reads and validates the superblock and group descriptor table from
// dev, returning a ready-to-use filesystem instance.
func Open(dev BlockDevice, fsid uint64) (*Fs_t, defs.Err_t) {
	buf := make([]uint8, sbSize)
	if err := dev.ReadAt(buf, SuperblockOffset); err != nil {
		return nil, defs.EIO
	}
	fs := &Fs_t{dev: dev, fsid: fsid}
	fs.sb.decode(buf)
	if fs.sb.Magic != Signature {
		return nil, defs.EINVAL
	}
	if fs.sb.FeatureIncompat&^featureIncompatSupported != 0 {
		return nil, defs.EINVAL
	}

	gdtOff := int64(SuperblockOffset/fs.sb.blockSize()+1) * int64(fs.sb.blockSize())
	n := fs.sb.groupCount()
	fs.groups = make([]GroupDesc, n)
	gbuf := make([]uint8, groupDescSize*n)
	if err := dev.ReadAt(gbuf, gdtOff); err != nil {
		return nil, defs.EIO
	}
	for i := uint32(0); i < n; i++ {
		fs.groups[i].decode(gbuf[i*groupDescSize:])
	}
	return fs, 0
}

// Format writes a fresh ext2 filesystem of totalBlocks blocks (each 1024
// bytes) to dev, with a single root directory inode, and returns it opened.
func Format(dev BlockDevice, totalBlocks uint32, fsid uint64) (*Fs_t, defs.Err_t) {
	const blockSize = 1024
	const inodesPerGroup = 1024
	const blocksPerGroup = 8192

	fs := &Fs_t{dev: dev, fsid: fsid}
	fs.sb = Superblock{
		InodesCount:     inodesPerGroup,
		BlocksCount:     totalBlocks,
		FirstDataBlock:  1,
		LogBlockSize:    0,
		BlocksPerGroup:  blocksPerGroup,
		FragsPerGroup:   blocksPerGroup,
		InodesPerGroup:  inodesPerGroup,
		Magic:           Signature,
		State:           1,
		RevLevel:        1,
		FirstIno:        11,
		InodeSize:       128,
	}
	n := fs.sb.groupCount()
	if n == 0 {
		n = 1
	}
	fs.groups = make([]GroupDesc, n)

	// Layout within the single group: [boot(1) | superblock+gdt | block
	// bitmap | inode bitmap | inode table | data...]. Simple and adequate
	// for a hosted test device; a multi-group on-disk layout with backup
	// superblocks is out of scope.
	gdtBlocks := (n*groupDescSize + blockSize - 1) / blockSize
	cur := uint32(2) + gdtBlocks
	inodeTableBlocks := (inodesPerGroup*128 + blockSize - 1) / blockSize
	for i := uint32(0); i < n; i++ {
		fs.groups[i].BlockBitmap = cur
		cur++
		fs.groups[i].InodeBitmap = cur
		cur++
		fs.groups[i].InodeTable = cur
		cur += inodeTableBlocks
		fs.groups[i].FreeBlocksCount = uint16(blocksPerGroup)
		fs.groups[i].FreeInodesCount = uint16(inodesPerGroup)
	}
	fs.sb.FreeBlocksCount = totalBlocks - cur
	fs.sb.FreeInodesCount = inodesPerGroup - 1

	if err := fs.zeroBlocks(0, cur); err != 0 {
		return nil, err
	}
	// Mark the metadata blocks [FirstDataBlock, cur) used so allocBlock
	// only hands out blocks of the data region.
	for b := fs.sb.FirstDataBlock; b < cur; b++ {
		if _, err := fs.setBitmap(fs.groups[0].BlockBitmap, b-fs.sb.FirstDataBlock, true); err != 0 {
			return nil, err
		}
	}
	fs.groups[0].FreeBlocksCount -= uint16(cur - fs.sb.FirstDataBlock)
	if err := fs.writeAll(); err != 0 {
		return nil, err
	}

	root := &Inode{Mode: imtDir | 0755, LinksCount: 2}
	if err := fs.allocInode(RootIno, true); err != 0 {
		return nil, err
	}
	if err := fs.writeInode(RootIno, root); err != 0 {
		return nil, err
	}
	root, err := fs.readInode(RootIno)
	if err != 0 {
		return nil, err
	}
	if err := fs.addDirent(root, RootIno, ustr.Ustr("."), dtDir); err != 0 {
		return nil, err
	}
	if err := fs.addDirent(root, RootIno, ustr.Ustr(".."), dtDir); err != 0 {
		return nil, err
	}
	if err := fs.writeInode(RootIno, root); err != 0 {
		return nil, err
	}
	return fs, 0
}

func (fs *Fs_t) zeroBlocks(start, count uint32) defs.Err_t {
	blk := make([]uint8, fs.sb.blockSize())
	for i := start; i < start+count; i++ {
		if err := fs.writeBlock(i, blk); err != 0 {
			return err
		}
	}
	return 0
}

// Sync writes the superblock and every group descriptor (dirty or not) to
// the device concurrently, one golang.org/x/sync/errgroup goroutine per
// write.
func (fs *Fs_t) Sync() defs.Err_t {
	fs.Lock()
	defer fs.Unlock()
	return fs.writeAll()
}

// Stats_t is a read-only snapshot of the mounted filesystem's block/inode
// accounting, for cmd/kstatsd to render as Prometheus gauges.
type Stats_t struct {
	BlocksTotal uint32
	BlocksFree  uint32
	InodesTotal uint32
	InodesFree  uint32
	Groups      int
}

// Stats returns the current superblock accounting.
func (fs *Fs_t) Stats() Stats_t {
	fs.Lock()
	defer fs.Unlock()
	return Stats_t{
		BlocksTotal: fs.sb.BlocksCount,
		BlocksFree:  fs.sb.FreeBlocksCount,
		InodesTotal: fs.sb.InodesCount,
		InodesFree:  fs.sb.FreeInodesCount,
		Groups:      len(fs.groups),
	}
}

func (fs *Fs_t) writeAll() defs.Err_t {
	var g errgroup.Group
	g.Go(func() error {
		b := make([]uint8, sbSize)
		fs.sb.encode(b)
		if err := fs.dev.WriteAt(b, SuperblockOffset); err != nil {
			return err
		}
		return nil
	})
	gdtOff := int64(SuperblockOffset/fs.sb.blockSize()+1) * int64(fs.sb.blockSize())
	for i := range fs.groups {
		i := i
		g.Go(func() error {
			b := make([]uint8, groupDescSize)
			fs.groups[i].encode(b)
			return fs.dev.WriteAt(b, gdtOff+int64(i*groupDescSize))
		})
	}
	if err := g.Wait(); err != nil {
		return defs.EIO
	}
	return 0
}

// --- raw block I/O -----------------------------------------------------------

func (fs *Fs_t) readBlock(n uint32) ([]uint8, defs.Err_t) {
	if n == 0 || n >= fs.sb.BlocksCount {
		fmt.Printf("ext2: WARNING corrupt block reference %v (blocks_count=%v)\n", n, fs.sb.BlocksCount)
		return nil, defs.EUCLEAN
	}
	buf := make([]uint8, fs.sb.blockSize())
	if err := fs.dev.ReadAt(buf, int64(n)*int64(fs.sb.blockSize())); err != nil {
		return nil, defs.EIO
	}
	return buf, 0
}

func (fs *Fs_t) writeBlock(n uint32, buf []uint8) defs.Err_t {
	if n >= fs.sb.BlocksCount {
		fmt.Printf("ext2: WARNING corrupt block reference %v (blocks_count=%v)\n", n, fs.sb.BlocksCount)
		return defs.EUCLEAN
	}
	if err := fs.dev.WriteAt(buf, int64(n)*int64(fs.sb.blockSize())); err != nil {
		return defs.EIO
	}
	return 0
}

// --- bitmap allocation --------------------------------------------------

func (fs *Fs_t) searchBitmap(start uint32, limit uint32) (uint32, defs.Err_t) {
	blkSize := fs.sb.blockSize()
	bitsPerBlk := blkSize * 8
	for i := uint32(0); i*bitsPerBlk < limit; i++ {
		buf, err := fs.readBlock(start + i)
		if err != 0 {
			return 0, err
		}
		for byteIdx, b := range buf {
			if b == 0xff {
				continue
			}
			for bit := 0; bit < 8; bit++ {
				if b&(1<<uint(bit)) == 0 {
					return i*bitsPerBlk + uint32(byteIdx)*8 + uint32(bit), 0
				}
			}
		}
	}
	return 0, defs.ENOSPC
}

func (fs *Fs_t) setBitmap(start, idx uint32, val bool) (bool, defs.Err_t) {
	blkSize := fs.sb.blockSize()
	bitsPerBlk := blkSize * 8
	blkIdx := start + idx/bitsPerBlk
	buf, err := fs.readBlock(blkIdx)
	if err != 0 {
		return false, err
	}
	byteIdx := (idx % bitsPerBlk) / 8
	bitIdx := (idx % bitsPerBlk) % 8
	prev := buf[byteIdx]&(1<<bitIdx) != 0
	if val {
		buf[byteIdx] |= 1 << bitIdx
	} else {
		buf[byteIdx] &^= 1 << bitIdx
	}
	if err := fs.writeBlock(blkIdx, buf); err != 0 {
		return false, err
	}
	return prev, 0
}

// allocBlock returns a free data block number, marking it used.
func (fs *Fs_t) allocBlock() (uint32, defs.Err_t) {
	for gi := range fs.groups {
		g := &fs.groups[gi]
		if g.FreeBlocksCount == 0 {
			continue
		}
		j, err := fs.searchBitmap(g.BlockBitmap, fs.sb.BlocksPerGroup)
		if err == defs.ENOSPC {
			continue
		}
		if err != 0 {
			return 0, err
		}
		blk := uint32(gi)*fs.sb.BlocksPerGroup + j + fs.sb.FirstDataBlock
		if _, err := fs.setBitmap(g.BlockBitmap, j, true); err != 0 {
			return 0, err
		}
		g.FreeBlocksCount--
		fs.sb.FreeBlocksCount--
		return blk, 0
	}
	return 0, defs.ENOSPC
}

func (fs *Fs_t) freeBlock(blk uint32) defs.Err_t {
	if blk == 0 {
		return 0
	}
	gi := (blk - fs.sb.FirstDataBlock) / fs.sb.BlocksPerGroup
	if int(gi) >= len(fs.groups) {
		fmt.Printf("ext2: WARNING corrupt block reference %v (group %v, groups=%v)\n", blk, gi, len(fs.groups))
		return defs.EUCLEAN
	}
	g := &fs.groups[gi]
	idx := (blk - fs.sb.FirstDataBlock) % fs.sb.BlocksPerGroup
	prev, err := fs.setBitmap(g.BlockBitmap, idx, false)
	if err != 0 {
		return err
	}
	if prev {
		g.FreeBlocksCount++
		fs.sb.FreeBlocksCount++
	}
	return 0
}

func (fs *Fs_t) allocInode(hint uint32, directory bool) defs.Err_t {
	gi := (hint - 1) / fs.sb.InodesPerGroup
	idx := (hint - 1) % fs.sb.InodesPerGroup
	g := &fs.groups[gi]
	prev, err := fs.setBitmap(g.InodeBitmap, idx, true)
	if err != 0 {
		return err
	}
	if !prev {
		g.FreeInodesCount--
		fs.sb.FreeInodesCount--
		if directory {
			g.UsedDirsCount++
		}
	}
	return 0
}

// allocFreeInode picks and marks used the lowest-numbered free inode.
func (fs *Fs_t) allocFreeInode(directory bool) (uint32, defs.Err_t) {
	for gi := range fs.groups {
		g := &fs.groups[gi]
		if g.FreeInodesCount == 0 {
			continue
		}
		j, err := fs.searchBitmap(g.InodeBitmap, fs.sb.InodesPerGroup)
		if err == defs.ENOSPC {
			continue
		}
		if err != 0 {
			return 0, err
		}
		ino := uint32(gi)*fs.sb.InodesPerGroup + j + 1
		if err := fs.allocInode(ino, directory); err != 0 {
			return 0, err
		}
		return ino, 0
	}
	return 0, defs.ENOSPC
}

func (fs *Fs_t) freeInode(ino uint32, directory bool) defs.Err_t {
	if ino == 0 {
		return 0
	}
	gi := (ino - 1) / fs.sb.InodesPerGroup
	idx := (ino - 1) % fs.sb.InodesPerGroup
	g := &fs.groups[gi]
	prev, err := fs.setBitmap(g.InodeBitmap, idx, false)
	if err != 0 {
		return err
	}
	if prev {
		g.FreeInodesCount++
		fs.sb.FreeInodesCount++
		if directory {
			g.UsedDirsCount--
		}
	}
	return 0
}

// --- inode table I/O ----------------------------------------------------

func (fs *Fs_t) readInode(ino uint32) (*Inode, defs.Err_t) {
	if ino == 0 {
		return nil, defs.EINVAL
	}
	i := ino - 1
	gi := i / fs.sb.InodesPerGroup
	if int(gi) >= len(fs.groups) {
		return nil, defs.EINVAL
	}
	g := &fs.groups[gi]
	localIdx := i % fs.sb.InodesPerGroup
	inodeSize := fs.sb.inodeSize()
	blkSize := fs.sb.blockSize()
	blkOff := g.InodeTable + (localIdx*inodeSize)/blkSize
	buf, err := fs.readBlock(blkOff)
	if err != 0 {
		return nil, err
	}
	inOff := (localIdx * inodeSize) % blkSize
	in := &Inode{}
	in.decode(buf[inOff:])
	return in, 0
}

func (fs *Fs_t) writeInode(ino uint32, in *Inode) defs.Err_t {
	i := ino - 1
	gi := i / fs.sb.InodesPerGroup
	g := &fs.groups[gi]
	localIdx := i % fs.sb.InodesPerGroup
	inodeSize := fs.sb.inodeSize()
	blkSize := fs.sb.blockSize()
	blkOff := g.InodeTable + (localIdx*inodeSize)/blkSize
	buf, err := fs.readBlock(blkOff)
	if err != 0 {
		return err
	}
	inOff := (localIdx * inodeSize) % blkSize
	in.encode(buf[inOff:])
	return fs.writeBlock(blkOff, buf)
}

// --- block indirection ----------------------------------------------------

// indirectionOffsets computes which of the inode's 15 block-pointer slots
// (and, beyond the direct 12, which nested indirect-block slots) address
// the off'th logical block of a file, mirroring the classic 12-direct plus
// single/double/triple-indirect ext2 addressing scheme.
func indirectionOffsets(off uint32, entriesPerBlock uint32) ([4]uint32, int) {
	var o [4]uint32
	if off < DirectBlocks {
		o[0] = off
		return o, 1
	}
	off -= DirectBlocks
	if off < entriesPerBlock {
		o[0] = DirectBlocks
		o[1] = off
		return o, 2
	}
	off -= entriesPerBlock
	if off < entriesPerBlock*entriesPerBlock {
		o[0] = DirectBlocks + 1
		o[1] = off / entriesPerBlock
		o[2] = off % entriesPerBlock
		return o, 3
	}
	off -= entriesPerBlock * entriesPerBlock
	o[0] = DirectBlocks + 2
	o[1] = off / (entriesPerBlock * entriesPerBlock)
	o[2] = (off / entriesPerBlock) % entriesPerBlock
	o[3] = off % entriesPerBlock
	return o, 4
}

func (fs *Fs_t) entriesPerBlock() uint32 { return fs.sb.blockSize() / 4 }

// blockForOffset resolves in's off'th logical block to a disk block
// number, allocating intermediate indirect blocks and the target itself
// when alloc is set.
func (fs *Fs_t) blockForOffset(in *Inode, off uint32, alloc bool) (uint32, defs.Err_t) {
	offs, depth := indirectionOffsets(off, fs.entriesPerBlock())
	slot := &in.Block[offs[0]]
	if *slot == 0 {
		if !alloc {
			return 0, 0
		}
		nb, err := fs.allocBlock()
		if err != 0 {
			return 0, err
		}
		*slot = nb
	}
	cur := *slot
	for d := 1; d < depth; d++ {
		buf, err := fs.readBlock(cur)
		if err != 0 {
			return 0, err
		}
		entOff := offs[d] * 4
		next := binary.LittleEndian.Uint32(buf[entOff:])
		if next == 0 {
			if !alloc {
				return 0, 0
			}
			nb, err := fs.allocBlock()
			if err != 0 {
				return 0, err
			}
			zero := make([]uint8, fs.sb.blockSize())
			if err := fs.writeBlock(nb, zero); err != 0 {
				return 0, err
			}
			binary.LittleEndian.PutUint32(buf[entOff:], nb)
			if err := fs.writeBlock(cur, buf); err != 0 {
				return 0, err
			}
			next = nb
		}
		cur = next
	}
	return cur, 0
}

// --- content read/write/truncate ------------------------------------------

func (fs *Fs_t) readContent(in *Inode, off uint64, buf []uint8) (int, defs.Err_t) {
	size := in.size64()
	if off > size {
		return 0, defs.EINVAL
	}
	blkSize := uint64(fs.sb.blockSize())
	max := len(buf)
	if rem := size - off; uint64(max) > rem {
		max = int(rem)
	}
	cur := 0
	for cur < max {
		fileBlk := (off + uint64(cur)) / blkSize
		innerOff := (off + uint64(cur)) % blkSize
		n := max - cur
		if uint64(n) > blkSize-innerOff {
			n = int(blkSize - innerOff)
		}
		blkNum, err := fs.blockForOffset(in, uint32(fileBlk), false)
		if err != 0 {
			return cur, err
		}
		if blkNum == 0 {
			for i := 0; i < n; i++ {
				buf[cur+i] = 0
			}
		} else {
			data, err := fs.readBlock(blkNum)
			if err != 0 {
				return cur, err
			}
			copy(buf[cur:cur+n], data[innerOff:innerOff+uint64(n)])
		}
		cur += n
	}
	return cur, 0
}

func (fs *Fs_t) writeContent(in *Inode, off uint64, buf []uint8) defs.Err_t {
	blkSize := uint64(fs.sb.blockSize())
	cur := 0
	for cur < len(buf) {
		fileBlk := (off + uint64(cur)) / blkSize
		innerOff := (off + uint64(cur)) % blkSize
		n := len(buf) - cur
		if uint64(n) > blkSize-innerOff {
			n = int(blkSize - innerOff)
		}
		blkNum, err := fs.blockForOffset(in, uint32(fileBlk), true)
		if err != 0 {
			return err
		}
		data, err := fs.readBlock(blkNum)
		if err != 0 {
			return err
		}
		copy(data[innerOff:innerOff+uint64(n)], buf[cur:cur+n])
		if err := fs.writeBlock(blkNum, data); err != 0 {
			return err
		}
		cur += n
	}
	newSize := off + uint64(len(buf))
	if newSize > in.size64() {
		in.setSize(newSize)
		sectorPerBlk := fs.sb.blockSize() / 512
		in.Blocks = uint32(newSize/blkSize+1) * sectorPerBlk
	}
	return 0
}

func (fs *Fs_t) freeIndirectAll(blk uint32, level int) defs.Err_t {
	buf, err := fs.readBlock(blk)
	if err != 0 {
		return err
	}
	for i := 0; i < len(buf)/4; i++ {
		b := binary.LittleEndian.Uint32(buf[i*4:])
		if b == 0 {
			continue
		}
		if level > 0 {
			if err := fs.freeIndirectAll(b, level-1); err != 0 {
				return err
			}
		}
		if err := fs.freeBlock(b); err != 0 {
			return err
		}
	}
	return 0
}

// truncate shrinks the inode's content to size. It frees the direct blocks
// past the new end and every indirect subtree that lies wholly past it; an
// indirect subtree that straddles the new end is kept whole, so its blocks
// past the end are not freed. Growing the file is a no-op here:
// writeContent allocates on demand.
func (fs *Fs_t) truncate(in *Inode, size uint64) defs.Err_t {
	old := in.size64()
	if size >= old {
		return 0
	}
	blkSize := uint64(fs.sb.blockSize())
	begin := (size + blkSize - 1) / blkSize
	// Free whole top-level slots no longer reachable by any offset below
	// `begin`; direct slots map 1:1, indirect slots are freed wholesale
	// once their entire subtree falls beyond begin.
	for slot := DirectBlocks; slot < 15; slot++ {
		if in.Block[slot] == 0 {
			continue
		}
		level := slot - DirectBlocks
		firstOffset := firstOffsetForSlot(slot, fs.entriesPerBlock())
		if firstOffset >= uint32(begin) {
			if err := fs.freeIndirectAll(in.Block[slot], level); err != 0 {
				return err
			}
			if err := fs.freeBlock(in.Block[slot]); err != 0 {
				return err
			}
			in.Block[slot] = 0
		}
	}
	for slot := 0; slot < DirectBlocks; slot++ {
		if uint32(slot) >= uint32(begin) && in.Block[slot] != 0 {
			if err := fs.freeBlock(in.Block[slot]); err != 0 {
				return err
			}
			in.Block[slot] = 0
		}
	}
	in.setSize(size)
	return 0
}

func firstOffsetForSlot(slot int, entriesPerBlock uint32) uint32 {
	switch slot - DirectBlocks {
	case 0:
		return DirectBlocks
	case 1:
		return DirectBlocks + entriesPerBlock
	default:
		return DirectBlocks + entriesPerBlock + entriesPerBlock*entriesPerBlock
	}
}

func (fs *Fs_t) freeContent(in *Inode) defs.Err_t {
	if in.kind() == imtSymlink && in.size64() <= symlinkInlineLimit {
		return 0
	}
	for slot := 0; slot < 15; slot++ {
		if in.Block[slot] == 0 {
			continue
		}
		depth := slot - DirectBlocks
		if depth >= 0 {
			if err := fs.freeIndirectAll(in.Block[slot], depth); err != 0 {
				return err
			}
		}
		if err := fs.freeBlock(in.Block[slot]); err != 0 {
			return err
		}
		in.Block[slot] = 0
	}
	in.setSize(0)
	return 0
}

// --- directory entries -----------------------------------------------------

func direntRecLen(nameLen int) uint16 {
	l := direntNameOff + nameLen
	return uint16((l + direntAlign - 1) &^ (direntAlign - 1))
}

func decodeDirent(b []uint8) (ino uint32, recLen uint16, fileType uint8, name ustr.Ustr) {
	ino = binary.LittleEndian.Uint32(b[0:])
	recLen = binary.LittleEndian.Uint16(b[4:])
	nameLen := b[6]
	fileType = b[7]
	name = ustr.Ustr(append([]uint8{}, b[8:8+nameLen]...))
	return
}

func encodeDirent(b []uint8, ino uint32, recLen uint16, fileType uint8, name ustr.Ustr) {
	binary.LittleEndian.PutUint32(b[0:], ino)
	binary.LittleEndian.PutUint16(b[4:], recLen)
	b[6] = uint8(len(name))
	b[7] = fileType
	copy(b[8:], name)
}

// dirIterFunc is called with each directory entry's containing block
// buffer, its in-block offset, and its decoded fields; returning true
// stops iteration.
func (fs *Fs_t) iterDirents(dir *Inode, f func(blk []uint8, off uint32, ino uint32, ftype uint8, name ustr.Ustr) bool) defs.Err_t {
	blocks := (dir.size64() + uint64(fs.sb.blockSize()) - 1) / uint64(fs.sb.blockSize())
	for fileBlk := uint64(0); fileBlk < blocks; fileBlk++ {
		blkNum, err := fs.blockForOffset(dir, uint32(fileBlk), false)
		if err != 0 {
			return err
		}
		if blkNum == 0 {
			continue
		}
		buf, err := fs.readBlock(blkNum)
		if err != 0 {
			return err
		}
		off := uint32(0)
		for off < uint32(len(buf)) {
			ino, recLen, ftype, name := decodeDirent(buf[off:])
			if recLen == 0 {
				break
			}
			if ino != 0 {
				if f(buf, off, ino, ftype, name) {
					return 0
				}
			}
			off += uint32(recLen)
		}
	}
	return 0
}

func (fs *Fs_t) lookupDirent(dir *Inode, name ustr.Ustr) (uint32, uint8, defs.Err_t) {
	var found uint32
	var ftypeOut uint8
	err := fs.iterDirents(dir, func(blk []uint8, off uint32, ino uint32, ftype uint8, n ustr.Ustr) bool {
		if n.Eq(name) {
			found = ino
			ftypeOut = ftype
			return true
		}
		return false
	})
	if err != 0 {
		return 0, 0, err
	}
	if found == 0 {
		return 0, 0, defs.ENOENT
	}
	return found, ftypeOut, 0
}

// addDirent stores name -> ino in the first free (ino==0) entry whose
// rec_len can hold it, taking over that whole entry without splitting it.
// When no such entry exists it appends a freshly allocated block holding
// the new entry followed by one free entry spanning the rest of the block.
// Slack at the tail of an in-use entry is never reused.
func (fs *Fs_t) addDirent(dir *Inode, ino uint32, name ustr.Ustr, ftype uint8) defs.Err_t {
	if len(name) > 255 {
		return defs.ENAMETOOLONG
	}
	recLen := direntRecLen(len(name))
	blkSize := fs.sb.blockSize()
	if uint32(recLen) > blkSize {
		return defs.ENAMETOOLONG
	}

	// Try to reuse a free (ino==0) slot big enough to hold the new entry.
	blocks := (dir.size64() + uint64(blkSize) - 1) / uint64(blkSize)
	for fileBlk := uint64(0); fileBlk < blocks; fileBlk++ {
		blkNum, err := fs.blockForOffset(dir, uint32(fileBlk), false)
		if err != 0 {
			return err
		}
		if blkNum == 0 {
			continue
		}
		buf, err := fs.readBlock(blkNum)
		if err != 0 {
			return err
		}
		off := uint32(0)
		for off < uint32(len(buf)) {
			eino, erec, _, _ := decodeDirent(buf[off:])
			if erec == 0 {
				break
			}
			if eino == 0 && erec >= recLen {
				encodeDirent(buf[off:], ino, erec, ftype, name)
				return fs.writeBlock(blkNum, buf)
			}
			off += uint32(erec)
		}
	}

	// No free slot: allocate a new block filled with one big free entry,
	// then carve the new entry out of its head.
	newBlk, err := fs.blockForOffset(dir, uint32(blocks), true)
	if err != 0 {
		return err
	}
	buf := make([]uint8, blkSize)
	encodeDirent(buf, ino, recLen, ftype, name)
	remaining := blkSize - uint32(recLen)
	if remaining >= direntNameOff {
		encodeDirent(buf[recLen:], 0, uint16(remaining), dtUnknown, nil)
	}
	if err := fs.writeBlock(newBlk, buf); err != 0 {
		return err
	}
	dir.setSize((blocks + 1) * uint64(blkSize))
	return 0
}

func (fs *Fs_t) removeDirent(dir *Inode, name ustr.Ustr) defs.Err_t {
	found := false
	err := fs.iterDirents(dir, func(blk []uint8, off uint32, ino uint32, ftype uint8, n ustr.Ustr) bool {
		if n.Eq(name) {
			found = true
			return true
		}
		return false
	})
	if err != 0 {
		return err
	}
	if !found {
		return defs.ENOENT
	}

	// Re-walk (iterDirents doesn't expose a mutation hook) to zero the
	// matching entry's inode field in place.
	blocks := (dir.size64() + uint64(fs.sb.blockSize()) - 1) / uint64(fs.sb.blockSize())
	for fileBlk := uint64(0); fileBlk < blocks; fileBlk++ {
		blkNum, err := fs.blockForOffset(dir, uint32(fileBlk), false)
		if err != 0 {
			return err
		}
		if blkNum == 0 {
			continue
		}
		buf, err := fs.readBlock(blkNum)
		if err != 0 {
			return err
		}
		off := uint32(0)
		changed := false
		for off < uint32(len(buf)) {
			ino, recLen, _, n := decodeDirent(buf[off:])
			if recLen == 0 {
				break
			}
			if ino != 0 && n.Eq(name) {
				binary.LittleEndian.PutUint32(buf[off:], 0)
				changed = true
				break
			}
			off += uint32(recLen)
		}
		if changed {
			return fs.writeBlock(blkNum, buf)
		}
	}
	return 0
}

// --- symlink content -------------------------------------------------------

func (fs *Fs_t) readLink(in *Inode) (ustr.Ustr, defs.Err_t) {
	size := in.size64()
	if size <= symlinkInlineLimit {
		raw := make([]uint8, 60)
		for i := 0; i < 15; i++ {
			binary.LittleEndian.PutUint32(raw[i*4:], in.Block[i])
		}
		return ustr.Ustr(append([]uint8{}, raw[:size]...)), 0
	}
	buf := make([]uint8, size)
	_, err := fs.readContent(in, 0, buf)
	return ustr.Ustr(buf), err
}

func (fs *Fs_t) writeLink(in *Inode, target ustr.Ustr) defs.Err_t {
	if err := fs.truncate(in, 0); err != 0 {
		return err
	}
	if len(target) <= symlinkInlineLimit {
		for i := range in.Block {
			in.Block[i] = 0
		}
		raw := make([]uint8, 60)
		copy(raw, target)
		for i := 0; i < 15; i++ {
			in.Block[i] = binary.LittleEndian.Uint32(raw[i*4:])
		}
		in.setSize(uint64(len(target)))
		return 0
	}
	return fs.writeContent(in, 0, target)
}

// --- vfs.Node / vfs.DirOps ---------------------------------------------

// Node is one ext2 inode exposed through the vfs.Node/vfs.DirOps interfaces.
type Node struct {
	fs  *Fs_t
	ino uint32
}

func (fs *Fs_t) NodeFor(ino uint32) *Node { return &Node{fs: fs, ino: ino} }

func (n *Node) Ino() uint64  { return uint64(n.ino) }
func (n *Node) FSID() uint64 { return n.fs.fsid }

func (n *Node) load() (*Inode, defs.Err_t) {
	n.fs.Lock()
	defer n.fs.Unlock()
	return n.fs.readInode(n.ino)
}

func (n *Node) Kind() vfs.NodeType {
	in, err := n.load()
	if err != 0 {
		return vfs.TypeFile
	}
	switch in.kind() {
	case imtDir:
		return vfs.TypeDir
	case imtSymlink:
		return vfs.TypeSymlink
	case imtChrdev, imtBlkdev:
		return vfs.TypeDev
	default:
		return vfs.TypeFile
	}
}

func (n *Node) Check(ap vfs.AccessProfile, want vfs.Perm) defs.Err_t {
	if ap.IsRoot {
		return 0
	}
	in, err := n.load()
	if err != 0 {
		return err
	}
	var shift uint
	switch {
	case uint32(ap.Uid) == uint32(in.Uid):
		shift = 6
	case groupMatches(ap, uint32(in.Gid)):
		shift = 3
	default:
		shift = 0
	}
	mode := uint(in.Mode)
	var bit uint
	if want&vfs.PermRead != 0 {
		bit |= 4
	}
	if want&vfs.PermWrite != 0 {
		bit |= 2
	}
	if want&vfs.PermSearch != 0 {
		bit |= 1
	}
	if mode>>shift&bit != bit {
		return defs.EACCES
	}
	return 0
}

func groupMatches(ap vfs.AccessProfile, gid uint32) bool {
	if ap.Gid == gid {
		return true
	}
	for _, g := range ap.SuppGroups {
		if g == gid {
			return true
		}
	}
	return false
}

func (n *Node) ReadLink() (ustr.Ustr, defs.Err_t) {
	n.fs.Lock()
	defer n.fs.Unlock()
	in, err := n.fs.readInode(n.ino)
	if err != 0 {
		return nil, err
	}
	if in.kind() != imtSymlink {
		return nil, defs.EINVAL
	}
	return n.fs.readLink(in)
}

func vfsTypeToFtype(kind vfs.NodeType) (uint16, uint8) {
	switch kind {
	case vfs.TypeDir:
		return imtDir, dtDir
	case vfs.TypeSymlink:
		return imtSymlink, dtSymlink
	case vfs.TypeDev:
		return imtChrdev, dtChrdev
	default:
		return imtRegular, dtReg
	}
}

func (n *Node) CreateChild(name ustr.Ustr, kind vfs.NodeType) (vfs.Node, defs.Err_t) {
	n.fs.Lock()
	defer n.fs.Unlock()

	dir, err := n.fs.readInode(n.ino)
	if err != 0 {
		return nil, err
	}
	if dir.kind() != imtDir {
		return nil, defs.ENOTDIR
	}
	if _, _, err := n.fs.lookupDirent(dir, name); err == 0 {
		return nil, defs.EEXIST
	}

	imode, ftype := vfsTypeToFtype(kind)
	isDir := kind == vfs.TypeDir
	childIno, err := n.fs.allocFreeInode(isDir)
	if err != 0 {
		return nil, err
	}
	child := &Inode{Mode: imode | 0644, LinksCount: 1}
	if isDir {
		child.LinksCount = 2
	}
	if err := n.fs.writeInode(childIno, child); err != 0 {
		return nil, err
	}
	if isDir {
		if err := n.fs.addDirent(child, childIno, ustr.Ustr("."), dtDir); err != 0 {
			return nil, err
		}
		if err := n.fs.addDirent(child, n.ino, ustr.Ustr(".."), dtDir); err != 0 {
			return nil, err
		}
		if err := n.fs.writeInode(childIno, child); err != 0 {
			return nil, err
		}
		dir.LinksCount++
	}
	if err := n.fs.addDirent(dir, childIno, name, ftype); err != 0 {
		return nil, err
	}
	if err := n.fs.writeInode(n.ino, dir); err != 0 {
		return nil, err
	}
	return n.fs.NodeFor(childIno), 0
}

func (n *Node) LinkChild(name ustr.Ustr, target vfs.Node) defs.Err_t {
	tn, ok := target.(*Node)
	if !ok || tn.fs != n.fs {
		return defs.EXDEV
	}
	// Kind takes the fs lock itself, so read it before locking.
	kind := tn.Kind()
	n.fs.Lock()
	defer n.fs.Unlock()

	dir, err := n.fs.readInode(n.ino)
	if err != 0 {
		return err
	}
	if dir.kind() != imtDir {
		return defs.ENOTDIR
	}
	if _, _, err := n.fs.lookupDirent(dir, name); err == 0 {
		return defs.EEXIST
	}
	tin, err := n.fs.readInode(tn.ino)
	if err != 0 {
		return err
	}
	_, ftype := vfsTypeToFtype(kind)
	if err := n.fs.addDirent(dir, tn.ino, name, ftype); err != 0 {
		return err
	}
	tin.LinksCount++
	if err := n.fs.writeInode(tn.ino, tin); err != 0 {
		return err
	}
	return n.fs.writeInode(n.ino, dir)
}

func (n *Node) UnlinkChild(name ustr.Ustr) defs.Err_t {
	n.fs.Lock()
	defer n.fs.Unlock()

	dir, err := n.fs.readInode(n.ino)
	if err != 0 {
		return err
	}
	childIno, _, err := n.fs.lookupDirent(dir, name)
	if err != 0 {
		return err
	}
	child, err := n.fs.readInode(childIno)
	if err != 0 {
		return err
	}
	if err := n.fs.removeDirent(dir, name); err != 0 {
		return err
	}
	if child.LinksCount > 0 {
		child.LinksCount--
	}
	if child.LinksCount == 0 {
		if err := n.fs.freeContent(child); err != 0 {
			return err
		}
		if err := n.fs.freeInode(childIno, child.kind() == imtDir); err != 0 {
			return err
		}
	}
	if err := n.fs.writeInode(childIno, child); err != 0 {
		return err
	}
	return n.fs.writeInode(n.ino, dir)
}

func (n *Node) SymlinkChild(name ustr.Ustr, target ustr.Ustr) (vfs.Node, defs.Err_t) {
	n.fs.Lock()
	defer n.fs.Unlock()

	dir, err := n.fs.readInode(n.ino)
	if err != 0 {
		return nil, err
	}
	if _, _, err := n.fs.lookupDirent(dir, name); err == 0 {
		return nil, defs.EEXIST
	}
	childIno, err := n.fs.allocFreeInode(false)
	if err != 0 {
		return nil, err
	}
	child := &Inode{Mode: imtSymlink | 0777, LinksCount: 1}
	if err := n.fs.writeLink(child, target); err != 0 {
		return nil, err
	}
	if err := n.fs.writeInode(childIno, child); err != 0 {
		return nil, err
	}
	if err := n.fs.addDirent(dir, childIno, name, dtSymlink); err != 0 {
		return nil, err
	}
	if err := n.fs.writeInode(n.ino, dir); err != 0 {
		return nil, err
	}
	return n.fs.NodeFor(childIno), 0
}

func (n *Node) MoveChild(name ustr.Ustr, newParent vfs.DirOps, newName ustr.Ustr) defs.Err_t {
	tn, ok := newParent.(*Node)
	if !ok || tn.fs != n.fs {
		return defs.EXDEV
	}
	n.fs.Lock()
	defer n.fs.Unlock()

	oldDir, err := n.fs.readInode(n.ino)
	if err != 0 {
		return err
	}
	childIno, ftype, err := n.fs.lookupDirent(oldDir, name)
	if err != 0 {
		return err
	}
	newDir, err := n.fs.readInode(tn.ino)
	if err != 0 {
		return err
	}
	if _, _, err := n.fs.lookupDirent(newDir, newName); err == 0 {
		return defs.EEXIST
	}
	if err := n.fs.removeDirent(oldDir, name); err != 0 {
		return err
	}
	if err := n.fs.addDirent(newDir, childIno, newName, ftype); err != 0 {
		return err
	}
	if err := n.fs.writeInode(n.ino, oldDir); err != 0 {
		return err
	}
	return n.fs.writeInode(tn.ino, newDir)
}

// --- memspace.PageSource ----------------------------------------------------

// ReadPage returns the mem.PGSIZE-aligned page of file content beginning
// at fileOffset, zero-padded at EOF, so a memspace.Mapping can demand-page
// a regular file's contents without ext2 knowing about memspace's types.
func (n *Node) ReadPage(fileOffset int) ([]uint8, defs.Err_t) {
	n.fs.Lock()
	defer n.fs.Unlock()
	in, err := n.fs.readInode(n.ino)
	if err != 0 {
		return nil, err
	}
	buf := make([]uint8, mem.PGSIZE)
	if uint64(fileOffset) >= in.size64() {
		return buf, 0
	}
	_, err = n.fs.readContent(in, uint64(fileOffset), buf)
	if err != 0 {
		return nil, err
	}
	return buf, 0
}

// Read/Write are the plain regular-file content accessors a process
// syscall handler reads/writes through; separate from ReadPage's
// always-a-full-page contract.
func (n *Node) Read(off int, buf []uint8) (int, defs.Err_t) {
	n.fs.Lock()
	defer n.fs.Unlock()
	in, err := n.fs.readInode(n.ino)
	if err != 0 {
		return 0, err
	}
	return n.fs.readContent(in, uint64(off), buf)
}

func (n *Node) Write(off int, buf []uint8) (int, defs.Err_t) {
	n.fs.Lock()
	defer n.fs.Unlock()
	in, err := n.fs.readInode(n.ino)
	if err != 0 {
		return 0, err
	}
	if err := n.fs.writeContent(in, uint64(off), buf); err != 0 {
		return 0, err
	}
	if err := n.fs.writeInode(n.ino, in); err != 0 {
		return 0, err
	}
	return len(buf), 0
}

func (n *Node) Truncate(size uint64) defs.Err_t {
	n.fs.Lock()
	defer n.fs.Unlock()
	in, err := n.fs.readInode(n.ino)
	if err != 0 {
		return err
	}
	if err := n.fs.truncate(in, size); err != 0 {
		return err
	}
	return n.fs.writeInode(n.ino, in)
}
