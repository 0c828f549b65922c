package ext2

import (
	"testing"

	"github.com/stretchr/testify/require"

	"defs"
	"ustr"
	"vfs"
)

// memDevice is an in-memory BlockDevice fixture: a format+mount test has no
// need for an actual file on disk.
type memDevice struct {
	data []uint8
}

func newMemDevice(totalBlocks uint32) *memDevice {
	return &memDevice{data: make([]uint8, totalBlocks*1024)}
}

func (d *memDevice) ReadAt(buf []uint8, off int64) error {
	copy(buf, d.data[off:])
	return nil
}

func (d *memDevice) WriteAt(buf []uint8, off int64) error {
	copy(d.data[off:], buf)
	return nil
}

func mkfs(t *testing.T) *Fs_t {
	dev := newMemDevice(4096)
	fs, err := Format(dev, 4096, 1)
	require.EqualValues(t, 0, err)
	return fs
}

func TestFormatThenOpenRoundtrips(t *testing.T) {
	dev := newMemDevice(4096)
	fs1, err := Format(dev, 4096, 1)
	require.EqualValues(t, 0, err)
	require.EqualValues(t, 0, fs1.Sync())

	fs2, err := Open(dev, 1)
	require.EqualValues(t, 0, err)
	require.EqualValues(t, Signature, fs2.sb.Magic)
	require.EqualValues(t, fs1.sb.BlocksCount, fs2.sb.BlocksCount)
}

func TestRootInodeIsDirectory(t *testing.T) {
	fs := mkfs(t)
	root := fs.NodeFor(RootIno)
	require.Equal(t, vfs.TypeDir, root.Kind())
}

func TestCreateChildFileThenLookup(t *testing.T) {
	fs := mkfs(t)
	root := fs.NodeFor(RootIno)

	child, err := root.CreateChild(ustr.Ustr("hello"), vfs.TypeFile)
	require.EqualValues(t, 0, err)
	require.Equal(t, vfs.TypeFile, child.Kind())

	dir, errRead := fs.readInode(RootIno)
	require.EqualValues(t, 0, errRead)
	ino, ftype, errLookup := fs.lookupDirent(dir, ustr.Ustr("hello"))
	require.EqualValues(t, 0, errLookup)
	require.EqualValues(t, dtReg, ftype)
	require.Equal(t, child.(*Node).ino, ino)
}

func TestCreateChildTwiceIsEEXIST(t *testing.T) {
	fs := mkfs(t)
	root := fs.NodeFor(RootIno)

	_, err := root.CreateChild(ustr.Ustr("dup"), vfs.TypeFile)
	require.EqualValues(t, 0, err)
	_, err = root.CreateChild(ustr.Ustr("dup"), vfs.TypeFile)
	require.EqualValues(t, defs.EEXIST, err)
}

func TestWriteThenReadBackContent(t *testing.T) {
	fs := mkfs(t)
	root := fs.NodeFor(RootIno)

	child, err := root.CreateChild(ustr.Ustr("data"), vfs.TypeFile)
	require.EqualValues(t, 0, err)
	node := child.(*Node)

	msg := []uint8("the quick brown fox jumps over the lazy dog")
	n, err := node.Write(0, msg)
	require.EqualValues(t, 0, err)
	require.Equal(t, len(msg), n)

	out := make([]uint8, len(msg))
	n, err = node.Read(0, out)
	require.EqualValues(t, 0, err)
	require.Equal(t, len(msg), n)
	require.Equal(t, msg, out)
}

func TestWriteSpanningMultipleBlocksAndIndirection(t *testing.T) {
	fs := mkfs(t)
	root := fs.NodeFor(RootIno)

	child, err := root.CreateChild(ustr.Ustr("big"), vfs.TypeFile)
	require.EqualValues(t, 0, err)
	node := child.(*Node)

	// 20 blocks of content: beyond the 12 direct pointers, forcing the
	// singly-indirect block to be allocated and walked.
	blockSize := int(fs.sb.blockSize())
	data := make([]uint8, 20*blockSize)
	for i := range data {
		data[i] = uint8(i)
	}
	n, err := node.Write(0, data)
	require.EqualValues(t, 0, err)
	require.Equal(t, len(data), n)

	out := make([]uint8, len(data))
	n, err = node.Read(0, out)
	require.EqualValues(t, 0, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, out)
}

func TestReadPageZeroPadsPastEOF(t *testing.T) {
	fs := mkfs(t)
	root := fs.NodeFor(RootIno)

	child, err := root.CreateChild(ustr.Ustr("short"), vfs.TypeFile)
	require.EqualValues(t, 0, err)
	node := child.(*Node)

	_, err = node.Write(0, []uint8("abc"))
	require.EqualValues(t, 0, err)

	page, err := node.ReadPage(0)
	require.EqualValues(t, 0, err)
	require.Len(t, page, 4096)
	require.Equal(t, uint8('a'), page[0])
	require.Equal(t, uint8(0), page[100])
}

func TestSymlinkInlineStorage(t *testing.T) {
	fs := mkfs(t)
	root := fs.NodeFor(RootIno)

	target := ustr.Ustr("/etc/passwd")
	link, err := root.SymlinkChild(ustr.Ustr("shortlink"), target)
	require.EqualValues(t, 0, err)

	got, err := link.ReadLink()
	require.EqualValues(t, 0, err)
	require.Equal(t, target, got)
}

func TestSymlinkBlockStorageBeyondInlineLimit(t *testing.T) {
	fs := mkfs(t)
	root := fs.NodeFor(RootIno)

	long := make(ustr.Ustr, 200)
	for i := range long {
		long[i] = 'a'
	}
	link, err := root.SymlinkChild(ustr.Ustr("longlink"), long)
	require.EqualValues(t, 0, err)

	got, err := link.ReadLink()
	require.EqualValues(t, 0, err)
	require.Equal(t, long, got)
}

func TestUnlinkFreesInodeOnLastLink(t *testing.T) {
	fs := mkfs(t)
	root := fs.NodeFor(RootIno)
	freeBefore := fs.sb.FreeInodesCount

	child, err := root.CreateChild(ustr.Ustr("gone"), vfs.TypeFile)
	require.EqualValues(t, 0, err)
	childIno := child.(*Node).ino

	require.EqualValues(t, 0, root.UnlinkChild(ustr.Ustr("gone")))

	dir, errRead := fs.readInode(RootIno)
	require.EqualValues(t, 0, errRead)
	_, _, errLookup := fs.lookupDirent(dir, ustr.Ustr("gone"))
	require.EqualValues(t, defs.ENOENT, errLookup)

	_, errStillAllocated := fs.readInode(childIno)
	require.EqualValues(t, 0, errStillAllocated) // record persists; allocation state lives in the bitmap
	require.Equal(t, freeBefore, fs.sb.FreeInodesCount)
}

func TestHardLinkIncrementsLinkCount(t *testing.T) {
	fs := mkfs(t)
	root := fs.NodeFor(RootIno)

	child, err := root.CreateChild(ustr.Ustr("orig"), vfs.TypeFile)
	require.EqualValues(t, 0, err)

	require.EqualValues(t, 0, root.LinkChild(ustr.Ustr("alias"), child))

	in, errRead := fs.readInode(child.(*Node).ino)
	require.EqualValues(t, 0, errRead)
	require.EqualValues(t, 2, in.LinksCount)
}

func TestMoveChildRenamesAcrossDirectories(t *testing.T) {
	fs := mkfs(t)
	root := fs.NodeFor(RootIno)

	sub, err := root.CreateChild(ustr.Ustr("sub"), vfs.TypeDir)
	require.EqualValues(t, 0, err)
	file, err := root.CreateChild(ustr.Ustr("movable"), vfs.TypeFile)
	require.EqualValues(t, 0, err)

	require.EqualValues(t, 0, root.MoveChild(ustr.Ustr("movable"), sub.(vfs.DirOps), ustr.Ustr("moved")))

	rootDir, _ := fs.readInode(RootIno)
	_, _, err = fs.lookupDirent(rootDir, ustr.Ustr("movable"))
	require.EqualValues(t, defs.ENOENT, err)

	subDir, _ := fs.readInode(sub.(*Node).ino)
	ino, _, err := fs.lookupDirent(subDir, ustr.Ustr("moved"))
	require.EqualValues(t, 0, err)
	require.Equal(t, file.(*Node).ino, ino)
}

func TestTruncateShrinksAndFreesBlocks(t *testing.T) {
	fs := mkfs(t)
	root := fs.NodeFor(RootIno)

	child, err := root.CreateChild(ustr.Ustr("trunc"), vfs.TypeFile)
	require.EqualValues(t, 0, err)
	node := child.(*Node)

	blockSize := int(fs.sb.blockSize())
	data := make([]uint8, 5*blockSize)
	_, err = node.Write(0, data)
	require.EqualValues(t, 0, err)

	require.EqualValues(t, 0, node.Truncate(10))

	in, errRead := fs.readInode(node.ino)
	require.EqualValues(t, 0, errRead)
	require.EqualValues(t, 10, in.size64())

	out := make([]uint8, 10)
	n, err := node.Read(0, out)
	require.EqualValues(t, 0, err)
	require.Equal(t, 10, n)
}

func TestIndirectionOffsetsDirectRange(t *testing.T) {
	offs, depth := indirectionOffsets(5, 256)
	require.Equal(t, 1, depth)
	require.EqualValues(t, 5, offs[0])
}

func TestIndirectionOffsetsSingleIndirect(t *testing.T) {
	offs, depth := indirectionOffsets(DirectBlocks, 256)
	require.Equal(t, 2, depth)
	require.EqualValues(t, DirectBlocks, offs[0])
	require.EqualValues(t, 0, offs[1])
}

func TestIndirectionOffsetsDoubleIndirect(t *testing.T) {
	entries := uint32(256)
	off := DirectBlocks + entries + 3*entries + 7
	offs, depth := indirectionOffsets(off, entries)
	require.Equal(t, 3, depth)
	require.EqualValues(t, DirectBlocks+1, offs[0])
	require.EqualValues(t, 3, offs[1])
	require.EqualValues(t, 7, offs[2])
}

func TestCheckPermissionDeniedForOtherUser(t *testing.T) {
	fs := mkfs(t)
	root := fs.NodeFor(RootIno)

	child, err := root.CreateChild(ustr.Ustr("private"), vfs.TypeFile)
	require.EqualValues(t, 0, err)
	node := child.(*Node)

	in, _ := fs.readInode(node.ino)
	in.Mode = imtRegular | 0600
	in.Uid = 1
	require.EqualValues(t, 0, fs.writeInode(node.ino, in))

	err = node.Check(vfs.AccessProfile{Uid: 2, Gid: 2}, vfs.PermRead)
	require.EqualValues(t, defs.EACCES, err)

	err = node.Check(vfs.AccessProfile{Uid: 1, Gid: 2}, vfs.PermRead)
	require.EqualValues(t, 0, err)

	err = node.Check(vfs.AccessProfile{IsRoot: true}, vfs.PermRead)
	require.EqualValues(t, 0, err)
}

func TestStatsReflectsAllocation(t *testing.T) {
	fs := mkfs(t)
	before := fs.Stats()
	require.EqualValues(t, 4096, before.BlocksTotal)
	require.Greater(t, before.InodesFree, uint32(0))

	root := fs.NodeFor(RootIno)
	_, err := root.CreateChild(ustr.Ustr("f"), vfs.TypeFile)
	require.EqualValues(t, 0, err)

	after := fs.Stats()
	require.Equal(t, before.BlocksTotal, after.BlocksTotal)
	require.Equal(t, before.InodesFree-1, after.InodesFree)
	require.Equal(t, before.Groups, after.Groups)
}
