package vfs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"defs"
	"res"
	"ustr"
)

// memNode is a minimal in-memory Node/DirOps fixture used only by this
// package's tests: a trivial single-filesystem tree with no permission
// restrictions beyond what a test explicitly sets up.
type memNode struct {
	ino    uint64
	fsid   uint64
	kind   NodeType
	link   ustr.Ustr
	denied Perm // permission bits this node refuses, for permission tests
}

var inoCounter uint64

func newMemNode(kind NodeType) *memNode {
	inoCounter++
	return &memNode{ino: inoCounter, fsid: 1, kind: kind}
}

func (n *memNode) Ino() uint64    { return n.ino }
func (n *memNode) FSID() uint64   { return n.fsid }
func (n *memNode) Kind() NodeType { return n.kind }

func (n *memNode) Check(ap AccessProfile, want Perm) defs.Err_t {
	if n.denied&want != 0 {
		return defs.EACCES
	}
	return 0
}

func (n *memNode) ReadLink() (ustr.Ustr, defs.Err_t) {
	if n.kind != TypeSymlink {
		return nil, defs.EINVAL
	}
	return n.link, 0
}

func (n *memNode) CreateChild(name ustr.Ustr, kind NodeType) (Node, defs.Err_t) {
	return newMemNode(kind), 0
}

func (n *memNode) LinkChild(name ustr.Ustr, target Node) defs.Err_t { return 0 }

func (n *memNode) UnlinkChild(name ustr.Ustr) defs.Err_t { return 0 }

func (n *memNode) SymlinkChild(name ustr.Ustr, target ustr.Ustr) (Node, defs.Err_t) {
	s := newMemNode(TypeSymlink)
	s.link = target
	return s, 0
}

func (n *memNode) MoveChild(name ustr.Ustr, newParent DirOps, newName ustr.Ustr) defs.Err_t {
	return 0
}

func mkRoot() *Entry {
	// Resolve charges the running task's res budget, which the scheduler
	// normally installs; give each test a budget of its own.
	res.SetBudget(1 << 20)
	return NewEntry(ustr.MkUstrRoot(), nil, newMemNode(TypeDir))
}

func TestResolveFindsNestedFile(t *testing.T) {
	root := mkRoot()
	dir := NewEntry(ustr.Ustr("etc"), root, newMemNode(TypeDir))
	file := NewEntry(ustr.Ustr("passwd"), dir, newMemNode(TypeFile))

	r, err := Resolve(ustr.Ustr("/etc/passwd"), Settings{Root: root, Cwd: root})
	require.EqualValues(t, 0, err)
	require.Same(t, file, r.Entry)
}

func TestResolveMissingIntermediateIsENOENT(t *testing.T) {
	root := mkRoot()

	_, err := Resolve(ustr.Ustr("/no/such/path"), Settings{Root: root, Cwd: root})
	require.EqualValues(t, defs.ENOENT, err)
}

func TestResolveMissingFinalYieldsCreatable(t *testing.T) {
	root := mkRoot()
	dir := NewEntry(ustr.Ustr("etc"), root, newMemNode(TypeDir))

	r, err := Resolve(ustr.Ustr("/etc/new"), Settings{Root: root, Cwd: root, Create: true})
	require.EqualValues(t, 0, err)
	require.Nil(t, r.Entry)
	require.Same(t, dir, r.Parent)
	require.Equal(t, ustr.Ustr("new"), r.Name)
}

func TestDotDotIsNoopAtChrootRoot(t *testing.T) {
	root := mkRoot()
	dir := NewEntry(ustr.Ustr("home"), root, newMemNode(TypeDir))

	r, err := Resolve(ustr.Ustr("../../.."), Settings{Root: root, Cwd: dir})
	require.EqualValues(t, 0, err)
	require.Same(t, root, r.Entry)
}

func TestIntermediateSymlinkAlwaysFollowed(t *testing.T) {
	root := mkRoot()
	real := NewEntry(ustr.Ustr("real"), root, newMemNode(TypeDir))
	file := NewEntry(ustr.Ustr("leaf"), real, newMemNode(TypeFile))
	link := newMemNode(TypeSymlink)
	link.link = ustr.Ustr("/real")
	NewEntry(ustr.Ustr("link"), root, link)

	r, err := Resolve(ustr.Ustr("/link/leaf"), Settings{Root: root, Cwd: root})
	require.EqualValues(t, 0, err)
	require.Same(t, file, r.Entry)
}

func TestTerminalSymlinkNotFollowedWithoutFollowLink(t *testing.T) {
	root := mkRoot()
	link := newMemNode(TypeSymlink)
	link.link = ustr.Ustr("/missing")
	linkEntry := NewEntry(ustr.Ustr("link"), root, link)

	r, err := Resolve(ustr.Ustr("/link"), Settings{Root: root, Cwd: root, FollowLink: false})
	require.EqualValues(t, 0, err)
	require.Same(t, linkEntry, r.Entry)
}

func TestSymlinkLoopReturnsELOOP(t *testing.T) {
	root := mkRoot()
	a := newMemNode(TypeSymlink)
	a.link = ustr.Ustr("/b")
	NewEntry(ustr.Ustr("a"), root, a)
	b := newMemNode(TypeSymlink)
	b.link = ustr.Ustr("/a")
	NewEntry(ustr.Ustr("b"), root, b)

	_, err := Resolve(ustr.Ustr("/a"), Settings{Root: root, Cwd: root, FollowLink: true})
	require.EqualValues(t, defs.ELOOP, err)
}

func TestSearchPermissionDeniedOnParent(t *testing.T) {
	root := mkRoot()
	dirNode := newMemNode(TypeDir)
	dirNode.denied = PermSearch
	dir := NewEntry(ustr.Ustr("secret"), root, dirNode)
	NewEntry(ustr.Ustr("file"), dir, newMemNode(TypeFile))

	_, err := Resolve(ustr.Ustr("/secret/file"), Settings{Root: root, Cwd: root})
	require.EqualValues(t, defs.EACCES, err)
}

func TestCreateFileThenEEXIST(t *testing.T) {
	root := mkRoot()

	e, err := CreateFile(ustr.Ustr("/newfile"), Settings{Root: root, Cwd: root}, TypeFile)
	require.EqualValues(t, 0, err)
	require.Equal(t, ustr.Ustr("newfile"), e.Name())

	_, err = CreateFile(ustr.Ustr("/newfile"), Settings{Root: root, Cwd: root}, TypeFile)
	require.EqualValues(t, defs.EEXIST, err)
}

func TestUnlinkRemovesFromCache(t *testing.T) {
	root := mkRoot()
	NewEntry(ustr.Ustr("file"), root, newMemNode(TypeFile))

	require.EqualValues(t, 0, Unlink(ustr.Ustr("/file"), Settings{Root: root, Cwd: root}))

	_, err := Resolve(ustr.Ustr("/file"), Settings{Root: root, Cwd: root})
	require.EqualValues(t, defs.ENOENT, err)
}

func TestSymlinkCreatesResolvableEntry(t *testing.T) {
	root := mkRoot()
	file := NewEntry(ustr.Ustr("target"), root, newMemNode(TypeFile))

	_, err := Symlink(ustr.Ustr("/target"), ustr.Ustr("/link"), Settings{Root: root, Cwd: root})
	require.EqualValues(t, 0, err)

	r, err := Resolve(ustr.Ustr("/link"), Settings{Root: root, Cwd: root, FollowLink: true})
	require.EqualValues(t, 0, err)
	require.Same(t, file, r.Entry)
}

func TestRenameMovesEntry(t *testing.T) {
	root := mkRoot()
	dirA := NewEntry(ustr.Ustr("a"), root, newMemNode(TypeDir))
	dirB := NewEntry(ustr.Ustr("b"), root, newMemNode(TypeDir))
	file := NewEntry(ustr.Ustr("f"), dirA, newMemNode(TypeFile))

	require.EqualValues(t, 0, Rename(ustr.Ustr("/a/f"), ustr.Ustr("/b/f"), Settings{Root: root, Cwd: root}))

	_, err := Resolve(ustr.Ustr("/a/f"), Settings{Root: root, Cwd: root})
	require.EqualValues(t, defs.ENOENT, err)

	r, err := Resolve(ustr.Ustr("/b/f"), Settings{Root: root, Cwd: root})
	require.EqualValues(t, 0, err)
	require.Same(t, file, r.Entry)
	require.Same(t, dirB, r.Entry.Parent())
}

func TestMountRedirectsTraversal(t *testing.T) {
	root := mkRoot()
	mnt := NewEntry(ustr.Ustr("mnt"), root, newMemNode(TypeDir))
	otherRoot := NewEntry(ustr.Ustr("/"), nil, newMemNode(TypeDir))
	inner := NewEntry(ustr.Ustr("inner"), otherRoot, newMemNode(TypeFile))

	require.EqualValues(t, 0, Mount(mnt, otherRoot))

	r, err := Resolve(ustr.Ustr("/mnt/inner"), Settings{Root: root, Cwd: root})
	require.EqualValues(t, 0, err)
	require.Same(t, inner, r.Entry)
}

func TestDirIterDrainsAllEntries(t *testing.T) {
	root := mkRoot()
	NewEntry(ustr.Ustr("one"), root, newMemNode(TypeFile))
	NewEntry(ustr.Ustr("two"), root, newMemNode(TypeFile))

	di := NewDirIter(root)
	total := 0
	for !di.Done() {
		n, err := di.Next(&collectUio{}, 4096)
		require.EqualValues(t, 0, err)
		if n == 0 {
			break
		}
		total += n
	}
	require.Greater(t, total, 0)
}

// collectUio discards whatever is written to it; DirIter's output content
// is exercised by ext2/fd integration, not here.
type collectUio struct{ n int }

func (c *collectUio) Uiowrite(src []uint8) (int, defs.Err_t) {
	c.n += len(src)
	return len(src), 0
}
func (c *collectUio) Uioread(dst []uint8) (int, defs.Err_t) { return 0, 0 }
func (c *collectUio) Remain() int                           { return 1 << 20 }
func (c *collectUio) Totalsz() int                           { return 1 << 20 }
