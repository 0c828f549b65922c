// Package vfs is the filesystem-independent entry/node cache (spec C6): a
// parent-pointer tree of cached path components layered over whatever
// concrete filesystem (ext2, a device, a pseudo-filesystem) owns the
// inode underneath. A filesystem plugs in by implementing Node (and,
// for directories, DirOps); vfs itself never imports one.
package vfs

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"bounds"
	"circbuf"
	"defs"
	"fdops"
	"hashtable"
	"limits"
	"mem"
	"res"
	"ustr"
)

// SYMLOOP_MAX bounds the number of symlinks resolve_path will chase before
// giving up with ELOOP, matching Linux's MAXSYMLINKS (spec §4.6).
const SYMLOOP_MAX = 40

// NodeType labels what kind of object a Node represents.
type NodeType int

const (
	TypeFile NodeType = iota
	TypeDir
	TypeSymlink
	TypeDev
)

// Perm is a requested-permission bitmask, in the traditional r=4/w=2/x=1
// (here, "search") encoding.
type Perm int

const (
	PermSearch Perm = 1 << iota
	PermWrite
	PermRead
)

// AccessProfile is the identity used for every permission check made
// during a single resolve_path call (spec §4.6's `access_profile`).
type AccessProfile struct {
	Uid        uint32
	Gid        uint32
	SuppGroups []uint32
	IsRoot     bool
}

// Node is the filesystem-independent view of one inode. A concrete
// filesystem (ext2, a device node, ...) implements it.
type Node interface {
	Ino() uint64
	FSID() uint64
	Kind() NodeType
	Check(ap AccessProfile, want Perm) defs.Err_t
	ReadLink() (ustr.Ustr, defs.Err_t)
}

// DirOps is the subset of Node a directory additionally supports: the
// mutating operations create_file/link/unlink/symlink/rename descend
// into after resolve_path has located (or ruled out) their target.
type DirOps interface {
	Node
	CreateChild(name ustr.Ustr, kind NodeType) (Node, defs.Err_t)
	LinkChild(name ustr.Ustr, target Node) defs.Err_t
	UnlinkChild(name ustr.Ustr) defs.Err_t
	SymlinkChild(name ustr.Ustr, target ustr.Ustr) (Node, defs.Err_t)
	MoveChild(name ustr.Ustr, newParent DirOps, newName ustr.Ustr) defs.Err_t
}

// Entry is one cached path component: a name, its parent, the Node it
// resolves to, and (for directories) its known children. The tree is
// held together by a strong parent→child edge through the children
// table and a strong child→parent edge through the parent field, so
// either direction can be walked without a lookup.
type Entry struct {
	sync.Mutex

	name   ustr.Ustr
	parent *Entry
	node   Node

	children *hashtable.Hashtable_t // ustr.Ustr -> *Entry, directories only

	mountedOn *Entry // non-nil if a filesystem is mounted at this entry

	refs int32
}

// liveEntries counts cached Entry objects across the whole tree, checked
// against limits.Syslimit.Vnodes (spec's vnode cache headroom).
var liveEntries int64

// NewEntry wraps node as a cache entry named name under parent. Passing a
// nil parent creates a filesystem root.
func NewEntry(name ustr.Ustr, parent *Entry, node Node) *Entry {
	if n := atomic.AddInt64(&liveEntries, 1); n > int64(limits.Syslimit.Vnodes) {
		fmt.Printf("vfs: WARNING live entry count %v exceeds Syslimit.Vnodes %v\n", n, limits.Syslimit.Vnodes)
	}
	e := &Entry{name: name, parent: parent, node: node, refs: 1}
	if node.Kind() == TypeDir {
		e.children = hashtable.MkHash(16)
	}
	if parent != nil {
		parent.insertChild(e)
	}
	return e
}

/// Name returns the entry's component name.
func (e *Entry) Name() ustr.Ustr { return e.name }

/// Node returns the backing filesystem node.
func (e *Entry) Node() Node { return e.node }

/// Parent returns the entry's parent, or nil for a root.
func (e *Entry) Parent() *Entry { return e.parent }

/// Ref takes an additional reference on e.
func (e *Entry) Ref() { atomic.AddInt32(&e.refs, 1) }

// Unref drops a reference. On the last reference, e is removed from its
// parent's children map (spec §4.6 cache coherence): a subsequent lookup
// of the same name re-derives the entry from the backing filesystem
// rather than finding a stale cached one.
func (e *Entry) Unref() {
	if atomic.AddInt32(&e.refs, -1) == 0 {
		atomic.AddInt64(&liveEntries, -1)
		if e.parent != nil {
			e.parent.removeChild(e.name)
		}
	}
}

func (e *Entry) insertChild(c *Entry) {
	e.Lock()
	defer e.Unlock()
	if e.children == nil {
		e.children = hashtable.MkHash(16)
	}
	e.children.Set(c.name, c)
}

func (e *Entry) removeChild(name ustr.Ustr) {
	e.Lock()
	defer e.Unlock()
	if e.children == nil {
		return
	}
	if _, ok := e.children.Get(name); ok {
		e.children.Del(name)
	}
}

func (e *Entry) lookupChild(name ustr.Ustr) (*Entry, bool) {
	e.Lock()
	defer e.Unlock()
	if e.children == nil {
		return nil, false
	}
	v, ok := e.children.Get(name)
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

// effective follows a mount, substituting the mounted filesystem's root
// for the entry it is mounted on.
func effective(e *Entry) *Entry {
	e.Lock()
	m := e.mountedOn
	e.Unlock()
	if m != nil {
		return m
	}
	return e
}

// Mount installs root as the filesystem visible at point, which must be
// an empty-of-mounts directory.
func Mount(point *Entry, root *Entry) defs.Err_t {
	if point.node.Kind() != TypeDir {
		return defs.ENOTDIR
	}
	point.Lock()
	defer point.Unlock()
	if point.mountedOn != nil {
		return defs.EBUSY
	}
	point.mountedOn = root
	// ".." from the mounted root escapes back through the covering
	// directory, not through whatever parent the submounted filesystem
	// assigned its own root.
	root.parent = point.parent
	return 0
}

/// Unmount removes whatever filesystem is mounted at point, if any.
func Unmount(point *Entry) defs.Err_t {
	point.Lock()
	defer point.Unlock()
	if point.mountedOn == nil {
		return defs.EINVAL
	}
	point.mountedOn = nil
	return 0
}

// --- resolve_path ---------------------------------------------------------

// Settings configures one resolve_path call (spec §4.6).
type Settings struct {
	Root       *Entry // chroot override; required
	Cwd        *Entry // starting point for a relative path
	Access     AccessProfile
	Create     bool // a missing final component yields Creatable instead of ENOENT
	FollowLink bool // a terminal symlink is resolved transitively
}

// Result is resolve_path's outcome: exactly one of Entry (Found) or
// Parent+Name (Creatable) is set on success.
type Result struct {
	Entry  *Entry
	Parent *Entry
	Name   ustr.Ustr
}

func splitComponents(p ustr.Ustr) []ustr.Ustr {
	var out []ustr.Ustr
	start := 0
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			if i > start {
				out = append(out, p[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// Resolve implements resolve_path: it walks path component by component
// from settings.Root or settings.Cwd, returning either the Found entry or
// (with Create set) a Creatable parent+name pair.
func Resolve(path ustr.Ustr, settings Settings) (Result, defs.Err_t) {
	if settings.Root == nil {
		return Result{}, defs.EINVAL
	}
	if !res.Resadd_noblock(bounds.Bounds(bounds.B_VFS_RESOLVE_PATH)) {
		return Result{}, defs.ENOMEM
	}
	return resolve(path, settings, 0)
}

func resolve(path ustr.Ustr, settings Settings, depth int) (Result, defs.Err_t) {
	root := settings.Root
	cur := settings.Cwd
	if cur == nil || path.IsAbsolute() {
		cur = root
	}
	cur = effective(cur)

	comps := splitComponents(path)
	if len(comps) == 0 {
		return Result{Entry: cur}, 0
	}

	for i, comp := range comps {
		last := i == len(comps)-1

		if comp.Isdot() {
			continue
		}
		if comp.Isdotdot() {
			if cur == root {
				continue // "..": a no-op at the chroot root
			}
			if cur.parent != nil {
				cur = effective(cur.parent)
			}
			continue
		}

		if err := cur.node.Check(settings.Access, PermSearch); err != 0 {
			return Result{}, err
		}

		child, ok := cur.lookupChild(comp)
		if !ok {
			if last && settings.Create {
				return Result{Parent: cur, Name: comp}, 0
			}
			return Result{}, defs.ENOENT
		}

		followThis := child.node.Kind() == TypeSymlink && (!last || settings.FollowLink)
		if !followThis {
			cur = effective(child)
			continue
		}

		depth++
		if depth > SYMLOOP_MAX {
			return Result{}, defs.ELOOP
		}
		target, err := child.node.ReadLink()
		if err != 0 {
			return Result{}, err
		}
		sub, err := resolve(target, Settings{
			Root: root, Cwd: cur, Access: settings.Access,
			Create: settings.Create && last, FollowLink: settings.FollowLink,
		}, depth)
		if err != 0 {
			return Result{}, err
		}
		if last {
			return sub, 0
		}
		if sub.Entry == nil {
			return Result{}, defs.ENOENT
		}
		cur = sub.Entry
	}
	return Result{Entry: cur}, 0
}

// --- subsidiary operations -------------------------------------------------

func asDirOps(e *Entry) (DirOps, defs.Err_t) {
	d, ok := e.node.(DirOps)
	if !ok {
		return nil, defs.ENOTDIR
	}
	return d, 0
}

// CreateFile resolves path for creation and, if its final component is
// free, asks the parent directory to create a new node of kind there.
func CreateFile(path ustr.Ustr, settings Settings, kind NodeType) (*Entry, defs.Err_t) {
	settings.Create = true
	r, err := Resolve(path, settings)
	if err != 0 {
		return nil, err
	}
	if r.Entry != nil {
		return nil, defs.EEXIST
	}
	if err := r.Parent.node.Check(settings.Access, PermWrite); err != 0 {
		return nil, err
	}
	dir, err := asDirOps(r.Parent)
	if err != 0 {
		return nil, err
	}
	node, err := dir.CreateChild(r.Name, kind)
	if err != 0 {
		return nil, err
	}
	child := NewEntry(r.Name, r.Parent, node)
	return child, 0
}

// Link creates newPath as an additional name for the node at oldPath
// (hard link). Both paths must resolve within the same filesystem.
func Link(oldPath, newPath ustr.Ustr, settings Settings) defs.Err_t {
	old, err := Resolve(oldPath, settings)
	if err != 0 {
		return err
	}
	if old.Entry == nil {
		return defs.ENOENT
	}
	ns := settings
	ns.Create = true
	nr, err := Resolve(newPath, ns)
	if err != 0 {
		return err
	}
	if nr.Entry != nil {
		return defs.EEXIST
	}
	if old.Entry.node.FSID() != nr.Parent.node.FSID() {
		return defs.EXDEV
	}
	if err := nr.Parent.node.Check(settings.Access, PermWrite); err != 0 {
		return err
	}
	dir, err := asDirOps(nr.Parent)
	if err != 0 {
		return err
	}
	if err := dir.LinkChild(nr.Name, old.Entry.node); err != 0 {
		return err
	}
	NewEntry(nr.Name, nr.Parent, old.Entry.node)
	return 0
}

// Unlink removes path's final component from its parent directory.
func Unlink(path ustr.Ustr, settings Settings) defs.Err_t {
	r, err := Resolve(path, settings)
	if err != 0 {
		return err
	}
	if r.Entry == nil {
		return defs.ENOENT
	}
	if r.Entry.node.Kind() == TypeDir {
		return defs.EPERM
	}
	parent := r.Entry.parent
	if parent == nil {
		return defs.EPERM
	}
	if err := parent.node.Check(settings.Access, PermWrite); err != 0 {
		return err
	}
	dir, err := asDirOps(parent)
	if err != 0 {
		return err
	}
	if err := dir.UnlinkChild(r.Entry.name); err != 0 {
		return err
	}
	parent.removeChild(r.Entry.name)
	return 0
}

// Symlink creates linkPath as a new symlink whose contents are target.
func Symlink(target, linkPath ustr.Ustr, settings Settings) (*Entry, defs.Err_t) {
	settings.Create = true
	r, err := Resolve(linkPath, settings)
	if err != 0 {
		return nil, err
	}
	if r.Entry != nil {
		return nil, defs.EEXIST
	}
	if err := r.Parent.node.Check(settings.Access, PermWrite); err != 0 {
		return nil, err
	}
	dir, err := asDirOps(r.Parent)
	if err != 0 {
		return nil, err
	}
	node, err := dir.SymlinkChild(r.Name, target)
	if err != 0 {
		return nil, err
	}
	return NewEntry(r.Name, r.Parent, node), 0
}

// Rename moves oldPath to newPath. A newPath that already resolves to an
// existing non-directory is overwritten; an existing directory target is
// rejected (this kernel does not implement the full directory-merge
// semantics of POSIX rename(2) onto a non-empty directory).
func Rename(oldPath, newPath ustr.Ustr, settings Settings) defs.Err_t {
	old, err := Resolve(oldPath, settings)
	if err != 0 {
		return err
	}
	if old.Entry == nil || old.Entry.parent == nil {
		return defs.ENOENT
	}
	ns := settings
	ns.Create = true
	nr, err := Resolve(newPath, ns)
	if err != 0 {
		return err
	}
	if nr.Entry != nil {
		if nr.Entry.node.Kind() == TypeDir {
			return defs.EEXIST
		}
		if err := Unlink(newPath, settings); err != 0 {
			return err
		}
		nr, err = Resolve(newPath, ns)
		if err != 0 {
			return err
		}
	}
	if old.Entry.node.FSID() != nr.Parent.node.FSID() {
		return defs.EXDEV
	}
	oldParentDir, err := asDirOps(old.Entry.parent)
	if err != 0 {
		return err
	}
	newParentDir, err := asDirOps(nr.Parent)
	if err != 0 {
		return err
	}
	if err := oldParentDir.MoveChild(old.Entry.name, newParentDir, nr.Name); err != 0 {
		return err
	}

	oldParent := old.Entry.parent
	oldParent.removeChild(old.Entry.name)
	old.Entry.parent = nr.Parent
	old.Entry.name = nr.Name
	nr.Parent.insertChild(old.Entry)
	return 0
}

// --- directory iteration (getdents) ---------------------------------------

// dirent encoding: a uint16 name length followed by the raw name bytes,
// back to back with no padding. Purely an in-memory wire format for
// DirIter; it never touches disk.
func appendDirent(buf []uint8, name ustr.Ustr) []uint8 {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(name)))
	return append(buf, name...)
}

// DirIter stages a directory's current children for a getdents-style
// partial, resumable read: the whole listing is serialized once, then
// drained across as many Next calls as the caller's buffer requires.
type DirIter struct {
	cb circbuf.Circbuf_t
}

// NewDirIter snapshots e's children (e must be a directory) into a fresh
// iterator.
func NewDirIter(e *Entry) *DirIter {
	e.Lock()
	names := make([]ustr.Ustr, 0)
	if e.children != nil {
		for _, p := range e.children.Elems() {
			names = append(names, p.Key.(ustr.Ustr))
		}
	}
	e.Unlock()
	sort.Slice(names, func(i, j int) bool { return string(names[i]) < string(names[j]) })

	buf := make([]uint8, 0, 32*len(names))
	for _, n := range names {
		buf = appendDirent(buf, n)
	}
	di := &DirIter{}
	di.cb.Set(buf, len(buf), mem.Physmem)
	return di
}

/// Next drains up to max bytes of the serialized listing into dst.
func (di *DirIter) Next(dst fdops.Userio_i, max int) (int, defs.Err_t) {
	return di.cb.Copyout_n(dst, max)
}

/// Done reports whether the entire listing has been drained.
func (di *DirIter) Done() bool { return di.cb.Empty() }
