// Package fdops defines the vtable a file descriptor dispatches through:
// the operations every open file, pipe, socket, or device exposes to the
// rest of the kernel, independent of what backs it.
package fdops

import "defs"

// Userio_i abstracts a user or kernel buffer that bytes are copied into or
// out of, so fdops implementations (and circbuf, which stages partial
// reads) don't need to know whether the other end is a copyuser.UserSlice
// or an in-kernel []byte.
type Userio_i interface {
	Uiowrite(src []uint8) (int, defs.Err_t)
	Uioread(dst []uint8) (int, defs.Err_t)
	Remain() int
	Totalsz() int
}

// Ready_t is a bitmask of readiness conditions a poll can report.
type Ready_t uint8

const (
	R_READ  Ready_t = 1 << 0
	R_WRITE Ready_t = 1 << 1
	R_ERROR Ready_t = 1 << 2
	R_HUP   Ready_t = 1 << 3
)

// Pollmsg_t carries a poll/select request: which conditions the caller
// cares about, and how (or whether) to be woken when none are yet ready.
type Pollmsg_t struct {
	Events Ready_t
	Dowait bool
}

// Fdops_i is the operation set every open file descriptor implements.
// Handlers return defs.Err_t, the kernel-wide error vocabulary, never a
// Go error.
type Fdops_i interface {
	Close() defs.Err_t
	Fstat(st StatIface) defs.Err_t
	Lseek(off int, whence int) (int, defs.Err_t)
	Mmap(len int, prot int, shared bool) (uintptr, defs.Err_t)
	Pathi() (string, defs.Err_t)
	Read(dst Userio_i) (int, defs.Err_t)
	Reopen() defs.Err_t
	Write(src Userio_i) (int, defs.Err_t)
	Fullpath() (string, defs.Err_t)
	Truncate(newlen uint) defs.Err_t
	Pread(dst Userio_i, offset int) (int, defs.Err_t)
	Pwrite(src Userio_i, offset int) (int, defs.Err_t)
	Accept(sa Userio_i) (Fdops_i, uint, defs.Err_t)
	Bind(sa []uint8) defs.Err_t
	Connect(sa []uint8) defs.Err_t
	Listen(backlog int) (Fdops_i, defs.Err_t)
	Poll(pm Pollmsg_t) (Ready_t, defs.Err_t)
}

// StatIface is the minimal surface Fstat needs from package stat, kept
// here (rather than importing stat directly) to avoid a dependency cycle
// between fdops and the packages stat itself is used from.
type StatIface interface {
	Wmode(uint)
	Wsize(uint)
	Wdev(uint)
	Wino(uint)
}
