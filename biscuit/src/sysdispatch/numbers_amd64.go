package sysdispatch

import "golang.org/x/sys/unix"

// Sigreturn64 is the x86-64 sigreturn number (rt_sigreturn; there is no
// bare sigreturn on this ABI). Sourced from unix.SYS_RT_SIGRETURN rather
// than re-declared, per spec 6's syscall ABI tables.
const Sigreturn64 = unix.SYS_RT_SIGRETURN

// NewTable64 returns an empty 64-bit syscall table pre-wired for the
// x86-64 sigreturn number.
func NewTable64() *Table_t {
	return NewTable(Sigreturn64)
}
