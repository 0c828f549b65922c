package sysdispatch

import "golang.org/x/sys/unix"

// Sigreturn32 is the x86 sigreturn number, architecture-fixed at 0x077
// (spec 6: "so the signal trampoline can reference it"). Sourced from
// unix.SYS_SIGRETURN rather than re-declared.
const Sigreturn32 = unix.SYS_SIGRETURN

// NewTable32 returns an empty 32-bit syscall table pre-wired for the
// x86 sigreturn number.
func NewTable32() *Table_t {
	return NewTable(Sigreturn32)
}
