// Package sysdispatch decodes a trapped syscall's argument registers and
// dispatches it to a registered handler (spec C10): table lookup by
// number, per-architecture argument extraction, sigreturn special-casing,
// and SIGSYS delivery on an unknown number.
package sysdispatch

// Frame is the architecture-neutral view a dispatcher needs of a
// trapped syscall's register state. Frame64_t and Frame32_t implement it
// for the x86-64 and x86 (or x86-64 compat-mode) ABIs respectively.
type Frame interface {
	// SyscallNo returns the number read from the ABI-designated
	// register (rax on x86-64, eax on x86).
	SyscallNo() int
	// Arg returns the i'th argument (0-5) from the ABI-designated
	// argument registers.
	Arg(i int) uint64
	// Compat reports whether this frame uses the 32-bit argument
	// layout (true for a native x86 trap, or an x86-64 task executing
	// in 32-bit compatibility mode).
	Compat() bool
	// SetReturn places v in the ABI-designated return register,
	// clamped to the frame's word width.
	SetReturn(v int64)
}

// Frame64_t is the x86-64 System V trap frame: number in rax, arguments
// in rdi, rsi, rdx, r10, r8, r9 (r10 replaces rcx, which the `syscall`
// instruction clobbers), return in rax.
type Frame64_t struct {
	Rax, Rdi, Rsi, Rdx, R10, R8, R9 uint64
}

func (f *Frame64_t) SyscallNo() int { return int(f.Rax) }

func (f *Frame64_t) Arg(i int) uint64 {
	switch i {
	case 0:
		return f.Rdi
	case 1:
		return f.Rsi
	case 2:
		return f.Rdx
	case 3:
		return f.R10
	case 4:
		return f.R8
	case 5:
		return f.R9
	default:
		return 0
	}
}

func (f *Frame64_t) Compat() bool { return false }

func (f *Frame64_t) SetReturn(v int64) { f.Rax = uint64(v) }

// Frame32_t is the x86 (int 0x80) trap frame: number in eax, arguments
// in ebx, ecx, edx, esi, edi, ebp, return in eax. Pointer-sized argument
// registers are 4 bytes; a Frame32_t used to decode an x86-64 task
// running in compat mode shares this layout, so pointer arguments must
// be zero-extended rather than sign-extended when read.
type Frame32_t struct {
	Eax, Ebx, Ecx, Edx, Esi, Edi, Ebp uint32
}

func (f *Frame32_t) SyscallNo() int { return int(f.Eax) }

func (f *Frame32_t) Arg(i int) uint64 {
	switch i {
	case 0:
		return uint64(f.Ebx)
	case 1:
		return uint64(f.Ecx)
	case 2:
		return uint64(f.Edx)
	case 3:
		return uint64(f.Esi)
	case 4:
		return uint64(f.Edi)
	case 5:
		return uint64(f.Ebp)
	default:
		return 0
	}
}

func (f *Frame32_t) Compat() bool { return true }

func (f *Frame32_t) SetReturn(v int64) { f.Eax = uint32(v) }
