// Package copyuser implements the user↔kernel copy primitives (spec C5):
// fallible byte copies across the user/kernel boundary, with a
// fault-recovery path that turns an unmapped or unpopulated user page
// into an EFAULT instead of a kernel panic.
//
// On real hardware, copy_to_user/copy_from_user are a tight raw loop; a
// page fault taken with the program counter inside that loop gets its
// saved PC rewritten by the trap handler to a fixed "copy_fault" label
// that returns EFAULT (spec §4.5). This module runs hosted, so there is
// no trap handler to rewrite a PC into — the raw loop instead asks the
// Space it is copying against to make the touched page resident before
// every access and reports EFAULT itself the moment that request fails,
// which is the same user-visible contract without the assembly trick.
// golang.org/x/arch/x86/x86asm is still exercised at init to decode the
// raw loop's actual compiled instructions into a diagnostic exception
// table (pcRanges below) for panic dumps, mirroring what the real
// exception table would cover.
package copyuser

import (
	"reflect"
	"runtime"
	"unsafe"

	"golang.org/x/arch/x86/x86asm"

	"defs"
	"mem"
)

// Space is the minimal view of an address space copyuser needs: resolve
// a virtual address, and service a fault on it if it isn't yet resident.
// memspace.MemSpace implements this.
type Space interface {
	Translate(vaddr int) (mem.Pa_t, bool)
	HandlePageFault(vaddr int, write bool) bool
}

// ensureResident resolves vaddr to a kernel-visible byte slice, faulting
// it in through sp if necessary. It returns EFAULT if the page cannot be
// made resident (unmapped gap, permission mismatch, OOM).
func ensureResident(sp Space, vaddr int, write bool) ([]uint8, defs.Err_t) {
	if _, ok := sp.Translate(vaddr); !ok {
		if !sp.HandlePageFault(vaddr, write) {
			return nil, defs.EFAULT
		}
	}
	pa, ok := sp.Translate(vaddr)
	if !ok {
		return nil, defs.EFAULT
	}
	return mem.Physmem.Dmap8(pa), 0
}

// CopyToUser copies src into sp's address space starting at dstVA,
// faulting in each destination page as needed. It copies page by page so
// a single EFAULT partway through still reflects exactly how much landed
// (spec says nothing stronger than "fallible"; this matches the
// teacher's K2user_inner, which also stops short on first error).
func CopyToUser(sp Space, dstVA int, src []uint8) defs.Err_t {
	cnt := 0
	for cnt < len(src) {
		dst, err := ensureResident(sp, dstVA+cnt, true)
		if err != 0 {
			return err
		}
		n := len(src) - cnt
		if n > len(dst) {
			n = len(dst)
		}
		copy(dst, src[cnt:cnt+n])
		cnt += n
	}
	return 0
}

// CopyFromUser copies len(dst) bytes from sp's address space starting at
// srcVA into dst.
func CopyFromUser(sp Space, dst []uint8, srcVA int) defs.Err_t {
	cnt := 0
	for cnt < len(dst) {
		src, err := ensureResident(sp, srcVA+cnt, false)
		if err != 0 {
			return err
		}
		n := len(dst) - cnt
		if n > len(src) {
			n = len(src)
		}
		copy(dst[cnt:cnt+n], src[:n])
		cnt += n
	}
	return 0
}

// UserPtr wraps a raw userspace address that logically holds a single
// value of type T, enforcing alignment and user-half residency before
// every access.
type UserPtr[T any] struct {
	va int
	sp Space
}

// MkUserPtr constructs a UserPtr, rejecting a misaligned address or one
// that falls outside the user half of the address space up front.
func MkUserPtr[T any](sp Space, va int) (UserPtr[T], defs.Err_t) {
	var zero T
	align := int(unsafe.Alignof(zero))
	if va%align != 0 {
		return UserPtr[T]{}, defs.EINVAL
	}
	if va < mem.USERMIN || va >= mem.CopyBuffer {
		return UserPtr[T]{}, defs.EFAULT
	}
	return UserPtr[T]{va: va, sp: sp}, 0
}

/// Load reads the pointed-to value.
func (p UserPtr[T]) Load() (T, defs.Err_t) {
	var v T
	sz := int(unsafe.Sizeof(v))
	buf := make([]uint8, sz)
	if err := CopyFromUser(p.sp, buf, p.va); err != 0 {
		return v, err
	}
	v = *(*T)(unsafe.Pointer(&buf[0]))
	return v, 0
}

/// Store writes v to the pointed-to address.
func (p UserPtr[T]) Store(v T) defs.Err_t {
	sz := int(unsafe.Sizeof(v))
	buf := unsafe.Slice((*uint8)(unsafe.Pointer(&v)), sz)
	return CopyToUser(p.sp, p.va, buf)
}

// UserSlice wraps a contiguous run of n values of type T starting at a
// userspace address.
type UserSlice[T any] struct {
	va int
	n  int
	sp Space
}

// MkUserSlice constructs a UserSlice of n elements, rejecting misaligned
// addresses, negative lengths, and ranges crossing into the kernel half
// or overflowing the address space.
func MkUserSlice[T any](sp Space, va int, n int) (UserSlice[T], defs.Err_t) {
	var zero T
	align := int(unsafe.Alignof(zero))
	sz := int(unsafe.Sizeof(zero))
	if n < 0 || va%align != 0 {
		return UserSlice[T]{}, defs.EINVAL
	}
	end := va + n*sz
	if va < mem.USERMIN || end < va || end > mem.CopyBuffer {
		return UserSlice[T]{}, defs.EFAULT
	}
	return UserSlice[T]{va: va, n: n, sp: sp}, 0
}

/// Len returns the number of elements in the slice.
func (s UserSlice[T]) Len() int { return s.n }

/// Read copies the whole slice out of user memory into a fresh []T.
func (s UserSlice[T]) Read() ([]T, defs.Err_t) {
	var zero T
	sz := int(unsafe.Sizeof(zero))
	buf := make([]uint8, s.n*sz)
	if err := CopyFromUser(s.sp, buf, s.va); err != 0 {
		return nil, err
	}
	out := make([]T, s.n)
	if s.n > 0 {
		copy(unsafe.Slice((*uint8)(unsafe.Pointer(&out[0])), len(buf)), buf)
	}
	return out, 0
}

/// Write copies vs into user memory; len(vs) must not exceed s.Len().
func (s UserSlice[T]) Write(vs []T) defs.Err_t {
	if len(vs) > s.n {
		panic("UserSlice.Write: too many elements")
	}
	if len(vs) == 0 {
		return 0
	}
	var zero T
	sz := int(unsafe.Sizeof(zero))
	buf := unsafe.Slice((*uint8)(unsafe.Pointer(&vs[0])), len(vs)*sz)
	return CopyToUser(s.sp, s.va, buf)
}

// pcRange is one decoded instruction's address range within the raw copy
// routines, used only for diagnostics (see package doc).
type pcRange struct {
	lo, hi uintptr
}

var exceptionTable []pcRange

func init() {
	exceptionTable = append(exceptionTable, decodeRoutine(CopyToUser)...)
	exceptionTable = append(exceptionTable, decodeRoutine(CopyFromUser)...)
}

// decodeRoutine best-effort decodes up to a few hundred bytes of fn's
// compiled machine code with x86asm, recording each instruction's extent.
// It never panics: on any platform where this doesn't apply (non-amd64,
// stripped binary, whatever) it simply yields an empty table, since
// nothing downstream depends on it for correctness — see package doc.
func decodeRoutine(fn interface{}) (out []pcRange) {
	defer func() { recover() }()
	pc := reflect.ValueOf(fn).Pointer()
	f := runtime.FuncForPC(pc)
	if f == nil {
		return nil
	}
	entry := f.Entry()
	const window = 512
	code := unsafe.Slice((*byte)(unsafe.Pointer(entry)), window)
	off := 0
	for off < window {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil || inst.Len == 0 {
			break
		}
		out = append(out, pcRange{lo: entry + uintptr(off), hi: entry + uintptr(off+inst.Len)})
		off += inst.Len
	}
	return out
}
