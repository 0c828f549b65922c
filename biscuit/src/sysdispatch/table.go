package sysdispatch

import (
	"sync"

	"defs"
	"proc"
)

// Handler is a typed syscall implementation: it receives the six
// ABI-designated arguments already extracted from the trap frame (zero
// for any the call doesn't use) and returns either a non-negative result
// or a negative Err_t, exactly as it will appear in the return register.
type Handler func(p *proc.Proc_t, args [6]uint64) (int64, defs.Err_t)

// SigreturnHandler restores a task's pre-signal register frame in
// place. Unlike Handler it does not produce a return value: per spec
// 4.10, sigreturn "never returns to the handler caller", so Dispatch
// skips SetReturn for it entirely and leaves the restored frame as-is.
type SigreturnHandler func(p *proc.Proc_t, f Frame)

// Table_t is a syscall number → handler table for one ABI (32-bit or
// 64-bit). A kernel build registers two: one for the native word width,
// one for the compat table a 64-bit task's 32-bit trap routes through.
type Table_t struct {
	sync.RWMutex
	handlers  map[int]Handler
	sigreturn int
	sigHandle SigreturnHandler
}

// NewTable returns an empty table. sigreturnNo is the architecture's
// fixed sigreturn syscall number (0x077 on x86, SYS_rt_sigreturn on
// x86-64); see numbers_*.go.
func NewTable(sigreturnNo int) *Table_t {
	return &Table_t{handlers: make(map[int]Handler), sigreturn: sigreturnNo}
}

// Register installs h as the handler for syscall number no, replacing
// any previous entry.
func (t *Table_t) Register(no int, h Handler) {
	t.Lock()
	defer t.Unlock()
	t.handlers[no] = h
}

// RegisterSigreturn installs the table's sigreturn handler.
func (t *Table_t) RegisterSigreturn(h SigreturnHandler) {
	t.Lock()
	defer t.Unlock()
	t.sigHandle = h
}

// Dispatch decodes f's syscall number and arguments, invokes the
// matching handler, and writes its result back into f. p is the calling
// task, needed both to pass to the handler and, on an unknown number, to
// receive SIGSYS (spec 4.10: "cannot be caught → process terminates").
// Dispatch reports whether a handler ran (false for an unknown number).
func (t *Table_t) Dispatch(p *proc.Proc_t, f Frame) bool {
	no := f.SyscallNo()

	t.RLock()
	sigreturn := t.sigreturn
	sigHandle := t.sigHandle
	t.RUnlock()

	if no == sigreturn {
		if sigHandle != nil {
			sigHandle(p, f)
		}
		return true
	}

	t.RLock()
	h, ok := t.handlers[no]
	t.RUnlock()
	if !ok {
		p.Kill(proc.SIGSYS)
		return false
	}

	var args [6]uint64
	for i := range args {
		args[i] = f.Arg(i)
	}
	ret, err := h(p, args)
	if err != 0 {
		f.SetReturn(int64(err))
	} else {
		f.SetReturn(ret)
	}
	return true
}
