package sysdispatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"defs"
	"proc"
	"ustr"
	"vfs"
)

type fakeRoot struct{}

func (fakeRoot) Ino() uint64  { return 1 }
func (fakeRoot) FSID() uint64 { return 1 }
func (fakeRoot) Kind() vfs.NodeType { return vfs.TypeDir }
func (fakeRoot) Check(ap vfs.AccessProfile, want vfs.Perm) defs.Err_t { return 0 }
func (fakeRoot) ReadLink() (ustr.Ustr, defs.Err_t) { return ustr.Ustr{}, defs.EINVAL }

func testProc(t *testing.T) *proc.Proc_t {
	t.Helper()
	root := vfs.NewEntry(ustr.Ustr{}, nil, fakeRoot{})
	p, err := proc.Init(root)
	require.EqualValues(t, 0, err)
	return p
}

func TestDispatchInvokesRegisteredHandler(t *testing.T) {
	tab := NewTable(0x77)
	tab.Register(4, func(p *proc.Proc_t, args [6]uint64) (int64, defs.Err_t) {
		return int64(args[0] + args[1]), 0
	})

	f := &Frame64_t{Rax: 4, Rdi: 2, Rsi: 3}
	ok := tab.Dispatch(testProc(t), f)
	require.True(t, ok)
	require.EqualValues(t, 5, f.Rax)
}

func TestDispatchPropagatesErr(t *testing.T) {
	tab := NewTable(0x77)
	tab.Register(5, func(p *proc.Proc_t, args [6]uint64) (int64, defs.Err_t) {
		return 0, defs.EBADF
	})

	f := &Frame64_t{Rax: 5}
	ok := tab.Dispatch(testProc(t), f)
	require.True(t, ok)
	require.EqualValues(t, int64(defs.EBADF), int64(f.Rax))
}

func TestDispatchUnknownNumberKillsWithSIGSYS(t *testing.T) {
	tab := NewTable(0x77)
	p := testProc(t)

	f := &Frame64_t{Rax: 0xdead}
	ok := tab.Dispatch(p, f)
	require.False(t, ok)

	require.Equal(t, proc.SIGSYS, p.NextSignal())
}

func TestDispatchSigreturnSkipsSetReturn(t *testing.T) {
	tab := NewTable(0x77)
	var restored bool
	tab.RegisterSigreturn(func(p *proc.Proc_t, f Frame) {
		restored = true
	})

	f := &Frame64_t{Rax: 0x77, Rdi: 0x1234}
	ok := tab.Dispatch(testProc(t), f)
	require.True(t, ok)
	require.True(t, restored)
	// the handler never touched Rax; Dispatch must not overwrite it either.
	require.EqualValues(t, 0x77, f.Rax)
}

func TestFrame32ArgOrder(t *testing.T) {
	f := &Frame32_t{Eax: 1, Ebx: 10, Ecx: 20, Edx: 30, Esi: 40, Edi: 50, Ebp: 60}
	require.True(t, f.Compat())
	require.Equal(t, 1, f.SyscallNo())
	require.EqualValues(t, 10, f.Arg(0))
	require.EqualValues(t, 60, f.Arg(5))
}
