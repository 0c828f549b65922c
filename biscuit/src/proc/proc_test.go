package proc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"defs"
	"ustr"
	"vfs"
)

// fakeRoot is a minimal vfs.Node/DirOps stand-in so tests can build an
// Entry without pulling in ext2.
type fakeRoot struct{}

func (fakeRoot) Ino() uint64                                  { return 1 }
func (fakeRoot) FSID() uint64                                 { return 1 }
func (fakeRoot) Kind() vfs.NodeType                           { return vfs.TypeDir }
func (fakeRoot) Check(vfs.AccessProfile, vfs.Perm) defs.Err_t { return 0 }
func (fakeRoot) ReadLink() (ustr.Ustr, defs.Err_t)            { return nil, defs.EINVAL }

func newTestRoot() *vfs.Entry {
	return vfs.NewEntry(nil, nil, fakeRoot{})
}

// resetProcState clears the package-level process table, pid counter, and
// scheduler so each test starts from a clean slate; Init always claims
// InitPid, which would otherwise collide across tests in the same binary.
func resetProcState(t *testing.T) {
	t.Helper()
	procTableMu.Lock()
	procTable = make(map[Pid_t]*Proc_t)
	nextPid = InitPid
	procTableMu.Unlock()

	sched.Lock()
	sched.ready = nil
	sched.running = IdlePid
	sched.nrun = 0
	sched.Unlock()
}

func TestInitCreatesRunningProcess(t *testing.T) {
	resetProcState(t)
	root := newTestRoot()
	p, err := Init(root)
	require.EqualValues(t, 0, err)
	require.Equal(t, InitPid, p.Pid)
	require.Equal(t, Running, p.GetState())
}

func TestForkCreatesChildWithParentLinkage(t *testing.T) {
	resetProcState(t)
	root := newTestRoot()
	parent, err := Init(root)
	require.EqualValues(t, 0, err)

	child, err := parent.Fork(ForkOptions{})
	require.EqualValues(t, 0, err)
	require.Equal(t, parent.Pid, child.Ppid)
	require.Equal(t, Running, child.GetState())

	parent.links.Lock()
	found := false
	for _, cpid := range parent.links.children {
		if cpid == child.Pid {
			found = true
		}
	}
	parent.links.Unlock()
	require.True(t, found)
}

func TestStateTransitionFromZombieIsRefused(t *testing.T) {
	resetProcState(t)
	root := newTestRoot()
	p, err := Init(root)
	require.EqualValues(t, 0, err)

	p.SetState(Zombie)
	require.Equal(t, Zombie, p.GetState())

	p.SetState(Running)
	require.Equal(t, Zombie, p.GetState(), "a zombie never returns to runnable")
}

func TestExitReparentsChildrenToInit(t *testing.T) {
	resetProcState(t)
	root := newTestRoot()
	initProc, err := Init(root)
	require.EqualValues(t, 0, err)

	mid, err := initProc.Fork(ForkOptions{})
	require.EqualValues(t, 0, err)
	grandchild, err := mid.Fork(ForkOptions{})
	require.EqualValues(t, 0, err)

	mid.Exit(0)
	require.Equal(t, Zombie, mid.GetState())

	grandchild.links.Lock()
	parent := grandchild.links.parent
	grandchild.links.Unlock()
	require.Equal(t, InitPid, parent.Pid)
}

func TestWait4CollectsZombieChild(t *testing.T) {
	resetProcState(t)
	root := newTestRoot()
	parent, err := Init(root)
	require.EqualValues(t, 0, err)

	child, err := parent.Fork(ForkOptions{})
	require.EqualValues(t, 0, err)
	child.Exit(7)

	gotPid, status, err := parent.Wait4(child.Pid)
	require.EqualValues(t, 0, err)
	require.Equal(t, child.Pid, gotPid)
	require.Equal(t, 7, status)
}

func TestWait4WithNoChildrenIsECHILD(t *testing.T) {
	resetProcState(t)
	root := newTestRoot()
	p, err := Init(root)
	require.EqualValues(t, 0, err)

	_, _, err = p.Wait4(999)
	require.EqualValues(t, defs.ECHILD, err)
}

func TestKillSIGKILLTransitionsToZombie(t *testing.T) {
	resetProcState(t)
	root := newTestRoot()
	p, err := Init(root)
	require.EqualValues(t, 0, err)

	p.Kill(SIGKILL)
	require.Equal(t, Zombie, p.GetState())
}

func TestKillBlockedSignalIsNotDelivered(t *testing.T) {
	resetProcState(t)
	root := newTestRoot()
	p, err := Init(root)
	require.EqualValues(t, 0, err)

	var mask SigSet
	mask.set(SIGUSR1)
	p.SetSigmask(mask)

	p.Kill(SIGUSR1)
	require.Equal(t, 0, p.NextSignal(), "a blocked signal is not posted, so nothing is delivered")
}

func TestSchedulerRoundRobinOrdering(t *testing.T) {
	resetProcState(t)
	root := newTestRoot()
	parent, err := Init(root)
	require.EqualValues(t, 0, err)

	a, err := parent.Fork(ForkOptions{})
	require.EqualValues(t, 0, err)
	b, err := parent.Fork(ForkOptions{})
	require.EqualValues(t, 0, err)

	seen := map[Pid_t]bool{}
	for i := 0; i < 10 && len(seen) < 3; i++ {
		next := sched.Next()
		if next != nil {
			seen[next.Pid] = true
		}
	}
	require.True(t, seen[parent.Pid])
	require.True(t, seen[a.Pid])
	require.True(t, seen[b.Pid])
}

func TestGetFdUnknownNumberIsEBADF(t *testing.T) {
	resetProcState(t)
	root := newTestRoot()
	p, err := Init(root)
	require.EqualValues(t, 0, err)

	_, err = p.GetFd(42)
	require.EqualValues(t, defs.EBADF, err)
}
