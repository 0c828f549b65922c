// Package proc is the process control block and scheduler (spec C8): the
// process table, fork/exit/wait4, signal pending/blocked bitmasks, and a
// round-robin scheduler, all layered over memspace's address spaces and
// vfs's entry cache rather than owning either directly.
package proc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/pprof/profile"

	"accnt"
	"bounds"
	"caller"
	"defs"
	"fd"
	"limits"
	"memspace"
	"stats"
	"tinfo"
	"vfs"
)

// Pid_t identifies a process (and, since this kernel does not implement
// threads distinct from processes, its single task).
type Pid_t int

const (
	IdlePid Pid_t = 0
	InitPid Pid_t = 1
)

// State is a process's scheduling state (spec §3's Process.state).
type State int32

const (
	Running State = iota
	Sleeping
	Stopped
	Zombie
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Sleeping:
		return "sleeping"
	case Stopped:
		return "stopped"
	case Zombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// validTransition mirrors the original kernel's set_state guard: spec §3
// lists exactly five legal edges (Running->Sleeping, Running->Stopped,
// Stopped->Running, Sleeping->Running, and {Running,Sleeping,Stopped}->
// Zombie on exit). Every other transition (in particular, out of Zombie,
// or Sleeping->Stopped) is refused rather than silently coerced.
func validTransition(from, to State) bool {
	switch from {
	case Running:
		return to == Sleeping || to == Stopped || to == Zombie
	case Sleeping:
		return to == Running || to == Zombie
	case Stopped:
		return to == Running || to == Zombie
	default:
		return false
	}
}

// ForkOptions mirrors fork(2)/clone(2)'s sharing flags.
type ForkOptions struct {
	ShareMemory  bool
	ShareFds     bool
	ShareSighand bool
}

// links holds a process's family-tree pointers, separated from Proc_t so
// a single mutex protects all of them together.
type links struct {
	sync.Mutex
	parent      *Proc_t
	children    []Pid_t
	groupLeader *Proc_t // nil if this process is its own group leader
	group       []Pid_t
}

// SigSet is a bitmask over the 32 POSIX signal numbers this kernel
// recognizes (1..32).
type SigSet uint32

func (s *SigSet) set(sig int)   { *s |= 1 << uint(sig-1) }
func (s *SigSet) clear(sig int) { *s &^= 1 << uint(sig-1) }
func (s SigSet) isSet(sig int) bool {
	return s&(1<<uint(sig-1)) != 0
}

// signalState bundles a process's pending/blocked masks and exit
// disposition, guarded together since a signal delivery touches more than
// one field atomically.
type signalState struct {
	sync.Mutex
	blocked    SigSet
	pending    SigSet
	exitStatus int
	termsig    int
}

// nextSignal returns the lowest-numbered unblocked pending signal,
// clearing it, or 0 if none is deliverable.
func (s *signalState) nextSignal() int {
	s.Lock()
	defer s.Unlock()
	deliverable := s.pending &^ s.blocked
	if deliverable == 0 {
		return 0
	}
	for sig := 1; sig <= 32; sig++ {
		if deliverable.isSet(sig) {
			s.pending.clear(sig)
			return sig
		}
	}
	return 0
}

// Proc_t is the process control block: one instance per schedulable task.
type Proc_t struct {
	Pid  Pid_t
	Ppid Pid_t

	state int32 // State, accessed via atomic.Load/CompareAndSwap

	links links

	Mem *memspace.MemSpace

	fdmu  sync.Mutex
	Fds   map[int]*fd.Fd_t
	nextFd int

	Cwd    *vfs.Entry
	Root   *vfs.Entry
	Access vfs.AccessProfile

	Sig signalState

	Rusage accnt.Accnt_t

	// waitMu guards waitc; kept separate from links' mutex so Wait4 can
	// hold the condition's lock while separately taking links to walk
	// the child list, without double-locking the same mutex.
	waitMu sync.Mutex
	// waitc is signaled whenever a child of this process changes state,
	// so Wait4 can block without busy-polling the process table.
	waitc *sync.Cond
}

var procTableMu sync.Mutex
var procTable = make(map[Pid_t]*Proc_t)
var nextPid Pid_t = InitPid

func allocPid() (Pid_t, defs.Err_t) {
	procTableMu.Lock()
	defer procTableMu.Unlock()
	if len(procTable) >= limits.Syslimit.Sysprocs {
		return 0, defs.ENOMEM
	}
	pid := nextPid
	nextPid++
	return pid, 0
}

// ByPid returns the process with the given pid, or nil.
func ByPid(pid Pid_t) *Proc_t {
	procTableMu.Lock()
	defer procTableMu.Unlock()
	return procTable[pid]
}

func registerProc(p *Proc_t) {
	procTableMu.Lock()
	procTable[p.Pid] = p
	procTableMu.Unlock()
}

func unregisterProc(pid Pid_t) {
	procTableMu.Lock()
	delete(procTable, pid)
	procTableMu.Unlock()
}

// Init creates the init process: no parent, an empty address space (the
// caller populates it via elf.Load before first run), and root/cwd both
// set to rootEntry.
func Init(rootEntry *vfs.Entry) (*Proc_t, defs.Err_t) {
	ms, err := memspace.New(0x10000, 0x7ffffff00000)
	if err != 0 {
		return nil, err
	}
	p := &Proc_t{
		Pid:  InitPid,
		Ppid: InitPid,
		Mem:  ms,
		Fds:  make(map[int]*fd.Fd_t),
		Cwd:  rootEntry,
		Root: rootEntry,
		Access: vfs.AccessProfile{IsRoot: true},
	}
	p.waitc = sync.NewCond(&p.waitMu)
	atomic.StoreInt32(&p.state, int32(Running))
	registerProc(p)
	sched.add(p)
	counters.Forks.Inc()
	return p, 0
}

// GetState returns p's current scheduling state.
func (p *Proc_t) GetState() State {
	return State(atomic.LoadInt32(&p.state))
}

// rejectedTransitions records, at most once per distinct call chain, a
// diagnostic for an attempted state transition spec §3 forbids. A correct
// caller should never trip this; it exists so a bug that does trip it
// leaves a stack trace instead of a silent no-op.
var rejectedTransitions = &caller.Distinct_caller_t{Enabled: true}

// SetState transitions p to newState, refusing and silently no-op'ing an
// invalid transition exactly as the original kernel does (spec §3's state
// machine), and unblocking the global scheduler's run/sleep counters.
func (p *Proc_t) SetState(newState State) {
	for {
		old := State(atomic.LoadInt32(&p.state))
		if !validTransition(old, newState) {
			if fresh, trace := rejectedTransitions.Distinct(); fresh {
				fmt.Printf("proc: WARNING rejected %v->%v transition for pid %v\n%s", old, newState, p.Pid, trace)
			}
			return
		}
		if old == newState {
			return
		}
		if !atomic.CompareAndSwapInt32(&p.state, int32(old), int32(newState)) {
			continue
		}
		sched.onTransition(p, old, newState)
		if newState == Zombie {
			p.reapOnZombie()
		}
		if newState == Running || newState == Stopped || newState == Zombie {
			p.notifyParent()
		}
		return
	}
}

// reapOnZombie releases the resources a zombie no longer needs and
// reparents its children to init, mirroring the original kernel's
// set_state(Zombie) path.
func (p *Proc_t) reapOnZombie() {
	p.fdmu.Lock()
	p.Fds = nil
	p.fdmu.Unlock()

	initProc := ByPid(InitPid)
	p.links.Lock()
	children := p.links.children
	p.links.children = nil
	p.links.Unlock()
	if initProc != nil {
		for _, cpid := range children {
			if c := ByPid(cpid); c != nil {
				c.links.Lock()
				c.links.parent = initProc
				c.links.Unlock()
				initProc.addChild(cpid)
			}
		}
	}
}

func (p *Proc_t) notifyParent() {
	p.links.Lock()
	parent := p.links.parent
	p.links.Unlock()
	if parent == nil {
		return
	}
	parent.Kill(SIGCHLD)
	parent.waitc.L.Lock()
	parent.waitc.Broadcast()
	parent.waitc.L.Unlock()
}

func (p *Proc_t) addChild(pid Pid_t) {
	p.links.Lock()
	p.links.children = append(p.links.children, pid)
	p.links.Unlock()
}

// Fork duplicates this into a new process per opts, registers it with the
// scheduler, and returns it.
func (p *Proc_t) Fork(opts ForkOptions) (*Proc_t, defs.Err_t) {
	if p.GetState() != Running {
		return nil, defs.EINVAL
	}
	pid, err := allocPid()
	if err != 0 {
		return nil, err
	}

	var mem *memspace.MemSpace
	if opts.ShareMemory {
		mem = p.Mem
	} else {
		mem, err = p.Mem.Fork()
		if err != 0 {
			return nil, err
		}
	}

	var fds map[int]*fd.Fd_t
	p.fdmu.Lock()
	if opts.ShareFds {
		fds = p.Fds
	} else {
		fds = make(map[int]*fd.Fd_t, len(p.Fds))
		for n, f := range p.Fds {
			nf, err := fd.Copyfd(f)
			if err != 0 {
				p.fdmu.Unlock()
				return nil, err
			}
			fds[n] = nf
		}
	}
	nextFd := p.nextFd
	p.fdmu.Unlock()

	p.links.Lock()
	groupLeader := p.links.groupLeader
	if groupLeader == nil {
		groupLeader = p
	}
	p.links.Unlock()

	child := &Proc_t{
		Pid:  pid,
		Ppid: p.Pid,
		Mem:  mem,
		Fds:  fds,
		nextFd: nextFd,
		Cwd:  p.Cwd,
		Root: p.Root,
		Access: p.Access,
		links: links{parent: p, groupLeader: groupLeader},
	}
	child.waitc = sync.NewCond(&child.waitMu)
	atomic.StoreInt32(&child.state, int32(Running))

	p.Sig.Lock()
	child.Sig.blocked = p.Sig.blocked
	p.Sig.Unlock()

	p.addChild(pid)
	groupLeader.links.Lock()
	groupLeader.links.group = append(groupLeader.links.group, pid)
	groupLeader.links.Unlock()

	registerProc(child)
	sched.add(child)
	counters.Forks.Inc()
	return child, 0
}

// Exit transitions p to Zombie with the given raw exit status.
func (p *Proc_t) Exit(status int) {
	p.Sig.Lock()
	p.Sig.exitStatus = status
	p.Sig.Unlock()
	p.SetState(Zombie)
	counters.Exits.Inc()
}

// Kill posts sig to p's pending set, unless p has it blocked, matching
// the original kernel's signal.kill semantics (no queued count, just a
// sticky bit per signal number).
func (p *Proc_t) Kill(sig int) {
	p.Sig.Lock()
	if p.Sig.blocked.isSet(sig) && sig != SIGKILL && sig != SIGSTOP {
		p.Sig.Unlock()
		return
	}
	p.Sig.pending.set(sig)
	p.Sig.Unlock()
	counters.Signals.Inc()
	if sig == SIGKILL {
		p.SetState(Zombie)
	} else if sig == SIGSTOP {
		p.SetState(Stopped)
	} else if sig == SIGCONT {
		p.SetState(Running)
	} else {
		p.waitc.L.Lock()
		p.waitc.Broadcast()
		p.waitc.L.Unlock()
	}
}

// NextSignal returns and clears the next deliverable pending signal for
// p, or 0 if none.
func (p *Proc_t) NextSignal() int {
	return p.Sig.nextSignal()
}

// SetSigmask replaces p's blocked-signal bitmask and returns the previous
// value, the shape sigprocmask(2) needs.
func (p *Proc_t) SetSigmask(mask SigSet) SigSet {
	p.Sig.Lock()
	old := p.Sig.blocked
	p.Sig.blocked = mask
	p.Sig.Unlock()
	return old
}

// AllocFd installs f as a new open file descriptor on p, returning its
// number.
func (p *Proc_t) AllocFd(f *fd.Fd_t) int {
	p.fdmu.Lock()
	defer p.fdmu.Unlock()
	n := p.nextFd
	p.nextFd++
	p.Fds[n] = f
	return n
}

// GetFd looks up an open file descriptor by number.
func (p *Proc_t) GetFd(n int) (*fd.Fd_t, defs.Err_t) {
	p.fdmu.Lock()
	defer p.fdmu.Unlock()
	f, ok := p.Fds[n]
	if !ok {
		return nil, defs.EBADF
	}
	return f, 0
}

// CloseFd closes and removes descriptor n.
func (p *Proc_t) CloseFd(n int) defs.Err_t {
	p.fdmu.Lock()
	f, ok := p.Fds[n]
	if ok {
		delete(p.Fds, n)
	}
	p.fdmu.Unlock()
	if !ok {
		return defs.EBADF
	}
	return f.Fops.Close()
}

// Wait4 blocks until a child matching wpid (0 means any child, otherwise
// an exact pid) reaches Zombie, reaps it, and returns its pid and exit
// status. It returns ECHILD if p has no matching children at all.
func (p *Proc_t) Wait4(wpid Pid_t) (Pid_t, int, defs.Err_t) {
	p.waitc.L.Lock()
	defer p.waitc.L.Unlock()
	for {
		p.links.Lock()
		var match *Proc_t
		hasAny := false
		for _, cpid := range p.links.children {
			if wpid != 0 && cpid != wpid {
				continue
			}
			hasAny = true
			if c := ByPid(cpid); c != nil && c.GetState() == Zombie {
				match = c
				break
			}
		}
		p.links.Unlock()
		if !hasAny {
			return 0, 0, defs.ECHILD
		}
		if match != nil {
			p.links.Lock()
			for i, cpid := range p.links.children {
				if cpid == match.Pid {
					p.links.children = append(p.links.children[:i], p.links.children[i+1:]...)
					break
				}
			}
			p.links.Unlock()
			match.Sig.Lock()
			status := match.Sig.exitStatus
			match.Sig.Unlock()
			p.Rusage.Add(&match.Rusage)
			unregisterProc(match.Pid)
			return match.Pid, status, 0
		}
		p.waitc.Wait()
	}
}

// --- resource accounting / diagnostics --------------------------------------

// counters are the process-subsystem-wide scheduling/fault counters that
// cmd/kstatsd exports as Prometheus gauges.
var counters struct {
	Forks   stats.Counter_t
	Exits   stats.Counter_t
	Signals stats.Counter_t
	Faults  stats.Counter_t
}

// Stats_t is a read-only snapshot of the process subsystem's counters,
// for cmd/kstatsd to render as Prometheus gauges.
type Stats_t struct {
	Forks, Exits, Signals, Faults int64
}

// Stats returns the current counter snapshot plus the live runnable
// count the scheduler is tracking.
func Stats() (Stats_t, int) {
	return Stats_t{
		Forks:   int64(counters.Forks),
		Exits:   int64(counters.Exits),
		Signals: int64(counters.Signals),
		Faults:  int64(counters.Faults),
	}, sched.NRunnable()
}

// Profile assembles a pprof profile.Profile snapshot of the current
// process table (pid, parent, state) for cmd/kstatsd's /debug-style
// export, reusing the teacher's own previously unwired pprof dependency.
func Profile() *profile.Profile {
	procTableMu.Lock()
	defer procTableMu.Unlock()

	pr := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "processes", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "snapshot", Unit: "count"},
		Period:     1,
	}
	locByPid := make(map[Pid_t]*profile.Location, len(procTable))
	fnID := uint64(1)
	for pid, p := range procTable {
		fn := &profile.Function{ID: fnID, Name: "pid-" + itoa(int(pid)) + "-" + p.GetState().String()}
		pr.Function = append(pr.Function, fn)
		loc := &profile.Location{ID: fnID, Line: []profile.Line{{Function: fn}}}
		pr.Location = append(pr.Location, loc)
		locByPid[pid] = loc
		fnID++
	}
	for pid, p := range procTable {
		loc := locByPid[pid]
		pr.Sample = append(pr.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{1},
			Label:    map[string][]string{"parent": {itoa(int(p.Ppid))}},
		})
	}
	return pr
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// budgetPerSlice is the number of bounded-operation units (package res) a
// task receives each time it is scheduled; Sched_t.Next installs it via
// res.SetBudget before returning the task to run. The figure is a
// generous multiple of a single resolve_path worst case.
var budgetPerSlice = bounds.Bounds(bounds.B_VFS_RESOLVE_PATH) * 4

// CurrentTask exposes tinfo's per-task note so a fault handler can find
// "the running process" without threading a parameter through every call.
func CurrentTask() *tinfo.Tnote_t {
	return tinfo.Current()
}

// ResolveSettings builds the vfs.Settings a resolve_path call needs from
// p's cwd/root/access profile.
func (p *Proc_t) ResolveSettings(create, followLink bool) vfs.Settings {
	return vfs.Settings{Root: p.Root, Cwd: p.Cwd, Access: p.Access, Create: create, FollowLink: followLink}
}
