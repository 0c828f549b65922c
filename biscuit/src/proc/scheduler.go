package proc

import (
	"sync"

	"res"
)

// Sched_t is a round-robin scheduler over every Running task: a
// ready queue plus the currently-running pid. It does not itself run
// tasks (this module is hosted on the Go runtime's own scheduler); it
// tracks ordering and hands out each task's resource budget, the same
// bookkeeping role the original kernel's SCHEDULER singleton plays
// around the process table.
type Sched_t struct {
	sync.Mutex
	ready   []Pid_t
	running Pid_t
	nrun    int
}

var sched = &Sched_t{running: IdlePid}

// add appends p to the ready queue and counts it as running.
func (s *Sched_t) add(p *Proc_t) {
	s.Lock()
	s.ready = append(s.ready, p.Pid)
	s.nrun++
	s.Unlock()
}

// remove drops pid from the ready queue, if present.
func (s *Sched_t) remove(pid Pid_t) {
	s.Lock()
	defer s.Unlock()
	for i, q := range s.ready {
		if q == pid {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			return
		}
	}
}

// onTransition updates the ready queue and running-task count to reflect
// p's move from one State to another.
func (s *Sched_t) onTransition(p *Proc_t, from, to State) {
	switch to {
	case Running:
		s.add(p)
	case Sleeping, Stopped, Zombie:
		s.Lock()
		if from == Running {
			s.nrun--
		}
		s.Unlock()
		s.remove(p.Pid)
	}
}

// Next rotates the ready queue and returns the next task to run, or nil
// if none is runnable. It reserves that task's per-slice resource budget
// before returning it, mirroring the original kernel's tick handler
// charging the about-to-run task up front.
func (s *Sched_t) Next() *Proc_t {
	s.Lock()
	if len(s.ready) == 0 {
		s.running = IdlePid
		s.Unlock()
		return nil
	}
	pid := s.ready[0]
	s.ready = append(s.ready[1:], pid)
	s.running = pid
	s.Unlock()

	p := ByPid(pid)
	if p == nil {
		s.remove(pid)
		return s.Next()
	}
	res.SetBudget(budgetPerSlice)
	return p
}

// Running returns the pid of the task Next most recently handed out.
func (s *Sched_t) Running() Pid_t {
	s.Lock()
	defer s.Unlock()
	return s.running
}

// NRunnable returns the count of tasks currently in State Running.
func (s *Sched_t) NRunnable() int {
	s.Lock()
	defer s.Unlock()
	return s.nrun
}

// Tick advances the scheduler by one timer interrupt: it charges the
// running task one unit against its slice budget, and once that budget
// is exhausted, hands off to the next ready task.
func Tick() *Proc_t {
	if res.Resadd_noblock(1) {
		return ByPid(sched.Running())
	}
	return sched.Next()
}
