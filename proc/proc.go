// Package proc implements the PID manager: a fixed-capacity process
// table keyed by identifier modulo capacity, exit/join/detach, and the
// eight-signal running/stopped/terminating state machine. Grounded on
// the original kernel's kern/thread/pid.c for the table shape
// (pi_get/pi_put/pi_drop, inc_nextpid collision-skip scanning) and
// spec.md §4.4 for join/detach/signal, which the source left as
// "Implement me".
package proc

import (
	"sync"

	"nucleus/accnt"
	"nucleus/defs"
	"nucleus/fdtable"
)

// Pidinfo is one process's table record. All fields are mutated only
// with the owning Table's mutex held.
type Pidinfo struct {
	Pid    defs.Pid
	Parent defs.Pid
	Acct   *accnt.Accnt
	Fds    *fdtable.Table

	exited     bool
	status     uint16
	waitCV     *sync.Cond
	joiners    int
	detached   bool
	killSignal defs.Signal
	stopped    bool
	signalCV   *sync.Cond
}

// Table is the fixed-capacity process table: one slot per identifier
// modulo capacity, collisions on allocation skip the candidate
// identifier rather than chaining.
type Table struct {
	mu sync.Mutex

	slots   []*Pidinfo
	nextPid defs.Pid
	nprocs  int

	pidMin, pidMax int32
	procsMax       int
}

// Config bundles the construction-time capacity parameters, per
// spec.md's Design Notes §9 ("explicit initializer taking the
// configuration parameters").
type Config struct {
	ProcsMax int
	PidMin   int32
	PidMax   int32
}

// New constructs an empty Table and immediately bootstraps the
// permanent identifier Bootup (pid 1), matching pid_bootstrap.
func New(cfg Config) *Table {
	t := &Table{
		slots:    make([]*Pidinfo, cfg.ProcsMax),
		pidMin:   cfg.PidMin,
		pidMax:   cfg.PidMax,
		procsMax: cfg.ProcsMax,
	}
	t.bootstrap()
	return t
}

func (t *Table) newCond() *sync.Cond { return sync.NewCond(&t.mu) }

// bootstrap installs the permanent Bootup record and seeds the
// allocation cursor at PidMin.
func (t *Table) bootstrap() {
	pi := &Pidinfo{Pid: defs.Bootup, Parent: defs.Invalid, Acct: accnt.New()}
	pi.waitCV = t.newCond()
	pi.signalCV = t.newCond()
	t.slots[int(defs.Bootup)%len(t.slots)] = pi
	t.nextPid = defs.Pid(t.pidMin)
	t.nprocs = 1
}

// slot returns the table slot a pid hashes to.
func (t *Table) slot(pid defs.Pid) *Pidinfo {
	pi := t.slots[int(pid)%len(t.slots)]
	if pi == nil || pi.Pid != pid {
		return nil
	}
	return pi
}

func (t *Table) incNextPid() {
	t.nextPid++
	if int32(t.nextPid) > t.pidMax {
		t.nextPid = defs.Pid(t.pidMin)
	}
}

// Alloc allocates a new pid with parent as its parent, scanning forward
// from the last candidate and skipping occupied slots. It fails with
// OutOfMemory (TryAgain at the syscall layer) once the table is full.
func (t *Table) Alloc(parent defs.Pid) (defs.Pid, defs.Err) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.nprocs == t.procsMax {
		return defs.Invalid, defs.OutOfMemory
	}

	count := 0
	for t.slots[int(t.nextPid)%len(t.slots)] != nil {
		count++
		if count > t.procsMax*2+5 {
			panic("proc: Alloc: collision scan did not terminate")
		}
		t.incNextPid()
	}

	pid := t.nextPid
	pi := &Pidinfo{
		Pid:    pid,
		Parent: parent,
		Acct:   accnt.New(),
		Fds:    fdtable.NewTable(),
	}
	pi.waitCV = t.newCond()
	pi.signalCV = t.newCond()
	t.slots[int(pid)%len(t.slots)] = pi
	t.nprocs++
	t.incNextPid()
	return pid, defs.OK
}

// Unalloc is the undo path for a pid whose thread never ran: it forces
// the record into freed state and drops it immediately.
func (t *Table) Unalloc(pid defs.Pid) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pi := t.slot(pid)
	if pi == nil {
		panic("proc: Unalloc: unknown pid")
	}
	pi.exited = true
	pi.Parent = defs.Invalid
	t.drop(pid)
}

// drop removes a record from the table. Caller holds t.mu.
func (t *Table) drop(pid defs.Pid) {
	t.slots[int(pid)%len(t.slots)] = nil
	t.nprocs--
}

// Exit records the caller's exit status, disowns its children
// (detaching them too if detachChildren is set), and either drops its
// own record immediately (if already detached) or wakes joiners.
func (t *Table) Exit(self defs.Pid, status uint16, detachChildren bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	me := t.slot(self)
	if me == nil {
		panic("proc: Exit: unknown pid")
	}
	me.exited = true
	me.status = status
	if me.Fds != nil {
		me.Fds.Teardown()
	}

	for _, pi := range t.slots {
		if pi != nil && pi.Parent == self {
			pi.Parent = defs.Invalid
			if detachChildren {
				pi.detached = true
			}
		}
	}

	if me.detached {
		t.drop(self)
		return
	}
	me.waitCV.Broadcast()
}

// Join waits for target to exit and returns its status, following
// spec.md §4.4's error ordering and WNOHANG handling. The record is
// dropped once the last joiner returns.
func (t *Table) Join(caller, target defs.Pid, wnohang bool) (uint16, defs.Err) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if target == defs.Invalid || target == defs.Bootup {
		return 0, defs.InvalidArgument
	}
	if target == caller {
		return 0, defs.Deadlock
	}
	pi := t.slot(target)
	if pi == nil {
		return 0, defs.NoSuchProcess
	}
	if pi.detached {
		return 0, defs.InvalidArgument
	}
	if !pi.exited && wnohang {
		return 0, defs.OK
	}

	pi.joiners++
	for !pi.exited {
		pi.waitCV.Wait()
	}
	status := pi.status
	pi.joiners--

	if pi.joiners == 0 {
		pi.Parent = defs.Invalid
		t.drop(target)
	}
	return status, defs.OK
}

// Detach relinquishes the caller's interest in child's exit status.
// Rejects non-children, targets with active joiners, and already-
// detached targets; drops the record immediately if child has already
// exited.
func (t *Table) Detach(caller, child defs.Pid) defs.Err {
	t.mu.Lock()
	defer t.mu.Unlock()

	pi := t.slot(child)
	if pi == nil || pi.Parent != caller || pi.detached || pi.joiners > 0 {
		return defs.InvalidArgument
	}
	if pi.exited {
		t.drop(child)
		return defs.OK
	}
	pi.detached = true
	return defs.OK
}

// ChildStatus reports whether pid is a live child of caller, per
// is_child_of_caller.
type ChildStatus int

const (
	No ChildStatus = iota
	Yes
	Missing
)

// Lookup returns pid's record, or nil if it is not currently in the
// table. Intended for read-only access to fields that don't change
// after allocation (Pid, Acct, Fds); Parent is rewritten by Exit and
// Join under the table's lock, and callers must not mutate the
// returned record without holding that lock.
func (t *Table) Lookup(pid defs.Pid) *Pidinfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slot(pid)
}

// IsChildOfCaller answers whether pid is a record whose parent is
// caller, or Missing if no such record exists.
func (t *Table) IsChildOfCaller(caller, pid defs.Pid) ChildStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	pi := t.slot(pid)
	if pi == nil {
		return Missing
	}
	if pi.Parent == caller {
		return Yes
	}
	return No
}

// SetSignal implements the sender's half of the signal state machine:
// it mutates the target's kill_signal/stopped/signalCV fields per
// spec.md §4.4's transition table. The target itself acts on these at
// its next HandleSignal call.
func (t *Table) SetSignal(target defs.Pid, sig defs.Signal) defs.Err {
	if err := defs.ClassifySignal(int(sig)); err != defs.OK {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	pi := t.slot(target)
	if pi == nil {
		return defs.NoSuchProcess
	}

	switch {
	case defs.Terminating(sig):
		pi.killSignal = sig
		if pi.stopped {
			// A stopped target must also be woken so its blocked
			// HandleSignal call can observe the kill.
			pi.stopped = false
			pi.signalCV.Broadcast()
		}
	case sig == defs.SIGSTOP:
		pi.stopped = true
	case sig == defs.SIGCONT:
		if pi.stopped {
			pi.stopped = false
			pi.signalCV.Broadcast()
		}
	case sig == defs.SIGWINCH, sig == defs.SIGINFO:
		// Recognized but ignored: the send succeeds with no state
		// change, per spec.md §4.4 and the resolved open question.
	}
	return defs.OK
}

// HandleSignal is called by the target thread before returning to
// userland. If a terminating signal is pending it returns true and the
// encoded exit status, so the caller can run the equivalent of
// thread_exit after releasing any locks of its own; otherwise it may
// block the calling goroutine on the signal CV while stopped.
func (t *Table) HandleSignal(self defs.Pid) (terminate bool, status uint16) {
	t.mu.Lock()

	pi := t.slot(self)
	if pi == nil {
		t.mu.Unlock()
		panic("proc: HandleSignal: unknown pid")
	}

	if pi.killSignal != 0 {
		sig := pi.killSignal
		t.mu.Unlock()
		return true, defs.EncodeExitStatus(0, sig)
	}

	for pi.stopped {
		pi.signalCV.Wait()
	}
	if pi.killSignal != 0 {
		// Woken out of a stop by a terminating signal.
		sig := pi.killSignal
		t.mu.Unlock()
		return true, defs.EncodeExitStatus(0, sig)
	}
	t.mu.Unlock()
	return false, 0
}
