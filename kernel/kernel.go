package kernel

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"nucleus/coremap"
	"nucleus/defs"
	"nucleus/fdtable"
	"nucleus/proc"
	"nucleus/ringlog"
	"nucleus/swap"
	"nucleus/vm"
)

// Kernel bundles the bootstrapped subsystems a running simulation needs:
// the coremap, swap store, VM fault manager, and process table, plus
// the address space and descriptor table each live process owns.
type Kernel struct {
	Cfg Config
	Log *logrus.Entry

	CM   *coremap.Coremap
	SW   *swap.Store
	VM   *vm.Manager
	Proc *proc.Table
	Ring *ringlog.Ring[ringlog.Event]

	spacesMu sync.Mutex
	spaces   map[defs.Pid]*vm.AddressSpace
}

func replPolicy(name string) coremap.ReplacementPolicy {
	if name == "random" {
		return coremap.RandomReplacement{}
	}
	return coremap.SequentialReplacement{}
}

func tlbPolicy(name string) coremap.TLBSlotPolicy {
	if name == "random" {
		return coremap.RandomTLBPolicy{}
	}
	return coremap.NewSequentialTLBPolicy()
}

// New bootstraps a Kernel from cfg: opens the swap file, builds the
// coremap over a fresh simulated-RAM arena, and initializes the process
// table with the permanent Bootup record.
func New(cfg Config, log *logrus.Entry) (*Kernel, error) {
	if log == nil {
		l := logrus.New()
		lvl, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			lvl = logrus.InfoLevel
		}
		l.SetLevel(lvl)
		log = logrus.NewEntry(l)
	}

	ring := ringlog.New[ringlog.Event](1024)

	physMemBytes := int64(cfg.CoremapFrames) * 4096
	sw, err := swap.Open(cfg.SwapPath, physMemBytes, log.WithField("subsystem", "swap"))
	if err != nil {
		return nil, fmt.Errorf("kernel: opening swap: %w", err)
	}

	cm := coremap.New(coremap.Config{
		Frames:     cfg.CoremapFrames,
		NumCPUs:    cfg.NumCPUs,
		TLBSlots:   cfg.TLBSlots,
		ReplPolicy: replPolicy(cfg.ReplPolicy),
		TLBPolicy:  tlbPolicy(cfg.TLBPolicy),
		Log:        log.WithField("subsystem", "coremap"),
		Ring:       ring,
	})

	mgr := vm.NewManager(cm, sw, log.WithField("subsystem", "vm"), ring)

	pt := proc.New(proc.Config{
		ProcsMax: cfg.ProcsMax,
		PidMin:   cfg.PidMin,
		PidMax:   cfg.PidMax,
	})

	k := &Kernel{
		Cfg:    cfg,
		Log:    log,
		CM:     cm,
		SW:     sw,
		VM:     mgr,
		Proc:   pt,
		Ring:   ring,
		spaces: make(map[defs.Pid]*vm.AddressSpace),
	}
	k.spaces[defs.Bootup] = mgr.Create()
	return k, nil
}

// Close releases the swap file.
func (k *Kernel) Close() error {
	return k.SW.Close()
}

// errno maps a defs.Err to the external errno-style name spec.md §6
// and §7 use, for log messages and test assertions; the numeric -1/
// errno encoding itself is a userland concern out of this core's scope.
func errno(err defs.Err) string {
	switch err {
	case defs.NoSuchProcess:
		return "ESRCH"
	case defs.NotAChild:
		return "ECHILD"
	case defs.InvalidArgument:
		return "EINVAL"
	case defs.Deadlock:
		return "EDEADLK"
	case defs.Unimplemented:
		return "EUNIMP"
	case defs.OutOfMemory:
		return "EAGAIN"
	default:
		return "EINVAL"
	}
}

// Fork allocates a pid for a new child of parent, copies its address
// space, and returns the child's pid. The child gets the fresh, empty
// descriptor table proc.Table.Alloc creates; the parent's descriptors
// are not duplicated.
func (k *Kernel) Fork(parent defs.Pid) (defs.Pid, defs.Err) {
	child, err := k.Proc.Alloc(parent)
	if err != defs.OK {
		return defs.Invalid, err
	}

	k.spacesMu.Lock()
	pas, ok := k.spaces[parent]
	k.spacesMu.Unlock()
	if !ok {
		k.Proc.Unalloc(child)
		return defs.Invalid, defs.NoSuchProcess
	}
	cas, verr := pas.Fork()
	if verr != defs.OK {
		k.Proc.Unalloc(child)
		return defs.Invalid, verr
	}
	k.spacesMu.Lock()
	k.spaces[child] = cas
	k.spacesMu.Unlock()

	k.Log.WithFields(logrus.Fields{"parent": parent, "child": child}).Info("kernel: fork")
	return child, defs.OK
}

// Exit records status for self, tears down its address space, and
// disowns (optionally detaching) its children.
func (k *Kernel) Exit(self defs.Pid, code int, sig defs.Signal, detachChildren bool) {
	k.spacesMu.Lock()
	as, ok := k.spaces[self]
	if ok {
		delete(k.spaces, self)
	}
	k.spacesMu.Unlock()
	if ok {
		as.Destroy()
	}
	status := defs.EncodeExitStatus(code, sig)
	k.Proc.Exit(self, status, detachChildren)
	k.Log.WithFields(logrus.Fields{"pid": self, "status": status}).Info("kernel: exit")
}

// Waitpid implements the waitpid syscall: joins target, additionally
// enforcing "caller is parent of target" as the wrapper spec.md §4.4
// describes, and remapping NoSuchProcess to NotAChild when target is a
// real but unrelated process.
func (k *Kernel) Waitpid(caller, target defs.Pid, wnohang bool) (defs.Pid, uint16, defs.Err) {
	switch k.Proc.IsChildOfCaller(caller, target) {
	case proc.Missing:
		return defs.Invalid, 0, defs.NoSuchProcess
	case proc.No:
		return defs.Invalid, 0, defs.NotAChild
	}

	status, err := k.Proc.Join(caller, target, wnohang)
	if err != defs.OK {
		k.Log.WithFields(logrus.Fields{"caller": caller, "target": target, "errno": errno(err)}).Debug("kernel: waitpid failed")
		return defs.Invalid, 0, err
	}
	return target, status, defs.OK
}

// Kill implements the kill syscall.
func (k *Kernel) Kill(target defs.Pid, sig defs.Signal) defs.Err {
	err := k.Proc.SetSignal(target, sig)
	if err != defs.OK {
		k.Log.WithFields(logrus.Fields{"target": target, "signal": sig, "errno": errno(err)}).Debug("kernel: kill failed")
	}
	return err
}

// Getpid returns self unchanged; provided for symmetry with the
// syscall table in spec.md §6.
func (k *Kernel) Getpid(self defs.Pid) defs.Pid { return self }

// AddressSpace returns the address space belonging to pid, or nil.
func (k *Kernel) AddressSpace(pid defs.Pid) *vm.AddressSpace {
	k.spacesMu.Lock()
	defer k.spacesMu.Unlock()
	return k.spaces[pid]
}

// FdTable returns the descriptor table belonging to pid, or nil.
func (k *Kernel) FdTable(pid defs.Pid) *fdtable.Table {
	pi := k.Proc.Lookup(pid)
	if pi == nil {
		return nil
	}
	return pi.Fds
}
