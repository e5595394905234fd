package main

import (
	"fmt"
	"sync"

	"nucleus/defs"
	"nucleus/kernel"
	"nucleus/mem"
	"nucleus/vm"
)

// scenario is one of the S1-S6 end-to-end demonstrations: a named
// function exercising the kernel's fork/exit/join/signal/fault surface
// and returning an error if any invariant is violated.
type scenario struct {
	name string
	run  func(k *kernel.Kernel) error
}

var scenarios = []scenario{
	{"S1", scenarioS1},
	{"S2", scenarioS2},
	{"S3", scenarioS3},
	{"S4", scenarioS4},
	{"S5", scenarioS5},
	{"S6", scenarioS6},
}

// scenarioS1: spawn 8 workers that each yield then exit with EXIT(i);
// parent joins them in FIFO order and checks the matching status.
func scenarioS1(k *kernel.Kernel) error {
	parent := defs.Bootup
	children := make([]defs.Pid, 8)
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		child, err := k.Fork(parent)
		if err != defs.OK {
			return fmt.Errorf("S1: fork %d: %s", i, err)
		}
		children[i] = child
		wg.Add(1)
		go func(i int, child defs.Pid) {
			defer wg.Done()
			for j := 0; j < 100*(i+1); j++ {
				// yield
			}
			k.Exit(child, i, 0, false)
		}(i, child)
	}

	for i, child := range children {
		_, status, err := k.Waitpid(parent, child, false)
		if err != defs.OK {
			return fmt.Errorf("S1: join %d: %s", i, err)
		}
		if defs.WIFSIGNALED(status) || defs.WEXITSTATUS(status) != i {
			return fmt.Errorf("S1: worker %d: unexpected status %#x", i, status)
		}
	}
	wg.Wait()
	return nil
}

// scenarioS2: workers signal a per-worker semaphore then exit; parent
// waits on the semaphore before joining each.
func scenarioS2(k *kernel.Kernel) error {
	parent := defs.Bootup
	children := make([]defs.Pid, 8)
	sems := make([]chan struct{}, 8)

	for i := 0; i < 8; i++ {
		child, err := k.Fork(parent)
		if err != defs.OK {
			return fmt.Errorf("S2: fork %d: %s", i, err)
		}
		children[i] = child
		sems[i] = make(chan struct{})
		go func(i int, child defs.Pid, sem chan struct{}) {
			sem <- struct{}{}
			k.Exit(child, i, 0, false)
		}(i, child, sems[i])
	}

	for i, child := range children {
		<-sems[i]
		_, status, err := k.Waitpid(parent, child, false)
		if err != defs.OK {
			return fmt.Errorf("S2: join %d: %s", i, err)
		}
		if defs.WEXITSTATUS(status) != i {
			return fmt.Errorf("S2: worker %d: unexpected status %#x", i, status)
		}
	}
	return nil
}

// scenarioS3: spawn 8 workers, detach each immediately; a join after the
// detach (made before the worker exits, since a detached record is
// dropped at exit) must return InvalidArgument.
func scenarioS3(k *kernel.Kernel) error {
	parent := defs.Bootup
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		child, err := k.Fork(parent)
		if err != defs.OK {
			return fmt.Errorf("S3: fork %d: %s", i, err)
		}
		if err := k.Proc.Detach(parent, child); err != defs.OK {
			return fmt.Errorf("S3: detach %d: %s", i, err)
		}
		if _, _, err := k.Waitpid(parent, child, false); err != defs.InvalidArgument {
			return fmt.Errorf("S3: worker %d: join returned %s, want InvalidArgument", i, err)
		}
		wg.Add(1)
		go func(i int, child defs.Pid) {
			defer wg.Done()
			k.Exit(child, i, 0, false)
		}(i, child)
	}
	wg.Wait()
	return nil
}

// scenarioS4: spawn W0, then W1..W7 each joining its predecessor (a
// sibling, not its parent); parent joins W7 last.
func scenarioS4(k *kernel.Kernel) error {
	parent := defs.Bootup
	workers := make([]defs.Pid, 8)
	done := make([]chan struct{}, 8)
	for i := range done {
		done[i] = make(chan struct{})
	}

	w0, err := k.Fork(parent)
	if err != defs.OK {
		return fmt.Errorf("S4: fork W0: %s", err)
	}
	workers[0] = w0
	go func() {
		k.Exit(w0, 0, 0, false)
		close(done[0])
	}()

	for i := 1; i < 8; i++ {
		wi, err := k.Fork(parent)
		if err != defs.OK {
			return fmt.Errorf("S4: fork W%d: %s", i, err)
		}
		workers[i] = wi
		go func(i int, self, predecessor defs.Pid) {
			// Joins its predecessor directly, which is not its parent
			// (both are children of the same bootstrap process) — the
			// non-parent-join property spec.md §8 property 4 tests.
			<-done[i-1]
			if _, err := k.Proc.Join(self, predecessor, false); err != defs.OK {
				panic(fmt.Sprintf("S4: W%d join W%d: %s", i, i-1, err))
			}
			k.Exit(self, i, 0, false)
			close(done[i])
		}(i, wi, workers[i-1])
	}

	<-done[6]
	_, status, err := k.Waitpid(parent, workers[7], false)
	if err != defs.OK {
		return fmt.Errorf("S4: join W7: %s", err)
	}
	if defs.WEXITSTATUS(status) != 7 {
		return fmt.Errorf("S4: W7: unexpected status %#x", status)
	}
	return nil
}

// scenarioS5: stop/continue/kill against two infinite-loop children.
func scenarioS5(k *kernel.Kernel) error {
	parent := defs.Bootup

	spawn := func() (defs.Pid, chan struct{}) {
		child, _ := k.Fork(parent)
		exited := make(chan struct{})
		go func() {
			for {
				terminate, status := k.Proc.HandleSignal(child)
				if terminate {
					k.Proc.Exit(child, status, false)
					close(exited)
					return
				}
			}
		}()
		return child, exited
	}

	c0, done0 := spawn()
	c1, done1 := spawn()

	if err := k.Kill(c1, defs.SIGSTOP); err != defs.OK {
		return fmt.Errorf("S5: stop c1: %s", err)
	}
	if err := k.Kill(c0, defs.SIGSTOP); err != defs.OK {
		return fmt.Errorf("S5: stop c0: %s", err)
	}
	if err := k.Kill(c0, defs.SIGCONT); err != defs.OK {
		return fmt.Errorf("S5: continue c0: %s", err)
	}
	if err := k.Kill(c1, defs.SIGSTOP); err != defs.OK {
		return fmt.Errorf("S5: re-stop c1: %s", err)
	}
	if err := k.Kill(c1, defs.SIGKILL); err != defs.OK {
		return fmt.Errorf("S5: kill c1: %s", err)
	}
	if err := k.Kill(c0, defs.SIGKILL); err != defs.OK {
		return fmt.Errorf("S5: kill c0: %s", err)
	}

	<-done0
	<-done1

	for _, c := range []defs.Pid{c0, c1} {
		_, status, err := k.Waitpid(parent, c, false)
		if err != defs.OK {
			return fmt.Errorf("S5: join %d: %s", c, err)
		}
		if !defs.WIFSIGNALED(status) || defs.WTERMSIG(status) != defs.SIGKILL {
			return fmt.Errorf("S5: %d: expected signal-killed status, got %#x", c, status)
		}
	}
	return nil
}

// scenarioS6: three concurrent children each allocate a 512-page sparse
// array, write an increasing value to each page, and verify it five
// times — passing regardless of physical-memory size given swap ≥ 20x
// RAM, since faulted-out pages round-trip transparently.
func scenarioS6(k *kernel.Kernel) error {
	parent := defs.Bootup
	const npages = 512
	var wg sync.WaitGroup
	errs := make(chan error, 3)
	children := make([]defs.Pid, 3)

	for w := 0; w < 3; w++ {
		child, err := k.Fork(parent)
		if err != defs.OK {
			return fmt.Errorf("S6: fork %d: %s", w, err)
		}
		children[w] = child
		wg.Add(1)
		go func(w int, child defs.Pid) {
			defer wg.Done()
			as := k.AddressSpace(child)
			if as == nil {
				errs <- fmt.Errorf("S6: worker %d: no address space", w)
				return
			}
			base := uintptr(0x10000000 + w*npages*mem.PageSize*2)
			obj, verr := as.DefineRegion(base, npages*mem.PageSize, 0, true, true, false)
			if verr != defs.OK {
				errs <- fmt.Errorf("S6: worker %d: DefineRegion: %s", w, verr)
				return
			}

			for i := 0; i < npages; i++ {
				va := obj.Base + uintptr(i)*mem.PageSize
				if _, verr := as.Access(vm.FaultWrite, va, true, byte(i)); verr != defs.OK {
					errs <- fmt.Errorf("S6: worker %d: write page %d: %s", w, i, verr)
					return
				}
			}

			for round := 0; round < 5; round++ {
				for i := 0; i < npages; i++ {
					va := obj.Base + uintptr(i)*mem.PageSize
					v, verr := as.Access(vm.FaultRead, va, false, 0)
					if verr != defs.OK {
						errs <- fmt.Errorf("S6: worker %d: read page %d round %d: %s", w, i, round, verr)
						return
					}
					if v != byte(i) {
						errs <- fmt.Errorf("S6: worker %d: page %d round %d: got %d want %d", w, i, round, v, byte(i))
						return
					}
				}
			}
			k.Exit(child, w, 0, false)
		}(w, child)
	}

	wg.Wait()
	close(errs)
	for e := range errs {
		if e != nil {
			return e
		}
	}
	for w, child := range children {
		if _, _, err := k.Waitpid(parent, child, false); err != defs.OK {
			return fmt.Errorf("S6: join worker %d: %s", w, err)
		}
	}
	return nil
}
