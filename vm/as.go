package vm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"nucleus/defs"
	"nucleus/mem"
)

// defaultStackPages and defaultStackRedzone size the stack region
// DefineStack installs; the redzone is the forbidden-overlap band below
// the stack's base that catches stack-overflow faults as BadAddress
// rather than letting them run into a neighboring region.
const (
	defaultStackPages   = 64
	defaultStackRedzone = 4 * mem.PageSize
	defaultStackBase    = 0x7ffff000 - defaultStackPages*mem.PageSize
)

// VMObject is a contiguous range of virtual pages within an address
// space: an ordered array of lpage owners (nil meaning zerofill-on-
// demand), a base address, and a lower redzone forbidding overlap.
type VMObject struct {
	Base    uintptr
	Redzone uintptr
	NPages  int
	R, W, X bool

	lpages []*Lpage
}

// overlaps reports whether o and other's [base-redzone, base+npages*pagesize)
// ranges intersect.
func (o *VMObject) overlaps(other *VMObject) bool {
	lo := o.Base - o.Redzone
	hi := o.Base + uintptr(o.NPages)*mem.PageSize
	olo := other.Base - other.Redzone
	ohi := other.Base + uintptr(other.NPages)*mem.PageSize
	return lo < ohi && olo < hi
}

// contains reports whether va falls within o's page range (excluding the
// redzone, which is never mapped).
func (o *VMObject) contains(va uintptr) (idx int, ok bool) {
	if va < o.Base {
		return 0, false
	}
	off := va - o.Base
	idx = int(off / mem.PageSize)
	if idx >= o.NPages {
		return 0, false
	}
	return idx, true
}

// AddressSpace is a process's address space: an ordered list of
// vm_objects whose ranges (including redzones) never overlap. Per
// spec.md §5, an address space is single-threaded — one address space
// belongs to exactly one process — which is the invariant that lets
// Fork and Fault skip locking the object list itself; the mutex here
// guards only against this core's own test harnesses driving concurrent
// calls against a single AddressSpace by mistake.
type AddressSpace struct {
	mgr *Manager

	mu      sync.Mutex
	objects []*VMObject

	// CPU identifies which simulated CPU this address space is
	// currently active on, for MMU/TLB operations.
	CPU int32
}

// Activate records which simulated CPU this address space now runs on.
func (as *AddressSpace) Activate(cpu int) {
	atomic.StoreInt32(&as.CPU, int32(cpu))
	as.mgr.CM.TLBShootdownAll()
}

func (as *AddressSpace) cpu() int { return int(atomic.LoadInt32(&as.CPU)) }

// DefineRegion registers a new vm_object. base is rounded down to a page
// boundary and size is rounded up; the call is rejected with
// InvalidArgument if the new region's range (including redzone) overlaps
// an existing one. Permissions are recorded but not enforced in this
// core (spec.md §4.3).
func (as *AddressSpace) DefineRegion(base, size, redzone uintptr, r, w, x bool) (*VMObject, defs.Err) {
	base = mem.Rounddown(base)
	size = mem.Roundup(size)
	obj := &VMObject{
		Base:    base,
		Redzone: redzone,
		NPages:  int(size / mem.PageSize),
		R:       r, W: w, X: x,
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	for _, o := range as.objects {
		if obj.overlaps(o) {
			return nil, defs.InvalidArgument
		}
	}
	obj.lpages = make([]*Lpage, obj.NPages)
	as.objects = append(as.objects, obj)
	return obj, defs.OK
}

// DefineStack installs the process's stack region at a fixed location
// and returns the initial stack pointer (the top of the region).
func (as *AddressSpace) DefineStack() (uintptr, defs.Err) {
	_, err := as.DefineRegion(defaultStackBase, defaultStackPages*mem.PageSize, defaultStackRedzone, true, true, false)
	if err != defs.OK {
		return 0, err
	}
	return defaultStackBase + defaultStackPages*mem.PageSize, defs.OK
}

// locate returns the vm_object containing va and the lpage index within
// it, or ok=false if va is unmapped by any region.
func (as *AddressSpace) locate(va uintptr) (*VMObject, int, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, o := range as.objects {
		if idx, ok := o.contains(va); ok {
			return o, idx, true
		}
	}
	return nil, 0, false
}

// Fault handles a hardware page fault at va (already page-aligned) of
// the given type. It locates the owning vm_object, materializes a
// zero-fill lpage if the slot was never touched, and delegates to the
// lpage fault state machine.
func (as *AddressSpace) Fault(typ FaultType, va uintptr) defs.Err {
	va = mem.Rounddown(va)
	obj, idx, ok := as.locate(va)
	if !ok {
		return defs.BadAddress
	}

	as.mu.Lock()
	lp := obj.lpages[idx]
	if lp == nil {
		lp = newLpage(as.mgr)
		obj.lpages[idx] = lp
	}
	as.mu.Unlock()

	return as.faultLpage(lp, obj, va)
}

// Access is the software stand-in for a CPU load/store through the
// MMU: it faults va in if necessary, then reads or writes the single
// byte at va directly against the resident frame while briefly holding
// it pinned, so the transfer can't race a concurrent eviction. Returns
// the byte's value after the access (the written value, for writes).
func (as *AddressSpace) Access(typ FaultType, va uintptr, write bool, value byte) (byte, defs.Err) {
	page := mem.Rounddown(va)
	off := int(va - page)

	obj, idx, ok := as.locate(page)
	if !ok {
		return 0, defs.BadAddress
	}
	if err := as.Fault(typ, page); err != defs.OK {
		return 0, err
	}

	as.mu.Lock()
	lp := obj.lpages[idx]
	as.mu.Unlock()

	frame, ok := lp.lockAndPin()
	if !ok {
		// Evicted between Fault and here; fault again and retry once.
		if err := as.Fault(typ, page); err != defs.OK {
			return 0, err
		}
		frame, ok = lp.lockAndPin()
		if !ok {
			panic("vm: Access: lpage not resident immediately after fault")
		}
	}
	bytes := as.mgr.CM.Bytes(frame)
	if write {
		bytes[off] = value
		lp.dirty = true
	}
	v := bytes[off]
	lp.mu.Unlock()
	as.mgr.CM.Unpin(frame)
	return v, defs.OK
}

// faultLpage implements the three lpage states from spec.md §4.3:
// resident (minor fault, just install the TLB mapping), swapped (major
// fault, page in through the coremap/swap stack), and never-
// materialized (treated as swapped against a freshly zeroed frame).
func (as *AddressSpace) faultLpage(lp *Lpage, obj *VMObject, va uintptr) defs.Err {
	for {
		if frame, ok := lp.lockAndPin(); ok {
			lp.dirty = lp.dirty || obj.W
			lp.mu.Unlock()
			as.mgr.CM.MMUMap(as.cpu(), va, frame, obj.W)
			atomic.AddInt64(&as.mgr.minFaults, 1)
			as.mgr.note("minor_fault", fmt.Sprintf("va=%#x frame=%d", va, frame))
			return defs.OK
		}

		lp.mu.Lock()
		if lp.frame >= 0 {
			// Someone else materialized it between our failed pin
			// attempt and taking the lock; retry from the top.
			lp.mu.Unlock()
			continue
		}
		neverResident := false
		if lp.swapaddr == InvalidSwapAddr {
			// Never materialized: zero-fill in place.
			if err := as.mgr.SW.Reserve(1); err != defs.OK {
				lp.mu.Unlock()
				return err
			}
			lp.swapaddr = as.mgr.SW.Alloc()
			neverResident = true
		}
		swapaddr := lp.swapaddr
		lp.mu.Unlock()

		as.mgr.SW.PagingLock.Lock()
		frame, err := as.mgr.CM.AllocUser(lp)
		if err != defs.OK {
			as.mgr.SW.PagingLock.Unlock()
			return err
		}
		if neverResident {
			as.mgr.CM.ZeroPage(frame)
			atomic.AddInt64(&as.mgr.zerofills, 1)
		} else {
			as.mgr.SW.Pagein(as.mgr.CM.Bytes(frame), swapaddr)
			atomic.AddInt64(&as.mgr.majFaults, 1)
		}
		as.mgr.SW.PagingLock.Unlock()

		lp.mu.Lock()
		lp.frame = frame
		lp.dirty = lp.dirty || obj.W || neverResident
		lp.mu.Unlock()

		as.mgr.CM.MMUMap(as.cpu(), va, frame, obj.W)
		as.mgr.note("major_fault", fmt.Sprintf("va=%#x frame=%d zerofill=%v", va, frame, neverResident))
		return defs.OK
	}
}

// Fork creates a new address space and copies every populated lpage of
// every vm_object into it, reserving swap for each object's full page
// count up front so the copy can never fail partway for lack of swap
// space. The source address space is not modified.
func (as *AddressSpace) Fork() (*AddressSpace, defs.Err) {
	nas := as.mgr.Create()

	as.mu.Lock()
	srcObjects := make([]*VMObject, len(as.objects))
	copy(srcObjects, as.objects)
	as.mu.Unlock()

	for _, obj := range srcObjects {
		nobj := &VMObject{
			Base: obj.Base, Redzone: obj.Redzone, NPages: obj.NPages,
			R: obj.R, W: obj.W, X: obj.X,
			lpages: make([]*Lpage, obj.NPages),
		}
		if err := as.mgr.SW.Reserve(uint64(obj.NPages)); err != defs.OK {
			return nil, err
		}
		for i, lp := range obj.lpages {
			if lp == nil {
				continue
			}
			nlp, err := as.copyLpage(lp)
			if err != defs.OK {
				return nil, err
			}
			nobj.lpages[i] = nlp
		}
		nas.mu.Lock()
		nas.objects = append(nas.objects, nobj)
		nas.mu.Unlock()
	}
	return nas, defs.OK
}

// copyLpage materializes a fresh lpage with its own swap slot and
// frame, pages the source in if it isn't resident, copies its contents,
// and marks the new lpage dirty so it is written out before its first
// eviction — lpage_copy from the original kernel's lpage.c.
func (as *AddressSpace) copyLpage(src *Lpage) (*Lpage, defs.Err) {
	dst := newLpage(as.mgr)
	dst.swapaddr = as.mgr.SW.Alloc()

	as.mgr.SW.PagingLock.Lock()
	frame, err := as.mgr.CM.AllocUser(dst)
	if err != defs.OK {
		as.mgr.SW.PagingLock.Unlock()
		as.mgr.SW.Free(dst.swapaddr)
		return nil, err
	}

	if srcFrame, ok := src.lockAndPin(); ok {
		as.mgr.CM.CopyPage(frame, srcFrame)
		src.mu.Unlock()
		as.mgr.CM.Unpin(srcFrame)
	} else {
		src.mu.Lock()
		swapaddr := src.swapaddr
		src.mu.Unlock()
		as.mgr.SW.Pagein(as.mgr.CM.Bytes(frame), swapaddr)
	}
	as.mgr.SW.PagingLock.Unlock()

	dst.frame = frame
	dst.dirty = true
	as.mgr.CM.Unpin(frame)
	return dst, defs.OK
}

// Destroy tears down every vm_object, returning each resident frame to
// the coremap and each allocated swap slot to the swap store.
func (as *AddressSpace) Destroy() {
	as.mu.Lock()
	objects := as.objects
	as.objects = nil
	as.mu.Unlock()

	for _, obj := range objects {
		for _, lp := range obj.lpages {
			if lp == nil {
				continue
			}
			lp.mu.Lock()
			if lp.frame >= 0 {
				as.mgr.CM.Free(lp.frame, false)
				lp.frame = -1
			}
			if lp.swapaddr != InvalidSwapAddr {
				as.mgr.SW.Free(lp.swapaddr)
				lp.swapaddr = InvalidSwapAddr
			}
			lp.mu.Unlock()
		}
	}
}
