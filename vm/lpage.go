package vm

import (
	"sync"

	"nucleus/defs"
)

// InvalidSwapAddr marks an lpage that has not yet been assigned a swap
// slot.
const InvalidSwapAddr = ^uint64(0)

// Lpage is a per-virtual-page descriptor. It is resident when frame >=
// 0, swapped when frame < 0 and swapaddr is valid, and freshly
// materialized-zerofill the instant both become true for the first
// time. Ownership is exclusive to a single address space; the mutex
// here is the "per-lpage spinlock" of spec.md §5.
type Lpage struct {
	mgr *Manager

	mu       sync.Mutex
	frame    int // coremap frame index; -1 if not resident
	dirty    bool
	swapaddr uint64
}

// newLpage returns an lpage with no frame and no swap slot yet assigned.
func newLpage(mgr *Manager) *Lpage {
	return &Lpage{mgr: mgr, frame: -1, swapaddr: InvalidSwapAddr}
}

// Evict implements coremap.PageOwner. It is called by the coremap with
// its own spinlock released and the frame already pinned; lp writes the
// frame out if dirty and forgets its resident frame. The caller must
// already hold mgr.SW.PagingLock — every path that can reach eviction
// (a major fault, or a fork-copy allocating a fresh frame) takes it
// first, and lpage locks must never be held while entering the coremap,
// so Evict cannot acquire it itself without risking a self-deadlock
// against its own caller.
func (lp *Lpage) Evict(frame []byte) defs.Err {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if lp.dirty {
		lp.mgr.SW.Pageout(frame, lp.swapaddr)
		lp.dirty = false
	}
	lp.frame = -1
	return defs.OK
}

// lockAndPin pins lp's resident frame in the coremap and then relocks
// lp, retrying if the frame changed out from under it during the pin
// attempt (it may have been concurrently evicted). Returns ok=false if
// lp is not resident at all, with lp unlocked. On ok=true, lp's lock is
// held on return — the caller must Unlock it (and eventually Unpin the
// frame, directly or via MMUMap). This is the retry dance spec.md §4.3
// requires so an lpage lock is never held while blocking on the
// coremap's pin wait.
func (lp *Lpage) lockAndPin() (frame int, ok bool) {
	for {
		lp.mu.Lock()
		f := lp.frame
		lp.mu.Unlock()
		if f < 0 {
			return -1, false
		}
		lp.mgr.CM.Pin(f)
		lp.mu.Lock()
		if lp.frame != f {
			lp.mu.Unlock()
			lp.mgr.CM.Unpin(f)
			continue
		}
		return f, true
	}
}
