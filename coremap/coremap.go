// Package coremap owns the array of physical frame descriptors: it
// allocates, frees, and evicts frames, drives simulated TLB shootdown,
// and implements the pin/unpin protocol that keeps a frame stable while
// another subsystem is touching it. Grounded on the original kernel's
// arch/mips/vm/coremap.c eviction-with-pin protocol and spec.md §4.1.
package coremap

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"nucleus/defs"
	"nucleus/mem"
	"nucleus/oomnotify"
	"nucleus/ringlog"
)

// MinSlack is the "kernel admission gate" from spec.md §4.1: a kernel
// allocation is admitted only if more than MinSlack non-kernel frames
// would remain after it.
const MinSlack = 8

// PageOwner is implemented by whoever owns a resident frame's contents
// (vm.Lpage, in the running kernel). It is declared here rather than
// imported from vm to avoid a coremap<->vm import cycle: coremap knows
// only that an owner can be asked to give up its frame.
type PageOwner interface {
	// Evict is invoked with the coremap spinlock released and the frame
	// already pinned; it must write the frame's contents to swap if
	// dirty, and forget the resident paddr, returning only once the
	// frame may be safely reused.
	Evict(frame []byte) defs.Err
}

// ReplacementPolicy picks which of several equally-free candidate frames
// to use, and which victim to evict among several equally bad choices.
// Two implementations are provided, selected at construction, per
// spec.md's Design Notes §9 ("policy trait with two concrete
// implementations").
type ReplacementPolicy interface {
	// Choose returns the index into candidates to use, given that all
	// candidates are equally good by badness/address tie-break.
	Choose(candidates []int) int
}

// SequentialReplacement always takes the first candidate in the order
// the caller lists them; AllocUser lists eviction candidates from the
// high end, so this picks the highest-addressed unpinned user frame.
type SequentialReplacement struct{}

func (SequentialReplacement) Choose(candidates []int) int { return 0 }

// RandomReplacement picks uniformly among tied candidates.
type RandomReplacement struct{}

func (RandomReplacement) Choose(candidates []int) int {
	if len(candidates) == 1 {
		return 0
	}
	return rand.IntN(len(candidates))
}

// TLBSlotPolicy selects which TLB slot of a simulated CPU to reuse next.
type TLBSlotPolicy interface {
	NextSlot(cpu int, numSlots int) int
}

// SequentialTLBPolicy round-robins slots per CPU.
type SequentialTLBPolicy struct {
	mu      sync.Mutex
	cursors map[int]int
}

func NewSequentialTLBPolicy() *SequentialTLBPolicy {
	return &SequentialTLBPolicy{cursors: make(map[int]int)}
}

func (p *SequentialTLBPolicy) NextSlot(cpu int, numSlots int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.cursors[cpu] % numSlots
	p.cursors[cpu] = s + 1
	return s
}

// RandomTLBPolicy picks a uniformly random slot per request.
type RandomTLBPolicy struct{}

func (RandomTLBPolicy) NextSlot(cpu int, numSlots int) int {
	return rand.IntN(numSlots)
}

// tlbEntry records one simulated CPU's TLB mapping of a virtual page to
// a physical frame.
type tlbEntry struct {
	va       uintptr
	frame    int
	writable bool
}

// entry is one physical frame's coremap descriptor.
type entry struct {
	owner     PageOwner
	tlbSlot   int // -1 if not currently mapped in any TLB
	tlbCPU    int
	kernel    bool
	notLast   bool // non-terminal member of a kernel multi-page block
	allocated bool
	pinned    int32 // atomic; read lock-free by IsPinned
}

// Coremap is the physical-frame allocator and eviction engine.
type Coremap struct {
	mu      sync.Mutex // the coremap spinlock: guards entries + counters
	pinCond *sync.Cond // broadcast by Unpin; waited on by Pin
	shootCV *sync.Cond // broadcast once a shootdown target acks

	arena     *mem.Arena
	entries   []entry
	numKernel int

	replPolicy ReplacementPolicy
	tlbPolicy  TLBSlotPolicy
	numSlots   int
	tlbs       map[int]map[int]*tlbEntry // cpu -> slot -> entry
	tlbByFrame map[int]*tlbEntry         // frame -> its current tlb mapping, if any

	oom  chan oomnotify.Msg
	ring *ringlog.Ring[ringlog.Event]
	log  *logrus.Entry

	discardEvictions, writeEvictions, kevictions int64
}

// Config bundles the construction-time parameters for a Coremap,
// following spec.md's Design Notes §9 ("explicit initializer taking the
// configuration parameters... avoid hidden globals").
type Config struct {
	Frames     int
	NumCPUs    int
	TLBSlots   int
	ReplPolicy ReplacementPolicy
	TLBPolicy  TLBSlotPolicy
	Log        *logrus.Entry
	Ring       *ringlog.Ring[ringlog.Event]
}

// New constructs a Coremap over a fresh Arena sized by cfg.Frames.
func New(cfg Config) *Coremap {
	if cfg.ReplPolicy == nil {
		cfg.ReplPolicy = SequentialReplacement{}
	}
	if cfg.TLBPolicy == nil {
		cfg.TLBPolicy = NewSequentialTLBPolicy()
	}
	c := &Coremap{
		arena:      mem.NewArena(cfg.Frames),
		entries:    make([]entry, cfg.Frames),
		replPolicy: cfg.ReplPolicy,
		tlbPolicy:  cfg.TLBPolicy,
		numSlots:   cfg.TLBSlots,
		tlbs:       make(map[int]map[int]*tlbEntry),
		tlbByFrame: make(map[int]*tlbEntry),
		oom:        oomnotify.Ch,
		ring:       cfg.Ring,
		log:        cfg.Log,
	}
	for i := 0; i < cfg.NumCPUs; i++ {
		c.tlbs[i] = make(map[int]*tlbEntry)
	}
	for i := range c.entries {
		c.entries[i].tlbSlot = -1
	}
	c.pinCond = sync.NewCond(&c.mu)
	c.shootCV = sync.NewCond(&c.mu)
	return c
}

func (c *Coremap) note(kind, detail string) {
	if c.ring != nil {
		c.ring.Push(ringlog.Event{Kind: kind, Detail: detail})
	}
}

// NumFrames returns the total number of physical frames.
func (c *Coremap) NumFrames() int { return len(c.entries) }

// Pin blocks while frame is already pinned by someone else, then pins
// it itself. Unpin wakes waiters.
func (c *Coremap) Pin(frame int) {
	c.mu.Lock()
	for c.entries[frame].pinned != 0 {
		c.pinCond.Wait()
	}
	atomic.StoreInt32(&c.entries[frame].pinned, 1)
	c.mu.Unlock()
}

// Unpin releases frame and wakes any Pin waiters.
func (c *Coremap) Unpin(frame int) {
	c.mu.Lock()
	atomic.StoreInt32(&c.entries[frame].pinned, 0)
	c.mu.Unlock()
	c.pinCond.Broadcast()
}

// IsPinned reads the pin bit without the coremap lock, matching
// spec.md's "atomic byte read" description.
func (c *Coremap) IsPinned(frame int) bool {
	return atomic.LoadInt32(&c.entries[frame].pinned) != 0
}

// ZeroPage clears frame's backing bytes.
func (c *Coremap) ZeroPage(frame int) { c.arena.Zero(frame) }

// CopyPage copies src's contents into dst.
func (c *Coremap) CopyPage(dst, src int) { c.arena.Copy(dst, src) }

// Bytes returns the byte slice backing frame, for direct I/O (e.g. swap
// pagein/pageout) while the frame is pinned.
func (c *Coremap) Bytes(frame int) []byte { return c.arena.Page(frame) }

// admit reports whether adding proposed kernel frames to the numKernel
// count would breach the MinSlack admission gate. Caller holds c.mu.
func (c *Coremap) admit(proposed int) bool {
	return c.numKernel+proposed < len(c.entries)-MinSlack
}

// AllocKpages allocates n contiguous kernel frames, scanning from the
// low end of the coremap. It may evict non-kernel frames occupying the
// chosen run. Caller must hold the paging lock if eviction is possible
// (spec.md §4.1's eviction precondition); for purely free runs no
// paging I/O occurs.
func (c *Coremap) AllocKpages(n int) (int, defs.Err) {
	c.mu.Lock()
	if !c.admit(n) {
		c.mu.Unlock()
		c.signalOOM(n)
		return 0, defs.OutOfMemory
	}

	best, bestBadness := -1, -1
	for start := 0; start+n <= len(c.entries); start++ {
		badness := 0
		ok := true
		for i := start; i < start+n; i++ {
			e := &c.entries[i]
			if e.kernel {
				ok = false
				break
			}
			if e.allocated {
				if atomic.LoadInt32(&e.pinned) != 0 {
					ok = false
					break
				}
				badness++
			}
		}
		if !ok {
			continue
		}
		if bestBadness == -1 || badness < bestBadness {
			best, bestBadness = start, badness
			if badness == 0 {
				break
			}
		}
	}
	if best == -1 {
		c.mu.Unlock()
		c.signalOOM(n)
		return 0, defs.OutOfMemory
	}

	for i := best; i < best+n; i++ {
		e := &c.entries[i]
		if e.allocated {
			c.evictLocked(i)
		}
		e.kernel = true
		e.allocated = true
		e.notLast = i != best+n-1
	}
	c.numKernel += n
	c.mu.Unlock()
	atomic.AddInt64(&c.kevictions, int64(bestBadness))
	c.note("alloc_kpages", fmt.Sprintf("frame=%d n=%d badness=%d", best, n, bestBadness))
	return best, defs.OK
}

// AllocUser allocates a single frame for owner, scanning from the high
// end. It may evict one existing user frame, which can call owner's
// Evict synchronously and page it out; the caller must hold the paging
// lock unconditionally before calling AllocUser, since the eviction
// path is taken without warning whenever no free frame remains. The
// returned frame is pinned, mirroring the original's "materialize
// returns locked+pinned" convention — the caller must Unpin it (or call
// MMUMap, which unpins as a side effect of installing the mapping).
func (c *Coremap) AllocUser(owner PageOwner) (int, defs.Err) {
	c.mu.Lock()

	for i := len(c.entries) - 1; i >= 0; i-- {
		if !c.entries[i].allocated && !c.entries[i].kernel {
			c.entries[i].allocated = true
			c.entries[i].owner = owner
			atomic.StoreInt32(&c.entries[i].pinned, 1)
			c.mu.Unlock()
			c.note("alloc_user", fmt.Sprintf("frame=%d fresh", i))
			return i, defs.OK
		}
	}

	var candidates []int
	for i := len(c.entries) - 1; i >= 0; i-- {
		e := &c.entries[i]
		if !e.kernel && e.allocated && atomic.LoadInt32(&e.pinned) == 0 {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		c.mu.Unlock()
		c.signalOOM(1)
		return 0, defs.OutOfMemory
	}
	victim := candidates[c.replPolicy.Choose(candidates)]
	c.evictLocked(victim)
	c.entries[victim].allocated = true
	c.entries[victim].owner = owner
	atomic.StoreInt32(&c.entries[victim].pinned, 1)
	c.mu.Unlock()
	c.note("alloc_user", fmt.Sprintf("frame=%d evicted", victim))
	return victim, defs.OK
}

// signalOOM notifies oomnotify.Ch, if anyone is listening, before the
// caller returns OutOfMemory.
func (c *Coremap) signalOOM(need int) {
	select {
	case c.oom <- oomnotify.Msg{Need: need, Resume: nil}:
	default:
	}
}

// evictLocked runs the eviction protocol against frame i. Caller holds
// c.mu (the coremap spinlock) and must hold the paging lock; i must be
// non-kernel, allocated, and non-pinned.
func (c *Coremap) evictLocked(i int) {
	e := &c.entries[i]
	if e.kernel {
		panic("coremap: evictLocked: kernel frame")
	}
	if atomic.LoadInt32(&e.pinned) != 0 {
		panic("coremap: evictLocked: already pinned")
	}
	atomic.StoreInt32(&e.pinned, 1)

	if c.tlbByFrame[i] != nil {
		c.shootdownLocked(i)
	}

	owner := e.owner
	c.mu.Unlock()
	var err defs.Err
	if owner != nil {
		err = owner.Evict(c.arena.Page(i))
	}
	c.mu.Lock()

	if err == defs.OK {
		atomic.AddInt64(&c.writeEvictions, 1)
	} else {
		atomic.AddInt64(&c.discardEvictions, 1)
	}

	e.allocated = false
	e.owner = nil
	atomic.StoreInt32(&e.pinned, 0)
	c.pinCond.Broadcast()
}

// shootdownLocked invalidates frame i's TLB mapping, waking anyone
// waiting on shootCV once the (simulated) target CPU has acknowledged.
// Caller holds c.mu.
func (c *Coremap) shootdownLocked(frame int) {
	if c.tlbByFrame[frame] == nil {
		return
	}
	c.invalidateLocked(frame)
	c.shootCV.Broadcast()
}

// invalidateLocked removes frame's TLB back-pointer. Caller holds c.mu.
func (c *Coremap) invalidateLocked(frame int) {
	t, ok := c.tlbByFrame[frame]
	if !ok {
		return
	}
	for cpu, slots := range c.tlbs {
		for slot, te := range slots {
			if te == t {
				delete(c.tlbs[cpu], slot)
			}
		}
	}
	delete(c.tlbByFrame, frame)
	c.entries[frame].tlbSlot = -1
}

// Free releases frame back to the free pool.
func (c *Coremap) Free(frame int, isKernel bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := &c.entries[frame]
	if !e.allocated {
		panic(fmt.Sprintf("coremap: Free: frame %d not allocated", frame))
	}
	if e.kernel != isKernel {
		panic(fmt.Sprintf("coremap: Free: frame %d kernel mismatch", frame))
	}
	c.invalidateLocked(frame)
	if e.kernel {
		c.numKernel--
	}
	*e = entry{tlbSlot: -1}
}

// MMUMap installs a TLB mapping of va to frame on the given simulated
// CPU, evicting whatever slot the TLB slot policy selects first.
func (c *Coremap) MMUMap(cpu int, va uintptr, frame int, writable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	slots, ok := c.tlbs[cpu]
	if !ok {
		slots = make(map[int]*tlbEntry)
		c.tlbs[cpu] = slots
	}
	slot := c.tlbPolicy.NextSlot(cpu, c.numSlots)
	if old, ok := slots[slot]; ok {
		c.invalidateLocked(old.frame)
	}
	te := &tlbEntry{va: va, frame: frame, writable: writable}
	slots[slot] = te
	c.tlbByFrame[frame] = te
	c.entries[frame].tlbSlot = slot
	c.entries[frame].tlbCPU = cpu
	// Installing the mapping is what releases the pin the allocator took
	// on behalf of this fault — see spec.md §4.3's "resident" fault path.
	atomic.StoreInt32(&c.entries[frame].pinned, 0)
	c.pinCond.Broadcast()
}

// MMUUnmap removes any TLB mapping of va on cpu.
func (c *Coremap) MMUUnmap(cpu int, va uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for slot, te := range c.tlbs[cpu] {
		if te.va == va {
			delete(c.tlbs[cpu], slot)
			delete(c.tlbByFrame, te.frame)
			c.entries[te.frame].tlbSlot = -1
		}
	}
}

// TLBShootdown invalidates frame's mapping everywhere it is installed.
func (c *Coremap) TLBShootdown(frame int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shootdownLocked(frame)
}

// TLBShootdownAll invalidates every TLB entry on every simulated CPU.
func (c *Coremap) TLBShootdownAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for cpu := range c.tlbs {
		c.tlbs[cpu] = make(map[int]*tlbEntry)
	}
	for f := range c.tlbByFrame {
		c.entries[f].tlbSlot = -1
	}
	c.tlbByFrame = make(map[int]*tlbEntry)
	c.shootCV.Broadcast()
}

// Stats returns the eviction counters accumulated so far, for
// cmd/kernelctl's profile rendering.
type Stats struct {
	DiscardEvictions int64
	WriteEvictions   int64
	KernelEvictions  int64
}

func (c *Coremap) Stats() Stats {
	return Stats{
		DiscardEvictions: atomic.LoadInt64(&c.discardEvictions),
		WriteEvictions:   atomic.LoadInt64(&c.writeEvictions),
		KernelEvictions:  atomic.LoadInt64(&c.kevictions),
	}
}
