// Package accnt tracks per-process CPU time accounting, a supplemental
// feature attached to every proc.Pidinfo; Fetch encodes it as a
// rusage-shaped byte blob. Join and Waitpid return only the exit status,
// not this record.
package accnt

import (
	"sync"
	"sync/atomic"
	"time"

	"nucleus/util"
)

// Accnt accumulates per-process accounting information.
//
// Both Userns and Sysns store runtime in nanoseconds. The embedded mutex
// lets callers take a consistent snapshot of the fields when exporting
// usage statistics.
type Accnt struct {
	Userns int64
	Sysns  int64
	sync.Mutex
}

// New returns a zeroed accounting record, ready for a freshly allocated
// process.
func New() *Accnt {
	return &Accnt{}
}

// Utadd adds delta nanoseconds to the user-time counter.
func (a *Accnt) Utadd(delta int) {
	atomic.AddInt64(&a.Userns, int64(delta))
}

// Systadd adds delta nanoseconds to the system-time counter.
func (a *Accnt) Systadd(delta int) {
	atomic.AddInt64(&a.Sysns, int64(delta))
}

// Now returns the current time in nanoseconds.
func (a *Accnt) Now() int {
	return int(time.Now().UnixNano())
}

// IoTime removes time spent waiting for I/O from system time.
func (a *Accnt) IoTime(since int) {
	d := a.Now() - since
	a.Systadd(-d)
}

// SleepTime removes time spent sleeping from system time.
func (a *Accnt) SleepTime(since int) {
	d := a.Now() - since
	a.Systadd(-d)
}

// Finish finalizes accounting by adding elapsed time since inttime to
// system time.
func (a *Accnt) Finish(inttime int) {
	a.Systadd(a.Now() - inttime)
}

// Add merges another accounting record into this one. No exit or join
// path in this repository calls it, so a child's usage is not folded
// into its parent.
func (a *Accnt) Add(n *Accnt) {
	a.Lock()
	n.Lock()
	a.Userns += n.Userns
	a.Sysns += n.Sysns
	n.Unlock()
	a.Unlock()
}

// Fetch returns a snapshot of the accounting information encoded as a
// rusage-shaped byte blob.
func (a *Accnt) Fetch() []uint8 {
	a.Lock()
	ru := a.toRusage()
	a.Unlock()
	return ru
}

// toRusage serializes the two nanosecond counters as two {sec,usec}
// timeval pairs, user time first, each field 8 bytes wide.
func (a *Accnt) toRusage() []uint8 {
	words := 4
	ret := make([]uint8, words*8)
	totv := func(nano int64) (int, int) {
		secs := int(nano / 1e9)
		usecs := int((nano % 1e9) / 1000)
		return secs, usecs
	}
	off := 0
	s, us := totv(a.Userns)
	util.Writen(ret, 8, off, s)
	off += 8
	util.Writen(ret, 8, off, us)
	off += 8
	s, us = totv(a.Sysns)
	util.Writen(ret, 8, off, s)
	off += 8
	util.Writen(ret, 8, off, us)
	return ret
}
