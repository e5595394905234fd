// Package vm implements the demand-paged virtual-memory core: per-
// process address spaces made of sparse vm_objects of logical pages,
// fault handling, and fork-copy.
package vm

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"nucleus/coremap"
	"nucleus/ringlog"
	"nucleus/swap"
)

// FaultType is the kind of access that triggered a page fault.
type FaultType int

const (
	FaultRead FaultType = iota
	FaultWrite
	FaultReadonly
)

// Manager is the shared context every AddressSpace is built against: the
// coremap and swap store frames and pages are drawn from, plus logging
// and diagnostics. Passed explicitly at construction rather than held in
// package globals, per spec.md's Design Notes §9.
type Manager struct {
	CM  *coremap.Coremap
	SW  *swap.Store
	log *logrus.Entry
	ring *ringlog.Ring[ringlog.Event]

	zerofills, minFaults, majFaults, discardEvictions, writeEvictions int64
}

// NewManager builds a Manager over the given coremap and swap store.
func NewManager(cm *coremap.Coremap, sw *swap.Store, log *logrus.Entry, ring *ringlog.Ring[ringlog.Event]) *Manager {
	return &Manager{CM: cm, SW: sw, log: log, ring: ring}
}

func (m *Manager) note(kind, detail string) {
	if m.ring != nil {
		m.ring.Push(ringlog.Event{Kind: kind, Detail: detail})
	}
}

// Create returns a fresh, empty address space bound to m.
func (m *Manager) Create() *AddressSpace {
	return &AddressSpace{mgr: m}
}

// Stats mirrors the original's vm_printstats counters: ct_zerofills,
// ct_minfaults, ct_majfaults, ct_discard_evictions, ct_write_evictions.
type Stats struct {
	Zerofills        int64
	MinFaults        int64
	MajFaults        int64
	DiscardEvictions int64
	WriteEvictions   int64
}

// Stats returns a snapshot of the fault/eviction counters accumulated
// across every address space built from m.
func (m *Manager) Stats() Stats {
	cs := m.CM.Stats()
	return Stats{
		Zerofills:        atomic.LoadInt64(&m.zerofills),
		MinFaults:        atomic.LoadInt64(&m.minFaults),
		MajFaults:        atomic.LoadInt64(&m.majFaults),
		DiscardEvictions: cs.DiscardEvictions,
		WriteEvictions:   cs.WriteEvictions,
	}
}
