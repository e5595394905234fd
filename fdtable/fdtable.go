// Package fdtable models just enough of a process's open-file table to
// support process lifecycle: duplicate-on-fork and close-on-teardown.
// The real VFS/open/read/write surface is out of scope; Ops is the only
// seam a descriptor exposes to its owner.
package fdtable

import (
	"sync"

	"nucleus/defs"
)

// Ops is the operations a descriptor's backing object must support for
// the process manager to fork and tear it down. A real open file,
// socket, or pipe implements this alongside its actual I/O surface.
type Ops interface {
	// Reopen is called when a descriptor is duplicated across fork; it
	// lets the backing object bump whatever reference count it keeps.
	Reopen() defs.Err
	// Close releases the backing object; called once per descriptor at
	// process teardown.
	Close() defs.Err
}

// Perm is the permission bits recorded alongside a descriptor.
type Perm int

const (
	Read  Perm = 0x1
	Write Perm = 0x2
)

// Fd is one open file descriptor.
type Fd struct {
	Ops   Ops
	Perms Perm
}

// Copy duplicates fd by reopening its backing object: a shallow struct
// copy followed by a reopen so fork leaves both descriptors independent.
func Copy(fd *Fd) (*Fd, defs.Err) {
	nfd := &Fd{}
	*nfd = *fd
	if err := nfd.Ops.Reopen(); err != defs.OK {
		return nil, err
	}
	return nfd, defs.OK
}

// ClosePanic closes fd and panics if the backing object reports an
// error, used at paths where close is expected to always succeed.
func ClosePanic(fd *Fd) {
	if fd.Ops.Close() != defs.OK {
		panic("fdtable: close failed where it must succeed")
	}
}

// Table is a process's open-descriptor set, indexed by small integer.
type Table struct {
	mu   sync.Mutex
	fds  map[int]*Fd
	next int
}

// NewTable returns an empty descriptor table.
func NewTable() *Table {
	return &Table{fds: make(map[int]*Fd)}
}

// Insert adds fd to the table and returns its assigned descriptor
// number.
func (t *Table) Insert(fd *Fd) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.next
	t.next++
	t.fds[n] = fd
	return n
}

// Get returns the descriptor at n, or nil if none is open there.
func (t *Table) Get(n int) *Fd {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fds[n]
}

// Close removes and closes the descriptor at n. It is a no-op if n is
// not open.
func (t *Table) Close(n int) defs.Err {
	t.mu.Lock()
	fd, ok := t.fds[n]
	if ok {
		delete(t.fds, n)
	}
	t.mu.Unlock()
	if !ok {
		return defs.OK
	}
	return fd.Ops.Close()
}

// Fork duplicates every open descriptor into a fresh table. proc.Table.Alloc
// does not call it: each new child starts with an empty table.
func (t *Table) Fork() (*Table, defs.Err) {
	t.mu.Lock()
	defer t.mu.Unlock()
	nt := &Table{fds: make(map[int]*Fd, len(t.fds)), next: t.next}
	for n, fd := range t.fds {
		nfd, err := Copy(fd)
		if err != defs.OK {
			return nil, err
		}
		nt.fds[n] = nfd
	}
	return nt, defs.OK
}

// Teardown closes every open descriptor, called once when a process
// exits.
func (t *Table) Teardown() {
	t.mu.Lock()
	fds := t.fds
	t.fds = make(map[int]*Fd)
	t.mu.Unlock()
	for _, fd := range fds {
		ClosePanic(fd)
	}
}
