// Package swap implements the bitmap-allocated backing store that
// pages physical frames out to and in from a flat file, one slot per
// page. It is grounded on the original kernel's swap.c: reservation
// before allocation, a single page in flight system-wide, and fatal
// (panic) treatment of I/O errors.
package swap

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"nucleus/caller"
	"nucleus/defs"
	"nucleus/mem"

	"github.com/sirupsen/logrus"
)

// MinSizeMultiple is the minimum ratio of swap-file bytes to physical
// memory bytes the store requires at bootstrap.
const MinSizeMultiple = 20

// Store is the swap subsystem: a bitmap over a backing file's page
// slots, with reservation, allocation, and page I/O.
type Store struct {
	mu       sync.Mutex // guards the bitmap and the three counters below
	bitmap   []uint64
	total    uint64
	free     uint64
	reserved uint64

	// PagingLock is the advisory "intent to page" lock: acquired by a
	// caller before any swap I/O and held across Pagein/Pageout. It
	// enforces the single-page-in-flight discipline system-wide.
	PagingLock sync.Mutex

	file *os.File
	fd   int

	log    *logrus.Entry
	faults caller.Distinct
}

// Open opens (creating if necessary) the swap file at path, verifies it
// is at least MinSizeMultiple times physMemBytes, and returns a Store
// ready for use. Slot 0 is marked used immediately, catching stray
// zero-valued swapaddrs.
func Open(path string, physMemBytes int64, log *logrus.Entry) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("swap: opening %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("swap: stat %s: %w", path, err)
	}

	minSize := physMemBytes * MinSizeMultiple
	if fi.Size() < minSize {
		if err := f.Truncate(minSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("swap: extending %s to %d bytes: %w", path, minSize, err)
		}
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	totalPages := uint64(st.Size()) / mem.PageSize

	s := &Store{
		bitmap: make([]uint64, (totalPages+63)/64),
		total:  totalPages,
		free:   totalPages,
		file:   f,
		fd:     int(f.Fd()),
		log:    log,
	}
	s.faults.Enabled = true
	s.markUsed(0)
	s.free--

	if s.log != nil {
		s.log.WithFields(logrus.Fields{
			"path":  path,
			"pages": totalPages,
		}).Info("swap: store opened")
	}
	return s, nil
}

// Close releases the backing file.
func (s *Store) Close() error {
	return s.file.Close()
}

func (s *Store) markUsed(idx uint64) {
	s.bitmap[idx/64] |= 1 << (idx % 64)
}

func (s *Store) markFree(idx uint64) {
	s.bitmap[idx/64] &^= 1 << (idx % 64)
}

func (s *Store) isUsed(idx uint64) bool {
	return s.bitmap[idx/64]&(1<<(idx%64)) != 0
}

// Reserve either increments the reserved-page counter, guaranteeing a
// later Alloc will not block for space, or fails with OutOfMemory
// without side effects.
func (s *Store) Reserve(n uint64) defs.Err {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.free-s.reserved < n {
		return defs.OutOfMemory
	}
	s.reserved += n
	return defs.OK
}

// Unreserve releases n previously reserved pages without consuming
// slots.
func (s *Store) Unreserve(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.reserved {
		panic("swap: Unreserve exceeds reserved count")
	}
	s.reserved -= n
}

// Alloc allocates one swap slot. The caller must have already reserved
// a page with Reserve; Alloc itself can never fail.
func (s *Store) Alloc() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reserved == 0 || s.free == 0 {
		panic("swap: Alloc without a live reservation")
	}
	for w, word := range s.bitmap {
		if word == ^uint64(0) {
			continue
		}
		for b := 0; b < 64; b++ {
			idx := uint64(w*64 + b)
			if idx >= s.total {
				break
			}
			if !s.isUsed(idx) {
				s.markUsed(idx)
				s.reserved--
				s.free--
				return idx * mem.PageSize
			}
		}
	}
	panic("swap: bitmap exhausted despite free-page accounting")
}

// Free releases the swap slot at swapaddr.
func (s *Store) Free(swapaddr uint64) {
	if swapaddr%mem.PageSize != 0 {
		panic("swap: Free: misaligned swapaddr")
	}
	idx := swapaddr / mem.PageSize
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isUsed(idx) {
		panic("swap: Free: slot already free")
	}
	s.markFree(idx)
	s.free++
}

// pageio performs one blocking positioned read or write against the
// swap file. It requires the caller to hold PagingLock; I/O errors are
// fatal, matching the original's "the design does not recover" policy.
func (s *Store) pageio(frame []byte, swapaddr uint64, write bool) {
	if swapaddr%mem.PageSize != 0 {
		panic("swap: pageio: misaligned swapaddr")
	}
	var n int
	var err error
	if write {
		n, err = unix.Pwrite(s.fd, frame, int64(swapaddr))
	} else {
		n, err = unix.Pread(s.fd, frame, int64(swapaddr))
	}
	if err != nil || n != len(frame) {
		if first, trace := s.faults.Seen(); first {
			if s.log != nil {
				s.log.WithFields(logrus.Fields{
					"swapaddr": swapaddr,
					"write":    write,
					"err":      err,
				}).Error("swap: fatal I/O error\n" + trace)
			}
		}
		panic(fmt.Sprintf("swap: I/O error at offset %d (write=%v): %v", swapaddr, write, err))
	}
}

// Pagein loads one page from swap into frame. Caller must hold
// PagingLock and have the destination frame pinned.
func (s *Store) Pagein(frame []byte, swapaddr uint64) {
	s.pageio(frame, swapaddr, false)
}

// Pageout writes frame's contents into the swap slot at swapaddr.
// Caller must hold PagingLock and have the source frame pinned.
func (s *Store) Pageout(frame []byte, swapaddr uint64) {
	s.pageio(frame, swapaddr, true)
}
