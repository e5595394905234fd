package vm

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"nucleus/defs"
	"nucleus/mem"
)

func TestFaultBadAddress(t *testing.T) {
	mgr := newTestManager(t, 8)
	as := mgr.Create()
	require.Equal(t, defs.BadAddress, as.Fault(FaultRead, 0x1000))
}

func TestFaultZeroFillThenWriteRoundTrips(t *testing.T) {
	mgr := newTestManager(t, 8)
	as := mgr.Create()
	obj, err := as.DefineRegion(0x40000000, 4*mem.PageSize, 0, true, true, false)
	require.Equal(t, defs.OK, err)

	va := obj.Base
	v, err := as.Access(FaultRead, va, false, 0)
	require.Equal(t, defs.OK, err)
	require.Equal(t, byte(0), v, "never-written page reads as zero")

	v, err = as.Access(FaultWrite, va, true, 0x42)
	require.Equal(t, defs.OK, err)
	require.Equal(t, byte(0x42), v)

	v, err = as.Access(FaultRead, va, false, 0)
	require.Equal(t, defs.OK, err)
	require.Equal(t, byte(0x42), v)
}

// TestFaultCorrectnessThroughSwap is spec invariant 5: a page written
// with value v and later evicted reads back v on the next access. A
// 4-frame coremap forces eviction well before 32 pages are touched.
func TestFaultCorrectnessThroughSwap(t *testing.T) {
	mgr := newTestManager(t, 4)
	as := mgr.Create()
	const npages = 32
	obj, err := as.DefineRegion(0x50000000, npages*mem.PageSize, 0, true, true, false)
	require.Equal(t, defs.OK, err)

	for i := 0; i < npages; i++ {
		va := obj.Base + uintptr(i)*mem.PageSize
		_, err := as.Access(FaultWrite, va, true, byte(i))
		require.Equal(t, defs.OK, err)
	}

	for i := 0; i < npages; i++ {
		va := obj.Base + uintptr(i)*mem.PageSize
		v, err := as.Access(FaultRead, va, false, 0)
		require.Equal(t, defs.OK, err)
		require.Equal(t, byte(i), v, "page %d did not round-trip through swap", i)
	}

	stats := mgr.Stats()
	require.Greater(t, stats.MajFaults+stats.WriteEvictions, int64(0), "expected at least one eviction to have occurred")
}

// TestTripleHugeConcurrentSparseArrays is scenario S6: three concurrent
// address spaces each touch a 512-page sparse region and verify it five
// times, regardless of the coremap being far smaller than the combined
// working set. Every touched page keeps its own swap slot, so the swap
// store (20x the coremap, less slot 0) must hold all 3*512 pages.
func TestTripleHugeConcurrentSparseArrays(t *testing.T) {
	mgr := newTestManager(t, 128)
	const npages = 512
	var wg sync.WaitGroup
	errs := make(chan error, 3)

	for w := 0; w < 3; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			as := mgr.Create()
			base := uintptr(0x20000000 + w*npages*mem.PageSize*2)
			obj, err := as.DefineRegion(base, npages*mem.PageSize, 0, true, true, false)
			if err != defs.OK {
				errs <- fmt.Errorf("worker %d: DefineRegion: %s", w, err)
				return
			}
			for i := 0; i < npages; i++ {
				va := obj.Base + uintptr(i)*mem.PageSize
				if _, err := as.Access(FaultWrite, va, true, byte(i)); err != defs.OK {
					errs <- fmt.Errorf("worker %d: write page %d: %s", w, i, err)
					return
				}
			}
			for round := 0; round < 5; round++ {
				for i := 0; i < npages; i++ {
					va := obj.Base + uintptr(i)*mem.PageSize
					v, err := as.Access(FaultRead, va, false, 0)
					if err != defs.OK {
						errs <- fmt.Errorf("worker %d: read page %d round %d: %s", w, i, round, err)
						return
					}
					if v != byte(i) {
						errs <- fmt.Errorf("worker %d: page %d round %d: got %d want %d", w, i, round, v, byte(i))
						return
					}
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}
