package proc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"nucleus/defs"
)

func newTable(t *testing.T) *Table {
	t.Helper()
	return New(Config{ProcsMax: 16, PidMin: 2, PidMax: 1600})
}

func TestAllocUnallocRoundTrip(t *testing.T) {
	tbl := newTable(t)
	pid, err := tbl.Alloc(defs.Bootup)
	require.Equal(t, defs.OK, err)
	require.NotEqual(t, defs.Invalid, pid)

	tbl.Unalloc(pid)
	require.Nil(t, tbl.Lookup(pid))
}

func TestPidRoundTrip(t *testing.T) {
	tbl := newTable(t)
	child, err := tbl.Alloc(defs.Bootup)
	require.Equal(t, defs.OK, err)

	status := defs.EncodeExitStatus(7, 0)
	go func() {
		tbl.Exit(child, status, false)
	}()

	got, err := tbl.Join(defs.Bootup, child, false)
	require.Equal(t, defs.OK, err)
	require.Equal(t, status, got)
}

func TestDisownedChildFreedAtExit(t *testing.T) {
	tbl := newTable(t)
	child, err := tbl.Alloc(defs.Bootup)
	require.Equal(t, defs.OK, err)

	require.Equal(t, defs.OK, tbl.Detach(defs.Bootup, child))

	_, err = tbl.Join(defs.Bootup, child, false)
	require.Equal(t, defs.InvalidArgument, err)

	tbl.Exit(child, defs.EncodeExitStatus(0, 0), false)
	require.Nil(t, tbl.Lookup(child))
}

func TestMultiJoinSameStatus(t *testing.T) {
	tbl := newTable(t)
	child, err := tbl.Alloc(defs.Bootup)
	require.Equal(t, defs.OK, err)

	other, err := tbl.Alloc(defs.Bootup)
	require.Equal(t, defs.OK, err)

	status := defs.EncodeExitStatus(3, 0)
	var wg sync.WaitGroup
	results := make([]uint16, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		s, err := tbl.Join(defs.Bootup, child, false)
		require.Equal(t, defs.OK, err)
		results[0] = s
	}()
	go func() {
		defer wg.Done()
		s, err := tbl.Join(other, child, false)
		require.Equal(t, defs.OK, err)
		results[1] = s
	}()

	tbl.Exit(child, status, false)
	wg.Wait()

	require.Equal(t, status, results[0])
	require.Equal(t, status, results[1])
	require.Nil(t, tbl.Lookup(child))
}

func TestNonParentJoinAllowed(t *testing.T) {
	tbl := newTable(t)
	a, err := tbl.Alloc(defs.Bootup)
	require.Equal(t, defs.OK, err)
	b, err := tbl.Alloc(defs.Bootup)
	require.Equal(t, defs.OK, err)

	status := defs.EncodeExitStatus(9, 0)
	tbl.Exit(a, status, false)

	// b is not a's parent, yet pid_join has no such restriction.
	got, err := tbl.Join(b, a, false)
	require.Equal(t, defs.OK, err)
	require.Equal(t, status, got)
}

func TestJoinSelfIsDeadlock(t *testing.T) {
	tbl := newTable(t)
	_, err := tbl.Join(defs.Bootup, defs.Bootup, false)
	require.Equal(t, defs.Deadlock, err)
}

func TestJoinInvalidTargets(t *testing.T) {
	tbl := newTable(t)
	_, err := tbl.Join(defs.Bootup, defs.Invalid, false)
	require.Equal(t, defs.InvalidArgument, err)

	_, err = tbl.Join(defs.Bootup, defs.Bootup, false)
	require.Equal(t, defs.Deadlock, err)

	child, allocErr := tbl.Alloc(defs.Bootup)
	require.Equal(t, defs.OK, allocErr)
	_, err = tbl.Join(child, defs.Pid(9999), false)
	require.Equal(t, defs.NoSuchProcess, err)
}

func TestJoinWNOHANGReturnsImmediately(t *testing.T) {
	tbl := newTable(t)
	child, err := tbl.Alloc(defs.Bootup)
	require.Equal(t, defs.OK, err)

	status, err := tbl.Join(defs.Bootup, child, true)
	require.Equal(t, defs.OK, err)
	require.Equal(t, uint16(0), status)
	require.NotNil(t, tbl.Lookup(child))
}

func TestAllocExhaustsCapacity(t *testing.T) {
	tbl := New(Config{ProcsMax: 2, PidMin: 2, PidMax: 200})
	// Capacity 2: slot for Bootup plus one more.
	_, err := tbl.Alloc(defs.Bootup)
	require.Equal(t, defs.OK, err)

	_, err = tbl.Alloc(defs.Bootup)
	require.Equal(t, defs.OutOfMemory, err)
}

func TestIsChildOfCaller(t *testing.T) {
	tbl := newTable(t)
	child, err := tbl.Alloc(defs.Bootup)
	require.Equal(t, defs.OK, err)

	require.Equal(t, Yes, tbl.IsChildOfCaller(defs.Bootup, child))
	require.Equal(t, No, tbl.IsChildOfCaller(child, defs.Bootup))
	require.Equal(t, Missing, tbl.IsChildOfCaller(defs.Bootup, defs.Pid(12345)))
}
