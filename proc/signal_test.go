package proc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nucleus/defs"
)

func TestSignalClassification(t *testing.T) {
	tbl := newTable(t)
	child, err := tbl.Alloc(defs.Bootup)
	require.Equal(t, defs.OK, err)

	require.Equal(t, defs.OK, tbl.SetSignal(child, defs.SIGTERM))
	require.Equal(t, defs.Unimplemented, tbl.SetSignal(child, defs.Signal(5)))
	require.Equal(t, defs.InvalidArgument, tbl.SetSignal(child, defs.Signal(99)))
	require.Equal(t, defs.NoSuchProcess, tbl.SetSignal(defs.Pid(9999), defs.SIGHUP))
}

func TestWinchAndInfoAreIgnored(t *testing.T) {
	tbl := newTable(t)
	child, err := tbl.Alloc(defs.Bootup)
	require.Equal(t, defs.OK, err)

	require.Equal(t, defs.OK, tbl.SetSignal(child, defs.SIGWINCH))
	require.Equal(t, defs.OK, tbl.SetSignal(child, defs.SIGINFO))

	pi := tbl.Lookup(child)
	require.False(t, pi.stopped)
	require.Equal(t, defs.Signal(0), pi.killSignal)

	terminate, _ := tbl.HandleSignal(child)
	require.False(t, terminate)
}

func TestTerminatingSignalObservedAtHandleSignal(t *testing.T) {
	tbl := newTable(t)
	child, err := tbl.Alloc(defs.Bootup)
	require.Equal(t, defs.OK, err)

	require.Equal(t, defs.OK, tbl.SetSignal(child, defs.SIGTERM))

	terminate, status := tbl.HandleSignal(child)
	require.True(t, terminate)
	require.True(t, defs.WIFSIGNALED(status))
	require.Equal(t, defs.SIGTERM, defs.WTERMSIG(status))
}

func TestStopThenHandleSignalBlocksUntilContinue(t *testing.T) {
	tbl := newTable(t)
	child, err := tbl.Alloc(defs.Bootup)
	require.Equal(t, defs.OK, err)

	require.Equal(t, defs.OK, tbl.SetSignal(child, defs.SIGSTOP))

	unblocked := make(chan struct{})
	go func() {
		terminate, _ := tbl.HandleSignal(child)
		require.False(t, terminate)
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatal("HandleSignal returned before CONT was sent")
	case <-time.After(50 * time.Millisecond):
	}

	require.Equal(t, defs.OK, tbl.SetSignal(child, defs.SIGCONT))

	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("HandleSignal did not unblock after CONT")
	}
}

func TestKillOfStoppedTargetTerminates(t *testing.T) {
	tbl := newTable(t)
	child, err := tbl.Alloc(defs.Bootup)
	require.Equal(t, defs.OK, err)

	require.Equal(t, defs.OK, tbl.SetSignal(child, defs.SIGSTOP))

	result := make(chan uint16, 1)
	go func() {
		terminate, status := tbl.HandleSignal(child)
		require.True(t, terminate)
		result <- status
	}()

	// Give the target a chance to actually block on the signal CV
	// before the kill arrives, exercising the "release the stopped
	// target so it can observe the kill" transition.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, defs.OK, tbl.SetSignal(child, defs.SIGKILL))

	select {
	case status := <-result:
		require.True(t, defs.WIFSIGNALED(status))
		require.Equal(t, defs.SIGKILL, defs.WTERMSIG(status))
	case <-time.After(time.Second):
		t.Fatal("stopped target was not released by kill")
	}
}

func TestRepeatedStopIsIdempotent(t *testing.T) {
	tbl := newTable(t)
	child, err := tbl.Alloc(defs.Bootup)
	require.Equal(t, defs.OK, err)

	require.Equal(t, defs.OK, tbl.SetSignal(child, defs.SIGSTOP))
	require.Equal(t, defs.OK, tbl.SetSignal(child, defs.SIGSTOP))
	require.True(t, tbl.Lookup(child).stopped)
}
