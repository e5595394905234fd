package kernel

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"nucleus/defs"
)

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ProcsMax = 16
	cfg.CoremapFrames = 16
	cfg.SwapPath = filepath.Join(t.TempDir(), "test.swap")

	k, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { k.Close() })
	return k
}

func TestForkExitWaitpid(t *testing.T) {
	k := newTestKernel(t)
	child, err := k.Fork(defs.Bootup)
	require.Equal(t, defs.OK, err)

	k.Exit(child, 5, 0, false)

	_, status, err := k.Waitpid(defs.Bootup, child, false)
	require.Equal(t, defs.OK, err)
	require.Equal(t, 5, defs.WEXITSTATUS(status))
}

func TestWaitpidRejectsNonChild(t *testing.T) {
	k := newTestKernel(t)
	a, err := k.Fork(defs.Bootup)
	require.Equal(t, defs.OK, err)
	b, err := k.Fork(defs.Bootup)
	require.Equal(t, defs.OK, err)

	k.Exit(a, 0, 0, false)
	_, _, err = k.Waitpid(b, a, false)
	require.Equal(t, defs.NotAChild, err)
}

func TestKillUnknownTarget(t *testing.T) {
	k := newTestKernel(t)
	err := k.Kill(defs.Pid(9999), defs.SIGTERM)
	require.Equal(t, defs.NoSuchProcess, err)
}

func TestForkCopiesAddressSpace(t *testing.T) {
	k := newTestKernel(t)
	pas := k.AddressSpace(defs.Bootup)
	require.NotNil(t, pas)

	child, err := k.Fork(defs.Bootup)
	require.Equal(t, defs.OK, err)

	cas := k.AddressSpace(child)
	require.NotNil(t, cas)
	require.NotSame(t, pas, cas)
}
