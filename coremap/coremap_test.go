package coremap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nucleus/defs"
)

type fakeOwner struct {
	evicted  bool
	refuseOK bool
}

func (f *fakeOwner) Evict(frame []byte) defs.Err {
	f.evicted = true
	if f.refuseOK {
		return defs.OK
	}
	return defs.IoError
}

func TestAllocUserFreshFrameIsPinned(t *testing.T) {
	cm := New(Config{Frames: 4, NumCPUs: 1, TLBSlots: 2})
	owner := &fakeOwner{}
	frame, err := cm.AllocUser(owner)
	require.Equal(t, defs.OK, err)
	require.True(t, cm.IsPinned(frame))
}

func TestAllocUserEvictsWhenFull(t *testing.T) {
	cm := New(Config{Frames: 2, NumCPUs: 1, TLBSlots: 2})
	o1 := &fakeOwner{refuseOK: true}
	o2 := &fakeOwner{refuseOK: true}
	f1, err := cm.AllocUser(o1)
	require.Equal(t, defs.OK, err)
	cm.Unpin(f1)
	f2, err := cm.AllocUser(o2)
	require.Equal(t, defs.OK, err)
	cm.Unpin(f2)

	o3 := &fakeOwner{refuseOK: true}
	_, err = cm.AllocUser(o3)
	require.Equal(t, defs.OK, err)
	require.True(t, o1.evicted || o2.evicted, "one of the two existing frames must have been evicted")
}

// TestAdmissionGateRecovers is spec invariant 7: kernel allocation fails
// with OutOfMemory once admitting it would leave MinSlack or fewer
// non-kernel frames, and recovering slack (freeing frames) lets a
// subsequent request succeed again.
func TestAdmissionGateRecovers(t *testing.T) {
	total := MinSlack + 3
	cm := New(Config{Frames: total, NumCPUs: 1, TLBSlots: 2})

	frame, err := cm.AllocKpages(2)
	require.Equal(t, defs.OK, err)
	require.GreaterOrEqual(t, frame, 0)

	_, err = cm.AllocKpages(1)
	require.Equal(t, defs.OutOfMemory, err)

	cm.Free(frame, true)
	cm.Free(frame+1, true)

	_, err = cm.AllocKpages(1)
	require.Equal(t, defs.OK, err)
}

// TestPinExclusion is spec invariant 8: while the coremap's only frame
// is pinned, alloc_user must not select it as an eviction candidate
// (it fails with OutOfMemory rather than evicting a pinned frame), and
// once unpinned it becomes eligible again.
func TestPinExclusion(t *testing.T) {
	cm := New(Config{Frames: 1, NumCPUs: 1, TLBSlots: 2})
	owner := &fakeOwner{refuseOK: true}
	frame, err := cm.AllocUser(owner)
	require.Equal(t, defs.OK, err)
	require.True(t, cm.IsPinned(frame))

	_, err = cm.AllocUser(&fakeOwner{refuseOK: true})
	require.Equal(t, defs.OutOfMemory, err)
	require.False(t, owner.evicted, "pinned frame must not be evicted")

	cm.Unpin(frame)
	f2, err := cm.AllocUser(&fakeOwner{refuseOK: true})
	require.Equal(t, defs.OK, err)
	require.Equal(t, frame, f2)
	require.True(t, owner.evicted, "the now-unpinned frame becomes an eviction candidate")
}

func TestPinBlocksWhileAlreadyPinned(t *testing.T) {
	cm := New(Config{Frames: 2, NumCPUs: 1, TLBSlots: 2})
	cm.Pin(0)

	done := make(chan struct{})
	go func() {
		cm.Pin(0)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Pin returned while the frame was still pinned by someone else")
	case <-time.After(50 * time.Millisecond):
	}

	cm.Unpin(0)
	<-done
	cm.Unpin(0)
}

func TestFreeRejectsKernelMismatch(t *testing.T) {
	cm := New(Config{Frames: 4, NumCPUs: 1, TLBSlots: 2})
	frame, err := cm.AllocUser(&fakeOwner{refuseOK: true})
	require.Equal(t, defs.OK, err)
	cm.Unpin(frame)

	require.Panics(t, func() { cm.Free(frame, true) })
}

func TestMMUMapUnpinsFrame(t *testing.T) {
	cm := New(Config{Frames: 4, NumCPUs: 1, TLBSlots: 2})
	frame, err := cm.AllocUser(&fakeOwner{refuseOK: true})
	require.Equal(t, defs.OK, err)
	require.True(t, cm.IsPinned(frame))

	cm.MMUMap(0, 0x1000, frame, true)
	require.False(t, cm.IsPinned(frame))
}

func TestTLBShootdownAllClearsMappings(t *testing.T) {
	cm := New(Config{Frames: 4, NumCPUs: 1, TLBSlots: 2})
	frame, err := cm.AllocUser(&fakeOwner{refuseOK: true})
	require.Equal(t, defs.OK, err)
	cm.MMUMap(0, 0x2000, frame, false)

	cm.TLBShootdownAll()
	// The sequential slot policy puts this second MMUMap in the next
	// slot; it must not trip over a stale back-pointer left behind by
	// the mapping TLBShootdownAll removed.
	cm.MMUMap(0, 0x3000, frame, false)
}
