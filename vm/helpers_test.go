package vm

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"nucleus/coremap"
	"nucleus/mem"
	"nucleus/swap"
)

// newTestManager builds a Manager over a small coremap and a temp-file
// swap store, small enough that a handful of pages forces eviction.
func newTestManager(t *testing.T, frames int) *Manager {
	t.Helper()
	log := logrus.NewEntry(logrus.New())

	path := filepath.Join(t.TempDir(), "test.swap")
	sw, err := swap.Open(path, int64(frames)*mem.PageSize, log)
	if err != nil {
		t.Fatalf("swap.Open: %v", err)
	}
	t.Cleanup(func() { sw.Close() })

	cm := coremap.New(coremap.Config{
		Frames:   frames,
		NumCPUs:  1,
		TLBSlots: 4,
		Log:      log,
	})

	return NewManager(cm, sw, log, nil)
}
