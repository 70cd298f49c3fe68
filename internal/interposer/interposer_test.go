package interposer

import (
	"bytes"
	"testing"
	"time"

	"github.com/dattobd/cowsnap/internal/backend"
	"github.com/dattobd/cowsnap/internal/cowfile"
	"github.com/dattobd/cowsnap/internal/queue"
)

type testStore struct{ buf []byte }

func newTestStore(size int64) *testStore { return &testStore{buf: make([]byte, size)} }
func (s *testStore) grow(to int64) {
	if int64(len(s.buf)) < to {
		next := make([]byte, to)
		copy(next, s.buf)
		s.buf = next
	}
}
func (s *testStore) ReadAt(p []byte, off int64) (int, error) {
	s.grow(off + int64(len(p)))
	return copy(p, s.buf[off:]), nil
}
func (s *testStore) WriteAt(p []byte, off int64) (int, error) {
	s.grow(off + int64(len(p)))
	return copy(s.buf[off:], p), nil
}
func (s *testStore) Fallocate(offset, length int64) error { s.grow(offset + length); return nil }
func (s *testStore) Truncate(size int64) error            { s.grow(size); s.buf = s.buf[:size]; return nil }
func (s *testStore) Unlink(path string) error              { return nil }
func (s *testStore) Close() error                          { return nil }
func (s *testStore) Flush() error                          { return nil }

func newTestManager(t *testing.T) *cowfile.Manager {
	t.Helper()
	m, err := cowfile.Init(newTestStore(0), cowfile.InitParams{
		Path:       "t.cow",
		NumBlocks:  1 << 20,
		CacheBytes: 1 << 20,
		FileMax:    1 << 24,
	})
	if err != nil {
		t.Fatalf("cowfile.Init: %v", err)
	}
	return m
}

func newArmedInterposer(t *testing.T) (*Interposer, *backend.Memory, *queue.COWWorker, *queue.DispatchWorker) {
	t.Helper()
	inner := backend.NewMemory(1 << 20)
	ip := New(inner)
	counters := &queue.ShutdownCounters{}
	cow := queue.NewCOWWorker(counters)
	dispatch := queue.NewDispatchWorker()
	ip.Arm(Config{
		Inner:    inner,
		Manager:  newTestManager(t),
		COW:      cow,
		Dispatch: dispatch,
		Counters: counters,
		SectOff:  0,
		SectSize: 1 << 20 / cowfile.SectorSize,
	}, ModeSnap)

	go cow.Run()
	go dispatch.Run()
	return ip, inner, cow, dispatch
}

func TestShouldTraceRejectsOutOfRange(t *testing.T) {
	if shouldTrace(0, 512, 100, 10) {
		t.Fatal("expected out-of-range write to not be traced")
	}
	if shouldTrace(0, 0, 0, 100) {
		t.Fatal("expected zero-length write to not be traced")
	}
	if !shouldTrace(0, 512, 0, 100) {
		t.Fatal("expected in-range write to be traced")
	}
}

func TestSnapTraceForwardsAfterCloneCompletion(t *testing.T) {
	ip, inner, cow, dispatch := newArmedInterposer(t)
	defer cow.RequestStop()
	defer dispatch.RequestStop()

	orig := bytes.Repeat([]byte{0xAA}, cowfile.BlockSize)
	if _, err := inner.WriteAt(orig, 0); err != nil {
		t.Fatalf("seed base device: %v", err)
	}

	newData := bytes.Repeat([]byte{0xBB}, cowfile.BlockSize)
	if _, err := ip.WriteAt(newData, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		got := make([]byte, cowfile.BlockSize)
		inner.ReadAt(got, 0)
		if bytes.Equal(got, newData) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for dispatch worker to forward the original write")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSelfWriteSkipsTracing(t *testing.T) {
	ip, inner, cow, dispatch := newArmedInterposer(t)
	defer cow.RequestStop()
	defer dispatch.RequestStop()

	cowID := backend.FileIdentity{Device: 7, Inode: 42}
	ip.mu.Lock()
	ip.cowIdentity = cowID
	ip.mu.Unlock()

	data := bytes.Repeat([]byte{0xCC}, cowfile.BlockSize)
	n, err := ip.WriteAtFrom(data, 0, cowID)
	if err != nil {
		t.Fatalf("WriteAtFrom: %v", err)
	}
	if n != len(data) {
		t.Fatalf("n = %d, want %d", n, len(data))
	}

	got := make([]byte, cowfile.BlockSize)
	inner.ReadAt(got, 0)
	if !bytes.Equal(got, data) {
		t.Fatal("expected self-write to forward directly to the base device")
	}
}

func TestUnverifiedModeForwardsUnchanged(t *testing.T) {
	inner := backend.NewMemory(4096)
	ip := New(inner)
	data := bytes.Repeat([]byte{0x11}, 4096)
	if _, err := ip.WriteAt(data, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, 4096)
	inner.ReadAt(got, 0)
	if !bytes.Equal(got, data) {
		t.Fatal("expected unverified mode to forward unchanged")
	}
}

func TestIncTraceRecordsAndForwards(t *testing.T) {
	inner := backend.NewMemory(1 << 16)
	ip := New(inner)
	sset := queue.NewSectorSetWorker(func(queue.SectorSetRecord) error { return nil }, nil)
	ip.Arm(Config{
		Inner:     inner,
		SectorSet: sset,
		SectOff:   0,
		SectSize:  1 << 16 / cowfile.SectorSize,
	}, ModeInc)

	data := bytes.Repeat([]byte{0x22}, cowfile.BlockSize)
	if _, err := ip.WriteAt(data, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if sset.Queue.Len() != 1 {
		t.Fatalf("sset queue len = %d, want 1", sset.Queue.Len())
	}
	got := make([]byte, cowfile.BlockSize)
	inner.ReadAt(got, 0)
	if !bytes.Equal(got, data) {
		t.Fatal("expected inc_trace to forward the write immediately")
	}
}
