package snapdevice

import (
	"bytes"
	"testing"

	"github.com/dattobd/cowsnap/internal/backend"
	"github.com/dattobd/cowsnap/internal/cowfile"
)

type memStore struct{ buf []byte }

func newMemStore(size int64) *memStore { return &memStore{buf: make([]byte, size)} }
func (s *memStore) grow(to int64) {
	if int64(len(s.buf)) < to {
		next := make([]byte, to)
		copy(next, s.buf)
		s.buf = next
	}
}
func (s *memStore) ReadAt(p []byte, off int64) (int, error) {
	s.grow(off + int64(len(p)))
	return copy(p, s.buf[off:]), nil
}
func (s *memStore) WriteAt(p []byte, off int64) (int, error) {
	s.grow(off + int64(len(p)))
	return copy(s.buf[off:], p), nil
}
func (s *memStore) Fallocate(offset, length int64) error { s.grow(offset + length); return nil }
func (s *memStore) Truncate(size int64) error            { s.grow(size); s.buf = s.buf[:size]; return nil }
func (s *memStore) Unlink(path string) error              { return nil }
func (s *memStore) Close() error                          { return nil }
func (s *memStore) Flush() error                          { return nil }

func setup(t *testing.T, numBlocks int64) (*Device, backend.Backend, *cowfile.Manager) {
	t.Helper()
	base := backend.NewMemory(numBlocks * cowfile.BlockSize)
	for i := int64(0); i < numBlocks; i++ {
		base.WriteAt(bytes.Repeat([]byte{'A'}, cowfile.BlockSize), i*cowfile.BlockSize)
	}
	m, err := cowfile.Init(newMemStore(0), cowfile.InitParams{
		Path: "t.cow", NumBlocks: numBlocks, CacheBytes: 1 << 20, FileMax: 1 << 24,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	dev := New(0, numBlocks*cowfile.BlockSize/cowfile.SectorSize, base, m)
	return dev, base, m
}

// TestSimpleCOWScenario proves the snapshot device actually consults the
// COW mapping rather than passing reads straight through to the base: it
// preserves block 3's original 'A's into the COW store, then overwrites
// the live base device with 'C's, and checks the snapshot still reads
// back the preserved 'A's. A regression that read straight through to
// the base would instead see 'C'.
func TestSimpleCOWScenario(t *testing.T) {
	dev, base, m := setup(t, 8)

	preserved, err := m.WriteBlockIfNew(3, bytes.Repeat([]byte{'A'}, cowfile.BlockSize))
	if err != nil || !preserved {
		t.Fatalf("WriteBlockIfNew: preserved=%v err=%v", preserved, err)
	}

	if _, err := base.WriteAt(bytes.Repeat([]byte{'C'}, cowfile.BlockSize), 3*cowfile.BlockSize); err != nil {
		t.Fatalf("overwrite base block 3: %v", err)
	}

	got := make([]byte, cowfile.BlockSize)
	if _, err := dev.ReadAt(got, 3*cowfile.BlockSize); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, bytes.Repeat([]byte{'A'}, cowfile.BlockSize)) {
		t.Fatalf("snapshot read of block 3 should return preserved 'A's, got %q", got)
	}
}

// TestMixedRead proves a multi-block read reconstructs each block from
// the right source: block 3 was preserved into the COW store before the
// base changed underneath it, so it must still read as 'A', while blocks
// 2 and 4 were never written to the COW store and must track the base's
// current (post-overwrite) contents.
func TestMixedRead(t *testing.T) {
	dev, base, m := setup(t, 8)
	if _, err := m.WriteBlockIfNew(3, bytes.Repeat([]byte{'A'}, cowfile.BlockSize)); err != nil {
		t.Fatalf("WriteBlockIfNew: %v", err)
	}

	// Overwrite the whole base device after arming the snapshot: blocks 2
	// and 4 should now surface 'C' (live base), block 3 must still
	// surface the preserved 'A' (COW), proving a genuine mix of sources.
	for i := int64(0); i < 8; i++ {
		if _, err := base.WriteAt(bytes.Repeat([]byte{'C'}, cowfile.BlockSize), i*cowfile.BlockSize); err != nil {
			t.Fatalf("overwrite base block %d: %v", i, err)
		}
	}

	got := make([]byte, 3*cowfile.BlockSize)
	if _, err := dev.ReadAt(got, 2*cowfile.BlockSize); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	want := append(append(
		bytes.Repeat([]byte{'C'}, cowfile.BlockSize),
		bytes.Repeat([]byte{'A'}, cowfile.BlockSize)...),
		bytes.Repeat([]byte{'C'}, cowfile.BlockSize)...)
	if !bytes.Equal(got, want) {
		t.Fatalf("expected block 2='C' (base), block 3='A' (preserved COW), block 4='C' (base); got %q", got)
	}
}

func TestWriteRejected(t *testing.T) {
	dev, _, _ := setup(t, 8)
	if _, err := dev.WriteAt(make([]byte, cowfile.BlockSize), 0); err != ErrNotSupported {
		t.Fatalf("err = %v, want ErrNotSupported", err)
	}
}

func TestFailStateReturnsIO(t *testing.T) {
	dev, _, _ := setup(t, 8)
	dev.Fail()
	if _, err := dev.ReadAt(make([]byte, cowfile.BlockSize), 0); err != ErrIO {
		t.Fatalf("err = %v, want ErrIO", err)
	}
}

func TestInactiveReturnsBusy(t *testing.T) {
	dev, _, _ := setup(t, 8)
	dev.SetActive(false)
	if _, err := dev.ReadAt(make([]byte, cowfile.BlockSize), 0); err != ErrBusy {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
}
