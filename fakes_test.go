package cowsnap

import (
	"sync"
	"testing"

	"github.com/dattobd/cowsnap/internal/backend"
	"github.com/dattobd/cowsnap/internal/cowfile"
)

// memCOWStore is a minimal in-memory cowfile.Store, grounded on the
// cowfile package's own memStore test fake, reused here so engine-level
// tests don't need a real filesystem.
type memCOWStore struct {
	mu     sync.Mutex
	buf    []byte
	closed bool
	id     uint64
}

var memCOWStoreIDSeq uint64

func newMemCOWStore() *memCOWStore {
	memCOWStoreIDSeq++
	return &memCOWStore{id: memCOWStoreIDSeq}
}

func (m *memCOWStore) grow(to int64) {
	if int64(len(m.buf)) < to {
		next := make([]byte, to)
		copy(next, m.buf)
		m.buf = next
	}
}

func (m *memCOWStore) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grow(off + int64(len(p)))
	return copy(p, m.buf[off:]), nil
}

func (m *memCOWStore) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grow(off + int64(len(p)))
	return copy(m.buf[off:], p), nil
}

func (m *memCOWStore) Fallocate(offset, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grow(offset + length)
	return nil
}

func (m *memCOWStore) Truncate(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grow(size)
	m.buf = m.buf[:size]
	return nil
}

func (m *memCOWStore) Unlink(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf = nil
	return nil
}

func (m *memCOWStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memCOWStore) Flush() error { return nil }

// Identity lets the interposer's self-write skip path be exercised: every
// store has a distinct synthetic inode.
func (m *memCOWStore) Identity() backend.FileIdentity {
	return backend.FileIdentity{Device: 0xc0, Inode: m.id}
}

// testHarness wires an Engine to in-memory bases and COW stores, keyed by
// path, standing in for the host's device-open and freeze/thaw surfaces
// (spec.md §9) without touching a real filesystem or ublk host.
type testHarness struct {
	mu        sync.Mutex
	bases     map[string]*backend.Memory
	stores    map[string]*memCOWStore
	installed map[int]backend.Backend
	frozen    map[string]bool
}

func newTestHarness() *testHarness {
	return &testHarness{
		bases:     make(map[string]*backend.Memory),
		stores:    make(map[string]*memCOWStore),
		installed: make(map[int]backend.Backend),
		frozen:    make(map[string]bool),
	}
}

// addBase registers a base device of the given size at path, as if it had
// already been formatted and mounted there.
func (h *testHarness) addBase(path string, size int64) *backend.Memory {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := backend.NewMemory(size)
	h.bases[path] = m
	return m
}

func (h *testHarness) hooks() *Hooks {
	return &Hooks{
		OpenBase: func(path string) (backend.Backend, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			b, ok := h.bases[path]
			if !ok {
				return nil, &Error{Op: "open_base", Code: ErrCodeNotFound, Msg: "no such base device", Minor: -1}
			}
			return b, nil
		},
		OpenCOWStore: func(path string, sizeBytes int64) (cowfile.Store, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			s, ok := h.stores[path]
			if !ok {
				s = newMemCOWStore()
				h.stores[path] = s
			}
			return s, nil
		},
		Install: func(minor int, b backend.Backend) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.installed[minor] = b
			return nil
		},
		Uninstall: func(minor int) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.installed, minor)
			return nil
		},
		Freeze: func(path string) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.frozen[path] = true
			return nil
		},
		Thaw: func(path string) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.frozen[path] = false
			return nil
		},
	}
}

// seedAndCloseCOWChain creates a clean COW chain at path as if a prior
// active session had already initialized and cleanly closed it, so a
// later verify-on-mount can Reopen it (spec.md §4.4 rows 2-3).
func seedAndCloseCOWChain(t *testing.T, h *testHarness, path string, numBlocks, cacheBytes int64, indexOnly bool) {
	t.Helper()
	store := newMemCOWStore()
	mgr, err := cowfile.Init(store, cowfile.InitParams{
		Path:       path,
		NumBlocks:  numBlocks,
		CacheBytes: cacheBytes,
		FileMax:    1 << 20,
		VersionOne: true,
		IndexOnly:  indexOnly,
	})
	if err != nil {
		t.Fatalf("seed cow chain init: %v", err)
	}
	if err := mgr.SyncAndClose(); err != nil {
		t.Fatalf("seed cow chain sync: %v", err)
	}
	h.mu.Lock()
	h.stores[path] = store
	h.mu.Unlock()
}
