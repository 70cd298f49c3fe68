package backend

import (
	"sync"
	"sync/atomic"
)

var memoryIDSeq atomic.Uint64

// ShardSize bounds the span a single lock in Memory protects, grounded on
// the teacher's backend.Memory sharded-locking scheme: enough parallelism
// for concurrent queues without a lock per byte.
const ShardSize = 64 * 1024

// Memory is a RAM-backed Backend, used for the simulated base device and
// in-memory COW files in tests.
type Memory struct {
	data   []byte
	size   int64
	shards []sync.RWMutex
	id     uint64
}

// NewMemory creates a zero-filled in-memory backend of the given size.
func NewMemory(size int64) *Memory {
	numShards := (size + ShardSize - 1) / ShardSize
	if numShards < 1 {
		numShards = 1
	}
	return &Memory{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
		id:     memoryIDSeq.Add(1),
	}
}

func (m *Memory) shardRange(off, length int64) (start, end int) {
	start = int(off / ShardSize)
	if length <= 0 {
		return start, start
	}
	end = int((off + length - 1) / ShardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	return start, end
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, nil
	}
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}
	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].RLock()
	}
	n := copy(p, m.data[off:off+int64(len(p))])
	for i := start; i <= end; i++ {
		m.shards[i].RUnlock()
	}
	return n, nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, ErrBeyondEnd
	}
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}
	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].Lock()
	}
	n := copy(m.data[off:off+int64(len(p))], p)
	for i := start; i <= end; i++ {
		m.shards[i].Unlock()
	}
	return n, nil
}

func (m *Memory) Size() int64 { return m.size }

func (m *Memory) Close() error {
	m.data = nil
	return nil
}

func (m *Memory) Flush() error { return nil }

// Identity reports a synthetic, distinct identity per Memory instance so
// the interposer can still be exercised against self-write detection in
// tests without a real inode.
func (m *Memory) Identity() FileIdentity {
	return FileIdentity{Device: 0, Inode: m.id}
}

var (
	_ Backend           = (*Memory)(nil)
	_ IdentifiedBackend = (*Memory)(nil)
)
