// Package backend defines the storage interface the engine drives I/O
// against. It deliberately mirrors the shape the teacher's ublk backends
// use (ReadAt/WriteAt/Size/Close/Flush) so the same ublkhost queue runner
// can host a base device, a COW file, or a mock in tests without caring
// which one it is.
package backend

// Backend is anything that can serve block-addressed reads and writes.
// Both the traced base device and the snapshot device's read path are
// backends from the host's point of view.
type Backend interface {
	ReadAt(p []byte, off int64) (n int, err error)
	WriteAt(p []byte, off int64) (n int, err error)
	Size() int64
	Close() error
	Flush() error
}

// IdentifiedBackend is implemented by backends whose pages can be
// recognized as belonging to a particular file. The interposer uses this
// to detect writes whose payload is already backed by the COW file's own
// inode, which must be forwarded unchanged (spec.md §4.1): preserving a
// write into the COW file by reading from pages the COW file itself owns
// would deadlock.
type IdentifiedBackend interface {
	Backend
	Identity() FileIdentity
}

// FileIdentity names the underlying file/inode a backend is rooted at.
// Two backends compare equal when they are views onto the same file.
type FileIdentity struct {
	Device uint64
	Inode  uint64
}

// Logger is the minimal logging surface components in this module take,
// matching the teacher's internal/logging.Logger.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Observer receives per-operation metrics callbacks. Implementations must
// be safe for concurrent use: callers invoke it from worker goroutines.
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveDiscard(bytes uint64, latencyNs uint64, success bool)
	ObserveFlush(latencyNs uint64, success bool)
	ObserveQueueDepth(depth uint32)
}
