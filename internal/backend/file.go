package backend

import (
	"fmt"
	"os"
	"sync"
	"syscall"

	"github.com/ncw/directio"
	"golang.org/x/sys/unix"
)

// File is a Backend over a regular file or block device, using O_DIRECT
// where the kernel and filesystem support it (ncw/directio, as used for
// aligned storage I/O in SharedCode/sop). All reads and writes must be
// BlockSize-aligned in both offset and length, which holds naturally here
// since the engine never issues I/O finer than COW_BLOCK_SIZE once a
// request has been expanded to block boundaries.
type File struct {
	mu        sync.Mutex
	f         *os.File
	size      int64
	blockSize int
	identity  FileIdentity
	direct    bool
}

// OpenFile opens path for block-aligned I/O. If O_DIRECT cannot be used
// (tmpfs, some container overlays) it falls back to buffered I/O rather
// than failing outright, matching the engine's general "degrade, don't
// wedge the device" posture (spec.md §7c).
func OpenFile(path string, size int64, blockSize int) (*File, error) {
	f, direct, err := openDirectOrBuffered(path, blockSize)
	if err != nil {
		return nil, err
	}
	if size > 0 {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("backend: truncate %s: %w", path, err)
		}
	} else {
		fi, statErr := f.Stat()
		if statErr != nil {
			f.Close()
			return nil, statErr
		}
		size = fi.Size()
	}

	id, err := identityOf(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &File{f: f, size: size, blockSize: blockSize, identity: id, direct: direct}, nil
}

func openDirectOrBuffered(path string, blockSize int) (*os.File, bool, error) {
	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err == nil {
		return f, true, nil
	}
	f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, false, fmt.Errorf("backend: open %s: %w", path, err)
	}
	return f, false, nil
}

func identityOf(f *os.File) (FileIdentity, error) {
	fi, err := f.Stat()
	if err != nil {
		return FileIdentity{}, err
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return FileIdentity{}, nil
	}
	return FileIdentity{Device: uint64(st.Dev), Inode: st.Ino}, nil
}

// Fallocate preallocates length bytes at offset, matching cowfile's need
// to reserve file_max bytes up front (spec.md §4.2). Falls back to
// zero-filling when fallocate isn't supported by the filesystem.
func (b *File) Fallocate(offset, length int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := unix.Fallocate(int(b.f.Fd()), 0, offset, length)
	if err == nil {
		return nil
	}
	return b.zeroFill(offset, length)
}

func (b *File) zeroFill(offset, length int64) error {
	const chunk = 1 << 20
	buf := make([]byte, chunk)
	for length > 0 {
		n := int64(len(buf))
		if n > length {
			n = length
		}
		if _, err := b.f.WriteAt(buf[:n], offset); err != nil {
			return err
		}
		offset += n
		length -= n
	}
	return nil
}

func (b *File) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.f.ReadAt(p, off)
}

func (b *File) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.f.WriteAt(p, off)
}

func (b *File) Size() int64 { return b.size }

func (b *File) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.f.Close()
}

func (b *File) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.f.Sync()
}

func (b *File) Identity() FileIdentity { return b.identity }

// Unlink removes the backing file. Used on the COW Manager's fail path
// (spec.md §4.2 free): a half-built COW file must never survive setup
// failure.
func (b *File) Unlink(path string) error {
	return os.Remove(path)
}

// Truncate shrinks or grows the backing file, used for the
// active-snapshot -> active-incremental truncate-to-index transition.
func (b *File) Truncate(size int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.f.Truncate(size); err != nil {
		return err
	}
	b.size = size
	return nil
}

// AlignedBlock returns a buffer suitable for O_DIRECT I/O against this
// backend (a no-op allocation when O_DIRECT isn't in use).
func (b *File) AlignedBlock(n int) []byte {
	if b.direct {
		return directio.AlignedBlock(n)
	}
	return make([]byte, n)
}

var (
	_ Backend           = (*File)(nil)
	_ IdentifiedBackend = (*File)(nil)
)
