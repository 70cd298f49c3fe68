package cowsnap

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/dattobd/cowsnap/internal/backend"
	"github.com/dattobd/cowsnap/internal/cowfile"
	"github.com/dattobd/cowsnap/internal/logging"
	"github.com/dattobd/cowsnap/internal/ublkhost"
	"github.com/dattobd/cowsnap/internal/ublkhost/ctrl"
)

// UblkHostAdapter realizes the Hooks abstraction point (spec.md §9) as
// real Linux devices: base devices and COW files are opened as
// block-aligned files (internal/backend.File), and "install" means
// standing up a /dev/ublkb* node served by the interposer instead of the
// raw base device (internal/ublkhost).
type UblkHostAdapter struct {
	mu      sync.Mutex
	devices map[int]*ublkhost.Device

	LogicalBlockSize int
	QueueDepth       int
}

// NewUblkHostAdapter returns an adapter with the engine's standard block
// geometry (spec.md §2).
func NewUblkHostAdapter() *UblkHostAdapter {
	return &UblkHostAdapter{
		devices:          make(map[int]*ublkhost.Device),
		LogicalBlockSize: SectorSize,
		QueueDepth:       128,
	}
}

// Hooks builds the Hooks value to pass to NewEngine.
func (a *UblkHostAdapter) Hooks() *Hooks {
	return &Hooks{
		OpenBase:     a.openBase,
		OpenCOWStore: a.openCOWStore,
		Install:      a.install,
		Uninstall:    a.uninstall,
		Freeze:       freezePath,
		Thaw:         thawPath,
	}
}

func (a *UblkHostAdapter) openBase(path string) (backend.Backend, error) {
	return backend.OpenFile(path, 0, a.LogicalBlockSize)
}

func (a *UblkHostAdapter) openCOWStore(path string, sizeBytes int64) (cowfile.Store, error) {
	f, err := backend.OpenFile(path, sizeBytes, BlockSize)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// install stands up a ublk block device serving b (the interposer in
// Active-Snap/Active-Inc, per spec.md §4.1) in place of the raw base
// device (spec.md §9's install/uninstall abstraction point).
func (a *UblkHostAdapter) install(minor int, b backend.Backend) error {
	params := ctrl.DefaultDeviceParams(b)
	params.DeviceID = int32(minor)
	params.LogicalBlockSize = a.LogicalBlockSize
	params.QueueDepth = a.QueueDepth
	params.NumQueues = 1
	// The interposer still accepts writes (they get traced and forwarded,
	// spec.md §4.1), so this node stays writable; but a write the COW
	// Manager accepted isn't durable until its section cache evicts or the
	// chain is synced, so VolatileCache is reported honestly.
	params.ReadOnly = false
	params.VolatileCache = true

	dev, err := ublkhost.CreateAndServe(context.Background(), params, logging.Default())
	if err != nil {
		return fmt.Errorf("hostadapter: install minor %d: %w", minor, err)
	}

	a.mu.Lock()
	a.devices[minor] = dev
	a.mu.Unlock()
	return nil
}

func (a *UblkHostAdapter) uninstall(minor int) error {
	a.mu.Lock()
	dev := a.devices[minor]
	delete(a.devices, minor)
	a.mu.Unlock()
	if dev == nil {
		return nil
	}
	return ublkhost.StopAndDelete(context.Background(), dev)
}

// DevicePath returns the /dev/ublkb* path serving minor, if installed.
func (a *UblkHostAdapter) DevicePath(minor int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	dev, ok := a.devices[minor]
	if !ok {
		return "", false
	}
	return dev.Path, true
}

// freezePath and thawPath quiesce the filesystem mounted at path around a
// binding change (spec.md §5 "failure-triggered freezing"), using the
// same FIFREEZE/FITHAW ioctls the kernel's own fsfreeze uses.
func freezePath(path string) error {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("hostadapter: open %s for freeze: %w", path, err)
	}
	defer unix.Close(fd)
	return unix.IoctlSetInt(fd, unix.FIFREEZE, 0)
}

func thawPath(path string) error {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("hostadapter: open %s for thaw: %w", path, err)
	}
	defer unix.Close(fd)
	return unix.IoctlSetInt(fd, unix.FITHAW, 0)
}
