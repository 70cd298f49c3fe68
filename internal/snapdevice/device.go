// Package snapdevice implements the snapshot block device: a read-only
// virtual device presenting the point-in-time view by mixing the base
// device and the COW file (spec.md §4.3, §4.5).
package snapdevice

import (
	"errors"
	"sync/atomic"

	"github.com/dattobd/cowsnap/internal/backend"
	"github.com/dattobd/cowsnap/internal/cowfile"
)

// Errors surfaced to the host integration layer, mapped onto the
// engine's ErrorCode taxonomy by the control surface (spec.md §6).
var (
	ErrNotSupported = errors.New("snapdevice: write to read-only snapshot device")
	ErrIO           = errors.New("snapdevice: fail-state")
	ErrBusy         = errors.New("snapdevice: device not active")
)

// Mode classifies a read request by where its blocks live (spec.md §4.3).
type Mode int

const (
	ModeBaseOnly Mode = iota
	ModeCOWOnly
	ModeMixed
)

// Device is the virtual read-only block device presenting the snapshot
// view. Reads are routed through the COW Worker in the real engine; here
// Device exposes the read-reconstruction logic directly since the queue
// layer only carries opaque closures (see queue.BioItem.Handle).
type Device struct {
	Minor       int
	SizeSectors int64

	base    backend.Backend
	manager *cowfile.Manager

	active atomic.Bool
	failed atomic.Bool
}

func New(minor int, sizeSectors int64, base backend.Backend, manager *cowfile.Manager) *Device {
	d := &Device{Minor: minor, SizeSectors: sizeSectors, base: base, manager: manager}
	d.active.Store(true)
	return d
}

func (d *Device) SetActive(active bool) { d.active.Store(active) }
func (d *Device) Active() bool          { return d.active.Load() }
func (d *Device) Fail()                 { d.failed.Store(true) }
func (d *Device) Failed() bool          { return d.failed.Load() }

// WriteAt always rejects: the snapshot device is read-only (spec.md §4.5).
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	return 0, ErrNotSupported
}

func (d *Device) Size() int64  { return d.SizeSectors * cowfile.SectorSize }
func (d *Device) Close() error { return nil }
func (d *Device) Flush() error { return nil }

func floorBlock(x int64) int64 { return (x / cowfile.BlockSize) * cowfile.BlockSize }
func ceilBlock(x int64) int64 {
	if rem := x % cowfile.BlockSize; rem != 0 {
		return x + (cowfile.BlockSize - rem)
	}
	return x
}

// ReadAt implements the entry point described in spec.md §4.3: fail-state
// reads return ErrIO, reads while not ACTIVE return ErrBusy, and accepted
// reads are mode-detected and reconstructed from base+COW sources.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	if d.Failed() {
		return 0, ErrIO
	}
	if !d.Active() {
		return 0, ErrBusy
	}

	start := floorBlock(off)
	end := ceilBlock(off + int64(len(p)))
	numBlocks := (end - start) / cowfile.BlockSize

	mappings := make([]uint64, numBlocks)
	mode := ModeBaseOnly
	sawZero, sawNonZero := false, false
	for i := int64(0); i < numBlocks; i++ {
		v, err := d.manager.ReadMapping((start + i*cowfile.BlockSize) / cowfile.BlockSize)
		if err != nil {
			d.Fail()
			return 0, ErrIO
		}
		mappings[i] = v
		if v == 0 {
			sawZero = true
		} else {
			sawNonZero = true
		}
	}
	switch {
	case sawNonZero && !sawZero:
		mode = ModeCOWOnly
	case sawNonZero && sawZero:
		mode = ModeMixed
	default:
		mode = ModeBaseOnly
	}

	full := make([]byte, end-start)

	if mode != ModeCOWOnly {
		if _, err := d.base.ReadAt(full, start); err != nil {
			d.Fail()
			return 0, ErrIO
		}
	}
	if mode != ModeBaseOnly {
		for i := int64(0); i < numBlocks; i++ {
			v := mappings[i]
			if v == 0 || v == 1 {
				continue
			}
			blockOff := i * cowfile.BlockSize
			if err := d.manager.ReadBlockData(int64(v), full[blockOff:blockOff+cowfile.BlockSize]); err != nil {
				d.Fail()
				return 0, ErrIO
			}
		}
	}

	n := copy(p, full[off-start:])
	return n, nil
}

var _ backend.Backend = (*Device)(nil)
