package ctrl

import "github.com/dattobd/cowsnap/internal/backend"

// DeviceParams describes one ublk device's geometry and reported
// attributes. ReadOnly/Rotational/VolatileCache/EnableFUA map straight to
// the UBLK_ATTR_* bits a COW chain's installer (cowsnap's hostadapter)
// sets to reflect what the interposer/snapshot-device backend actually
// does: a chain with buffered, not-yet-synced COW writes is VolatileCache,
// never Rotational (the base is whatever block device the host chose,
// but the ublk node itself has no seek penalty of its own to report).
//
// Discard is deliberately not a param here: the COW mapping index has no
// "discarded" state distinct from "untouched", so a chain never
// advertises UBLK_PARAM_TYPE_DISCARD (see SetParams) and the data-plane
// rejects a DISCARD op if one somehow arrives (see ioqueue.Runner).
type DeviceParams struct {
	Backend backend.Backend

	DeviceID         int32
	QueueDepth       int
	NumQueues        int
	LogicalBlockSize int
	MaxIOSize        int

	EnableZeroCopy     bool
	EnableUnprivileged bool
	EnableUserCopy     bool
	EnableZoned        bool
	EnableIoctlEncode  bool

	ReadOnly      bool
	Rotational    bool
	VolatileCache bool
	EnableFUA     bool

	DeviceName  string
	CPUAffinity []int
}

func DefaultDeviceParams(backend backend.Backend) DeviceParams {
	return DeviceParams{
		Backend:          backend,
		DeviceID:         -1,
		QueueDepth:       128,
		NumQueues:        0,
		LogicalBlockSize: 512,
		MaxIOSize:        1 << 20,

		EnableZeroCopy:     false,
		EnableUnprivileged: false,
		EnableUserCopy:     false,
		EnableZoned:        false,
		EnableIoctlEncode:  false, // Don't advertise UBLK_F_CMD_IOCTL_ENCODE; Controller ioctl-encodes its commands regardless

		ReadOnly:      false,
		Rotational:    false,
		VolatileCache: false,
		EnableFUA:     false,
	}
}

type DeviceInfo struct {
	ID           uint32
	State        uint32
	NumQueues    uint16
	QueueDepth   uint16
	BlockSize    uint16
	MaxIOSize    uint32
	DevSectors   uint64
	Features     uint64
	CharPath     string
	BlockPath    string
}

func (d *DeviceInfo) Size() int64 {
	return int64(d.DevSectors) * int64(d.BlockSize)
}