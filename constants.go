package cowsnap

import (
	"time"

	"github.com/dattobd/cowsnap/internal/cowfile"
)

// Device limits (spec.md §2).
const (
	DefaultMaxTrackedDevices = 24
	MaxTrackedDevices        = 255
)

// Block/sector geometry, re-exported from internal/cowfile so callers
// don't need to import that package just for the constants.
const (
	BlockSize  = cowfile.BlockSize
	SectorSize = cowfile.SectorSize
)

// MaxClonesPerBio caps the number of read clones a single snap_trace call
// will allocate for one bio (spec.md §4.1).
const MaxClonesPerBio = cowfile.MaxClonesPerBio

// Snapshot device naming template (spec.md §6): "<prefix><minor>".
const SnapshotDevicePrefix = "datto"

// Polling backoff bounds for waiting on a mount event to verify an
// Unverified-* tracer (grounded on sethvargo/go-retry usage in
// SharedCode/sop). Nothing in this module polls with them: an
// Unverified-* tracer is verified only when Engine.HandleMount delivers a
// mount event for its base device.
const (
	WaitLiveMinBackoff = 10 * time.Millisecond
	WaitLiveMaxBackoff = 2 * time.Second
	WaitLiveTimeout    = 30 * time.Second
)
