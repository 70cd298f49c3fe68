package cowsnap

import (
	"sync"

	"github.com/dattobd/cowsnap/internal/backend"
	"github.com/dattobd/cowsnap/internal/cowfile"
	"github.com/dattobd/cowsnap/internal/interposer"
	"github.com/dattobd/cowsnap/internal/logging"
	"github.com/dattobd/cowsnap/internal/queue"
	"github.com/dattobd/cowsnap/internal/snapdevice"
)

// State is the Tracer's lifecycle position (spec.md §4.4). Fail is kept
// as a separate bool rather than a State value since it is an orthogonal
// overlay on top of any of these, matching the spec's "(SNAPSHOT?,
// ACTIVE?, UNVERIFIED?)" triple plus a Fail bit.
type State int

const (
	StateAbsent State = iota
	StateUnverifiedSnap
	StateUnverifiedInc
	StateDormant
	StateActiveSnap
	StateActiveInc
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateUnverifiedSnap:
		return "unverified-snap"
	case StateUnverifiedInc:
		return "unverified-inc"
	case StateDormant:
		return "dormant"
	case StateActiveSnap:
		return "active-snap"
	case StateActiveInc:
		return "active-inc"
	default:
		return "unknown"
	}
}

func (s State) active() bool {
	return s == StateActiveSnap || s == StateActiveInc
}

// Tracer is the per-device controller: state bits plus references to its
// COW Manager, interposer, snapshot device and workers (spec.md §2, §3
// "Ownership"). The Snapshot Block Device only ever holds the Tracer's
// minor, resolving through the Registry — Tracer itself is the sole
// owner of everything listed here.
type Tracer struct {
	minor int

	mu      sync.Mutex
	state   State
	failed  bool
	failErr error

	bdevPath   string
	cowPath    string
	cacheBytes int64
	fileMaxB   int64
	seqid      uint64
	uuid       [16]byte
	version    uint64
	indexOnly  bool // true once running (or last run) in incremental mode

	base        backend.Backend
	manager     *cowfile.Manager
	ip          *interposer.Interposer
	snapDev     *snapdevice.Device
	cowIdentity backend.FileIdentity

	cow      *queue.COWWorker
	dispatch *queue.DispatchWorker
	sset     *queue.SectorSetWorker
	counters *queue.ShutdownCounters
	workers  *queue.WorkerSet

	hooks   *Hooks
	metrics *Metrics
	log     *logging.Logger
}

func newTracer(minor int, hooks *Hooks, metrics *Metrics) *Tracer {
	return &Tracer{minor: minor, state: StateAbsent, hooks: hooks, metrics: metrics, log: logging.Default()}
}

func (t *Tracer) BasePath() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bdevPath
}

func (t *Tracer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tracer) Failed() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed, t.failErr
}

// fail promotes the tracer to fail-state (spec.md §7): the error is set
// exactly once, the interposer and snapshot device are switched to
// forwarding/EIO, and the COW Manager is released to reclaim resources.
func (t *Tracer) fail(err error) {
	t.mu.Lock()
	if t.failed {
		t.mu.Unlock()
		return
	}
	t.failed = true
	t.failErr = err
	manager := t.manager
	t.manager = nil
	t.mu.Unlock()

	t.log.Errorf("minor %d entering fail-state: %v", t.minor, err)

	if t.ip != nil {
		t.ip.Fail(err)
	}
	if t.snapDev != nil {
		t.snapDev.Fail()
	}
	if manager != nil {
		_ = manager.Free()
	}
	if t.metrics != nil {
		t.metrics.RecordFailState()
	}
}

// InfoRecord is the per-tracer snapshot returned by the info control
// operation (spec.md §4.6, §6).
type InfoRecord struct {
	Minor           int
	State           string
	BaseDevicePath  string
	COWFile         string
	CacheSizeBytes  int64
	FallocatedBytes int64
	Seqid           uint64
	UUID            [16]byte
	Version         uint64
	NrChangedBlocks uint64
	Error           string
}

// SectorRange is a contiguous run of changed sectors, the unit
// Engine.ChangedRegions reports to an external differential-backup agent
// (spec.md §1's "external agent", supplemented per SPEC_FULL.md §3 from
// original_source/'s dbdctl changed-region listing).
type SectorRange struct {
	Start  int64
	Length int64
}

// changedRegions reports the tracer's changed blocks as sector ranges,
// walking the COW Manager's mapping index. Only valid while Active-Snap
// or Active-Inc: the COW Manager is closed and its handle dropped on
// unmount/destroy (spec.md §4.4), so there is no mapping index to walk
// once the tracer goes Dormant or Absent.
func (t *Tracer) changedRegions() ([]SectorRange, error) {
	t.mu.Lock()
	mgr := t.manager
	state := t.state
	t.mu.Unlock()

	if mgr == nil {
		return nil, NewDeviceError("changed_regions", t.minor, ErrCodeInvalid, "tracer has no open cow chain in state "+state.String())
	}

	blockRanges, err := mgr.ChangedBlockRanges()
	if err != nil {
		return nil, wrapErr("changed_regions", t.minor, ErrCodeIO, "walk mapping index", err)
	}

	const sectorsPerBlock = BlockSize / SectorSize
	out := make([]SectorRange, len(blockRanges))
	for i, r := range blockRanges {
		out[i] = SectorRange{Start: r.Start * sectorsPerBlock, Length: r.Length * sectorsPerBlock}
	}
	return out, nil
}

func (t *Tracer) Info() InfoRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := InfoRecord{
		Minor:           t.minor,
		State:           t.state.String(),
		BaseDevicePath:  t.bdevPath,
		COWFile:         t.cowPath,
		CacheSizeBytes:  t.cacheBytes,
		FallocatedBytes: t.fileMaxB,
		Seqid:           t.seqid,
		UUID:            t.uuid,
		Version:         t.version,
	}
	if t.failed {
		rec.Error = t.failErr.Error()
	}
	if t.manager != nil {
		stats := t.manager.Stats()
		rec.NrChangedBlocks = stats.NrChangedBlocks
	}
	return rec
}
