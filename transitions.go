package cowsnap

import (
	"github.com/dattobd/cowsnap/internal/backend"
	"github.com/dattobd/cowsnap/internal/cowfile"
	"github.com/dattobd/cowsnap/internal/interposer"
	"github.com/dattobd/cowsnap/internal/queue"
	"github.com/dattobd/cowsnap/internal/snapdevice"
)

// wrapErr attaches a specific error code and message to an inner error,
// for call sites where the generic EIO classification WrapError applies
// would lose a more precise code (e.g. EINVAL for a bad path).
func wrapErr(op string, minor int, code ErrorCode, msg string, inner error) *Error {
	return &Error{Op: op, Minor: minor, Code: code, Msg: msg, Inner: inner}
}

// markChangedRange marks every logical block a sector-set record spans
// as changed without preserving data, the incremental-mode counterpart
// of snap_trace's preserve-then-forward path (spec.md §4.1 inc_trace).
func markChangedRange(mgr *cowfile.Manager, rec queue.SectorSetRecord) error {
	start := (rec.Sector * SectorSize) / BlockSize
	end := ((rec.Sector + rec.Length) * SectorSize) / BlockSize
	if (rec.Sector+rec.Length)*SectorSize%BlockSize != 0 {
		end++
	}
	for b := start; b < end; b++ {
		if _, err := mgr.MarkChanged(b); err != nil {
			return err
		}
	}
	return nil
}

// identityOf extracts a backend.FileIdentity from a store if it exposes
// one, used to populate Interposer's self-write check (spec.md §4.1):
// most in-memory or fake stores don't back a real inode and return the
// zero identity, which never matches a real write's source.
func identityOf(v interface{}) backend.FileIdentity {
	if ib, ok := v.(interface{ Identity() backend.FileIdentity }); ok {
		return ib.Identity()
	}
	return backend.FileIdentity{}
}

// SetupSnapshotParams is the decoded setup_snapshot request (spec.md §6).
type SetupSnapshotParams struct {
	Minor             int
	BdevPath          string
	CowPath           string
	FallocatedSpaceMB int64
	CacheSizeBytes    int64
}

// setupSnapshot moves a tracer Absent -> Active-Snap on a mounted device:
// it creates the COW chain, starts the COW and Dispatch workers, and installs the
// interposer in front of the base device (spec.md §4.4 row 1).
func (t *Tracer) setupSnapshot(p SetupSnapshotParams) error {
	t.mu.Lock()
	if t.state != StateAbsent {
		t.mu.Unlock()
		return NewDeviceError("setup_snapshot", t.minor, ErrCodeBusy, "minor already in use")
	}
	t.mu.Unlock()

	base, err := t.hooks.OpenBase(p.BdevPath)
	if err != nil {
		return wrapErr("setup_snapshot", t.minor, ErrCodeInvalid, "open base device", err)
	}

	numBlocks := base.Size() / BlockSize
	fileMax := p.FallocatedSpaceMB * 1024 * 1024

	store, err := t.hooks.OpenCOWStore(p.CowPath, fileMax)
	if err != nil {
		base.Close()
		return wrapErr("setup_snapshot", t.minor, ErrCodeInvalid, "open cow store", err)
	}

	mgr, err := cowfile.Init(store, cowfile.InitParams{
		Path:       p.CowPath,
		NumBlocks:  numBlocks,
		CacheBytes: p.CacheSizeBytes,
		FileMax:    fileMax,
		VersionOne: true,
	})
	if err != nil {
		store.Unlink(p.CowPath)
		store.Close()
		base.Close()
		return wrapErr("setup_snapshot", t.minor, ErrCodeNoMemory, "init cow file", err)
	}

	if err := t.hooks.freeze(p.BdevPath); err != nil {
		_ = mgr.Free()
		base.Close()
		return wrapErr("setup_snapshot", t.minor, ErrCodeIO, "freeze base filesystem", err)
	}

	if err := t.armActive(base, mgr, identityOf(store), interposer.ModeSnap, p.BdevPath, p.CowPath, p.CacheSizeBytes, fileMax, numBlocks); err != nil {
		if thawErr := t.hooks.thaw(p.BdevPath); thawErr != nil {
			t.log.Warnf("thaw failed for minor %d: %v", t.minor, thawErr)
		}
		_ = mgr.Free()
		base.Close()
		return err
	}
	if err := t.hooks.thaw(p.BdevPath); err != nil {
		t.log.Warnf("thaw failed for minor %d: %v", t.minor, err)
	}

	t.mu.Lock()
	t.state = StateActiveSnap
	t.mu.Unlock()
	return nil
}

// armActive wires up the workers, snapshot device, and interposer common
// to entering Active-Snap or Active-Inc, and installs the interposer via
// Hooks.Install (spec.md §9 install/uninstall abstraction).
func (t *Tracer) armActive(base backend.Backend, mgr *cowfile.Manager, cowIdentity backend.FileIdentity, mode interposer.Mode, bdevPath, cowPath string, cacheBytes, fileMax, numBlocks int64) error {
	counters := &queue.ShutdownCounters{}
	cow := queue.NewCOWWorker(counters)
	dispatch := queue.NewDispatchWorker()

	var sset *queue.SectorSetWorker
	if mode == interposer.ModeInc {
		sset = queue.NewSectorSetWorker(func(rec queue.SectorSetRecord) error {
			return markChangedRange(mgr, rec)
		}, func(err error) { t.fail(err) })
	}

	ip := interposer.New(base)
	ip.Arm(interposer.Config{
		Inner:       base,
		Manager:     mgr,
		COW:         cow,
		Dispatch:    dispatch,
		SectorSet:   sset,
		Counters:    counters,
		SectOff:     0,
		SectSize:    numBlocks * BlockSize / SectorSize,
		COWIdentity: cowIdentity,
		OnFail:      func(err error) { t.fail(err) },
	}, mode)

	snapDev := snapdevice.New(t.minor, numBlocks*BlockSize/SectorSize, base, mgr)

	if err := t.hooks.install(t.minor, ip); err != nil {
		return wrapErr("arm_active", t.minor, ErrCodeIO, "install interposer", err)
	}

	ws := queue.NewWorkerSet()
	ws.Go(cow.Run)
	ws.Go(dispatch.Run)
	if sset != nil {
		ws.Go(sset.Run)
	}

	t.mu.Lock()
	t.bdevPath = bdevPath
	t.cowPath = cowPath
	t.cacheBytes = cacheBytes
	t.fileMaxB = fileMax
	stats := mgr.Stats()
	t.seqid = stats.Seqid
	t.uuid = stats.UUID
	t.version = stats.Version
	t.indexOnly = mode == interposer.ModeInc
	t.base = base
	t.manager = mgr
	t.ip = ip
	t.snapDev = snapDev
	t.cow = cow
	t.dispatch = dispatch
	t.sset = sset
	t.counters = counters
	t.workers = ws
	t.cowIdentity = cowIdentity
	t.failed = false
	t.failErr = nil
	t.mu.Unlock()
	return nil
}

// ReloadParams is shared by reload_snapshot and reload_incremental
// (spec.md §6): both only record paths until the device is mounted.
type ReloadParams struct {
	Minor           int
	BdevPath        string
	CowPathRelative string
	CacheSizeBytes  int64
}

func (t *Tracer) reloadSnapshot(p ReloadParams) error {
	return t.reload(p, StateUnverifiedSnap)
}

func (t *Tracer) reloadIncremental(p ReloadParams) error {
	return t.reload(p, StateUnverifiedInc)
}

func (t *Tracer) reload(p ReloadParams, target State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateAbsent {
		return NewDeviceError("reload", t.minor, ErrCodeBusy, "minor already in use")
	}
	t.bdevPath = p.BdevPath
	t.cowPath = p.CowPathRelative
	t.cacheBytes = p.CacheSizeBytes
	t.indexOnly = target == StateUnverifiedInc
	t.state = target
	return nil
}

// onMount verifies an Unverified-* tracer (opening the base device and
// reopening its COW file), or reactivates a Dormant tracer (spec.md §4.4
// rows 6-7, §9).
func (t *Tracer) onMount(resolvedPath string) error {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()

	switch state {
	case StateUnverifiedSnap, StateUnverifiedInc:
		return t.verifyAndActivate(resolvedPath)
	case StateDormant:
		return t.reactivate(resolvedPath)
	default:
		return nil
	}
}

func (t *Tracer) verifyAndActivate(resolvedPath string) error {
	t.mu.Lock()
	bdevPath, cowPath, cacheBytes, indexOnly := t.bdevPath, t.cowPath, t.cacheBytes, t.indexOnly
	t.mu.Unlock()

	base, err := t.hooks.OpenBase(bdevPath)
	if err != nil {
		return wrapErr("verify", t.minor, ErrCodeInvalid, "open base device", err)
	}
	numBlocks := base.Size() / BlockSize

	fullCowPath := resolvedPath + "/" + cowPath
	store, err := t.hooks.OpenCOWStore(fullCowPath, 0)
	if err != nil {
		base.Close()
		return wrapErr("verify", t.minor, ErrCodeInvalid, "open cow store", err)
	}
	mgr, err := cowfile.Reopen(store, cowfile.ReopenParams{
		Path: fullCowPath, NumBlocks: numBlocks, CacheBytes: cacheBytes, IndexOnly: indexOnly,
	})
	if err != nil {
		store.Close()
		base.Close()
		return wrapErr("verify", t.minor, ErrCodeIO, "reopen cow file", err)
	}

	mode := interposer.ModeSnap
	nextState := StateActiveSnap
	if indexOnly {
		mode = interposer.ModeInc
		nextState = StateActiveInc
	}

	if err := t.hooks.freeze(bdevPath); err != nil {
		_ = mgr.SyncAndClose()
		base.Close()
		return wrapErr("verify", t.minor, ErrCodeIO, "freeze base filesystem", err)
	}
	if err := t.armActive(base, mgr, identityOf(store), mode, bdevPath, fullCowPath, cacheBytes, int64(mgr.Stats().FileMax), numBlocks); err != nil {
		if thawErr := t.hooks.thaw(bdevPath); thawErr != nil {
			t.log.Warnf("thaw failed for minor %d: %v", t.minor, thawErr)
		}
		_ = mgr.SyncAndClose()
		base.Close()
		return err
	}
	if err := t.hooks.thaw(bdevPath); err != nil {
		t.log.Warnf("thaw failed for minor %d: %v", t.minor, err)
	}

	t.mu.Lock()
	t.state = nextState
	t.mu.Unlock()
	return nil
}

func (t *Tracer) reactivate(resolvedPath string) error {
	t.mu.Lock()
	cowPath, cacheBytes, indexOnly := t.cowPath, t.cacheBytes, t.indexOnly
	t.mu.Unlock()

	base, err := t.hooks.OpenBase(resolvedPath)
	if err != nil {
		return wrapErr("reactivate", t.minor, ErrCodeInvalid, "open base device", err)
	}
	numBlocks := base.Size() / BlockSize

	store, err := t.hooks.OpenCOWStore(cowPath, 0)
	if err != nil {
		base.Close()
		return wrapErr("reactivate", t.minor, ErrCodeInvalid, "open cow store", err)
	}
	mgr, err := cowfile.Reopen(store, cowfile.ReopenParams{
		Path: cowPath, NumBlocks: numBlocks, CacheBytes: cacheBytes, IndexOnly: indexOnly,
	})
	if err != nil {
		store.Close()
		base.Close()
		return wrapErr("reactivate", t.minor, ErrCodeIO, "reopen cow file", err)
	}

	mode := interposer.ModeSnap
	nextState := StateActiveSnap
	if indexOnly {
		mode = interposer.ModeInc
		nextState = StateActiveInc
	}

	if err := t.armActive(base, mgr, identityOf(store), mode, resolvedPath, cowPath, cacheBytes, int64(mgr.Stats().FileMax), numBlocks); err != nil {
		_ = mgr.SyncAndClose()
		base.Close()
		return err
	}

	t.mu.Lock()
	t.state = nextState
	t.mu.Unlock()
	return nil
}

// onUnmount moves an Active-* tracer to Dormant: the COW Manager is
// synced and closed, but path/config metadata is retained for a later
// remount (spec.md §4.4 row 8).
func (t *Tracer) onUnmount() error {
	t.mu.Lock()
	if !t.state.active() {
		t.mu.Unlock()
		return nil
	}
	mgr := t.manager
	t.mu.Unlock()

	t.stopWorkers()
	_ = t.hooks.uninstall(t.minor)
	if mgr != nil {
		if err := mgr.SyncAndClose(); err != nil {
			return wrapErr("unmount", t.minor, ErrCodeIO, "sync cow on unmount", err)
		}
	}

	t.mu.Lock()
	t.state = StateDormant
	t.base = nil
	t.manager = nil
	t.ip = nil
	t.snapDev = nil
	t.mu.Unlock()
	return nil
}

// stopWorkers signals every live worker to drain and blocks until they
// have all actually returned, so callers are safe to sync or close the
// COW file immediately after this returns.
func (t *Tracer) stopWorkers() {
	t.mu.Lock()
	cow, dispatch, sset, ws := t.cow, t.dispatch, t.sset, t.workers
	t.mu.Unlock()
	if cow != nil {
		cow.RequestStop()
	}
	if dispatch != nil {
		dispatch.RequestStop()
	}
	if sset != nil {
		sset.RequestStop()
	}
	if ws != nil {
		ws.Wait()
	}
}

// destroy tears down an Active-* tracer back to Absent (spec.md §4.4 row
// 4): stops workers, syncs the COW file, and removes the interposer.
func (t *Tracer) destroy() error {
	t.mu.Lock()
	if t.state == StateAbsent {
		t.mu.Unlock()
		return nil
	}
	mgr := t.manager
	base := t.base
	t.mu.Unlock()

	t.stopWorkers()
	_ = t.hooks.uninstall(t.minor)
	if mgr != nil {
		if err := mgr.SyncAndClose(); err != nil {
			return wrapErr("destroy", t.minor, ErrCodeIO, "sync cow on destroy", err)
		}
	}
	if base != nil {
		base.Close()
	}

	t.mu.Lock()
	t.state = StateAbsent
	t.failed = false
	t.failErr = nil
	t.bdevPath = ""
	t.cowPath = ""
	t.cacheBytes = 0
	t.fileMaxB = 0
	t.seqid = 0
	t.uuid = [16]byte{}
	t.version = 0
	t.indexOnly = false
	t.base = nil
	t.manager = nil
	t.ip = nil
	t.snapDev = nil
	t.cow = nil
	t.dispatch = nil
	t.sset = nil
	t.counters = nil
	t.workers = nil
	t.mu.Unlock()
	return nil
}

// transitionToIncremental swaps Active-Snap -> Active-Inc: the sector-set
// worker replaces the dispatch path for COW tracking, and the COW file is
// truncated to its index (spec.md §4.4 row 5).
func (t *Tracer) transitionToIncremental() error {
	t.mu.Lock()
	if t.state != StateActiveSnap {
		t.mu.Unlock()
		return NewDeviceError("transition_to_incremental", t.minor, ErrCodeInvalid, "not in active-snap state")
	}
	mgr := t.manager
	t.mu.Unlock()

	if err := mgr.TruncateToIndex(); err != nil {
		return wrapErr("transition_to_incremental", t.minor, ErrCodeIO, "truncate cow to index", err)
	}

	t.mu.Lock()
	sset := queue.NewSectorSetWorker(func(rec queue.SectorSetRecord) error {
		return markChangedRange(mgr, rec)
	}, func(err error) { t.fail(err) })
	t.sset = sset
	ip, cow, dispatch, counters, base := t.ip, t.cow, t.dispatch, t.counters, t.base
	numBlocks := base.Size() / BlockSize
	ip.Arm(interposer.Config{
		Inner:       base,
		Manager:     mgr,
		COW:         cow,
		Dispatch:    dispatch,
		SectorSet:   sset,
		Counters:    counters,
		SectOff:     0,
		SectSize:    numBlocks * BlockSize / SectorSize,
		COWIdentity: t.cowIdentity,
		OnFail:      func(err error) { t.fail(err) },
	}, interposer.ModeInc)
	t.indexOnly = true
	t.state = StateActiveInc
	ws := t.workers
	t.mu.Unlock()

	if ws != nil {
		ws.Go(sset.Run)
	} else {
		go sset.Run()
	}
	return nil
}

// TransitionToSnapshotParams is the decoded transition_to_snapshot
// request (spec.md §6): a new COW chain is started, keeping the uuid but
// bumping seqid, per spec.md §4.4 row 6.
type TransitionToSnapshotParams struct {
	Minor             int
	CowPath           string
	FallocatedSpaceMB int64
}

func (t *Tracer) transitionToSnapshot(p TransitionToSnapshotParams) error {
	t.mu.Lock()
	if t.state != StateActiveInc {
		t.mu.Unlock()
		return NewDeviceError("transition_to_snapshot", t.minor, ErrCodeInvalid, "not in active-inc state")
	}
	oldMgr := t.manager
	cacheBytes := t.cacheBytes
	base := t.base
	t.mu.Unlock()

	stats := oldMgr.Stats()
	seedUUID := stats.UUID
	fileMax := p.FallocatedSpaceMB * 1024 * 1024
	numBlocks := base.Size() / BlockSize

	if err := oldMgr.SyncAndClose(); err != nil {
		return wrapErr("transition_to_snapshot", t.minor, ErrCodeIO, "close previous cow chain", err)
	}

	store, err := t.hooks.OpenCOWStore(p.CowPath, fileMax)
	if err != nil {
		return wrapErr("transition_to_snapshot", t.minor, ErrCodeInvalid, "open cow store", err)
	}
	newMgr, err := cowfile.Init(store, cowfile.InitParams{
		Path:       p.CowPath,
		NumBlocks:  numBlocks,
		CacheBytes: cacheBytes,
		FileMax:    fileMax,
		SeedUUID:   &seedUUID,
		SeedSeqid:  stats.Seqid + 1,
		VersionOne: true,
	})
	if err != nil {
		store.Unlink(p.CowPath)
		store.Close()
		return wrapErr("transition_to_snapshot", t.minor, ErrCodeNoMemory, "init new cow chain", err)
	}

	t.mu.Lock()
	if t.sset != nil {
		t.sset.RequestStop()
		t.sset = nil
	}
	t.manager = newMgr
	t.cowPath = p.CowPath
	t.fileMaxB = fileMax
	t.cowIdentity = identityOf(store)
	newStats := newMgr.Stats()
	t.seqid = newStats.Seqid
	t.version = newStats.Version
	t.indexOnly = false
	t.state = StateActiveSnap
	t.mu.Unlock()

	t.ip.Arm(interposer.Config{
		Inner:       base,
		Manager:     newMgr,
		COW:         t.cow,
		Dispatch:    t.dispatch,
		Counters:    t.counters,
		SectOff:     0,
		SectSize:    numBlocks * BlockSize / SectorSize,
		COWIdentity: identityOf(store),
		OnFail:      func(err error) { t.fail(err) },
	}, interposer.ModeSnap)

	t.snapDev = snapdevice.New(t.minor, numBlocks*BlockSize/SectorSize, base, newMgr)
	return nil
}

// reconfigure recomputes allowed_sects for a live tracer (spec.md §4.4
// row 7) without disturbing its mode or worker set.
func (t *Tracer) reconfigure(cacheSizeBytes int64) error {
	t.mu.Lock()
	if !t.state.active() {
		t.mu.Unlock()
		return NewDeviceError("reconfigure", t.minor, ErrCodeInvalid, "tracer is not active")
	}
	mgr := t.manager
	t.cacheBytes = cacheSizeBytes
	t.mu.Unlock()

	mgr.Reconfigure(cacheSizeBytes)
	return nil
}
