package cowsnap

import (
	"testing"
	"time"
)

const testDeviceSize = 8 * BlockSize * 64

func newTestEngine() (*Engine, *testHarness) {
	h := newTestHarness()
	return NewEngine(4, h.hooks(), NewMetrics(time.Unix(0, 0))), h
}

func TestEngine_SetupSnapshotAndDestroy(t *testing.T) {
	e, h := newTestEngine()
	h.addBase("/dev/sdb1", testDeviceSize)

	err := e.SetupSnapshot(SetupSnapshotParams{
		Minor:             0,
		BdevPath:          "/dev/sdb1",
		CowPath:           "/cow/0.cow",
		FallocatedSpaceMB: 1,
		CacheSizeBytes:    1 << 16,
	})
	if err != nil {
		t.Fatalf("setup_snapshot: %v", err)
	}

	info, err := e.Info(0)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.State != StateActiveSnap.String() {
		t.Fatalf("state = %s, want %s", info.State, StateActiveSnap)
	}
	if info.BaseDevicePath != "/dev/sdb1" {
		t.Fatalf("base device path = %q", info.BaseDevicePath)
	}

	if err := e.Destroy(0); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	info, err = e.Info(0)
	if err == nil {
		t.Fatalf("info after destroy: want not-found error, got %+v", info)
	}
}

func TestEngine_SetupSnapshot_AlreadyActiveIsBusy(t *testing.T) {
	e, h := newTestEngine()
	h.addBase("/dev/sdb1", testDeviceSize)

	params := SetupSnapshotParams{
		Minor: 1, BdevPath: "/dev/sdb1", CowPath: "/cow/1.cow",
		FallocatedSpaceMB: 1, CacheSizeBytes: 1 << 16,
	}
	if err := e.SetupSnapshot(params); err != nil {
		t.Fatalf("first setup_snapshot: %v", err)
	}
	err := e.SetupSnapshot(params)
	if !IsCode(err, ErrCodeBusy) {
		t.Fatalf("second setup_snapshot: want EBUSY, got %v", err)
	}
}

func TestEngine_TransitionToIncrementalAndBack(t *testing.T) {
	e, h := newTestEngine()
	h.addBase("/dev/sdb1", testDeviceSize)

	if err := e.SetupSnapshot(SetupSnapshotParams{
		Minor: 0, BdevPath: "/dev/sdb1", CowPath: "/cow/0.cow",
		FallocatedSpaceMB: 1, CacheSizeBytes: 1 << 16,
	}); err != nil {
		t.Fatalf("setup_snapshot: %v", err)
	}

	if err := e.TransitionToIncremental(0); err != nil {
		t.Fatalf("transition_to_incremental: %v", err)
	}
	info, _ := e.Info(0)
	if info.State != StateActiveInc.String() {
		t.Fatalf("state after transition_to_incremental = %s", info.State)
	}

	if err := e.TransitionToSnapshot(TransitionToSnapshotParams{
		Minor: 0, CowPath: "/cow/0-2.cow", FallocatedSpaceMB: 1,
	}); err != nil {
		t.Fatalf("transition_to_snapshot: %v", err)
	}
	info, _ = e.Info(0)
	if info.State != StateActiveSnap.String() {
		t.Fatalf("state after transition_to_snapshot = %s", info.State)
	}
	if info.COWFile != "/cow/0-2.cow" {
		t.Fatalf("cow file = %q, want new chain path", info.COWFile)
	}
}

func TestEngine_TransitionToIncremental_WrongStateRejected(t *testing.T) {
	e, h := newTestEngine()
	h.addBase("/dev/sdb1", testDeviceSize)

	err := e.TransitionToIncremental(0)
	if !IsCode(err, ErrCodeNotFound) {
		t.Fatalf("transition on absent minor: want ENOENT, got %v", err)
	}

	if err := e.SetupSnapshot(SetupSnapshotParams{
		Minor: 0, BdevPath: "/dev/sdb1", CowPath: "/cow/0.cow",
		FallocatedSpaceMB: 1, CacheSizeBytes: 1 << 16,
	}); err != nil {
		t.Fatalf("setup_snapshot: %v", err)
	}
	if err := e.TransitionToIncremental(0); err != nil {
		t.Fatalf("transition_to_incremental: %v", err)
	}
	err = e.TransitionToIncremental(0)
	if !IsCode(err, ErrCodeInvalid) {
		t.Fatalf("repeat transition_to_incremental: want EINVAL, got %v", err)
	}
}

func TestEngine_ReloadSnapshotThenMountActivates(t *testing.T) {
	e, h := newTestEngine()
	h.addBase("/dev/sdb1", testDeviceSize)

	if err := e.ReloadSnapshot(ReloadParams{
		Minor: 2, BdevPath: "/dev/sdb1", CowPathRelative: "0.cow", CacheSizeBytes: 1 << 16,
	}); err != nil {
		t.Fatalf("reload_snapshot: %v", err)
	}
	info, _ := e.Info(2)
	if info.State != StateUnverifiedSnap.String() {
		t.Fatalf("state after reload_snapshot = %s", info.State)
	}

	// Prime the COW store as if a previous active session had written a
	// clean header at the resolved path before this reload. Mount events
	// are matched against the tracer's configured base device path
	// (spec.md §4.4), so the resolved path the verify step builds the
	// full COW path from is that same base device path.
	seedAndCloseCOWChain(t, h, "/dev/sdb1/0.cow", testDeviceSize/BlockSize, 1<<16, false)

	if err := e.HandleMount(MountEvent{Path: "/dev/sdb1", Kind: MountEventMount}); err != nil {
		t.Fatalf("mount event: %v", err)
	}
	info, _ = e.Info(2)
	if info.State != StateActiveSnap.String() {
		t.Fatalf("state after mount = %s", info.State)
	}
}

func TestEngine_UnmountDormantThenRemountReactivates(t *testing.T) {
	e, h := newTestEngine()
	h.addBase("/dev/sdb1", testDeviceSize)

	if err := e.SetupSnapshot(SetupSnapshotParams{
		Minor: 0, BdevPath: "/dev/sdb1", CowPath: "/cow/0.cow",
		FallocatedSpaceMB: 1, CacheSizeBytes: 1 << 16,
	}); err != nil {
		t.Fatalf("setup_snapshot: %v", err)
	}

	if err := e.HandleMount(MountEvent{Path: "/dev/sdb1", Kind: MountEventUnmount}); err != nil {
		t.Fatalf("unmount event: %v", err)
	}
	info, _ := e.Info(0)
	if info.State != StateDormant.String() {
		t.Fatalf("state after unmount = %s", info.State)
	}

	if err := e.HandleMount(MountEvent{Path: "/dev/sdb1", Kind: MountEventMount}); err != nil {
		t.Fatalf("remount event: %v", err)
	}
	info, _ = e.Info(0)
	if info.State != StateActiveSnap.String() {
		t.Fatalf("state after remount = %s", info.State)
	}
}

func TestEngine_ReconfigureRequiresActive(t *testing.T) {
	e, h := newTestEngine()
	h.addBase("/dev/sdb1", testDeviceSize)

	err := e.Reconfigure(0, 1<<16)
	if !IsCode(err, ErrCodeNotFound) {
		t.Fatalf("reconfigure on absent minor: want ENOENT, got %v", err)
	}

	if err := e.SetupSnapshot(SetupSnapshotParams{
		Minor: 0, BdevPath: "/dev/sdb1", CowPath: "/cow/0.cow",
		FallocatedSpaceMB: 1, CacheSizeBytes: 1 << 16,
	}); err != nil {
		t.Fatalf("setup_snapshot: %v", err)
	}
	if err := e.Reconfigure(0, 1<<17); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
	info, _ := e.Info(0)
	if info.CacheSizeBytes != 1<<17 {
		t.Fatalf("cache size = %d, want %d", info.CacheSizeBytes, 1<<17)
	}
}

func TestEngine_GetFreeMinor(t *testing.T) {
	e, h := newTestEngine()
	h.addBase("/dev/sdb1", testDeviceSize)
	h.addBase("/dev/sdb2", testDeviceSize)

	minor, err := e.GetFreeMinor()
	if err != nil || minor != 0 {
		t.Fatalf("get_free_minor = %d, %v; want 0, nil", minor, err)
	}

	if err := e.SetupSnapshot(SetupSnapshotParams{
		Minor: 0, BdevPath: "/dev/sdb1", CowPath: "/cow/0.cow",
		FallocatedSpaceMB: 1, CacheSizeBytes: 1 << 16,
	}); err != nil {
		t.Fatalf("setup_snapshot: %v", err)
	}

	minor, err = e.GetFreeMinor()
	if err != nil || minor != 1 {
		t.Fatalf("get_free_minor after using 0 = %d, %v; want 1, nil", minor, err)
	}
}

func TestEngine_ChangedRegions(t *testing.T) {
	e, h := newTestEngine()
	h.addBase("/dev/sdb1", testDeviceSize)

	if err := e.SetupSnapshot(SetupSnapshotParams{
		Minor: 0, BdevPath: "/dev/sdb1", CowPath: "/cow/0.cow",
		FallocatedSpaceMB: 1, CacheSizeBytes: 1 << 16,
	}); err != nil {
		t.Fatalf("setup_snapshot: %v", err)
	}

	tr := e.registry.Get(0)
	if tr == nil {
		t.Fatalf("registry.Get(0): no tracer after setup_snapshot")
	}
	buf := make([]byte, BlockSize)
	if _, err := tr.manager.WriteBlockIfNew(2, buf); err != nil {
		t.Fatalf("preserve block 2: %v", err)
	}
	if _, err := tr.manager.WriteBlockIfNew(3, buf); err != nil {
		t.Fatalf("preserve block 3: %v", err)
	}
	if _, err := tr.manager.WriteBlockIfNew(10, buf); err != nil {
		t.Fatalf("preserve block 10: %v", err)
	}

	regions, err := e.ChangedRegions(0)
	if err != nil {
		t.Fatalf("changed_regions: %v", err)
	}

	const sectorsPerBlock = BlockSize / SectorSize
	want := []SectorRange{
		{Start: 2 * sectorsPerBlock, Length: 2 * sectorsPerBlock},
		{Start: 10 * sectorsPerBlock, Length: 1 * sectorsPerBlock},
	}
	if len(regions) != len(want) {
		t.Fatalf("changed_regions = %+v, want %+v", regions, want)
	}
	for i := range want {
		if regions[i] != want[i] {
			t.Fatalf("region %d = %+v, want %+v", i, regions[i], want[i])
		}
	}

	if err := e.Destroy(0); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := e.ChangedRegions(0); !IsCode(err, ErrCodeNotFound) {
		t.Fatalf("changed_regions after destroy: want ENOENT, got %v", err)
	}
}

func TestEngine_InfoAll(t *testing.T) {
	e, h := newTestEngine()
	h.addBase("/dev/sdb1", testDeviceSize)
	h.addBase("/dev/sdb2", testDeviceSize)

	if err := e.SetupSnapshot(SetupSnapshotParams{
		Minor: 0, BdevPath: "/dev/sdb1", CowPath: "/cow/0.cow",
		FallocatedSpaceMB: 1, CacheSizeBytes: 1 << 16,
	}); err != nil {
		t.Fatalf("setup_snapshot 0: %v", err)
	}
	if err := e.SetupSnapshot(SetupSnapshotParams{
		Minor: 1, BdevPath: "/dev/sdb2", CowPath: "/cow/1.cow",
		FallocatedSpaceMB: 1, CacheSizeBytes: 1 << 16,
	}); err != nil {
		t.Fatalf("setup_snapshot 1: %v", err)
	}

	all := e.InfoAll()
	if len(all) != 2 {
		t.Fatalf("InfoAll returned %d records, want 2", len(all))
	}
}
