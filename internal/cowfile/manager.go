package cowfile

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Store is the narrow file surface the Manager needs, satisfied by
// backend.File. Kept as a local interface so cowfile does not import
// internal/backend.
type Store interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Fallocate(offset, length int64) error
	Truncate(size int64) error
	Unlink(path string) error
	Close() error
	Flush() error
}

// ErrFull is returned when a data write would exceed FileMax (spec.md §3,
// §6: -EFBIG).
var ErrFull = fmt.Errorf("cowfile: file full (EFBIG)")

// Manager is the COW file's mapping+data store: header I/O, the section
// cache, and the append-only data region (spec.md §4.2).
type Manager struct {
	mu sync.Mutex

	store Store
	path  string

	header Header

	totalSects int
	numBlocks  int64
	dataOffset int64
	cache      *sectionCache

	cacheBytes int64
}

// NumBlocks returns the number of logical blocks this chain tracks, as
// given to Init/Reopen.
func (m *Manager) NumBlocks() int64 { return m.numBlocks }

// sectionMetaSize approximates sizeof(section-metadata) for the
// allowed_sects calculation in spec.md §4.2; it only needs to account for
// the bookkeeping overhead per section, not the resident mapping array
// (which is charged separately via SectionSize*8).
const sectionMetaSize = 32

// computeLayout derives total_sects, allowed_sects and data_offset from N
// logical blocks and a cache budget, exactly as spec.md §4.2 specifies.
func computeLayout(n int64, cacheBytes int64) (totalSects, allowedSects int, dataOffset int64) {
	totalSects = int((n + SectionSize - 1) / SectionSize)
	if totalSects < 1 {
		totalSects = 1
	}
	remaining := cacheBytes - int64(totalSects)*sectionMetaSize
	if remaining < 0 {
		remaining = 0
	}
	allowedSects = int(remaining / (SectionSize * MappingEntrySize))
	if allowedSects < 0 {
		allowedSects = 0
	}
	indexBytes := int64(totalSects) * SectionSize * MappingEntrySize
	dataOffset = HeaderSize + indexBytes
	// Round the data region up to block alignment, matching the "rounded
	// to the file layout" clause in spec.md §3.
	if rem := dataOffset % BlockSize; rem != 0 {
		dataOffset += BlockSize - rem
	}
	return totalSects, allowedSects, dataOffset
}

// InitParams configures a new COW chain.
type InitParams struct {
	Path        string
	NumBlocks   int64 // N logical blocks being tracked
	CacheBytes  int64
	FileMax     int64
	SeedUUID    *[16]byte // nil => generate fresh chain uuid
	SeedSeqid   uint64    // 0 => 1
	VersionOne  bool      // version >= 1 tracks nr_changed_blocks
	IndexOnly   bool      // incremental mode: never writes data, INDEX_ONLY set
}

// Init creates and truncates a new COW file for a fresh chain (spec.md
// §4.2 cow_init).
func Init(store Store, p InitParams) (*Manager, error) {
	totalSects, allowedSects, dataOffset := computeLayout(p.NumBlocks, p.CacheBytes)

	if err := store.Fallocate(0, p.FileMax); err != nil {
		return nil, fmt.Errorf("cowfile: fallocate: %w", err)
	}

	seqid := p.SeedSeqid
	if seqid == 0 {
		seqid = 1
	}
	var id [16]byte
	if p.SeedUUID != nil {
		id = *p.SeedUUID
	} else {
		id = NewUUID()
	}
	version := uint64(0)
	if p.VersionOne {
		version = 1
	}

	flags := uint32(0)
	if p.IndexOnly {
		flags |= FlagIndexOnly
	}

	m := &Manager{
		store:      store,
		path:       p.Path,
		totalSects: totalSects,
		numBlocks:  p.NumBlocks,
		dataOffset: dataOffset,
		cache:      newSectionCache(totalSects, allowedSects),
		cacheBytes: p.CacheBytes,
		header: Header{
			Magic:   Magic,
			Flags:   flags,
			FilePos: uint64(dataOffset / BlockSize),
			FileMax: uint64(p.FileMax),
			Seqid:   seqid,
			UUID:    id,
			Version: version,
		},
	}

	if err := m.writeHeader(false); err != nil {
		return nil, err
	}
	return m, nil
}

// ReopenParams configures reopening an existing COW file.
type ReopenParams struct {
	Path       string
	NumBlocks  int64
	CacheBytes int64
	IndexOnly  bool // caller's expectation; must match header's INDEX_ONLY bit
}

// Reopen opens an existing COW file (spec.md §4.2 cow_reopen): validates
// the header, clears CLEAN, and rebuilds section metadata in
// "all-have-data, none-resident" form so later reads fault sections in
// from disk on demand.
func Reopen(store Store, p ReopenParams) (*Manager, error) {
	buf := make([]byte, HeaderSize)
	if _, err := store.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("cowfile: read header: %w", err)
	}
	h, err := UnmarshalHeader(buf)
	if err != nil {
		return nil, err
	}
	if h.Magic != Magic {
		return nil, fmt.Errorf("cowfile: bad magic 0x%x", h.Magic)
	}
	if !h.clean() {
		return nil, fmt.Errorf("cowfile: header not clean, COW file was not closed properly")
	}
	if h.indexOnly() != p.IndexOnly {
		return nil, fmt.Errorf("cowfile: INDEX_ONLY mismatch (file=%v want=%v)", h.indexOnly(), p.IndexOnly)
	}

	totalSects, allowedSects, dataOffset := computeLayout(p.NumBlocks, p.CacheBytes)

	h.Flags &^= FlagClean
	h.Flags &^= FlagVmallocUpper

	m := &Manager{
		store:      store,
		path:       p.Path,
		totalSects: totalSects,
		numBlocks:  p.NumBlocks,
		dataOffset: dataOffset,
		cache:      newSectionCache(totalSects, allowedSects),
		cacheBytes: p.CacheBytes,
		header:     *h,
	}
	for i := range m.cache.sections {
		m.cache.sections[i].hasData = true
	}
	if err := m.writeHeader(false); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) writeHeader(clean bool) error {
	if clean {
		m.header.Flags |= FlagClean
	} else {
		m.header.Flags &^= FlagClean
	}
	_, err := m.store.WriteAt(m.header.Marshal(), 0)
	return err
}

func (m *Manager) sectionOffset(idx int) int64 {
	return HeaderSize + int64(idx)*SectionSize*MappingEntrySize
}

func (m *Manager) loadSection(idx int) ([]uint64, error) {
	buf := make([]byte, SectionSize*MappingEntrySize)
	if _, err := m.store.ReadAt(buf, m.sectionOffset(idx)); err != nil {
		return nil, fmt.Errorf("cowfile: load section %d: %w", idx, err)
	}
	mappings := make([]uint64, SectionSize)
	for i := range mappings {
		mappings[i] = binary.LittleEndian.Uint64(buf[i*8 : i*8+8])
	}
	return mappings, nil
}

func (m *Manager) storeSection(idx int, mappings []uint64) error {
	buf := make([]byte, SectionSize*MappingEntrySize)
	for i, v := range mappings {
		binary.LittleEndian.PutUint64(buf[i*8:i*8+8], v)
	}
	_, err := m.store.WriteAt(buf, m.sectionOffset(idx))
	return err
}

func blockIndex(b int64) (sectIdx, sectPos int) {
	return int(b / SectionSize), int(b % SectionSize)
}

// ReadMapping returns the mapping entry for logical block b, loading its
// section from disk if necessary, and runs eviction if the cache is over
// budget afterward (spec.md §4.2 read_mapping).
func (m *Manager) ReadMapping(b int64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readMappingLocked(b)
}

func (m *Manager) readMappingLocked(b int64) (uint64, error) {
	sectIdx, pos := blockIndex(b)
	m.cache.touch(sectIdx)

	s := &m.cache.sections[sectIdx]
	if !s.resident() && !s.hasData {
		m.maybeEvictLocked()
		return 0, nil
	}
	mappings, err := m.cache.residentMappings(sectIdx, false, m.loadSection)
	if err != nil {
		return 0, err
	}
	v := mappings[pos]
	m.maybeEvictLocked()
	return v, nil
}

// WriteMapping sets the mapping entry for logical block b to v (spec.md
// §4.2 write_mapping), allocating a fresh zeroed section on first touch
// and bumping nr_changed_blocks when appropriate.
func (m *Manager) WriteMapping(b int64, v uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeMappingLocked(b, v)
}

func (m *Manager) writeMappingLocked(b int64, v uint64) error {
	sectIdx, pos := blockIndex(b)
	m.cache.touch(sectIdx)

	mappings, err := m.cache.residentMappings(sectIdx, true, m.loadSection)
	if err != nil {
		return err
	}
	prior := mappings[pos]
	if v != 0 && prior == 0 && m.header.Version >= 1 {
		m.header.NrChangedBlocks++
	}
	mappings[pos] = v
	m.cache.sections[sectIdx].dirty = true
	m.maybeEvictLocked()
	return nil
}

// ReadBlockData reads the preserved block stored at COW block index v
// (spec.md §4.3 read_data), used by the snapshot read path to patch
// blocks that were preserved before the base device is touched.
func (m *Manager) ReadBlockData(v int64, buf []byte) error {
	_, err := m.store.ReadAt(buf, v*BlockSize)
	return err
}

// WriteCurrentData appends one block of data at the current file_pos
// (spec.md §4.2 write_current_data), failing with ErrFull once file_max
// would be exceeded.
func (m *Manager) WriteCurrentData(buf []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeCurrentDataLocked(buf)
}

func (m *Manager) writeCurrentDataLocked(buf []byte) (int64, error) {
	pos := m.header.FilePos
	offset := int64(pos) * BlockSize
	if uint64(offset) >= m.header.FileMax {
		return 0, ErrFull
	}
	if _, err := m.store.WriteAt(buf, offset); err != nil {
		return 0, err
	}
	m.header.FilePos++
	return int64(pos), nil
}

// WriteBlockIfNew is the primary COW write path (spec.md §4.2): preserves
// buf as the original content of logical block b the first time it is
// called for b in this generation, and is a no-op on every subsequent
// call. The whole read-check-allocate-write sequence runs under the
// Manager's mutex so first-write-wins holds under concurrent COW Worker
// and Dispatch Worker activity.
func (m *Manager) WriteBlockIfNew(b int64, buf []byte) (preserved bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.readMappingLocked(b)
	if err != nil {
		return false, err
	}
	if existing != 0 {
		return false, nil
	}
	blockIdx, err := m.writeCurrentDataLocked(buf)
	if err != nil {
		return false, err
	}
	if err := m.writeMappingLocked(b, uint64(blockIdx)); err != nil {
		return false, err
	}
	return true, nil
}

// MarkChanged records logical block b as changed without preserving any
// data, used by incremental tracing (spec.md §4.2 "INDEX_ONLY"): the
// mapping is set to the sentinel value 1 the first time b is marked, and
// is a no-op on every subsequent call in this generation.
func (m *Manager) MarkChanged(b int64) (marked bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.readMappingLocked(b)
	if err != nil {
		return false, err
	}
	if existing != 0 {
		return false, nil
	}
	if err := m.writeMappingLocked(b, 1); err != nil {
		return false, err
	}
	return true, nil
}

// maybeEvictLocked runs an eviction pass if allocated exceeds allowed.
// Caller must hold m.mu.
func (m *Manager) maybeEvictLocked() {
	if !m.cache.needsEviction() {
		return
	}
	m.evictLocked()
}

// evictLocked implements spec.md §4.2's eviction algorithm: binary
// refinement to find a usage threshold near the median, then free every
// resident section at-or-below it (syncing dirty ones first), looping
// until allocated <= allowed/2, then reset usage counters.
func (m *Manager) evictLocked() {
	target := m.cache.allowed / 2
	for m.cache.allocated > target {
		thresh := m.cache.evictionThreshold()
		freedAny := false
		for i := range m.cache.sections {
			if !m.cache.evictionCandidate(i, thresh) {
				continue
			}
			s := &m.cache.sections[i]
			if s.dirty {
				_ = m.storeSection(i, s.mappings) // best-effort; header.Version tracking already updated in memory
				s.dirty = false
			}
			m.cache.free(i)
			freedAny = true
			if m.cache.allocated <= target {
				break
			}
		}
		if !freedAny {
			break
		}
	}
	m.cache.resetUsage()
}

// Reconfigure recomputes allowed_sects for a new cache budget, matching
// the Active-* reconfigure transition (spec.md §4.4): it takes effect
// live, with no need to rebuild the section array.
func (m *Manager) Reconfigure(cacheBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, allowed, _ := computeLayout(int64(m.totalSects)*SectionSize, cacheBytes)
	m.cache.allowed = allowed
	m.cacheBytes = cacheBytes
	m.maybeEvictLocked()
}

// syncLocked evicts every resident section, syncing dirty ones to the
// index region, and writes the header with the given clean bit.
func (m *Manager) syncLocked(clean bool) error {
	for i := range m.cache.sections {
		s := &m.cache.sections[i]
		if !s.resident() {
			continue
		}
		if s.dirty {
			if err := m.storeSection(i, s.mappings); err != nil {
				return err
			}
			s.dirty = false
		}
		m.cache.free(i)
	}
	return m.writeHeader(clean)
}

// SyncAndClose evicts everything, marks the header CLEAN, and closes the
// file handle while retaining in-memory metadata (spec.md §4.2). The
// tracer does not reuse a closed Manager: its dormant -> active
// transition reopens the file with Reopen, which rebuilds section state.
func (m *Manager) SyncAndClose() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.syncLocked(true); err != nil {
		return err
	}
	return m.store.Close()
}

// SyncAndFree syncs, closes, and drops all in-memory state.
func (m *Manager) SyncAndFree() error {
	if err := m.SyncAndClose(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.sections = nil
	m.cache.allocated = 0
	return nil
}

// Free is the fail-path cleanup (spec.md §4.2 free): unlink-and-close so
// no partial COW file is left behind.
func (m *Manager) Free() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.store.Close()
	return m.store.Unlink(m.path)
}

// TruncateToIndex sets INDEX_ONLY and truncates the file to the index
// region, used on the active-snapshot -> active-incremental transition
// (spec.md §4.4): the chain keeps its mapping index as a changed-block
// bitmap but stops preserving data.
func (m *Manager) TruncateToIndex() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.header.Flags |= FlagIndexOnly
	if err := m.writeHeader(false); err != nil {
		return err
	}
	return m.store.Truncate(m.dataOffset)
}

// BlockRange is a contiguous run of logical blocks with a non-zero
// mapping entry, i.e. blocks changed since the chain started (spec.md
// §4.2's mapping index doubles as a changed-block bitmap; original_source/
// `dbdctl` walks exactly this to list changed regions).
type BlockRange struct {
	Start  int64 // first changed logical block
	Length int64 // number of contiguous changed blocks
}

// ChangedBlockRanges walks the mapping index for every tracked block and
// collapses contiguous changed blocks (mapping != 0, whether pointing at
// preserved data or just marked via MarkChanged) into runs, for the
// differential-backup agent role spec.md §1 describes (supplemented by
// original_source/'s dbdctl changed-region listing, per SPEC_FULL.md §3).
func (m *Manager) ChangedBlockRanges() ([]BlockRange, error) {
	m.mu.Lock()
	n := m.numBlocks
	m.mu.Unlock()

	var ranges []BlockRange
	var runStart int64 = -1
	for b := int64(0); b < n; b++ {
		v, err := m.ReadMapping(b)
		if err != nil {
			return nil, err
		}
		if v != 0 {
			if runStart < 0 {
				runStart = b
			}
			continue
		}
		if runStart >= 0 {
			ranges = append(ranges, BlockRange{Start: runStart, Length: b - runStart})
			runStart = -1
		}
	}
	if runStart >= 0 {
		ranges = append(ranges, BlockRange{Start: runStart, Length: n - runStart})
	}
	return ranges, nil
}

// Stats is a read-only snapshot of Manager bookkeeping for the control
// surface's info operation and the Metrics/Observer layer.
type Stats struct {
	FilePos         uint64
	FileMax         uint64
	Seqid           uint64
	UUID            [16]byte
	Version         uint64
	NrChangedBlocks uint64
	AllocatedSects  int
	AllowedSects    int
	TotalSects      int
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		FilePos:         m.header.FilePos,
		FileMax:         m.header.FileMax,
		Seqid:           m.header.Seqid,
		UUID:            m.header.UUID,
		Version:         m.header.Version,
		NrChangedBlocks: m.header.NrChangedBlocks,
		AllocatedSects:  m.cache.allocated,
		AllowedSects:    m.cache.allowed,
		TotalSects:      m.totalSects,
	}
}

// DataOffset reports the byte offset the data region starts at (v >=
// DataOffset/BlockSize is the mapping's "valid COW block index" range,
// spec.md §3).
func (m *Manager) DataOffset() int64 { return m.dataOffset }
