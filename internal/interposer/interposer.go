// Package interposer implements the tracing interposer (spec.md §4.1):
// the component that sits in front of a tracked base device, classifies
// writes, and drives COW preservation or incremental recording. Modeled
// as a backend.Backend decorator — "install" is constructing an
// Interposer wrapping the real backend and handing it to the host
// integration layer in place of the original; "uninstall" is handing the
// inner backend back (spec.md §9's install/uninstall abstraction point).
package interposer

import (
	"sync"

	"github.com/dattobd/cowsnap/internal/backend"
	"github.com/dattobd/cowsnap/internal/cowfile"
	"github.com/dattobd/cowsnap/internal/queue"
)

// Mode is the interposer's current trace behavior, driven by the Tracer
// state machine (spec.md §4.4).
type Mode int

const (
	ModeUnverified Mode = iota
	ModePassthrough
	ModeSnap
	ModeInc
	ModeFailed
)

// Interposer wraps a base device backend and classifies writes into
// snap_trace, inc_trace, or pass-through (spec.md §4.1).
type Interposer struct {
	inner backend.Backend

	mu       sync.RWMutex
	mode     Mode
	sectOff  int64
	sectSize int64
	failErr  error

	cowIdentity backend.FileIdentity

	// manager/cow/dispatch/sset/counters are set once by Arm before the
	// tracer starts routing traffic here and are not mutated again while
	// active, so the trace paths read them without holding mu.
	manager  *cowfile.Manager
	cow      *queue.COWWorker
	dispatch *queue.DispatchWorker
	sset     *queue.SectorSetWorker
	counters *queue.ShutdownCounters

	onFail func(error)
}

// Config bundles the collaborators an Interposer needs once a Tracer
// moves it into Active-Snap or Active-Inc.
type Config struct {
	Inner       backend.Backend
	Manager     *cowfile.Manager
	COW         *queue.COWWorker
	Dispatch    *queue.DispatchWorker
	SectorSet   *queue.SectorSetWorker // nil in snapshot mode
	Counters    *queue.ShutdownCounters
	SectOff     int64
	SectSize    int64
	COWIdentity backend.FileIdentity
	OnFail      func(error)
}

// New builds an Interposer in ModeUnverified, ready to be armed with
// Arm once the Tracer verifies and starts its workers.
func New(inner backend.Backend) *Interposer {
	return &Interposer{inner: inner, mode: ModeUnverified}
}

// Inner returns the wrapped backend — used to "uninstall" by handing the
// original backend back to the host integration layer.
func (ip *Interposer) Inner() backend.Backend { return ip.inner }

// Arm configures the interposer for active tracing and switches its mode.
func (ip *Interposer) Arm(cfg Config, mode Mode) {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	ip.manager = cfg.Manager
	ip.cow = cfg.COW
	ip.dispatch = cfg.Dispatch
	ip.sset = cfg.SectorSet
	ip.counters = cfg.Counters
	ip.sectOff = cfg.SectOff
	ip.sectSize = cfg.SectSize
	ip.cowIdentity = cfg.COWIdentity
	ip.onFail = cfg.OnFail
	ip.mode = mode
}

// SetMode switches trace behavior without reconfiguring collaborators,
// used for Unverified->Passthrough and similar bit-only transitions.
func (ip *Interposer) SetMode(mode Mode) {
	ip.mu.Lock()
	ip.mode = mode
	ip.mu.Unlock()
}

func (ip *Interposer) Mode() Mode {
	ip.mu.RLock()
	defer ip.mu.RUnlock()
	return ip.mode
}

// Fail promotes the tracer to fail-state: subsequent writes forward
// unchanged rather than trace (spec.md §7).
func (ip *Interposer) Fail(err error) {
	ip.mu.Lock()
	already := ip.mode == ModeFailed
	ip.mode = ModeFailed
	ip.failErr = err
	cb := ip.onFail
	ip.mu.Unlock()
	if !already && cb != nil {
		cb(err)
	}
}

func (ip *Interposer) FailError() error {
	ip.mu.RLock()
	defer ip.mu.RUnlock()
	return ip.failErr
}

// ReadAt always forwards to the base device; the interposer only traces
// writes (spec.md §4.1: reads against the base device are untouched —
// the engine's own point-in-time reads go through the snapshot device's
// read path instead).
func (ip *Interposer) ReadAt(p []byte, off int64) (int, error) {
	return ip.inner.ReadAt(p, off)
}

func (ip *Interposer) Size() int64  { return ip.inner.Size() }
func (ip *Interposer) Close() error { return ip.inner.Close() }
func (ip *Interposer) Flush() error { return ip.inner.Flush() }

// WriteAt classifies and dispatches a write the way a submit-function
// trampoline would (spec.md §4.1 steps 2-5), assuming the caller's pages
// are not known to be backed by the COW file's own inode.
func (ip *Interposer) WriteAt(p []byte, off int64) (int, error) {
	return ip.WriteAtFrom(p, off, backend.FileIdentity{})
}

// WriteAtFrom is WriteAt with an explicit source identity, letting a
// caller that knows its own backing inode (e.g. the COW Manager writing
// through a shared backend) trigger the self-write skip described in
// spec.md §4.1. Go has no page-cache introspection to discover this
// automatically, so the identity must be supplied by callers who know it.
func (ip *Interposer) WriteAtFrom(p []byte, off int64, source backend.FileIdentity) (int, error) {
	ip.mu.RLock()
	mode := ip.mode
	cowID := ip.cowIdentity
	sectOff, sectSize := ip.sectOff, ip.sectSize
	ip.mu.RUnlock()

	if mode == ModeUnverified || mode == ModeFailed || mode == ModePassthrough {
		return ip.inner.WriteAt(p, off)
	}
	if source != (backend.FileIdentity{}) && source == cowID {
		// Self-write: the payload is already backed by the COW file's
		// inode. Tracing it would deadlock the COW Manager against
		// itself, so forward unchanged (spec.md §4.1 invariant).
		return ip.inner.WriteAt(p, off)
	}
	if !shouldTrace(off, int64(len(p)), sectOff, sectSize) {
		return ip.inner.WriteAt(p, off)
	}

	switch mode {
	case ModeSnap:
		return ip.snapTrace(p, off)
	case ModeInc:
		return ip.incTrace(p, off)
	default:
		return ip.inner.WriteAt(p, off)
	}
}

// shouldTrace implements spec.md §4.1 step 4: non-zero size, within the
// tracer's tracked sector range. Discards are represented by zero-length
// writes in this backend model and are excluded by the size check.
func shouldTrace(off, length, sectOff, sectSize int64) bool {
	if length <= 0 {
		return false
	}
	rangeStart := sectOff * cowfile.SectorSize
	rangeEnd := (sectOff + sectSize) * cowfile.SectorSize
	return off >= rangeStart && off+length <= rangeEnd
}

func floorBlock(x int64) int64 { return (x / cowfile.BlockSize) * cowfile.BlockSize }
func ceilBlock(x int64) int64 {
	if rem := x % cowfile.BlockSize; rem != 0 {
		return x + (cowfile.BlockSize - rem)
	}
	return x
}

// snapTrace is spec.md §4.1's active-snapshot write path: expand to block
// boundaries, fan out read clones (capped at MaxClonesPerBio), and hold
// the original request until every clone has been read and its
// preservation enqueued on the COW Worker; only then is the original
// handed to the Dispatch Worker.
func (ip *Interposer) snapTrace(p []byte, off int64) (int, error) {
	start := floorBlock(off)
	end := ceilBlock(off + int64(len(p)))

	spans := chunkSpans(start, end, cowfile.MaxClonesPerBio)

	tr := NewTrackingRecord(func() {
		ip.dispatch.Queue.Enqueue(&queue.BioItem{
			Op:     queue.OpWrite,
			Sector: off / cowfile.SectorSize,
			Length: int64(len(p)) / cowfile.SectorSize,
			Handle: func() error {
				_, err := ip.inner.WriteAt(p, off)
				return err
			},
		})
	})

	for _, span := range spans {
		tr.AddClone()
		go ip.submitClone(tr, span.start, span.end)
	}
	// Drop the reference held on the original request's behalf now that
	// every clone has been submitted (spec.md §4.1: refcount starts at 1
	// for the original request, plus one per clone).
	tr.Release()

	return len(p), nil
}

type span struct{ start, end int64 }

// chunkSpans splits [start, end) into at most maxSpans block-aligned
// pieces, matching spec.md's "capped at MAX_CLONES_PER_BIO" rule.
func chunkSpans(start, end int64, maxSpans int) []span {
	total := end - start
	numBlocks := total / cowfile.BlockSize
	if numBlocks <= int64(maxSpans) {
		spans := make([]span, 0, numBlocks)
		for b := start; b < end; b += cowfile.BlockSize {
			spans = append(spans, span{start: b, end: b + cowfile.BlockSize})
		}
		return spans
	}
	blocksPerSpan := (numBlocks + int64(maxSpans) - 1) / int64(maxSpans)
	spans := make([]span, 0, maxSpans)
	for b := start; b < end; b += blocksPerSpan * cowfile.BlockSize {
		spanEnd := b + blocksPerSpan*cowfile.BlockSize
		if spanEnd > end {
			spanEnd = end
		}
		spans = append(spans, span{start: b, end: spanEnd})
	}
	return spans
}

// submitClone is the read-clone lifecycle from spec.md §4.1's
// on_bio_read_complete: a goroutine stands in for the kernel's completion
// callback, since Go has no function-pointer bio continuation to hook.
func (ip *Interposer) submitClone(tr *TrackingRecord, start, end int64) {
	ip.counters.IncSubmitted()

	buf := queue.GetBuffer(int(end - start))
	_, err := ip.inner.ReadAt(buf, start)
	if err != nil {
		ip.Fail(err)
		queue.PutBuffer(buf)
		// The clone is done (with an error) either way; count it as
		// received so shutdown isn't blocked forever on a failed clone —
		// an extension beyond the literal spec text, made for liveness.
		ip.counters.IncReceived()
		tr.Release()
		return
	}

	manager := ip.manager
	ip.cow.Queue.Enqueue(&queue.BioItem{
		Op:     queue.OpWrite,
		Sector: start / cowfile.SectorSize,
		Length: (end - start) / cowfile.SectorSize,
		Handle: func() error {
			defer queue.PutBuffer(buf)
			for b := start; b < end; b += cowfile.BlockSize {
				blockBuf := buf[b-start : b-start+cowfile.BlockSize]
				if _, err := manager.WriteBlockIfNew(b/cowfile.BlockSize, blockBuf); err != nil {
					return err
				}
			}
			return nil
		},
		OnError: func(err error) { ip.Fail(err) },
	})
	ip.counters.IncReceived()
	tr.Release()
}

// incTrace is spec.md §4.1's active-incremental write path: record which
// sectors changed without preserving their prior contents, and forward
// the original write immediately since incremental mode never blocks it.
func (ip *Interposer) incTrace(p []byte, off int64) (int, error) {
	ip.sset.Queue.Enqueue(queue.SectorSetRecord{
		Sector: off / cowfile.SectorSize,
		Length: int64(len(p)) / cowfile.SectorSize,
	})
	return ip.inner.WriteAt(p, off)
}

var _ backend.Backend = (*Interposer)(nil)
