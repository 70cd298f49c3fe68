package cowsnap

import (
	"sync/atomic"
	"time"
)

// Metrics tracks per-engine operational counters: trace classification
// outcomes, COW preservation activity, and queue depths. Grounded on the
// teacher's Metrics type (atomic counters + a Snapshot method), narrowed
// to COW-engine events. Within this module only RecordFailState is called
// (by Tracer.fail); nothing here calls the other Record* methods.
type Metrics struct {
	TracedWrites    atomic.Uint64
	PassthroughOps  atomic.Uint64
	SnapTraceOps    atomic.Uint64
	IncTraceOps     atomic.Uint64
	SelfWriteSkips  atomic.Uint64
	BlocksPreserved atomic.Uint64
	EvictionPasses  atomic.Uint64
	FailStateEvents atomic.Uint64

	COWQueueDepthTotal atomic.Uint64
	COWQueueDepthCount atomic.Uint64

	StartTime atomic.Int64
}

// NewMetrics allocates a fresh Metrics with StartTime set to now.
func NewMetrics(now time.Time) *Metrics {
	m := &Metrics{}
	m.StartTime.Store(now.UnixNano())
	return m
}

func (m *Metrics) RecordPassthrough() { m.PassthroughOps.Add(1) }

func (m *Metrics) RecordSnapTrace(blocksPreserved uint64) {
	m.TracedWrites.Add(1)
	m.SnapTraceOps.Add(1)
	m.BlocksPreserved.Add(blocksPreserved)
}

func (m *Metrics) RecordIncTrace() {
	m.TracedWrites.Add(1)
	m.IncTraceOps.Add(1)
}

func (m *Metrics) RecordSelfWriteSkip() { m.SelfWriteSkips.Add(1) }
func (m *Metrics) RecordEviction()      { m.EvictionPasses.Add(1) }
func (m *Metrics) RecordFailState()     { m.FailStateEvents.Add(1) }

func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.COWQueueDepthTotal.Add(uint64(depth))
	m.COWQueueDepthCount.Add(1)
}

// Snapshot is a point-in-time copy of the counters, safe to marshal.
type Snapshot struct {
	TracedWrites    uint64
	PassthroughOps  uint64
	SnapTraceOps    uint64
	IncTraceOps     uint64
	SelfWriteSkips  uint64
	BlocksPreserved uint64
	EvictionPasses  uint64
	FailStateEvents uint64
	AvgQueueDepth   float64
}

func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		TracedWrites:    m.TracedWrites.Load(),
		PassthroughOps:  m.PassthroughOps.Load(),
		SnapTraceOps:    m.SnapTraceOps.Load(),
		IncTraceOps:     m.IncTraceOps.Load(),
		SelfWriteSkips:  m.SelfWriteSkips.Load(),
		BlocksPreserved: m.BlocksPreserved.Load(),
		EvictionPasses:  m.EvictionPasses.Load(),
		FailStateEvents: m.FailStateEvents.Load(),
	}
	if c := m.COWQueueDepthCount.Load(); c > 0 {
		s.AvgQueueDepth = float64(m.COWQueueDepthTotal.Load()) / float64(c)
	}
	return s
}
