package queue

import (
	"sync/atomic"
)

// ShutdownCounters tracks the submitted/received pair that gates COW
// Worker shutdown (spec.md §3 invariant: "submitted_count ≥ received_count
// always; on shutdown the equality must be reached before the COW Worker
// may exit"). The interposer increments Submitted when it issues a read
// clone and increments Received when that clone's completion is enqueued
// onto the COW Worker's queue.
type ShutdownCounters struct {
	submitted atomic.Uint64
	received  atomic.Uint64
}

func (c *ShutdownCounters) IncSubmitted() { c.submitted.Add(1) }
func (c *ShutdownCounters) IncReceived()  { c.received.Add(1) }

func (c *ShutdownCounters) ReadyToStop() bool {
	return c.submitted.Load() == c.received.Load()
}

// COWWorker drains the COW Worker's bio queue: snapshot reads and read-
// clone-completion writes into the COW file (spec.md §4.3, §4.2).
type COWWorker struct {
	Queue    *BioQueue
	Counters *ShutdownCounters
}

func NewCOWWorker(counters *ShutdownCounters) *COWWorker {
	return &COWWorker{Queue: NewBioQueue(true), Counters: counters}
}

// Run drains the queue until stopped and the shutdown gate is satisfied.
// Each item's error is delivered to its own OnError callback rather than
// returned, since a single bad item must not stop the worker from
// draining the rest (spec.md §7: fail-state drains remaining items with
// EIO rather than abandoning them).
func (w *COWWorker) Run() {
	for {
		item, ok := w.Queue.DequeueGated(w.Counters.ReadyToStop)
		if !ok {
			return
		}
		err := item.Handle()
		if item.OnError != nil && err != nil {
			item.OnError(err)
		}
	}
}

func (w *COWWorker) RequestStop() { w.Queue.Stop() }

// DispatchWorker re-submits original writes to the base device after
// their read clones have all completed (spec.md §4.1).
type DispatchWorker struct {
	Queue *BioQueue
}

func NewDispatchWorker() *DispatchWorker {
	return &DispatchWorker{Queue: NewBioQueue(false)}
}

func (w *DispatchWorker) Run() {
	for {
		item, ok := w.Queue.Dequeue()
		if !ok {
			return
		}
		err := item.Handle()
		if item.OnError != nil && err != nil {
			item.OnError(err)
		}
	}
}

func (w *DispatchWorker) RequestStop() { w.Queue.Stop() }

// SectorSetWorker drains collapsed changed-sector records in incremental
// mode, folding each into the COW Manager's mapping index via Handle.
type SectorSetWorker struct {
	Queue   *SectorSetQueue
	Handle  func(SectorSetRecord) error
	OnError func(error)
}

func NewSectorSetWorker(handle func(SectorSetRecord) error, onError func(error)) *SectorSetWorker {
	return &SectorSetWorker{Queue: NewSectorSetQueue(), Handle: handle, OnError: onError}
}

func (w *SectorSetWorker) Run() {
	for {
		rec, ok := w.Queue.Dequeue()
		if !ok {
			return
		}
		if err := w.Handle(rec); err != nil && w.OnError != nil {
			w.OnError(err)
		}
	}
}

func (w *SectorSetWorker) RequestStop() { w.Queue.Stop() }
