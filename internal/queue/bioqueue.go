// Package queue implements the engine's per-device work queues and
// workers: the COW Worker, Dispatch Worker and Sector-Set Worker (spec.md
// §5). Queues are plain FIFO lists guarded by a mutex with a condvar-style
// wait/notify, matching the "spin-lock with a condvar-style event"
// description; Go's sync.Cond is the idiomatic equivalent.
package queue

import (
	"container/list"
	"sync"
)

// Op classifies a BioItem.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

// BioItem is one unit of work on a bio queue: either a snapshot read
// request, a completed read-clone ready to be preserved into the COW
// file, or a traced original write ready for dispatch to the base device.
// Handle carries the actual work as a closure so the queue package stays
// decoupled from interposer/snapdevice types.
type BioItem struct {
	Op      Op
	Sector  int64
	Length  int64
	Handle  func() error
	OnError func(error)
}

func (b *BioItem) overlaps(o *BioItem) bool {
	aEnd := b.Sector + b.Length
	oEnd := o.Sector + o.Length
	return b.Sector < oEnd && o.Sector < aEnd
}

// BioQueue is an unbounded FIFO of *BioItem. When delayReadsPastWrites is
// set (the COW Worker's queue), Dequeue will skip over a read that
// overlaps an enqueued-but-not-yet-dequeued write and return the write
// first, preventing the read from observing bytes the write has not yet
// materialized into the COW file (spec.md §5).
type BioQueue struct {
	mu                   sync.Mutex
	cond                 *sync.Cond
	items                *list.List
	delayReadsPastWrites bool
	stopped              bool
}

func NewBioQueue(delayReadsPastWrites bool) *BioQueue {
	q := &BioQueue{items: list.New(), delayReadsPastWrites: delayReadsPastWrites}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends item and wakes one waiter.
func (q *BioQueue) Enqueue(item *BioItem) {
	q.mu.Lock()
	q.items.PushBack(item)
	q.mu.Unlock()
	q.cond.Signal()
}

// Len reports the current queue depth.
func (q *BioQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Stop wakes all waiters so they can observe a stop request even with an
// empty queue.
func (q *BioQueue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Dequeue blocks until an item is available or Stop is called with an
// empty queue, in which case it returns (nil, false).
func (q *BioQueue) Dequeue() (*BioItem, bool) {
	return q.DequeueGated(nil)
}

// DequeueGated is Dequeue with an extra exit condition: when the queue is
// stopped and empty, it only returns (nil, false) once readyToStop (if
// non-nil) reports true. This is how the COW Worker waits for
// submitted_count == received_count before exiting (spec.md §5) even
// though its own queue has already drained — a read clone may still be
// in flight and will enqueue its completion here later, waking this wait.
func (q *BioQueue) DequeueGated(readyToStop func() bool) (*BioItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if elem := q.selectLocked(); elem != nil {
			item := q.items.Remove(elem).(*BioItem)
			return item, true
		}
		if q.stopped && q.items.Len() == 0 {
			if readyToStop == nil || readyToStop() {
				return nil, false
			}
		}
		q.cond.Wait()
	}
}

// selectLocked picks the next element to dequeue under the delay-reads-
// past-writes rule: the front item if it is a write; otherwise the first
// later write that overlaps the front read; otherwise the front read.
func (q *BioQueue) selectLocked() *list.Element {
	if q.items.Len() == 0 {
		return nil
	}
	front := q.items.Front()
	if !q.delayReadsPastWrites {
		return front
	}
	frontItem := front.Value.(*BioItem)
	if frontItem.Op == OpWrite {
		return front
	}
	for e := front.Next(); e != nil; e = e.Next() {
		candidate := e.Value.(*BioItem)
		if candidate.Op == OpWrite && candidate.overlaps(frontItem) {
			return e
		}
	}
	return front
}
