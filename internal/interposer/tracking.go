package interposer

import "sync/atomic"

// TrackingRecord ties one traced write to its outstanding read clones
// (spec.md §4.1). It starts at refcount 1 (held by the original request)
// and gains one reference per read clone submitted; when the count drops
// to zero, onZero runs exactly once.
type TrackingRecord struct {
	refs   atomic.Int64
	onZero func()
	fired  atomic.Bool
}

// NewTrackingRecord creates a record with the original request's
// reference already held and invokes onZero once every clone (plus the
// original) has dropped its reference.
func NewTrackingRecord(onZero func()) *TrackingRecord {
	t := &TrackingRecord{onZero: onZero}
	t.refs.Store(1)
	return t
}

// AddClone registers one more outstanding reference for a submitted read
// clone.
func (t *TrackingRecord) AddClone() { t.refs.Add(1) }

// Release drops one reference (a clone completing, or the original
// request's own hold once all clones have been submitted). Firing onZero
// more than once would double-dispatch the original request, so it is
// guarded by fired.
func (t *TrackingRecord) Release() {
	if t.refs.Add(-1) == 0 && t.fired.CompareAndSwap(false, true) {
		t.onZero()
	}
}
