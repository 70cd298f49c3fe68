package queue

import "sync"

// Buffer pool for block-granularity clone/read buffers, bucketed by block
// count to keep the COW Worker and Dispatch Worker off the allocator on
// their hot paths. Grounded on the teacher's size-bucketed sync.Pool
// buffer pool (internal/ublkhost/ioqueue/pool.go), narrowed to block
// multiples. A write of up to MaxClonesPerBio blocks gets one-block
// clones; a larger write is split into at most MaxClonesPerBio clones of
// several blocks each, and a clone larger than the biggest bucket gets a
// fresh, unpooled buffer.
const (
	blockSize = 4096
	bucket1   = 1 * blockSize
	bucket4   = 4 * blockSize
	bucket16  = 16 * blockSize
	bucket64  = 64 * blockSize
)

var pools = struct {
	p1, p4, p16, p64 sync.Pool
}{
	p1:  sync.Pool{New: func() any { b := make([]byte, bucket1); return &b }},
	p4:  sync.Pool{New: func() any { b := make([]byte, bucket4); return &b }},
	p16: sync.Pool{New: func() any { b := make([]byte, bucket16); return &b }},
	p64: sync.Pool{New: func() any { b := make([]byte, bucket64); return &b }},
}

// GetBuffer returns a pooled buffer of at least size bytes. Callers must
// call PutBuffer when done with it.
func GetBuffer(size int) []byte {
	switch {
	case size <= bucket1:
		return (*pools.p1.Get().(*[]byte))[:size]
	case size <= bucket4:
		return (*pools.p4.Get().(*[]byte))[:size]
	case size <= bucket16:
		return (*pools.p16.Get().(*[]byte))[:size]
	case size <= bucket64:
		return (*pools.p64.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// PutBuffer returns buf to the bucket matching its capacity. Buffers not
// allocated from a bucket (oversized requests) are dropped.
func PutBuffer(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case bucket1:
		pools.p1.Put(&buf)
	case bucket4:
		pools.p4.Put(&buf)
	case bucket16:
		pools.p16.Put(&buf)
	case bucket64:
		pools.p64.Put(&buf)
	}
}
