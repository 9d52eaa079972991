// Package backlog implements the replication backlog: a bounded circular
// history of the replication byte stream addressed by absolute offsets.
//
// The first byte ever written to a stream has offset 1. A backlog created
// with master offset M holds nothing and expects its next byte at M+1.
// At any time the retained bytes cover [FirstByteOffset, MasterOffset].
package backlog

import (
	"errors"
	"fmt"
	"sync"
)

// DefaultSize is the default backlog capacity (1 MiB).
const DefaultSize = 1 << 20

var (
	// ErrOffsetEvicted is returned when the requested history has been overwritten.
	ErrOffsetEvicted = errors.New("backlog: offset evicted")

	// ErrOffsetAhead is returned when the requested offset is past the head of the stream.
	ErrOffsetAhead = errors.New("backlog: offset ahead of master offset")
)

// Backlog is a fixed-capacity ring buffer of replication stream bytes.
type Backlog struct {
	mu sync.RWMutex

	buf     []byte
	idx     int   // write cursor, next byte goes to buf[idx]
	histlen int   // stored length, <= len(buf)
	first   int64 // absolute offset of the oldest retained byte
	master  int64 // absolute offset of the newest byte
}

// New allocates a backlog of the given capacity whose next appended byte will
// have offset masterOffset+1.
func New(capacity int, masterOffset int64) *Backlog {
	if capacity <= 0 {
		capacity = DefaultSize
	}
	return &Backlog{
		buf:    make([]byte, capacity),
		first:  masterOffset + 1,
		master: masterOffset,
	}
}

// Append writes p at the head of the backlog. Once the backlog is full every
// appended byte evicts exactly one of the oldest bytes.
func (b *Backlog) Append(p []byte) {
	if len(p) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.master += int64(len(p))
	size := len(b.buf)

	// Only the tail of an oversized write can be retained.
	if len(p) > size {
		p = p[len(p)-size:]
	}

	for len(p) > 0 {
		n := copy(b.buf[b.idx:], p)
		b.idx += n
		if b.idx == size {
			b.idx = 0
		}
		b.histlen += n
		p = p[n:]
	}
	if b.histlen > size {
		b.histlen = size
	}
	b.first = b.master - int64(b.histlen) + 1
}

// ReadFrom returns a copy of every retained byte from offset up to the
// current master offset. Reading at MasterOffset()+1 returns an empty slice.
func (b *Backlog) ReadFrom(offset int64) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if offset < b.first {
		return nil, fmt.Errorf("%w: requested %d, first retained %d", ErrOffsetEvicted, offset, b.first)
	}
	if offset > b.master+1 {
		return nil, fmt.Errorf("%w: requested %d, master offset %d", ErrOffsetAhead, offset, b.master)
	}

	count := int(b.master - offset + 1)
	out := make([]byte, count)
	if count == 0 {
		return out, nil
	}

	size := len(b.buf)
	start := (b.idx - count + size) % size
	n := copy(out, b.buf[start:])
	if n < count {
		copy(out[n:], b.buf[:count-n])
	}
	return out, nil
}

// Contains reports whether a partial read starting at offset can be served.
func (b *Backlog) Contains(offset int64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return offset >= b.first && offset <= b.master+1
}

// Resize discards the current contents and reallocates with the new capacity.
// The master offset is preserved, so the next byte continues the stream.
func (b *Backlog) Resize(capacity int) {
	if capacity <= 0 {
		capacity = DefaultSize
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = make([]byte, capacity)
	b.idx = 0
	b.histlen = 0
	b.first = b.master + 1
}

// Capacity returns the size of the ring buffer.
func (b *Backlog) Capacity() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.buf)
}

// Len returns the number of retained bytes.
func (b *Backlog) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.histlen
}

// FirstByteOffset returns the absolute offset of the oldest retained byte.
func (b *Backlog) FirstByteOffset() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.first
}

// MasterOffset returns the absolute offset of the newest byte.
func (b *Backlog) MasterOffset() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.master
}
