package router

import (
	"sync"
)

// GrowableBuffer is an unbounded FIFO queue safe for concurrent use.
// Send never blocks; the ring doubles its capacity when full.
type GrowableBuffer[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ring   []T
	head   int // next read
	count  int
	closed bool

	received  int64
	sent      int64
	discarded int64
	resizes   int
}

// NewGrowableBuffer creates a buffer with the given initial capacity.
func NewGrowableBuffer[T any](capacity int) *GrowableBuffer[T] {
	b := &GrowableBuffer[T]{ring: make([]T, max(capacity, 1))}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Send appends an item. It returns false once the buffer is closed.
func (b *GrowableBuffer[T]) Send(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	if b.count == len(b.ring) {
		b.resize(2 * len(b.ring))
	}
	b.ring[(b.head+b.count)%len(b.ring)] = item
	b.count++
	b.received++
	b.cond.Signal()
	return true
}

// Receive blocks until an item is available. It returns false when the
// buffer is closed and empty.
func (b *GrowableBuffer[T]) Receive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && !b.closed {
		b.cond.Wait()
	}
	return b.popLocked()
}

// TryReceive returns the next item without blocking.
func (b *GrowableBuffer[T]) TryReceive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.popLocked()
}

// DrainTo removes up to limit items (all of them if limit <= 0).
func (b *GrowableBuffer[T]) DrainTo(limit int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.count
	if limit > 0 && limit < n {
		n = limit
	}
	if n == 0 {
		return nil
	}
	out := make([]T, 0, n)
	for range n {
		item, _ := b.popLocked()
		out = append(out, item)
	}
	return out
}

// Discard drops every queued item and returns how many were dropped.
func (b *GrowableBuffer[T]) Discard() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.count
	clear(b.ring)
	b.head = 0
	b.count = 0
	b.discarded += int64(n)
	return n
}

// Close rejects further sends and wakes blocked receivers. Queued items
// can still be received.
func (b *GrowableBuffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.cond.Broadcast()
}

// Len returns the number of queued items.
func (b *GrowableBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Stats returns buffer statistics.
func (b *GrowableBuffer[T]) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Count:         b.count,
		Capacity:      len(b.ring),
		TotalReceived: b.received,
		TotalSent:     b.sent,
		Discarded:     b.discarded,
		ResizeCount:   b.resizes,
	}
}

func (b *GrowableBuffer[T]) popLocked() (T, bool) {
	var zero T
	if b.count == 0 {
		return zero, false
	}
	item := b.ring[b.head]
	b.ring[b.head] = zero
	b.head = (b.head + 1) % len(b.ring)
	b.count--
	b.sent++
	return item, true
}

// resize moves the queued items to a ring of size n, starting at index 0.
func (b *GrowableBuffer[T]) resize(n int) {
	ring := make([]T, n)
	if b.head+b.count <= len(b.ring) {
		copy(ring, b.ring[b.head:b.head+b.count])
	} else {
		k := copy(ring, b.ring[b.head:])
		copy(ring[k:], b.ring[:b.count-k])
	}
	b.ring = ring
	b.head = 0
	b.resizes++
}
