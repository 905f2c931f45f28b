// Package ring implements the fixed-capacity event queue behind the
// detector's interrupt-safe enqueue path.
//
// The buffer never allocates after construction: TryPush copies into a
// pre-sized slot and fails fast when full, so it is safe to call from
// interrupt-like bus callbacks. Draining happens in ordinary goroutine
// context.
package ring

import "sync"

// Buffer is a bounded FIFO queue with a short, fixed-duration critical
// section per operation. Safe for concurrent producers and consumers.
type Buffer[T any] struct {
	buf   []T
	head  int
	count int
	mu    sync.Mutex
}

// New creates a buffer holding at most capacity elements.
// Capacity must be positive.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer[T]{buf: make([]T, capacity)}
}

// TryPush appends v and reports whether it fit. Never blocks, never
// allocates.
func (b *Buffer[T]) TryPush(v T) bool {
	b.mu.Lock()
	if b.count == len(b.buf) {
		b.mu.Unlock()
		return false
	}
	b.buf[(b.head+b.count)%len(b.buf)] = v
	b.count++
	b.mu.Unlock()
	return true
}

// Drain removes and returns all queued elements in FIFO order.
// The returned slice is freshly allocated; Drain must not be called from
// interrupt context.
func (b *Buffer[T]) Drain() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}
	out := make([]T, b.count)
	var zero T
	for i := 0; i < b.count; i++ {
		idx := (b.head + i) % len(b.buf)
		out[i] = b.buf[idx]
		b.buf[idx] = zero
	}
	b.head = (b.head + b.count) % len(b.buf)
	b.count = 0
	return out
}

// Len returns the number of queued elements.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the fixed capacity.
func (b *Buffer[T]) Cap() int {
	return len(b.buf)
}
