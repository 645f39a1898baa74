package chat

import "sync"

// ringBuffer keeps the newest capacity items; Push overwrites the oldest
// when full.
type ringBuffer[T any] struct {
	mu    sync.RWMutex
	buf   []T
	head  int
	count int
}

func newRingBuffer[T any](capacity int) *ringBuffer[T] {
	return &ringBuffer[T]{buf: make([]T, capacity)}
}

func (r *ringBuffer[T]) Push(item T) {
	r.mu.Lock()
	idx := (r.head + r.count) % len(r.buf)
	r.buf[idx] = item
	if r.count == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
	} else {
		r.count++
	}
	r.mu.Unlock()
}

// Snapshot returns the items oldest first.
func (r *ringBuffer[T]) Snapshot() []T {
	r.mu.RLock()
	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	r.mu.RUnlock()
	return out
}
