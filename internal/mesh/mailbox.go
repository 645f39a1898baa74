package mesh

import (
	"sync"
	"sync/atomic"
)

// mailbox is a bounded FIFO feeding one actor goroutine. Put never blocks;
// items offered after Close or beyond the bound are dropped and counted.
type mailbox[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxItems int
	items    []T

	drops atomic.Uint64
}

func newMailbox[T any](maxItems int) *mailbox[T] {
	q := &mailbox[T]{maxItems: maxItems}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *mailbox[T]) DropCount() uint64 {
	return q.drops.Load()
}

func (q *mailbox[T]) Put(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) >= q.maxItems {
		q.drops.Add(1)
		return false
	}
	q.items = append(q.items, item)
	q.notEmpty.Signal()
	return true
}

// Take blocks until an item is available or the mailbox is closed. Items
// still queued at Close are discarded.
func (q *mailbox[T]) Take() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	var zero T
	if q.closed {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

func (q *mailbox[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
