package relay

import (
	"sync"
	"sync/atomic"
)

// sendQueue is a byte-bounded FIFO of encoded envelopes for one member.
//
// The hub enqueues while holding its lock, so Enqueue never blocks; frames
// that do not fit are dropped.
type sendQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxBytes int
	curBytes int
	frames   [][]byte

	drops  atomic.Uint64
	onDrop func()
}

func newSendQueue(maxBytes int, onDrop func()) *sendQueue {
	q := &sendQueue{maxBytes: maxBytes, onDrop: onDrop}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *sendQueue) DropCount() uint64 {
	return q.drops.Load()
}

func (q *sendQueue) drop() bool {
	q.drops.Add(1)
	if q.onDrop != nil {
		q.onDrop()
	}
	return false
}

// Enqueue appends frame if it fits within the byte budget.
func (q *sendQueue) Enqueue(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(frame) > q.maxBytes || q.curBytes+len(frame) > q.maxBytes {
		return q.drop()
	}

	q.frames = append(q.frames, frame)
	q.curBytes += len(frame)
	q.notEmpty.Signal()
	return true
}

// Dequeue blocks until a frame is available or the queue is closed and empty.
func (q *sendQueue) Dequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.frames) == 0 {
		return nil, false
	}
	frame := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	q.curBytes -= len(frame)
	return frame, true
}

// Close discards pending frames and wakes the writer.
func (q *sendQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.frames = nil
	q.curBytes = 0
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
