// Package channel provides bounded channel implementations.
package channel

import (
	"context"
	"sync"
	"sync/atomic"
)

// BoundedQueue is a fixed-capacity FIFO used as a subscriber mailbox.
// Enqueue never blocks: when the buffer is full the value is rejected and
// counted, keeping slow consumers from stalling producers.
type BoundedQueue[T any] struct {
	ch chan T

	mu     sync.RWMutex
	closed bool

	enqueued atomic.Int64
	dequeued atomic.Int64
	dropped  atomic.Int64
}

// NewBoundedQueue creates a queue with the given capacity.
func NewBoundedQueue[T any](capacity int) *BoundedQueue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &BoundedQueue[T]{
		ch: make(chan T, capacity),
	}
}

// TryEnqueue attempts a non-blocking enqueue. It returns false when the
// queue is full or closed; the value is dropped and counted either way.
func (q *BoundedQueue[T]) TryEnqueue(v T) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.dropped.Add(1)
		return false
	}
	select {
	case q.ch <- v:
		q.enqueued.Add(1)
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Dequeue receives a value, blocking until one is available, the queue is
// closed and drained, or ctx expires.
func (q *BoundedQueue[T]) Dequeue(ctx context.Context) (T, error) {
	select {
	case v, ok := <-q.ch:
		if !ok {
			var zero T
			return zero, ErrQueueClosed
		}
		q.dequeued.Add(1)
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryDequeue attempts a non-blocking receive.
func (q *BoundedQueue[T]) TryDequeue() (T, bool) {
	select {
	case v, ok := <-q.ch:
		if !ok {
			var zero T
			return zero, false
		}
		q.dequeued.Add(1)
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Chan exposes the receive side for select statements. Values read directly
// from the channel bypass the dequeue counter.
func (q *BoundedQueue[T]) Chan() <-chan T {
	return q.ch
}

// Len returns the number of buffered items.
func (q *BoundedQueue[T]) Len() int { return len(q.ch) }

// Cap returns the fixed capacity.
func (q *BoundedQueue[T]) Cap() int { return cap(q.ch) }

// Close marks the queue closed and closes the channel. Buffered items stay
// readable; further enqueues are rejected. Close is idempotent.
func (q *BoundedQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Closed reports whether Close has been called.
func (q *BoundedQueue[T]) Closed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// Stats returns queue statistics.
func (q *BoundedQueue[T]) Stats() QueueStats {
	return QueueStats{
		Length:   len(q.ch),
		Capacity: cap(q.ch),
		Enqueued: q.enqueued.Load(),
		Dequeued: q.dequeued.Load(),
		Dropped:  q.dropped.Load(),
	}
}

// QueueStats contains queue statistics.
type QueueStats struct {
	Length   int   `json:"length"`
	Capacity int   `json:"capacity"`
	Enqueued int64 `json:"enqueued"`
	Dequeued int64 `json:"dequeued"`
	Dropped  int64 `json:"dropped"`
}
