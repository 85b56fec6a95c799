package channel

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBoundedQueue_FIFOOrder(t *testing.T) {
	t.Parallel()

	q := NewBoundedQueue[int](8)
	for i := 0; i < 5; i++ {
		if !q.TryEnqueue(i) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		v, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if v != i {
			t.Fatalf("expected %d, got %d", i, v)
		}
	}
}

func TestBoundedQueue_DropsWhenFull(t *testing.T) {
	t.Parallel()

	q := NewBoundedQueue[string](2)
	if !q.TryEnqueue("a") || !q.TryEnqueue("b") {
		t.Fatalf("first two enqueues must succeed")
	}
	if q.TryEnqueue("c") {
		t.Fatalf("third enqueue must be rejected")
	}

	stats := q.Stats()
	if stats.Enqueued != 2 || stats.Dropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestBoundedQueue_CloseSemantics(t *testing.T) {
	t.Parallel()

	q := NewBoundedQueue[int](4)
	q.TryEnqueue(1)
	q.Close()
	q.Close() // idempotent

	if q.TryEnqueue(2) {
		t.Fatalf("enqueue after close must fail")
	}

	// Buffered item stays readable.
	v, err := q.Dequeue(context.Background())
	if err != nil || v != 1 {
		t.Fatalf("expected buffered value, got %v %v", v, err)
	}

	// Drained + closed yields ErrQueueClosed.
	_, err = q.Dequeue(context.Background())
	if !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}

func TestBoundedQueue_DequeueHonorsContext(t *testing.T) {
	t.Parallel()

	q := NewBoundedQueue[int](1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestBoundedQueue_TryDequeue(t *testing.T) {
	t.Parallel()

	q := NewBoundedQueue[int](2)
	if _, ok := q.TryDequeue(); ok {
		t.Fatalf("empty queue must not yield a value")
	}
	q.TryEnqueue(7)
	v, ok := q.TryDequeue()
	if !ok || v != 7 {
		t.Fatalf("expected 7, got %v %v", v, ok)
	}
}

func TestBoundedQueue_ConcurrentProducers(t *testing.T) {
	t.Parallel()

	q := NewBoundedQueue[int](1024)
	done := make(chan struct{})
	for p := 0; p < 8; p++ {
		go func() {
			for i := 0; i < 100; i++ {
				q.TryEnqueue(i)
			}
			done <- struct{}{}
		}()
	}
	for p := 0; p < 8; p++ {
		<-done
	}

	stats := q.Stats()
	if stats.Enqueued != 800 {
		t.Fatalf("expected 800 enqueued, got %d", stats.Enqueued)
	}
	if stats.Dropped != 0 {
		t.Fatalf("expected no drops at this capacity, got %d", stats.Dropped)
	}
}
