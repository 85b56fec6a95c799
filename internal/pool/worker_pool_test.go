package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_SubmitWait(t *testing.T) {
	p := NewWorkerPool(WorkerPoolConfig{Workers: 2, QueueSize: 8})
	defer p.Close()

	var ran atomic.Bool
	err := p.SubmitWait(context.Background(), func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran.Load())

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Submitted)
	assert.Equal(t, int64(1), stats.Completed)
}

func TestWorkerPool_RejectsWhenFull(t *testing.T) {
	p := NewWorkerPool(WorkerPoolConfig{Workers: 1, QueueSize: 1})
	defer p.Close()

	release := make(chan struct{})
	// Occupy the single worker.
	_ = p.Submit(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	})
	// Fill the queue, then overflow it.
	var rejected bool
	for i := 0; i < 8; i++ {
		if err := p.Submit(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
			rejected = errors.Is(err, ErrPoolFull)
			break
		}
	}
	close(release)

	assert.True(t, rejected, "a saturated pool must reject with ErrPoolFull")
	assert.Greater(t, p.Stats().Rejected, int64(0))
}

func TestWorkerPool_PanicRecovery(t *testing.T) {
	var caught atomic.Value
	p := NewWorkerPool(WorkerPoolConfig{
		Workers:      1,
		QueueSize:    4,
		PanicHandler: func(r any) { caught.Store(r) },
	})
	defer p.Close()

	err := p.SubmitWait(context.Background(), func(ctx context.Context) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.Equal(t, "boom", caught.Load())
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestWorkerPool_CloseDrainsQueue(t *testing.T) {
	p := NewWorkerPool(WorkerPoolConfig{Workers: 2, QueueSize: 64})

	var done atomic.Int64
	for i := 0; i < 50; i++ {
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
			done.Add(1)
			return nil
		}))
	}
	p.Close()

	assert.Equal(t, int64(50), done.Load())
	if err := p.Submit(context.Background(), func(ctx context.Context) error { return nil }); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestWorkerPool_SubmitWaitHonorsContext(t *testing.T) {
	p := NewWorkerPool(WorkerPoolConfig{Workers: 1, QueueSize: 1})
	defer p.Close()

	release := make(chan struct{})
	defer close(release)
	_ = p.Submit(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	})
	_ = p.Submit(context.Background(), func(ctx context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.SubmitWait(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestByteBufferPool_Reuse(t *testing.T) {
	buf := ByteBufferPool.Get()
	buf.WriteString("payload")
	ByteBufferPool.Put(buf)

	again := ByteBufferPool.Get()
	defer ByteBufferPool.Put(again)
	assert.Equal(t, 0, again.Len(), "pooled buffer must come back reset")
}
