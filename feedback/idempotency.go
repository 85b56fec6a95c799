// Copyright (c) AgentRoute Authors.
// Licensed under the MIT License.

package feedback

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentroute/internal/cache"
	"github.com/BaSui01/agentroute/internal/ident"
)

// Deduper 幂等键后端。Claim 对事件 ID 的首次声明返回 true，
// 有效期内的重复声明返回 false。错误只用于后端故障，由调用方
// 决定放行还是拒绝。实现必须可并发使用。
type Deduper interface {
	Claim(ctx context.Context, eventID string) (bool, error)
	Close() error
}

// ======= 进程内实现 =======

type memoryDeduper struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	ttl   time.Duration
	clock ident.Clock

	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewMemoryDeduper 创建进程内幂等后端。过期键由后台清扫回收，
// Claim 自己的过期判断不依赖清扫，过期键可被重新声明。
func NewMemoryDeduper(ttl time.Duration, clock ident.Clock) Deduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if clock == nil {
		clock = ident.SystemClock{}
	}
	d := &memoryDeduper{
		seen:   make(map[string]time.Time),
		ttl:    ttl,
		clock:  clock,
		stopCh: make(chan struct{}),
	}
	go d.janitor()
	return d
}

func (d *memoryDeduper) janitor() {
	interval := d.ttl
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.sweep()
		case <-d.stopCh:
			return
		}
	}
}

func (d *memoryDeduper) sweep() {
	cutoff := d.clock.Now().Add(-d.ttl)
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, at := range d.seen {
		if at.Before(cutoff) {
			delete(d.seen, id)
		}
	}
}

func (d *memoryDeduper) Claim(_ context.Context, eventID string) (bool, error) {
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if at, ok := d.seen[eventID]; ok && now.Sub(at) < d.ttl {
		return false, nil
	}
	d.seen[eventID] = now
	return true, nil
}

func (d *memoryDeduper) Close() error {
	d.closeOnce.Do(func() { close(d.stopCh) })
	return nil
}

// ======= Redis 实现 =======

const dedupeKeyPrefix = "feedback:event:"

type redisDeduper struct {
	cache  *cache.Manager
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisDeduper 创建 Redis 幂等后端，键带 feedback:event: 前缀。
// SET NX 保证跨进程也是恰好一次声明，键过期即可重新声明。
func NewRedisDeduper(mgr *cache.Manager, ttl time.Duration, logger *zap.Logger) Deduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &redisDeduper{
		cache:  mgr,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "feedback_dedupe")),
	}
}

func (d *redisDeduper) Claim(ctx context.Context, eventID string) (bool, error) {
	ok, err := d.cache.SetNX(ctx, dedupeKeyPrefix+eventID, "1", d.ttl)
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (d *redisDeduper) Close() error {
	// 连接归 cache.Manager 所有，这里不关
	return nil
}
