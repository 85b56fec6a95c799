package karma

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentroute/internal/cache"
)

// Entry 单个 Agent 的缓存条目。
// Baseline 记录捕获时刻的性能分，失效判定拿它和当前性能比漂移；
// Window 是最近 K 次性能观察样本，按先进先出滚动。
type Entry struct {
	Score      float64   `json:"score"`
	CapturedAt time.Time `json:"captured_at"`
	Baseline   float64   `json:"baseline"`
	Window     []float64 `json:"window,omitempty"`
}

// Store 缓存后端。实现必须可并发使用。
// Get 未命中返回 (Entry{}, false, nil)，错误只用于后端故障。
type Store interface {
	Get(ctx context.Context, agentID string) (Entry, bool, error)
	Put(ctx context.Context, agentID string, e Entry) error
	Delete(ctx context.Context, agentIDs ...string) error
	Flush(ctx context.Context) error
	Close() error
}

// ======= 进程内实现 =======

type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry

	maxAge    time.Duration
	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewMemoryStore 创建进程内缓存。
// maxAge 之外的条目由后台清扫回收，读路径自己的有效性判断不依赖清扫。
func NewMemoryStore(maxAge time.Duration) Store {
	if maxAge <= 0 {
		maxAge = 60 * time.Second
	}
	s := &memoryStore{
		entries: make(map[string]Entry),
		maxAge:  maxAge,
		stopCh:  make(chan struct{}),
	}
	go s.janitor()
	return s
}

func (s *memoryStore) janitor() {
	interval := s.maxAge
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *memoryStore) sweep() {
	cutoff := time.Now().Add(-s.maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		if e.CapturedAt.Before(cutoff) {
			delete(s.entries, id)
		}
	}
}

func (s *memoryStore) Get(_ context.Context, agentID string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[agentID]
	if !ok {
		return Entry{}, false, nil
	}
	cloned := e
	cloned.Window = append([]float64(nil), e.Window...)
	return cloned, true, nil
}

func (s *memoryStore) Put(_ context.Context, agentID string, e Entry) error {
	e.Window = append([]float64(nil), e.Window...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[agentID] = e
	return nil
}

func (s *memoryStore) Delete(_ context.Context, agentIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range agentIDs {
		delete(s.entries, id)
	}
	return nil
}

func (s *memoryStore) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]Entry)
	return nil
}

func (s *memoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.stopCh) })
	return nil
}

// ======= Redis 实现 =======

const redisKeyPrefix = "karma:agent:"

type redisStore struct {
	cache  *cache.Manager
	ttl    time.Duration
	logger *zap.Logger

	// 本进程写过的键，Flush 用；Redis 侧由 TTL 兜底回收
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewRedisStore 创建 Redis 缓存，键带 karma:agent: 前缀。
// 条目同时带 Redis TTL，过期即缺失，与进程内实现语义一致。
func NewRedisStore(mgr *cache.Manager, ttl time.Duration, logger *zap.Logger) Store {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &redisStore{
		cache:  mgr,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "karma_store")),
		keys:   make(map[string]struct{}),
	}
}

func (s *redisStore) Get(ctx context.Context, agentID string) (Entry, bool, error) {
	var e Entry
	err := s.cache.GetJSON(ctx, redisKeyPrefix+agentID, &e)
	if cache.IsCacheMiss(err) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (s *redisStore) Put(ctx context.Context, agentID string, e Entry) error {
	if err := s.cache.SetJSON(ctx, redisKeyPrefix+agentID, e, s.ttl); err != nil {
		return err
	}
	s.mu.Lock()
	s.keys[agentID] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *redisStore) Delete(ctx context.Context, agentIDs ...string) error {
	if len(agentIDs) == 0 {
		return nil
	}
	keys := make([]string, len(agentIDs))
	for i, id := range agentIDs {
		keys[i] = redisKeyPrefix + id
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		return err
	}
	s.mu.Lock()
	for _, id := range agentIDs {
		delete(s.keys, id)
	}
	s.mu.Unlock()
	return nil
}

func (s *redisStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.keys))
	for id := range s.keys {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	return s.Delete(ctx, ids...)
}

func (s *redisStore) Close() error {
	// 连接归 cache.Manager 所有，这里不关
	return nil
}
