package karma

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/agentroute/config"
	"github.com/BaSui01/agentroute/internal/ident"
	"github.com/BaSui01/agentroute/internal/metrics"
	"github.com/BaSui01/agentroute/types"
)

// cachedReadTimeout 无上下文的只读查询用的内部超时
const cachedReadTimeout = 500 * time.Millisecond

// baselineUnknown 捕获时拿不到性能分的哨兵值，跳过漂移判定
const baselineUnknown = -1.0

// PerformanceSource 提供 Agent 当前性能分，漂移失效判定用。
// 注册中心天然实现它。
type PerformanceSource interface {
	PerformanceScore(agentID string) (float64, bool)
}

// ClientStats 客户端运行计数快照。
type ClientStats struct {
	Enabled      bool   `json:"enabled"`
	Requests     int64  `json:"requests"`
	CacheHits    int64  `json:"cache_hits"`
	CacheMisses  int64  `json:"cache_misses"`
	Errors       int64  `json:"errors"`
	Retries      int64  `json:"retries"`
	NonRetryable int64  `json:"non_retryable_errors"`
	Evictions    int64  `json:"evictions"`
	BreakerState string `json:"breaker_state"`
}

// Client 直写式信誉缓存客户端。
// 读路径：缓存有效直接返回；失效先逐出再经 singleflight 回源。
// 回源失败返回 Unavailable，调用方换用中性先验。
type Client struct {
	store    Store
	upstream Upstream
	perf     PerformanceSource
	retrier  *Retrier
	breaker  *breaker
	group    singleflight.Group

	enabled atomic.Bool

	ttl       time.Duration
	driftMax  float64
	windowCap int
	stddevMax float64
	timeout   time.Duration

	clock   ident.Clock
	metrics *metrics.Collector
	logger  *zap.Logger

	requests     atomic.Int64
	hits         atomic.Int64
	misses       atomic.Int64
	errorCount   atomic.Int64
	retryCount   atomic.Int64
	nonRetryable atomic.Int64
	evictions    atomic.Int64
}

// NewClient 创建客户端。
// upstream 可为 nil（未配置上游时所有未命中都按 Unavailable 处理），
// perf 可为 nil（此时跳过漂移判定）。
func NewClient(cfg config.KarmaConfig, store Store, upstream Upstream, perf PerformanceSource, clock ident.Clock, m *metrics.Collector, logger *zap.Logger) (*Client, error) {
	if store == nil {
		return nil, types.NewError(types.ErrConfig, "karma store is required")
	}
	if clock == nil {
		clock = ident.SystemClock{}
	}
	if m == nil {
		m = metrics.Nop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "karma"))

	c := &Client{
		store:     store,
		upstream:  upstream,
		perf:      perf,
		ttl:       cfg.CacheTTL,
		driftMax:  cfg.InvalidationThreshold,
		windowCap: cfg.WindowSize,
		stddevMax: cfg.WindowStddevBound,
		timeout:   cfg.RequestTimeout,
		clock:     clock,
		metrics:   m,
		logger:    logger,
	}
	if c.ttl <= 0 {
		c.ttl = 60 * time.Second
	}
	if c.driftMax <= 0 {
		c.driftMax = 0.2
	}
	if c.windowCap <= 0 {
		c.windowCap = 10
	}
	if c.stddevMax <= 0 {
		c.stddevMax = 0.25
	}
	if c.timeout <= 0 {
		c.timeout = 2 * time.Second
	}
	c.enabled.Store(cfg.Enabled)

	policy := policyFromConfig(cfg)
	policy.OnRetry = func(int, error, time.Duration) {
		c.retryCount.Add(1)
		c.metrics.RecordKarmaRetry()
	}
	c.retrier = NewRetrier(policy, logger)
	c.breaker = newBreaker(defaultBreakerConfig(), clock, logger)

	return c, nil
}

// Karma 返回 agent 的信誉分，实现评分引擎的 KarmaSource。
// available 为 false 表示不可用（禁用、上游故障、熔断），
// 评分引擎此时换用中性先验。
func (c *Client) Karma(ctx context.Context, agentID string) (float64, bool) {
	if !c.enabled.Load() {
		return 0, false
	}
	c.requests.Add(1)

	if e, ok := c.lookup(ctx, agentID); ok {
		c.hits.Add(1)
		c.metrics.RecordKarmaCacheHit()
		return e.Score, true
	}
	c.misses.Add(1)
	c.metrics.RecordKarmaCacheMiss()

	score, err := c.fetch(ctx, agentID)
	if err != nil {
		return 0, false
	}
	return score, true
}

// Cached 返回仍然有效的缓存分，不触发回源。
// 学习回路的奖励平滑用它：没有就退回原始奖励。
func (c *Client) Cached(agentID string) (float64, bool) {
	if !c.enabled.Load() {
		return 0, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), cachedReadTimeout)
	defer cancel()

	e, ok, err := c.store.Get(ctx, agentID)
	if err != nil || !ok {
		return 0, false
	}
	if c.entryInvalid(agentID, e, 0, false) != "" {
		return 0, false
	}
	return e.Score, true
}

// ObservePerformance 记录一次性能观察并重新判定缓存有效性。
// 漂移或窗口抖动超界会立刻逐出条目，下次访问回源重建。
func (c *Client) ObservePerformance(ctx context.Context, agentID string, score float64) {
	if !c.enabled.Load() {
		return
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return
	}

	e, ok, err := c.store.Get(ctx, agentID)
	if err != nil {
		c.logger.Warn("karma store read failed",
			zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	if !ok {
		return
	}

	e.Window = append(e.Window, score)
	if len(e.Window) > c.windowCap {
		e.Window = e.Window[len(e.Window)-c.windowCap:]
	}

	if reason := c.entryInvalid(agentID, e, score, true); reason != "" {
		c.evict(ctx, agentID, reason)
		return
	}
	if err := c.store.Put(ctx, agentID, e); err != nil {
		c.logger.Warn("karma store write failed",
			zap.String("agent_id", agentID), zap.Error(err))
	}
}

// Clear 清除缓存：不带参数清空全部，带参数只清指定 Agent。
func (c *Client) Clear(ctx context.Context, agentIDs ...string) error {
	if len(agentIDs) == 0 {
		return c.store.Flush(ctx)
	}
	return c.store.Delete(ctx, agentIDs...)
}

// SetEnabled 运行期开关。关闭后 Karma/Cached 一律返回不可用。
func (c *Client) SetEnabled(v bool) {
	c.enabled.Store(v)
}

// Enabled 返回当前开关状态。
func (c *Client) Enabled() bool {
	return c.enabled.Load()
}

// Stats 返回计数快照。
func (c *Client) Stats() ClientStats {
	return ClientStats{
		Enabled:      c.enabled.Load(),
		Requests:     c.requests.Load(),
		CacheHits:    c.hits.Load(),
		CacheMisses:  c.misses.Load(),
		Errors:       c.errorCount.Load(),
		Retries:      c.retryCount.Load(),
		NonRetryable: c.nonRetryable.Load(),
		Evictions:    c.evictions.Load(),
		BreakerState: c.breaker.currentState().String(),
	}
}

// BreakerState 返回熔断器当前状态，健康检查用。
func (c *Client) BreakerState() BreakerState {
	return c.breaker.currentState()
}

// Close 释放缓存后端资源。
func (c *Client) Close() error {
	return c.store.Close()
}

// ======= 内部流程 =======

// lookup 读缓存并判有效性；后端故障按未命中处理，回源兜底。
func (c *Client) lookup(ctx context.Context, agentID string) (Entry, bool) {
	e, ok, err := c.store.Get(ctx, agentID)
	if err != nil {
		c.logger.Warn("karma store read failed",
			zap.String("agent_id", agentID), zap.Error(err))
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}
	if reason := c.entryInvalid(agentID, e, 0, false); reason != "" {
		c.evict(ctx, agentID, reason)
		return Entry{}, false
	}
	return e, true
}

// entryInvalid 返回失效原因，空串表示有效。
// observed 给出时用它当作当前性能，否则向性能源查询。
func (c *Client) entryInvalid(agentID string, e Entry, observed float64, haveObserved bool) string {
	if c.clock.Now().Sub(e.CapturedAt) >= c.ttl {
		return "ttl"
	}

	cur, ok := observed, haveObserved
	if !ok && c.perf != nil {
		cur, ok = c.perf.PerformanceScore(agentID)
	}
	if ok && e.Baseline >= 0 && math.Abs(cur-e.Baseline) > c.driftMax {
		return "drift"
	}

	if windowStddev(e.Window) >= c.stddevMax {
		return "stddev"
	}
	return ""
}

func (c *Client) evict(ctx context.Context, agentID, reason string) {
	c.evictions.Add(1)
	if err := c.store.Delete(ctx, agentID); err != nil {
		c.logger.Warn("karma eviction failed",
			zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	c.logger.Debug("karma entry evicted",
		zap.String("agent_id", agentID),
		zap.String("reason", reason),
	)
}

// fetch 回源，singleflight 合并同一 Agent 的并发请求。
func (c *Client) fetch(ctx context.Context, agentID string) (float64, error) {
	v, err, _ := c.group.Do(agentID, func() (any, error) {
		return c.fetchOnce(ctx, agentID)
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

func (c *Client) fetchOnce(ctx context.Context, agentID string) (float64, error) {
	if c.upstream == nil {
		c.errorCount.Add(1)
		c.metrics.RecordKarmaFetch("unavailable")
		return 0, types.NewError(types.ErrKarmaUnavailable, "no karma upstream configured").WithAgent(agentID)
	}
	if err := c.breaker.allow(); err != nil {
		c.errorCount.Add(1)
		c.metrics.RecordKarmaFetch("short_circuit")
		return 0, err
	}

	score, err := c.retrier.Do(ctx, func() (float64, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return c.upstream.Fetch(callCtx, agentID)
	})

	outcome := Classify(err)
	// Permanent 是上游明确应答，不算上游不健康
	c.breaker.record(outcome == OutcomeOK || outcome == OutcomePermanent)

	switch outcome {
	case OutcomeOK:
		c.metrics.RecordKarmaFetch("ok")
		c.storeFresh(ctx, agentID, score)
		return score, nil
	case OutcomePermanent:
		c.nonRetryable.Add(1)
		c.metrics.RecordKarmaFetch("permanent")
		c.logger.Warn("karma fetch rejected",
			zap.String("agent_id", agentID), zap.Error(err))
		return 0, err
	default:
		c.errorCount.Add(1)
		c.metrics.RecordKarmaFetch("transient")
		c.logger.Warn("karma upstream unavailable",
			zap.String("agent_id", agentID), zap.Error(err))
		return 0, err
	}
}

// storeFresh 写入新条目，基线取写入时刻的性能分。
func (c *Client) storeFresh(ctx context.Context, agentID string, score float64) {
	e := Entry{
		Score:      score,
		CapturedAt: c.clock.Now().UTC(),
		Baseline:   baselineUnknown,
	}
	if c.perf != nil {
		if cur, ok := c.perf.PerformanceScore(agentID); ok {
			e.Baseline = cur
			e.Window = []float64{cur}
		}
	}
	if err := c.store.Put(ctx, agentID, e); err != nil {
		c.logger.Warn("karma store write failed",
			zap.String("agent_id", agentID), zap.Error(err))
	}
}

// windowStddev 总体标准差，样本不足两个视为稳定。
func windowStddev(w []float64) float64 {
	if len(w) < 2 {
		return 0
	}
	var mean float64
	for _, v := range w {
		mean += v
	}
	mean /= float64(len(w))

	var ss float64
	for _, v := range w {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(w)))
}
