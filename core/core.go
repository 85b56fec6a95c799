package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agentroute/bus"
	"github.com/BaSui01/agentroute/config"
	"github.com/BaSui01/agentroute/decisionlog"
	"github.com/BaSui01/agentroute/feedback"
	"github.com/BaSui01/agentroute/internal/cache"
	"github.com/BaSui01/agentroute/internal/database"
	"github.com/BaSui01/agentroute/internal/ident"
	"github.com/BaSui01/agentroute/internal/metrics"
	"github.com/BaSui01/agentroute/internal/telemetry"
	"github.com/BaSui01/agentroute/karma"
	"github.com/BaSui01/agentroute/learning"
	"github.com/BaSui01/agentroute/routing"
	"github.com/BaSui01/agentroute/stp"
	"github.com/BaSui01/agentroute/types"
)

// Q 表冷启动加载的耐心上限。加载失败降级为空表，不阻止启动。
const loadTimeout = 5 * time.Second

// Options 装配覆盖项。零值字段由 New 按配置自建。
type Options struct {
	// Logger 结构化日志，缺省丢弃
	Logger *zap.Logger
	// Clock 时间源，缺省系统时钟
	Clock ident.Clock
	// Metrics 指标采集器，缺省空操作采集器
	Metrics *metrics.Collector

	// Upstream karma 回源覆盖。缺省按 Karma.Endpoint 构建 HTTP 回源，
	// 端点留空则信誉始终不可用，评分退回中性先验。
	Upstream karma.Upstream
	// Sink 决策日志覆盖。缺省按 Decisions 配置打开 file/database 后端。
	Sink decisionlog.Sink
	// Pool database 决策日志后端的连接池。Core 只借用，不负责关闭。
	Pool *database.PoolManager

	// Deterministic 启用后每个决策的随机源由请求 ID 派生，
	// 同样的输入产出同样的选择。回放与测试用。
	Deterministic bool
}

// Core 路由核心。持有全部组件并暴露决策、反馈、健康与管理操作。
// 所有方法并发安全；Close 之后的行为未定义，调用方自行保证顺序。
type Core struct {
	cfg *config.Config

	registry  *routing.Registry
	weights   *routing.WeightStore
	engine    *routing.Engine
	updater   *learning.Updater
	persister *learning.Persister
	karma     *karma.Client
	wrapper   *stp.Wrapper
	bus       *bus.Broadcaster
	processor *feedback.Processor
	sink      decisionlog.Sink
	emitter   *telemetryEmitter
	deduper   feedback.Deduper

	// cacheMgr 仅在任一组件选用 Redis 后端时非空
	cacheMgr *cache.Manager

	closeOnce sync.Once
	closeErr  error

	clock   ident.Clock
	metrics *metrics.Collector
	logger  *zap.Logger
}

// ===== 🧩 装配 =====

// New 按配置装配路由核心。配置先整体校验，任何一步失败都会
// 按逆序回滚已建组件，不交付半成品。
func New(cfg *config.Config, opts Options) (*Core, error) {
	if cfg == nil {
		return nil, types.NewError(types.ErrConfig, "config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = ident.SystemClock{}
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Nop()
	}

	var cleanups []func()
	fail := func(err error) (*Core, error) {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		return nil, err
	}

	// 共享基础设施：任一组件选了 Redis 后端才建连接
	var cacheMgr *cache.Manager
	if cfg.Karma.UseRedis || cfg.Feedback.UseRedis {
		cc := cache.DefaultConfig()
		cc.Addr = cfg.Redis.Addr
		cc.Password = cfg.Redis.Password
		cc.DB = cfg.Redis.DB
		if cfg.Redis.PoolSize > 0 {
			cc.PoolSize = cfg.Redis.PoolSize
		}
		if cfg.Redis.MinIdleConns > 0 {
			cc.MinIdleConns = cfg.Redis.MinIdleConns
		}
		mgr, err := cache.NewManager(cc, logger)
		if err != nil {
			return fail(err)
		}
		cacheMgr = mgr
		cleanups = append(cleanups, func() { _ = mgr.Close() })
	}

	registry := routing.NewRegistry(cfg.Scoring.LatencyReferenceMS, clock, logger)

	// 信誉客户端：注册表兼任性能观察源，漂移失效据此判定
	var store karma.Store
	if cfg.Karma.UseRedis {
		store = karma.NewRedisStore(cacheMgr, cfg.Karma.CacheTTL, logger)
	} else {
		store = karma.NewMemoryStore(cfg.Karma.CacheTTL)
	}
	upstream := opts.Upstream
	if upstream == nil && cfg.Karma.Endpoint != "" {
		upstream = karma.NewHTTPUpstream(cfg.Karma.Endpoint, cfg.Karma.RequestTimeout, logger)
	}
	karmaClient, err := karma.NewClient(cfg.Karma, store, upstream, registry, clock, m, logger)
	if err != nil {
		return fail(err)
	}
	cleanups = append(cleanups, func() { _ = karmaClient.Close() })

	// 评分与学习
	rule, fb, avail, km := cfg.Scoring.Weights()
	weights, err := routing.NewWeightStore(routing.Weights{
		Rule: rule, Feedback: fb, Availability: avail, Karma: km,
	})
	if err != nil {
		return fail(err)
	}
	scorer, err := routing.NewScorer(cfg.Scoring, weights, karmaClient, m, logger)
	if err != nil {
		return fail(err)
	}
	encoder := routing.NewStateEncoder(cfg.Scoring, clock)

	table := learning.NewTable(m)
	persister, err := learning.NewPersister(cfg.Learning, table, clock, m, logger)
	if err != nil {
		return fail(err)
	}
	updater, err := learning.NewUpdater(cfg.Learning, table, karmaClient, persister, m, logger)
	if err != nil {
		return fail(err)
	}
	updater.SetKarmaSmoothing(cfg.Karma.Smoothing)

	// 包络与总线
	wrapper, err := stp.NewWrapper(cfg.STP, clock, m, logger)
	if err != nil {
		return fail(err)
	}
	cleanups = append(cleanups, func() { _ = wrapper.Close() })

	broadcaster := bus.NewBroadcaster(cfg.Bus, clock, m, logger)
	cleanups = append(cleanups, broadcaster.Close)

	emitter := &telemetryEmitter{wrapper: wrapper, bus: broadcaster}

	// 决策日志
	sink := opts.Sink
	if sink == nil {
		sink, err = decisionlog.Open(cfg.Decisions, opts.Pool, clock, m, logger)
		if err != nil {
			return fail(err)
		}
		cleanups = append(cleanups, func() { _ = sink.Close() })
	}

	engine, err := routing.NewEngine(routing.EngineConfig{
		Registry:        registry,
		Scorer:          scorer,
		Encoder:         encoder,
		Policy:          updater,
		Sink:            sink,
		Emitter:         emitter,
		Alternatives:    cfg.Scoring.Alternatives,
		ConfidenceBlend: cfg.Learning.ConfidenceBlend,
		AppendTimeout:   cfg.Decisions.AppendTimeout,
		Deterministic:   opts.Deterministic,
		Clock:           clock,
		Metrics:         m,
		Logger:          logger,
	})
	if err != nil {
		return fail(err)
	}

	// 反馈处理：幂等后端由 Core 持有并关闭，处理器只使用
	var deduper feedback.Deduper
	if cfg.Feedback.UseRedis {
		deduper = feedback.NewRedisDeduper(cacheMgr, cfg.Feedback.DedupTTL, logger)
	} else {
		deduper = feedback.NewMemoryDeduper(cfg.Feedback.DedupTTL, clock)
	}
	cleanups = append(cleanups, func() { _ = deduper.Close() })

	processor, err := feedback.NewProcessor(feedback.ProcessorConfig{
		Registry: registry,
		Updater:  updater,
		Encoder:  encoder,
		Karma:    karmaClient,
		Deduper:  deduper,
		Index:    feedback.NewDecisionIndex(cfg.Feedback.RecentDecisions),
		Emitter:  emitter,
		Workers:  cfg.Feedback.AsyncWorkers,
		Queue:    cfg.Feedback.AsyncQueue,
		Clock:    clock,
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		return fail(err)
	}

	c := &Core{
		cfg:       cfg,
		registry:  registry,
		weights:   weights,
		engine:    engine,
		updater:   updater,
		persister: persister,
		karma:     karmaClient,
		wrapper:   wrapper,
		bus:       broadcaster,
		processor: processor,
		sink:      sink,
		emitter:   emitter,
		deduper:   deduper,
		cacheMgr:  cacheMgr,
		clock:     clock,
		metrics:   m,
		logger:    logger.With(zap.String("component", "core")),
	}

	// 包络失败率告警作为 health 包进总线，告警通道就是普通订阅者
	wrapper.SetAlertHook(emitter.emitAlert)

	// 冷启动：历史 Q 表尽力加载，损坏或缺失都从空表开始
	loadCtx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	if err := persister.Load(loadCtx); err != nil {
		c.logger.Warn("q-table load failed, starting from empty table", zap.Error(err))
	}
	cancel()

	persister.Start()
	sink.Start()

	c.logger.Info("routing core assembled",
		zap.Bool("karma_enabled", cfg.Karma.Enabled),
		zap.Bool("signing_enabled", wrapper.SigningEnabled()),
		zap.String("decision_log_backend", cfg.Decisions.Backend))
	return c, nil
}

// ===== 🚦 决策与反馈 =====

// Decide 执行一次路由决策。决策记录同步返回；落盘与遥测发射
// 是决策的副作用，它们的失败只计数，不反噬调用方。
func (c *Core) Decide(ctx context.Context, req *routing.Request) (*types.DecisionRecord, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "core.Decide")
	defer span.End()

	rec, err := c.engine.Decide(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	// 决策进入近期索引并占一个在途名额，后续反馈按 decision_id
	// 找回状态与动作
	c.processor.ObserveDecision(rec)

	span.SetAttributes(
		attribute.String("agentroute.agent_id", rec.AgentID),
		attribute.String("agentroute.strategy", string(rec.Strategy)),
		attribute.Float64("agentroute.confidence", rec.Confidence),
	)
	return rec, nil
}

// Feedback 同步应用一条反馈并返回策略变化摘要。
// 重复事件返回 DUPLICATE_FEEDBACK，未知决策返回 NOT_FOUND。
func (c *Core) Feedback(ctx context.Context, f *types.FeedbackEvent) (*feedback.PolicyUpdate, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "core.Feedback")
	defer span.End()

	upd, err := c.processor.Apply(ctx, f)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return upd, nil
}

// SubmitFeedback 把反馈投进有界异步队列。队列满立即返回
// CAPACITY_EXCEEDED 而不是阻塞调用方。
func (c *Core) SubmitFeedback(f *types.FeedbackEvent) error {
	return c.processor.Submit(f)
}

// Subscribe 注册一个遥测订阅者。先回放积压，再切入实时流。
func (c *Core) Subscribe() (*bus.Subscription, error) {
	return c.bus.Subscribe()
}

// Unsubscribe 注销订阅者并回收它的投递泵。
func (c *Core) Unsubscribe(id string) {
	c.bus.Unsubscribe(id)
}

// ===== 🛠️ 管理操作 =====

// RegisterAgent 注册一个 Agent。ID 与类型标签必填。
func (c *Core) RegisterAgent(a *types.Agent) error {
	return c.registry.Register(a)
}

// DeregisterAgent 注销一个 Agent。
func (c *Core) DeregisterAgent(id string) error {
	return c.registry.Deregister(id)
}

// SetAgentStatus 调整 Agent 生命周期状态。
func (c *Core) SetAgentStatus(id string, status types.AgentStatus) error {
	return c.registry.SetStatus(id, status)
}

// Agents 返回注册表快照。无参数返回全部，否则按状态过滤。
func (c *Core) Agents(statuses ...types.AgentStatus) []*types.Agent {
	return c.registry.List(statuses...)
}

// RecentDecisions 返回最近 n 条决策记录，旧在前新在后。
func (c *Core) RecentDecisions(ctx context.Context, n int) ([]*types.DecisionRecord, error) {
	return c.sink.Recent(ctx, n)
}

// ToggleKarma 运行期启停信誉因子。关闭后评分用中性先验，
// 奖励平滑退回原始奖励，性能观察静默丢弃。
func (c *Core) ToggleKarma(enabled bool) {
	c.karma.SetEnabled(enabled)
	c.logger.Info("karma toggled", zap.Bool("enabled", enabled))
}

// ToggleSigning 运行期启停包签名。无密钥时开启会被拒绝。
func (c *Core) ToggleSigning(enabled bool) error {
	if err := c.wrapper.SetSigning(enabled); err != nil {
		return err
	}
	c.logger.Info("packet signing toggled", zap.Bool("enabled", enabled))
	return nil
}

// ForceSave 立即落盘 Q 表，绕过阈值与定时触发。
func (c *Core) ForceSave(ctx context.Context) error {
	return c.persister.ForceSave(ctx)
}

// ClearKarmaCache 清除信誉缓存。无参数清空全部，否则只清指定 Agent。
func (c *Core) ClearKarmaCache(ctx context.Context, agentIDs ...string) error {
	return c.karma.Clear(ctx, agentIDs...)
}

// SetScoreWeights 热替换评分权重。非法权重被拒绝，旧值继续生效。
func (c *Core) SetScoreWeights(w routing.Weights) error {
	if err := c.weights.Swap(w); err != nil {
		return err
	}
	c.logger.Info("scoring weights updated",
		zap.Float64("rule", w.Rule),
		zap.Float64("feedback", w.Feedback),
		zap.Float64("availability", w.Availability),
		zap.Float64("karma", w.Karma))
	return nil
}

// ===== 🧹 关停 =====

// Close 按依赖顺序关停核心，幂等。先排空反馈工作池（它还会触碰
// 学习回路与发射器），再并行收掉落盘器、决策日志、karma 与总线，
// 最后关包络与缓存连接。借来的数据库连接池不在这里关闭。
func (c *Core) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		procErr := c.processor.Close()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return c.persister.Close(gctx) })
		g.Go(func() error { return c.sink.Close() })
		g.Go(func() error { return c.karma.Close() })
		g.Go(func() error { c.bus.Close(); return nil })
		groupErr := g.Wait()

		wrapErr := c.wrapper.Close()
		dedupErr := c.deduper.Close()
		var cacheErr error
		if c.cacheMgr != nil {
			cacheErr = c.cacheMgr.Close()
		}

		c.closeErr = errors.Join(procErr, groupErr, wrapErr, dedupErr, cacheErr)
		if c.closeErr != nil {
			c.logger.Warn("core shutdown finished with errors", zap.Error(c.closeErr))
		} else {
			c.logger.Info("core shutdown complete")
		}
	})
	return c.closeErr
}
