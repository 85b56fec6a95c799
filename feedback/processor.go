// Copyright (c) AgentRoute Authors.
// Licensed under the MIT License.

package feedback

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentroute/internal/ident"
	"github.com/BaSui01/agentroute/internal/metrics"
	"github.com/BaSui01/agentroute/internal/pool"
	"github.com/BaSui01/agentroute/learning"
	"github.com/BaSui01/agentroute/routing"
	"github.com/BaSui01/agentroute/types"
)

// =============================================================================
// 🔁 反馈处理器
// =============================================================================

const defaultKarmaTimeout = 2 * time.Second

// KarmaObserver 处理器通知 karma 客户端的最小接口。
// ObservePerformance 自带失效判断，失败不向外传播。
type KarmaObserver interface {
	ObservePerformance(ctx context.Context, agentID string, score float64)
	Cached(agentID string) (float64, bool)
}

// PolicyEmitter 策略更新遥测发射接口。处理器以 best-effort 方式调用。
type PolicyEmitter interface {
	EmitPolicyUpdate(ctx context.Context, upd *PolicyUpdate) error
}

// PolicyUpdate 一次反馈应用产生的策略变化摘要。
// 既是 policy_update 遥测包的载荷，也是同步 Apply 的应答。
type PolicyUpdate struct {
	EventID    string `json:"event_id"`
	DecisionID string `json:"decision_id"`
	AgentID    string `json:"agent_id"`
	State      string `json:"state"`

	Reward         float64 `json:"reward"`
	SmoothedReward float64 `json:"smoothed_reward"`
	QBefore        float64 `json:"q_before"`
	QAfter         float64 `json:"q_after"`
	QDelta         float64 `json:"q_delta"`

	// ConfidenceDelta Agent 综合性能分经本次反馈的变化量
	ConfidenceDelta float64 `json:"confidence_delta"`
	// KarmaDelta 缓存 karma 分的变化量，任一侧无缓存时为 0
	KarmaDelta float64 `json:"karma_delta"`
	// Epsilon 衰减后的探索率
	Epsilon float64 `json:"epsilon"`

	// StrategyChange 预留字段，本版本恒为空
	StrategyChange string `json:"strategy_change,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// ProcessorConfig 反馈处理器装配参数。
type ProcessorConfig struct {
	Registry *routing.Registry
	Updater  *learning.Updater
	Encoder  *routing.StateEncoder

	// Karma 可选，缺席时跳过性能观察与 karma 差值
	Karma KarmaObserver
	// Deduper 可选，缺省进程内实现（24h TTL）
	Deduper Deduper
	// Index 可选，缺省容量 10000 的进程内索引
	Index *DecisionIndex
	// Emitter 可选，策略更新遥测发射
	Emitter PolicyEmitter

	// Workers 异步反馈工作协程数，缺省 4
	Workers int
	// Queue 异步队列容量，缺省 1024
	Queue int
	// KarmaTimeout 性能观察超时，缺省 2s
	KarmaTimeout time.Duration

	Clock   ident.Clock
	Metrics *metrics.Collector
	Logger  *zap.Logger
}

// Processor 反馈处理器。
//
// Apply 是同步管线：每个被接受的事件恰好更新一次 Agent 计数、
// 一次 Q 值、一步 ε。Submit 把同一管线投进有界工作池，
// 队列满立即拒绝而不是阻塞调用方。
//
// 在途计数由登记与结算闭合：ObserveDecision 给被选 Agent 加一，
// 首条被接受的反馈减一，等不到反馈的决策在索引逐出时减一。
type Processor struct {
	registry *routing.Registry
	updater  *learning.Updater
	encoder  *routing.StateEncoder
	karma    KarmaObserver
	deduper  Deduper
	index    *DecisionIndex
	emitter  PolicyEmitter

	workers      *pool.WorkerPool
	karmaTimeout time.Duration

	accepted   atomic.Int64
	duplicates atomic.Int64
	notFound   atomic.Int64

	ownsDeduper bool

	clock   ident.Clock
	metrics *metrics.Collector
	logger  *zap.Logger
}

// ProcessorStats 处理器运行快照。
type ProcessorStats struct {
	Accepted   int64 `json:"accepted"`
	Duplicates int64 `json:"duplicates"`
	NotFound   int64 `json:"not_found"`
	QueueDepth int   `json:"queue_depth"`
}

// NewProcessor 创建反馈处理器。Registry、Updater、Encoder 必填。
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Registry == nil || cfg.Updater == nil || cfg.Encoder == nil {
		return nil, types.NewError(types.ErrConfig, "processor requires registry, updater and encoder")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 1024
	}
	if cfg.KarmaTimeout <= 0 {
		cfg.KarmaTimeout = defaultKarmaTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = ident.SystemClock{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &Processor{
		registry:     cfg.Registry,
		updater:      cfg.Updater,
		encoder:      cfg.Encoder,
		karma:        cfg.Karma,
		deduper:      cfg.Deduper,
		index:        cfg.Index,
		emitter:      cfg.Emitter,
		karmaTimeout: cfg.KarmaTimeout,
		clock:        cfg.Clock,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger.With(zap.String("component", "feedback_processor")),
	}
	if p.deduper == nil {
		p.deduper = NewMemoryDeduper(24*time.Hour, cfg.Clock)
		p.ownsDeduper = true
	}
	if p.index == nil {
		p.index = NewDecisionIndex(defaultIndexCapacity)
	}
	p.workers = pool.NewWorkerPool(pool.WorkerPoolConfig{
		Workers:   cfg.Workers,
		QueueSize: cfg.Queue,
		PanicHandler: func(r any) {
			p.logger.Error("feedback task panicked", zap.Any("panic", r))
		},
	})
	return p, nil
}

// ObserveDecision 登记一条新决策供后续反馈查找，并把被选 Agent 的
// 在途计数加一。该名额在决策的首条被接受的反馈处释放；一直等不到
// 反馈的决策在被索引逐出时释放。引擎每次决策后由装配层调用。
func (p *Processor) ObserveDecision(rec *types.DecisionRecord) {
	stored, evicted := p.index.Put(rec)
	if stored {
		if _, err := p.registry.IncInFlight(rec.AgentID); err != nil {
			p.logger.Debug("in-flight not tracked",
				zap.String("agent_id", rec.AgentID),
				zap.Error(err))
		}
	}
	if evicted != nil {
		p.registry.DecInFlight(evicted.AgentID)
	}
}

// Apply 同步应用一条反馈，返回策略变化摘要。
//
// 管线：查决策 → 声明事件 ID → 结算在途 → 更新 Agent 计数 →
// 奖励换算与 karma 平滑 → 贝尔曼更新 → karma 性能观察 →
// ε 衰减 → 发射 policy_update。决策查找在幂等声明之前，
// 未知决策不烧键，修正 decision_id 后可原事件 ID 重试。
func (p *Processor) Apply(ctx context.Context, f *types.FeedbackEvent) (*PolicyUpdate, error) {
	if f == nil {
		return nil, types.NewError(types.ErrConfig, "feedback event is required")
	}
	if f.DecisionID == "" {
		return nil, types.NewError(types.ErrConfig, "feedback requires decision_id")
	}
	if err := ctx.Err(); err != nil {
		return nil, types.NewError(types.ErrTimeout, "feedback deadline exceeded").WithCause(err)
	}

	eventID := f.EventID
	if eventID == "" {
		eventID = ident.NewEventID()
	}

	rec, ok := p.index.Get(f.DecisionID)
	if !ok {
		p.notFound.Add(1)
		p.metrics.RecordFeedback("unknown_decision")
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("decision not found: %s", f.DecisionID))
	}

	fresh, err := p.deduper.Claim(ctx, eventID)
	if err != nil {
		// 幂等后端故障时放行：丢反馈比极小概率重复学习更伤
		p.logger.Warn("dedupe backend failed, applying anyway",
			zap.String("event_id", eventID),
			zap.Error(err))
		fresh = true
	}
	if !fresh {
		p.duplicates.Add(1)
		p.metrics.RecordFeedback("duplicate")
		return nil, types.NewError(types.ErrDuplicateFeedback, fmt.Sprintf("event already applied: %s", eventID))
	}

	agentID := rec.AgentID

	// 首次结算释放在途名额；同一决策的后续反馈只更新统计与 Q 值
	if p.index.Settle(f.DecisionID) {
		p.registry.DecInFlight(agentID)
	}

	perfBefore, _ := p.registry.PerformanceScore(agentID)

	agent, err := p.registry.UpdateCounters(agentID, routing.Outcome{
		Success:   f.Success,
		LatencyMS: f.LatencyMS,
	})
	if err != nil {
		p.metrics.RecordFeedback("rejected")
		return nil, err
	}

	raw := p.updater.Reward(f)
	smoothed := p.updater.SmoothedReward(agentID, raw)

	nextState := ""
	if len(f.Context) > 0 {
		nextState = p.encoder.Encode(routing.EncoderInput{
			InputType: rec.InputType,
			Context:   f.Context,
			InFlight:  p.registry.TotalInFlight(),
		})
	}

	qBefore := p.updater.QValue(rec.State, agentID)
	qAfter := p.updater.ApplyReward(rec.State, agentID, smoothed, nextState)

	var karmaDelta float64
	if p.karma != nil {
		before, hadBefore := p.karma.Cached(agentID)
		obsCtx, cancel := context.WithTimeout(ctx, p.karmaTimeout)
		p.karma.ObservePerformance(obsCtx, agentID, agent.PerformanceScore)
		cancel()
		if after, hadAfter := p.karma.Cached(agentID); hadBefore && hadAfter {
			karmaDelta = after - before
		}
	}

	eps := p.updater.DecayEpsilon()

	upd := &PolicyUpdate{
		EventID:         eventID,
		DecisionID:      f.DecisionID,
		AgentID:         agentID,
		State:           rec.State,
		Reward:          raw,
		SmoothedReward:  smoothed,
		QBefore:         qBefore,
		QAfter:          qAfter,
		QDelta:          qAfter - qBefore,
		ConfidenceDelta: agent.PerformanceScore - perfBefore,
		KarmaDelta:      karmaDelta,
		Epsilon:         eps,
		Timestamp:       p.clock.Now().UTC(),
	}

	if p.emitter != nil {
		if err := p.emitter.EmitPolicyUpdate(ctx, upd); err != nil {
			p.metrics.RecordEmissionFailure("bus")
			p.logger.Warn("policy update emission failed",
				zap.String("event_id", eventID),
				zap.Error(err))
		}
	}

	p.accepted.Add(1)
	p.metrics.RecordFeedback("applied")
	p.logger.Debug("feedback applied",
		zap.String("event_id", eventID),
		zap.String("decision_id", f.DecisionID),
		zap.String("agent_id", agentID),
		zap.Float64("reward", smoothed),
		zap.Float64("q_after", qAfter))
	return upd, nil
}

// Submit 异步提交一条反馈。队列满返回可重试的 CAPACITY_EXCEEDED，
// 处理器已关闭返回 INTERNAL_ERROR。应用结果只进指标和日志。
func (p *Processor) Submit(f *types.FeedbackEvent) error {
	if f == nil {
		return types.NewError(types.ErrConfig, "feedback event is required")
	}
	err := p.workers.Submit(context.Background(), func(ctx context.Context) error {
		_, applyErr := p.Apply(ctx, f)
		if applyErr != nil && !types.IsErrorCode(applyErr, types.ErrDuplicateFeedback) {
			p.logger.Warn("async feedback failed",
				zap.String("decision_id", f.DecisionID),
				zap.Error(applyErr))
		}
		return applyErr
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pool.ErrPoolFull):
		return types.NewError(types.ErrCapacityExceeded, "feedback queue full").WithRetryable(true)
	case errors.Is(err, pool.ErrPoolClosed):
		return types.NewError(types.ErrInternal, "feedback processor closed")
	default:
		return types.NewError(types.ErrInternal, "feedback submit failed").WithCause(err)
	}
}

// Stats 返回处理器运行快照。
func (p *Processor) Stats() ProcessorStats {
	return ProcessorStats{
		Accepted:   p.accepted.Load(),
		Duplicates: p.duplicates.Load(),
		NotFound:   p.notFound.Load(),
		QueueDepth: p.workers.Stats().Queued,
	}
}

// Close 排空异步队列并停止工作协程。自建的幂等后端一并关闭。
func (p *Processor) Close() error {
	p.workers.Close()
	if p.ownsDeduper {
		return p.deduper.Close()
	}
	return nil
}
