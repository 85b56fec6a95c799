package routing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentroute/internal/ident"
	"github.com/BaSui01/agentroute/internal/metrics"
	"github.com/BaSui01/agentroute/types"
)

// =============================================================================
// 🚦 路由决策引擎
// =============================================================================

// defaultAppendTimeout 决策日志追加的兜底超时。
const defaultAppendTimeout = 2 * time.Second

// Request 一次路由请求。
type Request struct {
	// RequestID 调用方请求标识，缺省时由引擎生成
	RequestID string
	// InputType 输入类型标签，必填，决定候选集合
	InputType string
	// Context 任意请求上下文。complexity 与 domain 参与状态编码，
	// 其余键忽略（仅进入上下文摘要）
	Context map[string]string
	// Strategy 策略选择，缺省 q_learning
	Strategy types.Strategy
	// Capabilities 请求声明需要的能力名，参与规则匹配因子
	Capabilities []string
	// Preferences 可选路由偏好
	Preferences *Preferences
}

// Preferences 可选的候选过滤偏好。
type Preferences struct {
	// MaxLatencyMS 为正时剔除 EWMA 延迟超标的候选（无样本的不剔除）
	MaxLatencyMS float64
	// MinPerformance 为正时剔除综合性能分低于门槛的候选
	MinPerformance float64
}

// Policy 引擎读取学习器的最小接口。
type Policy interface {
	// QValue 返回 Q(state, action)，未知条目为 0
	QValue(state, action string) float64
	// Epsilon 返回当前探索率
	Epsilon() float64
}

// RecordSink 决策记录落盘接口。引擎以 best-effort 方式调用。
type RecordSink interface {
	Append(ctx context.Context, rec *types.DecisionRecord) error
}

// DecisionEmitter 决策遥测发射接口。引擎以 best-effort 方式调用。
type DecisionEmitter interface {
	EmitDecision(ctx context.Context, rec *types.DecisionRecord) error
}

// EngineConfig 决策引擎装配参数。
type EngineConfig struct {
	Registry *Registry
	Scorer   *Scorer
	Encoder  *StateEncoder
	Policy   Policy

	// Sink 可选，决策记录落盘
	Sink RecordSink
	// Emitter 可选，决策遥测发射
	Emitter DecisionEmitter

	// Alternatives 决策记录保留的备选数量，缺省 3
	Alternatives int
	// ConfidenceBlend 利用分支的置信度混合系数 β，缺省 1.0
	ConfidenceBlend float64
	// AppendTimeout 决策日志追加超时，缺省 2s
	AppendTimeout time.Duration
	// Deterministic 启用后每个决策的随机源由请求 ID 派生
	Deterministic bool

	Clock   ident.Clock
	Metrics *metrics.Collector
	Logger  *zap.Logger
}

// Engine 路由决策引擎。
type Engine struct {
	registry *Registry
	scorer   *Scorer
	encoder  *StateEncoder
	policy   Policy
	sink     RecordSink
	emitter  DecisionEmitter

	alternatives  int
	beta          float64
	appendTimeout time.Duration
	deterministic bool

	// 共享随机源；确定性模式下每个决策派生独立随机源
	rngMu sync.Mutex
	rng   *rand.Rand

	// round_robin 每个类型标签一个游标
	cursorMu sync.Mutex
	cursors  map[string]uint64

	clock   ident.Clock
	metrics *metrics.Collector
	logger  *zap.Logger
}

type scoredCandidate struct {
	agent     *types.Agent
	breakdown types.ScoreBreakdown
}

// NewEngine 创建决策引擎。Registry、Scorer、Encoder、Policy 必填。
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Registry == nil || cfg.Scorer == nil || cfg.Encoder == nil || cfg.Policy == nil {
		return nil, types.NewError(types.ErrConfig, "engine requires registry, scorer, encoder and policy")
	}
	if cfg.Alternatives <= 0 {
		cfg.Alternatives = 3
	}
	if cfg.ConfidenceBlend <= 0 {
		cfg.ConfidenceBlend = 1.0
	}
	if cfg.AppendTimeout <= 0 {
		cfg.AppendTimeout = defaultAppendTimeout
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
	return &Engine{
		registry:      cfg.Registry,
		scorer:        cfg.Scorer,
		encoder:       cfg.Encoder,
		policy:        cfg.Policy,
		sink:          cfg.Sink,
		emitter:       cfg.Emitter,
		alternatives:  cfg.Alternatives,
		beta:          cfg.ConfidenceBlend,
		appendTimeout: cfg.AppendTimeout,
		deterministic: cfg.Deterministic,
		rng:           rand.New(rand.NewSource(cfg.Clock.Now().UnixNano())),
		cursors:       make(map[string]uint64),
		clock:         cfg.Clock,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger.With(zap.String("component", "decision_engine")),
	}, nil
}

// Decide 执行一次路由决策。
//
// 流程：编码状态 → 拉取候选 → 逐个打分（单候选 panic 隔离）→
// 策略分支选择 → 组装决策记录 → best-effort 发射（日志 + 总线）。
// 日志或总线失败只计数，不影响返回。
func (e *Engine) Decide(ctx context.Context, req *Request) (*types.DecisionRecord, error) {
	start := e.clock.Now()

	if req == nil || strings.TrimSpace(req.InputType) == "" {
		return nil, types.NewError(types.ErrNoEligibleAgent, "input type is required")
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = types.StrategyQLearning
	}
	if !strategy.Valid() {
		return nil, types.NewError(types.ErrConfig, fmt.Sprintf("unknown strategy: %s", strategy))
	}
	if err := ctx.Err(); err != nil {
		return nil, types.NewError(types.ErrTimeout, "decide deadline exceeded").WithCause(err)
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = ident.NewRequestID()
	}

	state := e.encoder.Encode(EncoderInput{
		InputType: req.InputType,
		Context:   req.Context,
		InFlight:  e.registry.TotalInFlight(),
	})

	candidates := e.eligibleCandidates(req)
	if len(candidates) == 0 {
		e.metrics.RecordDecision(string(strategy), metrics.ModeNotApplicable, metrics.OutcomeNoAgent, 0, e.clock.Since(start))
		return nil, types.NewError(types.ErrNoEligibleAgent, fmt.Sprintf("no active agent for input type %q", req.InputType))
	}

	scored := make([]scoredCandidate, 0, len(candidates))
	for _, a := range candidates {
		if bd, ok := e.scoreCandidate(ctx, a, req); ok {
			scored = append(scored, scoredCandidate{agent: a, breakdown: bd})
		}
	}
	if len(scored) == 0 {
		e.metrics.RecordDecision(string(strategy), metrics.ModeNotApplicable, metrics.OutcomeError, len(candidates), e.clock.Since(start))
		return nil, types.NewError(types.ErrInternal, "scoring failed for every candidate")
	}

	rng := e.rngFor(requestID)
	selected, mode, exploration := e.selectCandidate(strategy, state, scored, rng)

	rec := &types.DecisionRecord{
		DecisionID:    ident.NewDecisionID(),
		RequestID:     requestID,
		InputType:     req.InputType,
		Timestamp:     e.clock.Now().UTC(),
		AgentID:       selected.agent.ID,
		Confidence:    selected.breakdown.Combined,
		Breakdown:     selected.breakdown,
		Alternatives:  e.rankAlternatives(scored, selected.agent.ID),
		Exploration:   exploration,
		Strategy:      strategy,
		State:         state,
		ContextDigest: contextDigest(req.Context),
	}

	e.emit(ctx, rec)
	e.metrics.RecordDecision(string(strategy), mode, metrics.OutcomeSelected, len(scored), e.clock.Since(start))
	e.logger.Debug("decision made",
		zap.String("decision_id", rec.DecisionID),
		zap.String("request_id", rec.RequestID),
		zap.String("agent_id", rec.AgentID),
		zap.Float64("confidence", rec.Confidence),
		zap.String("strategy", string(strategy)),
		zap.Bool("exploration", exploration))
	return rec, nil
}

// AgentTypeForInput 输入类型标签到 Agent 类型标签的映射。
// 未知输入类型原样作为类型标签，自定义标签两端约定一致即可路由。
func AgentTypeForInput(inputType string) string {
	switch inputType {
	case "text":
		return types.AgentTypeNLP
	case "audio", "speech":
		return types.AgentTypeTTS
	case "image", "video":
		return types.AgentTypeVision
	default:
		return inputType
	}
}

// eligibleCandidates 拉取类型匹配的活跃候选并应用请求偏好过滤。
func (e *Engine) eligibleCandidates(req *Request) []*types.Agent {
	minPerf := 0.0
	if req.Preferences != nil {
		minPerf = req.Preferences.MinPerformance
	}
	candidates := e.registry.Candidates(AgentTypeForInput(req.InputType), minPerf)

	if req.Preferences == nil || req.Preferences.MaxLatencyMS <= 0 {
		return candidates
	}
	kept := candidates[:0]
	for _, a := range candidates {
		if a.TotalRequests == 0 || a.AvgLatencyMS <= req.Preferences.MaxLatencyMS {
			kept = append(kept, a)
		}
	}
	return kept
}

// scoreCandidate 给单个候选打分。打分过程 panic 只剔除该候选。
func (e *Engine) scoreCandidate(ctx context.Context, a *types.Agent, req *Request) (bd types.ScoreBreakdown, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("candidate scoring panicked",
				zap.String("agent_id", a.ID),
				zap.Any("panic", r))
			ok = false
		}
	}()
	bd = e.scorer.Score(ctx, a, req, e.registry.InFlight(a.ID))
	return bd, true
}

// selectCandidate 按策略选出目标。scored 已按 Agent ID 升序，
// 平分时自然留下字典序较小者，保证确定性。
func (e *Engine) selectCandidate(strategy types.Strategy, state string, scored []scoredCandidate, rng *rand.Rand) (scoredCandidate, string, bool) {
	switch strategy {
	case types.StrategyRandom:
		return scored[e.randIntn(rng, len(scored))], metrics.ModeNotApplicable, false

	case types.StrategyRoundRobin:
		return scored[e.nextCursor(scored[0].agent.Type, len(scored))], metrics.ModeNotApplicable, false

	case types.StrategyPerformance:
		best := scored[0]
		for _, c := range scored[1:] {
			if c.breakdown.Combined > best.breakdown.Combined ||
				(c.breakdown.Combined == best.breakdown.Combined &&
					c.agent.PerformanceScore > best.agent.PerformanceScore) {
				best = c
			}
		}
		return best, metrics.ModeNotApplicable, false

	default: // q_learning
		if e.randFloat(rng) < e.policy.Epsilon() {
			return scored[e.randIntn(rng, len(scored))], metrics.ModeExplore, true
		}
		best, bestScore := scored[0], e.exploitScore(state, scored[0])
		for _, c := range scored[1:] {
			if s := e.exploitScore(state, c); s > bestScore {
				best, bestScore = c, s
			}
		}
		return best, metrics.ModeExploit, false
	}
}

// exploitScore 利用分支打分：Q(s,a) + β·confidence。冷状态下 Q 全零，
// β 项用置信度打破平局。
func (e *Engine) exploitScore(state string, c scoredCandidate) float64 {
	return e.policy.QValue(state, c.agent.ID) + e.beta*c.breakdown.Combined
}

// rankAlternatives 返回除选中者外按置信度降序的备选，至多 alternatives 个。
func (e *Engine) rankAlternatives(scored []scoredCandidate, selectedID string) []types.ScoredAgent {
	rest := make([]scoredCandidate, 0, len(scored))
	for _, c := range scored {
		if c.agent.ID != selectedID {
			rest = append(rest, c)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool {
		if rest[i].breakdown.Combined != rest[j].breakdown.Combined {
			return rest[i].breakdown.Combined > rest[j].breakdown.Combined
		}
		return rest[i].agent.ID < rest[j].agent.ID
	})
	if len(rest) > e.alternatives {
		rest = rest[:e.alternatives]
	}
	out := make([]types.ScoredAgent, len(rest))
	for i, c := range rest {
		out[i] = types.ScoredAgent{
			AgentID:    c.agent.ID,
			Confidence: c.breakdown.Combined,
			Breakdown:  c.breakdown,
		}
	}
	return out
}

// emit 把决策记录交给日志与总线。两路都是 best-effort。
func (e *Engine) emit(ctx context.Context, rec *types.DecisionRecord) {
	if e.sink != nil {
		// 落盘不跟随请求取消：调用方拿到决策后立刻取消上下文
		// 不应该让记录丢失
		sctx, cancel := context.WithTimeout(context.Background(), e.appendTimeout)
		if err := e.sink.Append(sctx, rec); err != nil {
			e.metrics.RecordEmissionFailure("decision_log")
			e.logger.Warn("decision log append failed",
				zap.String("decision_id", rec.DecisionID),
				zap.Error(err))
		}
		cancel()
	}
	if e.emitter != nil {
		if err := e.emitter.EmitDecision(ctx, rec); err != nil {
			e.metrics.RecordEmissionFailure("bus")
			e.logger.Warn("decision telemetry emit failed",
				zap.String("decision_id", rec.DecisionID),
				zap.Error(err))
		}
	}
}

// rngFor 确定性模式下由请求 ID 派生决策级随机源；否则返回 nil，
// 走共享随机源。
func (e *Engine) rngFor(requestID string) *rand.Rand {
	if !e.deterministic {
		return nil
	}
	h := fnv.New64a()
	h.Write([]byte(requestID))
	return rand.New(rand.NewSource(int64(h.Sum64())))
}

func (e *Engine) randFloat(rng *rand.Rand) float64 {
	if rng != nil {
		return rng.Float64()
	}
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Float64()
}

func (e *Engine) randIntn(rng *rand.Rand, n int) int {
	if rng != nil {
		return rng.Intn(n)
	}
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Intn(n)
}

// nextCursor round_robin 游标推进，按类型标签隔离。
func (e *Engine) nextCursor(typeTag string, n int) int {
	e.cursorMu.Lock()
	defer e.cursorMu.Unlock()
	idx := e.cursors[typeTag] % uint64(n)
	e.cursors[typeTag]++
	return int(idx)
}

// contextDigest 请求上下文的 SHA-256 摘要。决策记录只存摘要不存原文。
func contextDigest(ctx map[string]string) string {
	if len(ctx) == 0 {
		return ""
	}
	// encoding/json 对 map 键排序，序列化结果稳定
	raw, err := json.Marshal(ctx)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
