package routing

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/agentroute/config"
	"github.com/BaSui01/agentroute/internal/metrics"
	"github.com/BaSui01/agentroute/types"
)

// =============================================================================
// 🎯 多因子评分器
// =============================================================================

// weightEpsilon 权重和校验容差。
const weightEpsilon = 1e-9

// sigmoidGate 超过该绝对值的原始得分走 sigmoid 压缩而不是直接截断。
const sigmoidGate = 1.5

// neutralKarma Karma 服务不可用时使用的中性先验。
const neutralKarma = 0.5

// Weights 四个评分因子的权重，必须和为 1.0。
type Weights struct {
	Rule         float64 `json:"rule"`
	Feedback     float64 `json:"feedback"`
	Availability float64 `json:"availability"`
	Karma        float64 `json:"karma"`
}

// Validate 校验每个权重非负且总和为 1.0（容差 1e-9）。
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"rule": w.Rule, "feedback": w.Feedback,
		"availability": w.Availability, "karma": w.Karma,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return types.NewError(types.ErrConfig, fmt.Sprintf("scoring weight %s must be a non-negative finite number", name))
		}
	}
	if sum := w.Rule + w.Feedback + w.Availability + w.Karma; math.Abs(sum-1.0) > weightEpsilon {
		return types.NewError(types.ErrConfig, fmt.Sprintf("scoring weights must sum to 1.0, got %.12f", sum))
	}
	return nil
}

// WeightStore 持有可热更新的权重快照。读路径无锁。
type WeightStore struct {
	v atomic.Value // Weights
}

// NewWeightStore 创建权重存储，初始权重必须合法。
func NewWeightStore(w Weights) (*WeightStore, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	s := &WeightStore{}
	s.v.Store(w)
	return s, nil
}

// Load 返回当前权重快照。
func (s *WeightStore) Load() Weights {
	return s.v.Load().(Weights)
}

// Swap 原子替换权重。非法权重被拒绝，旧值继续生效。
func (s *WeightStore) Swap(w Weights) error {
	if err := w.Validate(); err != nil {
		return err
	}
	s.v.Store(w)
	return nil
}

// KarmaSource 提供 Agent 的外部信誉分。available 为 false 表示
// 服务降级，评分器改用中性先验。
type KarmaSource interface {
	Karma(ctx context.Context, agentID string) (score float64, available bool)
}

// Scorer 多因子评分器。
//
// 四个因子先各自归一化，再按权重加权求和，最后经过统一的净化管线
// 收敛到 [MinConfidence, MaxConfidence]。
type Scorer struct {
	weights *WeightStore
	karma   KarmaSource

	minConfidence float64
	maxConfidence float64
	softCap       int
	hardCap       int

	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewScorer 创建评分器。配置非法时立即报错而不是带病运行。
func NewScorer(cfg config.ScoringConfig, weights *WeightStore, karma KarmaSource, m *metrics.Collector, logger *zap.Logger) (*Scorer, error) {
	if weights == nil {
		return nil, types.NewError(types.ErrConfig, "weight store is required")
	}
	if cfg.MinConfidence < 0 || cfg.MaxConfidence > 1 || cfg.MinConfidence >= cfg.MaxConfidence {
		return nil, types.NewError(types.ErrConfig,
			fmt.Sprintf("confidence bounds must satisfy 0 <= min < max <= 1, got [%.3f, %.3f]", cfg.MinConfidence, cfg.MaxConfidence))
	}
	if cfg.SoftCapInFlight <= 0 || cfg.HardCapInFlight <= cfg.SoftCapInFlight {
		return nil, types.NewError(types.ErrConfig,
			fmt.Sprintf("in-flight caps must satisfy 0 < soft < hard, got soft=%d hard=%d", cfg.SoftCapInFlight, cfg.HardCapInFlight))
	}
	if m == nil {
		m = metrics.Nop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{
		weights:       weights,
		karma:         karma,
		minConfidence: cfg.MinConfidence,
		maxConfidence: cfg.MaxConfidence,
		softCap:       cfg.SoftCapInFlight,
		hardCap:       cfg.HardCapInFlight,
		metrics:       m,
		logger:        logger.With(zap.String("component", "scorer")),
	}, nil
}

// Score 对单个候选打分，返回完整的因子拆解。
// inFlight 是该 Agent 当前在途请求数。
func (s *Scorer) Score(ctx context.Context, agent *types.Agent, req *Request, inFlight int) types.ScoreBreakdown {
	w := s.weights.Load()

	bd := types.ScoreBreakdown{
		Rule:         s.ruleScore(agent, req),
		Feedback:     agent.SuccessRate,
		Availability: s.availabilityScore(agent, inFlight),
		Karma:        s.karmaScore(ctx, agent.ID),
	}

	raw := w.Rule*bd.Rule + w.Feedback*bd.Feedback + w.Availability*bd.Availability + w.Karma*bd.Karma
	bd.Combined = s.normalize(raw)
	return bd
}

// ruleScore 规则匹配因子：请求声明的能力被覆盖则得分，部分覆盖
// 按比例给分。未声明能力视为全覆盖。
func (s *Scorer) ruleScore(agent *types.Agent, req *Request) float64 {
	if req == nil || len(req.Capabilities) == 0 {
		return 1.0
	}
	complexity := complexityValue(req.Context["complexity"])
	covered := 0
	for _, name := range req.Capabilities {
		cap, ok := agent.Capability(name)
		if ok && complexity >= cap.Threshold {
			covered++
		}
	}
	return float64(covered) / float64(len(req.Capabilities))
}

// availabilityScore 可用性因子：活跃且负载低于软上限得满分，
// 软硬上限之间线性衰减，达到硬上限归零。
func (s *Scorer) availabilityScore(agent *types.Agent, inFlight int) float64 {
	if agent.Status != types.AgentActive {
		return 0
	}
	switch {
	case inFlight < s.softCap:
		return 1.0
	case inFlight >= s.hardCap:
		return 0
	default:
		return 1.0 - float64(inFlight-s.softCap)/float64(s.hardCap-s.softCap)
	}
}

// karmaScore Karma 因子。服务禁用或降级时回落到中性先验，
// 决策流程不因外部依赖故障而失败。
func (s *Scorer) karmaScore(ctx context.Context, agentID string) float64 {
	if s.karma == nil {
		return neutralKarma
	}
	score, available := s.karma.Karma(ctx, agentID)
	if !available {
		return neutralKarma
	}
	return score
}

// normalize 置信度净化管线。
//
// NaN 落到下界，±Inf 落到对应边界，绝对值超过 sigmoidGate 的原始分
// 先经 sigmoid 压缩，最后统一截断到 [min, max]。每条分支计数。
func (s *Scorer) normalize(raw float64) float64 {
	switch {
	case math.IsNaN(raw):
		s.metrics.RecordScoringSanitation("nan")
		return s.minConfidence
	case math.IsInf(raw, 1):
		s.metrics.RecordScoringSanitation("pos_inf")
		return s.maxConfidence
	case math.IsInf(raw, -1):
		s.metrics.RecordScoringSanitation("neg_inf")
		return s.minConfidence
	}
	if math.Abs(raw) > sigmoidGate {
		s.metrics.RecordScoringSanitation("sigmoid")
		raw = 1.0 / (1.0 + math.Exp(-raw))
	}
	switch {
	case raw < s.minConfidence:
		s.metrics.RecordScoringSanitation("clamp")
		return s.minConfidence
	case raw > s.maxConfidence:
		s.metrics.RecordScoringSanitation("clamp")
		return s.maxConfidence
	}
	return raw
}

// complexityValue 把复杂度档位映射到 [0,1] 数值，用于能力阈值比较。
func complexityValue(level string) float64 {
	switch level {
	case "low":
		return 0.25
	case "medium":
		return 0.5
	case "high":
		return 0.75
	default:
		return 0.5
	}
}
