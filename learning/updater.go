package learning

import (
	"fmt"
	"math"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/agentroute/config"
	"github.com/BaSui01/agentroute/internal/metrics"
	"github.com/BaSui01/agentroute/types"
)

// =============================================================================
// 🧠 Q-learning 更新器
// =============================================================================

// 奖励函数系数。
const (
	rewardLatencyPenalty    = 0.1 // 每秒延迟扣 0.1
	rewardAccuracyBonus     = 0.5
	rewardSatisfactionBonus = 0.3
	rewardFloor             = -2.0
	rewardCeil              = 2.0

	// karma 平滑：r' = 0.75·r + 0.25·karma_normalized
	smoothingRewardShare = 0.75
	smoothingKarmaShare  = 0.25
)

// CachedKarma 读取 Agent 最近缓存的 karma 分，不触发上游拉取。
type CachedKarma interface {
	Cached(agentID string) (float64, bool)
}

// Updater 持有 Q 表与探索调度。
//
// 实现了决策引擎的 Policy 接口（QValue / Epsilon）。ApplyReward 的
// 读改写在 Q 表桶锁内完成；ε 用原子位存储，读路径无锁。
type Updater struct {
	table *Table

	alpha float64
	gamma float64

	epsBits atomic.Uint64
	decay   float64
	epsMin  float64

	smoothing atomic.Bool
	karma     CachedKarma

	persister *Persister

	metrics *metrics.Collector
	logger  *zap.Logger
}

// UpdaterStats 学习器运行快照。
type UpdaterStats struct {
	Epsilon        float64 `json:"epsilon"`
	TableSize      int     `json:"table_size"`
	KarmaSmoothing bool    `json:"karma_smoothing"`
}

// NewUpdater 创建更新器。karma 与 persister 均可为 nil。
func NewUpdater(cfg config.LearningConfig, table *Table, karma CachedKarma, persister *Persister, m *metrics.Collector, logger *zap.Logger) (*Updater, error) {
	if table == nil {
		return nil, types.NewError(types.ErrConfig, "q-table is required")
	}
	if cfg.LearningRate <= 0 || cfg.LearningRate > 1 {
		return nil, types.NewError(types.ErrConfig, fmt.Sprintf("learning rate must be in (0,1], got %v", cfg.LearningRate))
	}
	if cfg.DiscountFactor < 0 || cfg.DiscountFactor > 1 {
		return nil, types.NewError(types.ErrConfig, fmt.Sprintf("discount factor must be in [0,1], got %v", cfg.DiscountFactor))
	}
	if cfg.EpsilonStart < 0 || cfg.EpsilonStart > 1 || cfg.EpsilonDecay <= 0 || cfg.EpsilonDecay > 1 || cfg.EpsilonMin < 0 {
		return nil, types.NewError(types.ErrConfig, "epsilon schedule out of range")
	}
	if m == nil {
		m = metrics.Nop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	u := &Updater{
		table:     table,
		alpha:     cfg.LearningRate,
		gamma:     cfg.DiscountFactor,
		decay:     cfg.EpsilonDecay,
		epsMin:    cfg.EpsilonMin,
		karma:     karma,
		persister: persister,
		metrics:   m,
		logger:    logger.With(zap.String("component", "q_updater")),
	}
	u.epsBits.Store(math.Float64bits(cfg.EpsilonStart))
	u.smoothing.Store(true)
	m.SetEpsilon(cfg.EpsilonStart)
	return u, nil
}

// Epsilon 返回当前探索率。
func (u *Updater) Epsilon() float64 {
	return math.Float64frombits(u.epsBits.Load())
}

// DecayEpsilon 探索率乘衰减系数，不低于下限。每个被接受的反馈
// 事件恰好调用一次。返回衰减后的值。
func (u *Updater) DecayEpsilon() float64 {
	for {
		old := u.epsBits.Load()
		cur := math.Float64frombits(old)
		next := cur * u.decay
		if next < u.epsMin {
			next = u.epsMin
		}
		if u.epsBits.CompareAndSwap(old, math.Float64bits(next)) {
			u.metrics.SetEpsilon(next)
			return next
		}
	}
}

// QValue 返回 Q(state, action)。实现引擎的 Policy 接口。
func (u *Updater) QValue(state, action string) float64 {
	return u.table.Get(state, action)
}

// SetKarmaSmoothing 开关 karma 奖励平滑。
func (u *Updater) SetKarmaSmoothing(on bool) {
	u.smoothing.Store(on)
	u.logger.Info("karma smoothing toggled", zap.Bool("enabled", on))
}

// KarmaSmoothing 返回平滑开关状态。
func (u *Updater) KarmaSmoothing() bool { return u.smoothing.Load() }

// Reward 把反馈事件换算成标量奖励。
//
// base ±1.0，延迟每秒扣 0.1，准确度有值加 0.5·accuracy，
// 满意度有值加 0.3·(satisfaction−3)/2，最终截断到 [−2, 2]。
// 缺省字段贡献 0 而不是中性默认值。
func (u *Updater) Reward(f *types.FeedbackEvent) float64 {
	base := -1.0
	if f.Success {
		base = 1.0
	}

	lat := f.LatencyMS
	if lat < 0 || math.IsNaN(lat) || math.IsInf(lat, 0) {
		lat = 0
	}
	r := base - rewardLatencyPenalty*(lat/1000)

	if f.Accuracy != nil && !math.IsNaN(*f.Accuracy) && !math.IsInf(*f.Accuracy, 0) {
		r += rewardAccuracyBonus * (*f.Accuracy)
	}
	if f.Satisfaction != nil {
		r += rewardSatisfactionBonus * float64(*f.Satisfaction-3) / 2
	}

	if r < rewardFloor {
		return rewardFloor
	}
	if r > rewardCeil {
		return rewardCeil
	}
	return r
}

// SmoothedReward 对原始奖励做 karma 平滑。
//
// karma_normalized 把缓存 karma 从 [0,1] 线性映射到 [−1,+1]。
// 平滑关闭、无 karma 源或无缓存值时原样返回，更新路径不变。
func (u *Updater) SmoothedReward(agentID string, raw float64) float64 {
	if !u.smoothing.Load() || u.karma == nil {
		return raw
	}
	cached, ok := u.karma.Cached(agentID)
	if !ok {
		return raw
	}
	kNorm := 2*cached - 1
	return smoothingRewardShare*raw + smoothingKarmaShare*kNorm
}

// ApplyReward 执行贝尔曼更新：
//
//	Q(s,a) ← Q(s,a) + α·(r + γ·max_{a'} Q(s',a') − Q(s,a))
//
// nextState 为空时复用 s 本身。后继状态的 max 在进桶前读取，
// 避免跨桶嵌套持锁。返回更新后的 Q 值。
func (u *Updater) ApplyReward(state, action string, reward float64, nextState string) float64 {
	if nextState == "" {
		nextState = state
	}
	maxNext := u.table.MaxForState(nextState)

	newV := u.table.Update(state, action, func(cur float64) float64 {
		return cur + u.alpha*(reward+u.gamma*maxNext-cur)
	})

	u.metrics.SetQTableSize(u.table.Len())
	if u.persister != nil {
		u.persister.MarkDirty()
	}
	return newV
}

// Stats 返回学习器运行快照。
func (u *Updater) Stats() UpdaterStats {
	return UpdaterStats{
		Epsilon:        u.Epsilon(),
		TableSize:      u.table.Len(),
		KarmaSmoothing: u.smoothing.Load(),
	}
}
