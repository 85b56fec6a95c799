package routing

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/agentroute/internal/ident"
	"github.com/BaSui01/agentroute/types"
)

// =============================================================================
// 📦 Agent 注册表
// =============================================================================

// latencyEWMAAlpha 延迟指数滑动平均的平滑系数。
const latencyEWMAAlpha = 0.1

// coldStartPrior 无历史样本 Agent 的中性先验（成功率与综合性能分）。
const coldStartPrior = 0.5

// Outcome 一次执行结果的观测值，用于更新 Agent 运行统计。
type Outcome struct {
	Success   bool
	LatencyMS float64
}

// Registry 维护 Agent 的身份、能力、运行统计与在途计数。
//
// 注册表级读写锁只保护 map 结构本身；每个 Agent 持有独立互斥锁，
// 统计更新在槽位锁内完成，保证计数线性一致且互不阻塞。
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*agentSlot

	// 聚合在途计数，供状态编码的负载桶使用
	totalInFlight atomic.Int64

	latencyRef float64
	clock      ident.Clock
	logger     *zap.Logger
}

type agentSlot struct {
	mu       sync.Mutex
	agent    *types.Agent
	inFlight atomic.Int32
}

// NewRegistry 创建注册表。latencyRefMS 是延迟归一化基准（毫秒）。
func NewRegistry(latencyRefMS float64, clock ident.Clock, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = ident.SystemClock{}
	}
	if latencyRefMS <= 0 {
		latencyRefMS = 1000
	}
	return &Registry{
		agents:     make(map[string]*agentSlot),
		latencyRef: latencyRefMS,
		clock:      clock,
		logger:     logger.With(zap.String("component", "agent_registry")),
	}
}

// Register 注册或更新一个 Agent。
//
// 同 ID 重复注册视为身份更新：名称、类型、能力与状态被覆盖，
// 运行统计（请求计数、延迟、成功率）保留不动。
func (r *Registry) Register(a *types.Agent) error {
	if a == nil {
		return types.NewError(types.ErrConfig, "agent is nil")
	}
	if a.ID == "" || a.Name == "" || a.Type == "" {
		return types.NewError(types.ErrConfig, "agent id, name and type are required")
	}
	status := a.Status
	if status == "" {
		status = types.AgentActive
	}
	if !status.Valid() {
		return types.NewError(types.ErrConfig, fmt.Sprintf("invalid agent status: %s", status))
	}

	now := r.clock.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	if slot, ok := r.agents[a.ID]; ok {
		slot.mu.Lock()
		slot.agent.Name = a.Name
		slot.agent.Type = a.Type
		slot.agent.Status = status
		slot.agent.Capabilities = append([]types.Capability(nil), a.Capabilities...)
		slot.agent.UpdatedAt = now
		slot.mu.Unlock()
		r.logger.Info("agent updated", zap.String("agent_id", a.ID), zap.String("type", a.Type))
		return nil
	}

	cp := a.Clone()
	cp.Status = status
	if cp.RegisteredAt.IsZero() {
		cp.RegisteredAt = now
	}
	cp.UpdatedAt = now
	// 冷启动先验：没有任何样本时给中性分，避免新 Agent 被饿死
	if cp.TotalRequests == 0 {
		if cp.SuccessRate == 0 {
			cp.SuccessRate = coldStartPrior
		}
		if cp.PerformanceScore == 0 {
			cp.PerformanceScore = coldStartPrior
		}
	}
	r.agents[cp.ID] = &agentSlot{agent: cp}
	r.logger.Info("agent registered",
		zap.String("agent_id", cp.ID),
		zap.String("type", cp.Type),
		zap.String("status", string(cp.Status)))
	return nil
}

// Deregister 注销 Agent。
//
// 记录不会被物理删除（历史决策仍引用它），只是转为 inactive，
// 从候选集合中消失。
func (r *Registry) Deregister(id string) error {
	return r.SetStatus(id, types.AgentInactive)
}

// SetStatus 切换 Agent 状态。
func (r *Registry) SetStatus(id string, status types.AgentStatus) error {
	if !status.Valid() {
		return types.NewError(types.ErrConfig, fmt.Sprintf("invalid agent status: %s", status))
	}
	slot, ok := r.slot(id)
	if !ok {
		return types.NewError(types.ErrNotFound, fmt.Sprintf("agent not found: %s", id)).WithAgent(id)
	}
	slot.mu.Lock()
	prev := slot.agent.Status
	slot.agent.Status = status
	slot.agent.UpdatedAt = r.clock.Now().UTC()
	slot.mu.Unlock()
	if prev != status {
		r.logger.Info("agent status changed",
			zap.String("agent_id", id),
			zap.String("from", string(prev)),
			zap.String("to", string(status)))
	}
	return nil
}

// Get 返回 Agent 的深拷贝。
func (r *Registry) Get(id string) (*types.Agent, error) {
	slot, ok := r.slot(id)
	if !ok {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("agent not found: %s", id)).WithAgent(id)
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.agent.Clone(), nil
}

// List 按状态过滤返回 Agent 快照，ID 升序。不传状态则返回全部。
func (r *Registry) List(statuses ...types.AgentStatus) []*types.Agent {
	want := make(map[types.AgentStatus]struct{}, len(statuses))
	for _, s := range statuses {
		want[s] = struct{}{}
	}

	r.mu.RLock()
	out := make([]*types.Agent, 0, len(r.agents))
	for _, slot := range r.agents {
		slot.mu.Lock()
		if len(want) == 0 {
			out = append(out, slot.agent.Clone())
		} else if _, ok := want[slot.agent.Status]; ok {
			out = append(out, slot.agent.Clone())
		}
		slot.mu.Unlock()
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Candidates 返回指定类型标签下的活跃候选快照，ID 升序。
// minPerformance 为正时过滤综合性能分低于门槛的 Agent。
func (r *Registry) Candidates(typeTag string, minPerformance float64) []*types.Agent {
	r.mu.RLock()
	out := make([]*types.Agent, 0, len(r.agents))
	for _, slot := range r.agents {
		slot.mu.Lock()
		a := slot.agent
		if a.Status == types.AgentActive && a.Type == typeTag &&
			(minPerformance <= 0 || a.PerformanceScore >= minPerformance) {
			out = append(out, a.Clone())
		}
		slot.mu.Unlock()
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateCounters 应用一次执行观测：请求计数、延迟 EWMA、成功率与
// 综合性能分在同一槽位锁内完成更新，返回更新后的快照。
func (r *Registry) UpdateCounters(id string, out Outcome) (*types.Agent, error) {
	slot, ok := r.slot(id)
	if !ok {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("agent not found: %s", id)).WithAgent(id)
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	a := slot.agent
	a.TotalRequests++
	if out.Success {
		a.SuccessfulRequests++
	} else {
		a.FailedRequests++
	}

	lat := out.LatencyMS
	if lat < 0 || math.IsNaN(lat) || math.IsInf(lat, 0) {
		lat = 0
	}
	if a.TotalRequests == 1 {
		a.AvgLatencyMS = lat
	} else {
		a.AvgLatencyMS = (1-latencyEWMAAlpha)*a.AvgLatencyMS + latencyEWMAAlpha*lat
	}

	a.SuccessRate = float64(a.SuccessfulRequests) / float64(a.TotalRequests)
	a.PerformanceScore = 0.5*a.SuccessRate + 0.5*clamp01(1-a.AvgLatencyMS/r.latencyRef)
	a.UpdatedAt = r.clock.Now().UTC()

	return a.Clone(), nil
}

// PerformanceScore 返回 Agent 当前综合性能分。供 Karma 缓存做漂移校验。
func (r *Registry) PerformanceScore(id string) (float64, bool) {
	slot, ok := r.slot(id)
	if !ok {
		return 0, false
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.agent.PerformanceScore, true
}

// IncInFlight 在途计数加一，返回该 Agent 更新后的在途数。
func (r *Registry) IncInFlight(id string) (int, error) {
	slot, ok := r.slot(id)
	if !ok {
		return 0, types.NewError(types.ErrNotFound, fmt.Sprintf("agent not found: %s", id)).WithAgent(id)
	}
	n := slot.inFlight.Add(1)
	r.totalInFlight.Add(1)
	return int(n), nil
}

// DecInFlight 在途计数减一，下界为零。
func (r *Registry) DecInFlight(id string) {
	slot, ok := r.slot(id)
	if !ok {
		return
	}
	for {
		cur := slot.inFlight.Load()
		if cur <= 0 {
			return
		}
		if slot.inFlight.CompareAndSwap(cur, cur-1) {
			r.totalInFlight.Add(-1)
			return
		}
	}
}

// InFlight 返回单个 Agent 的在途计数。未注册返回 0。
func (r *Registry) InFlight(id string) int {
	slot, ok := r.slot(id)
	if !ok {
		return 0
	}
	return int(slot.inFlight.Load())
}

// TotalInFlight 返回全局聚合在途计数。
func (r *Registry) TotalInFlight() int {
	return int(r.totalInFlight.Load())
}

// Count 返回注册 Agent 总数（含非活跃）。
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

func (r *Registry) slot(id string) (*agentSlot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, ok := r.agents[id]
	return slot, ok
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
