package core

import (
	"context"
	"time"

	"github.com/BaSui01/agentroute/bus"
	"github.com/BaSui01/agentroute/feedback"
	"github.com/BaSui01/agentroute/karma"
	"github.com/BaSui01/agentroute/learning"
	"github.com/BaSui01/agentroute/stp"
	"github.com/BaSui01/agentroute/types"
)

// 聚合健康状态的派生阈值：包络失败率越限依次降级。
const (
	envelopeDegradedRate  = 0.10
	envelopeUnhealthyRate = 0.25
)

// AgentCounts 注册表按生命周期状态聚合的数量。
type AgentCounts struct {
	Total       int `json:"total"`
	Active      int `json:"active"`
	Inactive    int `json:"inactive"`
	Maintenance int `json:"maintenance"`
	InFlight    int `json:"in_flight"`
}

// Snapshot 各组件运行指标的聚合健康快照。
// 同时是 health 遥测包的载荷，Status 决定包优先级。
type Snapshot struct {
	Status    types.HealthState `json:"status"`
	Timestamp time.Time         `json:"timestamp"`

	Agents    AgentCounts             `json:"agents"`
	Envelope  stp.Stats               `json:"envelope"`
	Bus       bus.Stats               `json:"bus"`
	Karma     karma.ClientStats       `json:"karma"`
	Learning  learning.UpdaterStats   `json:"learning"`
	Persister learning.PersisterStats `json:"persister"`
	Feedback  feedback.ProcessorStats `json:"feedback"`
}

// HealthState 实现 stp.HealthReporter，封包时的优先级由此推导。
func (s *Snapshot) HealthState() types.HealthState {
	return s.Status
}

// deriveStatus 从包络失败率与 karma 熔断器状态推导聚合健康状态。
// 熔断只意味着信誉降级运行，不足以判定不健康。
func deriveStatus(env stp.Stats, breaker karma.BreakerState) types.HealthState {
	switch {
	case env.FailureRate >= envelopeUnhealthyRate:
		return types.HealthUnhealthy
	case env.FailureRate >= envelopeDegradedRate:
		return types.HealthDegraded
	case breaker == karma.BreakerOpen:
		return types.HealthDegraded
	default:
		return types.HealthHealthy
	}
}

// Health 采集聚合健康快照，并把它作为 health 包发布到遥测总线。
// 快照本身从不报错；发布遵循总线的只进不等语义。
func (c *Core) Health(_ context.Context) *Snapshot {
	counts := AgentCounts{
		Total:    c.registry.Count(),
		InFlight: c.registry.TotalInFlight(),
	}
	for _, a := range c.registry.List() {
		switch a.Status {
		case types.AgentActive:
			counts.Active++
		case types.AgentInactive:
			counts.Inactive++
		case types.AgentMaintenance:
			counts.Maintenance++
		}
	}

	env := c.wrapper.Stats()
	snap := &Snapshot{
		Status:    deriveStatus(env, c.karma.BreakerState()),
		Timestamp: c.clock.Now().UTC(),
		Agents:    counts,
		Envelope:  env,
		Bus:       c.bus.Stats(),
		Karma:     c.karma.Stats(),
		Learning:  c.updater.Stats(),
		Persister: c.persister.Stats(),
		Feedback:  c.processor.Stats(),
	}

	pkt := c.wrapper.WrapOrFallback(stp.TypeHealth, snap, stp.Metadata{
		Source:      packetSource,
		Destination: packetDestination,
	})
	c.bus.Publish(pkt)
	return snap
}
