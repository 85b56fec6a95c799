package core

import (
	"context"

	"github.com/BaSui01/agentroute/bus"
	"github.com/BaSui01/agentroute/feedback"
	"github.com/BaSui01/agentroute/stp"
	"github.com/BaSui01/agentroute/types"
)

// 遥测包的来源与去向标识。
const (
	packetSource      = "agentroute-core"
	packetDestination = "telemetry"
)

// telemetryEmitter 把决策、策略更新与包络告警封成 STP 包投进总线。
// 发射是 best-effort：封包失败退化为明文包，总线只进不等，
// 因此两个 Emit 方法永远返回 nil，调用方按自己的计数器记账。
type telemetryEmitter struct {
	wrapper *stp.Wrapper
	bus     *bus.Broadcaster
}

// EmitDecision 实现 routing.DecisionEmitter。优先级按置信度推导。
func (e *telemetryEmitter) EmitDecision(_ context.Context, rec *types.DecisionRecord) error {
	pkt := e.wrapper.WrapOrFallback(stp.TypeRoutingDecision, rec, stp.Metadata{
		Source:      packetSource,
		Destination: packetDestination,
	})
	e.bus.Publish(pkt)
	return nil
}

// EmitPolicyUpdate 实现 feedback.PolicyEmitter。
func (e *telemetryEmitter) EmitPolicyUpdate(_ context.Context, upd *feedback.PolicyUpdate) error {
	pkt := e.wrapper.WrapOrFallback(stp.TypePolicyUpdate, upd, stp.Metadata{
		Source:      packetSource,
		Destination: packetDestination,
	})
	e.bus.Publish(pkt)
	return nil
}

// emitAlert 把包络失败率告警作为 health 包发布。挂在 Wrapper 的
// 告警钩子上；钩子在包络锁外被调用，这里再进包络是安全的。
func (e *telemetryEmitter) emitAlert(a stp.Alert) {
	prio := stp.PriorityHigh
	if a.Level == stp.AlertCritical {
		prio = stp.PriorityCritical
	}
	pkt := e.wrapper.WrapOrFallback(stp.TypeHealth, a, stp.Metadata{
		Source:      packetSource,
		Destination: packetDestination,
		Priority:    prio,
	})
	e.bus.Publish(pkt)
}
