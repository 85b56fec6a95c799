// =============================================================================
// 📦 测试数据工厂 - Agent 与请求
// =============================================================================
// 提供预定义的 Agent、路由请求与反馈事件，用于测试
// =============================================================================
package fixtures

import (
	"fmt"
	"time"

	"github.com/BaSui01/agentroute/routing"
	"github.com/BaSui01/agentroute/types"
)

// =============================================================================
// 🤖 Agent 工厂
// =============================================================================

// ActiveAgent 返回一个干净的活跃 Agent，统计全零（走冷启动先验）。
func ActiveAgent(id, typeTag string) *types.Agent {
	return &types.Agent{
		ID:     id,
		Name:   "Agent " + id,
		Type:   typeTag,
		Status: types.AgentActive,
	}
}

// SeededAgent 返回带预置统计的 Agent。TotalRequests 非零，
// 注册时 SuccessRate 与 PerformanceScore 按原值保留。
func SeededAgent(id, typeTag string, successRate, perfScore float64) *types.Agent {
	a := ActiveAgent(id, typeTag)
	a.TotalRequests = 100
	a.SuccessfulRequests = uint64(successRate * 100)
	a.SuccessRate = successRate
	a.PerformanceScore = perfScore
	return a
}

// CapableAgent 返回声明能力的活跃 Agent。
func CapableAgent(id, typeTag string, caps ...types.Capability) *types.Agent {
	a := ActiveAgent(id, typeTag)
	a.Capabilities = caps
	return a
}

// NLPTrio 返回三个统计全零的同型 NLP Agent，冷启动场景用。
func NLPTrio() []*types.Agent {
	return []*types.Agent{
		ActiveAgent("agent-a", types.AgentTypeNLP),
		ActiveAgent("agent-b", types.AgentTypeNLP),
		ActiveAgent("agent-c", types.AgentTypeNLP),
	}
}

// =============================================================================
// 📨 请求与反馈工厂
// =============================================================================

// TextRequest 返回一条中等复杂度的文本路由请求。
func TextRequest(requestID string) *routing.Request {
	return &routing.Request{
		RequestID: requestID,
		InputType: "text",
		Context:   map[string]string{"complexity": "medium"},
	}
}

// PositiveFeedback 返回成功反馈：120ms、准确率 0.9、满意度 4。
func PositiveFeedback(eventID, decisionID string) *types.FeedbackEvent {
	return &types.FeedbackEvent{
		EventID:      eventID,
		DecisionID:   decisionID,
		Success:      true,
		LatencyMS:    120,
		Accuracy:     types.FloatPtr(0.9),
		Satisfaction: types.IntPtr(4),
		Timestamp:    time.Now(),
	}
}

// NegativeFeedback 返回失败反馈：2500ms、超时错误码。
func NegativeFeedback(eventID, decisionID string) *types.FeedbackEvent {
	return &types.FeedbackEvent{
		EventID:    eventID,
		DecisionID: decisionID,
		Success:    false,
		LatencyMS:  2500,
		ErrorCode:  string(types.ErrTimeout),
		Timestamp:  time.Now(),
	}
}

// FeedbackSeries 返回 n 条指向同一决策的成功反馈，事件 ID 递增。
// 幂等与压测场景用。
func FeedbackSeries(decisionID string, n int) []*types.FeedbackEvent {
	events := make([]*types.FeedbackEvent, n)
	for i := range events {
		events[i] = PositiveFeedback(fmt.Sprintf("evt-%03d", i), decisionID)
	}
	return events
}
