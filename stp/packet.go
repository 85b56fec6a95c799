package stp

import (
	"time"

	"github.com/BaSui01/agentroute/types"
)

// =============================================================================
// 📦 线上包格式
// =============================================================================

// PacketType 枚举包络承载的四类遥测包。
type PacketType string

const (
	TypeRoutingDecision PacketType = "routing_decision"
	TypeFeedback        PacketType = "feedback"
	TypePolicyUpdate    PacketType = "policy_update"
	TypeHealth          PacketType = "health"
)

// Valid reports whether t is one of the wire packet types.
func (t PacketType) Valid() bool {
	switch t {
	case TypeRoutingDecision, TypeFeedback, TypePolicyUpdate, TypeHealth:
		return true
	}
	return false
}

// Priority 下游投递优先级。包络自身不按优先级重排，只做标记。
type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Metadata 描述包的来源、去向与投递属性。
type Metadata struct {
	Source      string   `json:"source"`
	Destination string   `json:"destination"`
	Priority    Priority `json:"priority"`
	RequiresAck bool     `json:"requires_ack"`
}

// SecurityBlock 仅在签名开启时出现。Nonce 在漂移窗口内全局唯一，
// Signature 是对规范序列化字节串的 HMAC-SHA256。
type SecurityBlock struct {
	Nonce     string    `json:"nonce"`
	Timestamp time.Time `json:"timestamp"`
	Signature string    `json:"packet_signature"`
}

// Packet 是线上格式本体。Checksum 与 Security 之外的字段构成
// 规范序列化的输入；ChecksumFailed 只在宽松模式拆包时置位，
// 不参与序列化契约。
type Packet struct {
	Version        string         `json:"stp_version"`
	Token          string         `json:"stp_token"`
	Timestamp      time.Time      `json:"stp_timestamp"`
	Type           PacketType     `json:"stp_type"`
	Metadata       Metadata       `json:"stp_metadata"`
	Payload        any            `json:"payload"`
	Checksum       string         `json:"stp_checksum"`
	Security       *SecurityBlock `json:"stp_security,omitempty"`
	ChecksumFailed bool           `json:"stp_checksum_failed,omitempty"`
}

// Clone 返回一个可安全跨协程传递的浅拷贝。载荷本身不复制：
// 包一旦封好即视为只读。
func (p *Packet) Clone() *Packet {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Security != nil {
		sec := *p.Security
		cp.Security = &sec
	}
	return &cp
}

// =============================================================================
// 🚦 优先级选择
// =============================================================================

const (
	// 决策包置信度阈值：极高置信走 high，极低置信说明候选全员疲软，走 critical
	decisionHighConfidence     = 0.9
	decisionCriticalConfidence = 0.3
	// 反馈包延迟阈值（毫秒）
	feedbackHighLatencyMS     = 1000
	feedbackCriticalLatencyMS = 5000
)

// HealthReporter 由健康快照载荷实现，PriorityFor 借此读取聚合状态。
type HealthReporter interface {
	HealthState() types.HealthState
}

// PriorityFor 按包类型与载荷内容选择优先级。载荷类型不认识时
// 回落到 normal。
func PriorityFor(t PacketType, payload any) Priority {
	switch t {
	case TypeRoutingDecision:
		switch v := payload.(type) {
		case *types.DecisionRecord:
			return DecisionPriority(v.Confidence)
		case types.DecisionRecord:
			return DecisionPriority(v.Confidence)
		}
	case TypeFeedback:
		switch v := payload.(type) {
		case *types.FeedbackEvent:
			return FeedbackPriority(v.Success, v.LatencyMS)
		case types.FeedbackEvent:
			return FeedbackPriority(v.Success, v.LatencyMS)
		}
	case TypeHealth:
		if h, ok := payload.(HealthReporter); ok {
			return HealthPriority(h.HealthState())
		}
	}
	return PriorityNormal
}

// DecisionPriority 路由决策包的优先级。
func DecisionPriority(confidence float64) Priority {
	switch {
	case confidence >= decisionHighConfidence:
		return PriorityHigh
	case confidence <= decisionCriticalConfidence:
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// FeedbackPriority 反馈包的优先级：失败或超长延迟要立刻被看到。
func FeedbackPriority(success bool, latencyMS float64) Priority {
	switch {
	case !success || latencyMS > feedbackCriticalLatencyMS:
		return PriorityCritical
	case latencyMS > feedbackHighLatencyMS:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// HealthPriority 健康包的优先级。
func HealthPriority(state types.HealthState) Priority {
	switch state {
	case types.HealthUnhealthy:
		return PriorityCritical
	case types.HealthDegraded:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}
