package types

import "time"

// FeedbackEvent reports the observed outcome of executing a past decision.
//
// Accuracy and Satisfaction are optional; absent fields contribute zero to
// the reward rather than a neutral default, so senders should omit rather
// than guess. EventID is the idempotency key: the processor applies each
// event at most once.
type FeedbackEvent struct {
	EventID      string    `json:"event_id"`
	DecisionID   string    `json:"decision_id"`
	Success      bool      `json:"success"`
	LatencyMS    float64   `json:"latency_ms"`
	Accuracy     *float64  `json:"accuracy,omitempty"`     // [0,1]
	Satisfaction *int      `json:"satisfaction,omitempty"` // 1..5
	ErrorCode    string    `json:"error_code,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	// Context optionally describes the situation after execution. When set,
	// the learner encodes it as the successor state; otherwise the update
	// reuses the decision's own state.
	Context map[string]string `json:"context,omitempty"`
}

// Float pointer helpers for optional feedback fields.

// FloatPtr returns a pointer to v.
func FloatPtr(v float64) *float64 { return &v }

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }
