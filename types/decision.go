package types

import "time"

// Strategy selects how the decision engine ranks candidates.
type Strategy string

const (
	StrategyQLearning   Strategy = "q_learning"
	StrategyPerformance Strategy = "performance_based"
	StrategyRoundRobin  Strategy = "round_robin"
	StrategyRandom      Strategy = "random"
)

// Valid reports whether the strategy is one of the supported modes.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyQLearning, StrategyPerformance, StrategyRoundRobin, StrategyRandom:
		return true
	}
	return false
}

// ScoreBreakdown carries the weighted components behind one candidate's
// confidence. Components are the raw per-factor values before weighting;
// Combined is the weighted sum after normalization.
type ScoreBreakdown struct {
	Rule         float64 `json:"rule"`
	Feedback     float64 `json:"feedback"`
	Availability float64 `json:"availability"`
	Karma        float64 `json:"karma"`
	Combined     float64 `json:"combined"`
}

// ScoredAgent is one ranked candidate in a decision.
type ScoredAgent struct {
	AgentID    string         `json:"agent_id"`
	Confidence float64        `json:"confidence"`
	Breakdown  ScoreBreakdown `json:"breakdown"`
}

// DecisionRecord is the durable record of one routing decision. It stores a
// digest of the request context rather than the context itself.
type DecisionRecord struct {
	DecisionID    string        `json:"decision_id"`
	RequestID     string        `json:"request_id"`
	InputType     string        `json:"input_type"`
	Timestamp     time.Time     `json:"timestamp"`
	AgentID       string        `json:"agent_id"`
	Confidence    float64       `json:"confidence"`
	Breakdown     ScoreBreakdown `json:"breakdown"`
	Alternatives  []ScoredAgent `json:"alternatives,omitempty"` // ranked desc, selected excluded
	Exploration   bool          `json:"exploration"`
	Strategy      Strategy      `json:"strategy"`
	State         string        `json:"state"`
	ContextDigest string        `json:"context_digest,omitempty"`
}

// Clone returns a deep copy safe to hand across goroutines.
func (d *DecisionRecord) Clone() *DecisionRecord {
	if d == nil {
		return nil
	}
	cp := *d
	if d.Alternatives != nil {
		cp.Alternatives = make([]ScoredAgent, len(d.Alternatives))
		copy(cp.Alternatives, d.Alternatives)
	}
	return &cp
}
