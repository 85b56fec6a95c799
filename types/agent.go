package types

import "time"

// =============================================================================
// Agent Model
// =============================================================================
// Agent is the routing-facing view of a registered worker: identity, the
// capability surface it advertises, and the rolling performance counters the
// scoring engine and the state encoder consume. It carries no execution
// logic; running a selected agent is the caller's concern.
// =============================================================================

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentActive      AgentStatus = "active"
	AgentInactive    AgentStatus = "inactive"
	AgentMaintenance AgentStatus = "maintenance"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentActive, AgentInactive, AgentMaintenance:
		return true
	}
	return false
}

// Well-known agent type tags. The set is open: custom tags route fine as
// long as requests and registrations agree on the string.
const (
	AgentTypeNLP    = "nlp"
	AgentTypeTTS    = "tts"
	AgentTypeVision = "vision"
	AgentTypeCustom = "custom"
)

// Capability is one advertised skill with the minimum request complexity
// the agent accepts for it, in [0,1].
type Capability struct {
	Name      string  `json:"name"`
	Threshold float64 `json:"threshold"`
}

// Agent describes a registered agent and its rolling performance view.
//
// Counter fields are owned by the registry; readers always receive copies
// (see Clone), so a snapshot never changes under the caller.
type Agent struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Type         string       `json:"type"`
	Status       AgentStatus  `json:"status"`
	Capabilities []Capability `json:"capabilities,omitempty"`

	// Rolling counters, updated only through the registry.
	TotalRequests      uint64  `json:"total_requests"`
	SuccessfulRequests uint64  `json:"successful_requests"`
	FailedRequests     uint64  `json:"failed_requests"`
	AvgLatencyMS       float64 `json:"avg_latency_ms"`   // EWMA, α=0.1
	SuccessRate        float64 `json:"success_rate"`     // successful/total, 0 when unobserved
	PerformanceScore   float64 `json:"performance_score"` // 0.5·rate + 0.5·latency term

	RegisteredAt time.Time `json:"registered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Clone returns a deep copy safe to hand across goroutines.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	cp := *a
	if a.Capabilities != nil {
		cp.Capabilities = make([]Capability, len(a.Capabilities))
		copy(cp.Capabilities, a.Capabilities)
	}
	return &cp
}

// Capability returns the named capability and whether it is advertised.
func (a *Agent) Capability(name string) (Capability, bool) {
	for _, c := range a.Capabilities {
		if c.Name == name {
			return c, true
		}
	}
	return Capability{}, false
}
