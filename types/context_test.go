package types

import (
	"context"
	"testing"
)

func TestContextHelpers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	ctx = WithRequestID(ctx, "req-1")
	if got, ok := RequestID(ctx); !ok || got != "req-1" {
		t.Fatalf("RequestID mismatch: %v %v", got, ok)
	}

	ctx = WithDecisionID(ctx, "dec-1")
	if got, ok := DecisionID(ctx); !ok || got != "dec-1" {
		t.Fatalf("DecisionID mismatch: %v %v", got, ok)
	}

	ctx = WithTraceID(ctx, "t1")
	if got, ok := TraceID(ctx); !ok || got != "t1" {
		t.Fatalf("TraceID mismatch: %v %v", got, ok)
	}

	if _, ok := RequestID(context.Background()); ok {
		t.Fatalf("empty context must not yield a request ID")
	}
}

func TestAgentClone_Isolation(t *testing.T) {
	t.Parallel()

	a := &Agent{
		ID:           "a1",
		Type:         AgentTypeNLP,
		Status:       AgentActive,
		Capabilities: []Capability{{Name: "nlp", Threshold: 0.4}},
	}
	cp := a.Clone()
	cp.Capabilities[0].Threshold = 0.9
	cp.Status = AgentMaintenance

	if a.Capabilities[0].Threshold != 0.4 {
		t.Fatalf("clone must not share capability backing array")
	}
	if a.Status != AgentActive {
		t.Fatalf("clone must not alias the original")
	}
}
