// Package agentroute provides a top-level convenience entry point for
// assembling the adaptive routing core with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/agentroute"
//
//	rc, err := agentroute.New(agentroute.DefaultConfig(), agentroute.Options{})
//	rec, err := rc.Decide(ctx, &agentroute.Request{RequestID: "req-1", InputType: "text"})
//
// This is a thin wrapper around [core.New]; both produce identical results.
// Use this package when you prefer the shorter import path.
package agentroute

import (
	"github.com/BaSui01/agentroute/config"
	"github.com/BaSui01/agentroute/core"
	"github.com/BaSui01/agentroute/routing"
	"github.com/BaSui01/agentroute/types"
)

// Core is the assembled routing core. All methods are safe for concurrent use.
type Core = core.Core

// Options overrides selected core components. The zero value assembles
// everything from the configuration alone.
type Options = core.Options

// Snapshot is the aggregated health report returned by [Core.Health].
type Snapshot = core.Snapshot

// Config is the full runtime configuration tree.
type Config = config.Config

// Request describes a single routing request.
type Request = routing.Request

// Preferences carries optional per-request candidate filters.
type Preferences = routing.Preferences

// Agent describes a routable agent.
type Agent = types.Agent

// Capability declares one capability of an agent with its score threshold.
type Capability = types.Capability

// DecisionRecord is the durable record of one routing decision.
type DecisionRecord = types.DecisionRecord

// FeedbackEvent reports the observed outcome of a routed request.
type FeedbackEvent = types.FeedbackEvent

// New assembles a routing [Core] from cfg. The configuration is validated
// first; on any assembly failure the components built so far are rolled
// back and no core is handed out.
func New(cfg *Config, opts Options) (*Core, error) {
	return core.New(cfg, opts)
}

// Re-export the common knobs so callers never need to import config/ or types/.

// DefaultConfig returns the documented defaults. The result runs without a
// YAML file: file-backed decision log, signing disabled, reputation neutral.
var DefaultConfig = config.DefaultConfig

// FloatPtr returns a pointer to v, for optional feedback fields.
var FloatPtr = types.FloatPtr

// IntPtr returns a pointer to v, for optional feedback fields.
var IntPtr = types.IntPtr

// Routing strategies accepted in [Request].Strategy.
const (
	StrategyQLearning   = types.StrategyQLearning
	StrategyPerformance = types.StrategyPerformance
	StrategyRoundRobin  = types.StrategyRoundRobin
	StrategyRandom      = types.StrategyRandom
)

// Lifecycle states accepted in [Agent].Status.
const (
	AgentActive      = types.AgentActive
	AgentInactive    = types.AgentInactive
	AgentMaintenance = types.AgentMaintenance
)
