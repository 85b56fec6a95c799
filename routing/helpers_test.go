package routing

import (
	"context"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentroute/config"
	"github.com/BaSui01/agentroute/types"
)

// 测试共享的哑元与夹具。

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock(t time.Time) *fixedClock { return &fixedClock{now: t} }

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Since(t time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now.Sub(t)
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// morningUTC 固定在上午时段，状态编码的 time 桶稳定为 morning。
func morningUTC() time.Time {
	return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
}

type stubPolicy struct {
	eps float64
	q   map[string]float64 // action → Q，状态维度在引擎侧透传
}

func (p *stubPolicy) QValue(_, action string) float64 { return p.q[action] }
func (p *stubPolicy) Epsilon() float64                { return p.eps }

type stubKarma struct {
	scores      map[string]float64
	unavailable bool
	panicOn     string
}

func (k *stubKarma) Karma(_ context.Context, agentID string) (float64, bool) {
	if k.panicOn != "" && agentID == k.panicOn {
		panic("karma lookup exploded")
	}
	if k.unavailable {
		return 0, false
	}
	s, ok := k.scores[agentID]
	return s, ok
}

type memorySink struct {
	mu      sync.Mutex
	records []*types.DecisionRecord
	err     error
}

func (s *memorySink) Append(_ context.Context, rec *types.DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec.Clone())
	return nil
}

func (s *memorySink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type memoryEmitter struct {
	mu      sync.Mutex
	records []*types.DecisionRecord
	err     error
}

func (e *memoryEmitter) EmitDecision(_ context.Context, rec *types.DecisionRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.records = append(e.records, rec.Clone())
	return nil
}

func testScoringConfig() config.ScoringConfig {
	return config.ScoringConfig{
		RuleWeight:         0.30,
		FeedbackWeight:     0.35,
		AvailabilityWeight: 0.20,
		KarmaWeight:        0.15,
		MinConfidence:      0.1,
		MaxConfidence:      1.0,
		LatencyReferenceMS: 1000,
		SoftCapInFlight:    10,
		HardCapInFlight:    50,
		Alternatives:       3,
	}
}

func testWeights() Weights {
	return Weights{Rule: 0.30, Feedback: 0.35, Availability: 0.20, Karma: 0.15}
}

func nlpAgent(id string, successRate, performance float64) *types.Agent {
	return &types.Agent{
		ID:               id,
		Name:             "agent " + id,
		Type:             types.AgentTypeNLP,
		Status:           types.AgentActive,
		SuccessRate:      successRate,
		PerformanceScore: performance,
	}
}

// newTestEngine 组装一个全内存引擎。registry 里已注册 agents。
func newTestEngine(agents []*types.Agent, policy Policy, karma KarmaSource, opts func(*EngineConfig)) (*Engine, *Registry, error) {
	clock := newFixedClock(morningUTC())
	reg := NewRegistry(1000, clock, zap.NewNop())
	for _, a := range agents {
		if err := reg.Register(a); err != nil {
			return nil, nil, err
		}
	}
	weights, err := NewWeightStore(testWeights())
	if err != nil {
		return nil, nil, err
	}
	scorer, err := NewScorer(testScoringConfig(), weights, karma, nil, zap.NewNop())
	if err != nil {
		return nil, nil, err
	}
	cfg := EngineConfig{
		Registry:      reg,
		Scorer:        scorer,
		Encoder:       NewStateEncoder(testScoringConfig(), clock),
		Policy:        policy,
		Deterministic: true,
		Clock:         clock,
		Logger:        zap.NewNop(),
	}
	if opts != nil {
		opts(&cfg)
	}
	eng, err := NewEngine(cfg)
	if err != nil {
		return nil, nil, err
	}
	return eng, reg, nil
}

// explorePick 镜像确定性模式下探索分支的随机序列：先消耗一次
// Float64 做 ε 判定，再 Intn 选择下标。
func explorePick(requestID string, n int) int {
	h := fnv.New64a()
	h.Write([]byte(requestID))
	r := rand.New(rand.NewSource(int64(h.Sum64())))
	_ = r.Float64()
	return r.Intn(n)
}
