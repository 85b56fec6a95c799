package feedback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentroute/config"
	"github.com/BaSui01/agentroute/learning"
	"github.com/BaSui01/agentroute/routing"
	"github.com/BaSui01/agentroute/types"
)

// fakeClock 可手动步进的时钟。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// karmaObservation 一次性能观察调用的记录。
type karmaObservation struct {
	agentID string
	score   float64
}

// fakeKarma 记录观察调用的信誉源，同时实现处理器的 KarmaObserver
// 与学习器的 CachedKarma。onObserve 钩子在锁外执行，可改缓存或阻塞。
type fakeKarma struct {
	mu        sync.Mutex
	cached    map[string]float64
	observed  []karmaObservation
	onObserve func(k *fakeKarma, agentID string, score float64)
}

func newFakeKarma() *fakeKarma {
	return &fakeKarma{cached: make(map[string]float64)}
}

func (k *fakeKarma) set(agentID string, score float64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.cached[agentID] = score
}

func (k *fakeKarma) Cached(agentID string) (float64, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.cached[agentID]
	return v, ok
}

func (k *fakeKarma) ObservePerformance(_ context.Context, agentID string, score float64) {
	k.mu.Lock()
	k.observed = append(k.observed, karmaObservation{agentID: agentID, score: score})
	hook := k.onObserve
	k.mu.Unlock()
	if hook != nil {
		hook(k, agentID, score)
	}
}

func (k *fakeKarma) observations() []karmaObservation {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]karmaObservation(nil), k.observed...)
}

// captureEmitter 收集发射的策略更新，err 非空时只计尝试不收包。
type captureEmitter struct {
	mu       sync.Mutex
	updates  []*PolicyUpdate
	attempts int
	err      error
}

func (e *captureEmitter) EmitPolicyUpdate(_ context.Context, upd *PolicyUpdate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempts++
	if e.err != nil {
		return e.err
	}
	e.updates = append(e.updates, upd)
	return nil
}

func (e *captureEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.updates)
}

func (e *captureEmitter) attemptCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts
}

func (e *captureEmitter) last() *PolicyUpdate {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.updates) == 0 {
		return nil
	}
	return e.updates[len(e.updates)-1]
}

// brokenDeduper 后端永远故障，fail-open 路径测试用。
type brokenDeduper struct{}

var errDedupeDown = errors.New("dedupe backend down")

func (brokenDeduper) Claim(context.Context, string) (bool, error) { return false, errDedupeDown }
func (brokenDeduper) Close() error                                { return nil }

func testLearningConfig() config.LearningConfig {
	return config.LearningConfig{
		EpsilonStart:   0.1,
		EpsilonDecay:   0.995,
		EpsilonMin:     0.01,
		LearningRate:   0.1,
		DiscountFactor: 0.95,
	}
}

func testScoringConfig() config.ScoringConfig {
	return config.ScoringConfig{
		SoftCapInFlight: 10,
		HardCapInFlight: 50,
	}
}

// testRig 一套装配好的处理器与其全部协作者。
type testRig struct {
	processor *Processor
	registry  *routing.Registry
	table     *learning.Table
	updater   *learning.Updater
	encoder   *routing.StateEncoder
	karma     *fakeKarma
	emitter   *captureEmitter
	clock     *fakeClock
}

type rigOption func(*ProcessorConfig)

// newTestRig 装配处理器。karma 既喂给处理器也喂给学习器的平滑，
// 与装配层的接线一致。
func newTestRig(opts ...rigOption) *testRig {
	// 2024-05-10 09:00 UTC，时段档位落在 morning
	clock := newFakeClock(time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC))
	registry := routing.NewRegistry(1000, clock, zap.NewNop())
	table := learning.NewTable(nil)
	karma := newFakeKarma()
	updater, err := learning.NewUpdater(testLearningConfig(), table, karma, nil, nil, nil)
	if err != nil {
		panic(err)
	}
	encoder := routing.NewStateEncoder(testScoringConfig(), clock)
	emitter := &captureEmitter{}

	cfg := ProcessorConfig{
		Registry: registry,
		Updater:  updater,
		Encoder:  encoder,
		Karma:    karma,
		Emitter:  emitter,
		Clock:    clock,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	p, err := NewProcessor(cfg)
	if err != nil {
		panic(err)
	}
	return &testRig{
		processor: p,
		registry:  registry,
		table:     table,
		updater:   updater,
		encoder:   encoder,
		karma:     karma,
		emitter:   emitter,
		clock:     clock,
	}
}

// seedDecision 注册 Agent 并登记一条指向它的决策。
func (r *testRig) seedDecision(decisionID, agentID, state string) *types.DecisionRecord {
	_ = r.registry.Register(&types.Agent{ID: agentID, Name: agentID, Type: "nlp"})
	rec := &types.DecisionRecord{
		DecisionID: decisionID,
		RequestID:  "req-1",
		InputType:  "text",
		Timestamp:  r.clock.Now(),
		AgentID:    agentID,
		Confidence: 0.9,
		State:      state,
		Strategy:   types.StrategyQLearning,
	}
	r.processor.ObserveDecision(rec)
	return rec
}

func positiveFeedback(eventID, decisionID string) *types.FeedbackEvent {
	return &types.FeedbackEvent{
		EventID:      eventID,
		DecisionID:   decisionID,
		Success:      true,
		LatencyMS:    120,
		Accuracy:     types.FloatPtr(0.9),
		Satisfaction: types.IntPtr(4),
		Timestamp:    time.Date(2024, 5, 10, 9, 1, 0, 0, time.UTC),
	}
}

func decID(i int) string { return fmt.Sprintf("dec-%03d", i) }

func evtID(i int) string { return fmt.Sprintf("evt-%03d", i) }
