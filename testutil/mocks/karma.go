// ScriptedUpstream 是信誉上游的测试模拟实现。
//
// 支持按 Agent 预置分数、错误注入与调用计数。
package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/agentroute/types"
)

// ScriptedUpstream 实现 karma.Upstream，按剧本返回分数。
type ScriptedUpstream struct {
	mu sync.Mutex

	scores    map[string]float64
	fallback  float64
	err       error
	failAfter int // 第 N 次调用起返回 err，0 表示全程生效
	calls     int
	perAgent  map[string]int
}

// NewScriptedUpstream 创建模拟上游，未入剧本的 Agent 返回 fallback 分数。
func NewScriptedUpstream(fallback float64) *ScriptedUpstream {
	return &ScriptedUpstream{
		scores:   make(map[string]float64),
		fallback: fallback,
		perAgent: make(map[string]int),
	}
}

// SetScore 预置某个 Agent 的信誉分。
func (u *ScriptedUpstream) SetScore(agentID string, score float64) *ScriptedUpstream {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.scores[agentID] = score
	return u
}

// SetError 注入错误。afterCalls 为 0 时每次调用都失败，
// 否则前 afterCalls 次成功、之后失败。
func (u *ScriptedUpstream) SetError(err error, afterCalls int) *ScriptedUpstream {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.err = err
	u.failAfter = afterCalls
	return u
}

// Fetch 实现 karma.Upstream。
func (u *ScriptedUpstream) Fetch(_ context.Context, agentID string) (float64, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.calls++
	u.perAgent[agentID]++

	if u.err != nil && u.calls > u.failAfter {
		return 0, u.err
	}
	if score, ok := u.scores[agentID]; ok {
		return score, nil
	}
	return u.fallback, nil
}

// Calls 返回总调用次数。
func (u *ScriptedUpstream) Calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

// CallsFor 返回指定 Agent 的调用次数。
func (u *ScriptedUpstream) CallsFor(agentID string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.perAgent[agentID]
}

// DownUpstream 返回永远失败的上游，错误码 KARMA_UNAVAILABLE。
// 降级路径测试用。
func DownUpstream() *ScriptedUpstream {
	u := NewScriptedUpstream(0)
	u.err = types.NewError(types.ErrKarmaUnavailable, "scripted outage")
	return u
}
