// Copyright (c) AgentRoute Authors.
// Licensed under the MIT License.

package feedback

import (
	"sync"

	"github.com/BaSui01/agentroute/types"
)

const defaultIndexCapacity = 10_000

// DecisionIndex 近期决策的有界索引。反馈按 decision_id 查找对应
// 决策记录；容量占满后按先进先出逐出最旧条目。每个条目携带结算
// 标记，对应的在途名额恰好释放一次：要么在首条被接受的反馈处，
// 要么在未结算条目被逐出时。记录不可变，Get 直接返回内部指针。
type DecisionIndex struct {
	mu     sync.RWMutex
	byID   map[string]*indexEntry
	order  []string
	next   int
	filled int
}

type indexEntry struct {
	rec     *types.DecisionRecord
	settled bool
}

// NewDecisionIndex 创建索引。capacity ≤ 0 时用缺省容量 10000。
func NewDecisionIndex(capacity int) *DecisionIndex {
	if capacity <= 0 {
		capacity = defaultIndexCapacity
	}
	return &DecisionIndex{
		byID:  make(map[string]*indexEntry, capacity),
		order: make([]string, capacity),
	}
}

// Put 登记一条决策。stored 表示是否占用了新槽位，nil 记录、空 ID
// 或同 ID 原位覆盖时为 false；evicted 是被挤出且尚未结算的旧记录，
// 没有则为 nil。
func (x *DecisionIndex) Put(rec *types.DecisionRecord) (stored bool, evicted *types.DecisionRecord) {
	if rec == nil || rec.DecisionID == "" {
		return false, nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	if e, ok := x.byID[rec.DecisionID]; ok {
		e.rec = rec
		return false, nil
	}

	if x.filled == len(x.order) {
		old := x.order[x.next]
		if e := x.byID[old]; e != nil && !e.settled {
			evicted = e.rec
		}
		delete(x.byID, old)
	} else {
		x.filled++
	}
	x.order[x.next] = rec.DecisionID
	x.next = (x.next + 1) % len(x.order)
	x.byID[rec.DecisionID] = &indexEntry{rec: rec}
	return true, evicted
}

// Get 按决策 ID 查找。
func (x *DecisionIndex) Get(decisionID string) (*types.DecisionRecord, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.byID[decisionID]
	if !ok {
		return nil, false
	}
	return e.rec, true
}

// Settle 标记决策已收到被接受的反馈，返回是否为首次结算。
// 未登记的 ID 返回 false。结算后的记录仍可被 Get 到，
// 同一决策的后续反馈照常查找与应用。
func (x *DecisionIndex) Settle(decisionID string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	e, ok := x.byID[decisionID]
	if !ok || e.settled {
		return false
	}
	e.settled = true
	return true
}

// Len 返回当前登记的决策数量。
func (x *DecisionIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.byID)
}
