package learning

import (
	"hash/fnv"
	"math"
	"sync"
	"sync/atomic"

	"github.com/BaSui01/agentroute/internal/metrics"
)

// =============================================================================
// 📊 分桶 Q 表
// =============================================================================

// bucketCount 分桶数量。按状态键哈希分桶，降低锁竞争。
const bucketCount = 32

// Table 表格型 Q 表。
//
// 同一状态的所有动作落在同一个桶里，桶内互斥锁保证单个
// (state, action) 的读改写线性一致，MaxForState 只扫一个桶。
type Table struct {
	buckets [bucketCount]*tableBucket
	entries atomic.Int64

	metrics *metrics.Collector
}

type tableBucket struct {
	mu     sync.RWMutex
	states map[string]map[string]float64
}

// NewTable 创建空 Q 表。
func NewTable(m *metrics.Collector) *Table {
	if m == nil {
		m = metrics.Nop()
	}
	t := &Table{metrics: m}
	for i := range t.buckets {
		t.buckets[i] = &tableBucket{states: make(map[string]map[string]float64)}
	}
	return t
}

func (t *Table) bucketFor(state string) *tableBucket {
	h := fnv.New32a()
	h.Write([]byte(state))
	return t.buckets[h.Sum32()%bucketCount]
}

// Get 返回 Q(state, action)，未知条目为 0。
func (t *Table) Get(state, action string) float64 {
	b := t.bucketFor(state)
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.states[state][action]
}

// Update 在桶锁内对 Q(state, action) 做读改写。fn 收到当前值
// （未知条目为 0），返回值经有限性净化后写回并返回。
func (t *Table) Update(state, action string, fn func(cur float64) float64) float64 {
	b := t.bucketFor(state)
	b.mu.Lock()
	defer b.mu.Unlock()

	actions, ok := b.states[state]
	if !ok {
		actions = make(map[string]float64)
		b.states[state] = actions
	}
	cur, existed := actions[action]

	v := fn(cur)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		t.metrics.RecordQSanitation()
		v = 0
	}
	actions[action] = v
	if !existed {
		t.entries.Add(1)
	}
	return v
}

// Set 直接写入 Q(state, action)，非法值置零并计数。
func (t *Table) Set(state, action string, v float64) float64 {
	return t.Update(state, action, func(float64) float64 { return v })
}

// MaxForState 返回 max_{a} Q(state, a)。状态无任何已知动作时为 0。
// 状态键自带版本标签，旧版本条目不会混进来。
func (t *Table) MaxForState(state string) float64 {
	b := t.bucketFor(state)
	b.mu.RLock()
	defer b.mu.RUnlock()

	actions, ok := b.states[state]
	if !ok || len(actions) == 0 {
		return 0
	}
	max := math.Inf(-1)
	for _, v := range actions {
		if v > max {
			max = v
		}
	}
	return max
}

// Len 返回 (state, action) 条目总数。
func (t *Table) Len() int {
	return int(t.entries.Load())
}

// Snapshot 返回全表深拷贝，供持久化序列化使用。拷贝逐桶持读锁，
// 不会长时间阻塞更新。
func (t *Table) Snapshot() map[string]map[string]float64 {
	out := make(map[string]map[string]float64)
	for _, b := range t.buckets {
		b.mu.RLock()
		for state, actions := range b.states {
			cp := make(map[string]float64, len(actions))
			for a, v := range actions {
				cp[a] = v
			}
			out[state] = cp
		}
		b.mu.RUnlock()
	}
	return out
}

// Replace 用快照整体替换表内容，载入时非法值照样净化。
func (t *Table) Replace(entries map[string]map[string]float64) {
	for _, b := range t.buckets {
		b.mu.Lock()
		b.states = make(map[string]map[string]float64)
		b.mu.Unlock()
	}
	t.entries.Store(0)

	for state, actions := range entries {
		for action, v := range actions {
			t.Set(state, action, v)
		}
	}
}
