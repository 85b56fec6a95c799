package mocks

import (
	"sync"
	"time"

	"github.com/BaSui01/agentroute/internal/ident"
)

// Clock 是手动推进的时钟，实现 ident.Clock。
// 所有方法并发安全；时间只在 Advance/Set 时变化。
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

var _ ident.Clock = (*Clock)(nil)

// NewClock 创建起始于 start 的手动时钟。
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now 返回当前时刻。
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Since 返回距 t 的间隔。
func (c *Clock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Advance 把时钟向前拨 d。
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set 把时钟拨到指定时刻。
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
