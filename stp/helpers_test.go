package stp

import (
	"sync"
	"time"

	"github.com/BaSui01/agentroute/config"
	"github.com/BaSui01/agentroute/types"
)

// fakeClock 可手动拨动的时钟。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
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
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// noonUTC 返回整秒起点，漂移断言不受亚秒截断干扰。
func noonUTC() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func testSTPConfig() config.STPConfig {
	return config.STPConfig{
		Version:        "1.0",
		TokenPrefix:    "stp",
		Mode:           config.STPModeStrict,
		MaxDrift:       5 * time.Second,
		ReplayCapacity: 1000,
	}
}

type stubHealth struct {
	state types.HealthState
}

func (s stubHealth) HealthState() types.HealthState { return s.state }
