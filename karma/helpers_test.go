package karma

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/agentroute/config"
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

// fakeUpstream 按脚本应答的上游。
// errs 逐次弹出，弹完之后一律返回 score。
type fakeUpstream struct {
	mu    sync.Mutex
	score float64
	errs  []error
	calls atomic.Int64

	// 设置后 Fetch 会阻塞到 release 关闭，singleflight 测试用
	release chan struct{}
}

func (u *fakeUpstream) Fetch(_ context.Context, _ string) (float64, error) {
	u.calls.Add(1)
	if u.release != nil {
		<-u.release
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.errs) > 0 {
		err := u.errs[0]
		u.errs = u.errs[1:]
		return 0, err
	}
	return u.score, nil
}

func (u *fakeUpstream) callCount() int64 { return u.calls.Load() }

// failingUpstream 永远失败的上游。
type failingUpstream struct {
	err   error
	calls atomic.Int64
}

func (u *failingUpstream) Fetch(_ context.Context, _ string) (float64, error) {
	u.calls.Add(1)
	return 0, u.err
}

// fakePerf 可变的性能分来源。
type fakePerf struct {
	mu     sync.Mutex
	scores map[string]float64
}

func newFakePerf() *fakePerf {
	return &fakePerf{scores: make(map[string]float64)}
}

func (p *fakePerf) set(agentID string, score float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scores[agentID] = score
}

func (p *fakePerf) PerformanceScore(agentID string) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.scores[agentID]
	return s, ok
}

// brokenStore 后端永远故障，fail-open 路径测试用。
type brokenStore struct{}

var errStoreDown = errors.New("store down")

func (brokenStore) Get(context.Context, string) (Entry, bool, error) {
	return Entry{}, false, errStoreDown
}
func (brokenStore) Put(context.Context, string, Entry) error { return errStoreDown }
func (brokenStore) Delete(context.Context, ...string) error  { return errStoreDown }
func (brokenStore) Flush(context.Context) error              { return errStoreDown }
func (brokenStore) Close() error                             { return nil }

// testKarmaConfig 退避压到毫秒级，测试不用干等。
func testKarmaConfig() config.KarmaConfig {
	return config.KarmaConfig{
		Enabled:               true,
		Smoothing:             true,
		CacheTTL:              60 * time.Second,
		InvalidationThreshold: 0.2,
		WindowSize:            10,
		WindowStddevBound:     0.25,
		MaxRetries:            3,
		RetryBaseDelay:        time.Millisecond,
		RetryMaxDelay:         5 * time.Millisecond,
		RequestTimeout:        time.Second,
	}
}

func newTestClient(cfg config.KarmaConfig, up Upstream, perf PerformanceSource, clock *fakeClock) *Client {
	store := NewMemoryStore(cfg.CacheTTL)
	c, err := NewClient(cfg, store, up, perf, clock, nil, nil)
	if err != nil {
		panic(err)
	}
	return c
}
