package karma

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentroute/internal/ident"
)

// BreakerState 熔断器状态。
type BreakerState int

const (
	// BreakerClosed 正常放行
	BreakerClosed BreakerState = iota
	// BreakerOpen 熔断中，直接拒绝
	BreakerOpen
	// BreakerHalfOpen 试探性放行少量请求
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// errBreakerOpen 熔断期间的短路错误，调用方直接按 Unavailable 处理。
var errBreakerOpen = errors.New("karma upstream circuit open")

type breakerConfig struct {
	threshold        int           // 连续失败多少次进入熔断
	resetTimeout     time.Duration // Open 转 HalfOpen 的等待时间
	halfOpenMaxCalls int           // 半开状态最多放行的试探数
}

func defaultBreakerConfig() breakerConfig {
	return breakerConfig{
		threshold:        5,
		resetTimeout:     30 * time.Second,
		halfOpenMaxCalls: 1,
	}
}

// breaker 三态熔断器。
// 只有瞬时故障计入失败；Permanent 是上游明确的拒绝，
// 不代表上游不健康，不触发熔断。
type breaker struct {
	cfg    breakerConfig
	clock  ident.Clock
	logger *zap.Logger

	mu            sync.Mutex
	state         BreakerState
	failures      int
	lastFailure   time.Time
	halfOpenCalls int
}

func newBreaker(cfg breakerConfig, clock ident.Clock, logger *zap.Logger) *breaker {
	if cfg.threshold <= 0 {
		cfg.threshold = 5
	}
	if cfg.resetTimeout <= 0 {
		cfg.resetTimeout = 30 * time.Second
	}
	if cfg.halfOpenMaxCalls <= 0 {
		cfg.halfOpenMaxCalls = 1
	}
	if clock == nil {
		clock = ident.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &breaker{cfg: cfg, clock: clock, logger: logger, state: BreakerClosed}
}

// allow 调用前检查，熔断中返回 errBreakerOpen。
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil

	case BreakerOpen:
		if b.clock.Now().Sub(b.lastFailure) > b.cfg.resetTimeout {
			b.setState(BreakerHalfOpen)
			b.halfOpenCalls = 1
			return nil
		}
		return errBreakerOpen

	case BreakerHalfOpen:
		if b.halfOpenCalls >= b.cfg.halfOpenMaxCalls {
			return errBreakerOpen
		}
		b.halfOpenCalls++
		return nil

	default:
		return errBreakerOpen
	}
}

// record 按一轮回源的最终结果推进状态机。
func (b *breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		switch b.state {
		case BreakerHalfOpen:
			b.logger.Info("karma circuit recovered")
			b.setState(BreakerClosed)
			b.halfOpenCalls = 0
		}
		b.failures = 0
		return
	}

	b.failures++
	b.lastFailure = b.clock.Now()

	switch b.state {
	case BreakerClosed:
		if b.failures >= b.cfg.threshold {
			b.logger.Warn("karma circuit opened",
				zap.Int("consecutive_failures", b.failures),
			)
			b.setState(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.logger.Warn("karma circuit reopened after failed probe")
		b.setState(BreakerOpen)
		b.halfOpenCalls = 0
	}
}

func (b *breaker) setState(s BreakerState) {
	b.state = s
}

func (b *breaker) currentState() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// reset 手动恢复到关闭状态。
func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.halfOpenCalls = 0
}
