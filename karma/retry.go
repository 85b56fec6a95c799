package karma

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentroute/config"
)

// RetryPolicy 瞬时故障的退避重试策略。
type RetryPolicy struct {
	MaxRetries int           // 首次之外的最大重试次数（0 表示不重试）
	BaseDelay  time.Duration // 初始退避
	MaxDelay   time.Duration // 退避上限
	Multiplier float64       // 指数倍增因子
	Jitter     bool          // 是否加 ±25% 随机抖动
	OnRetry    func(attempt int, err error, delay time.Duration)
}

func policyFromConfig(cfg config.KarmaConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Retrier 对信誉分抓取做指数退避重试。
// 只有 [Classify] 判为 Transient 的错误会进入下一轮，
// Permanent 立即返回，上下文取消随时终止等待。
type Retrier struct {
	policy RetryPolicy
	logger *zap.Logger
}

// NewRetrier 创建重试器，策略字段缺省时补默认值。
func NewRetrier(policy RetryPolicy, logger *zap.Logger) *Retrier {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 100 * time.Millisecond
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 2 * time.Second
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 2.0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{policy: policy, logger: logger}
}

// Do 执行抓取，瞬时失败按策略重试。
// 返回最后一次的错误；重试次数耗尽的错误带原因链。
func (r *Retrier) Do(ctx context.Context, fn func() (float64, error)) (float64, error) {
	var lastErr error

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.delay(attempt)

			r.logger.Debug("retrying karma fetch",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", r.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}

			select {
			case <-ctx.Done():
				return 0, fmt.Errorf("karma retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		score, err := fn()
		switch Classify(err) {
		case OutcomeOK:
			if attempt > 0 {
				r.logger.Debug("karma fetch recovered", zap.Int("attempt", attempt))
			}
			return score, nil
		case OutcomePermanent:
			return 0, err
		default:
			lastErr = err
		}
	}

	r.logger.Warn("karma retries exhausted",
		zap.Int("attempts", r.policy.MaxRetries+1),
		zap.Error(lastErr),
	)
	return 0, fmt.Errorf("karma fetch failed after %d attempts: %w", r.policy.MaxRetries+1, lastErr)
}

// delay 计算第 attempt 次重试前的等待时间。
func (r *Retrier) delay(attempt int) time.Duration {
	d := float64(r.policy.BaseDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))
	if d > float64(r.policy.MaxDelay) {
		d = float64(r.policy.MaxDelay)
	}

	// ±25% 抖动错开并发客户端的重试节奏
	if r.policy.Jitter {
		jitter := d * 0.25
		d = d + (rand.Float64()*2-1)*jitter
	}

	if d < float64(r.policy.BaseDelay) {
		d = float64(r.policy.BaseDelay)
	}
	return time.Duration(d)
}
