// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Decision outcome labels.
const (
	OutcomeSelected   = "selected"
	OutcomeNoAgent    = "no_eligible_agent"
	OutcomeError      = "error"
	ModeExplore       = "explore"
	ModeExploit       = "exploit"
	ModeNotApplicable = "n/a"
)

// Collector 指标收集器
type Collector struct {
	// 决策指标
	decisionsTotal     *prometheus.CounterVec
	decisionDuration   *prometheus.HistogramVec
	decisionCandidates prometheus.Histogram
	scoringSanitations *prometheus.CounterVec

	// 学习指标
	qSanitations prometheus.Counter
	epsilon      prometheus.Gauge
	qTableSize   prometheus.Gauge
	savesTotal   *prometheus.CounterVec

	// 反馈指标
	feedbackTotal *prometheus.CounterVec

	// karma 指标
	karmaCacheHits   prometheus.Counter
	karmaCacheMisses prometheus.Counter
	karmaFetches     *prometheus.CounterVec
	karmaRetries     prometheus.Counter

	// 包络指标
	stpPackets   *prometheus.CounterVec
	stpFallbacks prometheus.Counter

	// 总线指标
	busPublished   prometheus.Counter
	busDelivered   prometheus.Counter
	busDropped     *prometheus.CounterVec
	busSubscribers prometheus.Gauge

	// 决策日志指标
	logAppends *prometheus.CounterVec
	logPrunes  prometheus.Counter

	// 吞掉的发射失败（日志/总线均不阻断决策）
	emissionFailures *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器。
// reg 由调用方注入：生产用 prometheus.DefaultRegisterer，测试用独立 Registry。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 决策指标
	c.decisionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total number of routing decisions",
		},
		[]string{"strategy", "mode", "outcome"},
	)

	c.decisionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_duration_seconds",
			Help:      "Routing decision duration in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"strategy"},
	)

	c.decisionCandidates = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_candidates",
			Help:      "Number of eligible candidates per decision",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21, 34},
		},
	)

	c.scoringSanitations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scoring_sanitations_total",
			Help:      "Raw scores repaired during normalization",
		},
		[]string{"reason"}, // nan, pos_inf, neg_inf, sigmoid, clamp
	)

	// 学习指标
	c.qSanitations = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "q_sanitations_total",
			Help:      "Non-finite Q values replaced with zero",
		},
	)

	c.epsilon = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "exploration_epsilon",
			Help:      "Current exploration rate",
		},
	)

	c.qTableSize = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "q_table_entries",
			Help:      "Number of state-action entries in the Q table",
		},
	)

	c.savesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "q_table_saves_total",
			Help:      "Q table persistence attempts",
		},
		[]string{"trigger", "result"}, // trigger: threshold, interval, forced, shutdown
	)

	// 反馈指标
	c.feedbackTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_events_total",
			Help:      "Feedback events by processing result",
		},
		[]string{"result"}, // applied, duplicate, unknown_decision, rejected
	)

	// karma 指标
	c.karmaCacheHits = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "karma_cache_hits_total",
			Help:      "Karma score served from cache",
		},
	)

	c.karmaCacheMisses = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "karma_cache_misses_total",
			Help:      "Karma score cache misses",
		},
	)

	c.karmaFetches = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "karma_fetches_total",
			Help:      "Karma upstream fetches by outcome",
		},
		[]string{"outcome"}, // ok, transient, permanent, breaker_open
	)

	c.karmaRetries = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "karma_fetch_retries_total",
			Help:      "Karma upstream fetch retry attempts",
		},
	)

	// 包络指标
	c.stpPackets = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stp_packets_total",
			Help:      "Envelope operations by result",
		},
		[]string{"op", "result"}, // op: wrap, unwrap
	)

	c.stpFallbacks = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stp_fallback_packets_total",
			Help:      "Minimal fallback packets built after wrap failures",
		},
	)

	// 总线指标
	c.busPublished = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_published_total",
			Help:      "Packets accepted by the telemetry bus",
		},
	)

	c.busDelivered = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_delivered_total",
			Help:      "Packets handed to subscriber queues",
		},
	)

	c.busDropped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_dropped_total",
			Help:      "Packets not delivered to a subscriber",
		},
		[]string{"reason"}, // queue_full, rate_limited, stale
	)

	c.busSubscribers = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bus_subscribers",
			Help:      "Live telemetry subscribers",
		},
	)

	// 决策日志指标
	c.logAppends = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_log_appends_total",
			Help:      "Decision log append attempts",
		},
		[]string{"backend", "result"},
	)

	c.logPrunes = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_log_prunes_total",
			Help:      "Decision log retention prune runs",
		},
	)

	c.emissionFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emission_failures_total",
			Help:      "Best-effort emissions that failed and were swallowed",
		},
		[]string{"kind"}, // decision_log, bus, alert
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// Nop returns a collector registered against a throwaway registry, for tests
// and for components constructed without metrics wiring.
func Nop() *Collector {
	return NewCollector("agentroute_test", prometheus.NewRegistry(), zap.NewNop())
}

// =============================================================================
// 🎯 决策指标记录
// =============================================================================

// RecordDecision 记录一次路由决策
func (c *Collector) RecordDecision(strategy, mode, outcome string, candidates int, duration time.Duration) {
	c.decisionsTotal.WithLabelValues(strategy, mode, outcome).Inc()
	c.decisionDuration.WithLabelValues(strategy).Observe(duration.Seconds())
	c.decisionCandidates.Observe(float64(candidates))
}

// RecordScoringSanitation 记录一次评分修复
func (c *Collector) RecordScoringSanitation(reason string) {
	c.scoringSanitations.WithLabelValues(reason).Inc()
}

// =============================================================================
// 🧠 学习指标记录
// =============================================================================

// RecordQSanitation 记录一次 Q 值修复
func (c *Collector) RecordQSanitation() {
	c.qSanitations.Inc()
}

// SetEpsilon 更新当前探索率
func (c *Collector) SetEpsilon(eps float64) {
	c.epsilon.Set(eps)
}

// SetQTableSize 更新 Q 表条目数
func (c *Collector) SetQTableSize(n int) {
	c.qTableSize.Set(float64(n))
}

// RecordSave 记录一次 Q 表持久化
func (c *Collector) RecordSave(trigger, result string) {
	c.savesTotal.WithLabelValues(trigger, result).Inc()
}

// RecordFeedback 记录一次反馈处理
func (c *Collector) RecordFeedback(result string) {
	c.feedbackTotal.WithLabelValues(result).Inc()
}

// =============================================================================
// 🔮 karma 指标记录
// =============================================================================

// RecordKarmaCacheHit 记录 karma 缓存命中
func (c *Collector) RecordKarmaCacheHit() { c.karmaCacheHits.Inc() }

// RecordKarmaCacheMiss 记录 karma 缓存未命中
func (c *Collector) RecordKarmaCacheMiss() { c.karmaCacheMisses.Inc() }

// RecordKarmaFetch 记录 karma 上游请求结果
func (c *Collector) RecordKarmaFetch(outcome string) {
	c.karmaFetches.WithLabelValues(outcome).Inc()
}

// RecordKarmaRetry 记录 karma 重试
func (c *Collector) RecordKarmaRetry() { c.karmaRetries.Inc() }

// =============================================================================
// ✉️ 包络指标记录
// =============================================================================

// RecordSTP 记录一次包络操作
func (c *Collector) RecordSTP(op, result string) {
	c.stpPackets.WithLabelValues(op, result).Inc()
}

// RecordSTPFallback 记录一次降级包
func (c *Collector) RecordSTPFallback() { c.stpFallbacks.Inc() }

// =============================================================================
// 📡 总线指标记录
// =============================================================================

// RecordBusPublish 记录一次发布
func (c *Collector) RecordBusPublish() { c.busPublished.Inc() }

// RecordBusDelivery 记录一次投递
func (c *Collector) RecordBusDelivery() { c.busDelivered.Inc() }

// RecordBusDrop 记录一次丢弃
func (c *Collector) RecordBusDrop(reason string) {
	c.busDropped.WithLabelValues(reason).Inc()
}

// SetBusSubscribers 更新订阅者数量
func (c *Collector) SetBusSubscribers(n int) {
	c.busSubscribers.Set(float64(n))
}

// =============================================================================
// 🗄️ 决策日志指标记录
// =============================================================================

// RecordLogAppend 记录一次日志追加
func (c *Collector) RecordLogAppend(backend, result string) {
	c.logAppends.WithLabelValues(backend, result).Inc()
}

// RecordLogPrune 记录一次保留期清理
func (c *Collector) RecordLogPrune() { c.logPrunes.Inc() }

// RecordEmissionFailure 记录一次被吞掉的发射失败
func (c *Collector) RecordEmissionFailure(kind string) {
	c.emissionFailures.WithLabelValues(kind).Inc()
}
