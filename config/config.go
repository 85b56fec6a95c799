// =============================================================================
// 📦 AgentRoute 配置结构
// =============================================================================
// 平台所有可调参数的唯一定义处。配置在启动时一次性加载并校验，运行期只读；
// 评分权重的热更新通过 routing.WeightStore 原子交换完成，不走配置文件。
// =============================================================================
package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/BaSui01/agentroute/types"
)

// Config 是 AgentRoute 的完整配置结构
type Config struct {
	// Server 运维端点配置（/metrics、/healthz）
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Scoring 多因子评分配置
	Scoring ScoringConfig `yaml:"scoring" env:"SCORING"`

	// Learning Q-learning 配置
	Learning LearningConfig `yaml:"learning" env:"LEARNING"`

	// Karma 信誉客户端配置
	Karma KarmaConfig `yaml:"karma" env:"KARMA"`

	// STP 安全包络配置
	STP STPConfig `yaml:"stp" env:"STP"`

	// Bus 遥测总线配置
	Bus BusConfig `yaml:"bus" env:"BUS"`

	// Decisions 决策日志配置
	Decisions DecisionLogConfig `yaml:"decisions" env:"DECISIONS"`

	// Feedback 反馈处理配置
	Feedback FeedbackConfig `yaml:"feedback" env:"FEEDBACK"`

	// Agents 启动时预注册的 Agent 列表（可选，演示/静态拓扑场景）
	Agents []AgentSeedConfig `yaml:"agents" env:"-"`

	// Redis 缓存配置（karma 缓存与反馈幂等可选后端）
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 数据库配置（决策日志可选后端）
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 运维端点配置
type ServerConfig struct {
	// HTTP 端口（仅 /metrics 与 /healthz）
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// ScoringConfig 多因子评分配置
type ScoringConfig struct {
	// 规则匹配权重
	RuleWeight float64 `yaml:"rule_weight" env:"RULE_WEIGHT"`
	// 历史反馈权重
	FeedbackWeight float64 `yaml:"feedback_weight" env:"FEEDBACK_WEIGHT"`
	// 可用性权重
	AvailabilityWeight float64 `yaml:"availability_weight" env:"AVAILABILITY_WEIGHT"`
	// Karma 信誉权重
	KarmaWeight float64 `yaml:"karma_weight" env:"KARMA_WEIGHT"`
	// 置信度下界
	MinConfidence float64 `yaml:"min_confidence" env:"MIN_CONFIDENCE"`
	// 置信度上界
	MaxConfidence float64 `yaml:"max_confidence" env:"MAX_CONFIDENCE"`
	// 延迟归一化基准（毫秒）
	LatencyReferenceMS float64 `yaml:"latency_reference_ms" env:"LATENCY_REFERENCE_MS"`
	// 可用性软上限（单 Agent 在途请求数，低于此值可用性为 1.0）
	SoftCapInFlight int `yaml:"soft_cap_in_flight" env:"SOFT_CAP_IN_FLIGHT"`
	// 可用性硬上限（达到此值可用性为 0）
	HardCapInFlight int `yaml:"hard_cap_in_flight" env:"HARD_CAP_IN_FLIGHT"`
	// 决策记录保留的备选数量
	Alternatives int `yaml:"alternatives" env:"ALTERNATIVES"`
}

// Weights 返回评分权重视图
func (s ScoringConfig) Weights() (rule, feedback, availability, karma float64) {
	return s.RuleWeight, s.FeedbackWeight, s.AvailabilityWeight, s.KarmaWeight
}

// LearningConfig Q-learning 配置
type LearningConfig struct {
	// 初始探索率 ε
	EpsilonStart float64 `yaml:"epsilon_start" env:"EPSILON_START"`
	// ε 衰减系数（每次反馈乘一次）
	EpsilonDecay float64 `yaml:"epsilon_decay" env:"EPSILON_DECAY"`
	// ε 下限
	EpsilonMin float64 `yaml:"epsilon_min" env:"EPSILON_MIN"`
	// 学习率 α
	LearningRate float64 `yaml:"learning_rate" env:"LEARNING_RATE"`
	// 折扣因子 γ
	DiscountFactor float64 `yaml:"discount_factor" env:"DISCOUNT_FACTOR"`
	// 利用模式下置信度混合系数 β
	ConfidenceBlend float64 `yaml:"confidence_blend" env:"CONFIDENCE_BLEND"`
	// 脏写阈值（达到即持久化）
	SaveThreshold int `yaml:"save_threshold" env:"SAVE_THRESHOLD"`
	// 定时持久化间隔
	SaveInterval time.Duration `yaml:"save_interval" env:"SAVE_INTERVAL"`
	// Q 表快照路径
	StatePath string `yaml:"state_path" env:"STATE_PATH"`
}

// KarmaConfig 信誉客户端配置
type KarmaConfig struct {
	// 是否启用（禁用时评分使用中性先验）
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 上游信誉服务地址（留空则始终返回 Unavailable）
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
	// 奖励平滑是否混入 karma
	Smoothing bool `yaml:"smoothing" env:"SMOOTHING"`
	// 缓存有效期
	CacheTTL time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
	// 性能漂移失效阈值
	InvalidationThreshold float64 `yaml:"invalidation_threshold" env:"INVALIDATION_THRESHOLD"`
	// 性能观察窗口大小
	WindowSize int `yaml:"window_size" env:"WINDOW_SIZE"`
	// 窗口标准差上界（超过视为不稳定，缓存失效）
	WindowStddevBound float64 `yaml:"window_stddev_bound" env:"WINDOW_STDDEV_BOUND"`
	// 瞬时故障最大重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 重试初始退避
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" env:"RETRY_BASE_DELAY"`
	// 重试退避上限
	RetryMaxDelay time.Duration `yaml:"retry_max_delay" env:"RETRY_MAX_DELAY"`
	// 单次上游请求超时
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	// 使用 Redis 作为缓存后端（否则进程内）
	UseRedis bool `yaml:"use_redis" env:"USE_REDIS"`
}

// STPMode 校验模式
const (
	STPModeStrict  = "strict"
	STPModeLenient = "lenient"
)

// STPConfig 安全包络配置
type STPConfig struct {
	// 协议版本号（写入 stp_version 字段）
	Version string `yaml:"version" env:"VERSION"`
	// 令牌前缀
	TokenPrefix string `yaml:"token_prefix" env:"TOKEN_PREFIX"`
	// HMAC 签名密钥（启用签名时必填）
	SecretKey string `yaml:"secret_key" env:"SECRET_KEY"`
	// 是否启用签名
	SigningEnabled bool `yaml:"signing_enabled" env:"SIGNING_ENABLED"`
	// 校验模式: strict, lenient
	Mode string `yaml:"mode" env:"MODE"`
	// 时间漂移上限
	MaxDrift time.Duration `yaml:"max_drift" env:"MAX_DRIFT"`
	// 重放防护 nonce 容量
	ReplayCapacity int `yaml:"replay_capacity" env:"REPLAY_CAPACITY"`
	// nonce 持久化路径（留空则纯内存）
	NoncePath string `yaml:"nonce_path" env:"NONCE_PATH"`
}

// BusConfig 遥测总线配置
type BusConfig struct {
	// 环形缓冲区容量
	BufferSize int `yaml:"buffer_size" env:"BUFFER_SIZE"`
	// 单订阅者队列容量
	SubscriberQueue int `yaml:"subscriber_queue" env:"SUBSCRIBER_QUEUE"`
	// 单订阅者限速（消息/秒）
	RateLimit float64 `yaml:"rate_limit" env:"RATE_LIMIT"`
	// 限速突发容量
	RateBurst int `yaml:"rate_burst" env:"RATE_BURST"`
	// 包最大滞留时间（超过即视为过期，不再投递）
	MaxPacketAge time.Duration `yaml:"max_packet_age" env:"MAX_PACKET_AGE"`
	// 最大订阅者数量
	MaxSubscribers int `yaml:"max_subscribers" env:"MAX_SUBSCRIBERS"`
}

// DecisionLogConfig 决策日志配置
type DecisionLogConfig struct {
	// 后端: file, database
	Backend string `yaml:"backend" env:"BACKEND"`
	// 文件后端路径
	Path string `yaml:"path" env:"PATH"`
	// 保留天数
	RetentionDays int `yaml:"retention_days" env:"RETENTION_DAYS"`
	// 单次追加超时
	AppendTimeout time.Duration `yaml:"append_timeout" env:"APPEND_TIMEOUT"`
	// 过期清理间隔
	PruneInterval time.Duration `yaml:"prune_interval" env:"PRUNE_INTERVAL"`
}

// FeedbackConfig 反馈处理配置
type FeedbackConfig struct {
	// 异步工作协程数
	AsyncWorkers int `yaml:"async_workers" env:"ASYNC_WORKERS"`
	// 异步队列容量
	AsyncQueue int `yaml:"async_queue" env:"ASYNC_QUEUE"`
	// 幂等键有效期
	DedupTTL time.Duration `yaml:"dedup_ttl" env:"DEDUP_TTL"`
	// 使用 Redis 作为幂等后端（否则进程内）
	UseRedis bool `yaml:"use_redis" env:"USE_REDIS"`
	// 进程内保留的近期决策数量（反馈按 decision_id 查找）
	RecentDecisions int `yaml:"recent_decisions" env:"RECENT_DECISIONS"`
}

// AgentSeedConfig 启动时预注册的 Agent。只描述身份与能力，
// 运行期计数器由注册表自己维护。
type AgentSeedConfig struct {
	// Agent 标识
	ID string `yaml:"id"`
	// 展示名称
	Name string `yaml:"name"`
	// 类型标签: nlp, tts, vision 或自定义
	Type string `yaml:"type"`
	// 能力声明
	Capabilities []AgentCapabilityConfig `yaml:"capabilities"`
}

// AgentCapabilityConfig 单条能力声明
type AgentCapabilityConfig struct {
	// 能力名称
	Name string `yaml:"name"`
	// 接受的最低请求复杂度 [0,1]
	Threshold float64 `yaml:"threshold"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔍 配置校验
// =============================================================================

const weightSumTolerance = 1e-9

// Validate 校验配置，所有违例一次性收集返回。
// 返回的错误带 CONFIG_ERROR 错误码；启动期失败，运行期不再检查。
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "server: invalid HTTP port")
	}

	s := c.Scoring
	sum := s.RuleWeight + s.FeedbackWeight + s.AvailabilityWeight + s.KarmaWeight
	if math.Abs(sum-1.0) > weightSumTolerance {
		errs = append(errs, fmt.Sprintf("scoring: weights must sum to 1.0, got %v", sum))
	}
	for name, w := range map[string]float64{
		"rule_weight":         s.RuleWeight,
		"feedback_weight":     s.FeedbackWeight,
		"availability_weight": s.AvailabilityWeight,
		"karma_weight":        s.KarmaWeight,
	} {
		if w < 0 || math.IsNaN(w) {
			errs = append(errs, "scoring: "+name+" must be non-negative")
		}
	}
	if s.MinConfidence >= s.MaxConfidence {
		errs = append(errs, "scoring: min_confidence must be below max_confidence")
	}
	if s.MinConfidence <= 0 || s.MaxConfidence > 1.0 {
		errs = append(errs, "scoring: confidence bounds must sit in (0,1]")
	}
	if s.LatencyReferenceMS <= 0 {
		errs = append(errs, "scoring: latency_reference_ms must be positive")
	}
	if s.SoftCapInFlight <= 0 || s.HardCapInFlight <= s.SoftCapInFlight {
		errs = append(errs, "scoring: in-flight caps must satisfy 0 < soft < hard")
	}
	if s.Alternatives < 0 {
		errs = append(errs, "scoring: alternatives must be non-negative")
	}

	l := c.Learning
	if l.EpsilonStart < 0 || l.EpsilonStart > 1 {
		errs = append(errs, "learning: epsilon_start must sit in [0,1]")
	}
	if l.EpsilonDecay <= 0 || l.EpsilonDecay > 1 {
		errs = append(errs, "learning: epsilon_decay must sit in (0,1]")
	}
	if l.EpsilonMin < 0 || l.EpsilonMin > l.EpsilonStart {
		errs = append(errs, "learning: epsilon_min must sit in [0,epsilon_start]")
	}
	if l.LearningRate <= 0 || l.LearningRate > 1 {
		errs = append(errs, "learning: learning_rate must sit in (0,1]")
	}
	if l.DiscountFactor < 0 || l.DiscountFactor >= 1 {
		errs = append(errs, "learning: discount_factor must sit in [0,1)")
	}
	if l.SaveThreshold <= 0 {
		errs = append(errs, "learning: save_threshold must be positive")
	}
	if l.SaveInterval <= 0 {
		errs = append(errs, "learning: save_interval must be positive")
	}

	k := c.Karma
	if k.CacheTTL <= 0 {
		errs = append(errs, "karma: cache_ttl must be positive")
	}
	if k.InvalidationThreshold <= 0 || k.InvalidationThreshold > 1 {
		errs = append(errs, "karma: invalidation_threshold must sit in (0,1]")
	}
	if k.WindowSize <= 0 {
		errs = append(errs, "karma: window_size must be positive")
	}
	if k.MaxRetries < 0 {
		errs = append(errs, "karma: max_retries must be non-negative")
	}

	p := c.STP
	if p.Mode != STPModeStrict && p.Mode != STPModeLenient {
		errs = append(errs, "stp: mode must be strict or lenient")
	}
	if p.SigningEnabled && p.SecretKey == "" {
		errs = append(errs, "stp: signing enabled without secret_key")
	}
	if p.MaxDrift <= 0 {
		errs = append(errs, "stp: max_drift must be positive")
	}
	if p.ReplayCapacity <= 0 {
		errs = append(errs, "stp: replay_capacity must be positive")
	}
	if p.TokenPrefix == "" {
		errs = append(errs, "stp: token_prefix must not be empty")
	}

	b := c.Bus
	if b.BufferSize <= 0 || b.SubscriberQueue <= 0 {
		errs = append(errs, "bus: buffer and queue sizes must be positive")
	}
	if b.RateLimit <= 0 || b.RateBurst <= 0 {
		errs = append(errs, "bus: rate limit and burst must be positive")
	}
	if b.MaxSubscribers <= 0 {
		errs = append(errs, "bus: max_subscribers must be positive")
	}
	if b.MaxPacketAge <= 0 {
		errs = append(errs, "bus: max_packet_age must be positive")
	}

	d := c.Decisions
	if d.Backend != "file" && d.Backend != "database" {
		errs = append(errs, "decisions: backend must be file or database")
	}
	if d.Backend == "file" && d.Path == "" {
		errs = append(errs, "decisions: file backend needs a path")
	}
	if d.RetentionDays <= 0 {
		errs = append(errs, "decisions: retention_days must be positive")
	}
	if d.AppendTimeout <= 0 {
		errs = append(errs, "decisions: append_timeout must be positive")
	}

	f := c.Feedback
	if f.AsyncWorkers <= 0 || f.AsyncQueue <= 0 {
		errs = append(errs, "feedback: async workers and queue must be positive")
	}
	if f.RecentDecisions <= 0 {
		errs = append(errs, "feedback: recent_decisions must be positive")
	}

	for i, a := range c.Agents {
		if a.ID == "" || a.Name == "" || a.Type == "" {
			errs = append(errs, fmt.Sprintf("agents[%d]: id, name and type are all required", i))
		}
	}

	if len(errs) > 0 {
		return types.NewError(types.ErrConfig,
			"config validation errors: "+strings.Join(errs, "; "))
	}
	return nil
}
