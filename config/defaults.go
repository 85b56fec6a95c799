// =============================================================================
// 📦 AgentRoute 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Scoring:   DefaultScoringConfig(),
		Learning:  DefaultLearningConfig(),
		Karma:     DefaultKarmaConfig(),
		STP:       DefaultSTPConfig(),
		Bus:       DefaultBusConfig(),
		Decisions: DefaultDecisionLogConfig(),
		Feedback:  DefaultFeedbackConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认运维端点配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultScoringConfig 返回默认评分配置
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		RuleWeight:         0.30,
		FeedbackWeight:     0.35,
		AvailabilityWeight: 0.20,
		KarmaWeight:        0.15,
		MinConfidence:      0.1,
		MaxConfidence:      1.0,
		LatencyReferenceMS: 1000,
		SoftCapInFlight:    8,
		HardCapInFlight:    32,
		Alternatives:       3,
	}
}

// DefaultLearningConfig 返回默认学习配置
func DefaultLearningConfig() LearningConfig {
	return LearningConfig{
		EpsilonStart:    0.1,
		EpsilonDecay:    0.995,
		EpsilonMin:      0.01,
		LearningRate:    0.1,
		DiscountFactor:  0.95,
		ConfidenceBlend: 1.0,
		SaveThreshold:   10,
		SaveInterval:    300 * time.Second,
		StatePath:       "data/qtable.json",
	}
}

// DefaultKarmaConfig 返回默认 karma 配置
func DefaultKarmaConfig() KarmaConfig {
	return KarmaConfig{
		Enabled:               true,
		Endpoint:              "",
		Smoothing:             true,
		CacheTTL:              60 * time.Second,
		InvalidationThreshold: 0.2,
		WindowSize:            10,
		WindowStddevBound:     0.25,
		MaxRetries:            3,
		RetryBaseDelay:        100 * time.Millisecond,
		RetryMaxDelay:         2 * time.Second,
		RequestTimeout:        2 * time.Second,
		UseRedis:              false,
	}
}

// DefaultSTPConfig 返回默认包络配置
func DefaultSTPConfig() STPConfig {
	return STPConfig{
		Version:        "1.0",
		TokenPrefix:    "stp",
		SecretKey:      "",
		SigningEnabled: false,
		Mode:           STPModeStrict,
		MaxDrift:       5 * time.Second,
		ReplayCapacity: 100_000,
		NoncePath:      "",
	}
}

// DefaultBusConfig 返回默认总线配置
func DefaultBusConfig() BusConfig {
	return BusConfig{
		BufferSize:      1000,
		SubscriberQueue: 256,
		RateLimit:       200,
		RateBurst:       200,
		MaxPacketAge:    10 * time.Second,
		MaxSubscribers:  100,
	}
}

// DefaultDecisionLogConfig 返回默认决策日志配置
func DefaultDecisionLogConfig() DecisionLogConfig {
	return DecisionLogConfig{
		Backend:       "file",
		Path:          "data/decisions.json",
		RetentionDays: 30,
		AppendTimeout: 2 * time.Second,
		PruneInterval: time.Hour,
	}
}

// DefaultFeedbackConfig 返回默认反馈配置
func DefaultFeedbackConfig() FeedbackConfig {
	return FeedbackConfig{
		AsyncWorkers:    4,
		AsyncQueue:      1024,
		DedupTTL:        24 * time.Hour,
		UseRedis:        false,
		RecentDecisions: 10_000,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "agentroute",
		Password:        "",
		Name:            "agentroute",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentroute",
		SampleRate:   0.1,
	}
}
