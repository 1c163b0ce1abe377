// =============================================================================
// 📦 KBRetrieval 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Retrieval: DefaultRetrievalConfig(),
		Planner:   DefaultPlannerConfig(),
		Rerank:    DefaultRerankConfig(),
		Embedding: DefaultEmbeddingConfig(),
		LLM:       DefaultLLMConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Metrics:   DefaultMetricsConfig(),
	}
}

// DefaultRetrievalConfig 返回默认检索配置
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		K:                   8,
		FetchK:              40,
		RRFK:                60,
		VectorWeight:        1.0,
		FTSWeight:           1.0,
		HybridRPCEnabled:    true,
		HybridCompatReprobe: 0,
		StrictSourceDocs:    false,
		SourceDocLimit:      500,
		GraphEnabled:        true,
		GraphMaxHops:        2,
		GraphDecay:          0.8,
		GraphLimit:          10,
		MaxParallelBranches: 4,
		BranchTimeout:       20 * time.Second,
		EngineMode:          "hybrid",
		ScopePenaltyFactor:  0.25,
		StrictScopeFilter:   false,
		ClauseRelaxation:    true,
		TraceEnabled:        false,
	}
}

// DefaultPlannerConfig 返回默认规划器配置
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		Enabled:             true,
		Timeout:             8 * time.Second,
		MultihopTolerance:   0.35,
		MaxSubQueries:       4,
		SimpleQueryMaxChars: 90,
		SubQueryMaxChars:    240,
		Temperature:         0,
	}
}

// DefaultRerankConfig 返回默认重排配置
func DefaultRerankConfig() RerankConfig {
	return RerankConfig{
		Mode:                "none",
		Provider:            "jina",
		MaxCandidates:       30,
		Timeout:             10 * time.Second,
		RequestsPerSecond:   0,
		Burst:               1,
		BreakerThreshold:    5,
		BreakerResetTimeout: time.Minute,
	}
}

// DefaultEmbeddingConfig 返回默认 Embedding 配置
func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		Provider:   "jina",
		Model:      "jina-embeddings-v3",
		Dimensions: 1024,
		Timeout:    30 * time.Second,
		CacheSize:  512,
		CacheTTL:   10 * time.Minute,
	}
}

// DefaultLLMConfig 返回默认 LLM 配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		BaseURL:    "https://api.openai.com",
		Model:      "gpt-4o-mini",
		Timeout:    30 * time.Second,
		MaxRetries: 1,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		KeyPrefix:    "kbretrieval:",
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:              "postgres",
		Host:                "localhost",
		Port:                5432,
		User:                "kbretrieval",
		Name:                "kbretrieval",
		SSLMode:             "disable",
		MaxOpenConns:        25,
		MaxIdleConns:        5,
		ConnMaxLifetime:     5 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
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
		ServiceName:  "kbretrieval",
		SampleRate:   0.1,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{Namespace: "kbretrieval"}
}
