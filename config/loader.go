// =============================================================================
// 📦 KBRetrieval 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + .env 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithDotEnv(".env").
//	    WithEnvPrefix("KBRETRIEVAL").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → .env 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/kbretrieval/types"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 KBRetrieval 的完整配置结构
type Config struct {
	// Retrieval 检索引擎与 broker 配置
	Retrieval RetrievalConfig `yaml:"retrieval" env:"RETRIEVAL"`

	// Planner 查询分解配置
	Planner PlannerConfig `yaml:"planner" env:"PLANNER"`

	// Rerank 重排配置
	Rerank RerankConfig `yaml:"rerank" env:"RERANK"`

	// Embedding 查询向量化配置
	Embedding EmbeddingConfig `yaml:"embedding" env:"EMBEDDING"`

	// LLM 规划器使用的 chat completion 配置
	LLM LLMConfig `yaml:"llm" env:"LLM"`

	// Redis 可选的二级 embedding 缓存
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 检索存储
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Metrics 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// RetrievalConfig 检索配置
type RetrievalConfig struct {
	// 最终返回条数
	K int `yaml:"k" env:"K"`
	// 单路召回条数
	FetchK int `yaml:"fetch_k" env:"FETCH_K"`
	// RRF 常数 K
	RRFK int `yaml:"rrf_k" env:"RRF_K"`
	// 向量列表权重
	VectorWeight float64 `yaml:"vector_weight" env:"VECTOR_WEIGHT"`
	// 全文列表权重
	FTSWeight float64 `yaml:"fts_weight" env:"FTS_WEIGHT"`
	// 是否尝试服务端融合检索
	HybridRPCEnabled bool `yaml:"hybrid_rpc_enabled" env:"HYBRID_RPC_ENABLED"`
	// 兼容模式重新探测间隔，0 表示永久保持
	HybridCompatReprobe time.Duration `yaml:"hybrid_compat_reprobe" env:"HYBRID_COMPAT_REPROBE"`
	// 严格模式：丢弃 metadata 与标准不匹配的源文档
	StrictSourceDocs bool `yaml:"strict_source_docs" env:"STRICT_SOURCE_DOCS"`
	// 源文档全集上限
	SourceDocLimit int `yaml:"source_doc_limit" env:"SOURCE_DOC_LIMIT"`
	// 是否启用图谱扩展
	GraphEnabled bool `yaml:"graph_enabled" env:"GRAPH_ENABLED"`
	// 图谱最大跳数
	GraphMaxHops int `yaml:"graph_max_hops" env:"GRAPH_MAX_HOPS"`
	// 每跳衰减系数
	GraphDecay float64 `yaml:"graph_decay" env:"GRAPH_DECAY"`
	// 图谱召回条数
	GraphLimit int `yaml:"graph_limit" env:"GRAPH_LIMIT"`
	// 并行分支上限
	MaxParallelBranches int `yaml:"max_parallel_branches" env:"MAX_PARALLEL_BRANCHES"`
	// 单分支超时
	BranchTimeout time.Duration `yaml:"branch_timeout" env:"BRANCH_TIMEOUT"`
	// 引擎模式: atomic, hybrid
	EngineMode string `yaml:"engine_mode" env:"ENGINE_MODE"`
	// 范围惩罚系数 [0,1]
	ScopePenaltyFactor float64 `yaml:"scope_penalty_factor" env:"SCOPE_PENALTY_FACTOR"`
	// 惩罚后是否硬过滤
	StrictScopeFilter bool `yaml:"strict_scope_filter" env:"STRICT_SCOPE_FILTER"`
	// 条款过滤无结果时放宽重试
	ClauseRelaxation bool `yaml:"clause_relaxation" env:"CLAUSE_RELAXATION"`
	// 是否默认返回诊断 trace
	TraceEnabled bool `yaml:"trace_enabled" env:"TRACE_ENABLED"`
}

// PlannerConfig 规划器配置
type PlannerConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// LLM 调用超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 多跳容忍度
	MultihopTolerance float64 `yaml:"multihop_tolerance" env:"MULTIHOP_TOLERANCE"`
	// 子查询上限
	MaxSubQueries int `yaml:"max_sub_queries" env:"MAX_SUB_QUERIES"`
	// 简单查询长度阈值（字符）
	SimpleQueryMaxChars int `yaml:"simple_query_max_chars" env:"SIMPLE_QUERY_MAX_CHARS"`
	// 确定性回退子查询最大长度
	SubQueryMaxChars int `yaml:"sub_query_max_chars" env:"SUB_QUERY_MAX_CHARS"`
	// 温度参数
	Temperature float32 `yaml:"temperature" env:"TEMPERATURE"`
}

// RerankConfig 重排配置
type RerankConfig struct {
	// 模式: none, local, jina, cohere, hybrid
	Mode string `yaml:"mode" env:"MODE"`
	// hybrid 模式下的外部 provider: jina, cohere
	Provider string `yaml:"provider" env:"PROVIDER"`
	// API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 基础 URL（可选）
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 模型
	Model string `yaml:"model" env:"MODEL"`
	// 发送给外部 reranker 的候选上限
	MaxCandidates int `yaml:"max_candidates" env:"MAX_CANDIDATES"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 每秒请求数限制，0 表示不限
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
	// 突发请求数
	Burst int `yaml:"burst" env:"BURST"`
	// 连续失败多少次后熔断外部 reranker，0 表示不熔断
	BreakerThreshold int `yaml:"breaker_threshold" env:"BREAKER_THRESHOLD"`
	// 熔断恢复等待时间
	BreakerResetTimeout time.Duration `yaml:"breaker_reset_timeout" env:"BREAKER_RESET_TIMEOUT"`
}

// EmbeddingConfig Embedding 配置
type EmbeddingConfig struct {
	// Provider: jina, openai, local
	Provider string `yaml:"provider" env:"PROVIDER"`
	// API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 基础 URL（可选）
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 模型
	Model string `yaml:"model" env:"MODEL"`
	// 向量维度
	Dimensions int `yaml:"dimensions" env:"DIMENSIONS"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 本地 ONNX 模型目录（provider=local）
	ModelPath string `yaml:"model_path" env:"MODEL_PATH"`
	// 查询向量缓存容量
	CacheSize int `yaml:"cache_size" env:"CACHE_SIZE"`
	// 查询向量缓存 TTL
	CacheTTL time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
}

// LLMConfig LLM 配置
type LLMConfig struct {
	// API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 基础 URL（OpenAI 兼容）
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 模型
	Model string `yaml:"model" env:"MODEL"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 可重试错误的最大重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 是否启用二级缓存
	Enabled bool `yaml:"enabled" env:"ENABLED"`
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
	// key 前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 是否使用 TLS
	TLS bool `yaml:"tls" env:"TLS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, memory
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
	// 健康检查间隔
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
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

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	// 指标命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	dotEnvPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "KBRETRIEVAL",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithDotEnv 设置 .env 文件路径；进程环境变量优先于文件中的值
func (l *Loader) WithDotEnv(path string) *Loader {
	l.dotEnvPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → .env 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	lookup, err := l.envLookup()
	if err != nil {
		return nil, fmt.Errorf("failed to load dotenv file: %w", err)
	}

	if err := setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix, lookup); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// envLookup 返回环境变量查找函数。.env 文件不会写入进程环境。
func (l *Loader) envLookup() (func(string) string, error) {
	if l.dotEnvPath == "" {
		return os.Getenv, nil
	}

	fileEnv, err := godotenv.Read(l.dotEnvPath)
	if err != nil {
		if os.IsNotExist(err) {
			return os.Getenv, nil
		}
		return nil, err
	}

	return func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return fileEnv[key]
	}, nil
}

// setFieldsFromEnv 递归设置结构体字段
func setFieldsFromEnv(v reflect.Value, prefix string, lookup func(string) string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey, lookup); err != nil {
				return err
			}
			continue
		}

		envValue := lookup(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// time.Duration 按 "10s" 形式解析
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	r := c.Retrieval
	if r.K <= 0 {
		errs = append(errs, "retrieval.k must be positive")
	}
	if r.FetchK < r.K {
		errs = append(errs, "retrieval.fetch_k must be >= retrieval.k")
	}
	if r.RRFK <= 0 {
		errs = append(errs, "retrieval.rrf_k must be positive")
	}
	if r.VectorWeight < 0 || r.FTSWeight < 0 {
		errs = append(errs, "retrieval rrf weights must be non-negative")
	}
	if r.GraphDecay < 0 || r.GraphDecay > 1 {
		errs = append(errs, "retrieval.graph_decay must be between 0 and 1")
	}
	if r.MaxParallelBranches <= 0 {
		errs = append(errs, "retrieval.max_parallel_branches must be positive")
	}
	if r.ScopePenaltyFactor < 0 || r.ScopePenaltyFactor > 1 {
		errs = append(errs, "retrieval.scope_penalty_factor must be between 0 and 1")
	}
	switch r.EngineMode {
	case "atomic", "hybrid":
	default:
		errs = append(errs, fmt.Sprintf("unknown retrieval.engine_mode %q", r.EngineMode))
	}

	if c.Planner.MaxSubQueries <= 0 {
		errs = append(errs, "planner.max_sub_queries must be positive")
	}
	if c.Planner.MultihopTolerance < 0 || c.Planner.MultihopTolerance > 1 {
		errs = append(errs, "planner.multihop_tolerance must be between 0 and 1")
	}

	switch c.Rerank.Mode {
	case "none", "local", "jina", "cohere", "hybrid":
	default:
		errs = append(errs, fmt.Sprintf("unknown rerank.mode %q", c.Rerank.Mode))
	}

	switch c.Embedding.Provider {
	case "jina", "openai", "local":
	default:
		errs = append(errs, fmt.Sprintf("unknown embedding.provider %q", c.Embedding.Provider))
	}

	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Sprintf("unknown database.driver %q", c.Database.Driver))
	}

	if len(errs) > 0 {
		return types.NewConfigurationError("config validation errors: " + strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	if d.Driver != "postgres" {
		return ""
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}
