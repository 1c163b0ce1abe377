package rag

import (
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/kbretrieval/config"
	"github.com/BaSui01/kbretrieval/internal/cache"
	"github.com/BaSui01/kbretrieval/internal/metrics"
	"github.com/BaSui01/kbretrieval/llm"
	"github.com/BaSui01/kbretrieval/llm/circuitbreaker"
	"github.com/BaSui01/kbretrieval/llm/embedding"
	"github.com/BaSui01/kbretrieval/llm/rerank"
)

// NewEmbeddingProvider 按 provider 名称创建嵌入 provider.
// local provider 持有 ONNX 会话，返回的 io.Closer 需要在退出时关闭；其它 provider 返回 nil.
func NewEmbeddingProvider(cfg config.EmbeddingConfig) (embedding.Provider, io.Closer, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "jina":
		def := embedding.DefaultJinaConfig()
		return embedding.NewJinaProvider(embedding.JinaConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    firstNonEmpty(cfg.BaseURL, def.BaseURL),
			Model:      firstNonEmpty(cfg.Model, def.Model),
			Dimensions: cfg.Dimensions,
			Timeout:    cfg.Timeout,
		}), nil, nil
	case "openai":
		def := embedding.DefaultOpenAIConfig()
		return embedding.NewOpenAIProvider(embedding.OpenAIConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    firstNonEmpty(cfg.BaseURL, def.BaseURL),
			Model:      firstNonEmpty(cfg.Model, def.Model),
			Dimensions: cfg.Dimensions,
			Timeout:    cfg.Timeout,
		}), nil, nil
	case "local":
		p, err := embedding.NewLocalProvider(embedding.LocalConfig{ModelPath: cfg.ModelPath, Dimensions: cfg.Dimensions})
		if err != nil {
			return nil, nil, err
		}
		return p, p, nil
	default:
		return nil, nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// NewEmbeddingService 在 provider 之上叠加查询向量缓存；redis 为 nil 时只用进程内缓存.
func NewEmbeddingService(cfg config.EmbeddingConfig, provider embedding.Provider, redis *cache.Manager, collector *metrics.Collector, logger *zap.Logger) *embedding.CachedService {
	opts := []embedding.ServiceOption{
		embedding.WithMetrics(collector),
		embedding.WithLogger(logger),
		embedding.WithModelKey(firstNonEmpty(cfg.Model, provider.Name())),
	}
	if redis != nil {
		opts = append(opts, embedding.WithRedis(redis))
	}
	return embedding.NewCachedService(provider, cfg.CacheSize, cfg.CacheTTL, opts...)
}

// NewRerankProvider 创建外部 reranker；模式不需要外部 reranker 时返回 nil.
// BreakerThreshold > 0 时用熔断器包装.
func NewRerankProvider(cfg config.RerankConfig, logger *zap.Logger) (rerank.Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mode := ParseRerankMode(cfg.Mode)
	if !mode.external() {
		return nil, nil
	}
	name := string(mode)
	if mode == RerankHybrid {
		name = strings.ToLower(cfg.Provider)
	}

	var p rerank.Provider
	switch name {
	case "", "jina":
		def := rerank.DefaultJinaConfig()
		p = rerank.NewJinaProvider(rerank.JinaConfig{
			APIKey:            cfg.APIKey,
			BaseURL:           firstNonEmpty(cfg.BaseURL, def.BaseURL),
			Model:             firstNonEmpty(cfg.Model, def.Model),
			Timeout:           cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
		})
	case "cohere":
		def := rerank.DefaultCohereConfig()
		p = rerank.NewCohereProvider(rerank.CohereConfig{
			APIKey:            cfg.APIKey,
			BaseURL:           firstNonEmpty(cfg.BaseURL, def.BaseURL),
			Model:             firstNonEmpty(cfg.Model, def.Model),
			Timeout:           cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
		})
	default:
		return nil, fmt.Errorf("unknown rerank provider %q", name)
	}

	if cfg.BreakerThreshold <= 0 {
		return p, nil
	}
	l := logger.With(zap.String("component", "rerank_breaker"), zap.String("provider", p.Name()))
	breaker := circuitbreaker.New(circuitbreaker.Config{
		Threshold:    cfg.BreakerThreshold,
		ResetTimeout: cfg.BreakerResetTimeout,
		OnStateChange: func(from, to circuitbreaker.State) {
			l.Warn("rerank breaker state changed", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}, l)
	return rerank.NewGuardedProvider(p, breaker), nil
}

// NewChatProvider 创建规划器使用的 OpenAI 兼容 chat provider；未配置 API Key 时返回 nil，规划器走确定性回退.
func NewChatProvider(cfg config.LLMConfig, planner config.PlannerConfig, logger *zap.Logger) llm.ChatProvider {
	if cfg.APIKey == "" {
		return nil
	}
	return llm.NewOpenAICompatProvider(llm.OpenAICompatConfig{
		ProviderName: "planner",
		APIKey:       cfg.APIKey,
		BaseURL:      cfg.BaseURL,
		Model:        cfg.Model,
		Temperature:  planner.Temperature,
		MaxTokens:    1024,
		JSONMode:     true,
		Timeout:      cfg.Timeout,
		MaxRetries:   cfg.MaxRetries,
	}, logger)
}
