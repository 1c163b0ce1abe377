package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/kbretrieval/internal/cache"
	"github.com/BaSui01/kbretrieval/internal/metrics"
	"github.com/BaSui01/kbretrieval/types"
)

// CachedService 在 Provider 之上叠加两级缓存：进程内 LRU（L1）与可选 Redis（L2）.
// 它是跨请求共享的唯一可变状态，L1 由互斥锁保护，过期在读取时惰性判断.
type CachedService struct {
	provider Provider
	model    string
	l1       *cache.LRU[string, []float32]
	l2       *cache.Manager
	ttl      time.Duration
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// ServiceOption 配置 CachedService.
type ServiceOption func(*CachedService)

// WithRedis 启用 L2 缓存.
func WithRedis(m *cache.Manager) ServiceOption {
	return func(s *CachedService) { s.l2 = m }
}

// WithMetrics 记录缓存命中与上游调用.
func WithMetrics(c *metrics.Collector) ServiceOption {
	return func(s *CachedService) { s.metrics = c }
}

// WithLogger 设置日志.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *CachedService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithModelKey 把模型名纳入缓存 key，切换模型后旧向量不会被复用.
func WithModelKey(model string) ServiceOption {
	return func(s *CachedService) { s.model = model }
}

// NewCachedService 创建带缓存的嵌入服务.
func NewCachedService(provider Provider, size int, ttl time.Duration, opts ...ServiceOption) *CachedService {
	s := &CachedService{
		provider: provider,
		l1:       cache.NewLRU[string, []float32](size, ttl),
		ttl:      ttl,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "embedding"), zap.String("provider", provider.Name()))
	return s
}

// EmbedQuery 嵌入单个检索查询.
func (s *CachedService) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	if strings.TrimSpace(query) == "" {
		return nil, types.NewEmbeddingFailure("empty query text", nil)
	}
	vecs, err := s.EmbedTexts(ctx, []string{query}, TaskRetrievalQuery)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedTexts 按输入顺序返回向量，只把未命中的文本发送给 provider.
func (s *CachedService) EmbedTexts(ctx context.Context, texts []string, task Task) ([][]float32, error) {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out, nil
	}

	// key -> 输入中的位置，重复文本只请求一次
	pending := make(map[string][]int)
	var order []string
	keys := make([]string, len(texts))

	for i, text := range texts {
		key := s.cacheKey(task, text)
		keys[i] = key

		if vec, ok := s.lookup(ctx, key); ok {
			out[i] = vec
			continue
		}
		if _, seen := pending[key]; !seen {
			order = append(order, key)
		}
		pending[key] = append(pending[key], i)
	}

	if len(order) == 0 {
		return out, nil
	}

	input := make([]string, len(order))
	for j, key := range order {
		input[j] = texts[pending[key][0]]
	}

	start := time.Now()
	resp, err := s.provider.Embed(ctx, &EmbeddingRequest{Input: input, Task: task})
	s.metrics.RecordUpstream("embedding", s.provider.Name(), metrics.Status(err), time.Since(start))
	if err != nil {
		return nil, types.NewEmbeddingFailure("embedding provider failed", err).WithProvider(s.provider.Name())
	}

	vectors := alignEmbeddings(resp, len(input))
	for j, key := range order {
		vec := vectors[j]
		if len(vec) == 0 {
			return nil, types.NewEmbeddingFailure(
				fmt.Sprintf("provider returned no vector for input %d", pending[key][0]), nil).
				WithProvider(s.provider.Name())
		}
		s.store(ctx, key, vec)
		for _, pos := range pending[key] {
			out[pos] = cloneVector(vec)
		}
	}

	return out, nil
}

func (s *CachedService) lookup(ctx context.Context, key string) ([]float32, bool) {
	if vec, ok := s.l1.Get(key); ok {
		s.metrics.RecordCacheHit("l1")
		return cloneVector(vec), true
	}
	s.metrics.RecordCacheMiss("l1")

	if s.l2 == nil {
		return nil, false
	}

	var vec []float32
	if err := s.l2.GetJSON(ctx, key, &vec); err != nil {
		if !cache.IsCacheMiss(err) {
			s.logger.Warn("l2 embedding cache read failed", zap.Error(err))
		}
		s.metrics.RecordCacheMiss("l2")
		return nil, false
	}
	if len(vec) == 0 {
		s.metrics.RecordCacheMiss("l2")
		return nil, false
	}

	s.metrics.RecordCacheHit("l2")
	s.l1.Add(key, cloneVector(vec))
	return vec, true
}

func (s *CachedService) store(ctx context.Context, key string, vec []float32) {
	s.l1.Add(key, cloneVector(vec))
	if s.l2 == nil {
		return
	}
	if err := s.l2.SetJSON(ctx, key, vec, s.ttl); err != nil {
		s.logger.Warn("l2 embedding cache write failed", zap.Error(err))
	}
}

func (s *CachedService) cacheKey(task Task, text string) string {
	sum := sha256.Sum256([]byte(s.provider.Name() + "\x00" + s.model + "\x00" + string(task) + "\x00" + text))
	return "emb:" + hex.EncodeToString(sum[:])
}

// alignEmbeddings 按 Index 放回输入位置；Index 越界或重复时退回到响应顺序.
func alignEmbeddings(resp *EmbeddingResponse, n int) [][]float32 {
	out := make([][]float32, n)
	if resp == nil {
		return out
	}
	for i, d := range resp.Embeddings {
		switch {
		case d.Index >= 0 && d.Index < n && out[d.Index] == nil:
			out[d.Index] = d.Embedding
		case i < n && out[i] == nil:
			out[i] = d.Embedding
		}
	}
	return out
}

func cloneVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
