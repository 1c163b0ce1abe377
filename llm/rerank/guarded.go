package rerank

import (
	"context"

	"github.com/BaSui01/kbretrieval/llm/circuitbreaker"
)

// GuardedProvider 用熔断器包装外部 reranker，连续失败后短路，不再占用请求时间.
type GuardedProvider struct {
	Provider
	breaker *circuitbreaker.Breaker
}

// NewGuardedProvider 包装 p.
func NewGuardedProvider(p Provider, breaker *circuitbreaker.Breaker) *GuardedProvider {
	return &GuardedProvider{Provider: p, breaker: breaker}
}

// Rerank 经过熔断器调用底层 provider.
func (g *GuardedProvider) Rerank(ctx context.Context, req *RerankRequest) (*RerankResponse, error) {
	return circuitbreaker.Call(ctx, g.breaker, func(ctx context.Context) (*RerankResponse, error) {
		return g.Provider.Rerank(ctx, req)
	})
}

// RerankSimple 经过熔断器调用底层 provider.
func (g *GuardedProvider) RerankSimple(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error) {
	return rerankSimple(ctx, g, query, documents, topN)
}

// State 返回熔断器状态.
func (g *GuardedProvider) State() circuitbreaker.State {
	return g.breaker.State()
}
