package rerank

import (
	"context"
	"time"
)

// RerankRequest 一次重排请求.
type RerankRequest struct {
	Query     string     `json:"query"`
	Documents []Document `json:"documents"`
	Model     string     `json:"model,omitempty"`
	TopN      int        `json:"top_n,omitempty"` // Return top N results
}

// Document 待重排的文档.
type Document struct {
	Text string `json:"text"`
	ID   string `json:"id,omitempty"`
}

// RerankResponse 重排响应.
type RerankResponse struct {
	ID        string         `json:"id,omitempty"`
	Provider  string         `json:"provider"`
	Model     string         `json:"model"`
	Results   []RerankResult `json:"results"`
	Usage     RerankUsage    `json:"usage"`
	CreatedAt time.Time      `json:"created_at,omitempty"`
}

// RerankResult 单条结果，Index 指向请求中的文档位置，调用方需自行校验越界.
type RerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

// RerankUsage 用量统计.
type RerankUsage struct {
	SearchUnits int `json:"search_units,omitempty"`
	TotalTokens int `json:"total_tokens,omitempty"`
}

// Provider 交叉编码器重排接口.
type Provider interface {
	Rerank(ctx context.Context, req *RerankRequest) (*RerankResponse, error)

	// RerankSimple 以纯文本列表调用 Rerank.
	RerankSimple(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error)

	Name() string

	// MaxDocuments 单次请求支持的文档上限.
	MaxDocuments() int
}
