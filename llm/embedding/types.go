// Package embedding 提供统一的嵌入提供者接口和实现.
package embedding

import (
	"context"
	"time"
)

// Task 指定嵌入优化的检索任务.
type Task string

const (
	TaskRetrievalQuery   Task = "retrieval.query"   // 检索查询
	TaskRetrievalPassage Task = "retrieval.passage" // 被索引的段落
)

// EmbeddingRequest 表示生成嵌入的请求.
type EmbeddingRequest struct {
	Input      []string `json:"input"`                // Text inputs to embed
	Model      string   `json:"model,omitempty"`      // Model to use
	Dimensions int      `json:"dimensions,omitempty"` // Output dimensions (for models that support it)
	Task       Task     `json:"task,omitempty"`
}

// EmbeddingResponse 表示嵌入请求的响应.
type EmbeddingResponse struct {
	Provider   string          `json:"provider"`
	Model      string          `json:"model"`
	Embeddings []EmbeddingData `json:"embeddings"`
	Usage      EmbeddingUsage  `json:"usage"`
	CreatedAt  time.Time       `json:"created_at,omitempty"`
}

// EmbeddingData 表示单个嵌入结果.
type EmbeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

// EmbeddingUsage 表示嵌入请求的 Token 用量.
type EmbeddingUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Provider 定义统一的嵌入提供者接口.
type Provider interface {
	// Embed 为给定输入生成嵌入.
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)

	// Name 返回提供者名称.
	Name() string

	// Dimensions 返回默认嵌入维度.
	Dimensions() int
}

// Service 是检索链路使用的嵌入能力，进程启动时构造一次并按引用传递.
type Service interface {
	// EmbedTexts 按输入顺序返回向量；任何一个向量缺失都返回 EMBEDDING_FAILURE.
	EmbedTexts(ctx context.Context, texts []string, task Task) ([][]float32, error)

	// EmbedQuery 嵌入单个检索查询.
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}
