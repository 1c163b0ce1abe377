package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// JinaProvider 使用 Jina AI 的 API 生成嵌入，原生支持 retrieval.query / retrieval.passage 任务.
type JinaProvider struct {
	*BaseProvider
	cfg JinaConfig
}

// NewJinaProvider 创建 Jina AI 嵌入提供者.
func NewJinaProvider(cfg JinaConfig) *JinaProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.jina.ai"
	}
	if cfg.Model == "" {
		cfg.Model = "jina-embeddings-v3"
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 1024
	}

	return &JinaProvider{
		BaseProvider: NewBaseProvider(BaseConfig{
			Name:       "jina",
			BaseURL:    cfg.BaseURL,
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			Timeout:    cfg.Timeout,
		}),
		cfg: cfg,
	}
}

type jinaEmbedRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Task       string   `json:"task,omitempty"`
	Dimensions int      `json:"dimensions,omitempty"` // Matryoshka dimensions
}

type jinaEmbedResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		TotalTokens  int `json:"total_tokens"`
		PromptTokens int `json:"prompt_tokens"`
	} `json:"usage"`
}

// Embed 使用 Jina AI 生成嵌入.
func (p *JinaProvider) Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error) {
	body := jinaEmbedRequest{
		Input:      req.Input,
		Model:      ChooseModel(req.Model, p.cfg.Model, "jina-embeddings-v3"),
		Task:       string(req.Task),
		Dimensions: req.Dimensions,
	}
	if body.Dimensions == 0 {
		body.Dimensions = p.cfg.Dimensions
	}

	respBody, err := p.DoRequest(ctx, "POST", "/v1/embeddings", body)
	if err != nil {
		return nil, err
	}

	var jResp jinaEmbedResponse
	if err := json.Unmarshal(respBody, &jResp); err != nil {
		return nil, fmt.Errorf("decode jina response: %w", err)
	}

	embeddings := make([]EmbeddingData, len(jResp.Data))
	for i, d := range jResp.Data {
		embeddings[i] = EmbeddingData{Index: d.Index, Embedding: toFloat32(d.Embedding)}
	}

	return &EmbeddingResponse{
		Provider:   p.Name(),
		Model:      jResp.Model,
		Embeddings: embeddings,
		Usage: EmbeddingUsage{
			PromptTokens: jResp.Usage.PromptTokens,
			TotalTokens:  jResp.Usage.TotalTokens,
		},
		CreatedAt: time.Now(),
	}, nil
}
