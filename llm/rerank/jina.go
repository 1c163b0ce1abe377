package rerank

import (
	"context"
	"time"
)

// JinaProvider implements reranking using Jina AI's API.
type JinaProvider struct {
	cfg  JinaConfig
	http *httpClient
}

// NewJinaProvider creates a new Jina reranker provider.
func NewJinaProvider(cfg JinaConfig) *JinaProvider {
	def := DefaultJinaConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}

	return &JinaProvider{
		cfg:  cfg,
		http: newHTTPClient("jina", cfg.BaseURL, cfg.APIKey, cfg.Timeout, cfg.RequestsPerSecond, cfg.Burst),
	}
}

func (p *JinaProvider) Name() string      { return "jina" }
func (p *JinaProvider) MaxDocuments() int { return 1024 }

type jinaRerankRequest struct {
	Query           string   `json:"query"`
	Documents       []string `json:"documents"`
	Model           string   `json:"model"`
	TopN            int      `json:"top_n,omitempty"`
	ReturnDocuments bool     `json:"return_documents"`
}

type jinaRerankResponse struct {
	Model   string `json:"model"`
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Rerank reranks documents using Jina AI.
func (p *JinaProvider) Rerank(ctx context.Context, req *RerankRequest) (*RerankResponse, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	var jResp jinaRerankResponse
	err := p.http.postJSON(ctx, "/v1/rerank", jinaRerankRequest{
		Query:     req.Query,
		Documents: texts(req.Documents),
		Model:     model,
		TopN:      req.TopN,
	}, &jResp)
	if err != nil {
		return nil, err
	}

	results := make([]RerankResult, len(jResp.Results))
	for i, r := range jResp.Results {
		results[i] = RerankResult{Index: r.Index, RelevanceScore: r.RelevanceScore}
	}

	return &RerankResponse{
		Provider:  p.Name(),
		Model:     jResp.Model,
		Results:   results,
		Usage:     RerankUsage{TotalTokens: jResp.Usage.TotalTokens},
		CreatedAt: time.Now(),
	}, nil
}

// RerankSimple is a convenience method for simple reranking.
func (p *JinaProvider) RerankSimple(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error) {
	return rerankSimple(ctx, p, query, documents, topN)
}
