package rerank

import (
	"context"
	"time"
)

// CohereProvider 使用 Cohere v2 rerank API.
type CohereProvider struct {
	cfg  CohereConfig
	http *httpClient
}

// NewCohereProvider 创建 Cohere reranker.
func NewCohereProvider(cfg CohereConfig) *CohereProvider {
	def := DefaultCohereConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}

	return &CohereProvider{
		cfg:  cfg,
		http: newHTTPClient("cohere", cfg.BaseURL, cfg.APIKey, cfg.Timeout, cfg.RequestsPerSecond, cfg.Burst),
	}
}

func (p *CohereProvider) Name() string      { return "cohere" }
func (p *CohereProvider) MaxDocuments() int { return 1000 }

type cohereRerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model"`
	TopN      int      `json:"top_n,omitempty"`
}

type cohereRerankResponse struct {
	ID      string `json:"id"`
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
	Meta struct {
		BilledUnits struct {
			SearchUnits int `json:"search_units"`
		} `json:"billed_units"`
	} `json:"meta"`
}

// Rerank 使用 Cohere 对文档重排.
func (p *CohereProvider) Rerank(ctx context.Context, req *RerankRequest) (*RerankResponse, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	var cResp cohereRerankResponse
	err := p.http.postJSON(ctx, "/v2/rerank", cohereRerankRequest{
		Query:     req.Query,
		Documents: texts(req.Documents),
		Model:     model,
		TopN:      req.TopN,
	}, &cResp)
	if err != nil {
		return nil, err
	}

	results := make([]RerankResult, len(cResp.Results))
	for i, r := range cResp.Results {
		results[i] = RerankResult{Index: r.Index, RelevanceScore: r.RelevanceScore}
	}

	return &RerankResponse{
		ID:        cResp.ID,
		Provider:  p.Name(),
		Model:     model,
		Results:   results,
		Usage:     RerankUsage{SearchUnits: cResp.Meta.BilledUnits.SearchUnits},
		CreatedAt: time.Now(),
	}, nil
}

// RerankSimple 以纯文本调用 Rerank.
func (p *CohereProvider) RerankSimple(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error) {
	return rerankSimple(ctx, p, query, documents, topN)
}
