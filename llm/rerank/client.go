package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/BaSui01/kbretrieval/internal/tlsutil"
	"github.com/BaSui01/kbretrieval/llm"
	"github.com/BaSui01/kbretrieval/types"
)

// httpClient 是 Jina / Cohere 共用的 JSON-over-HTTP 客户端，带客户端限流.
type httpClient struct {
	provider string
	baseURL  string
	apiKey   string
	client   *http.Client
	limiter  *rate.Limiter
}

func newHTTPClient(provider, baseURL, apiKey string, timeout time.Duration, rps float64, burst int) *httpClient {
	var limiter *rate.Limiter
	if rps > 0 {
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &httpClient{
		provider: provider,
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		client:   tlsutil.SecureHTTPClient(timeout),
		limiter:  limiter,
	}
}

// postJSON 等待限流令牌后发送请求，解码响应到 out.
func (c *httpClient) postJSON(ctx context.Context, path string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return types.NewError(types.ErrRateLimited, "rerank rate limit wait aborted").
				WithCause(err).
				WithProvider(c.provider)
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return llm.TransportError(err, c.provider)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return llm.MapHTTPError(resp.StatusCode, string(msg), c.provider)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", c.provider, err)
	}
	return nil
}

func texts(docs []Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.Text
	}
	return out
}

func rerankSimple(ctx context.Context, p Provider, query string, documents []string, topN int) ([]RerankResult, error) {
	docs := make([]Document, len(documents))
	for i, d := range documents {
		docs[i] = Document{Text: d}
	}
	resp, err := p.Rerank(ctx, &RerankRequest{Query: query, Documents: docs, TopN: topN})
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}
