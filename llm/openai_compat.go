package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/kbretrieval/internal/tlsutil"
	"github.com/BaSui01/kbretrieval/llm/retry"
	"github.com/BaSui01/kbretrieval/types"
)

// OpenAICompatConfig OpenAI 兼容 chat completion 配置.
type OpenAICompatConfig struct {
	ProviderName string
	APIKey       string
	BaseURL      string
	Model        string
	Temperature  float32
	MaxTokens    int
	// JSONMode 请求 response_format=json_object
	JSONMode     bool
	Timeout      time.Duration
	EndpointPath string
	MaxRetries   int
}

// OpenAICompatProvider 调用 /v1/chat/completions.
type OpenAICompatProvider struct {
	cfg     OpenAICompatConfig
	client  *http.Client
	retryer *retry.Retryer
	logger  *zap.Logger
}

// NewOpenAICompatProvider 创建 provider.
func NewOpenAICompatProvider(cfg OpenAICompatConfig, logger *zap.Logger) *OpenAICompatProvider {
	if cfg.ProviderName == "" {
		cfg.ProviderName = "openai"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "chat"), zap.String("provider", cfg.ProviderName))

	policy := retry.DefaultPolicy()
	policy.MaxRetries = cfg.MaxRetries

	return &OpenAICompatProvider{
		cfg:     cfg,
		client:  tlsutil.SecureHTTPClient(cfg.Timeout),
		retryer: retry.New(policy, logger),
		logger:  logger,
	}
}

func (p *OpenAICompatProvider) Name() string { return p.cfg.ProviderName }

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float32         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int     `json:"index"`
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete 发送一次 chat completion，返回第一个 choice 的文本.
func (p *OpenAICompatProvider) Complete(ctx context.Context, messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", types.NewError(types.ErrInvalidRequest, "no messages").WithProvider(p.Name())
	}

	body := chatCompletionRequest{
		Model:       p.cfg.Model,
		Messages:    messages,
		Temperature: p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
	}
	if p.cfg.JSONMode {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := retry.Do(ctx, p.retryer, func(ctx context.Context) (*chatCompletionResponse, error) {
		return p.post(ctx, payload)
	})
	if err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", types.NewError(types.ErrUpstreamError, "empty choices").WithProvider(p.Name())
	}

	p.logger.Debug("chat completion",
		zap.String("model", resp.Model),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
		zap.String("finish_reason", resp.Choices[0].FinishReason),
	)
	return resp.Choices[0].Message.Content, nil
}

func (p *OpenAICompatProvider) post(ctx context.Context, payload []byte) (*chatCompletionResponse, error) {
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + p.cfg.EndpointPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, TransportError(err, p.Name())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, TransportError(err, p.Name())
	}
	if resp.StatusCode >= 400 {
		return nil, MapHTTPError(resp.StatusCode, string(data), p.Name())
	}

	var out chatCompletionResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	return &out, nil
}
