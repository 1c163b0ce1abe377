package embedding

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/knights-analytics/hugot"
)

// LocalProvider 在进程内运行 sentence-transformers ONNX 模型（hugot 纯 Go 后端）.
// 任务类型对对称模型无意义，因此被忽略.
type LocalProvider struct {
	mu         sync.Mutex
	session    *hugot.Session
	run        func([]string) ([][]float32, error)
	dimensions int
	model      string
}

// NewLocalProvider 加载模型并创建特征提取 pipeline.
func NewLocalProvider(cfg LocalConfig) (*LocalProvider, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("local embedding requires model_path")
	}

	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create hugot session: %w", err)
	}

	pipeline, err := hugot.NewPipeline(session, hugot.FeatureExtractionConfig{
		ModelPath: cfg.ModelPath,
		Name:      "kbretrieval-query-embedder",
	})
	if err != nil {
		if destroyErr := session.Destroy(); destroyErr != nil {
			return nil, fmt.Errorf("failed to create embedding pipeline: %w (cleanup error: %v)", err, destroyErr)
		}
		return nil, fmt.Errorf("failed to create embedding pipeline: %w", err)
	}

	return &LocalProvider{
		session: session,
		run: func(texts []string) ([][]float32, error) {
			out, err := pipeline.RunPipeline(texts)
			if err != nil {
				return nil, err
			}
			return out.Embeddings, nil
		},
		dimensions: cfg.Dimensions,
		model:      cfg.ModelPath,
	}, nil
}

func (p *LocalProvider) Name() string    { return "local" }
func (p *LocalProvider) Dimensions() int { return p.dimensions }

// Embed 同步运行 pipeline；hugot pipeline 不保证并发安全，调用串行化.
func (p *LocalProvider) Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	vectors, err := p.run(req.Input)
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to generate embedding: %w", err)
	}

	data := make([]EmbeddingData, len(vectors))
	for i, v := range vectors {
		data[i] = EmbeddingData{Index: i, Embedding: v}
	}

	return &EmbeddingResponse{
		Provider:   p.Name(),
		Model:      p.model,
		Embeddings: data,
		CreatedAt:  time.Now(),
	}, nil
}

// Close 释放 ONNX 会话.
func (p *LocalProvider) Close() error {
	if p.session == nil {
		return nil
	}
	return p.session.Destroy()
}
