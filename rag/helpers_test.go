package rag

import (
	"context"
	"hash/fnv"
	"sync/atomic"

	"github.com/BaSui01/kbretrieval/config"
	"github.com/BaSui01/kbretrieval/llm/embedding"
	"github.com/BaSui01/kbretrieval/llm/rerank"
)

const testDim = 64

// hashEmbedder 把折叠后的词哈希到固定维度，同词同向量，便于构造可预期的相似度.
// failOn 中的查询返回错误，blockOn 中的查询阻塞到 ctx 结束.
type hashEmbedder struct {
	err     error
	failOn  map[string]error
	blockOn map[string]bool
	calls   atomic.Int32
}

func (h *hashEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	h.calls.Add(1)
	if h.blockOn[query] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h.err != nil {
		return nil, h.err
	}
	if err := h.failOn[query]; err != nil {
		return nil, err
	}
	return embedText(query), nil
}

func (h *hashEmbedder) EmbedTexts(ctx context.Context, texts []string, _ embedding.Task) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := h.EmbedQuery(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

var _ embedding.Service = (*hashEmbedder)(nil)

func embedText(text string) []float32 {
	v := make([]float32, testDim)
	v[0] = 0.1
	for _, w := range foldText(text).words() {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[1+int(h.Sum32()%uint32(testDim-1))]++
	}
	return v
}

func chunk(id, tenant, standard, clause, content string) MemoryChunk {
	md := map[string]any{"source_standard": standard}
	if clause != "" {
		md["clause_id"] = clause
	}
	return MemoryChunk{
		ID:         id,
		DocumentID: "doc-" + id,
		TenantID:   tenant,
		Content:    content,
		Metadata:   md,
		Embedding:  embedText(content),
	}
}

func testRetrievalConfig() config.RetrievalConfig {
	cfg := config.DefaultRetrievalConfig()
	cfg.BranchTimeout = 0
	return cfg
}

func ids(rows []RetrievalCandidate) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.ID
	}
	return out
}

func resultIDs(rows []RerankedResult) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.ID
	}
	return out
}

// fakeReranker 返回固定结果或错误.
type fakeReranker struct {
	results []rerank.RerankResult
	err     error
	maxDocs int
	sent    []string
	calls   int
}

func (f *fakeReranker) Rerank(ctx context.Context, req *rerank.RerankRequest) (*rerank.RerankResponse, error) {
	docs := make([]string, len(req.Documents))
	for i, d := range req.Documents {
		docs[i] = d.Text
	}
	results, err := f.RerankSimple(ctx, req.Query, docs, req.TopN)
	if err != nil {
		return nil, err
	}
	return &rerank.RerankResponse{Provider: f.Name(), Results: results}, nil
}

func (f *fakeReranker) RerankSimple(ctx context.Context, query string, documents []string, topN int) ([]rerank.RerankResult, error) {
	f.calls++
	f.sent = documents
	if f.err != nil {
		return nil, f.err
	}
	return append([]rerank.RerankResult(nil), f.results...), nil
}

func (f *fakeReranker) Name() string { return "fake" }

func (f *fakeReranker) MaxDocuments() int { return f.maxDocs }
