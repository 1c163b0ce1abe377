package rag

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/kbretrieval/config"
	"github.com/BaSui01/kbretrieval/llm/circuitbreaker"
	"github.com/BaSui01/kbretrieval/llm/rerank"
)

func scored(idList ...string) []RetrievalCandidate {
	out := rows(idList...)
	for i := range out {
		out[i].Score = 1 / float64(i+1)
	}
	return out
}

func TestRerank_NoneKeepsOrder(t *testing.T) {
	p := NewRerankingPipeline(config.RerankConfig{Mode: "none"}, nil, nil)
	out, reranked := p.Rerank(context.Background(), "q", Intent{}, scored("A", "B", "C"), 2, nil)
	assert.False(t, reranked)
	assert.Equal(t, []string{"A", "B"}, resultIDs(out))
}

func TestRerank_ExternalDropsInvalidIndices(t *testing.T) {
	ext := &fakeReranker{results: []rerank.RerankResult{
		{Index: 2, RelevanceScore: 0.9},
		{Index: 0, RelevanceScore: 0.5},
		{Index: 7, RelevanceScore: 0.99},
		{Index: 2, RelevanceScore: 0.1},
		{Index: -1, RelevanceScore: 0.4},
	}}
	p := NewRerankingPipeline(config.RerankConfig{Mode: "jina"}, ext, nil)
	tr := NewTrace("r")

	out, reranked := p.Rerank(context.Background(), "q", Intent{}, scored("A", "B", "C", "D"), 10, tr)
	require.True(t, reranked)
	assert.Equal(t, []string{"C", "A", "B", "D"}, resultIDs(out))

	require.NotNil(t, out[0].JinaRelevanceScore)
	assert.InDelta(t, 0.9, *out[0].JinaRelevanceScore, 1e-9)
	assert.InDelta(t, 0.9, out[0].EffectiveScore(), 1e-9)
	assert.Nil(t, out[2].JinaRelevanceScore, "unscored rows keep retrieval order")
	assert.Nil(t, out[3].JinaRelevanceScore)
	assert.Empty(t, tr.Snapshot().Degraded)
	assert.Contains(t, tr.Snapshot().TimingsMS, "rerank")
}

func TestRerank_CapsCandidatesSent(t *testing.T) {
	ext := &fakeReranker{results: []rerank.RerankResult{{Index: 1, RelevanceScore: 0.8}}}
	p := NewRerankingPipeline(config.RerankConfig{Mode: "cohere", MaxCandidates: 2}, ext, nil)

	out, reranked := p.Rerank(context.Background(), "q", Intent{}, scored("A", "B", "C", "D"), 3, nil)
	require.True(t, reranked)
	assert.Equal(t, []string{"content A", "content B"}, ext.sent)
	assert.Equal(t, []string{"B", "A", "C"}, resultIDs(out))
}

func TestRerank_ProviderDocumentLimit(t *testing.T) {
	ext := &fakeReranker{maxDocs: 1}
	p := NewRerankingPipeline(config.RerankConfig{Mode: "jina", MaxCandidates: 10}, ext, nil)

	_, _ = p.Rerank(context.Background(), "q", Intent{}, scored("A", "B", "C"), 3, nil)
	assert.Len(t, ext.sent, 1)
}

func TestRerank_ExternalFailureFallsBack(t *testing.T) {
	ext := &fakeReranker{err: errors.New("502 bad gateway")}
	p := NewRerankingPipeline(config.RerankConfig{Mode: "jina"}, ext, nil)
	tr := NewTrace("r")

	out, reranked := p.Rerank(context.Background(), "q", Intent{}, scored("A", "B", "C"), 2, tr)
	assert.False(t, reranked)
	assert.Equal(t, []string{"A", "B"}, resultIDs(out))
	assert.True(t, tr.HasDegraded(DegradedRerankFailed))
}

func TestRerank_MissingProviderFallsBack(t *testing.T) {
	p := NewRerankingPipeline(config.RerankConfig{Mode: "jina"}, nil, nil)
	tr := NewTrace("r")

	out, reranked := p.Rerank(context.Background(), "q", Intent{}, scored("A", "B"), 5, tr)
	assert.False(t, reranked)
	assert.Equal(t, []string{"A", "B"}, resultIDs(out))
	assert.True(t, tr.HasDegraded(DegradedRerankFailed))
}

func TestRerank_CircuitOpen(t *testing.T) {
	ext := &fakeReranker{err: errors.New("503 unavailable")}
	breaker := circuitbreaker.New(circuitbreaker.Config{Threshold: 1, ResetTimeout: time.Hour}, nil)
	p := NewRerankingPipeline(config.RerankConfig{Mode: "jina"}, rerank.NewGuardedProvider(ext, breaker), nil)

	first := NewTrace("first")
	_, _ = p.Rerank(context.Background(), "q", Intent{}, scored("A", "B"), 2, first)
	assert.True(t, first.HasDegraded(DegradedRerankFailed))
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State())

	second := NewTrace("second")
	out, reranked := p.Rerank(context.Background(), "q", Intent{}, scored("A", "B"), 2, second)
	assert.False(t, reranked)
	assert.Equal(t, []string{"A", "B"}, resultIDs(out))
	assert.True(t, second.HasDegraded(DegradedRerankCircuitOpen))
	assert.Equal(t, 1, ext.calls, "open breaker short-circuits the provider")
}

func TestRerank_LocalFailureFallsBack(t *testing.T) {
	local := LocalRerankerFunc(func(context.Context, string, Intent, []RerankedResult) ([]RerankedResult, error) {
		return nil, errors.New("model not loaded")
	})
	p := NewRerankingPipeline(config.RerankConfig{Mode: "local"}, nil, local)
	tr := NewTrace("r")

	out, reranked := p.Rerank(context.Background(), "q", Intent{}, scored("A", "B"), 5, tr)
	assert.False(t, reranked)
	assert.Equal(t, []string{"A", "B"}, resultIDs(out))
	assert.True(t, tr.HasDegraded(DegradedLocalRerankFailed))
}

func TestRerank_LocalEmptyOutputFallsBack(t *testing.T) {
	local := LocalRerankerFunc(func(context.Context, string, Intent, []RerankedResult) ([]RerankedResult, error) {
		return nil, nil
	})
	p := NewRerankingPipeline(config.RerankConfig{Mode: "local"}, nil, local)
	tr := NewTrace("r")

	_, reranked := p.Rerank(context.Background(), "q", Intent{}, scored("A"), 5, tr)
	assert.False(t, reranked)
	assert.True(t, tr.HasDegraded(DegradedLocalRerankFailed))
}

func TestRerank_HybridPrefersLocalScore(t *testing.T) {
	ext := &fakeReranker{results: []rerank.RerankResult{
		{Index: 0, RelevanceScore: 0.2},
		{Index: 1, RelevanceScore: 0.9},
	}}
	p := NewRerankingPipeline(config.RerankConfig{Mode: "hybrid"}, ext, nil)

	out, reranked := p.Rerank(context.Background(), "q", Intent{}, scored("A", "B"), 5, nil)
	require.True(t, reranked)
	assert.Equal(t, []string{"B", "A"}, resultIDs(out))
	for _, r := range out {
		assert.Nil(t, r.JinaRelevanceScore)
		require.NotNil(t, r.SemanticRelevanceScore)
		assert.Equal(t, *r.SemanticRelevanceScore, r.EffectiveScore())
	}
}

func TestAuthorityReranker(t *testing.T) {
	in := []RerankedResult{
		{RetrievalCandidate: RetrievalCandidate{ID: "X", Content: "registro", Score: 1.0, Metadata: map[string]any{"authority": 0.0}}},
		{RetrievalCandidate: RetrievalCandidate{ID: "Y", Content: "registro", Score: 0.9, Metadata: map[string]any{"authority": 1.0}}},
		{RetrievalCandidate: RetrievalCandidate{ID: "Z", Content: "auditoria interna", Score: 0.9, Metadata: map[string]any{"authority": 1.0}}},
	}

	out, err := AuthorityReranker{}.Rerank(context.Background(), "q", Intent{Task: "auditoria"}, in)
	require.NoError(t, err)
	assert.Equal(t, []string{"Z", "Y", "X"}, resultIDs(out))
	assert.InDelta(t, 0.93, *out[0].SemanticRelevanceScore, 1e-9)
	assert.InDelta(t, 0.83, *out[1].SemanticRelevanceScore, 1e-9)
	assert.InDelta(t, 0.70, *out[2].SemanticRelevanceScore, 1e-9)
	assert.Nil(t, in[0].SemanticRelevanceScore, "input is not mutated")
}

func TestParseRerankMode(t *testing.T) {
	assert.Equal(t, RerankJina, ParseRerankMode(" JINA "))
	assert.Equal(t, RerankHybrid, ParseRerankMode("hybrid"))
	assert.Equal(t, RerankNone, ParseRerankMode("bogus"))
	assert.Equal(t, RerankNone, ParseRerankMode(""))
}
