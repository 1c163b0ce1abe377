package rag

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/BaSui01/kbretrieval/config"
	"github.com/BaSui01/kbretrieval/internal/metrics"
	"github.com/BaSui01/kbretrieval/llm/circuitbreaker"
	"github.com/BaSui01/kbretrieval/llm/rerank"
)

// RerankMode 重排模式
type RerankMode string

const (
	RerankNone   RerankMode = "none"
	RerankLocal  RerankMode = "local"
	RerankJina   RerankMode = "jina"
	RerankCohere RerankMode = "cohere"
	RerankHybrid RerankMode = "hybrid" // 外部交叉编码器 + 本地权威度重排
)

// ParseRerankMode 解析配置中的模式，未知值视为 none.
func ParseRerankMode(s string) RerankMode {
	switch m := RerankMode(strings.ToLower(strings.TrimSpace(s))); m {
	case RerankLocal, RerankJina, RerankCohere, RerankHybrid:
		return m
	default:
		return RerankNone
	}
}

func (m RerankMode) external() bool {
	return m == RerankJina || m == RerankCohere || m == RerankHybrid
}

func (m RerankMode) local() bool {
	return m == RerankLocal || m == RerankHybrid
}

// LocalReranker 本地权威度感知的重排能力，返回完整重排后的列表.
type LocalReranker interface {
	Rerank(ctx context.Context, query string, intent Intent, rows []RerankedResult) ([]RerankedResult, error)
}

// LocalRerankerFunc 把函数适配为 LocalReranker.
type LocalRerankerFunc func(ctx context.Context, query string, intent Intent, rows []RerankedResult) ([]RerankedResult, error)

func (f LocalRerankerFunc) Rerank(ctx context.Context, query string, intent Intent, rows []RerankedResult) ([]RerankedResult, error) {
	return f(ctx, query, intent, rows)
}

// RerankingPipeline 外部交叉编码器与本地重排的组合.
// 任一阶段失败都返回重排前的前 k 条，并在 trace 中记录降级原因，从不向上返回错误.
type RerankingPipeline struct {
	mode          RerankMode
	external      rerank.Provider
	local         LocalReranker
	maxCandidates int
	timeout       time.Duration
	deps          deps
}

// NewRerankingPipeline 创建重排管道；local 为 nil 时使用 AuthorityReranker.
func NewRerankingPipeline(cfg config.RerankConfig, external rerank.Provider, local LocalReranker, opts ...Option) *RerankingPipeline {
	if local == nil {
		local = AuthorityReranker{}
	}
	maxCandidates := cfg.MaxCandidates
	if maxCandidates <= 0 {
		maxCandidates = config.DefaultRerankConfig().MaxCandidates
	}
	return &RerankingPipeline{
		mode:          ParseRerankMode(cfg.Mode),
		external:      external,
		local:         local,
		maxCandidates: maxCandidates,
		timeout:       cfg.Timeout,
		deps:          newDeps("reranking", opts),
	}
}

// Mode 返回当前模式.
func (p *RerankingPipeline) Mode() RerankMode { return p.mode }

// Rerank 重排并截断到 k；reranked 表示结果分数处于重排分数空间.
func (p *RerankingPipeline) Rerank(ctx context.Context, query string, intent Intent, rows []RetrievalCandidate, k int, tr *Trace) (out []RerankedResult, reranked bool) {
	base := make([]RerankedResult, len(rows))
	for i, r := range rows {
		base[i] = RerankedResult{RetrievalCandidate: r}
	}
	fallback := truncateResults(slices.Clone(base), k)
	if p.mode == RerankNone || len(base) == 0 {
		return fallback, false
	}

	ctx, span := p.deps.tracer.Start(ctx, "rag.rerank")
	defer span.End()
	span.SetAttributes(attribute.String("rerank.mode", string(p.mode)), attribute.Int("rerank.candidates", len(base)))
	start := time.Now()
	defer func() {
		d := time.Since(start)
		tr.AddTiming("rerank", d)
		p.deps.metrics.RecordStage("rerank", d)
	}()

	current := base
	if p.mode.external() {
		next, err := p.rerankExternal(ctx, query, current)
		if err != nil {
			reason := DegradedRerankFailed
			if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
				reason = DegradedRerankCircuitOpen
			}
			p.degrade(tr, "rerank_external", reason, err)
			recordSpanError(span, err)
			return fallback, false
		}
		current = next
	}
	if p.mode.local() {
		next, err := p.local.Rerank(ctx, query, intent, current)
		if err == nil && len(next) == 0 && len(current) > 0 {
			err = fmt.Errorf("local reranker returned no rows")
		}
		if err != nil {
			p.degrade(tr, "rerank_local", DegradedLocalRerankFailed, err)
			recordSpanError(span, err)
			return fallback, false
		}
		for i := range next {
			if next[i].SemanticRelevanceScore != nil {
				next[i].JinaRelevanceScore = nil
			}
		}
		current = next
	}
	return truncateResults(current, k), true
}

// rerankExternal 最多发送 maxCandidates 条；返回的越界或重复下标直接丢弃.
// 未被打分的候选按原顺序排在已打分结果之后.
func (p *RerankingPipeline) rerankExternal(ctx context.Context, query string, rows []RerankedResult) ([]RerankedResult, error) {
	if p.external == nil {
		return nil, fmt.Errorf("rerank mode %s has no external provider", p.mode)
	}
	n := min(len(rows), p.maxCandidates)
	if limit := p.external.MaxDocuments(); limit > 0 && n > limit {
		n = limit
	}
	docs := make([]string, n)
	for i := 0; i < n; i++ {
		docs[i] = rows[i].Content
	}

	callCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	start := time.Now()
	results, err := p.external.RerankSimple(callCtx, query, docs, n)
	p.deps.metrics.RecordUpstream("rerank", p.external.Name(), metrics.Status(err), time.Since(start))
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(results, func(a, b rerank.RerankResult) int {
		switch {
		case a.RelevanceScore > b.RelevanceScore:
			return -1
		case a.RelevanceScore < b.RelevanceScore:
			return 1
		default:
			return 0
		}
	})
	used := make([]bool, len(rows))
	out := make([]RerankedResult, 0, len(rows))
	dropped := 0
	for _, r := range results {
		if r.Index < 0 || r.Index >= n || used[r.Index] {
			dropped++
			continue
		}
		used[r.Index] = true
		row := rows[r.Index]
		row.JinaRelevanceScore = float64Ptr(r.RelevanceScore)
		out = append(out, row)
	}
	if dropped > 0 {
		p.deps.logger.Warn("dropped invalid rerank indices", zap.Int("dropped", dropped), zap.Int("sent", n))
	}
	for i, row := range rows {
		if !used[i] {
			out = append(out, row)
		}
	}
	return out, nil
}

func (p *RerankingPipeline) degrade(tr *Trace, stage string, reason DegradedReason, err error) {
	tr.Degrade(stage, reason, err.Error())
	p.deps.metrics.RecordDegraded(stage, string(reason))
	p.deps.logger.Warn("rerank degraded, keeping pre-rerank order",
		zap.String("stage", stage), zap.String("reason", string(reason)), zap.Error(err))
}

func truncateResults(rows []RerankedResult, k int) []RerankedResult {
	if k > 0 && len(rows) > k {
		return rows[:k]
	}
	return rows
}

// AuthorityReranker 默认的本地重排：综合上游分数、文档权威度与意图词命中.
//
//	score = 0.7*归一化上游分数 + 0.2*authority + 0.1*意图命中
//
// authority 取自元数据 authority（0~1），缺省为 0.5.
type AuthorityReranker struct{}

// Rerank 实现 LocalReranker.
func (AuthorityReranker) Rerank(_ context.Context, _ string, intent Intent, rows []RerankedResult) ([]RerankedResult, error) {
	out := slices.Clone(rows)
	maxBase := 0.0
	for _, r := range out {
		maxBase = max(maxBase, upstreamScore(r))
	}
	intentTerms := queryTerms(intent.Task + " " + intent.Role)

	for i := range out {
		base := 0.0
		if maxBase > 0 {
			base = upstreamScore(out[i]) / maxBase
		}
		authority := 0.5
		if v, ok := toFloat(out[i].Metadata["authority"]); ok {
			authority = min(max(v, 0), 1)
		}
		match := 0.0
		if len(intentTerms) > 0 {
			content := foldText(out[i].Content)
			for _, t := range intentTerms {
				if content.has(t) {
					match = 1
					break
				}
			}
		}
		out[i].SemanticRelevanceScore = float64Ptr(0.7*base + 0.2*authority + 0.1*match)
	}
	slices.SortStableFunc(out, func(a, b RerankedResult) int {
		switch {
		case *a.SemanticRelevanceScore > *b.SemanticRelevanceScore:
			return -1
		case *a.SemanticRelevanceScore < *b.SemanticRelevanceScore:
			return 1
		default:
			return 0
		}
	})
	return out, nil
}

func upstreamScore(r RerankedResult) float64 {
	if r.JinaRelevanceScore != nil {
		return *r.JinaRelevanceScore
	}
	return max(r.Score, 0)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
