package rag

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/kbretrieval/config"
	"github.com/BaSui01/kbretrieval/llm/embedding"
	"github.com/BaSui01/kbretrieval/types"
)

// RetrievalRequest 单次原子检索的输入.
type RetrievalRequest struct {
	Query   string
	Filters Filters

	// K 最终条数，FetchK 每一路召回条数；<=0 时使用配置
	K      int
	FetchK int

	// GraphHops 图谱扩展跳数，<=0 时使用配置；SkipGraph 为 true 时不做图谱扩展
	GraphHops int
	SkipGraph bool
	Relations []string
	NodeTypes []string

	Trace *Trace
}

// RetrievalResult 原子检索输出.
type RetrievalResult struct {
	Candidates []RetrievalCandidate
	ScoreSpace ScoreSpace
}

// AtomicRetrievalEngine 向量、全文、图谱三路召回并融合.
type AtomicRetrievalEngine struct {
	store    Store
	embedder embedding.Service
	compat   *HybridCompat
	cfg      config.RetrievalConfig
	deps     deps
}

// NewAtomicRetrievalEngine 创建引擎.
func NewAtomicRetrievalEngine(store Store, embedder embedding.Service, cfg config.RetrievalConfig, opts ...Option) *AtomicRetrievalEngine {
	def := config.DefaultRetrievalConfig()
	if cfg.K <= 0 {
		cfg.K = def.K
	}
	if cfg.FetchK <= 0 {
		cfg.FetchK = def.FetchK
	}
	if cfg.RRFK <= 0 {
		cfg.RRFK = def.RRFK
	}
	if cfg.MaxParallelBranches <= 0 {
		cfg.MaxParallelBranches = def.MaxParallelBranches
	}
	d := newDeps("retrieval_engine", opts)
	return &AtomicRetrievalEngine{
		store:    store,
		embedder: embedder,
		compat:   NewHybridCompat(cfg.HybridCompatReprobe, d.metrics, d.logger),
		cfg:      cfg,
		deps:     d,
	}
}

// Compat 返回融合 RPC 的兼容状态，可用于观察或重置.
func (e *AtomicRetrievalEngine) Compat() *HybridCompat { return e.compat }

// RetrieveContext 对单个查询执行检索.
// 查询向量缺失时返回 EMBEDDING_FAILURE；所有后端都失败时返回 UPSTREAM_TRANSIENT；其余失败记录为降级.
func (e *AtomicRetrievalEngine) RetrieveContext(ctx context.Context, req RetrievalRequest) (*RetrievalResult, error) {
	ctx, span := e.deps.tracer.Start(ctx, "rag.engine.retrieve")
	defer span.End()
	start := time.Now()

	vec, err := e.embed(ctx, req.Query, req.Trace)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	res, err := e.retrieveWithVector(ctx, req, vec)
	e.observe(req.Trace, "retrieve", start)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("retrieval.results", len(res.Candidates)),
		attribute.String("retrieval.score_space", string(res.ScoreSpace)),
	)
	return res, nil
}

// RetrieveDirectVector 最简单的策略：只做一次向量检索，不做文档集合解析、融合与图谱扩展.
func (e *AtomicRetrievalEngine) RetrieveDirectVector(ctx context.Context, req RetrievalRequest) (*RetrievalResult, error) {
	ctx, span := e.deps.tracer.Start(ctx, "rag.engine.direct_vector")
	defer span.End()

	vec, err := e.embed(ctx, req.Query, req.Trace)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	start := time.Now()
	rows, err := e.store.VectorSearch(ctx, vec, SearchFilters{Filters: req.Filters.Clone()}, e.k(req))
	e.observe(req.Trace, "direct_vector", start)
	if err != nil {
		recordSpanError(span, err)
		return nil, types.NewUpstreamTransientError("direct vector search failed", err)
	}
	return &RetrievalResult{Candidates: rows, ScoreSpace: ScoreSpaceSimilarity}, nil
}

func (e *AtomicRetrievalEngine) embed(ctx context.Context, query string, tr *Trace) ([]float32, error) {
	start := time.Now()
	vec, err := e.embedder.EmbedQuery(ctx, query)
	e.observe(tr, "embed", start)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if types.IsErrorCode(err, types.ErrEmbeddingFailure) {
			return nil, err
		}
		return nil, types.NewEmbeddingFailure("embed query", err)
	}
	if len(vec) == 0 {
		return nil, types.NewEmbeddingFailure("empty query embedding", nil)
	}
	return vec, nil
}

func (e *AtomicRetrievalEngine) retrieveWithVector(ctx context.Context, req RetrievalRequest, vec []float32) (*RetrievalResult, error) {
	tr := req.Trace
	filters := SearchFilters{Filters: req.Filters.Clone()}

	docIDs, none := e.resolveUniverse(ctx, req.Filters, tr)
	if none {
		return &RetrievalResult{ScoreSpace: ScoreSpaceRRF}, nil
	}
	filters.DocumentIDs = docIDs

	var (
		fused     []RetrievalCandidate
		fusedErr  error
		graphRows []RetrievalCandidate
		graphErr  error
		graphRan  bool
	)
	// 融合与图谱互不影响，任一失败都不取消另一个
	var g errgroup.Group
	g.Go(func() error {
		fused, fusedErr = e.searchFused(ctx, req, vec, filters)
		return nil
	})
	if hops := e.graphHops(req); hops > 0 {
		graphRan = true
		g.Go(func() error {
			graphRows, graphErr = e.searchGraph(ctx, req, vec, filters, hops)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fusedErr != nil && (!graphRan || graphErr != nil) {
		return nil, types.NewUpstreamTransientError("all retrieval backends failed", errors.Join(fusedErr, graphErr))
	}

	start := time.Now()
	merged := MergeDedupe(e.k(req), fused, graphRows)
	e.observe(tr, "merge", start)

	space := ScoreSpaceRRF
	if len(fused) == 0 && len(graphRows) > 0 {
		space = ScoreSpaceSimilarity
	}
	return &RetrievalResult{Candidates: merged, ScoreSpace: space}, nil
}

// resolveUniverse 预先确定检索的源文档集合.
// 返回 none=true 表示严格模式下没有任何文档匹配，本次检索应为空.
func (e *AtomicRetrievalEngine) resolveUniverse(ctx context.Context, f Filters, tr *Trace) (ids []string, none bool) {
	limit := e.cfg.SourceDocLimit
	if limit <= 0 {
		return nil, false
	}
	start := time.Now()
	docs, err := e.store.ListSourceDocuments(ctx, DocumentScope{
		ScopeType:    f.ScopeType,
		TenantID:     f.TenantID,
		CollectionID: f.CollectionID,
	}, limit)
	e.observe(tr, "source_docs", start)
	if err != nil {
		e.degrade(tr, "source_docs", DegradedSourceDocsFailed, err)
		return nil, false
	}
	if len(docs) == 0 {
		return nil, false
	}
	if len(docs) >= limit {
		tr.Warn(fmt.Sprintf("source document universe truncated at %d, searching unrestricted", limit))
		return nil, false
	}

	standards := f.Standards()
	if !e.cfg.StrictSourceDocs || len(standards) == 0 {
		ids = make([]string, 0, len(docs))
		for _, d := range docs {
			ids = append(ids, d.ID)
		}
		return ids, false
	}

	want := make(map[string]struct{}, len(standards))
	for _, s := range standards {
		want[ScopeKey(s)] = struct{}{}
	}
	for _, d := range docs {
		if anyScopeIn(RowScopes(d.Metadata), want) {
			ids = append(ids, d.ID)
		}
	}
	if len(ids) == 0 {
		tr.Warn("strict source document mode matched no documents")
		return nil, true
	}
	return ids, false
}

// searchFused 优先一次往返的服务端融合，失败时回退到客户端向量+全文+RRF.
func (e *AtomicRetrievalEngine) searchFused(ctx context.Context, req RetrievalRequest, vec []float32, filters SearchFilters) ([]RetrievalCandidate, error) {
	if hs, ok := e.store.(HybridSearcher); ok && e.cfg.HybridRPCEnabled {
		rows, err := e.searchHybrid(ctx, hs, req, vec, filters)
		if err == nil {
			return rows, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return e.searchClientSide(ctx, req, vec, filters)
}

func (e *AtomicRetrievalEngine) searchHybrid(ctx context.Context, hs HybridSearcher, req RetrievalRequest, vec []float32, filters SearchFilters) ([]RetrievalCandidate, error) {
	tr := req.Trace
	q := HybridQuery{
		Vector:       vec,
		Text:         req.Query,
		Filters:      filters,
		RRFK:         e.cfg.RRFK,
		VectorWeight: e.cfg.VectorWeight,
		FTSWeight:    e.cfg.FTSWeight,
		Limit:        e.fetchK(req),
		Legacy:       e.compat.UseLegacy(),
	}

	start := time.Now()
	rows, err := hs.HybridSearch(ctx, q)
	e.observe(tr, "hybrid_rpc", start)
	if err == nil {
		tr.Set(func(t *Trace) { t.HybridCompat = string(modeOf(q.Legacy)) })
		return rows, nil
	}

	if !q.Legacy && isSignatureMismatch(err) {
		e.compat.MarkLegacy(err.Error())
		e.degrade(tr, "hybrid_rpc", DegradedHybridCompat, err)
		q.Legacy = true
		start = time.Now()
		rows, err = hs.HybridSearch(ctx, q)
		e.observe(tr, "hybrid_rpc", start)
		if err == nil {
			tr.Set(func(t *Trace) { t.HybridCompat = string(CompatLegacy) })
			return rows, nil
		}
	}
	e.degrade(tr, "hybrid_rpc", DegradedHybridFailed, err)
	return nil, err
}

func modeOf(legacy bool) CompatMode {
	if legacy {
		return CompatLegacy
	}
	return CompatFull
}

func isSignatureMismatch(err error) bool {
	return types.IsErrorCode(err, types.ErrSignatureMismatch) || IsSignatureMismatch(err)
}

// searchClientSide 向量与全文并发召回后做加权 RRF；一路失败时只用另一路.
func (e *AtomicRetrievalEngine) searchClientSide(ctx context.Context, req RetrievalRequest, vec []float32, filters SearchFilters) ([]RetrievalCandidate, error) {
	tr := req.Trace
	limit := e.fetchK(req)

	var (
		vecRows, ftsRows []RetrievalCandidate
		vecErr, ftsErr   error
		g                errgroup.Group
	)
	g.Go(func() error {
		start := time.Now()
		vecRows, vecErr = e.store.VectorSearch(ctx, vec, filters, limit)
		e.observe(tr, "vector", start)
		return nil
	})
	g.Go(func() error {
		start := time.Now()
		ftsRows, ftsErr = e.store.FTSSearch(ctx, req.Query, filters, limit)
		e.observe(tr, "fts", start)
		return nil
	})
	_ = g.Wait()

	if vecErr != nil {
		e.degrade(tr, "vector", DegradedVectorFailed, vecErr)
	}
	if ftsErr != nil {
		e.degrade(tr, "fts", DegradedFTSFailed, ftsErr)
	}
	if vecErr != nil && ftsErr != nil {
		return nil, errors.Join(vecErr, ftsErr)
	}

	start := time.Now()
	fused := FuseRRF(e.cfg.RRFK,
		RankedList{Weight: e.cfg.VectorWeight, Rows: vecRows},
		RankedList{Weight: e.cfg.FTSWeight, Rows: ftsRows},
	)
	e.observe(tr, "rrf", start)
	return fused, nil
}

func (e *AtomicRetrievalEngine) searchGraph(ctx context.Context, req RetrievalRequest, vec []float32, filters SearchFilters, hops int) ([]RetrievalCandidate, error) {
	start := time.Now()
	rows, err := e.store.GraphMultihop(ctx, GraphQuery{
		Vector:    vec,
		TenantID:  filters.TenantID,
		MaxHops:   hops,
		Decay:     e.cfg.GraphDecay,
		Limit:     e.cfg.GraphLimit,
		Relations: req.Relations,
		NodeTypes: req.NodeTypes,
		Filters:   filters,
	})
	e.observe(req.Trace, "graph", start)
	if err != nil {
		e.degrade(req.Trace, "graph", DegradedGraphFailed, err)
		return nil, err
	}
	return rows, nil
}

func (e *AtomicRetrievalEngine) graphHops(req RetrievalRequest) int {
	if !e.cfg.GraphEnabled || req.SkipGraph {
		return 0
	}
	if req.GraphHops > 0 {
		return req.GraphHops
	}
	return e.cfg.GraphMaxHops
}

func (e *AtomicRetrievalEngine) k(req RetrievalRequest) int {
	if req.K > 0 {
		return req.K
	}
	return e.cfg.K
}

func (e *AtomicRetrievalEngine) fetchK(req RetrievalRequest) int {
	if req.FetchK > 0 {
		return req.FetchK
	}
	if k := e.k(req); k > e.cfg.FetchK {
		return k
	}
	return e.cfg.FetchK
}

func (e *AtomicRetrievalEngine) observe(tr *Trace, stage string, start time.Time) {
	d := time.Since(start)
	tr.AddTiming(stage, d)
	e.deps.metrics.RecordStage(stage, d)
}

func (e *AtomicRetrievalEngine) degrade(tr *Trace, stage string, reason DegradedReason, err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	tr.Degrade(stage, reason, detail)
	e.deps.metrics.RecordDegraded(stage, string(reason))
	e.deps.logger.Warn("retrieval stage degraded",
		zap.String("stage", stage),
		zap.String("reason", string(reason)),
		zap.Error(err),
	)
}
