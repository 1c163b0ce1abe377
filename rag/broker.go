package rag

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/BaSui01/kbretrieval/config"
	"github.com/BaSui01/kbretrieval/types"
)

// EngineMode broker 使用的检索策略
type EngineMode string

const (
	EngineAtomic EngineMode = "atomic"
	// EngineHybrid 优先原子检索，结果为空或失败时回退到直接向量检索
	EngineHybrid EngineMode = "hybrid"
)

// ParseEngineMode 解析配置中的引擎模式，未知值视为 hybrid.
func ParseEngineMode(s string) EngineMode {
	if EngineMode(strings.ToLower(strings.TrimSpace(s))) == EngineAtomic {
		return EngineAtomic
	}
	return EngineHybrid
}

// BrokerRequest 一次检索请求.
type BrokerRequest struct {
	Query string       `json:"query"`
	Scope ScopeContext `json:"scope"`

	// K 返回条数，<=0 使用配置
	K      int `json:"k,omitempty"`
	FetchK int `json:"fetch_k,omitempty"`

	// SkipPlanner 跳过查询规划（例如已在扇出分支内部，避免递归拆分）
	SkipPlanner bool `json:"skip_planner,omitempty"`

	// EngineMode 覆盖配置中的引擎模式
	EngineMode EngineMode `json:"engine_mode,omitempty"`

	Intent       Intent `json:"intent,omitempty"`
	IncludeTrace bool   `json:"include_trace,omitempty"`
}

// BrokerResponse 检索结果.
type BrokerResponse struct {
	Results []RerankedResult `json:"results"`
	Filters Filters          `json:"filters"`
	Plan    *QueryPlan       `json:"plan,omitempty"`
	Trace   *Trace           `json:"trace,omitempty"`
}

// RetrievalBroker 顶层编排：解析过滤条件、规划、检索、重排、范围惩罚.
// 对调用方只返回范围/租户校验错误与查询向量缺失；其它失败都降级并记录在 trace 中.
type RetrievalBroker struct {
	engine   *AtomicRetrievalEngine
	planner  *QueryPlanner
	reranker *RerankingPipeline
	cfg      config.RetrievalConfig
	deps     deps
}

// NewRetrievalBroker 创建 broker；planner 为 nil 时不做规划，reranker 为 nil 时不重排.
func NewRetrievalBroker(engine *AtomicRetrievalEngine, planner *QueryPlanner, reranker *RerankingPipeline, cfg config.RetrievalConfig, opts ...Option) *RetrievalBroker {
	if cfg.K <= 0 {
		cfg.K = config.DefaultRetrievalConfig().K
	}
	return &RetrievalBroker{
		engine:   engine,
		planner:  planner,
		reranker: reranker,
		cfg:      cfg,
		deps:     newDeps("broker", opts),
	}
}

// Engine 返回底层引擎.
func (b *RetrievalBroker) Engine() *AtomicRetrievalEngine { return b.engine }

// Retrieve 执行一次完整检索.
func (b *RetrievalBroker) Retrieve(ctx context.Context, req BrokerRequest) (*BrokerResponse, error) {
	requestID, ok := types.RequestID(ctx)
	if !ok {
		requestID = uuid.NewString()
		ctx = types.WithRequestID(ctx, requestID)
	}
	ctx, span := b.deps.tracer.Start(ctx, "rag.broker.retrieve")
	defer span.End()
	start := time.Now()

	mode := req.EngineMode
	if mode == "" {
		mode = ParseEngineMode(b.cfg.EngineMode)
	}
	logger := b.deps.logger.With(zap.String("request_id", requestID), zap.String("engine_mode", string(mode)))
	tr := NewTrace(requestID)
	tr.EngineMode = string(mode)
	if traceID, ok := types.TraceID(ctx); ok {
		tr.TraceID = traceID
		logger = logger.With(zap.String("trace_id", traceID))
		span.SetAttributes(attribute.String("retrieval.trace_id", traceID))
	}

	filters, err := ResolveFilters(req.Query, req.Scope)
	if err == nil {
		err = EnforceTenant(ctx, filters)
	}
	if err != nil {
		recordSpanError(span, err)
		b.deps.metrics.RecordRetrieval(string(mode), "rejected")
		logger.Warn("retrieval rejected", zap.Error(err))
		return nil, err
	}
	tr.FiltersApplied = filters.Map()
	span.SetAttributes(
		attribute.String("retrieval.engine_mode", string(mode)),
		attribute.String("retrieval.scope_type", string(filters.ScopeType)),
		attribute.String("retrieval.tenant_id", filters.TenantID),
	)

	k := req.K
	if k <= 0 {
		k = b.cfg.K
	}

	var plan *QueryPlan
	if !req.SkipPlanner && b.planner != nil {
		p := b.planner.Decompose(ctx, req.Query)
		plan = &p
		b.recordPlan(tr, p)
	}

	rr := RetrievalRequest{Query: req.Query, Filters: filters, K: k, FetchK: req.FetchK, Trace: tr}
	result, err := b.retrieve(ctx, mode, plan, rr)
	if err != nil {
		recordSpanError(span, err)
		return nil, b.fail(mode, logger, err)
	}

	// 条款过滤把结果筛空时（如查询 9.3 而库里是 9.3.1），放宽到标准/范围再试一次
	if len(result.Candidates) == 0 && filters.ClauseID != "" && b.cfg.ClauseRelaxation {
		relaxed := filters.WithoutClause()
		tr.Degrade("clause_filter", DegradedClauseRelaxed, filters.ClauseID)
		b.deps.metrics.RecordDegraded("clause_filter", string(DegradedClauseRelaxed))
		rr.Filters = relaxed
		result, err = b.retrieve(ctx, mode, plan, rr)
		if err != nil {
			recordSpanError(span, err)
			return nil, b.fail(mode, logger, err)
		}
		filters = relaxed
		tr.Set(func(t *Trace) { t.FiltersApplied = relaxed.Map() })
	}

	var results []RerankedResult
	space := result.ScoreSpace
	if b.reranker != nil {
		var reranked bool
		results, reranked = b.reranker.Rerank(ctx, req.Query, req.Intent, result.Candidates, k, tr)
		if reranked {
			space = ScoreSpaceRerank
		}
	} else {
		results = truncateResults(wrapCandidates(result.Candidates), k)
	}

	results = b.applyPenalty(results, filters, space, tr)

	tr.Set(func(t *Trace) { t.ScoreSpace = space })
	tr.AddTiming("total", time.Since(start))
	status := "success"
	if len(tr.Snapshot().Degraded) > 0 {
		status = "degraded"
	}
	b.deps.metrics.RecordRetrieval(string(mode), status)
	b.deps.metrics.RecordStage("broker", time.Since(start))
	span.SetAttributes(attribute.Int("retrieval.results", len(results)), attribute.String("retrieval.status", status))
	logger.Debug("retrieval completed", zap.Int("results", len(results)), zap.String("status", status))

	resp := &BrokerResponse{Results: results, Filters: filters, Plan: plan}
	if req.IncludeTrace || b.cfg.TraceEnabled {
		resp.Trace = tr.Snapshot()
	}
	return resp, nil
}

// retrieve 选择单查询或计划路径；hybrid 模式下原子检索为空或失败时回退到直接向量检索.
// 只有查询向量缺失与调用方取消会作为错误返回.
func (b *RetrievalBroker) retrieve(ctx context.Context, mode EngineMode, plan *QueryPlan, rr RetrievalRequest) (*RetrievalResult, error) {
	var (
		res *RetrievalResult
		err error
	)
	switch {
	case plan != nil && len(plan.SubQueries) > 1:
		res, err = b.engine.RetrieveContextFromPlan(ctx, rr.Query, *plan, rr)
	case plan != nil && len(plan.SubQueries) == 1:
		sq := plan.SubQueries[0]
		rr.Relations, rr.NodeTypes = sq.TargetRelations, sq.TargetNodeTypes
		rr.GraphHops = 1
		if sq.IsDeep {
			rr.GraphHops = 0
		}
		res, err = b.engine.RetrieveContext(ctx, rr)
	default:
		res, err = b.engine.RetrieveContext(ctx, rr)
	}
	if fatal(ctx, err) {
		return nil, err
	}
	if err == nil && len(res.Candidates) > 0 {
		return res, nil
	}

	reason := DegradedAtomicEmpty
	if err != nil {
		reason = DegradedAtomicFailed
	}
	if mode != EngineHybrid {
		if err != nil {
			b.degrade(rr.Trace, "atomic", reason, err)
		}
		return &RetrievalResult{ScoreSpace: ScoreSpaceRRF}, nil
	}

	b.degrade(rr.Trace, "atomic", reason, err)
	direct, derr := b.engine.RetrieveDirectVector(ctx, rr)
	if fatal(ctx, derr) {
		return nil, derr
	}
	if derr != nil {
		b.degrade(rr.Trace, "direct_vector", DegradedVectorFailed, derr)
		return &RetrievalResult{ScoreSpace: ScoreSpaceSimilarity}, nil
	}
	return direct, nil
}

// applyPenalty 软惩罚范围外的行并重新排序；StrictScopeFilter 时再丢弃被惩罚的行.
// 重排分数空间下按有效分数排序，其它分数空间下把未惩罚的行稳定地排在前面.
func (b *RetrievalBroker) applyPenalty(rows []RerankedResult, f Filters, space ScoreSpace, tr *Trace) []RerankedResult {
	requested := f.Standards()
	out := ApplyScopePenalty(rows, requested, b.cfg.ScopePenaltyFactor)

	if space == ScoreSpaceRerank {
		slices.SortStableFunc(out, func(x, y RerankedResult) int {
			switch sx, sy := x.EffectiveScore(), y.EffectiveScore(); {
			case sx > sy:
				return -1
			case sx < sy:
				return 1
			default:
				return 0
			}
		})
	} else {
		slices.SortStableFunc(out, func(x, y RerankedResult) int {
			switch {
			case !x.ScopePenalized && y.ScopePenalized:
				return -1
			case x.ScopePenalized && !y.ScopePenalized:
				return 1
			default:
				return 0
			}
		})
	}

	penalized := 0
	for _, r := range out {
		if r.ScopePenalized {
			penalized++
		}
	}
	tenant := f.TenantID
	if tenant == "" {
		tenant = string(ScopeGlobal)
	}
	b.deps.metrics.RecordScopePenalty(tenant, len(out), penalized)
	ratio := 0.0
	if len(out) > 0 {
		ratio = float64(penalized) / float64(len(out))
	}
	tr.Set(func(t *Trace) { t.ScopePenalizedRatio = ratio })

	if b.cfg.StrictScopeFilter && penalized > 0 {
		out = slices.DeleteFunc(out, func(r RerankedResult) bool { return r.ScopePenalized })
	}
	return out
}

func (b *RetrievalBroker) recordPlan(tr *Trace, p QueryPlan) {
	tr.Set(func(t *Trace) {
		t.PlannerUsed = p.Strategy != StrategySimple
		t.PlannerMultihop = p.IsMultihop
		t.PlannerFallback = p.FallbackReason
		t.SubQueryCount = len(p.SubQueries)
	})
	switch p.FallbackReason {
	case FallbackDeterministicError:
		tr.Degrade("planner", DegradedPlannerError, "")
	case FallbackDeterministicTimeout:
		tr.Degrade("planner", DegradedPlannerTimeout, "")
	case FallbackDeterministicParse:
		tr.Degrade("planner", DegradedPlannerParse, "")
	case FallbackMultihopBelowTol:
		tr.Warn("multihop plan collapsed to a single sub-query")
	}
}

func (b *RetrievalBroker) degrade(tr *Trace, stage string, reason DegradedReason, err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	tr.Degrade(stage, reason, detail)
	b.deps.metrics.RecordDegraded(stage, string(reason))
	b.deps.logger.Warn("retrieval degraded", zap.String("stage", stage), zap.String("reason", string(reason)), zap.Error(err))
}

func (b *RetrievalBroker) fail(mode EngineMode, logger *zap.Logger, err error) error {
	b.deps.metrics.RecordRetrieval(string(mode), "error")
	logger.Warn("retrieval failed", zap.Error(err))
	return err
}

// fatal 查询向量缺失或调用方取消.
func fatal(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return true
	}
	return types.IsErrorCode(err, types.ErrEmbeddingFailure)
}

func wrapCandidates(rows []RetrievalCandidate) []RerankedResult {
	out := make([]RerankedResult, len(rows))
	for i, r := range rows {
		out[i] = RerankedResult{RetrievalCandidate: r}
	}
	return out
}
