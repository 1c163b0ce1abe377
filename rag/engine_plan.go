package rag

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/kbretrieval/types"
)

// branch 计划中的一路检索；安全检索（原始查询，不做图谱扩展）固定在最后.
type branch struct {
	name   string
	req    RetrievalRequest
	safety bool
}

// RetrieveContextFromPlan 按计划检索：顺序模式逐个执行子查询，并行模式受 MaxParallelBranches 限制并发执行.
// 两种模式都会额外执行一次原始查询的安全检索；单个分支失败或超时只会被排除，不影响其它分支.
func (e *AtomicRetrievalEngine) RetrieveContextFromPlan(ctx context.Context, query string, plan QueryPlan, req RetrievalRequest) (*RetrievalResult, error) {
	if len(plan.SubQueries) == 0 {
		req.Query = query
		return e.RetrieveContext(ctx, req)
	}

	ctx, span := e.deps.tracer.Start(ctx, "rag.engine.retrieve_plan")
	defer span.End()
	span.SetAttributes(
		attribute.String("plan.execution_mode", string(plan.ExecutionMode)),
		attribute.Int("plan.sub_queries", len(plan.SubQueries)),
	)
	start := time.Now()

	branches := e.planBranches(query, plan, req)
	var results [][]RetrievalCandidate
	var err error
	if plan.ExecutionMode == ExecutionSequential {
		results, err = e.runSequential(ctx, branches)
	} else {
		results, err = e.runParallel(ctx, branches)
	}
	e.observe(req.Trace, "plan_fanout", start)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	merged := MergeDedupe(0, results...)
	span.SetAttributes(attribute.Int("retrieval.results", len(merged)))
	return &RetrievalResult{Candidates: merged, ScoreSpace: ScoreSpaceRRF}, nil
}

func (e *AtomicRetrievalEngine) planBranches(query string, plan QueryPlan, req RetrievalRequest) []branch {
	out := make([]branch, 0, len(plan.SubQueries)+1)
	for _, sq := range plan.SubQueries {
		r := req
		r.Query = sq.Query
		r.Relations = sq.TargetRelations
		r.NodeTypes = sq.TargetNodeTypes
		r.GraphHops = 1
		if sq.IsDeep {
			r.GraphHops = e.cfg.GraphMaxHops
		}
		out = append(out, branch{name: sq.ID, req: r})
	}
	safety := req
	safety.Query = query
	safety.SkipGraph = true
	safety.Relations, safety.NodeTypes = nil, nil
	return append(out, branch{name: "safety_pass", req: safety, safety: true})
}

// runSequential 按顺序执行；调用方取消时立即返回.
func (e *AtomicRetrievalEngine) runSequential(ctx context.Context, branches []branch) ([][]RetrievalCandidate, error) {
	results := make([][]RetrievalCandidate, len(branches))
	ok := 0
	for i, b := range branches {
		rows, err := e.runBranch(ctx, b)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if b.safety && types.IsErrorCode(err, types.ErrEmbeddingFailure) {
				return nil, err
			}
			continue
		}
		results[i] = rows
		ok++
	}
	if ok == 0 {
		return nil, types.NewUpstreamTransientError("all plan branches failed", nil)
	}
	return results, nil
}

// runParallel 并发执行所有分支.
// 使用不带 ctx 的 errgroup：分支错误被吞掉并记录，不会取消兄弟分支；调用方取消经 ctx 传递到每个分支.
func (e *AtomicRetrievalEngine) runParallel(ctx context.Context, branches []branch) ([][]RetrievalCandidate, error) {
	results := make([][]RetrievalCandidate, len(branches))
	errs := make([]error, len(branches))
	sem := semaphore.NewWeighted(int64(e.cfg.MaxParallelBranches))

	var g errgroup.Group
	for i, b := range branches {
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				errs[i] = err
				return nil
			}
			defer sem.Release(1)
			results[i], errs[i] = e.runBranch(ctx, b)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ok := 0
	for i, b := range branches {
		if errs[i] == nil {
			ok++
			continue
		}
		if b.safety && types.IsErrorCode(errs[i], types.ErrEmbeddingFailure) {
			return nil, errs[i]
		}
	}
	if ok == 0 {
		return nil, types.NewUpstreamTransientError("all plan branches failed", errors.Join(errs...))
	}
	return results, nil
}

// runBranch 带单分支超时执行一次检索，失败记录到 trace.
func (e *AtomicRetrievalEngine) runBranch(ctx context.Context, b branch) ([]RetrievalCandidate, error) {
	bctx := ctx
	if e.cfg.BranchTimeout > 0 {
		var cancel context.CancelFunc
		bctx, cancel = context.WithTimeout(ctx, e.cfg.BranchTimeout)
		defer cancel()
	}
	res, err := e.RetrieveContext(bctx, b.req)
	if err == nil {
		return res.Candidates, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	reason := DegradedBranchFailed
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(bctx.Err(), context.DeadlineExceeded) {
		reason = DegradedBranchTimeout
	}
	e.degrade(b.req.Trace, "branch:"+b.name, reason, err)
	e.deps.logger.Debug("plan branch excluded", zap.String("branch", b.name), zap.Bool("safety", b.safety))
	return nil, err
}
