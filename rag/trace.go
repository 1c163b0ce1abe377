package rag

import (
	"slices"
	"sync"
	"time"
)

// DegradedReason 标识某个阶段降级的原因.
type DegradedReason string

const (
	DegradedPlannerError      DegradedReason = "planner_error"
	DegradedPlannerTimeout    DegradedReason = "planner_timeout"
	DegradedPlannerParse      DegradedReason = "planner_parse"
	DegradedSourceDocsFailed  DegradedReason = "source_docs_failed"
	DegradedHybridFailed      DegradedReason = "hybrid_rpc_failed"
	DegradedHybridCompat      DegradedReason = "hybrid_signature_mismatch"
	DegradedVectorFailed      DegradedReason = "vector_failed"
	DegradedFTSFailed         DegradedReason = "fts_failed"
	DegradedGraphFailed       DegradedReason = "graph_failed"
	DegradedBranchFailed      DegradedReason = "branch_failed"
	DegradedBranchTimeout     DegradedReason = "branch_timeout"
	DegradedAtomicEmpty       DegradedReason = "atomic_empty"
	DegradedAtomicFailed      DegradedReason = "atomic_failed"
	DegradedClauseRelaxed     DegradedReason = "clause_relaxed"
	DegradedRerankFailed      DegradedReason = "rerank_failed"
	DegradedRerankCircuitOpen DegradedReason = "rerank_circuit_open"
	DegradedLocalRerankFailed DegradedReason = "local_rerank_failed"
)

// Degradation 一条降级记录.
type Degradation struct {
	Stage  string         `json:"stage"`
	Reason DegradedReason `json:"reason"`
	Detail string         `json:"detail,omitempty"`
}

// ScoreSpace 结果分数所在的尺度
type ScoreSpace string

const (
	ScoreSpaceRRF        ScoreSpace = "rrf"
	ScoreSpaceSimilarity ScoreSpace = "similarity"
	ScoreSpaceRerank     ScoreSpace = "rerank"
)

// Trace 单次请求的诊断信息，请求结束后丢弃.
// 并行分支会同时写入，所有方法都加锁，并且对 nil 接收者安全.
type Trace struct {
	mu sync.Mutex

	RequestID           string             `json:"request_id,omitempty"`
	TraceID             string             `json:"trace_id,omitempty"`
	FiltersApplied      map[string]any     `json:"filters_applied,omitempty"`
	EngineMode          string             `json:"engine_mode,omitempty"`
	PlannerUsed         bool               `json:"planner_used"`
	PlannerMultihop     bool               `json:"planner_multihop"`
	PlannerFallback     string             `json:"planner_fallback,omitempty"`
	SubQueryCount       int                `json:"sub_query_count,omitempty"`
	HybridCompat        string             `json:"hybrid_compat,omitempty"`
	TimingsMS           map[string]float64 `json:"timings_ms"`
	Warnings            []string           `json:"warnings,omitempty"`
	Degraded            []Degradation      `json:"degraded,omitempty"`
	ScopePenalizedRatio float64            `json:"scope_penalized_ratio"`
	ScoreSpace          ScoreSpace         `json:"score_space,omitempty"`
}

// NewTrace 创建空 trace.
func NewTrace(requestID string) *Trace {
	return &Trace{RequestID: requestID, TimingsMS: make(map[string]float64)}
}

// AddTiming 累加某阶段耗时（毫秒），同名阶段在多个分支中会累计.
func (t *Trace) AddTiming(stage string, d time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.TimingsMS == nil {
		t.TimingsMS = make(map[string]float64)
	}
	t.TimingsMS[stage] += float64(d.Microseconds()) / 1000
}

// Warn 追加告警.
func (t *Trace) Warn(msg string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.Warnings = append(t.Warnings, msg)
	t.mu.Unlock()
}

// Degrade 记录一次降级.
func (t *Trace) Degrade(stage string, reason DegradedReason, detail string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.Degraded = append(t.Degraded, Degradation{Stage: stage, Reason: reason, Detail: detail})
	t.mu.Unlock()
}

// HasDegraded 判断是否出现过指定原因.
func (t *Trace) HasDegraded(reason DegradedReason) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range t.Degraded {
		if d.Reason == reason {
			return true
		}
	}
	return false
}

// Set 在锁内修改标量字段.
func (t *Trace) Set(fn func(t *Trace)) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t)
}

// Snapshot 返回一份不带锁的拷贝，供调用方读取.
func (t *Trace) Snapshot() *Trace {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := &Trace{
		RequestID:           t.RequestID,
		TraceID:             t.TraceID,
		FiltersApplied:      t.FiltersApplied,
		EngineMode:          t.EngineMode,
		PlannerUsed:         t.PlannerUsed,
		PlannerMultihop:     t.PlannerMultihop,
		PlannerFallback:     t.PlannerFallback,
		SubQueryCount:       t.SubQueryCount,
		HybridCompat:        t.HybridCompat,
		TimingsMS:           make(map[string]float64, len(t.TimingsMS)),
		Warnings:            slices.Clone(t.Warnings),
		Degraded:            slices.Clone(t.Degraded),
		ScopePenalizedRatio: t.ScopePenalizedRatio,
		ScoreSpace:          t.ScoreSpace,
	}
	for k, v := range t.TimingsMS {
		out.TimingsMS[k] = v
	}
	return out
}
