package rag

import (
	"slices"
)

// ScopeType 检索范围类型
type ScopeType string

const (
	ScopeInstitutional ScopeType = "institutional" // 单租户
	ScopeGlobal        ScopeType = "global"        // 公共知识库
)

// ScopeContext 调用方声明的检索范围.
// Institutional 必须携带 TenantID.
type ScopeContext struct {
	Type            ScopeType `json:"type"`
	TenantID        string    `json:"tenant_id,omitempty"`
	CollectionID    string    `json:"collection_id,omitempty"`
	Filters         Filters   `json:"filters,omitempty"`
	SourceStandard  string    `json:"source_standard,omitempty"`
	SourceStandards []string  `json:"source_standards,omitempty"`
}

// Filters 是解析后的最终过滤条件，按值传递，跨边界不共享可变状态.
// SourceStandard 与 SourceStandards 互斥：两个及以上标准时只用复数字段.
type Filters struct {
	ScopeType       ScopeType         `json:"scope_type,omitempty"`
	TenantID        string            `json:"tenant_id,omitempty"`
	CollectionID    string            `json:"collection_id,omitempty"`
	SourceStandard  string            `json:"source_standard,omitempty"`
	SourceStandards []string          `json:"source_standards,omitempty"`
	ClauseID        string            `json:"clause_id,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// Clone 深拷贝.
func (f Filters) Clone() Filters {
	out := f
	out.SourceStandards = slices.Clone(f.SourceStandards)
	if f.Extra != nil {
		out.Extra = make(map[string]string, len(f.Extra))
		for k, v := range f.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// Standards 返回生效的标准列表.
func (f Filters) Standards() []string {
	if len(f.SourceStandards) > 0 {
		return slices.Clone(f.SourceStandards)
	}
	if f.SourceStandard != "" {
		return []string{f.SourceStandard}
	}
	return nil
}

// WithoutClause 返回去掉条款约束的副本.
func (f Filters) WithoutClause() Filters {
	out := f.Clone()
	out.ClauseID = ""
	return out
}

// Map 以存储层与诊断信息使用的扁平结构输出，条款放在 metadata.clause_id 下.
func (f Filters) Map() map[string]any {
	m := make(map[string]any)
	if f.ScopeType != "" {
		m["scope_type"] = string(f.ScopeType)
	}
	if f.TenantID != "" {
		m["tenant_id"] = f.TenantID
	}
	if f.CollectionID != "" {
		m["collection_id"] = f.CollectionID
	}
	if f.SourceStandard != "" {
		m["source_standard"] = f.SourceStandard
	}
	if len(f.SourceStandards) > 0 {
		m["source_standards"] = slices.Clone(f.SourceStandards)
	}
	if f.ClauseID != "" {
		m["metadata"] = map[string]any{"clause_id": f.ClauseID}
	}
	for k, v := range f.Extra {
		if _, taken := m[k]; !taken {
			m[k] = v
		}
	}
	return m
}

// ExecutionMode 子查询执行方式
type ExecutionMode string

const (
	ExecutionParallel   ExecutionMode = "parallel"
	ExecutionSequential ExecutionMode = "sequential"
)

// 规划回退原因
const (
	FallbackDeterministicError   = "deterministic_error"
	FallbackDeterministicTimeout = "deterministic_timeout"
	FallbackDeterministicParse   = "deterministic_parse"
	FallbackMultihopBelowTol     = "multihop_below_tolerance"
)

// QueryPlan 查询规划结果.
// 非多跳计划至多一个子查询.
type QueryPlan struct {
	IsMultihop     bool              `json:"is_multihop"`
	ExecutionMode  ExecutionMode     `json:"execution_mode"`
	SubQueries     []PlannedSubQuery `json:"sub_queries"`
	FallbackReason string            `json:"fallback_reason,omitempty"`
	Strategy       PlanStrategy      `json:"strategy,omitempty"`
}

// PlannedSubQuery 由规划器创建，创建后不再修改.
type PlannedSubQuery struct {
	ID              string   `json:"id"`
	Query           string   `json:"query"`
	DependencyID    string   `json:"dependency_id,omitempty"`
	TargetRelations []string `json:"target_relations,omitempty"`
	TargetNodeTypes []string `json:"target_node_types,omitempty"`
	IsDeep          bool     `json:"is_deep"`
}

// SourceLayer 候选来源
type SourceLayer string

const (
	LayerVector SourceLayer = "vector"
	LayerFTS    SourceLayer = "fts"
	LayerGraph  SourceLayer = "graph"
	LayerHybrid SourceLayer = "hybrid"
)

// RetrievalCandidate 单条召回结果，ID 是请求内跨层去重的键.
type RetrievalCandidate struct {
	ID          string         `json:"id"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Similarity  float64        `json:"similarity"`
	Score       float64        `json:"score"`
	SourceLayer SourceLayer    `json:"source_layer"`
	SourceID    string         `json:"source_id,omitempty"`
}

// RerankedResult 重排后的结果.
type RerankedResult struct {
	RetrievalCandidate

	// 外部交叉编码器分数（jina 或 cohere）
	JinaRelevanceScore *float64 `json:"jina_relevance_score,omitempty"`
	// 本地权威度重排分数
	SemanticRelevanceScore *float64 `json:"semantic_relevance_score,omitempty"`

	ScopePenalized bool    `json:"scope_penalized,omitempty"`
	ScopePenalty   float64 `json:"scope_penalty,omitempty"`
}

// EffectiveScore 排序时使用的分数：本地重排 > 外部重排 > 召回分数.
func (r RerankedResult) EffectiveScore() float64 {
	switch {
	case r.SemanticRelevanceScore != nil:
		return *r.SemanticRelevanceScore
	case r.JinaRelevanceScore != nil:
		return *r.JinaRelevanceScore
	default:
		return r.Score
	}
}

// SourceDocument 源文档（用于预先确定检索的文档全集）.
type SourceDocument struct {
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Intent 本地重排使用的意图描述.
type Intent struct {
	Role string `json:"role,omitempty"`
	Task string `json:"task,omitempty"`
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func float64Ptr(v float64) *float64 { return &v }
