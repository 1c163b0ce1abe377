package rag

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// SearchFilters 下发给存储层的过滤条件.
// DocumentIDs 为空表示不限定文档集合.
type SearchFilters struct {
	Filters
	DocumentIDs []string
}

// GraphQuery 图谱多跳扩展参数.
type GraphQuery struct {
	Vector    []float32
	TenantID  string
	MaxHops   int
	Decay     float64
	Limit     int
	Relations []string
	NodeTypes []string
	Filters   SearchFilters
}

// HybridQuery 服务端融合检索参数.
// Legacy 为 true 时按旧签名调用，不传权重参数.
type HybridQuery struct {
	Vector       []float32
	Text         string
	Filters      SearchFilters
	RRFK         int
	VectorWeight float64
	FTSWeight    float64
	Limit        int
	Legacy       bool
}

// DocumentScope 源文档枚举范围.
type DocumentScope struct {
	ScopeType    ScopeType
	TenantID     string
	CollectionID string
}

// Store 检索引擎依赖的存储原语.
type Store interface {
	VectorSearch(ctx context.Context, vector []float32, filters SearchFilters, limit int) ([]RetrievalCandidate, error)
	FTSSearch(ctx context.Context, text string, filters SearchFilters, limit int) ([]RetrievalCandidate, error)
	GraphMultihop(ctx context.Context, q GraphQuery) ([]RetrievalCandidate, error)
	ListSourceDocuments(ctx context.Context, scope DocumentScope, limit int) ([]SourceDocument, error)
}

// HybridSearcher 可选能力：一次往返完成向量+全文+RRF.
type HybridSearcher interface {
	HybridSearch(ctx context.Context, q HybridQuery) ([]RetrievalCandidate, error)
}

// PostgreSQL undefined_function
const pgUndefinedFunction = "42883"

var signatureMismatchPattern = regexp.MustCompile(
	`(?i)(function .* does not exist|no function matches the given name and argument types|unexpected keyword argument|could not find the function|unknown (optional )?parameter)`)

// IsSignatureMismatch 判断错误是否由函数签名漂移引起（后端尚未升级到带可选参数的版本）.
func IsSignatureMismatch(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUndefinedFunction {
		return true
	}
	return signatureMismatchPattern.MatchString(strings.TrimSpace(err.Error()))
}
