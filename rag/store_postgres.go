package rag

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/kbretrieval/internal/database"
	"github.com/BaSui01/kbretrieval/types"
)

// 存储层 SQL 函数；表结构与索引由存储子系统维护
const (
	sqlMatchChunks  = `SELECT * FROM match_chunks(?, ?, ?::jsonb, ?)`
	sqlFTSChunks    = `SELECT * FROM fts_chunks(?, ?, ?::jsonb, ?)`
	sqlGraphHops    = `SELECT * FROM graph_multihop(?, ?, ?, ?, ?::jsonb, ?, ?, ?, ?)`
	sqlHybridFull   = `SELECT * FROM hybrid_search(?, ?, ?, ?::jsonb, ?, ?, ?, ?)`
	sqlHybridLegacy = `SELECT * FROM hybrid_search(?, ?, ?, ?::jsonb, ?, ?)`
	sqlListDocs     = `SELECT * FROM list_source_documents(?, ?, ?, ?)`
)

// PostgresStore 基于 pgvector + tsvector + 图表的存储实现，通过 SQL 函数访问.
type PostgresStore struct {
	pool   *database.PoolManager
	logger *zap.Logger
}

var (
	_ Store          = (*PostgresStore)(nil)
	_ HybridSearcher = (*PostgresStore)(nil)
)

// NewPostgresStore 创建存储.
func NewPostgresStore(pool *database.PoolManager, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{pool: pool, logger: logger.With(zap.String("component", "postgres_store"))}
}

type chunkRow struct {
	ID         string         `gorm:"column:id"`
	Content    string         `gorm:"column:content"`
	Metadata   []byte         `gorm:"column:metadata"`
	Similarity float64        `gorm:"column:similarity"`
	Score      float64        `gorm:"column:score"`
	SourceID   sql.NullString `gorm:"column:source_id"`
	HopDepth   int            `gorm:"column:hop_depth"`
}

type documentRow struct {
	ID       string `gorm:"column:id"`
	Metadata []byte `gorm:"column:metadata"`
}

// VectorSearch 调用 match_chunks.
func (s *PostgresStore) VectorSearch(ctx context.Context, vector []float32, filters SearchFilters, limit int) ([]RetrievalCandidate, error) {
	filterJSON, err := encodeFilters(filters.Filters)
	if err != nil {
		return nil, err
	}
	var rows []chunkRow
	err = s.pool.Run(ctx, "match_chunks", func(db *gorm.DB) error {
		return db.Raw(sqlMatchChunks, pgvector.NewVector(vector), limit, filterJSON, docIDsParam(filters.DocumentIDs)).
			Scan(&rows).Error
	})
	if err != nil {
		return nil, upstreamError("vector search", err)
	}
	return s.toCandidates(rows, LayerVector), nil
}

// FTSSearch 调用 fts_chunks，rank 写入 similarity.
func (s *PostgresStore) FTSSearch(ctx context.Context, text string, filters SearchFilters, limit int) ([]RetrievalCandidate, error) {
	filterJSON, err := encodeFilters(filters.Filters)
	if err != nil {
		return nil, err
	}
	var rows []chunkRow
	err = s.pool.Run(ctx, "fts_chunks", func(db *gorm.DB) error {
		return db.Raw(sqlFTSChunks, text, limit, filterJSON, docIDsParam(filters.DocumentIDs)).Scan(&rows).Error
	})
	if err != nil {
		return nil, upstreamError("fts search", err)
	}
	return s.toCandidates(rows, LayerFTS), nil
}

// GraphMultihop 调用 graph_multihop，衰减在服务端按 hop_depth 计算.
// 图谱只受范围类型、租户与集合约束，标准与条款不限制跨标准的关系扩展.
func (s *PostgresStore) GraphMultihop(ctx context.Context, q GraphQuery) ([]RetrievalCandidate, error) {
	filterJSON, err := encodeFilters(Filters{
		ScopeType:    q.Filters.ScopeType,
		TenantID:     q.TenantID,
		CollectionID: q.Filters.CollectionID,
	})
	if err != nil {
		return nil, err
	}
	var rows []chunkRow
	err = s.pool.Run(ctx, "graph_multihop", func(db *gorm.DB) error {
		return db.Raw(sqlGraphHops,
			pgvector.NewVector(q.Vector),
			nullableString(q.TenantID),
			q.MaxHops,
			q.Decay,
			filterJSON,
			q.Limit,
			arrayParam(q.Relations),
			arrayParam(q.NodeTypes),
			docIDsParam(q.Filters.DocumentIDs),
		).Scan(&rows).Error
	})
	if err != nil {
		return nil, upstreamError("graph multihop", err)
	}
	out := s.toCandidates(rows, LayerGraph)
	for i := range out {
		if rows[i].HopDepth > 0 {
			out[i].Metadata = withMetadata(out[i].Metadata, "hop_depth", rows[i].HopDepth)
		}
	}
	return out, nil
}

// HybridSearch 调用 hybrid_search；Legacy 模式不传权重参数.
// 签名不匹配的错误原样带出，由引擎判断并切换兼容模式.
func (s *PostgresStore) HybridSearch(ctx context.Context, q HybridQuery) ([]RetrievalCandidate, error) {
	filterJSON, err := encodeFilters(q.Filters.Filters)
	if err != nil {
		return nil, err
	}
	var rows []chunkRow
	err = s.pool.Run(ctx, "hybrid_search", func(db *gorm.DB) error {
		args := []any{q.Text, pgvector.NewVector(q.Vector), q.Limit, filterJSON, docIDsParam(q.Filters.DocumentIDs), q.RRFK}
		query := sqlHybridLegacy
		if !q.Legacy {
			query = sqlHybridFull
			args = append(args, q.VectorWeight, q.FTSWeight)
		}
		return db.Raw(query, args...).Scan(&rows).Error
	})
	if err != nil {
		if IsSignatureMismatch(err) {
			return nil, types.NewError(types.ErrSignatureMismatch, "hybrid_search signature mismatch").WithCause(err)
		}
		return nil, upstreamError("hybrid search", err)
	}
	out := s.toCandidates(rows, LayerHybrid)
	for i := range out {
		out[i].Score = rows[i].Score
	}
	return out, nil
}

// ListSourceDocuments 调用 list_source_documents.
func (s *PostgresStore) ListSourceDocuments(ctx context.Context, scope DocumentScope, limit int) ([]SourceDocument, error) {
	var rows []documentRow
	err := s.pool.Run(ctx, "list_source_documents", func(db *gorm.DB) error {
		return db.Raw(sqlListDocs, nullableString(scope.TenantID), string(scope.ScopeType),
			nullableString(scope.CollectionID), limit).Scan(&rows).Error
	})
	if err != nil {
		return nil, upstreamError("list source documents", err)
	}
	docs := make([]SourceDocument, 0, len(rows))
	for _, r := range rows {
		docs = append(docs, SourceDocument{ID: r.ID, Metadata: s.decodeMetadata(r.ID, r.Metadata)})
	}
	return docs, nil
}

func (s *PostgresStore) toCandidates(rows []chunkRow, layer SourceLayer) []RetrievalCandidate {
	out := make([]RetrievalCandidate, 0, len(rows))
	for _, r := range rows {
		c := RetrievalCandidate{
			ID:          r.ID,
			Content:     r.Content,
			Metadata:    s.decodeMetadata(r.ID, r.Metadata),
			Similarity:  r.Similarity,
			Score:       r.Similarity,
			SourceLayer: layer,
		}
		if r.SourceID.Valid {
			c.SourceID = r.SourceID.String
		}
		out = append(out, c)
	}
	return out
}

func (s *PostgresStore) decodeMetadata(id string, raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		s.logger.Warn("invalid metadata json", zap.String("id", id), zap.Error(err))
		return nil
	}
	return m
}

func encodeFilters(f Filters) (string, error) {
	b, err := json.Marshal(f.Map())
	if err != nil {
		return "", types.NewError(types.ErrInvalidRequest, "encode filters").WithCause(err)
	}
	return string(b), nil
}

func docIDsParam(ids []string) any {
	if len(ids) == 0 {
		return nil
	}
	return pq.Array(ids)
}

func arrayParam(values []string) any {
	if len(values) == 0 {
		return nil
	}
	return pq.Array(values)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func upstreamError(op string, err error) error {
	return types.NewUpstreamTransientError(fmt.Sprintf("%s failed", op), err)
}

func withMetadata(m map[string]any, key string, value any) map[string]any {
	out := cloneMetadata(m)
	if out == nil {
		out = make(map[string]any, 1)
	}
	out[key] = value
	return out
}
