package rag

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
)

// 内存存储的操作名，供 hook 区分调用
const (
	OpVectorSearch  = "vector_search"
	OpFTSSearch     = "fts_search"
	OpGraphMultihop = "graph_multihop"
	OpHybridSearch  = "hybrid_search"
	OpListDocuments = "list_source_documents"
)

// 图谱扩展的锚点数量
const graphAnchorCount = 3

// MemoryChunk 内存存储中的一个片段.
type MemoryChunk struct {
	ID           string
	DocumentID   string
	TenantID     string // 空表示公共知识库
	CollectionID string
	Content      string
	Metadata     map[string]any
	Embedding    []float32
}

// MemoryEdge 片段之间的图谱关系.
type MemoryEdge struct {
	From     string
	To       string
	Relation string
}

// StoreHook 在每次存储调用开始时执行，返回错误则该调用失败.
type StoreHook func(ctx context.Context, op string) error

// InMemoryStore 实现全部存储原语的内存版本，用于本地开发与测试.
type InMemoryStore struct {
	mu         sync.RWMutex
	chunks     []MemoryChunk
	edges      map[string][]MemoryEdge
	hook       StoreHook
	legacyOnly bool
}

var (
	_ Store          = (*InMemoryStore)(nil)
	_ HybridSearcher = (*InMemoryStore)(nil)
)

// NewInMemoryStore 创建空存储.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{edges: make(map[string][]MemoryEdge)}
}

// Add 写入片段，同 ID 覆盖.
func (s *InMemoryStore) Add(chunks ...MemoryChunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		c.Metadata = cloneMetadata(c.Metadata)
		c.Embedding = slices.Clone(c.Embedding)
		if i := slices.IndexFunc(s.chunks, func(x MemoryChunk) bool { return x.ID == c.ID }); i >= 0 {
			s.chunks[i] = c
			continue
		}
		s.chunks = append(s.chunks, c)
	}
}

// Link 添加双向关系边.
func (s *InMemoryStore) Link(from, to, relation string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges[from] = append(s.edges[from], MemoryEdge{From: from, To: to, Relation: relation})
	s.edges[to] = append(s.edges[to], MemoryEdge{From: to, To: from, Relation: relation})
}

// SetHook 设置调用钩子（故障注入、计数、阻塞）.
func (s *InMemoryStore) SetHook(h StoreHook) {
	s.mu.Lock()
	s.hook = h
	s.mu.Unlock()
}

// SetLegacyHybridOnly 模拟尚未升级的后端：带权重参数的融合调用报签名错误.
func (s *InMemoryStore) SetLegacyHybridOnly(v bool) {
	s.mu.Lock()
	s.legacyOnly = v
	s.mu.Unlock()
}

func (s *InMemoryStore) enter(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	hook := s.hook
	s.mu.RUnlock()
	if hook != nil {
		return hook(ctx, op)
	}
	return nil
}

// VectorSearch 余弦相似度检索.
func (s *InMemoryStore) VectorSearch(ctx context.Context, vector []float32, filters SearchFilters, limit int) ([]RetrievalCandidate, error) {
	if err := s.enter(ctx, OpVectorSearch); err != nil {
		return nil, err
	}
	return s.vectorSearch(vector, filters, limit), nil
}

func (s *InMemoryStore) vectorSearch(vector []float32, filters SearchFilters, limit int) []RetrievalCandidate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RetrievalCandidate
	for _, c := range s.chunks {
		if !chunkMatches(c, filters, true) {
			continue
		}
		sim := cosine(vector, c.Embedding)
		out = append(out, c.candidate(sim, LayerVector))
	}
	return topBySimilarity(out, limit)
}

// FTSSearch 按查询词覆盖率打分，只返回至少命中一个词的片段.
func (s *InMemoryStore) FTSSearch(ctx context.Context, text string, filters SearchFilters, limit int) ([]RetrievalCandidate, error) {
	if err := s.enter(ctx, OpFTSSearch); err != nil {
		return nil, err
	}
	return s.ftsSearch(text, filters, limit), nil
}

func (s *InMemoryStore) ftsSearch(text string, filters SearchFilters, limit int) []RetrievalCandidate {
	terms := queryTerms(text)
	if len(terms) == 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RetrievalCandidate
	for _, c := range s.chunks {
		if !chunkMatches(c, filters, true) {
			continue
		}
		content := foldText(c.Content)
		hits := 0
		for _, t := range terms {
			if content.has(t) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		out = append(out, c.candidate(float64(hits)/float64(len(terms)), LayerFTS))
	}
	return topBySimilarity(out, limit)
}

// GraphMultihop 从与查询最相近的锚点出发沿关系边扩展，每跳乘以 decay.
// 只按租户与文档集合过滤，不按标准过滤.
func (s *InMemoryStore) GraphMultihop(ctx context.Context, q GraphQuery) ([]RetrievalCandidate, error) {
	if err := s.enter(ctx, OpGraphMultihop); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	scoped := SearchFilters{DocumentIDs: q.Filters.DocumentIDs}
	scoped.ScopeType = q.Filters.ScopeType
	scoped.TenantID = q.TenantID
	scoped.CollectionID = q.Filters.CollectionID

	byID := make(map[string]MemoryChunk, len(s.chunks))
	var anchors []RetrievalCandidate
	for _, c := range s.chunks {
		if !chunkMatches(c, scoped, false) {
			continue
		}
		byID[c.ID] = c
		anchors = append(anchors, c.candidate(cosine(q.Vector, c.Embedding), LayerGraph))
	}
	anchors = topBySimilarity(anchors, graphAnchorCount)

	type visit struct {
		id    string
		depth int
		sim   float64
	}
	best := make(map[string]visit)
	queue := make([]visit, 0, len(anchors))
	for _, a := range anchors {
		queue = append(queue, visit{id: a.ID, sim: a.Similarity})
	}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		if prev, ok := best[v.id]; ok && prev.sim >= v.sim {
			continue
		}
		best[v.id] = v
		if v.depth >= q.MaxHops {
			continue
		}
		for _, e := range s.edges[v.id] {
			if len(q.Relations) > 0 && !slices.Contains(q.Relations, e.Relation) {
				continue
			}
			if _, ok := byID[e.To]; !ok {
				continue
			}
			queue = append(queue, visit{id: e.To, depth: v.depth + 1, sim: v.sim * q.Decay})
		}
	}

	var out []RetrievalCandidate
	for id, v := range best {
		c := byID[id]
		if len(q.NodeTypes) > 0 && v.depth > 0 {
			if nt, ok := c.Metadata["node_type"].(string); ok && !slices.Contains(q.NodeTypes, nt) {
				continue
			}
		}
		cand := c.candidate(v.sim, LayerGraph)
		cand.Metadata = withMetadata(cand.Metadata, "hop_depth", v.depth)
		out = append(out, cand)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = len(out)
	}
	return topBySimilarity(out, limit), nil
}

// HybridSearch 在内存中完成向量+全文+RRF.
func (s *InMemoryStore) HybridSearch(ctx context.Context, q HybridQuery) ([]RetrievalCandidate, error) {
	if err := s.enter(ctx, OpHybridSearch); err != nil {
		return nil, err
	}
	s.mu.RLock()
	legacyOnly := s.legacyOnly
	s.mu.RUnlock()
	if legacyOnly && !q.Legacy {
		return nil, fmt.Errorf("function hybrid_search(text, vector, integer, jsonb, text[], integer, double precision, double precision) does not exist")
	}
	vw, fw := q.VectorWeight, q.FTSWeight
	if q.Legacy {
		vw, fw = 1, 1
	}
	fused := FuseRRF(q.RRFK,
		RankedList{Weight: vw, Rows: s.vectorSearch(q.Vector, q.Filters, q.Limit)},
		RankedList{Weight: fw, Rows: s.ftsSearch(q.Text, q.Filters, q.Limit)},
	)
	for i := range fused {
		fused[i].SourceLayer = LayerHybrid
	}
	if q.Limit > 0 && len(fused) > q.Limit {
		fused = fused[:q.Limit]
	}
	return fused, nil
}

// ListSourceDocuments 按范围列出文档，元数据取自该文档的第一个片段.
func (s *InMemoryStore) ListSourceDocuments(ctx context.Context, scope DocumentScope, limit int) ([]SourceDocument, error) {
	if err := s.enter(ctx, OpListDocuments); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	f := SearchFilters{}
	f.ScopeType = scope.ScopeType
	f.TenantID = scope.TenantID
	f.CollectionID = scope.CollectionID

	seen := make(map[string]struct{})
	var docs []SourceDocument
	for _, c := range s.chunks {
		if c.DocumentID == "" || !chunkMatches(c, f, false) {
			continue
		}
		if _, ok := seen[c.DocumentID]; ok {
			continue
		}
		seen[c.DocumentID] = struct{}{}
		docs = append(docs, SourceDocument{ID: c.DocumentID, Metadata: cloneMetadata(c.Metadata)})
		if limit > 0 && len(docs) == limit {
			break
		}
	}
	return docs, nil
}

func (c MemoryChunk) candidate(sim float64, layer SourceLayer) RetrievalCandidate {
	return RetrievalCandidate{
		ID:          c.ID,
		Content:     c.Content,
		Metadata:    cloneMetadata(c.Metadata),
		Similarity:  sim,
		Score:       sim,
		SourceLayer: layer,
		SourceID:    c.DocumentID,
	}
}

// chunkMatches 租户、集合、文档集合总是硬过滤；byMetadata 时标准、条款与扩展键也硬过滤.
func chunkMatches(c MemoryChunk, f SearchFilters, byMetadata bool) bool {
	switch f.ScopeType {
	case ScopeInstitutional:
		if c.TenantID != f.TenantID {
			return false
		}
	case ScopeGlobal:
		if c.TenantID != "" {
			return false
		}
	}
	if f.CollectionID != "" && c.CollectionID != f.CollectionID {
		return false
	}
	if len(f.DocumentIDs) > 0 && !slices.Contains(f.DocumentIDs, c.DocumentID) {
		return false
	}
	if !byMetadata {
		return true
	}
	if standards := f.Standards(); len(standards) > 0 {
		want := make(map[string]struct{}, len(standards))
		for _, s := range standards {
			want[ScopeKey(s)] = struct{}{}
		}
		if !anyScopeIn(RowScopes(c.Metadata), want) {
			return false
		}
	}
	if f.ClauseID != "" {
		if clause, _ := c.Metadata["clause_id"].(string); clause != f.ClauseID {
			return false
		}
	}
	for k, v := range f.Extra {
		if fmt.Sprint(c.Metadata[k]) != v {
			return false
		}
	}
	return true
}

func topBySimilarity(rows []RetrievalCandidate, limit int) []RetrievalCandidate {
	slices.SortStableFunc(rows, func(a, b RetrievalCandidate) int {
		switch {
		case a.Similarity > b.Similarity:
			return -1
		case a.Similarity < b.Similarity:
			return 1
		default:
			return strings.Compare(a.ID, b.ID)
		}
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

// queryTerms 去重后的检索词，忽略单字符词.
func queryTerms(text string) []string {
	var out []string
	for _, w := range foldText(text).words() {
		if len([]rune(w)) < 2 || slices.Contains(out, w) {
			continue
		}
		out = append(out, w)
	}
	return out
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
