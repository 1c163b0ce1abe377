package rag

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"

	"github.com/BaSui01/kbretrieval/llm/embedding"
	"github.com/BaSui01/kbretrieval/types"
)

// seedStore 两个租户加一份公共文档.
func seedStore() *InMemoryStore {
	s := NewInMemoryStore()
	s.Add(
		chunk("c1", "T", "ISO 9001", "7.5.3", "Que exige ISO 9001 7.5.3 control de la informacion documentada"),
		chunk("c2", "T", "ISO 9001", "7.5.2", "Creacion y actualizacion de la informacion documentada ISO 9001"),
		chunk("c3", "T", "ISO 14001", "7.5", "Informacion documentada del sistema de gestion ambiental ISO 14001"),
		chunk("c4", "T", "ISO 45001", "8.1.2", "Eliminar peligros y reducir riesgos para la SST ISO 45001 8.1.2"),
		chunk("c5", "T", "ISO 14001", "8.1", "Planificacion y control operacional ambiental ISO 14001 8.1"),
		chunk("u1", "U", "ISO 9001", "7.5.3", "Que exige ISO 9001 7.5.3 control de la informacion documentada"),
		chunk("g1", "", "ISO 9001", "7.5.3", "Texto publico de ISO 9001 7.5.3 informacion documentada"),
	)
	s.Link("c1", "c3", "REQUIRES")
	return s
}

func tenantFilters() Filters {
	return Filters{ScopeType: ScopeInstitutional, TenantID: "T"}
}

func TestRetrieveContext_HybridRPC(t *testing.T) {
	store := seedStore()
	engine := NewAtomicRetrievalEngine(store, &hashEmbedder{}, testRetrievalConfig())
	tr := NewTrace("r1")

	res, err := engine.RetrieveContext(context.Background(), RetrievalRequest{
		Query:   "informacion documentada ISO 9001",
		Filters: tenantFilters(),
		Trace:   tr,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Candidates)
	assert.Equal(t, ScoreSpaceRRF, res.ScoreSpace)

	for _, c := range res.Candidates {
		assert.NotEqual(t, "u1", c.ID, "other tenant leaked")
		assert.NotEqual(t, "g1", c.ID, "global row leaked into institutional scope")
	}
	snap := tr.Snapshot()
	assert.Equal(t, string(CompatFull), snap.HybridCompat)
	assert.Empty(t, snap.Degraded)
	assert.Contains(t, snap.TimingsMS, "hybrid_rpc")
}

func TestRetrieveContext_ClientSideFusion(t *testing.T) {
	cfg := testRetrievalConfig()
	cfg.HybridRPCEnabled = false
	cfg.GraphEnabled = false
	store := seedStore()
	var ops sync.Map
	store.SetHook(func(_ context.Context, op string) error {
		ops.Store(op, true)
		return nil
	})
	engine := NewAtomicRetrievalEngine(store, &hashEmbedder{}, cfg)

	res, err := engine.RetrieveContext(context.Background(), RetrievalRequest{
		Query:   "informacion documentada",
		Filters: Filters{ScopeType: ScopeInstitutional, TenantID: "T", SourceStandard: "ISO 9001"},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1", "c2"}, ids(res.Candidates))

	_, usedHybrid := ops.Load(OpHybridSearch)
	_, usedGraph := ops.Load(OpGraphMultihop)
	assert.False(t, usedHybrid)
	assert.False(t, usedGraph)
}

func TestRetrieveContext_SignatureMismatchSelfHeals(t *testing.T) {
	store := seedStore()
	store.SetLegacyHybridOnly(true)
	var hybridCalls atomic.Int32
	store.SetHook(func(_ context.Context, op string) error {
		if op == OpHybridSearch {
			hybridCalls.Add(1)
		}
		return nil
	})
	engine := NewAtomicRetrievalEngine(store, &hashEmbedder{}, testRetrievalConfig())
	req := RetrievalRequest{Query: "informacion documentada", Filters: tenantFilters()}

	first := NewTrace("first")
	req.Trace = first
	res, err := engine.RetrieveContext(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Candidates)
	assert.Equal(t, int32(2), hybridCalls.Load())
	assert.True(t, first.HasDegraded(DegradedHybridCompat))
	assert.False(t, first.HasDegraded(DegradedHybridFailed))
	assert.Equal(t, string(CompatLegacy), first.Snapshot().HybridCompat)
	assert.Equal(t, CompatLegacy, engine.Compat().Mode())

	// 之后的请求直接使用旧签名
	second := NewTrace("second")
	req.Trace = second
	_, err = engine.RetrieveContext(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(3), hybridCalls.Load())
	assert.Empty(t, second.Snapshot().Degraded)
	assert.Equal(t, 1, engine.Compat().Switches())

	engine.Compat().Reset()
	assert.Equal(t, CompatFull, engine.Compat().Mode())
}

func TestRetrieveContext_HybridFailureFallsBackToClientSide(t *testing.T) {
	store := seedStore()
	store.SetHook(func(_ context.Context, op string) error {
		if op == OpHybridSearch {
			return errors.New("connection reset")
		}
		return nil
	})
	engine := NewAtomicRetrievalEngine(store, &hashEmbedder{}, testRetrievalConfig())
	tr := NewTrace("r")

	res, err := engine.RetrieveContext(context.Background(), RetrievalRequest{
		Query: "informacion documentada", Filters: tenantFilters(), Trace: tr,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Candidates)
	assert.True(t, tr.HasDegraded(DegradedHybridFailed))
	assert.Equal(t, CompatFull, engine.Compat().Mode())
}

func TestRetrieveContext_AllBackendsFail(t *testing.T) {
	store := seedStore()
	store.SetHook(func(_ context.Context, op string) error {
		if op == OpListDocuments {
			return nil
		}
		return errors.New("down")
	})
	engine := NewAtomicRetrievalEngine(store, &hashEmbedder{}, testRetrievalConfig())
	tr := NewTrace("r")

	_, err := engine.RetrieveContext(context.Background(), RetrievalRequest{
		Query: "informacion documentada", Filters: tenantFilters(), Trace: tr,
	})
	assert.True(t, types.IsErrorCode(err, types.ErrUpstreamTransient))
	assert.True(t, tr.HasDegraded(DegradedVectorFailed))
	assert.True(t, tr.HasDegraded(DegradedFTSFailed))
	assert.True(t, tr.HasDegraded(DegradedGraphFailed))
}

func TestRetrieveContext_GraphOnlyStillAnswers(t *testing.T) {
	store := seedStore()
	store.SetHook(func(_ context.Context, op string) error {
		switch op {
		case OpHybridSearch, OpVectorSearch, OpFTSSearch:
			return errors.New("down")
		}
		return nil
	})
	engine := NewAtomicRetrievalEngine(store, &hashEmbedder{}, testRetrievalConfig())

	res, err := engine.RetrieveContext(context.Background(), RetrievalRequest{Query: "informacion documentada", Filters: tenantFilters()})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Candidates)
	assert.Equal(t, ScoreSpaceSimilarity, res.ScoreSpace)
}

func TestRetrieveContext_EmbeddingFailure(t *testing.T) {
	engine := NewAtomicRetrievalEngine(seedStore(), &hashEmbedder{err: errors.New("quota")}, testRetrievalConfig())
	_, err := engine.RetrieveContext(context.Background(), RetrievalRequest{Query: "x", Filters: tenantFilters()})
	assert.True(t, types.IsErrorCode(err, types.ErrEmbeddingFailure))
}

func TestRetrieveContext_SourceDocUniverse(t *testing.T) {
	t.Run("strict mode without matches is empty", func(t *testing.T) {
		cfg := testRetrievalConfig()
		cfg.StrictSourceDocs = true
		engine := NewAtomicRetrievalEngine(seedStore(), &hashEmbedder{}, cfg)
		tr := NewTrace("r")

		res, err := engine.RetrieveContext(context.Background(), RetrievalRequest{
			Query:   "seguridad de la informacion",
			Filters: Filters{ScopeType: ScopeInstitutional, TenantID: "T", SourceStandard: "ISO 27001"},
			Trace:   tr,
		})
		require.NoError(t, err)
		assert.Empty(t, res.Candidates)
		assert.NotEmpty(t, tr.Snapshot().Warnings)
	})

	t.Run("listing failure degrades to unrestricted", func(t *testing.T) {
		store := seedStore()
		store.SetHook(func(_ context.Context, op string) error {
			if op == OpListDocuments {
				return errors.New("timeout")
			}
			return nil
		})
		engine := NewAtomicRetrievalEngine(store, &hashEmbedder{}, testRetrievalConfig())
		tr := NewTrace("r")

		res, err := engine.RetrieveContext(context.Background(), RetrievalRequest{
			Query: "informacion documentada", Filters: tenantFilters(), Trace: tr,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, res.Candidates)
		assert.True(t, tr.HasDegraded(DegradedSourceDocsFailed))
	})

	t.Run("truncated universe searches unrestricted", func(t *testing.T) {
		cfg := testRetrievalConfig()
		cfg.SourceDocLimit = 2
		engine := NewAtomicRetrievalEngine(seedStore(), &hashEmbedder{}, cfg)
		tr := NewTrace("r")

		res, err := engine.RetrieveContext(context.Background(), RetrievalRequest{
			Query: "informacion documentada", Filters: tenantFilters(), Trace: tr,
		})
		require.NoError(t, err)
		assert.Greater(t, len(res.Candidates), 2)
		assert.NotEmpty(t, tr.Snapshot().Warnings)
	})
}

func TestRetrieveDirectVector(t *testing.T) {
	store := seedStore()
	var ops []string
	var mu sync.Mutex
	store.SetHook(func(_ context.Context, op string) error {
		mu.Lock()
		ops = append(ops, op)
		mu.Unlock()
		return nil
	})
	engine := NewAtomicRetrievalEngine(store, &hashEmbedder{}, testRetrievalConfig())

	res, err := engine.RetrieveDirectVector(context.Background(), RetrievalRequest{
		Query: "informacion documentada", Filters: tenantFilters(), K: 2,
	})
	require.NoError(t, err)
	assert.Len(t, res.Candidates, 2)
	assert.Equal(t, ScoreSpaceSimilarity, res.ScoreSpace)
	assert.Equal(t, []string{OpVectorSearch}, ops)
}

func threeWayPlan() QueryPlan {
	return QueryPlan{
		IsMultihop:    true,
		ExecutionMode: ExecutionParallel,
		SubQueries: []PlannedSubQuery{
			{ID: "a", Query: "informacion documentada ISO 9001"},
			{ID: "b", Query: "gestion ambiental ISO 14001"},
			{ID: "c", Query: "peligros SST ISO 45001"},
		},
	}
}

func TestRetrieveContextFromPlan_ParallelFanOut(t *testing.T) {
	store := seedStore()
	var (
		inflight, peak, total atomic.Int32
		release               = make(chan struct{})
		once                  sync.Once
	)
	store.SetHook(func(ctx context.Context, op string) error {
		if op != OpListDocuments {
			return nil
		}
		total.Add(1)
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		if n == 4 {
			once.Do(func() { close(release) })
		}
		select {
		case <-release:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("barrier timeout")
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	cfg := testRetrievalConfig()
	cfg.MaxParallelBranches = 4
	engine := NewAtomicRetrievalEngine(store, &hashEmbedder{}, cfg)
	tr := NewTrace("fanout")

	res, err := engine.RetrieveContextFromPlan(context.Background(), "Compara ISO 9001, ISO 14001 e ISO 45001",
		threeWayPlan(), RetrievalRequest{Filters: tenantFilters(), Trace: tr})
	require.NoError(t, err)

	assert.Equal(t, int32(4), total.Load(), "3 sub-queries plus the safety pass")
	assert.Equal(t, int32(4), peak.Load(), "all branches run concurrently")
	assert.False(t, tr.HasDegraded(DegradedSourceDocsFailed))

	got := ids(res.Candidates)
	require.NotEmpty(t, got)
	slices.Sort(got)
	assert.Len(t, slices.Compact(got), len(res.Candidates), "merged output has duplicate ids")
	assert.Equal(t, ScoreSpaceRRF, res.ScoreSpace)
}

func TestRetrieveContextFromPlan_SemaphoreBound(t *testing.T) {
	store := seedStore()
	var inflight, peak atomic.Int32
	store.SetHook(func(_ context.Context, op string) error {
		if op != OpListDocuments {
			return nil
		}
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return nil
	})
	cfg := testRetrievalConfig()
	cfg.MaxParallelBranches = 2
	engine := NewAtomicRetrievalEngine(store, &hashEmbedder{}, cfg)

	_, err := engine.RetrieveContextFromPlan(context.Background(), "q", threeWayPlan(), RetrievalRequest{Filters: tenantFilters()})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))

	plan := threeWayPlan()
	plan.ExecutionMode = ExecutionSequential
	peak.Store(0)
	_, err = engine.RetrieveContextFromPlan(context.Background(), "q", plan, RetrievalRequest{Filters: tenantFilters()})
	require.NoError(t, err)
	assert.Equal(t, int32(1), peak.Load())
}

// callLog 按发生顺序记录嵌入与图谱调用.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	l.calls = append(l.calls, call)
	l.mu.Unlock()
}

type loggingEmbedder struct {
	inner *hashEmbedder
	log   *callLog
}

func (e loggingEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	e.log.add("embed:" + query)
	return e.inner.EmbedQuery(ctx, query)
}

func (e loggingEmbedder) EmbedTexts(ctx context.Context, texts []string, task embedding.Task) ([][]float32, error) {
	return e.inner.EmbedTexts(ctx, texts, task)
}

type loggingGraphStore struct {
	*InMemoryStore
	log *callLog
}

func (s loggingGraphStore) GraphMultihop(ctx context.Context, q GraphQuery) ([]RetrievalCandidate, error) {
	s.log.add("graph")
	return s.InMemoryStore.GraphMultihop(ctx, q)
}

func TestRetrieveContextFromPlan_SequentialOrder(t *testing.T) {
	log := &callLog{}
	store := loggingGraphStore{InMemoryStore: seedStore(), log: log}
	engine := NewAtomicRetrievalEngine(store, loggingEmbedder{inner: &hashEmbedder{}, log: log}, testRetrievalConfig())

	plan := threeWayPlan()
	plan.ExecutionMode = ExecutionSequential
	_, err := engine.RetrieveContextFromPlan(context.Background(), "consulta original", plan, RetrievalRequest{Filters: tenantFilters()})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"embed:informacion documentada ISO 9001", "graph",
		"embed:gestion ambiental ISO 14001", "graph",
		"embed:peligros SST ISO 45001", "graph",
		"embed:consulta original",
	}, log.calls, "sub-queries in order, then the original query without graph expansion")
}

func TestRetrieveContextFromPlan_BranchFailureExcluded(t *testing.T) {
	embedder := &hashEmbedder{failOn: map[string]error{"gestion ambiental ISO 14001": errors.New("bad input")}}
	engine := NewAtomicRetrievalEngine(seedStore(), embedder, testRetrievalConfig())
	tr := NewTrace("r")

	res, err := engine.RetrieveContextFromPlan(context.Background(), "informacion documentada", threeWayPlan(),
		RetrievalRequest{Filters: tenantFilters(), Trace: tr})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Candidates)
	assert.True(t, tr.HasDegraded(DegradedBranchFailed))
}

func TestRetrieveContextFromPlan_BranchTimeout(t *testing.T) {
	cfg := testRetrievalConfig()
	cfg.BranchTimeout = 50 * time.Millisecond
	embedder := &hashEmbedder{blockOn: map[string]bool{"peligros SST ISO 45001": true}}
	engine := NewAtomicRetrievalEngine(seedStore(), embedder, cfg)
	tr := NewTrace("r")

	res, err := engine.RetrieveContextFromPlan(context.Background(), "informacion documentada", threeWayPlan(),
		RetrievalRequest{Filters: tenantFilters(), Trace: tr})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Candidates)
	assert.True(t, tr.HasDegraded(DegradedBranchTimeout))
}

func TestRetrieveContextFromPlan_SafetyPassEmbeddingFailureIsFatal(t *testing.T) {
	embedder := &hashEmbedder{failOn: map[string]error{"original": types.NewEmbeddingFailure("no vector", nil)}}
	engine := NewAtomicRetrievalEngine(seedStore(), embedder, testRetrievalConfig())

	_, err := engine.RetrieveContextFromPlan(context.Background(), "original", threeWayPlan(), RetrievalRequest{Filters: tenantFilters()})
	assert.True(t, types.IsErrorCode(err, types.ErrEmbeddingFailure))
}

func TestRetrieveContextFromPlan_AllBranchesFail(t *testing.T) {
	engine := NewAtomicRetrievalEngine(seedStore(), &hashEmbedder{err: errors.New("down")}, testRetrievalConfig())
	plan := threeWayPlan()
	plan.ExecutionMode = ExecutionSequential

	_, err := engine.RetrieveContextFromPlan(context.Background(), "q", plan, RetrievalRequest{Filters: tenantFilters()})
	require.Error(t, err)
}

func TestRetrieveContextFromPlan_CancellationStopsBranches(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := seedStore()
	started := make(chan struct{}, 8)
	store.SetHook(func(ctx context.Context, op string) error {
		if op != OpListDocuments {
			return nil
		}
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	})
	engine := NewAtomicRetrievalEngine(store, &hashEmbedder{}, testRetrievalConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := engine.RetrieveContextFromPlan(ctx, "q", threeWayPlan(), RetrievalRequest{Filters: tenantFilters()})
		done <- err
	}()
	for i := 0; i < 4; i++ {
		<-started
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("fan-out did not return after cancellation")
	}
}

// hopRecorder 记录图谱调用的跳数.
type hopRecorder struct {
	*InMemoryStore
	mu   sync.Mutex
	hops []int
}

func (r *hopRecorder) GraphMultihop(ctx context.Context, q GraphQuery) ([]RetrievalCandidate, error) {
	r.mu.Lock()
	r.hops = append(r.hops, q.MaxHops)
	r.mu.Unlock()
	return r.InMemoryStore.GraphMultihop(ctx, q)
}

func TestRetrieveContextFromPlan_GraphDepthFollowsSubQuery(t *testing.T) {
	store := &hopRecorder{InMemoryStore: seedStore()}
	cfg := testRetrievalConfig()
	cfg.GraphMaxHops = 3
	engine := NewAtomicRetrievalEngine(store, &hashEmbedder{}, cfg)

	plan := QueryPlan{IsMultihop: true, ExecutionMode: ExecutionParallel, SubQueries: []PlannedSubQuery{
		{ID: "shallow", Query: "informacion documentada"},
		{ID: "deep", Query: "trazabilidad de riesgos", IsDeep: true, TargetRelations: []string{"DEPENDS_ON"}},
	}}
	_, err := engine.RetrieveContextFromPlan(context.Background(), "q", plan, RetrievalRequest{Filters: tenantFilters()})
	require.NoError(t, err)

	slices.Sort(store.hops)
	assert.Equal(t, []int{1, 3}, store.hops, "safety pass skips graph expansion")
}

func TestRetrieveContextFromPlan_EmptyPlanUsesQuery(t *testing.T) {
	embedder := &hashEmbedder{}
	engine := NewAtomicRetrievalEngine(seedStore(), embedder, testRetrievalConfig())
	res, err := engine.RetrieveContextFromPlan(context.Background(), "informacion documentada", QueryPlan{},
		RetrievalRequest{Filters: tenantFilters()})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Candidates)
	assert.Equal(t, int32(1), embedder.calls.Load())
}

func TestRetrieveContext_RecordsSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	engine := NewAtomicRetrievalEngine(seedStore(), &hashEmbedder{}, testRetrievalConfig(), WithTracer(tp.Tracer("test")))
	_, err := engine.RetrieveContextFromPlan(context.Background(), "q", threeWayPlan(), RetrievalRequest{Filters: tenantFilters()})
	require.NoError(t, err)

	names := map[string]int{}
	for _, s := range rec.Ended() {
		names[s.Name()]++
	}
	assert.Equal(t, 1, names["rag.engine.retrieve_plan"])
	assert.Equal(t, 4, names["rag.engine.retrieve"])
}
