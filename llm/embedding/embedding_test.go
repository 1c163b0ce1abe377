package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/kbretrieval/internal/cache"
	"github.com/BaSui01/kbretrieval/internal/metrics"
	"github.com/BaSui01/kbretrieval/types"
)

// --- ChooseModel ---

func TestChooseModel(t *testing.T) {
	assert.Equal(t, "req-model", ChooseModel("req-model", "default", "fallback"))
	assert.Equal(t, "default", ChooseModel("", "default", "fallback"))
	assert.Equal(t, "fallback", ChooseModel("", "", "fallback"))
}

// --- HTTP providers ---

func TestJinaProvider_SendsTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer jina-key", r.Header.Get("Authorization"))

		var body jinaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "retrieval.query", body.Task)
		assert.Equal(t, 1024, body.Dimensions)
		assert.Equal(t, []string{"a", "b"}, body.Input)

		_, _ = w.Write([]byte(`{"model":"jina-embeddings-v3","data":[
			{"index":1,"embedding":[0.3,0.4]},
			{"index":0,"embedding":[0.1,0.2]}],
			"usage":{"total_tokens":4,"prompt_tokens":4}}`))
	}))
	defer srv.Close()

	p := NewJinaProvider(JinaConfig{APIKey: "jina-key", BaseURL: srv.URL})
	resp, err := p.Embed(context.Background(), &EmbeddingRequest{Input: []string{"a", "b"}, Task: TaskRetrievalQuery})
	require.NoError(t, err)

	assert.Equal(t, "jina", resp.Provider)
	require.Len(t, resp.Embeddings, 2)
	assert.Equal(t, 1, resp.Embeddings[0].Index)
	assert.Equal(t, []float32{0.3, 0.4}, resp.Embeddings[0].Embedding)
	assert.Equal(t, 4, resp.Usage.TotalTokens)
}

func TestOpenAIProvider_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body openAIEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "text-embedding-3-small", body.Model)
		assert.Equal(t, 256, body.Dimensions)
		_, _ = w.Write([]byte(`{"model":"text-embedding-3-small","data":[{"index":0,"embedding":[1,0]}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL, Model: "text-embedding-3-small", Dimensions: 256})
	resp, err := p.Embed(context.Background(), &EmbeddingRequest{Input: []string{"q"}})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, resp.Embeddings[0].Embedding)
	assert.Equal(t, 256, p.Dimensions())
}

func TestBaseProvider_HTTPErrorMapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer srv.Close()

	p := NewJinaProvider(JinaConfig{BaseURL: srv.URL})
	_, err := p.Embed(context.Background(), &EmbeddingRequest{Input: []string{"x"}})
	require.Error(t, err)
	assert.Equal(t, types.ErrRateLimited, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
	assert.Contains(t, err.Error(), "slow down")
}

func TestBaseProvider_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: url})
	_, err := p.Embed(context.Background(), &EmbeddingRequest{Input: []string{"x"}})
	require.Error(t, err)
	assert.Equal(t, types.ErrUpstreamError, types.GetErrorCode(err))
}

func TestBaseProvider_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := NewJinaProvider(JinaConfig{BaseURL: srv.URL}).Embed(context.Background(), &EmbeddingRequest{Input: []string{"x"}})
	assert.Error(t, err)
}

// --- CachedService ---

type fakeProvider struct {
	calls  atomic.Int32
	inputs [][]string
	embed  func(req *EmbeddingRequest) (*EmbeddingResponse, error)
}

func (f *fakeProvider) Name() string    { return "fake" }
func (f *fakeProvider) Dimensions() int { return 2 }

func (f *fakeProvider) Embed(_ context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error) {
	f.calls.Add(1)
	f.inputs = append(f.inputs, append([]string(nil), req.Input...))
	if f.embed != nil {
		return f.embed(req)
	}
	data := make([]EmbeddingData, len(req.Input))
	for i, in := range req.Input {
		data[i] = EmbeddingData{Index: i, Embedding: []float32{float32(len(in)), 1}}
	}
	return &EmbeddingResponse{Embeddings: data}, nil
}

func TestCachedService_CachesQueries(t *testing.T) {
	fp := &fakeProvider{}
	collector := metrics.NewCollector("embtest", prometheus.NewRegistry(), zap.NewNop())
	svc := NewCachedService(fp, 8, time.Minute, WithMetrics(collector))

	v1, err := svc.EmbedQuery(context.Background(), "ISO 9001")
	require.NoError(t, err)
	v2, err := svc.EmbedQuery(context.Background(), "ISO 9001")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, int32(1), fp.calls.Load())

	// 调用方修改返回值不影响缓存
	v1[0] = 999
	v3, _ := svc.EmbedQuery(context.Background(), "ISO 9001")
	assert.Equal(t, float32(8), v3[0])
}

func TestCachedService_TaskIsPartOfKey(t *testing.T) {
	fp := &fakeProvider{}
	svc := NewCachedService(fp, 8, time.Minute)

	_, err := svc.EmbedTexts(context.Background(), []string{"x"}, TaskRetrievalQuery)
	require.NoError(t, err)
	_, err = svc.EmbedTexts(context.Background(), []string{"x"}, TaskRetrievalPassage)
	require.NoError(t, err)

	assert.Equal(t, int32(2), fp.calls.Load())
}

func TestCachedService_BatchesOnlyMisses(t *testing.T) {
	fp := &fakeProvider{}
	svc := NewCachedService(fp, 8, time.Minute)
	ctx := context.Background()

	_, err := svc.EmbedTexts(ctx, []string{"a"}, TaskRetrievalPassage)
	require.NoError(t, err)

	out, err := svc.EmbedTexts(ctx, []string{"bb", "a", "bb", "ccc"}, TaskRetrievalPassage)
	require.NoError(t, err)

	require.Len(t, fp.inputs, 2)
	assert.Equal(t, []string{"bb", "ccc"}, fp.inputs[1])
	assert.Equal(t, [][]float32{{2, 1}, {1, 1}, {2, 1}, {3, 1}}, out)
}

func TestCachedService_EmptyVectorIsFatal(t *testing.T) {
	fp := &fakeProvider{embed: func(req *EmbeddingRequest) (*EmbeddingResponse, error) {
		return &EmbeddingResponse{Embeddings: []EmbeddingData{{Index: 0, Embedding: nil}}}, nil
	}}
	svc := NewCachedService(fp, 8, time.Minute)

	_, err := svc.EmbedQuery(context.Background(), "q")
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrEmbeddingFailure))

	// 失败不会被缓存
	_, _ = svc.EmbedQuery(context.Background(), "q")
	assert.Equal(t, int32(2), fp.calls.Load())
}

func TestCachedService_MissingVectorInBatch(t *testing.T) {
	fp := &fakeProvider{embed: func(req *EmbeddingRequest) (*EmbeddingResponse, error) {
		return &EmbeddingResponse{Embeddings: []EmbeddingData{{Index: 0, Embedding: []float32{1}}}}, nil
	}}
	svc := NewCachedService(fp, 8, time.Minute)

	_, err := svc.EmbedTexts(context.Background(), []string{"a", "b"}, TaskRetrievalPassage)
	assert.True(t, types.IsErrorCode(err, types.ErrEmbeddingFailure))
}

func TestCachedService_ProviderErrorWrapped(t *testing.T) {
	boom := errors.New("boom")
	fp := &fakeProvider{embed: func(*EmbeddingRequest) (*EmbeddingResponse, error) { return nil, boom }}
	svc := NewCachedService(fp, 8, time.Minute)

	_, err := svc.EmbedQuery(context.Background(), "q")
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrEmbeddingFailure))
	assert.ErrorIs(t, err, boom)
}

func TestCachedService_BlankQueryRejected(t *testing.T) {
	fp := &fakeProvider{}
	svc := NewCachedService(fp, 8, time.Minute)

	_, err := svc.EmbedQuery(context.Background(), "   ")
	assert.True(t, types.IsErrorCode(err, types.ErrEmbeddingFailure))
	assert.Zero(t, fp.calls.Load())
}

func TestCachedService_RedisTier(t *testing.T) {
	mr := miniredis.RunT(t)
	l2, err := cache.NewManager(cache.Config{Addr: mr.Addr(), KeyPrefix: "t:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l2.Close() })

	fp := &fakeProvider{}
	first := NewCachedService(fp, 8, time.Minute, WithRedis(l2), WithModelKey("m1"))
	_, err = first.EmbedQuery(context.Background(), "shared")
	require.NoError(t, err)

	// 另一个实例的 L1 为空，从 L2 读取
	second := NewCachedService(fp, 8, time.Minute, WithRedis(l2), WithModelKey("m1"))
	vec, err := second.EmbedQuery(context.Background(), "shared")
	require.NoError(t, err)
	assert.Equal(t, []float32{6, 1}, vec)
	assert.Equal(t, int32(1), fp.calls.Load())

	// 不同模型不共享
	third := NewCachedService(fp, 8, time.Minute, WithRedis(l2), WithModelKey("m2"))
	_, err = third.EmbedQuery(context.Background(), "shared")
	require.NoError(t, err)
	assert.Equal(t, int32(2), fp.calls.Load())
}

func TestAlignEmbeddings(t *testing.T) {
	t.Run("by index", func(t *testing.T) {
		resp := &EmbeddingResponse{Embeddings: []EmbeddingData{
			{Index: 1, Embedding: []float32{1}},
			{Index: 0, Embedding: []float32{2}},
		}}
		assert.Equal(t, [][]float32{{2}, {1}}, alignEmbeddings(resp, 2))
	})

	t.Run("out of range falls back to position", func(t *testing.T) {
		resp := &EmbeddingResponse{Embeddings: []EmbeddingData{
			{Index: 5, Embedding: []float32{1}},
			{Index: 7, Embedding: []float32{2}},
		}}
		assert.Equal(t, [][]float32{{1}, {2}}, alignEmbeddings(resp, 2))
	})

	t.Run("nil response", func(t *testing.T) {
		assert.Equal(t, [][]float32{nil}, alignEmbeddings(nil, 1))
	})
}
