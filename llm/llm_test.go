package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/kbretrieval/types"
)

func TestMapHTTPError(t *testing.T) {
	tests := []struct {
		status    int
		wantCode  types.ErrorCode
		retryable bool
	}{
		{http.StatusUnauthorized, types.ErrUnauthorized, false},
		{http.StatusForbidden, types.ErrForbidden, false},
		{http.StatusTooManyRequests, types.ErrRateLimited, true},
		{http.StatusBadRequest, types.ErrInvalidRequest, false},
		{http.StatusInternalServerError, types.ErrUpstreamError, true},
		{http.StatusBadGateway, types.ErrUpstreamError, true},
		{http.StatusGatewayTimeout, types.ErrUpstreamTimeout, true},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := MapHTTPError(tt.status, "test error", "test-provider")
			assert.Equal(t, tt.wantCode, err.Code)
			assert.Equal(t, tt.retryable, err.Retryable)
			assert.Equal(t, "test-provider", err.Provider)
			assert.Equal(t, tt.status, err.HTTPStatus)
		})
	}
}

func TestOpenAICompatProvider_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body chatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body.Model)
		require.NotNil(t, body.ResponseFormat)
		assert.Equal(t, "json_object", body.ResponseFormat.Type)
		require.Len(t, body.Messages, 2)
		assert.Equal(t, RoleSystem, body.Messages[0].Role)

		_, _ = w.Write([]byte(`{"id":"c1","model":"gpt-4o-mini","choices":[
			{"index":0,"message":{"role":"assistant","content":"{\"is_multihop\":false}"},"finish_reason":"stop"}],
			"usage":{"total_tokens":12}}`))
	}))
	defer srv.Close()

	p := NewOpenAICompatProvider(OpenAICompatConfig{
		APIKey:   "sk-test",
		BaseURL:  srv.URL + "/",
		JSONMode: true,
	}, zap.NewNop())

	out, err := p.Complete(context.Background(), []Message{
		{Role: RoleSystem, Content: "plan"},
		{Role: RoleUser, Content: "q"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"is_multihop":false}`, out)
	assert.Equal(t, "openai", p.Name())
}

func TestOpenAICompatProvider_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	p := NewOpenAICompatProvider(OpenAICompatConfig{BaseURL: srv.URL, MaxRetries: 1}, nil)
	out, err := p.Complete(context.Background(), []Message{{Role: RoleUser, Content: "q"}})

	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOpenAICompatProvider_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewOpenAICompatProvider(OpenAICompatConfig{BaseURL: srv.URL, MaxRetries: 3}, nil)
	_, err := p.Complete(context.Background(), []Message{{Role: RoleUser, Content: "q"}})

	assert.True(t, types.IsErrorCode(err, types.ErrUnauthorized))
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenAICompatProvider_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	p := NewOpenAICompatProvider(OpenAICompatConfig{BaseURL: srv.URL}, nil)
	_, err := p.Complete(context.Background(), []Message{{Role: RoleUser, Content: "q"}})
	assert.True(t, types.IsErrorCode(err, types.ErrUpstreamError))
}

func TestOpenAICompatProvider_NoMessages(t *testing.T) {
	p := NewOpenAICompatProvider(OpenAICompatConfig{}, nil)
	_, err := p.Complete(context.Background(), nil)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))
}

func TestOpenAICompatProvider_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewOpenAICompatProvider(OpenAICompatConfig{BaseURL: srv.URL, MaxRetries: 2}, nil)
	_, err := p.Complete(ctx, []Message{{Role: RoleUser, Content: "q"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestChatProviderFunc(t *testing.T) {
	var f ChatProvider = ChatProviderFunc(func(_ context.Context, msgs []Message) (string, error) {
		return msgs[len(msgs)-1].Content, nil
	})
	out, err := f.Complete(context.Background(), []Message{{Role: RoleUser, Content: "echo"}})
	require.NoError(t, err)
	assert.Equal(t, "echo", out)
	assert.Equal(t, "func", f.Name())
}
