package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Version(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 0, run(context.Background(), []string{"version"}, &out, &errOut))
	assert.Contains(t, out.String(), "KBRetrieval dev")
}

func TestRun_UsageErrors(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 2, run(context.Background(), nil, &out, &errOut))
	assert.Contains(t, errOut.String(), "Usage:")

	errOut.Reset()
	assert.Equal(t, 2, run(context.Background(), []string{"serve"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "Unknown command: serve")

	errOut.Reset()
	assert.Equal(t, 2, run(context.Background(), []string{"query"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "query text is required")
}

func TestRun_QueryAgainstMemoryStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "jina-embeddings-v3",
			"data":  []map[string]any{{"index": 0, "embedding": []float64{0.1, 0.2, 0.3}}},
		})
	}))
	t.Cleanup(srv.Close)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: memory
embedding:
  api_key: k
  base_url: `+srv.URL+`
  dimensions: 3
log:
  level: error
`), 0o600))

	var out, errOut bytes.Buffer
	code := run(context.Background(), []string{"query", "--config", path, "--scope", "global", "--trace", "informacion documentada"}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Contains(t, resp, "results")
	assert.Contains(t, resp, "trace")
}

func TestRun_QueryRejectsTenantlessInstitutionalScope(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  driver: memory\nlog:\n  level: error\n"), 0o600))

	var out, errOut bytes.Buffer
	code := run(context.Background(), []string{"query", "--config", path, "--scope", "institutional", "q"}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "Retrieval failed")
}
