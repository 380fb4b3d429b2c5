package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIEmbedReordersAndBatches(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-small", req.Model)

		type datum struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		var data []datum
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, datum{Embedding: []float32{float32(len(req.Input[i]))}, Index: i})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	t.Cleanup(srv.Close)

	e, err := New(Config{Provider: ProviderOpenAI, BaseURL: srv.URL + "/", Model: "text-embedding-3-small", APIKey: "secret", BatchSize: 2}, nil)
	require.NoError(t, err)

	vecs, err := e.Embed(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1}, {2}, {3}}, vecs)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOpenAIEmbedMissingIndex(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"embedding":[1],"index":0}]}`))
	}))
	t.Cleanup(srv.Close)

	e, err := New(Config{Provider: ProviderOpenAI, BaseURL: srv.URL, Model: "m"}, nil)
	require.NoError(t, err)
	_, err = e.Embed(context.Background(), []string{"a", "b"})
	require.ErrorContains(t, err, "missing embedding for input 1")
}

func TestOllamaEmbed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		out := make([][]float32, len(req.Input))
		for i := range out {
			out[i] = []float32{0.1, 0.2}
		}
		_ = json.NewEncoder(w).Encode(ollamaResponse{Model: req.Model, Embeddings: out})
	}))
	t.Cleanup(srv.Close)

	e, err := New(Config{Provider: ProviderOllama, BaseURL: srv.URL, Model: "nomic-embed-text", Dimensions: 2}, nil)
	require.NoError(t, err)
	vecs, err := e.Embed(context.Background(), []string{"x", "y"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)

	e, err = New(Config{Provider: ProviderOllama, BaseURL: srv.URL, Model: "nomic-embed-text", Dimensions: 768}, nil)
	require.NoError(t, err)
	_, err = e.Embed(context.Background(), []string{"x"})
	require.ErrorContains(t, err, "want 768")
}

func TestEmbedHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	e, err := New(Config{Provider: ProviderOllama, BaseURL: srv.URL, Model: "m"}, nil)
	require.NoError(t, err)
	_, err = e.Embed(context.Background(), []string{"x"})
	require.ErrorContains(t, err, "HTTP 404")
	require.ErrorContains(t, err, "model not found")
}

func TestEmbedEmptyInput(t *testing.T) {
	t.Parallel()

	e, err := New(Config{Provider: ProviderOllama, BaseURL: "http://127.0.0.1:1", Model: "m"}, nil)
	require.NoError(t, err)
	vecs, err := e.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Provider: "cohere", Model: "m"}, nil)
	require.Error(t, err)
	_, err = New(Config{Provider: ProviderOpenAI}, nil)
	require.Error(t, err)
}
