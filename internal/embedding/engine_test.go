package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ollamaServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/embeddings":
			var req ollamaEmbedRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			vec := make([]float32, 4)
			for i, b := range []byte(req.Prompt) {
				vec[i%4] += float32(b)
			}
			_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: vec})
		case "/api/tags":
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestNewEngine_SelectsProvider(t *testing.T) {
	engine, err := NewEngine(Config{Provider: "ollama", OllamaModel: "m"})
	require.NoError(t, err)
	assert.Equal(t, "ollama:m", engine.Name())

	_, err = NewEngine(Config{Provider: "nonsense"})
	assert.Error(t, err)

	// genai without a key is a configuration error, not a panic.
	_, err = NewEngine(Config{Provider: "genai"})
	assert.Error(t, err)
}

func TestOllamaEngine_Embed(t *testing.T) {
	srv := ollamaServer(t)
	defer srv.Close()

	e, err := NewOllamaEngine(srv.URL, "embeddinggemma")
	require.NoError(t, err)

	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, vec, 4)

	same, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, vec, same)
}

func TestOllamaEngine_EmbedBatchSequential(t *testing.T) {
	srv := ollamaServer(t)
	defer srv.Close()

	e, err := NewOllamaEngine(srv.URL, "embeddinggemma")
	require.NoError(t, err)

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, vecs, 3)

	empty, err := e.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestOllamaEngine_ServerErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	e, err := NewOllamaEngine(srv.URL, "missing")
	require.NoError(t, err)
	_, err = e.Embed(context.Background(), "text")
	assert.ErrorContains(t, err, "404")
}

func TestOllamaEngine_HealthCheck(t *testing.T) {
	srv := ollamaServer(t)
	defer srv.Close()

	e, err := NewOllamaEngine(srv.URL, "m")
	require.NoError(t, err)
	assert.NoError(t, e.HealthCheck(context.Background()))

	srv.Close()
	assert.Error(t, e.HealthCheck(context.Background()))
}
