package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codegraph/internal/config"
)

func TestHashEngineDeterministic(t *testing.T) {
	e := NewHashEngine(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "def foo(): pass")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "def foo(): pass")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := e.Embed(ctx, "def bar(): pass")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestHashEngineUnitNorm(t *testing.T) {
	e := NewHashEngine(128)
	vec, err := e.Embed(context.Background(), "some content")
	require.NoError(t, err)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-3)
}

func TestOllamaEngine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embeddings", r.URL.Path)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req["model"])
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	e, err := NewOllamaEngine(srv.URL, "nomic-embed-text", 3)
	require.NoError(t, err)

	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, "ollama:nomic-embed-text", e.Name())
}

func TestOllamaEngineDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{0.1, 0.2}})
	}))
	defer srv.Close()

	e, err := NewOllamaEngine(srv.URL, "m", 768)
	require.NoError(t, err)
	_, err = e.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimensions")
}

func TestNewEngineFromConfig(t *testing.T) {
	e, err := NewEngine(config.EmbeddingConfig{Provider: "hash", Dimensions: 32})
	require.NoError(t, err)
	assert.Equal(t, 32, e.Dimensions())

	_, err = NewEngine(config.EmbeddingConfig{Provider: "nope"})
	assert.Error(t, err)
}
