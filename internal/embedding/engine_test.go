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

	"classifica/internal/config"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"empty", nil, nil, 0},
		{"mismatched", []float32{1}, []float32{1, 2}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, float64(v[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(v[1]), 1e-6)

	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-6)

	zero := Normalize([]float32{0, 0})
	assert.Equal(t, []float32{0, 0}, zero)
}

func TestOllamaEngineBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embed", r.URL.Path)
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		inputs := req.Input.([]any)
		out := ollamaEmbedResponse{Embeddings: make([][]float32, len(inputs))}
		for i := range inputs {
			out.Embeddings[i] = []float32{3, 4}
		}
		json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	e := NewOllamaEngine(srv.URL, "all-minilm", 2)
	vecs, err := e.EmbedBatch(context.Background(), []string{"chip tim", "pantoprazol 40mg"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	// Vectors come back unit length.
	assert.InDelta(t, 1.0, CosineSimilarity(vecs[0], vecs[0]), 1e-6)
	assert.InDelta(t, 0.6, float64(vecs[0][0]), 1e-6)
}

func TestOllamaEngineDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: [][]float32{{1, 2, 3}}})
	}))
	defer srv.Close()

	e := NewOllamaEngine(srv.URL, "all-minilm", 2)
	_, err := e.Embed(context.Background(), "produto")
	assert.Error(t, err)
}

func TestOllamaEngineEmptyInput(t *testing.T) {
	e := NewOllamaEngine("", "", 0)
	vecs, err := e.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
	assert.Equal(t, defaultOllamaDims, e.Dimensions())
	assert.Equal(t, "ollama/all-minilm", e.Name())
}

func TestNewEngineRejectsUnknownProvider(t *testing.T) {
	cfg := config.Default().Embedding
	cfg.Provider = "word2vec"
	_, err := NewEngine(context.Background(), cfg)
	assert.Error(t, err)
}
