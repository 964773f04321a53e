// Package embedding produces dense vectors for product descriptions and
// fiscal catalog entries. Engines are interchangeable behind a small
// interface so the retrieval index never knows which backend filled it.
package embedding

import (
	"context"
	"fmt"
	"math"

	"classifica/internal/config"
)

// Engine converts text to vectors. Implementations must be safe for
// concurrent use.
type Engine interface {
	// Embed returns the vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one vector per input, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions reports the vector width this engine produces.
	Dimensions() int
	// Name identifies the backend and model for metadata rows.
	Name() string
}

// NewEngine builds the configured backend.
func NewEngine(ctx context.Context, cfg config.EmbeddingConfig) (Engine, error) {
	switch cfg.Provider {
	case "ollama", "":
		return NewOllamaEngine(cfg.Endpoint, cfg.Model, cfg.Dimensions), nil
	case "genai":
		return NewGenAIEngine(ctx, cfg.APIKey, cfg.Model, cfg.Dimensions)
	default:
		return nil, fmt.Errorf("embedding: unsupported provider %q", cfg.Provider)
	}
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when either vector is empty or zero.
func CosineSimilarity(a, b []float32) float64 {
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

// Normalize scales v to unit length in place and returns it. Zero vectors
// are returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}
