// Package embedding provides vector embedding generation for the memory
// core. Providers: Ollama (local), Google GenAI (cloud), and a deterministic
// static engine for offline use. The Gateway wraps a provider with batching,
// a content-hash cache, and bounded retry.
package embedding

import (
	"context"
	"fmt"
	"math"

	"contextmem/internal/config"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates one embedding per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of produced embeddings.
	Dimensions() int

	// ModelID identifies the embedding model; vectors are stored under it.
	ModelID() string
}

// NewEngine creates an embedding engine based on configuration.
func NewEngine(cfg config.EmbeddingConfig) (Engine, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.ModelID, cfg.Dim)
	case "genai":
		return NewGenAIEngine(cfg.GenAIAPIKey, cfg.ModelID, cfg.Dim)
	case "static", "":
		return NewStaticEngine(cfg.ModelID, cfg.Dim), nil
	}
	return nil, fmt.Errorf("unsupported embedding provider: %s (use 'ollama', 'genai' or 'static')", cfg.Provider)
}

// Cosine calculates the cosine similarity between two vectors. Returns 0 for
// mismatched dimensions or zero-magnitude inputs.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// L2Norm returns the Euclidean norm of v.
func L2Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
