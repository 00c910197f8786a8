package embedding

import (
	"context"
	"math"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// StaticEngine produces deterministic embeddings without a provider by
// hashing word and bigram features into a fixed number of buckets. Texts
// sharing vocabulary land near each other, which is enough for offline
// operation and for exercising the retrieval path in tests.
type StaticEngine struct {
	model string
	dim   int
}

// NewStaticEngine creates a static engine with the given model id and
// dimensionality.
func NewStaticEngine(model string, dim int) *StaticEngine {
	if model == "" {
		model = "static-256"
	}
	if dim <= 0 {
		dim = 256
	}
	return &StaticEngine{model: model, dim: dim}
}

// Embed produces one vector per input. Never fails and ignores ctx beyond
// the usual cancellation check.
func (e *StaticEngine) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.embedOne(text)
	}
	return out, nil
}

func (e *StaticEngine) embedOne(text string) []float32 {
	vec := make([]float32, e.dim)
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		vec[0] = 1
		return vec
	}

	add := func(feature string, weight float32) {
		h := xxhash.Sum64String(feature)
		idx := int(h % uint64(e.dim))
		sign := float32(1)
		if h&(1<<63) != 0 {
			sign = -1
		}
		vec[idx] += sign * weight
	}

	for i, w := range words {
		w = strings.Trim(w, ".,;:!?\"'()[]{}")
		if w == "" {
			continue
		}
		add(w, 1)
		if i+1 < len(words) {
			add(w+" "+strings.Trim(words[i+1], ".,;:!?\"'()[]{}"), 0.5)
		}
	}

	var norm float64
	for _, x := range vec {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// Dimensions returns the configured dimensionality.
func (e *StaticEngine) Dimensions() int { return e.dim }

// ModelID returns the model identifier vectors are stored under.
func (e *StaticEngine) ModelID() string { return e.model }
