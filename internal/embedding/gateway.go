package embedding

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"contextmem/internal/config"
	"contextmem/internal/item"
)

// ErrProviderUnavailable is a retryable provider failure. The gateway
// surfaces it only when a call produced zero vectors.
var ErrProviderUnavailable = errors.New("embedding provider unavailable")

// ErrProviderMalformed marks a provider response that cannot be used; the
// affected inputs stay unresolved.
var ErrProviderMalformed = errors.New("embedding provider returned malformed response")

// Gateway wraps an Engine with a process-wide content-hash cache, batching,
// bounded concurrency, and bounded retry with exponential backoff. Inputs
// whose embedding remains unresolved after retries get a nil slot in the
// result; the caller records them as embedding_pending.
type Gateway struct {
	engine Engine
	logger *zap.Logger

	maxBatch    int
	maxInflight int
	maxRetries  int
	baseDelay   time.Duration

	cache *vectorCache
}

// NewGateway builds a gateway around engine using the configured limits.
func NewGateway(engine Engine, cfg config.EmbeddingConfig, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 || maxBatch > 128 {
		maxBatch = 64
	}
	maxInflight := cfg.MaxInflight
	if maxInflight <= 0 || maxInflight > 8 {
		maxInflight = 8
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 3
	}
	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	return &Gateway{
		engine:      engine,
		logger:      logger.Named("embedding"),
		maxBatch:    maxBatch,
		maxInflight: maxInflight,
		maxRetries:  maxRetries,
		baseDelay:   100 * time.Millisecond,
		cache:       newVectorCache(cacheSize),
	}
}

// ModelID returns the active embedding model id.
func (g *Gateway) ModelID() string { return g.engine.ModelID() }

// Dimensions returns the active embedding dimensionality.
func (g *Gateway) Dimensions() int { return g.engine.Dimensions() }

// Embed returns one vector per input text, resolving from the cache where
// possible. A nil slot means the input stayed unresolved after retries.
// The returned error is non-nil only when the provider failed and not a
// single vector (cached or fresh) could be produced.
func (g *Gateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var misses []int

	model := g.engine.ModelID()
	for i, text := range texts {
		key := cacheKey{hash: item.ContentHash(text, ""), model: model}
		if vec, ok := g.cache.get(key); ok {
			out[i] = vec
			continue
		}
		misses = append(misses, i)
	}
	if len(misses) == 0 {
		return out, nil
	}

	// Split cache misses into provider batches, issued concurrently up to
	// the inflight bound. Per-batch failure leaves that batch's slots nil.
	var mu sync.Mutex
	produced := len(texts) - len(misses)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.maxInflight)

	for start := 0; start < len(misses); start += g.maxBatch {
		end := start + g.maxBatch
		if end > len(misses) {
			end = len(misses)
		}
		batch := misses[start:end]

		eg.Go(func() error {
			batchTexts := make([]string, len(batch))
			for j, idx := range batch {
				batchTexts[j] = texts[idx]
			}

			vecs, err := g.embedWithRetry(egCtx, batchTexts)
			if err != nil {
				g.logger.Warn("batch unresolved after retries",
					zap.Int("inputs", len(batch)), zap.Error(err))
				return nil // pending, not fatal to the call
			}

			mu.Lock()
			defer mu.Unlock()
			for j, idx := range batch {
				out[idx] = vecs[j]
				produced++
				key := cacheKey{hash: item.ContentHash(texts[idx], ""), model: model}
				g.cache.put(key, vecs[j])
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return out, err
	}

	if produced == 0 {
		return out, fmt.Errorf("%w: no vectors produced for %d inputs", ErrProviderUnavailable, len(texts))
	}
	return out, nil
}

// embedWithRetry calls the provider with exponential backoff. Malformed
// responses are fatal to the batch immediately; other failures retry.
func (g *Gateway) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			delay := g.baseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		vecs, err := g.engine.Embed(ctx, texts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		if len(vecs) != len(texts) {
			return nil, fmt.Errorf("%w: %d vectors for %d inputs", ErrProviderMalformed, len(vecs), len(texts))
		}
		dim := g.engine.Dimensions()
		for i, v := range vecs {
			if len(v) != dim {
				return nil, fmt.Errorf("%w: input %d has dimension %d, want %d", ErrProviderMalformed, i, len(v), dim)
			}
			if L2Norm(v) == 0 {
				return nil, fmt.Errorf("%w: input %d has zero norm", ErrProviderMalformed, i)
			}
		}
		return vecs, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, lastErr)
}

// =============================================================================
// VECTOR CACHE
// =============================================================================

type cacheKey struct {
	hash  uint64
	model string
}

// vectorCache is a bounded LRU keyed by (content_hash, model_id).
// Process-wide, last-write-wins on key collision.
type vectorCache struct {
	mu    sync.Mutex
	max   int
	ll    *list.List
	items map[cacheKey]*list.Element
}

type cacheEntry struct {
	key cacheKey
	vec []float32
}

func newVectorCache(max int) *vectorCache {
	return &vectorCache{
		max:   max,
		ll:    list.New(),
		items: make(map[cacheKey]*list.Element),
	}
}

func (c *vectorCache) get(key cacheKey) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).vec, true
}

func (c *vectorCache) put(key cacheKey, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*cacheEntry).vec = vec
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&cacheEntry{key: key, vec: vec})
	c.items[key] = el
	for c.ll.Len() > c.max {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}
