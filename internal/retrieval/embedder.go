package retrieval

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kalambet/regcopilot/internal/engine"
	"golang.org/x/sync/errgroup"
)

// DefaultCacheSize is the number of query embeddings kept in memory.
const DefaultCacheSize = 1024

// Embedder wraps an Engine to generate text embeddings. Single-text
// embeddings are cached so a repeated query always searches with the same
// vector.
type Embedder struct {
	engine engine.Engine
	model  string
	cache  *lru.Cache[string, []float32]
}

// NewEmbedder creates an Embedder using the given Engine and model name.
func NewEmbedder(e engine.Engine, model string) *Embedder {
	return NewEmbedderWithCache(e, model, DefaultCacheSize)
}

// NewEmbedderWithCache is NewEmbedder with an explicit cache size. A size
// below 1 disables caching.
func NewEmbedderWithCache(e engine.Engine, model string, size int) *Embedder {
	emb := &Embedder{engine: e, model: model}
	if size > 0 {
		// lru.New only fails for non-positive sizes.
		emb.cache, _ = lru.New[string, []float32](size)
	}
	return emb
}

// Model returns the embedding model name.
func (e *Embedder) Model() string {
	return e.model
}

func (e *Embedder) cacheKey(text string) string {
	return e.model + "\x00" + text
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.cache != nil {
		if vec, ok := e.cache.Get(e.cacheKey(text)); ok {
			return append([]float32(nil), vec...), nil
		}
	}
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("embedding text: empty vector")
	}
	if e.cache != nil {
		e.cache.Add(e.cacheKey(text), append([]float32(nil), vec...))
	}
	return vec, nil
}

// EmbedBatch returns embedding vectors for multiple texts concurrently.
// Returns nil (not error) for empty/nil input. Batch results bypass the
// query cache.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the engine.

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.engine.Embed(gCtx, e.model, text)
			if err != nil {
				return fmt.Errorf("embedding chunk %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
