package embedder

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dshills/foodresolve/internal/storage"
)

// Store is the persistent tier of the embedding cache
type Store interface {
	GetCachedEmbedding(ctx context.Context, model, text string) (*storage.CachedEmbedding, error)
	PutCachedEmbedding(ctx context.Context, entry *storage.CachedEmbedding) (*storage.CachedEmbedding, error)
}

// EmbeddingCache returns the same vector for the same (model, normalized
// text) without calling the provider again. Lookups go LRU, then store, then
// provider. Concurrent in-process misses on one key share a single provider
// call; misses racing across processes both embed and the store keeps the
// first row.
type EmbeddingCache struct {
	embedder Embedder
	store    Store
	lru      *Cache
	group    singleflight.Group
	logger   *zap.Logger
}

// NewEmbeddingCache wires an embedder to a store. store may be nil for a
// memory-only cache.
func NewEmbeddingCache(e Embedder, store Store, lruSize int, logger *zap.Logger) *EmbeddingCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmbeddingCache{
		embedder: e,
		store:    store,
		lru:      NewCache(lruSize),
		logger:   logger.Named("embedding-cache"),
	}
}

// Model returns the model id vectors are keyed under
func (c *EmbeddingCache) Model() string {
	return c.embedder.Model()
}

// Dimension returns the provider's vector dimension
func (c *EmbeddingCache) Dimension() int {
	return c.embedder.Dimension()
}

// GetOrCreate returns the vector for text, embedding it on a miss
func (c *EmbeddingCache) GetOrCreate(ctx context.Context, text string) ([]float32, error) {
	norm := NormalizeText(text)
	if norm == "" {
		return nil, ErrEmptyText
	}
	model := c.embedder.Model()
	key := ComputeHash(model, norm)

	if v, ok := c.lru.Get(key); ok {
		return v, nil
	}
	if v, ok := c.lookup(ctx, model, norm); ok {
		c.lru.Set(key, v)
		return copyVector(v), nil
	}

	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		emb, err := c.embedder.GenerateEmbedding(ctx, EmbeddingRequest{Text: norm})
		if err != nil {
			return nil, err
		}
		return c.persist(ctx, model, norm, emb.Vector), nil
	})
	if err != nil {
		return nil, fmt.Errorf("embed %q: %w", norm, err)
	}

	v := result.([]float32)
	c.lru.Set(key, v)
	return copyVector(v), nil
}

// GetOrCreateBatch returns one vector per text, embedding all misses in as
// few provider calls as the batch limit allows
func (c *EmbeddingCache) GetOrCreateBatch(ctx context.Context, texts []string) ([][]float32, error) {
	model := c.embedder.Model()
	out := make([][]float32, len(texts))

	// Distinct normalized misses and the positions waiting on each
	missing := make([]string, 0)
	waiting := make(map[string][]int)
	for i, text := range texts {
		norm := NormalizeText(text)
		if norm == "" {
			return nil, fmt.Errorf("%w: text at index %d", ErrEmptyText, i)
		}
		key := ComputeHash(model, norm)
		if v, ok := c.lru.Get(key); ok {
			out[i] = v
			continue
		}
		if v, ok := c.lookup(ctx, model, norm); ok {
			c.lru.Set(key, v)
			out[i] = copyVector(v)
			continue
		}
		if _, seen := waiting[norm]; !seen {
			missing = append(missing, norm)
		}
		waiting[norm] = append(waiting[norm], i)
	}

	for start := 0; start < len(missing); start += DefaultBatchSize {
		end := start + DefaultBatchSize
		if end > len(missing) {
			end = len(missing)
		}
		chunk := missing[start:end]

		resp, err := c.embedder.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: chunk})
		if err != nil {
			return nil, fmt.Errorf("embed batch of %d: %w", len(chunk), err)
		}
		if len(resp.Embeddings) != len(chunk) {
			return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrProviderFailed, len(resp.Embeddings), len(chunk))
		}
		for j, norm := range chunk {
			v := c.persist(ctx, model, norm, resp.Embeddings[j].Vector)
			c.lru.Set(ComputeHash(model, norm), v)
			for _, i := range waiting[norm] {
				out[i] = copyVector(v)
			}
		}
	}
	return out, nil
}

func (c *EmbeddingCache) lookup(ctx context.Context, model, norm string) ([]float32, bool) {
	if c.store == nil {
		return nil, false
	}
	entry, err := c.store.GetCachedEmbedding(ctx, model, norm)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("embedding cache lookup failed", zap.String("text", norm), zap.Error(err))
		}
		return nil, false
	}
	return entry.Vector, true
}

// persist writes the vector and returns the stored one, which differs from
// v when another writer got there first. Store failures only cost a future
// cache hit.
func (c *EmbeddingCache) persist(ctx context.Context, model, norm string, v []float32) []float32 {
	if c.store == nil {
		return v
	}
	entry, err := c.store.PutCachedEmbedding(ctx, &storage.CachedEmbedding{Model: model, Text: norm, Vector: v})
	if err != nil {
		c.logger.Warn("embedding cache write failed", zap.String("text", norm), zap.Error(err))
		return v
	}
	return entry.Vector
}

func copyVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
