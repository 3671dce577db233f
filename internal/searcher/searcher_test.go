package searcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/foodresolve/internal/embedder"
	"github.com/dshills/foodresolve/internal/storage"
	"github.com/dshills/foodresolve/pkg/types"
)

var testThresholds = Thresholds{High: 0.975, Low: 0.85, BulkIndex: 0.725}

type testEnv struct {
	store *storage.SQLiteStorage
	cache *embedder.EmbeddingCache
	s     *Searcher
}

func setupSearcher(t *testing.T, cacheSize int) *testEnv {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cache := embedder.NewEmbeddingCache(embedder.NewLocalProvider(), store, 100, nil)
	return &testEnv{
		store: store,
		cache: cache,
		s:     NewSearcher(store, cache, testThresholds, cacheSize, nil),
	}
}

func (e *testEnv) addCatalogItem(t *testing.T, name, brand, embedText string) *types.CanonicalFoodItem {
	t.Helper()
	v, err := e.cache.GetOrCreate(context.Background(), embedText)
	require.NoError(t, err)
	item := &types.CanonicalFoodItem{
		Name:       name,
		Brand:      brand,
		Provenance: types.Provenance{Source: types.SourceGenerated},
		Embedding:  v,
		Servings:   []types.Serving{{Name: "serving", WeightGrams: types.Float(100)}},
	}
	require.NoError(t, e.store.CreateFoodItem(context.Background(), item))
	return item
}

func (e *testEnv) addBulkFood(t *testing.T, fdcID, name string, branded bool) *storage.BulkFood {
	t.Helper()
	v, err := e.cache.GetOrCreate(context.Background(), name)
	require.NoError(t, err)
	food := &storage.BulkFood{
		FdcID:     fdcID,
		Name:      name,
		Branded:   branded,
		Payload:   &types.CanonicalFoodItem{Name: name, Servings: []types.Serving{{Name: "100 g", WeightGrams: types.Float(100)}}},
		Embedding: v,
	}
	require.NoError(t, e.store.UpsertBulkFood(context.Background(), food))
	return food
}

func TestBand(t *testing.T) {
	s := NewSearcher(nil, nil, testThresholds, 0, nil)
	tests := []struct {
		score float64
		want  Band
	}{
		{0.99, BandHigh},
		{0.975, BandHigh},
		{0.9, BandMid},
		{0.85, BandMid},
		{0.84, BandLow},
		{0, BandLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.Band(tt.score), "score %v", tt.score)
	}
	assert.Equal(t, "mid", BandMid.String())
}

func TestSearch_ExactCatalogMatch(t *testing.T) {
	env := setupSearcher(t, 0)
	yogurt := env.addCatalogItem(t, "Greek Yogurt", "", "greek yogurt")
	env.addCatalogItem(t, "Motor Oil", "", "motor oil")

	result, err := env.s.Search(context.Background(), types.FoodDescription{SearchName: "Greek Yogurt"}, 10)
	require.NoError(t, err)

	top := result.Top()
	require.NotNil(t, top)
	assert.Equal(t, types.SourceCatalog, top.Source)
	assert.Equal(t, yogurt.ID, top.ID)
	assert.Equal(t, "Greek Yogurt", top.Name)
	assert.InDelta(t, 1.0, top.Similarity, 1e-6)
	assert.Equal(t, BandHigh, env.s.Band(top.Similarity))
	assert.Nil(t, result.PhraseVector, "phrase equal to the query is not embedded twice")

	for i := 1; i < len(result.Candidates); i++ {
		assert.GreaterOrEqual(t, result.Candidates[i-1].Similarity, result.Candidates[i].Similarity)
	}
}

func TestSearch_PhraseVectorWidensRecall(t *testing.T) {
	env := setupSearcher(t, 0)
	item := env.addCatalogItem(t, "Oatmeal Cookie", "", "big oatmeal raisin cookie from the bakery")

	desc := types.FoodDescription{
		SearchName: "cookie",
		RawPhrase:  "big oatmeal raisin cookie from the bakery",
	}
	result, err := env.s.Search(context.Background(), desc, 10)
	require.NoError(t, err)
	require.NotNil(t, result.PhraseVector)

	top := result.Top()
	require.NotNil(t, top)
	assert.Equal(t, item.ID, top.ID)
	assert.InDelta(t, 1.0, top.Similarity, 1e-6, "best score across both vectors wins")

	// Deduped even though both vectors found it
	count := 0
	for _, c := range result.Candidates {
		if c.Key() == top.Key() {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestSearch_BulkIndexBrandedSplit(t *testing.T) {
	env := setupSearcher(t, 0)
	generic := env.addBulkFood(t, "171284", "greek yogurt", false)
	env.addBulkFood(t, "2000001", "greek yogurt - fage", true)

	result, err := env.s.Search(context.Background(), types.FoodDescription{SearchName: "greek yogurt"}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, result.Candidates)
	for _, c := range result.Candidates {
		assert.Equal(t, types.SourceUSDA, c.Source)
		assert.Equal(t, generic.FdcID, c.ExternalID, "unbranded query only sees unbranded rows")
	}
	require.NotNil(t, result.Candidates[0].Payload)

	result, err = env.s.Search(context.Background(), types.FoodDescription{SearchName: "greek yogurt", Brand: "Fage", Branded: true}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, result.Candidates)
	assert.Equal(t, "2000001", result.Candidates[0].ExternalID)
}

func TestSearch_ResultCache(t *testing.T) {
	env := setupSearcher(t, 10)
	env.addCatalogItem(t, "Banana", "", "banana")
	ctx := context.Background()
	desc := types.FoodDescription{SearchName: "banana"}

	first, err := env.s.Search(ctx, desc, 5)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := env.s.Search(ctx, desc, 5)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Candidates, second.Candidates)

	// Mutating a returned result must not leak into the cache
	second.Candidates[0].Name = "changed"
	third, err := env.s.Search(ctx, desc, 5)
	require.NoError(t, err)
	assert.Equal(t, "Banana", third.Candidates[0].Name)

	env.s.InvalidateCache()
	fourth, err := env.s.Search(ctx, desc, 5)
	require.NoError(t, err)
	assert.False(t, fourth.CacheHit)
}

func TestSearch_EmptyQuery(t *testing.T) {
	env := setupSearcher(t, 0)
	_, err := env.s.Search(context.Background(), types.FoodDescription{SearchName: "  "}, 10)
	assert.ErrorIs(t, err, types.ErrEmptySearchName)
}

func TestMergeHits(t *testing.T) {
	merged := mergeHits([]hit{
		{CorpusCatalog, 1, 0.80},
		{CorpusCatalog, 1, 0.90},
		{CorpusBulk, 1, 0.85},
		{CorpusCatalog, 2, 0.95},
	})
	require.Len(t, merged, 3)
	assert.Equal(t, hit{CorpusCatalog, 2, 0.95}, merged[0])
	assert.Equal(t, hit{CorpusCatalog, 1, 0.90}, merged[1])
	assert.Equal(t, hit{CorpusBulk, 1, 0.85}, merged[2])
}
