package catalog

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/foodresolve/internal/llm"
	"github.com/dshills/foodresolve/internal/llm/llmtest"
	"github.com/dshills/foodresolve/internal/storage"
	"github.com/dshills/foodresolve/pkg/types"
)

func setupTestDB(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type countingVectorizer struct {
	calls atomic.Int32
	texts []string
}

func (v *countingVectorizer) GetOrCreate(_ context.Context, text string) ([]float32, error) {
	v.calls.Add(1)
	v.texts = append(v.texts, text)
	return []float32{1, 0, 0}, nil
}

type recordingIcons struct{ items []*types.CanonicalFoodItem }

func (r *recordingIcons) Dispatch(_ context.Context, item *types.CanonicalFoodItem) {
	r.items = append(r.items, item)
}

type countingCache struct{ n int }

func (c *countingCache) InvalidateCache() { c.n++ }

var oneRung = llm.TemperatureLadder("test-model", []float64{0})

func completeItem(name, brand string) *types.CanonicalFoodItem {
	return &types.CanonicalFoodItem{
		Name:                      name,
		Brand:                     brand,
		DefaultServingWeightGrams: types.Float(30),
		Macros:                    types.Macros{Kcal: 120, ProteinGrams: 2, CarbGrams: 20, FatGrams: 4},
		Provenance:                types.Provenance{Source: types.SourceNutritionix, ExternalID: "nx-1"},
		Servings: []types.Serving{
			{Name: "cookie", WeightGrams: types.Float(15), DefaultAmount: 1, AltUnit: "g", AltAmount: types.Float(15)},
		},
	}
}

func TestUpsert_ExistingItemReturnedUnchanged(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	existing := completeItem("Chocolate Chip Cookie", "")
	existing.Embedding = []float32{0, 1, 0}
	require.NoError(t, store.CreateFoodItem(ctx, existing))

	fake := llmtest.Text()
	vec := &countingVectorizer{}
	icons := &recordingIcons{}
	cache := &countingCache{}
	w := NewWriter(store, vec, fake, oneRung, Options{Icons: icons, Cache: cache})

	incoming := completeItem("chocolate chip", "Chips Ahoy")
	incoming.Kcal = 999

	got, created, err := w.Upsert(ctx, incoming)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, existing.ID, got.ID)
	assert.Equal(t, 120.0, got.Kcal)

	assert.Equal(t, 0, fake.Calls())
	assert.Equal(t, int32(0), vec.calls.Load())
	assert.Empty(t, icons.items)
	assert.Equal(t, 0, cache.n)
}

func TestUpsert_IdempotentOnRepeat(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	w := NewWriter(store, &countingVectorizer{}, llmtest.Text(), oneRung, Options{})

	first, created, err := w.Upsert(ctx, completeItem("Oat Bar", "Acme"))
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := w.Upsert(ctx, completeItem("Oat Bar", "Acme"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestUpsert_CreatesCompleteItemWithoutCompletion(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	fake := llmtest.Text()
	vec := &countingVectorizer{}
	icons := &recordingIcons{}
	cache := &countingCache{}
	w := NewWriter(store, vec, fake, oneRung, Options{Icons: icons, Cache: cache})

	got, created, err := w.Upsert(ctx, completeItem("Oat Bar", "Acme"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotZero(t, got.ID)
	assert.Equal(t, []float32{1, 0, 0}, got.Embedding)
	assert.Equal(t, []string{"oat bar - acme"}, vec.texts)

	assert.Equal(t, 0, fake.Calls())
	require.Len(t, icons.items, 1)
	assert.Equal(t, got.ID, icons.items[0].ID)
	assert.Equal(t, 1, cache.n)

	loaded, err := store.GetFoodItem(ctx, got.ID)
	require.NoError(t, err)
	assert.Equal(t, "Oat Bar", loaded.Name)
	require.Len(t, loaded.Servings, 1)
	assert.Equal(t, "cookie", loaded.Servings[0].Name)
}

func TestUpsert_FieldCompletionFallback(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	fake := llmtest.Text(
		"I think it weighs about a handful",
		`{"servings":[{"id":1,"alt_amount":"2*5","alt_unit":"g"}]}`,
	)
	w := NewWriter(store, &countingVectorizer{}, fake, oneRung, Options{})

	item := &types.CanonicalFoodItem{
		Name:       "Mystery Snack",
		Macros:     types.Macros{Kcal: 50},
		Provenance: types.Provenance{Source: types.SourceGenerated},
	}
	got, created, err := w.Upsert(ctx, item)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 2, fake.Calls())

	require.NotNil(t, got.DefaultServingWeightGrams)
	assert.Equal(t, DefaultFallbackWeightGrams, *got.DefaultServingWeightGrams)

	require.Len(t, got.Servings, 1)
	s := got.Servings[0]
	assert.Equal(t, "serving", s.Name)
	require.NotNil(t, s.WeightGrams)
	assert.Equal(t, 10.0, *s.WeightGrams)
	assert.Equal(t, "g", s.AltUnit)
	require.NotNil(t, s.AltAmount)
	assert.Equal(t, 10.0, *s.AltAmount)
}

func TestUpsert_FieldCompletionEvaluatesExpressions(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	fake := llmtest.Text(
		"```json\n{\"default_serving_weight_g\": \"8*30.5\", \"default_serving_liquid_ml\": \"8*29.57\"}\n```",
		`{"servings":[{"id":1,"alt_amount":1,"alt_unit":"cup"}]}`,
	)
	w := NewWriter(store, &countingVectorizer{}, fake, oneRung, Options{})

	got, _, err := w.Upsert(ctx, &types.CanonicalFoodItem{
		Name:       "Oat Milk",
		IsLiquid:   true,
		Provenance: types.Provenance{Source: types.SourceGenerated},
	})
	require.NoError(t, err)
	require.NotNil(t, got.DefaultServingWeightGrams)
	assert.InDelta(t, 244, *got.DefaultServingWeightGrams, 1e-9)
	require.NotNil(t, got.DefaultServingLiquidMl)
	assert.InDelta(t, 236.56, *got.DefaultServingLiquidMl, 1e-9)
	assert.Equal(t, "cup", got.Servings[0].AltUnit)
}

func TestUpsert_ServingCompletionMapsReindexedIDs(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	// Only the second serving is pending, so the model sees it as id 1
	fake := llmtest.Text(`{"servings":[{"id":1,"alt_amount":"3*28.3495","alt_unit":"g"},{"id":7,"alt_amount":1,"alt_unit":"cup"}]}`)
	w := NewWriter(store, &countingVectorizer{}, fake, oneRung, Options{})

	item := completeItem("Trail Mix", "")
	item.Servings = append(item.Servings, types.Serving{Name: "3 oz", WeightGrams: types.Float(85)})

	got, _, err := w.Upsert(ctx, item)
	require.NoError(t, err)
	require.Len(t, got.Servings, 2)

	assert.Equal(t, "g", got.Servings[0].AltUnit)
	assert.Equal(t, 15.0, *got.Servings[0].AltAmount)

	second := got.Servings[1]
	assert.Equal(t, "oz", second.Name)
	assert.Equal(t, 3.0, second.DefaultAmount)
	assert.Equal(t, "g", second.AltUnit)
	require.NotNil(t, second.AltAmount)
	assert.InDelta(t, 85.0485, *second.AltAmount, 1e-9)
}

func TestUpsert_ServingCompletionFailureKeepsItem(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	fake := &llmtest.Fake{Replies: []llmtest.Reply{{Err: errors.New("provider down")}}}
	w := NewWriter(store, &countingVectorizer{}, fake, oneRung, Options{})

	item := completeItem("Granola", "")
	item.Servings[0].AltUnit = ""

	got, created, err := w.Upsert(ctx, item)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Empty(t, got.Servings[0].AltUnit)
}

func TestUpsert_DoesNotMutateInput(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	w := NewWriter(store, &countingVectorizer{}, llmtest.Text(), oneRung, Options{})

	icon := int64(5)
	item := completeItem("Shortbread", "")
	item.ID = 99
	item.IconID = &icon
	item.Servings[0].Name = "2 cookies"

	got, _, err := w.Upsert(ctx, item)
	require.NoError(t, err)
	assert.NotEqual(t, int64(99), got.ID)
	assert.Nil(t, got.IconID)
	assert.Equal(t, "cookies", got.Servings[0].Name)

	assert.Equal(t, int64(99), item.ID)
	assert.Equal(t, "2 cookies", item.Servings[0].Name)
	assert.Equal(t, 1.0, item.Servings[0].DefaultAmount)
	assert.Nil(t, item.Embedding)
}

type brokenStore struct{}

func (brokenStore) FindExistingFoodItem(context.Context, string, string) (*types.CanonicalFoodItem, error) {
	return nil, errors.New("database is locked")
}

func (brokenStore) CreateFoodItem(context.Context, *types.CanonicalFoodItem) error {
	return errors.New("unreachable")
}

func TestUpsert_Errors(t *testing.T) {
	w := NewWriter(brokenStore{}, &countingVectorizer{}, llmtest.Text(), oneRung, Options{})

	_, _, err := w.Upsert(context.Background(), &types.CanonicalFoodItem{Name: "  "})
	assert.ErrorIs(t, err, types.ErrEmptyFoodName)

	_, _, err = w.Upsert(context.Background(), completeItem("Bagel", ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
}

func TestAssignDefaultServingAmount(t *testing.T) {
	tests := []struct {
		name       string
		serving    string
		wantOK     bool
		wantName   string
		wantAmount float64
	}{
		{"whole number", "2 cookies", true, "cookies", 2},
		{"fraction", "1/2 cup", true, "cup", 0.5},
		{"mixed number", "1 1/2 cups", true, "cups", 1.5},
		{"decimal", "0.5 oz", true, "oz", 0.5},
		{"leading whitespace", "  3 slices", true, "slices", 3},
		{"no quantity", "cookie", false, "cookie", 1},
		{"number only", "2", false, "2", 1},
		{"attached unit", "100g", false, "100g", 1},
		{"zero", "0 pieces", false, "0 pieces", 1},
		{"divide by zero", "1/0 cup", false, "1/0 cup", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := types.Serving{Name: tt.serving, DefaultAmount: 1}
			ok := AssignDefaultServingAmount(&s)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantName, s.Name)
			assert.InDelta(t, tt.wantAmount, s.DefaultAmount, 1e-9)
		})
	}
}
