package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/foodresolve/internal/intake"
	"github.com/dshills/foodresolve/internal/llm/llmtest"
	"github.com/dshills/foodresolve/internal/searcher"
	"github.com/dshills/foodresolve/internal/storage"
	"github.com/dshills/foodresolve/pkg/types"
)

type fakeResolver struct {
	res  *types.Resolution
	err  error
	got  types.FoodDescription
	user string
	id   int64
}

func (f *fakeResolver) Resolve(_ context.Context, desc types.FoodDescription) (*types.Resolution, error) {
	f.got = desc
	return f.res, f.err
}

func (f *fakeResolver) ResolveEntry(_ context.Context, userID string, entryID int64) (*types.Resolution, error) {
	f.user, f.id = userID, entryID
	return f.res, f.err
}

type fakeSearcher struct {
	result *searcher.Result
	err    error
	k      int
}

func (f *fakeSearcher) Search(_ context.Context, _ types.FoodDescription, k int) (*searcher.Result, error) {
	f.k = k
	return f.result, f.err
}

func (f *fakeSearcher) Band(score float64) searcher.Band {
	if score >= 0.9 {
		return searcher.BandHigh
	}
	return searcher.BandLow
}

type fakeStatus struct{}

func (fakeStatus) GetStatus(context.Context) (*storage.Status, error) {
	return &storage.Status{FoodItems: 3, Servings: 7, BulkFoods: 1200, PendingEntries: 2, SchemaVersion: "1.2.0"}, nil
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: args,
		},
	}
}

func resultJSON(t *testing.T, result *mcp.CallToolResult) map[string]interface{} {
	t.Helper()
	require.NotNil(t, result)
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func requireCode(t *testing.T, err error, code int) *MCPError {
	t.Helper()
	var mcpErr *MCPError
	require.True(t, errors.As(err, &mcpErr), "expected MCPError, got %v", err)
	assert.Equal(t, code, mcpErr.Code)
	return mcpErr
}

func sampleResolution() *types.Resolution {
	id := int64(30)
	return &types.Resolution{
		Item: &types.CanonicalFoodItem{
			ID:                        12,
			Name:                      "Granola",
			Brand:                     "Acme",
			Macros:                    types.Macros{Kcal: 300, ProteinGrams: 6, CarbGrams: 40, FatGrams: 12},
			DefaultServingWeightGrams: types.Float(60),
			Provenance:                types.Provenance{Source: types.SourceNutritionix},
		},
		Serving: types.ResolvedServing{Grams: 90, DisplayName: "cup", DisplayAmount: 1.5, MatchedServingID: &id},
		Tier:    "external",
		Created: true,
	}
}

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	if deps.Resolver == nil {
		deps.Resolver = &fakeResolver{}
	}
	if deps.Searcher == nil {
		deps.Searcher = &fakeSearcher{}
	}
	if deps.Store == nil {
		deps.Store = fakeStatus{}
	}
	s, err := NewServer(deps, nil)
	require.NoError(t, err)
	return s
}

func TestNewServer_RequiresDeps(t *testing.T) {
	_, err := NewServer(Deps{}, nil)
	assert.Error(t, err)
}

func TestHandleResolveFood(t *testing.T) {
	ctx := context.Background()

	t.Run("scales nutrition to the resolved grams", func(t *testing.T) {
		r := &fakeResolver{res: sampleResolution()}
		s := newTestServer(t, Deps{Resolver: r})

		result, err := s.handleResolveFood(ctx, makeRequest(map[string]any{
			"search_name": " granola ",
			"brand":       "Acme",
			"branded":     true,
			"phrase":      "1.5 cups of acme granola",
		}))
		require.NoError(t, err)

		assert.Equal(t, "granola", r.got.SearchName)
		assert.True(t, r.got.Branded)
		assert.Equal(t, "1.5 cups of acme granola", r.got.RawPhrase)

		out := resultJSON(t, result)
		assert.Equal(t, "external", out["tier"])
		consumed := out["consumed"].(map[string]interface{})
		assert.Equal(t, 450.0, consumed["kcal"])
		assert.Equal(t, 18.0, consumed["fat_g"])
		serving := out["serving"].(map[string]interface{})
		assert.Equal(t, 30.0, serving["matched_serving_id"])
		food := out["food_item"].(map[string]interface{})
		assert.Equal(t, "nutritionix", food["source"])
	})

	t.Run("missing search name", func(t *testing.T) {
		s := newTestServer(t, Deps{})
		_, err := s.handleResolveFood(ctx, makeRequest(map[string]any{"brand": "Acme"}))
		requireCode(t, err, ErrorCodeInvalidParams)
	})

	t.Run("resolution codes map to domain codes", func(t *testing.T) {
		tests := []struct {
			err  error
			code int
		}{
			{types.NewNoFoodInfoFound("moon rock", errors.New("all tiers passed")), ErrorCodeNoFoodInfoFound},
			{types.NewInvalidFoodItem("the moon"), ErrorCodeInvalidFoodItem},
			{types.NewNotAuthorized("logged entry", 4), ErrorCodeNotAuthorized},
			{types.NewProviderExhausted("food search", errors.New("timeout")), ErrorCodeProviderExhausted},
			{errors.New("disk on fire"), ErrorCodeInternalError},
		}
		for _, tt := range tests {
			s := newTestServer(t, Deps{Resolver: &fakeResolver{err: tt.err}})
			_, err := s.handleResolveFood(ctx, makeRequest(map[string]any{"search_name": "x"}))
			mcpErr := requireCode(t, err, tt.code)
			assert.NotContains(t, mcpErr.Message, "disk on fire", "internal causes stay in the logs")
		}
	})
}

func TestHandleResolveEntry(t *testing.T) {
	ctx := context.Background()
	r := &fakeResolver{res: sampleResolution()}
	r.res.EntryID = 88
	s := newTestServer(t, Deps{Resolver: r})

	result, err := s.handleResolveEntry(ctx, makeRequest(map[string]any{"user_id": "u-1", "entry_id": 88}))
	require.NoError(t, err)
	assert.Equal(t, "u-1", r.user)
	assert.Equal(t, int64(88), r.id)
	assert.Equal(t, 88.0, resultJSON(t, result)["entry_id"])

	_, err = s.handleResolveEntry(ctx, makeRequest(map[string]any{"user_id": "u-1", "entry_id": 0}))
	requireCode(t, err, ErrorCodeInvalidParams)

	_, err = s.handleResolveEntry(ctx, makeRequest(map[string]any{"entry_id": 3}))
	requireCode(t, err, ErrorCodeInvalidParams)

	_, err = s.handleResolveEntry(ctx, makeRequest(map[string]any{"user_id": "u-1", "entry_id": "three"}))
	requireCode(t, err, ErrorCodeInvalidParams)
}

func TestHandleSearchFoods(t *testing.T) {
	ctx := context.Background()
	srch := &fakeSearcher{result: &searcher.Result{
		Candidates: []types.CandidateMatch{
			{Source: types.SourceCatalog, ID: 5, Name: "Banana", Similarity: 0.95},
			{Source: types.SourceUSDA, ID: 9, ExternalID: "173944", Name: "Bananas, raw", Similarity: 0.41234},
		},
		Duration: 3 * time.Millisecond,
	}}
	s := newTestServer(t, Deps{Searcher: srch})

	result, err := s.handleSearchFoods(ctx, makeRequest(map[string]any{"search_name": "Banana"}))
	require.NoError(t, err)
	assert.Equal(t, defaultSearchLimit, srch.k)

	out := resultJSON(t, result)
	assert.Equal(t, "banana", out["query"])
	candidates := out["candidates"].([]interface{})
	require.Len(t, candidates, 2)
	first := candidates[0].(map[string]interface{})
	assert.Equal(t, "high", first["band"])
	second := candidates[1].(map[string]interface{})
	assert.Equal(t, 0.4123, second["similarity"])
	assert.Equal(t, "173944", second["external_id"])

	for _, limit := range []int{0, 101} {
		_, err := s.handleSearchFoods(ctx, makeRequest(map[string]any{"search_name": "banana", "limit": limit}))
		requireCode(t, err, ErrorCodeInvalidParams)
	}

	failing := newTestServer(t, Deps{Searcher: &fakeSearcher{err: errors.New("embedder down")}})
	_, err = failing.handleSearchFoods(ctx, makeRequest(map[string]any{"search_name": "banana"}))
	requireCode(t, err, ErrorCodeProviderExhausted)
}

func TestHandleSplitMeal(t *testing.T) {
	ctx := context.Background()
	fake := llmtest.Text(`{"search_name": "eggs", "phrase": "2 eggs", "branded": false}
{"search_name": "toast", "phrase": "toast", "branded": false}`)
	s := newTestServer(t, Deps{Splitter: intake.NewSplitter(fake, "m", nil)})

	result, err := s.handleSplitMeal(ctx, makeRequest(map[string]any{"message": "2 eggs and toast"}))
	require.NoError(t, err)
	items := resultJSON(t, result)["food_items"].([]interface{})
	require.Len(t, items, 2)
	assert.Equal(t, "2 eggs", items[0].(map[string]interface{})["raw_phrase"])

	notFood := newTestServer(t, Deps{Splitter: intake.NewSplitter(llmtest.Text(`{"contains_valid_food_items": false}`), "m", nil)})
	_, err = notFood.handleSplitMeal(ctx, makeRequest(map[string]any{"message": "hello"}))
	requireCode(t, err, ErrorCodeInvalidFoodItem)

	_, err = s.handleSplitMeal(ctx, makeRequest(map[string]any{}))
	requireCode(t, err, ErrorCodeInvalidParams)
}

func TestHandleGetStatus(t *testing.T) {
	s := newTestServer(t, Deps{})
	result, err := s.handleGetStatus(context.Background(), makeRequest(nil))
	require.NoError(t, err)

	out := resultJSON(t, result)
	assert.Equal(t, 1200.0, out["bulk_index"].(map[string]interface{})["foods"])
	assert.Equal(t, 2.0, out["queues"].(map[string]interface{})["pending_entries"])
	assert.Equal(t, "1.2.0", out["schema_version"])
}
