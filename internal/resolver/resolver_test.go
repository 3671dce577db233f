package resolver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/foodresolve/internal/arbiter"
	"github.com/dshills/foodresolve/internal/catalog"
	"github.com/dshills/foodresolve/internal/llm"
	"github.com/dshills/foodresolve/internal/llm/llmtest"
	"github.com/dshills/foodresolve/internal/searcher"
	"github.com/dshills/foodresolve/internal/serving"
	"github.com/dshills/foodresolve/internal/storage"
	"github.com/dshills/foodresolve/internal/vendors"
	"github.com/dshills/foodresolve/pkg/types"
)

type mapVectorizer struct {
	mu      sync.Mutex
	vectors map[string][]float32
}

func (v *mapVectorizer) GetOrCreate(_ context.Context, text string) ([]float32, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if vec, ok := v.vectors[text]; ok {
		return vec, nil
	}
	return []float32{0, 0, 1}, nil
}

type fakeArbiter struct {
	calls  atomic.Int32
	accept bool
	err    error
}

func (a *fakeArbiter) Arbitrate(_ context.Context, _ types.FoodDescription, candidates []types.CandidateMatch) (*arbiter.Decision, error) {
	a.calls.Add(1)
	if a.err != nil {
		return nil, a.err
	}
	if !a.accept || len(candidates) == 0 {
		return &arbiter.Decision{}, nil
	}
	return &arbiter.Decision{Accepted: &candidates[0]}, nil
}

type fakeFanOut struct {
	calls      atomic.Int32
	candidates []types.CandidateMatch
	onRun      func(ctx context.Context)
}

func (f *fakeFanOut) Run(ctx context.Context, _ types.FoodDescription, _ []float32) *vendors.FanOutResult {
	f.calls.Add(1)
	if f.onRun != nil {
		f.onRun(ctx)
	}
	return &vendors.FanOutResult{Candidates: f.candidates}
}

type fakeSynth struct {
	calls atomic.Int32
	item  *types.CanonicalFoodItem
	err   error
	seen  []types.CandidateMatch
}

func (s *fakeSynth) Synthesize(_ context.Context, _ types.FoodDescription, candidates []types.CandidateMatch) (*types.CanonicalFoodItem, error) {
	s.calls.Add(1)
	s.seen = candidates
	if s.err != nil {
		return nil, s.err
	}
	return s.item.Clone(), nil
}

type harness struct {
	store    *storage.SQLiteStorage
	vectors  *mapVectorizer
	arbiter  *fakeArbiter
	fanOut   *fakeFanOut
	synth    *fakeSynth
	servings *llmtest.Fake

	// entries replaces the store the resolver reads entries through
	entries Store
	timeout time.Duration
}

const servingAnswer = `{"equation_grams": "100", "serving_name": "g", "amount": 100, "matching_serving_id": null}`

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return &harness{
		store:    store,
		vectors:  &mapVectorizer{vectors: map[string][]float32{}},
		arbiter:  &fakeArbiter{},
		fanOut:   &fakeFanOut{},
		synth:    &fakeSynth{},
		servings: &llmtest.Fake{Handler: func(llm.Request) (string, error) { return servingAnswer, nil }},
	}
}

func (h *harness) resolver(t *testing.T, strategies ...string) *Resolver {
	t.Helper()
	s := searcher.NewSearcher(h.store, h.vectors, searcher.Thresholds{High: 0.975, Low: 0.85, BulkIndex: 0.725}, 0, nil)
	writer := catalog.NewWriter(h.store, h.vectors, llmtest.Text(), llm.TemperatureLadder("m", []float64{0}), catalog.Options{Cache: s})
	var store Store = h.store
	if h.entries != nil {
		store = h.entries
	}
	r, err := New(Deps{
		Store:    store,
		Searcher: s,
		Arbiter:  h.arbiter,
		FanOut:   h.fanOut,
		Synth:    h.synth,
		Catalog:  writer,
		Servings: serving.NewResolver(h.servings, llm.TemperatureLadder("m", []float64{0, 0.1, 0.2}), serving.Options{}),
	}, Options{Strategies: strategies, Workers: 2, Timeout: h.timeout})
	require.NoError(t, err)
	return r
}

func (h *harness) seed(t *testing.T, name string, vec []float32) *types.CanonicalFoodItem {
	t.Helper()
	item := completeItem(name)
	item.Embedding = vec
	require.NoError(t, h.store.CreateFoodItem(context.Background(), item))
	return item
}

func completeItem(name string) *types.CanonicalFoodItem {
	return &types.CanonicalFoodItem{
		Name:                      name,
		DefaultServingWeightGrams: types.Float(100),
		Macros:                    types.Macros{Kcal: 89, ProteinGrams: 1.1, CarbGrams: 22.8, FatGrams: 0.3},
		Provenance:                types.Provenance{Source: types.SourceGenerated},
		Servings: []types.Serving{
			{Name: "serving", WeightGrams: types.Float(100), DefaultAmount: 1, AltUnit: "g", AltAmount: types.Float(100)},
		},
	}
}

func TestResolve_HighConfidenceFastPath(t *testing.T) {
	h := newHarness(t)
	banana := h.seed(t, "Banana", []float32{1, 0, 0})
	h.vectors.vectors["banana"] = []float32{1, 0, 0}

	res, err := h.resolver(t).Resolve(context.Background(), types.FoodDescription{SearchName: "banana", RawPhrase: "a banana"})
	require.NoError(t, err)

	assert.Equal(t, banana.ID, res.Item.ID)
	assert.Equal(t, StrategyHighConfidence, res.Tier)
	assert.False(t, res.Created)
	assert.Equal(t, 100.0, res.Serving.Grams)

	assert.Equal(t, int32(0), h.arbiter.calls.Load(), "fast path must skip arbitration")
	assert.Equal(t, int32(0), h.fanOut.calls.Load(), "fast path must skip fan-out")
	assert.Equal(t, int32(0), h.synth.calls.Load())
	assert.Contains(t, h.servings.Requests()[0].Prompt, `"a banana"`, "serving sees the raw phrase")
}

func TestResolve_MidBandArbitratesLocally(t *testing.T) {
	h := newHarness(t)
	yogurt := h.seed(t, "Greek Yogurt", []float32{1, 0, 0})
	// cosine 0.9 against the seeded item
	h.vectors.vectors["greek yoghurt"] = []float32{0.9, 0.43588989, 0}
	h.arbiter.accept = true

	res, err := h.resolver(t).Resolve(context.Background(), types.FoodDescription{SearchName: "greek yoghurt"})
	require.NoError(t, err)
	assert.Equal(t, yogurt.ID, res.Item.ID)
	assert.Equal(t, StrategyLocalArbitration, res.Tier)
	assert.Equal(t, int32(1), h.arbiter.calls.Load())
	assert.Equal(t, int32(0), h.fanOut.calls.Load())
}

func TestResolve_ExternalCandidateIsPersisted(t *testing.T) {
	h := newHarness(t)
	payload := completeItem("Clif Bar Chocolate Chip")
	payload.Brand = "Clif"
	payload.Provenance = types.Provenance{}
	h.fanOut.candidates = []types.CandidateMatch{{
		Source:     types.SourceNutritionix,
		ExternalID: "nix-123",
		Name:       "Clif Bar Chocolate Chip",
		Brand:      "Clif",
		Similarity: 0.93,
		Payload:    payload,
	}}
	h.arbiter.accept = true

	res, err := h.resolver(t).Resolve(context.Background(), types.FoodDescription{SearchName: "clif bar", Brand: "Clif", Branded: true})
	require.NoError(t, err)
	assert.Equal(t, StrategyExternal, res.Tier)
	assert.True(t, res.Created)
	assert.NotZero(t, res.Item.ID)
	assert.Equal(t, types.SourceNutritionix, res.Item.Provenance.Source)
	assert.Equal(t, "nix-123", res.Item.Provenance.ExternalID)

	// Empty catalog: local arbitration has nothing above LOW
	assert.Equal(t, int32(1), h.arbiter.calls.Load())
	assert.Equal(t, int32(1), h.fanOut.calls.Load())
	assert.Equal(t, int32(0), h.synth.calls.Load())
	assert.Nil(t, payload.Embedding, "vendor payload is not mutated")
}

func TestResolve_GenerativeFallbackIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.vectors.vectors["mystery stew"] = []float32{0, 1, 0}
	h.synth.item = completeItem("Mystery Stew")
	r := h.resolver(t)
	desc := types.FoodDescription{SearchName: "Mystery Stew"}

	first, err := r.Resolve(context.Background(), desc)
	require.NoError(t, err)
	assert.Equal(t, StrategyGenerative, first.Tier)
	assert.True(t, first.Created)

	second, err := r.Resolve(context.Background(), desc)
	require.NoError(t, err)
	assert.Equal(t, first.Item.ID, second.Item.ID)
	assert.Equal(t, StrategyHighConfidence, second.Tier)
	assert.False(t, second.Created)
	assert.Equal(t, int32(1), h.synth.calls.Load())
}

func TestResolve_GenerativeGetsExternalCandidates(t *testing.T) {
	h := newHarness(t)
	h.fanOut.candidates = []types.CandidateMatch{{Source: types.SourceFatSecret, ExternalID: "9", Name: "Stew", Payload: completeItem("Stew")}}
	h.synth.item = completeItem("Grandma Stew")

	res, err := h.resolver(t).Resolve(context.Background(), types.FoodDescription{SearchName: "grandma stew"})
	require.NoError(t, err)
	assert.Equal(t, StrategyGenerative, res.Tier)
	require.Len(t, h.synth.seen, 1)
	assert.Equal(t, "Stew", h.synth.seen[0].Name)
}

func TestResolve_Failures(t *testing.T) {
	t.Run("invalid food is surfaced", func(t *testing.T) {
		h := newHarness(t)
		h.synth.err = types.NewInvalidFoodItem("asdf")

		_, err := h.resolver(t).Resolve(context.Background(), types.FoodDescription{SearchName: "asdf"})
		assert.True(t, types.IsCode(err, types.ErrInvalidFoodItem))
	})

	t.Run("synthesis failure is no food info", func(t *testing.T) {
		h := newHarness(t)
		h.synth.err = llm.ErrNoDecision

		_, err := h.resolver(t).Resolve(context.Background(), types.FoodDescription{SearchName: "stew"})
		assert.True(t, types.IsCode(err, types.ErrNoFoodInfoFound))
		assert.ErrorIs(t, err, llm.ErrNoDecision)
	})

	t.Run("every tier passes", func(t *testing.T) {
		h := newHarness(t)

		_, err := h.resolver(t, StrategyHighConfidence, StrategyExternal).Resolve(context.Background(), types.FoodDescription{SearchName: "stew"})
		assert.True(t, types.IsCode(err, types.ErrNoFoodInfoFound))
	})

	t.Run("arbiter errors pass to the next tier", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, "Greek Yogurt", []float32{1, 0, 0})
		h.vectors.vectors["greek yoghurt"] = []float32{0.9, 0.43588989, 0}
		h.arbiter.err = llm.ErrNoDecision
		h.synth.item = completeItem("Greek Yoghurt Plain")

		res, err := h.resolver(t).Resolve(context.Background(), types.FoodDescription{SearchName: "greek yoghurt"})
		require.NoError(t, err)
		assert.Equal(t, StrategyGenerative, res.Tier)
	})

	t.Run("empty search name", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.resolver(t).Resolve(context.Background(), types.FoodDescription{SearchName: " "})
		assert.True(t, types.IsCode(err, types.ErrNoFoodInfoFound))
	})
}

func TestNew_StrategyOrder(t *testing.T) {
	h := newHarness(t)
	r := h.resolver(t, StrategyGenerative, StrategyHighConfidence)
	assert.Equal(t, []string{StrategyGenerative, StrategyHighConfidence}, r.Strategies())

	assert.Equal(t, DefaultStrategies, h.resolver(t).Strategies())

	_, err := New(Deps{
		Store:    h.store,
		Searcher: searcher.NewSearcher(h.store, h.vectors, searcher.Thresholds{}, 0, nil),
		Catalog:  &catalog.Writer{},
		Servings: &serving.Resolver{},
	}, Options{Strategies: []string{"psychic"}})
	assert.ErrorIs(t, err, ErrUnknownStrategy)

	_, err = New(Deps{}, Options{})
	assert.Error(t, err)
}

func newEntry(t *testing.T, h *harness, userID string, requestID *int64, name string) *types.LoggedEntry {
	t.Helper()
	e := &types.LoggedEntry{UserID: userID, RequestID: requestID, Description: types.FoodDescription{SearchName: name}}
	require.NoError(t, h.store.CreateLoggedEntry(context.Background(), e))
	return e
}

func TestResolveEntry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	banana := h.seed(t, "Banana", []float32{1, 0, 0})
	h.vectors.vectors["banana"] = []float32{1, 0, 0}
	r := h.resolver(t)

	req := &storage.LoggingRequest{UserID: "user-1", ItemsTotal: 2}
	require.NoError(t, h.store.CreateLoggingRequest(ctx, req))

	t.Run("resolves and counts progress", func(t *testing.T) {
		entry := newEntry(t, h, "user-1", &req.ID, "banana")

		res, err := r.ResolveEntry(ctx, "user-1", entry.ID)
		require.NoError(t, err)
		assert.Equal(t, entry.ID, res.EntryID)

		stored, err := h.store.GetLoggedEntry(ctx, entry.ID)
		require.NoError(t, err)
		assert.Equal(t, types.EntryResolved, stored.Status)
		require.NotNil(t, stored.FoodItemID)
		assert.Equal(t, banana.ID, *stored.FoodItemID)
		require.NotNil(t, stored.ServingGrams)
		assert.Equal(t, 100.0, *stored.ServingGrams)

		progress, err := h.store.GetLoggingRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, progress.ItemsProcessed)

		// Already resolved: returned as stored, progress not counted again
		again, err := r.ResolveEntry(ctx, "user-1", entry.ID)
		require.NoError(t, err)
		assert.Equal(t, banana.ID, again.Item.ID)
		progress, err = h.store.GetLoggingRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, progress.ItemsProcessed)
	})

	t.Run("foreign owner is not authorized", func(t *testing.T) {
		entry := newEntry(t, h, "user-1", nil, "banana")

		_, err := r.ResolveEntry(ctx, "intruder", entry.ID)
		assert.True(t, types.IsCode(err, types.ErrNotAuthorized))

		stored, err := h.store.GetLoggedEntry(ctx, entry.ID)
		require.NoError(t, err)
		assert.Equal(t, types.EntryPending, stored.Status)
	})

	t.Run("missing entry is not authorized", func(t *testing.T) {
		_, err := r.ResolveEntry(ctx, "user-1", 424242)
		assert.True(t, types.IsCode(err, types.ErrNotAuthorized))
	})

	t.Run("failure is recorded with a short message", func(t *testing.T) {
		h.synth.err = types.NewInvalidFoodItem("the moon")
		defer func() { h.synth.err = nil }()
		entry := newEntry(t, h, "user-1", nil, "the moon")

		_, err := r.ResolveEntry(ctx, "user-1", entry.ID)
		require.Error(t, err)

		stored, err := h.store.GetLoggedEntry(ctx, entry.ID)
		require.NoError(t, err)
		assert.Equal(t, types.EntryFailed, stored.Status)
		assert.Equal(t, `"the moon" is not a valid food item`, stored.FailureReason)
	})
}

func TestResolveEntry_CancelledCallerLeavesEntryPending(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.fanOut.onRun = func(context.Context) { cancel() }
	r := h.resolver(t)

	entry := newEntry(t, h, "user-1", nil, "unknowable")
	_, err := r.ResolveEntry(ctx, "user-1", entry.ID)
	require.Error(t, err)

	stored, err := h.store.GetLoggedEntry(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EntryPending, stored.Status)
	assert.Empty(t, stored.FailureReason)
	assert.Zero(t, h.synth.calls.Load())
}

func TestResolveEntry_ItemTimeoutFailsEntry(t *testing.T) {
	h := newHarness(t)
	h.timeout = 20 * time.Millisecond
	h.fanOut.onRun = func(ctx context.Context) { <-ctx.Done() }
	r := h.resolver(t)

	entry := newEntry(t, h, "user-1", nil, "unknowable")
	_, err := r.ResolveEntry(context.Background(), "user-1", entry.ID)
	require.Error(t, err)

	stored, err := h.store.GetLoggedEntry(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EntryFailed, stored.Status)
}

func TestResolveBatch_SiblingsAreIndependent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, "Banana", []float32{1, 0, 0})
	h.vectors.vectors["banana"] = []float32{1, 0, 0}
	h.synth.err = errors.New("model unavailable")
	r := h.resolver(t)

	ok := newEntry(t, h, "user-1", nil, "banana")
	bad := newEntry(t, h, "user-1", nil, "unknowable")
	foreign := newEntry(t, h, "user-2", nil, "banana")

	results := r.ResolveBatch(ctx, "user-1", []int64{ok.ID, bad.ID, foreign.ID})
	require.Len(t, results, 3)

	assert.Equal(t, ok.ID, results[0].EntryID)
	assert.NoError(t, results[0].Err)
	require.NotNil(t, results[0].Resolution)

	assert.True(t, types.IsCode(results[1].Err, types.ErrNoFoodInfoFound))
	assert.True(t, types.IsCode(results[2].Err, types.ErrNotAuthorized))
}

func TestBackfill(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, "Banana", []float32{1, 0, 0})
	h.vectors.vectors["banana"] = []float32{1, 0, 0}
	r := h.resolver(t, StrategyHighConfidence)

	newEntry(t, h, "user-1", nil, "banana")
	newEntry(t, h, "user-2", nil, "banana")
	newEntry(t, h, "user-2", nil, "unknowable")

	stats, err := r.Backfill(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Processed)
	assert.Equal(t, 2, stats.Resolved)
	assert.Equal(t, 1, stats.Failed)

	pending, err := h.store.ListPendingEntries(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// stuckStore refuses status updates for entries named "stuck", so they stay
// PENDING whatever the outcome
type stuckStore struct {
	*storage.SQLiteStorage
}

func (s stuckStore) UpdateLoggedEntry(ctx context.Context, e *types.LoggedEntry) error {
	if e.Description.SearchName == "stuck" {
		return errors.New("database is locked")
	}
	return s.SQLiteStorage.UpdateLoggedEntry(ctx, e)
}

func TestBackfill_StuckEntriesDoNotHideNewerOnes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, "Banana", []float32{1, 0, 0})
	h.vectors.vectors["banana"] = []float32{1, 0, 0}
	h.entries = stuckStore{h.store}
	r := h.resolver(t, StrategyHighConfidence)

	for i := 0; i < backfillPageSize+5; i++ {
		newEntry(t, h, "user-1", nil, "stuck")
	}
	last := newEntry(t, h, "user-1", nil, "banana")

	stats, err := r.Backfill(ctx)
	require.NoError(t, err)
	assert.Equal(t, backfillPageSize+6, stats.Processed)
	assert.Equal(t, 1, stats.Resolved)

	stored, err := h.store.GetLoggedEntry(ctx, last.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EntryResolved, stored.Status)

	pending, err := h.store.ListPendingEntries(ctx, 0, 500)
	require.NoError(t, err)
	assert.Len(t, pending, backfillPageSize+5)
}

func TestBackfill_CancelledRunLeavesEntriesPending(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.fanOut.onRun = func(context.Context) { cancel() }
	r := h.resolver(t)

	newEntry(t, h, "user-1", nil, "unknowable")
	newEntry(t, h, "user-1", nil, "also unknowable")

	_, err := r.Backfill(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	pending, err := h.store.ListPendingEntries(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestBackfill_SingleRun(t *testing.T) {
	h := newHarness(t)
	r := h.resolver(t)

	require.True(t, r.backfill.TryAcquire())
	_, err := r.Backfill(context.Background())
	assert.ErrorIs(t, err, ErrBackfillRunning)

	r.backfill.Release()
	stats, err := r.Backfill(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Processed)
}
