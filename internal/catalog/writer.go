package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/dshills/foodresolve/internal/llm"
	"github.com/dshills/foodresolve/internal/storage"
	"github.com/dshills/foodresolve/pkg/types"
)

// DefaultFallbackWeightGrams is used when field completion cannot produce a
// default serving weight
const DefaultFallbackWeightGrams = 10.0

// Store is the storage subset the writer needs
type Store interface {
	FindExistingFoodItem(ctx context.Context, name, brand string) (*types.CanonicalFoodItem, error)
	CreateFoodItem(ctx context.Context, item *types.CanonicalFoodItem) error
}

// Vectorizer embeds item text through the embedding cache
type Vectorizer interface {
	GetOrCreate(ctx context.Context, text string) ([]float32, error)
}

// IconDispatcher hands a new item off for icon linking without waiting
type IconDispatcher interface {
	Dispatch(ctx context.Context, item *types.CanonicalFoodItem)
}

// CacheInvalidator is told when the catalog changed
type CacheInvalidator interface {
	InvalidateCache()
}

// Options configures optional collaborators of a Writer
type Options struct {
	Icons               IconDispatcher
	Cache               CacheInvalidator
	FallbackWeightGrams float64
	Logger              *zap.Logger
}

// Writer inserts new canonical items into the catalog. It is idempotent
// against repeated resolution of the same food: an existing fuzzy match is
// returned unchanged. Two concurrent writers may still both insert; near
// duplicates are tolerated rather than locked against.
type Writer struct {
	store          Store
	vectorizer     Vectorizer
	completer      llm.Completer
	ladder         llm.Ladder
	icons          IconDispatcher
	cache          CacheInvalidator
	fallbackWeight float64
	logger         *zap.Logger
}

// NewWriter creates a catalog writer. completer and ladder drive the field
// and serving completion sub-calls.
func NewWriter(store Store, vectorizer Vectorizer, completer llm.Completer, ladder llm.Ladder, opts Options) *Writer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fallback := opts.FallbackWeightGrams
	if fallback <= 0 {
		fallback = DefaultFallbackWeightGrams
	}
	return &Writer{
		store:          store,
		vectorizer:     vectorizer,
		completer:      completer,
		ladder:         ladder,
		icons:          opts.Icons,
		cache:          opts.Cache,
		fallbackWeight: fallback,
		logger:         logger.Named("catalog"),
	}
}

// Upsert returns the catalog row for item, inserting it when no existing row
// matches. The boolean reports whether a row was created. item itself is
// never modified.
func (w *Writer) Upsert(ctx context.Context, item *types.CanonicalFoodItem) (*types.CanonicalFoodItem, bool, error) {
	if item == nil || strings.TrimSpace(item.Name) == "" {
		return nil, false, types.ErrEmptyFoodName
	}

	existing, err := w.store.FindExistingFoodItem(ctx, item.Name, item.Brand)
	if err == nil {
		w.logger.Debug("catalog hit",
			zap.String("name", item.Name),
			zap.Int64("food_item_id", existing.ID))
		return existing, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, fmt.Errorf("existence check: %w", err)
	}

	fresh := item.Clone()
	fresh.ID = 0
	fresh.IconID = nil

	if needsFieldCompletion(fresh) {
		w.completeFields(ctx, fresh)
	}
	for i := range fresh.Servings {
		AssignDefaultServingAmount(&fresh.Servings[i])
	}
	ensureDefaultServing(fresh)
	if needsServingCompletion(fresh) {
		w.completeServings(ctx, fresh)
	}

	vec, err := w.vectorizer.GetOrCreate(ctx, fresh.EmbeddingText())
	if err != nil {
		return nil, false, fmt.Errorf("embed catalog item: %w", err)
	}
	fresh.Embedding = vec

	if err := w.store.CreateFoodItem(ctx, fresh); err != nil {
		return nil, false, fmt.Errorf("create catalog item: %w", err)
	}
	w.logger.Info("catalog item created",
		zap.Int64("food_item_id", fresh.ID),
		zap.String("name", fresh.Name),
		zap.String("brand", fresh.Brand),
		zap.String("source", string(fresh.Provenance.Source)))

	if w.icons != nil {
		w.icons.Dispatch(ctx, fresh)
	}
	if w.cache != nil {
		w.cache.InvalidateCache()
	}
	return fresh, true, nil
}

// needsFieldCompletion reports a missing default weight, or a liquid item
// with no default volume
func needsFieldCompletion(item *types.CanonicalFoodItem) bool {
	if item.DefaultServingWeightGrams == nil || *item.DefaultServingWeightGrams <= 0 {
		return true
	}
	return item.IsLiquid && item.DefaultServingLiquidMl == nil
}

func needsServingCompletion(item *types.CanonicalFoodItem) bool {
	for _, s := range item.Servings {
		if s.AltUnit == "" || s.AltAmount == nil {
			return true
		}
	}
	return false
}

// ensureDefaultServing gives an item with a known default weight at least
// one resolved serving, so serving resolution always has a target
func ensureDefaultServing(item *types.CanonicalFoodItem) {
	if len(item.ResolvedServings()) > 0 || item.DefaultServingWeightGrams == nil {
		return
	}
	weight := *item.DefaultServingWeightGrams
	for i := range item.Servings {
		s := &item.Servings[i]
		if !s.Resolved() && strings.EqualFold(s.Name, "serving") {
			s.WeightGrams = &weight
			return
		}
	}
	item.Servings = append(item.Servings, types.Serving{Name: "serving", WeightGrams: &weight, DefaultAmount: 1})
}
