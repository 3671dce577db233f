package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/foodresolve/internal/arbiter"
	"github.com/dshills/foodresolve/internal/searcher"
	"github.com/dshills/foodresolve/internal/storage"
	"github.com/dshills/foodresolve/internal/vendors"
	"github.com/dshills/foodresolve/pkg/types"
)

// Searcher ranks local candidates and classifies scores
type Searcher interface {
	Search(ctx context.Context, desc types.FoodDescription, k int) (*searcher.Result, error)
	Band(score float64) searcher.Band
}

// Arbiter decides candidate equivalence
type Arbiter interface {
	Arbitrate(ctx context.Context, desc types.FoodDescription, candidates []types.CandidateMatch) (*arbiter.Decision, error)
}

// FanOut queries the external vendors
type FanOut interface {
	Run(ctx context.Context, desc types.FoodDescription, queryVector []float32) *vendors.FanOutResult
}

// Synthesizer is the generative fallback
type Synthesizer interface {
	Synthesize(ctx context.Context, desc types.FoodDescription, candidates []types.CandidateMatch) (*types.CanonicalFoodItem, error)
}

// CatalogWriter persists new canonical items
type CatalogWriter interface {
	Upsert(ctx context.Context, item *types.CanonicalFoodItem) (*types.CanonicalFoodItem, bool, error)
}

// ServingResolver converts a quantity phrase to grams
type ServingResolver interface {
	Resolve(ctx context.Context, phrase string, item *types.CanonicalFoodItem) (*types.ResolvedServing, error)
}

// Store is the storage subset the orchestrator reads and writes
type Store interface {
	GetFoodItem(ctx context.Context, id int64) (*types.CanonicalFoodItem, error)
	GetLoggedEntry(ctx context.Context, id int64) (*types.LoggedEntry, error)
	UpdateLoggedEntry(ctx context.Context, e *types.LoggedEntry) error
	ListPendingEntries(ctx context.Context, afterID int64, limit int) ([]*types.LoggedEntry, error)
	IncrementItemsProcessed(ctx context.Context, requestID int64) error
}

// Deps are the collaborators of a Resolver. Arbiter, FanOut and Synth may be
// nil, which turns the tiers using them into passes.
type Deps struct {
	Store    Store
	Searcher Searcher
	Arbiter  Arbiter
	FanOut   FanOut
	Synth    Synthesizer
	Catalog  CatalogWriter
	Servings ServingResolver
}

// Options tunes a Resolver
type Options struct {
	Strategies []string
	Workers    int
	Timeout    time.Duration // per item; 0 means none
	K          int
	Logger     *zap.Logger
}

// Resolver is the resolution orchestrator
type Resolver struct {
	deps       Deps
	strategies []Strategy
	workers    int
	timeout    time.Duration
	k          int
	logger     *zap.Logger

	backfill runLock
}

// New creates a Resolver with the configured strategy order
func New(deps Deps, opts Options) (*Resolver, error) {
	if deps.Store == nil || deps.Searcher == nil || deps.Catalog == nil || deps.Servings == nil {
		return nil, errors.New("resolver requires store, searcher, catalog and serving resolver")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("resolver")

	names := opts.Strategies
	if len(names) == 0 {
		names = DefaultStrategies
	}
	strategies, err := BuildStrategies(names, deps, logger)
	if err != nil {
		return nil, err
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	k := opts.K
	if k <= 0 {
		k = 20
	}
	return &Resolver{
		deps:       deps,
		strategies: strategies,
		workers:    workers,
		timeout:    opts.Timeout,
		k:          k,
		logger:     logger,
	}, nil
}

// Strategies returns the configured tier names in order
func (r *Resolver) Strategies() []string {
	names := make([]string, len(r.strategies))
	for i, s := range r.strategies {
		names[i] = s.Name()
	}
	return names
}

// Resolve runs the cascade for desc and resolves the serving. Failures are
// *types.ResolutionError values whose Message is safe to show a user.
func (r *Resolver) Resolve(ctx context.Context, desc types.FoodDescription) (*types.Resolution, error) {
	if err := desc.Validate(); err != nil {
		return nil, types.NewNoFoodInfoFound(desc.SearchName, err)
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	logger := r.logger.With(
		zap.String("trace_id", uuid.NewString()),
		zap.String("query", desc.SearchName),
		zap.String("brand", desc.Brand))

	result, err := r.deps.Searcher.Search(ctx, desc, r.k)
	if err != nil {
		logger.Error("search failed", zap.Error(err))
		return nil, types.NewProviderExhausted("food search", err)
	}
	q := &Query{Desc: desc, Search: result}
	if top := result.Top(); top != nil {
		logger.Debug("search ranked",
			zap.Int("candidates", len(result.Candidates)),
			zap.Float64("top_similarity", top.Similarity),
			zap.String("band", r.deps.Searcher.Band(top.Similarity).String()))
	}

	var (
		verdict *Verdict
		tier    string
	)
	for _, s := range r.strategies {
		if err := ctx.Err(); err != nil {
			return nil, types.NewProviderExhausted("food search", err)
		}
		v, err := s.Attempt(ctx, q)
		if err != nil {
			logger.Warn("resolution failed", zap.String("tier", s.Name()), zap.Error(err))
			return nil, err
		}
		if v != nil {
			verdict, tier = v, s.Name()
			break
		}
		logger.Debug("tier passed", zap.String("tier", s.Name()))
	}
	if verdict == nil {
		logger.Info("all tiers exhausted")
		return nil, types.NewNoFoodInfoFound(desc.SearchName, errors.New("all tiers passed"))
	}

	item, created, err := r.materialize(ctx, verdict)
	if err != nil {
		logger.Error("failed to materialize item", zap.String("tier", tier), zap.Error(err))
		return nil, types.NewNoFoodInfoFound(desc.SearchName, err)
	}

	serving, err := r.deps.Servings.Resolve(ctx, desc.PhraseText(), item)
	if err != nil {
		logger.Error("serving resolution failed", zap.Int64("food_item_id", item.ID), zap.Error(err))
		return nil, types.NewNoFoodInfoFound(desc.SearchName, err)
	}

	logger.Info("food resolved",
		zap.String("tier", tier),
		zap.Int64("food_item_id", item.ID),
		zap.Bool("created", created),
		zap.Float64("grams", serving.Grams),
		zap.Bool("low_fidelity", serving.LowFidelity),
		zap.Duration("duration", time.Since(start)))

	return &types.Resolution{
		Item:    item,
		Serving: *serving,
		Tier:    tier,
		Created: created,
	}, nil
}

// materialize turns a verdict into a persisted catalog item. Catalog
// candidates are loaded; vendor payloads and synthesized items go through
// the catalog writer, which returns an existing row when one matches.
func (r *Resolver) materialize(ctx context.Context, v *Verdict) (*types.CanonicalFoodItem, bool, error) {
	if v.Item != nil {
		return r.deps.Catalog.Upsert(ctx, v.Item)
	}

	c := v.Candidate
	if c.Source == types.SourceCatalog {
		item, err := r.deps.Store.GetFoodItem(ctx, c.ID)
		if err != nil {
			return nil, false, fmt.Errorf("load catalog item %d: %w", c.ID, err)
		}
		return item, false, nil
	}
	if c.Payload == nil {
		return nil, false, fmt.Errorf("candidate %s has no payload", c.Key())
	}
	payload := c.Payload.Clone()
	if payload.Provenance.Source == "" {
		payload.Provenance = types.Provenance{Source: c.Source, ExternalID: c.ExternalID}
	}
	return r.deps.Catalog.Upsert(ctx, payload)
}

// isNotFound reports a missing storage row
func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
