package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dshills/foodresolve/internal/arbiter"
	"github.com/dshills/foodresolve/internal/catalog"
	"github.com/dshills/foodresolve/internal/config"
	"github.com/dshills/foodresolve/internal/embedder"
	"github.com/dshills/foodresolve/internal/icons"
	"github.com/dshills/foodresolve/internal/indexer"
	"github.com/dshills/foodresolve/internal/intake"
	"github.com/dshills/foodresolve/internal/llm"
	"github.com/dshills/foodresolve/internal/ratelimit"
	"github.com/dshills/foodresolve/internal/resolver"
	"github.com/dshills/foodresolve/internal/searcher"
	"github.com/dshills/foodresolve/internal/serving"
	"github.com/dshills/foodresolve/internal/storage"
	"github.com/dshills/foodresolve/internal/synth"
	"github.com/dshills/foodresolve/internal/vendors"
	"github.com/dshills/foodresolve/internal/websearch"
)

// services holds every wired component. Build it once per process; the
// embedding cache is shared by search, the catalog writer, the vendors and
// the bulk loader so a vector is computed at most once.
type services struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *storage.SQLiteStorage
	cache    *embedder.EmbeddingCache
	searcher *searcher.Searcher
	resolver *resolver.Resolver
	splitter *intake.Splitter
	indexer  *indexer.Indexer
	linker   *icons.Linker

	closers []func() error
}

// openStore opens the catalog without building the rest of the stack
func openStore(cfg *config.Config) (*storage.SQLiteStorage, error) {
	store, err := storage.NewSQLiteStorage(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog %s: %w", cfg.Database.Path, err)
	}
	return store, nil
}

func newServices(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *services, err error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	s := &services{cfg: cfg, logger: logger, store: store}
	s.closers = append(s.closers, store.Close)
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	emb, err := embedder.New(cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	s.cache = embedder.NewEmbeddingCache(emb, store, cfg.Embedding.CacheSize, logger)

	s.searcher = searcher.NewSearcher(store, s.cache, searcher.Thresholds{
		High:      cfg.Thresholds.High,
		Low:       cfg.Thresholds.Low,
		BulkIndex: cfg.Thresholds.BulkIndex,
	}, cfg.Search.CacheSize, logger)

	s.indexer = indexer.New(store, s.cache, &indexer.Config{Workers: cfg.Resolver.Workers}, logger)

	client, err := llm.New(ctx, cfg.LLM, cfg.Breaker, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm client: %w", err)
	}
	arbiterLadder := llm.LadderFromConfig(cfg.LLM, cfg.Arbiter.Ladder)

	limiter, closeLimiter, err := ratelimit.New(cfg.RateLimit, ratelimit.Budgets(cfg.Vendors), store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}
	s.closers = append(s.closers, closeLimiter)

	fanOut, err := vendors.NewFromConfig(cfg, store, limiter, s.cache, logger)
	if err != nil {
		return nil, err
	}

	deps := resolver.Deps{
		Store:    store,
		Searcher: s.searcher,
		Arbiter:  arbiter.NewArbiter(client, arbiterLadder, cfg.Arbiter.MaxCandidates, logger),
		FanOut:   fanOut,
	}

	if cfg.Synth.Enabled {
		var web websearch.Searcher
		if cfg.WebSearch.Enabled {
			serper, err := websearch.NewSerper(cfg.WebSearch.BaseURL, cfg.WebSearch.APIKey, cfg.WebSearch.Timeout, cfg.WebSearch.Results)
			switch {
			case err == nil:
				web = serper
			case errors.Is(err, websearch.ErrMissingAPIKey):
				logger.Warn("web search disabled: missing api key")
			default:
				return nil, fmt.Errorf("failed to create web search: %w", err)
			}
		}
		synthLadder := llm.TemperatureLadder(cfg.LLM.PrimaryModel, cfg.Synth.Temperatures)
		deps.Synth = synth.NewSynthesizer(client, synthLadder, web, cfg.Synth.Candidates, logger)
	}

	writerOpts := catalog.Options{
		Cache:               s.searcher,
		FallbackWeightGrams: cfg.Catalog.FallbackWeightGrams,
		Logger:              logger,
	}
	if cfg.Icons.Enabled {
		queue, err := icons.NewQueue(ctx, cfg.Icons, store)
		if err != nil {
			return nil, fmt.Errorf("failed to create icon queue: %w", err)
		}
		s.linker = icons.NewLinker(store, queue, cfg.Thresholds.IconLink, logger)
		writerOpts.Icons = s.linker
	}
	deps.Catalog = catalog.NewWriter(store, s.cache, client, arbiterLadder, writerOpts)

	deps.Servings = serving.NewResolver(client, llm.TemperatureLadder(cfg.LLM.PrimaryModel, cfg.Serving.Temperatures), serving.Options{
		SnapTolerance: cfg.Serving.SnapTolerance,
		MinGrams:      cfg.Serving.MinGrams,
		Logger:        logger,
	})

	s.resolver, err = resolver.New(deps, resolver.Options{
		Strategies: cfg.Resolver.Strategies,
		Workers:    cfg.Resolver.Workers,
		Timeout:    cfg.Resolver.Timeout,
		K:          cfg.Search.K,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver: %w", err)
	}

	streamModel := cfg.LLM.StreamingModel
	if streamModel == "" {
		streamModel = cfg.LLM.PrimaryModel
	}
	s.splitter = intake.NewSplitter(client, streamModel, logger)

	logger.Info("services ready",
		zap.String("embedding_model", s.cache.Model()),
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.Strings("strategies", s.resolver.Strategies()),
		zap.Strings("vendors", fanOut.Vendors()),
		zap.String("build_mode", storage.BuildMode))
	return s, nil
}

// Close waits for in-flight icon hand-offs, then releases resources in
// reverse order of acquisition
func (s *services) Close() error {
	if s.linker != nil {
		s.linker.Wait()
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
