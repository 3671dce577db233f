package searcher

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/foodresolve/internal/storage"
	"github.com/dshills/foodresolve/pkg/types"
)

// Corpus names a searchable embedded collection
type Corpus string

const (
	CorpusCatalog Corpus = "catalog" // canonical food items
	CorpusBulk    Corpus = "bulk"    // bulk government index
)

// AllCorpora is searched by Search
var AllCorpora = []Corpus{CorpusCatalog, CorpusBulk}

// Band classifies a top similarity score against the thresholds
type Band int

const (
	BandLow  Band = iota // below LOW: go straight to external fan-out
	BandMid              // LOW..HIGH: arbitrate locally
	BandHigh             // at or above HIGH: accept without arbitration
)

func (b Band) String() string {
	switch b {
	case BandHigh:
		return "high"
	case BandMid:
		return "mid"
	default:
		return "low"
	}
}

// Thresholds gate downstream behavior
type Thresholds struct {
	High      float64
	Low       float64
	BulkIndex float64 // similarity floor for bulk index rows
}

// Vectorizer produces query vectors
type Vectorizer interface {
	GetOrCreate(ctx context.Context, text string) ([]float32, error)
}

// Result contains ranked candidates and the vectors used to find them
type Result struct {
	Candidates   []types.CandidateMatch
	QueryVector  []float32
	PhraseVector []float32
	Duration     time.Duration
	CacheHit     bool
}

// Top returns the best candidate, or nil
func (r *Result) Top() *types.CandidateMatch {
	if len(r.Candidates) == 0 {
		return nil
	}
	return &r.Candidates[0]
}

// cacheEntry represents a cached search result with expiration time
type cacheEntry struct {
	result    *Result
	expiresAt time.Time
}

// Searcher ranks catalog and bulk index rows against a food description
type Searcher struct {
	storage    storage.Storage
	vectorizer Vectorizer
	thresholds Thresholds
	cache      *lru.Cache[[32]byte, *cacheEntry]
	cacheTTL   time.Duration
	cacheMu    sync.RWMutex
	logger     *zap.Logger
}

// NewSearcher creates a new Searcher instance. cacheSize 0 disables result
// caching.
func NewSearcher(store storage.Storage, vectorizer Vectorizer, thresholds Thresholds, cacheSize int, logger *zap.Logger) *Searcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Searcher{
		storage:    store,
		vectorizer: vectorizer,
		thresholds: thresholds,
		cacheTTL:   10 * time.Minute,
		logger:     logger.Named("searcher"),
	}
	if cacheSize > 0 {
		cache, err := lru.New[[32]byte, *cacheEntry](cacheSize)
		if err != nil {
			panic(fmt.Sprintf("failed to create LRU cache: %v", err))
		}
		s.cache = cache
	}
	return s
}

// Band classifies a similarity score
func (s *Searcher) Band(score float64) Band {
	switch {
	case score >= s.thresholds.High:
		return BandHigh
	case score >= s.thresholds.Low:
		return BandMid
	default:
		return BandLow
	}
}

// Search embeds the normalized query text and the raw phrase, and searches
// both corpora with both vectors. Candidates are merged, deduped by key
// keeping the best score, and sorted by similarity descending.
func (s *Searcher) Search(ctx context.Context, desc types.FoodDescription, k int) (*Result, error) {
	start := time.Now()
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 20
	}

	queryText := desc.QueryText()
	phraseText := desc.PhraseText()
	hash := computeQueryHash(queryText, phraseText, desc.Branded, k)
	if cached := s.checkCache(hash); cached != nil {
		cached.CacheHit = true
		cached.Duration = time.Since(start)
		return cached, nil
	}

	result := &Result{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := s.vectorizer.GetOrCreate(gctx, queryText)
		if err != nil {
			return fmt.Errorf("failed to embed query: %w", err)
		}
		result.QueryVector = v
		return nil
	})
	if !strings.EqualFold(strings.TrimSpace(phraseText), queryText) {
		g.Go(func() error {
			v, err := s.vectorizer.GetOrCreate(gctx, phraseText)
			if err != nil {
				// The phrase vector only widens recall
				s.logger.Warn("phrase embedding failed", zap.String("phrase", phraseText), zap.Error(err))
				return nil
			}
			result.PhraseVector = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	vectors := [][]float32{result.QueryVector}
	if result.PhraseVector != nil {
		vectors = append(vectors, result.PhraseVector)
	}
	branded := desc.Branded
	candidates, err := s.SearchVectors(ctx, vectors, AllCorpora, k, storage.BulkFilter{Branded: &branded})
	if err != nil {
		return nil, err
	}
	result.Candidates = candidates
	result.Duration = time.Since(start)

	s.storeInCache(hash, result)
	return result, nil
}

// hit is one raw similarity row
type hit struct {
	corpus Corpus
	id     int64
	score  float64
}

// SearchVectors runs every (vector, corpus) pair concurrently and returns the
// merged, hydrated candidates. A failing corpus fails the search: local
// storage errors are not upstream noise.
func (s *Searcher) SearchVectors(ctx context.Context, vectors [][]float32, corpora []Corpus, k int, filter storage.BulkFilter) ([]types.CandidateMatch, error) {
	var (
		mu   sync.Mutex
		hits []hit
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, vector := range vectors {
		for _, corpus := range corpora {
			vector, corpus := vector, corpus
			g.Go(func() error {
				rows, err := s.searchCorpus(gctx, corpus, vector, k, filter)
				if err != nil {
					return fmt.Errorf("search %s: %w", corpus, err)
				}
				mu.Lock()
				for _, r := range rows {
					hits = append(hits, hit{corpus: corpus, id: r.ID, score: r.SimilarityScore})
				}
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return s.hydrate(ctx, mergeHits(hits), k), nil
}

func (s *Searcher) searchCorpus(ctx context.Context, corpus Corpus, vector []float32, k int, filter storage.BulkFilter) ([]storage.VectorResult, error) {
	switch corpus {
	case CorpusCatalog:
		return s.storage.SearchCatalog(ctx, vector, k, 0)
	case CorpusBulk:
		return s.storage.SearchBulkIndex(ctx, vector, filter, k, s.thresholds.BulkIndex)
	default:
		return nil, fmt.Errorf("unknown corpus %q", corpus)
	}
}

// mergeHits keeps the best score per (corpus, id) and sorts descending
func mergeHits(hits []hit) []hit {
	type key struct {
		corpus Corpus
		id     int64
	}
	best := make(map[key]hit, len(hits))
	for _, h := range hits {
		k := key{h.corpus, h.id}
		if prev, ok := best[k]; !ok || h.score > prev.score {
			best[k] = h
		}
	}

	merged := make([]hit, 0, len(best))
	for _, h := range best {
		merged = append(merged, h)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].score != merged[j].score {
			return merged[i].score > merged[j].score
		}
		if merged[i].corpus != merged[j].corpus {
			return merged[i].corpus < merged[j].corpus
		}
		return merged[i].id < merged[j].id
	})
	return merged
}

// hydrate loads names for the top hits. Bulk rows are also deduped by FDC id.
func (s *Searcher) hydrate(ctx context.Context, hits []hit, k int) []types.CandidateMatch {
	out := make([]types.CandidateMatch, 0, k)
	seen := make(map[string]bool)
	for _, h := range hits {
		if len(out) >= k {
			break
		}
		c, err := s.load(ctx, h)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				s.logger.Warn("failed to load candidate", zap.String("corpus", string(h.corpus)), zap.Int64("id", h.id), zap.Error(err))
			}
			continue
		}
		if seen[c.Key()] {
			continue
		}
		seen[c.Key()] = true
		out = append(out, *c)
	}
	return out
}

func (s *Searcher) load(ctx context.Context, h hit) (*types.CandidateMatch, error) {
	switch h.corpus {
	case CorpusCatalog:
		item, err := s.storage.GetFoodItem(ctx, h.id)
		if err != nil {
			return nil, err
		}
		return &types.CandidateMatch{
			Source:     types.SourceCatalog,
			ID:         item.ID,
			Name:       item.Name,
			Brand:      item.Brand,
			Similarity: h.score,
		}, nil
	default:
		food, err := s.storage.GetBulkFood(ctx, h.id)
		if err != nil {
			return nil, err
		}
		return &types.CandidateMatch{
			Source:     types.SourceUSDA,
			ID:         food.ID,
			ExternalID: food.FdcID,
			Name:       food.Name,
			Brand:      food.Brand,
			Similarity: h.score,
			Payload:    food.Payload,
		}, nil
	}
}

// checkCache returns a copy of a live cached result, or nil
func (s *Searcher) checkCache(hash [32]byte) *Result {
	if s.cache == nil {
		return nil
	}

	s.cacheMu.RLock()
	entry, found := s.cache.Get(hash)
	if !found {
		s.cacheMu.RUnlock()
		return nil
	}
	if time.Now().After(entry.expiresAt) {
		s.cacheMu.RUnlock()

		s.cacheMu.Lock()
		s.cache.Remove(hash)
		s.cacheMu.Unlock()
		return nil
	}
	result := copyResult(entry.result)
	s.cacheMu.RUnlock()
	return result
}

func (s *Searcher) storeInCache(hash [32]byte, result *Result) {
	if s.cache == nil {
		return
	}
	entry := &cacheEntry{
		result:    copyResult(result),
		expiresAt: time.Now().Add(s.cacheTTL),
	}
	s.cacheMu.Lock()
	s.cache.Add(hash, entry)
	s.cacheMu.Unlock()
}

// InvalidateCache drops all cached results. Call it after the catalog or
// bulk index changes.
func (s *Searcher) InvalidateCache() {
	if s.cache == nil {
		return
	}
	s.cacheMu.Lock()
	s.cache.Purge()
	s.cacheMu.Unlock()
}

// copyResult deep-copies the slices a caller could mutate. Payload items are
// shared: they are never modified after loading.
func copyResult(src *Result) *Result {
	dst := *src
	dst.Candidates = append([]types.CandidateMatch(nil), src.Candidates...)
	dst.QueryVector = append([]float32(nil), src.QueryVector...)
	if src.PhraseVector != nil {
		dst.PhraseVector = append([]float32(nil), src.PhraseVector...)
	}
	return &dst
}

func computeQueryHash(query, phrase string, branded bool, k int) [32]byte {
	return sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%t|%d", query, phrase, branded, k)))
}
