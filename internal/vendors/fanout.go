package vendors

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dshills/foodresolve/internal/ratelimit"
	"github.com/dshills/foodresolve/internal/resilience"
	"github.com/dshills/foodresolve/pkg/types"
)

// Skip reasons reported in a VendorOutcome
const (
	SkipBudget  = "budget_exhausted"
	SkipPaced   = "paced"
	SkipBreaker = "breaker_open"
)

// Registration attaches call policy to a vendor
type Registration struct {
	Vendor     Vendor
	Timeout    time.Duration
	RatePerSec float64 // 0 disables pacing
	MaxResults int
	Breaker    *resilience.Breaker
}

type registered struct {
	Registration
	pacer *rate.Limiter
}

// VendorOutcome records what happened to one vendor during a fan-out
type VendorOutcome struct {
	Vendor     string
	Candidates int
	Skipped    string
	Err        error
	Duration   time.Duration
}

// FanOutResult is the union of every vendor that answered
type FanOutResult struct {
	Candidates []types.CandidateMatch
	Outcomes   []VendorOutcome
}

// Top returns the best candidate, or nil
func (r *FanOutResult) Top() *types.CandidateMatch {
	if r == nil || len(r.Candidates) == 0 {
		return nil
	}
	return &r.Candidates[0]
}

// FanOut queries every vendor concurrently and waits for all of them. A
// vendor that fails, times out, is paced, or has no budget left only
// contributes no candidates.
type FanOut struct {
	vendors       []registered
	limiter       ratelimit.Limiter
	vectorizer    BatchVectorizer
	minSimilarity float64
	logger        *zap.Logger
}

// NewFanOut creates a fan-out over regs. limiter may be nil for unlimited
// budgets.
func NewFanOut(regs []Registration, limiter ratelimit.Limiter, vectorizer BatchVectorizer, minSimilarity float64, logger *zap.Logger) *FanOut {
	if logger == nil {
		logger = zap.NewNop()
	}
	if minSimilarity <= 0 {
		minSimilarity = DefaultMinSimilarity
	}
	vendors := make([]registered, 0, len(regs))
	for _, r := range regs {
		v := registered{Registration: r}
		if r.RatePerSec > 0 {
			burst := int(r.RatePerSec)
			if burst < 1 {
				burst = 1
			}
			v.pacer = rate.NewLimiter(rate.Limit(r.RatePerSec), burst)
		}
		vendors = append(vendors, v)
	}
	return &FanOut{
		vendors:       vendors,
		limiter:       limiter,
		vectorizer:    vectorizer,
		minSimilarity: minSimilarity,
		logger:        logger.Named("fanout"),
	}
}

// Vendors returns the registered vendor names
func (f *FanOut) Vendors() []string {
	names := make([]string, len(f.vendors))
	for i, v := range f.vendors {
		names[i] = v.Vendor.Name()
	}
	return names
}

// Run dispatches desc to every vendor and merges what comes back, best
// first. It never returns an error; failures are reported per vendor.
func (f *FanOut) Run(ctx context.Context, desc types.FoodDescription, queryVector []float32) *FanOutResult {
	outcomes := make([]VendorOutcome, len(f.vendors))
	results := make([][]types.CandidateMatch, len(f.vendors))

	var g errgroup.Group
	for i := range f.vendors {
		i := i
		g.Go(func() error {
			results[i], outcomes[i] = f.call(ctx, f.vendors[i], desc, queryVector)
			return nil
		})
	}
	_ = g.Wait()

	var merged []types.CandidateMatch
	for _, r := range results {
		merged = append(merged, r...)
	}
	return &FanOutResult{Candidates: mergeCandidates(merged), Outcomes: outcomes}
}

func (f *FanOut) call(ctx context.Context, v registered, desc types.FoodDescription, vector []float32) ([]types.CandidateMatch, VendorOutcome) {
	name := v.Vendor.Name()
	out := VendorOutcome{Vendor: name}
	start := time.Now()
	defer func() {
		out.Duration = time.Since(start)
	}()
	logger := f.logger.With(zap.String("vendor", name))

	if v.pacer != nil && !v.pacer.Allow() {
		out.Skipped = SkipPaced
		logger.Debug("vendor paced")
		return nil, out
	}
	if f.limiter != nil {
		ok, err := f.limiter.Allow(ctx, name)
		if err != nil {
			out.Err = err
			logger.Warn("rate limit check failed", zap.Error(err))
			return nil, out
		}
		if !ok {
			out.Skipped = SkipBudget
			logger.Info("vendor budget exhausted")
			return nil, out
		}
	}

	callCtx := ctx
	if v.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, v.Timeout)
		defer cancel()
	}
	q := &Query{
		Desc:          desc,
		Vector:        vector,
		MinSimilarity: f.minSimilarity,
		MaxResults:    v.MaxResults,
		vectorizer:    f.vectorizer,
	}

	candidates, err := f.search(callCtx, v, q)
	if err != nil {
		if errors.Is(err, resilience.ErrOpen) {
			out.Skipped = SkipBreaker
		}
		out.Err = err
		logger.Warn("vendor search failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return nil, out
	}
	out.Candidates = len(candidates)
	logger.Debug("vendor answered", zap.Int("candidates", len(candidates)))
	return candidates, out
}

// search runs the vendor through its breaker and converts a panic into an
// error so one vendor can never take the fan-out down
func (f *FanOut) search(ctx context.Context, v registered, q *Query) (candidates []types.CandidateMatch, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{vendor: v.Vendor.Name(), value: r}
		}
	}()
	return resilience.Execute(v.Breaker, func() ([]types.CandidateMatch, error) {
		return v.Vendor.Search(ctx, q)
	})
}

type panicError struct {
	vendor string
	value  any
}

func (e *panicError) Error() string {
	return e.vendor + " panicked: " + toString(e.value)
}

func toString(v any) string {
	switch t := v.(type) {
	case error:
		return t.Error()
	case string:
		return t
	default:
		return "unknown panic"
	}
}

// mergeCandidates dedupes by (source, id) keeping the best score, then sorts
// by similarity descending with the key as a stable tie-break
func mergeCandidates(in []types.CandidateMatch) []types.CandidateMatch {
	best := make(map[string]int, len(in))
	out := make([]types.CandidateMatch, 0, len(in))
	for _, c := range in {
		key := c.Key()
		if i, ok := best[key]; ok {
			if c.Similarity > out[i].Similarity {
				out[i] = c
			}
			continue
		}
		best[key] = len(out)
		out = append(out, c)
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Similarity != out[b].Similarity {
			return out[a].Similarity > out[b].Similarity
		}
		return out[a].Key() < out[b].Key()
	})
	return out
}
