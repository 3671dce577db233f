package resolver

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dshills/foodresolve/internal/searcher"
	"github.com/dshills/foodresolve/pkg/types"
)

// Strategy names accepted in configuration
const (
	StrategyHighConfidence   = "high_confidence"
	StrategyLocalArbitration = "local_arbitration"
	StrategyExternal         = "external"
	StrategyGenerative       = "generative"
)

// DefaultStrategies is the usual cascade order
var DefaultStrategies = []string{
	StrategyHighConfidence,
	StrategyLocalArbitration,
	StrategyExternal,
	StrategyGenerative,
}

// ErrUnknownStrategy is returned for an unrecognized strategy name
var ErrUnknownStrategy = errors.New("unknown resolution strategy")

// Query is the shared state strategies read and extend during one resolution
type Query struct {
	Desc   types.FoodDescription
	Search *searcher.Result

	// External holds the fan-out candidates once the external tier ran. The
	// generative tier uses them as context.
	External []types.CandidateMatch
}

// Verdict settles a query: either a candidate to materialize or a freshly
// synthesized item
type Verdict struct {
	Candidate *types.CandidateMatch
	Item      *types.CanonicalFoodItem
}

// Strategy is one tier of the cascade. A nil verdict with a nil error is a
// pass. A returned error fails the item.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, q *Query) (*Verdict, error)
}

// BuildStrategies turns configured names into strategies over deps
func BuildStrategies(names []string, deps Deps, logger *zap.Logger) ([]Strategy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := make([]Strategy, 0, len(names))
	for _, name := range names {
		switch name {
		case StrategyHighConfidence:
			out = append(out, &highConfidence{searcher: deps.Searcher})
		case StrategyLocalArbitration:
			out = append(out, &localArbitration{searcher: deps.Searcher, arbiter: deps.Arbiter, logger: logger})
		case StrategyExternal:
			out = append(out, &external{fanOut: deps.FanOut, arbiter: deps.Arbiter, logger: logger})
		case StrategyGenerative:
			out = append(out, &generative{synth: deps.Synth})
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
		}
	}
	return out, nil
}

type highConfidence struct {
	searcher Searcher
}

func (s *highConfidence) Name() string { return StrategyHighConfidence }

func (s *highConfidence) Attempt(_ context.Context, q *Query) (*Verdict, error) {
	top := q.Search.Top()
	if top == nil || s.searcher.Band(top.Similarity) != searcher.BandHigh {
		return nil, nil
	}
	return &Verdict{Candidate: top}, nil
}

type localArbitration struct {
	searcher Searcher
	arbiter  Arbiter
	logger   *zap.Logger
}

func (s *localArbitration) Name() string { return StrategyLocalArbitration }

// Attempt arbitrates when the top score is at least LOW. Below LOW the local
// candidates are not worth a model call.
func (s *localArbitration) Attempt(ctx context.Context, q *Query) (*Verdict, error) {
	top := q.Search.Top()
	if s.arbiter == nil || top == nil || s.searcher.Band(top.Similarity) == searcher.BandLow {
		return nil, nil
	}
	decision, err := s.arbiter.Arbitrate(ctx, q.Desc, q.Search.Candidates)
	if err != nil {
		s.logger.Warn("local arbitration failed", zap.String("query", q.Desc.SearchName), zap.Error(err))
		return nil, nil
	}
	if !decision.Matched() {
		return nil, nil
	}
	return &Verdict{Candidate: decision.Accepted}, nil
}

type external struct {
	fanOut  FanOut
	arbiter Arbiter
	logger  *zap.Logger
}

func (s *external) Name() string { return StrategyExternal }

// Attempt fans out to the vendors. A non-empty union is re-verified through
// arbitration before anything is accepted.
func (s *external) Attempt(ctx context.Context, q *Query) (*Verdict, error) {
	if s.fanOut == nil {
		return nil, nil
	}
	result := s.fanOut.Run(ctx, q.Desc, q.Search.QueryVector)
	q.External = result.Candidates
	if len(q.External) == 0 || s.arbiter == nil {
		return nil, nil
	}

	decision, err := s.arbiter.Arbitrate(ctx, q.Desc, q.External)
	if err != nil {
		s.logger.Warn("external arbitration failed", zap.String("query", q.Desc.SearchName), zap.Error(err))
		return nil, nil
	}
	if !decision.Matched() {
		return nil, nil
	}
	return &Verdict{Candidate: decision.Accepted}, nil
}

type generative struct {
	synth Synthesizer
}

func (s *generative) Name() string { return StrategyGenerative }

// Attempt is the last resort and its failure is fatal to the item
func (s *generative) Attempt(ctx context.Context, q *Query) (*Verdict, error) {
	if s.synth == nil {
		return nil, nil
	}
	candidates := q.External
	if len(candidates) == 0 && q.Search != nil {
		candidates = q.Search.Candidates
	}
	item, err := s.synth.Synthesize(ctx, q.Desc, candidates)
	if err != nil {
		var re *types.ResolutionError
		if errors.As(err, &re) {
			return nil, err
		}
		return nil, types.NewNoFoodInfoFound(q.Desc.SearchName, err)
	}
	return &Verdict{Item: item}, nil
}
