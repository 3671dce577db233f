package arbiter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/dshills/foodresolve/internal/llm"
	"github.com/dshills/foodresolve/internal/llmjson"
	"github.com/dshills/foodresolve/pkg/types"
)

// DefaultMaxCandidates bounds the candidate list shown to the model
const DefaultMaxCandidates = 20

// ErrUnknownCandidate is returned when the model picks an id it was not shown
var ErrUnknownCandidate = errors.New("model chose an unknown candidate")

const systemPrompt = `You are a food matching assistant that precisely matches logged foods to database entries. You only match when the food is clearly the same; otherwise you refuse to match so the search can continue elsewhere. You always finish with a single valid JSON object.`

const userPromptTemplate = `user_food_logged:
%q

database_search_results:
%s

Assume the most common preparation when the user did not specify one. If the user did specify a preparation, brand or variety, a match must have it too.

Rules:
1. Only match an entry that is the same food. "apple" cannot match "apple juice" or "apple pie", but may match "royal gala apple".
2. Preparation and nutrition must agree. "milk" cannot match "milk powder"; "strawberry yogurt" cannot match "plain yogurt".
3. A match must cover everything the user logged. "bread with brie" cannot match "bread" alone unless you set extra_item_name to the unmatched part ("brie").
4. alternative_match_id is a second, different food the user may have meant, or null.

Output exactly:
{
  "no_good_matches": boolean,
  "best_food_match_id": number | null,
  "alternative_match_id": number | null,
  "extra_item_name": string | null
}

Set no_good_matches to true when a better match is likely to exist elsewhere. When extra_item_name is set, no_good_matches must be false.`

// requiredKeys must be present in every model answer
var requiredKeys = []string{"no_good_matches", "best_food_match_id"}

// Decision is the outcome of one arbitration
type Decision struct {
	Accepted    *types.CandidateMatch
	Alternative *types.CandidateMatch

	// ExtraItemName is the part of a compound query the accepted
	// candidate does not cover
	ExtraItemName string
}

// Matched reports whether a candidate was accepted
func (d *Decision) Matched() bool {
	return d != nil && d.Accepted != nil
}

// Arbiter decides whether any candidate is truly the queried food
type Arbiter struct {
	completer     llm.Completer
	ladder        llm.Ladder
	maxCandidates int
	logger        *zap.Logger
}

// NewArbiter creates an arbiter that escalates along ladder
func NewArbiter(completer llm.Completer, ladder llm.Ladder, maxCandidates int, logger *zap.Logger) *Arbiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxCandidates <= 0 {
		maxCandidates = DefaultMaxCandidates
	}
	return &Arbiter{
		completer:     completer,
		ladder:        ladder,
		maxCandidates: maxCandidates,
		logger:        logger.Named("arbiter"),
	}
}

// answer is the raw model decision. Ids refer to the 1-based positions the
// model was shown.
type answer struct {
	NoGoodMatches      flexBool        `json:"no_good_matches"`
	BestFoodMatchID    *llmjson.Number `json:"best_food_match_id"`
	AlternativeMatchID *llmjson.Number `json:"alternative_match_id"`
	ExtraItemName      *string         `json:"extra_item_name"`
}

// Arbitrate asks the model which, if any, of the first candidates is the
// queried food. An empty candidate list yields an empty decision without a
// model call. When every ladder rung fails the error wraps llm.ErrNoDecision.
func (a *Arbiter) Arbitrate(ctx context.Context, desc types.FoodDescription, candidates []types.CandidateMatch) (*Decision, error) {
	if len(candidates) == 0 {
		return &Decision{}, nil
	}
	if len(candidates) > a.maxCandidates {
		candidates = candidates[:a.maxCandidates]
	}

	options, index, err := renderOptions(candidates)
	if err != nil {
		return nil, err
	}
	base := llm.Request{
		System: systemPrompt,
		Prompt: fmt.Sprintf(userPromptTemplate, queryLabel(desc), options),
		JSON:   true,
	}

	decision, err := llm.Run(ctx, a.completer, a.ladder, base, func(text string) (*Decision, error) {
		return decide(text, candidates, index)
	}, a.logger)
	if err != nil {
		return nil, err
	}

	fields := []zap.Field{
		zap.String("query", desc.SearchName),
		zap.Int("candidates", len(candidates)),
		zap.Bool("matched", decision.Matched()),
	}
	if decision.Matched() {
		fields = append(fields, zap.String("accepted", decision.Accepted.Key()))
	}
	if decision.ExtraItemName != "" {
		fields = append(fields, zap.String("extra_item", decision.ExtraItemName))
	}
	a.logger.Debug("arbitration decided", fields...)
	return decision, nil
}

// renderOptions re-indexes candidates 1..N, one JSON line each, and returns
// the position -> compound key mapping.
func renderOptions(candidates []types.CandidateMatch) (string, map[int]string, error) {
	var b strings.Builder
	index := make(map[int]string, len(candidates))
	for i := range candidates {
		line, err := json.Marshal(struct {
			ID    int    `json:"id"`
			Name  string `json:"name"`
			Brand string `json:"brand"`
		}{ID: i + 1, Name: candidates[i].Name, Brand: candidates[i].Brand})
		if err != nil {
			return "", nil, fmt.Errorf("render candidate: %w", err)
		}
		b.Write(line)
		b.WriteByte('\n')
		index[i+1] = candidates[i].Key()
	}
	return b.String(), index, nil
}

func queryLabel(desc types.FoodDescription) string {
	name := strings.TrimSpace(desc.SearchName)
	if brand := strings.TrimSpace(desc.Brand); brand != "" {
		return name + " - " + brand
	}
	return name
}

// decide parses and validates one model answer and maps the positions back
// to candidates through their compound keys
func decide(text string, candidates []types.CandidateMatch, index map[int]string) (*Decision, error) {
	var ans answer
	if err := llmjson.Decode(text, &ans, requiredKeys...); err != nil {
		return nil, err
	}

	byKey := make(map[string]*types.CandidateMatch, len(candidates))
	for i := range candidates {
		byKey[candidates[i].Key()] = &candidates[i]
	}
	lookup := func(n *llmjson.Number) (*types.CandidateMatch, error) {
		if n == nil {
			return nil, nil
		}
		pos := int(n.Float64())
		if float64(pos) != n.Float64() {
			return nil, fmt.Errorf("%w: %v", ErrUnknownCandidate, n.Float64())
		}
		key, ok := index[pos]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownCandidate, pos)
		}
		return byKey[key], nil
	}

	d := &Decision{}
	if ans.ExtraItemName != nil {
		d.ExtraItemName = strings.TrimSpace(*ans.ExtraItemName)
	}
	if bool(ans.NoGoodMatches) || ans.BestFoodMatchID == nil {
		return d, nil
	}

	best, err := lookup(ans.BestFoodMatchID)
	if err != nil {
		return nil, err
	}
	alt, err := lookup(ans.AlternativeMatchID)
	if err != nil {
		// A bad alternative does not invalidate the main decision
		alt = nil
	}
	if alt != nil && alt.Key() == best.Key() {
		alt = nil
	}
	d.Accepted = best
	d.Alternative = alt
	return d, nil
}

// flexBool accepts true/false as JSON booleans or strings
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	switch strings.ToLower(strings.Trim(strings.TrimSpace(string(data)), `"`)) {
	case "true":
		*b = true
	case "false", "null", "":
		*b = false
	default:
		return fmt.Errorf("invalid boolean %s", data)
	}
	return nil
}
