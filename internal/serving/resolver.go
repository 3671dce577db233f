package serving

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

// DefaultMinGrams is the smallest serving accepted from the model
const DefaultMinGrams = 1.0

// ErrNoEstimate is returned when the model failed and the item has no
// weight to fall back on
var ErrNoEstimate = errors.New("no serving estimate available")

// errBelowMinimum marks a parsed answer that is too small to trust
var errBelowMinimum = errors.New("serving grams below minimum")

const systemPrompt = `You are a food serving assistant. You determine precisely how many grams of a food a user ate. You always finish with a single valid JSON object.`

const userPromptTemplate = `user_message:
%q

food_info:
%s

food_servings:
%s

Work out how many grams the user ate.
1. If the description is vague, estimate as accurately as possible.
2. Relative sizes such as "large" or "small" scale a standard portion (large is about 1.1 times).
3. Only use a listed serving when the user is referring to it.
4. Convert common units (ml, oz, lb, cup, tbsp) to grams.

Output exactly:
{
  "equation_grams": string,
  "serving_name": string,
  "amount": number,
  "matching_serving_id": number | null
}

equation_grams contains only numbers and + - * / ( ) and evaluates to the grams eaten, never zero.
serving_name is a short unit such as "g", "oz", "cup", "cookie" or "serving".
amount is how many serving_name the user ate.`

// Options tunes a Resolver. Zero values take the package defaults.
type Options struct {
	SnapTolerance float64
	MinGrams      float64
	Logger        *zap.Logger
}

// Resolver maps quantity phrases to grams
type Resolver struct {
	completer llm.Completer
	ladder    llm.Ladder
	tolerance float64
	minGrams  float64
	logger    *zap.Logger
}

// NewResolver creates a serving resolver. ladder is normally one model at
// ascending temperatures.
func NewResolver(completer llm.Completer, ladder llm.Ladder, opts Options) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tolerance := opts.SnapTolerance
	if tolerance <= 0 {
		tolerance = DefaultSnapTolerance
	}
	minGrams := opts.MinGrams
	if minGrams <= 0 {
		minGrams = DefaultMinGrams
	}
	return &Resolver{
		completer: completer,
		ladder:    ladder,
		tolerance: tolerance,
		minGrams:  minGrams,
		logger:    logger.Named("serving"),
	}
}

type answer struct {
	EquationGrams     *llmjson.Number `json:"equation_grams"`
	ServingName       string          `json:"serving_name"`
	Amount            *llmjson.Number `json:"amount"`
	MatchingServingID *llmjson.Number `json:"matching_serving_id"`
}

type option struct {
	ID            int      `json:"id"`
	Name          string   `json:"name"`
	WeightGrams   float64  `json:"weight_g"`
	DefaultAmount float64  `json:"default_amount"`
	AltAmount     *float64 `json:"alt_amount,omitempty"`
	AltUnit       string   `json:"alt_unit,omitempty"`
}

// Resolve converts phrase into grams of item. A model failure on every
// rung is not an error: the default serving is returned with LowFidelity set.
func (r *Resolver) Resolve(ctx context.Context, phrase string, item *types.CanonicalFoodItem) (*types.ResolvedServing, error) {
	if item == nil {
		return nil, errors.New("serving resolution requires an item")
	}
	servings := item.ResolvedServings()

	prompt, err := r.prompt(phrase, item, servings)
	if err != nil {
		return nil, err
	}

	// best keeps the last positive-but-too-small answer for the fallback
	var best *types.ResolvedServing
	out, err := llm.Run(ctx, r.completer, r.ladder, llm.Request{
		System: systemPrompt,
		Prompt: prompt,
		JSON:   true,
	}, func(text string) (*types.ResolvedServing, error) {
		res, err := r.parse(text, servings)
		if errors.Is(err, errBelowMinimum) {
			best = res
		}
		return res, err
	}, r.logger)
	if err == nil {
		r.snap(out, servings)
		r.logger.Debug("serving resolved",
			zap.String("phrase", phrase),
			zap.Int64("food_item_id", item.ID),
			zap.Float64("grams", out.Grams),
			zap.Bool("matched", out.MatchedServingID != nil))
		return out, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	fallback, ferr := r.fallback(item, servings, best)
	if ferr != nil {
		return nil, fmt.Errorf("%w: %w", ferr, err)
	}
	r.logger.Warn("serving resolution fell back to default serving",
		zap.String("phrase", phrase),
		zap.Int64("food_item_id", item.ID),
		zap.Float64("grams", fallback.Grams),
		zap.Error(err))
	return fallback, nil
}

func (r *Resolver) prompt(phrase string, item *types.CanonicalFoodItem, servings []types.Serving) (string, error) {
	info, err := json.Marshal(struct {
		Name          string   `json:"name"`
		Brand         string   `json:"brand,omitempty"`
		DefaultWeight *float64 `json:"default_serving_weight_g"`
		DefaultLiquid *float64 `json:"default_serving_liquid_ml,omitempty"`
		IsLiquid      bool     `json:"is_liquid"`
		Kcal          float64  `json:"kcal_per_serving"`
	}{item.Name, item.Brand, item.DefaultServingWeightGrams, item.DefaultServingLiquidMl, item.IsLiquid, item.Kcal})
	if err != nil {
		return "", fmt.Errorf("render food info: %w", err)
	}

	options := make([]option, len(servings))
	for i, s := range servings {
		options[i] = option{
			ID:            i + 1,
			Name:          s.Name,
			WeightGrams:   *s.WeightGrams,
			DefaultAmount: s.DefaultAmount,
			AltAmount:     s.AltAmount,
			AltUnit:       s.AltUnit,
		}
	}
	list, err := json.Marshal(options)
	if err != nil {
		return "", fmt.Errorf("render servings: %w", err)
	}
	return fmt.Sprintf(userPromptTemplate, phrase, info, list), nil
}

// parse evaluates one model answer and remaps its serving id from the
// prompt position back to the stored serving
func (r *Resolver) parse(text string, servings []types.Serving) (*types.ResolvedServing, error) {
	var a answer
	if err := llmjson.Decode(text, &a, "equation_grams"); err != nil {
		return nil, err
	}
	if a.EquationGrams == nil {
		return nil, fmt.Errorf("missing equation_grams")
	}
	grams := a.EquationGrams.Float64()
	if grams <= 0 {
		return nil, fmt.Errorf("non-positive serving grams %v", grams)
	}

	res := &types.ResolvedServing{
		Grams:         grams,
		DisplayName:   strings.TrimSpace(a.ServingName),
		DisplayAmount: 1,
	}
	if a.Amount != nil && a.Amount.Float64() > 0 {
		res.DisplayAmount = a.Amount.Float64()
	}
	if res.DisplayName == "" {
		res.DisplayName = "g"
		res.DisplayAmount = grams
	}
	if a.MatchingServingID != nil {
		pos := int(a.MatchingServingID.Float64())
		if float64(pos) == a.MatchingServingID.Float64() && pos >= 1 && pos <= len(servings) {
			id := servings[pos-1].ID
			res.MatchedServingID = &id
		}
	}

	if grams < r.minGrams {
		return res, fmt.Errorf("%w: %v < %v", errBelowMinimum, grams, r.minGrams)
	}
	return res, nil
}

// snap overrides the model's serving choice when the grams are a whole
// number of some known serving
func (r *Resolver) snap(res *types.ResolvedServing, servings []types.Serving) {
	s, units := Snap(res.Grams, servings, r.tolerance)
	if s == nil {
		return
	}
	id := s.ID
	res.MatchedServingID = &id
	res.DisplayName = s.Name
	res.DisplayAmount = units
}

// fallback picks the best low-fidelity estimate: the default serving, then
// the first resolved serving, then a too-small model answer
func (r *Resolver) fallback(item *types.CanonicalFoodItem, servings []types.Serving, best *types.ResolvedServing) (*types.ResolvedServing, error) {
	if w := item.DefaultServingWeightGrams; w != nil && *w > 0 {
		res := &types.ResolvedServing{Grams: *w, DisplayName: "serving", DisplayAmount: 1, LowFidelity: true}
		r.snap(res, servings)
		return res, nil
	}
	if len(servings) > 0 {
		s := servings[0]
		id := s.ID
		amount := s.DefaultAmount
		if amount <= 0 {
			amount = 1
		}
		return &types.ResolvedServing{
			Grams:            *s.WeightGrams,
			DisplayName:      s.Name,
			DisplayAmount:    amount,
			MatchedServingID: &id,
			LowFidelity:      true,
		}, nil
	}
	if best != nil {
		best.LowFidelity = true
		return best, nil
	}
	return nil, ErrNoEstimate
}
