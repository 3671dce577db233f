package synth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/dshills/foodresolve/internal/llm"
	"github.com/dshills/foodresolve/internal/llmjson"
	"github.com/dshills/foodresolve/internal/websearch"
	"github.com/dshills/foodresolve/pkg/types"
)

// Energy densities in kcal per gram
const (
	KcalPerGramFat     = 9.0
	KcalPerGramCarb    = 4.0
	KcalPerGramProtein = 4.0
	KcalPerGramAlcohol = 7.0

	// MaxCaloriesPerGram is the density of pure fat; nothing edible is denser
	MaxCaloriesPerGram = 9.0
)

// DefaultCandidates is how many external candidates are shown to the model
const DefaultCandidates = 3

var (
	// ErrIncomplete is returned when the model answer lacks calories and
	// they cannot be derived
	ErrIncomplete = errors.New("nutrition profile incomplete")
	// errInvalidFood marks an explicit "not a food" answer inside the ladder
	errInvalidFood = errors.New("not a valid food item")
)

const systemPrompt = `You are a nutrition database assistant. You produce complete nutrition profiles for foods, using the reference data you are given when it applies. You always finish with a single valid JSON object.`

const userPromptTemplate = `Food: %q
Brand: %q
User said: %q

Similar database entries (may be wrong, use only if they are the same food):
%s

Web search results:
%s

Return the nutrition profile for one default serving of this food.

Field policy:
- Omit a field only when it is truly unknown.
- Write 0 for values known to be zero, never omit them.
- If calories and two of protein, carbohydrate and fat are known, derive the third with fat 9 kcal/g, carbohydrate 4 kcal/g, protein 4 kcal/g, alcohol 7 kcal/g.
- Numbers may be arithmetic expressions such as "3*28.3495"; use only digits, + - * / and parentheses.
- Set implausible_calorie_density to true when calories per gram exceed 9.
- Set is_valid_food_item to false when the text is not something a person eats or drinks.

Output exactly:
{
  "is_valid_food_item": boolean,
  "name": string,
  "brand": string | null,
  "description": string | null,
  "is_liquid": boolean,
  "default_serving_weight_g": number | null,
  "default_serving_liquid_ml": number | null,
  "calories": number,
  "protein_g": number,
  "carbs_g": number,
  "fat_g": number,
  "alcohol_g": number | null,
  "fiber_g": number | null,
  "sugar_g": number | null,
  "added_sugar_g": number | null,
  "saturated_fat_g": number | null,
  "trans_fat_g": number | null,
  "cholesterol_mg": number | null,
  "sodium_mg": number | null,
  "implausible_calorie_density": boolean,
  "servings": [{"name": string, "weight_g": number | null, "default_amount": number}],
  "nutrients": [{"name": string, "unit": string, "amount": number}]
}`

// Only the verdict is required up front; a "not a food" answer often carries
// nothing else
var requiredKeys = []string{"is_valid_food_item"}

// Synthesizer produces unpersisted canonical items from a language model
type Synthesizer struct {
	completer     llm.Completer
	ladder        llm.Ladder
	web           websearch.Searcher
	maxCandidates int
	logger        *zap.Logger
}

// NewSynthesizer creates a synthesizer. web may be nil to skip web context.
func NewSynthesizer(completer llm.Completer, ladder llm.Ladder, web websearch.Searcher, maxCandidates int, logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxCandidates <= 0 {
		maxCandidates = DefaultCandidates
	}
	return &Synthesizer{
		completer:     completer,
		ladder:        ladder,
		web:           web,
		maxCandidates: maxCandidates,
		logger:        logger.Named("synth"),
	}
}

// Synthesize asks the model for a full nutrition profile of desc, grounded on
// the best external candidates and any web text. The returned item has
// provenance "generated" and is not persisted. A "not a food" answer yields
// an INVALID_FOOD_ITEM ResolutionError.
func (s *Synthesizer) Synthesize(ctx context.Context, desc types.FoodDescription, candidates []types.CandidateMatch) (*types.CanonicalFoodItem, error) {
	if len(candidates) > s.maxCandidates {
		candidates = candidates[:s.maxCandidates]
	}
	prompt := fmt.Sprintf(userPromptTemplate,
		desc.SearchName, desc.Brand, desc.PhraseText(),
		renderCandidates(candidates),
		s.webContext(ctx, desc))

	item, err := llm.Run(ctx, s.completer, s.ladder, llm.Request{
		System: systemPrompt,
		Prompt: prompt,
		JSON:   true,
	}, parse, s.logger)
	if errors.Is(err, errInvalidFood) {
		return nil, types.NewInvalidFoodItem(desc.SearchName)
	}
	if err != nil {
		return nil, err
	}

	if item.Brand == "" && desc.Branded {
		item.Brand = desc.Brand
	}
	s.logger.Debug("synthesized item",
		zap.String("query", desc.SearchName),
		zap.String("name", item.Name),
		zap.Float64("kcal", item.Kcal),
		zap.Bool("density_flagged", item.DensityFlagged))
	return item, nil
}

// webContext is best effort; any failure is logged and yields no context
func (s *Synthesizer) webContext(ctx context.Context, desc types.FoodDescription) string {
	if s.web == nil {
		return "(none)"
	}
	results, err := s.web.Search(ctx, desc.QueryText()+" nutrition facts")
	if err != nil {
		s.logger.Warn("web search failed", zap.String("query", desc.SearchName), zap.Error(err))
		return "(none)"
	}
	if len(results) == 0 {
		return "(none)"
	}
	return websearch.Context(results)
}

func renderCandidates(candidates []types.CandidateMatch) string {
	if len(candidates) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, c := range candidates {
		entry := map[string]any{"name": c.Name, "source": c.Source}
		if c.Brand != "" {
			entry["brand"] = c.Brand
		}
		if p := c.Payload; p != nil {
			entry["calories"] = p.Kcal
			entry["protein_g"] = p.ProteinGrams
			entry["carbs_g"] = p.CarbGrams
			entry["fat_g"] = p.FatGrams
			if p.DefaultServingWeightGrams != nil {
				entry["default_serving_weight_g"] = *p.DefaultServingWeightGrams
			}
			if len(p.Servings) > 0 {
				entry["serving"] = p.Servings[0].Name
			}
		}
		line, _ := json.Marshal(entry)
		b.Write(line)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

type profile struct {
	IsValidFoodItem bool   `json:"is_valid_food_item"`
	Name            string `json:"name"`
	Brand           string `json:"brand"`
	Description     string `json:"description"`
	IsLiquid        bool   `json:"is_liquid"`

	DefaultServingWeight *llmjson.Number `json:"default_serving_weight_g"`
	DefaultServingLiquid *llmjson.Number `json:"default_serving_liquid_ml"`

	Calories    *llmjson.Number `json:"calories"`
	Protein     *llmjson.Number `json:"protein_g"`
	Carbs       *llmjson.Number `json:"carbs_g"`
	Fat         *llmjson.Number `json:"fat_g"`
	Alcohol     *llmjson.Number `json:"alcohol_g"`
	Fiber       *llmjson.Number `json:"fiber_g"`
	Sugar       *llmjson.Number `json:"sugar_g"`
	AddedSugar  *llmjson.Number `json:"added_sugar_g"`
	SatFat      *llmjson.Number `json:"saturated_fat_g"`
	TransFat    *llmjson.Number `json:"trans_fat_g"`
	Cholesterol *llmjson.Number `json:"cholesterol_mg"`
	Sodium      *llmjson.Number `json:"sodium_mg"`

	ImplausibleDensity bool `json:"implausible_calorie_density"`

	Servings []struct {
		Name          string          `json:"name"`
		WeightGrams   *llmjson.Number `json:"weight_g"`
		DefaultAmount *llmjson.Number `json:"default_amount"`
	} `json:"servings"`
	Nutrients []struct {
		Name   string          `json:"name"`
		Unit   string          `json:"unit"`
		Amount *llmjson.Number `json:"amount"`
	} `json:"nutrients"`
}

// parse turns one model answer into an item. An explicit invalid-food answer
// stops the ladder; retrying would only ask the same question again.
func parse(text string) (*types.CanonicalFoodItem, error) {
	var p profile
	if err := llmjson.Decode(text, &p, requiredKeys...); err != nil {
		return nil, err
	}
	if !p.IsValidFoodItem {
		return nil, llm.Stop(errInvalidFood)
	}
	if strings.TrimSpace(p.Name) == "" {
		return nil, fmt.Errorf("%w: empty name", ErrIncomplete)
	}

	macros := DeriveMissingMacro(MacroInput{
		Kcal:    p.Calories.Ptr(),
		Protein: p.Protein.Ptr(),
		Carbs:   p.Carbs.Ptr(),
		Fat:     p.Fat.Ptr(),
		Alcohol: p.Alcohol.Ptr(),
	})
	if macros.Kcal == nil {
		return nil, fmt.Errorf("%w: calories missing", ErrIncomplete)
	}

	item := &types.CanonicalFoodItem{
		Name:                      strings.TrimSpace(p.Name),
		Brand:                     strings.TrimSpace(p.Brand),
		Description:               strings.TrimSpace(p.Description),
		IsLiquid:                  p.IsLiquid,
		DefaultServingWeightGrams: positive(p.DefaultServingWeight.Ptr()),
		DefaultServingLiquidMl:    positive(p.DefaultServingLiquid.Ptr()),
		Macros: types.Macros{
			Kcal:         *macros.Kcal,
			ProteinGrams: deref(macros.Protein),
			CarbGrams:    deref(macros.Carbs),
			FatGrams:     deref(macros.Fat),
			AlcoholGrams: macros.Alcohol,
			FiberGrams:   p.Fiber.Ptr(),
			SugarGrams:   p.Sugar.Ptr(),
			AddedSugar:   p.AddedSugar.Ptr(),
			SatFatGrams:  p.SatFat.Ptr(),
			TransFat:     p.TransFat.Ptr(),
			Cholesterol:  p.Cholesterol.Ptr(),
			SodiumMg:     p.Sodium.Ptr(),
		},
		Provenance: types.Provenance{Source: types.SourceGenerated},
	}
	item.DensityFlagged = p.ImplausibleDensity || item.CaloriesPerGram() > MaxCaloriesPerGram

	for _, sv := range p.Servings {
		name := strings.TrimSpace(sv.Name)
		if name == "" {
			continue
		}
		amount := 1.0
		if a := sv.DefaultAmount.Ptr(); a != nil && *a > 0 {
			amount = *a
		}
		item.Servings = append(item.Servings, types.Serving{
			Name:          name,
			WeightGrams:   positive(sv.WeightGrams.Ptr()),
			DefaultAmount: amount,
		})
	}
	if len(item.Servings) == 0 {
		item.Servings = []types.Serving{{
			Name:          "serving",
			WeightGrams:   item.DefaultServingWeightGrams,
			DefaultAmount: 1,
		}}
	}
	for _, n := range p.Nutrients {
		if n.Amount == nil || strings.TrimSpace(n.Name) == "" {
			continue
		}
		item.Nutrients = append(item.Nutrients, types.Nutrient{
			Name:   strings.ToLower(strings.TrimSpace(n.Name)),
			Unit:   strings.TrimSpace(n.Unit),
			Amount: n.Amount.Float64(),
		})
	}
	return item, nil
}

func positive(v *float64) *float64 {
	if v == nil || *v <= 0 {
		return nil
	}
	return v
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
