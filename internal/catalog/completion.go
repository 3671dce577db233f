package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/dshills/foodresolve/internal/llm"
	"github.com/dshills/foodresolve/internal/llmjson"
	"github.com/dshills/foodresolve/internal/mathexpr"
	"github.com/dshills/foodresolve/pkg/types"
)

const completionSystemPrompt = `You are a nutrition database assistant that fills in missing serving information. Every number you output is either a number or an arithmetic expression using only digits, + - * / and parentheses. You always finish with a single valid JSON object.`

const fieldPromptTemplate = `Food: %q
Brand: %q
Liquid: %t
Known servings:
%s

What is the weight in grams of one default serving of this food, and for liquids its volume in millilitres?

Output exactly:
{
  "default_serving_weight_g": number | string,
  "default_serving_liquid_ml": number | string | null
}`

const servingPromptTemplate = `Food: %q
Brand: %q
Servings:
%s

For every serving give an alternate amount and unit that measures the same quantity, for example "1 cup" = 240 ml or "1 slice" = 28 g.

Output exactly:
{
  "servings": [{"id": number, "alt_amount": number | string, "alt_unit": string}]
}`

// completeFields asks for a default weight (and volume for liquids). Any
// failure falls back to the configured weight so the item stays usable.
func (w *Writer) completeFields(ctx context.Context, item *types.CanonicalFoodItem) {
	prompt := fmt.Sprintf(fieldPromptTemplate, item.Name, item.Brand, item.IsLiquid, renderServings(item.Servings))

	type answer struct {
		Weight *llmjson.Number `json:"default_serving_weight_g"`
		Liquid *llmjson.Number `json:"default_serving_liquid_ml"`
	}
	out, err := llm.Run(ctx, w.completer, w.ladder, llm.Request{
		System: completionSystemPrompt,
		Prompt: prompt,
		JSON:   true,
	}, func(text string) (*answer, error) {
		var a answer
		if err := llmjson.Decode(text, &a, "default_serving_weight_g"); err != nil {
			return nil, err
		}
		if a.Weight == nil || a.Weight.Float64() <= 0 {
			return nil, fmt.Errorf("non-positive default weight")
		}
		return &a, nil
	}, w.logger)

	if err != nil {
		w.logger.Warn("field completion failed, using fallback weight",
			zap.String("name", item.Name),
			zap.Float64("fallback_g", w.fallbackWeight),
			zap.Error(err))
		if item.DefaultServingWeightGrams == nil || *item.DefaultServingWeightGrams <= 0 {
			item.DefaultServingWeightGrams = types.Float(w.fallbackWeight)
		}
		return
	}

	if item.DefaultServingWeightGrams == nil || *item.DefaultServingWeightGrams <= 0 {
		item.DefaultServingWeightGrams = out.Weight.Ptr()
	}
	if item.IsLiquid && item.DefaultServingLiquidMl == nil && out.Liquid != nil && out.Liquid.Float64() > 0 {
		item.DefaultServingLiquidMl = out.Liquid.Ptr()
	}
}

// completeServings fills alternate amount and unit on servings missing them.
// Servings are shown re-indexed 1..N; failures leave the servings as they are.
func (w *Writer) completeServings(ctx context.Context, item *types.CanonicalFoodItem) {
	var pending []int
	for i, s := range item.Servings {
		if s.AltUnit == "" || s.AltAmount == nil {
			pending = append(pending, i)
		}
	}

	var list strings.Builder
	for n, i := range pending {
		s := item.Servings[i]
		entry := map[string]any{"id": n + 1, "name": s.Name, "amount": s.DefaultAmount}
		if s.WeightGrams != nil {
			entry["weight_g"] = *s.WeightGrams
		}
		line, _ := json.Marshal(entry)
		list.Write(line)
		list.WriteByte('\n')
	}
	prompt := fmt.Sprintf(servingPromptTemplate, item.Name, item.Brand, strings.TrimRight(list.String(), "\n"))

	type altServing struct {
		ID        *llmjson.Number `json:"id"`
		AltAmount *llmjson.Number `json:"alt_amount"`
		AltUnit   string          `json:"alt_unit"`
	}
	answers, err := llm.Run(ctx, w.completer, w.ladder, llm.Request{
		System: completionSystemPrompt,
		Prompt: prompt,
		JSON:   true,
	}, func(text string) ([]altServing, error) {
		var a struct {
			Servings []altServing `json:"servings"`
		}
		if err := llmjson.Decode(text, &a, "servings"); err != nil {
			return nil, err
		}
		return a.Servings, nil
	}, w.logger)
	if err != nil {
		w.logger.Warn("serving completion failed", zap.String("name", item.Name), zap.Error(err))
		return
	}

	filled := 0
	for _, a := range answers {
		if a.ID == nil || a.AltAmount == nil || strings.TrimSpace(a.AltUnit) == "" {
			continue
		}
		pos := int(a.ID.Float64()) - 1
		if float64(pos+1) != a.ID.Float64() || pos < 0 || pos >= len(pending) || a.AltAmount.Float64() <= 0 {
			continue
		}
		s := &item.Servings[pending[pos]]
		s.AltAmount = a.AltAmount.Ptr()
		s.AltUnit = strings.TrimSpace(a.AltUnit)
		filled++
	}
	w.logger.Debug("serving completion", zap.String("name", item.Name), zap.Int("filled", filled), zap.Int("pending", len(pending)))
}

func renderServings(servings []types.Serving) string {
	if len(servings) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, s := range servings {
		b.WriteString("- ")
		b.WriteString(s.Name)
		if s.WeightGrams != nil {
			b.WriteString(" = ")
			b.WriteString(strconv.FormatFloat(*s.WeightGrams, 'f', -1, 64))
			b.WriteString(" g")
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// leadingQuantity matches "2 cookies", "1/2 cup", "1 1/2 cups", "0.5 oz"
var leadingQuantity = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?(?:\s*/\s*\d+(?:\.\d+)?)?)(?:\s+(\d+\s*/\s*\d+))?\s+(\S.*)$`)

// AssignDefaultServingAmount moves a quantity embedded in the serving name
// into DefaultAmount: "2 cookies" becomes amount 2 named "cookies". Fractions
// and mixed numbers are evaluated. It reports whether the serving changed.
func AssignDefaultServingAmount(s *types.Serving) bool {
	m := leadingQuantity.FindStringSubmatch(s.Name)
	if m == nil {
		return false
	}
	amount, err := mathexpr.Eval(m[1])
	if err != nil {
		return false
	}
	if m[2] != "" {
		frac, err := mathexpr.Eval(m[2])
		if err != nil {
			return false
		}
		amount += frac
	}
	if amount <= 0 {
		return false
	}
	s.DefaultAmount = amount
	s.Name = strings.TrimSpace(m[3])
	return true
}
