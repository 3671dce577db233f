package synth

// MacroInput holds energy and macros where nil means unknown
type MacroInput struct {
	Kcal    *float64
	Protein *float64
	Carbs   *float64
	Fat     *float64
	Alcohol *float64
}

// derivationTolerance absorbs rounding on model and label values, in kcal
const derivationTolerance = 0.5

// DeriveMissingMacro fills one unknown value from the others using fixed
// energy densities. With calories and two of protein, carbohydrate and fat
// known, the third is derived; with all three macros known and calories
// unknown, calories are derived. A derivation that would come out negative
// means the inputs disagree, so the value stays unknown.
func DeriveMissingMacro(in MacroInput) MacroInput {
	out := in
	alcohol := 0.0
	if in.Alcohol != nil {
		alcohol = *in.Alcohol * KcalPerGramAlcohol
	}

	type slot struct {
		v       **float64
		density float64
	}
	slots := []slot{
		{&out.Protein, KcalPerGramProtein},
		{&out.Carbs, KcalPerGramCarb},
		{&out.Fat, KcalPerGramFat},
	}

	var missing *slot
	known := alcohol
	for i := range slots {
		if *slots[i].v == nil {
			if missing != nil {
				return out // two unknowns cannot be derived
			}
			missing = &slots[i]
			continue
		}
		known += **slots[i].v * slots[i].density
	}

	switch {
	case missing == nil && out.Kcal == nil:
		kcal := known
		out.Kcal = &kcal
	case missing != nil && out.Kcal != nil:
		rest := *out.Kcal - known
		if rest < -derivationTolerance {
			return out
		}
		grams := 0.0
		if rest > 0 {
			grams = rest / missing.density
		}
		*missing.v = &grams
	}
	return out
}
