package vendors

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dshills/foodresolve/pkg/types"
)

// Canonical nutrient names
const (
	NutrientCalories     = "calories"
	NutrientProtein      = "protein"
	NutrientCarbs        = "carbohydrate"
	NutrientFat          = "fat"
	NutrientAlcohol      = "alcohol"
	NutrientFiber        = "fiber"
	NutrientSugar        = "sugar"
	NutrientAddedSugar   = "added_sugar"
	NutrientSaturatedFat = "saturated_fat"
	NutrientTransFat     = "trans_fat"
	NutrientCholesterol  = "cholesterol"
	NutrientSodium       = "sodium"
)

// nutrientAliases maps vendor and FoodData Central nutrient names, lower
// cased, to canonical names
var nutrientAliases = map[string]string{
	"energy":                             NutrientCalories,
	"energy (atwater general factors)":   NutrientCalories,
	"energy (atwater specific factors)":  NutrientCalories,
	"calories":                           NutrientCalories,
	"protein":                            NutrientProtein,
	"carbohydrate, by difference":        NutrientCarbs,
	"carbohydrate":                       NutrientCarbs,
	"carbohydrates":                      NutrientCarbs,
	"total lipid (fat)":                  NutrientFat,
	"total fat":                          NutrientFat,
	"fat":                                NutrientFat,
	"alcohol, ethyl":                     NutrientAlcohol,
	"alcohol":                            NutrientAlcohol,
	"fiber, total dietary":               NutrientFiber,
	"fiber":                              NutrientFiber,
	"sugars, total including nlea":       NutrientSugar,
	"sugars, total":                      NutrientSugar,
	"total sugars":                       NutrientSugar,
	"sugar":                              NutrientSugar,
	"sugars, added":                      NutrientAddedSugar,
	"added sugars":                       NutrientAddedSugar,
	"fatty acids, total saturated":       NutrientSaturatedFat,
	"saturated fat":                      NutrientSaturatedFat,
	"fatty acids, total trans":           NutrientTransFat,
	"trans fat":                          NutrientTransFat,
	"cholesterol":                        NutrientCholesterol,
	"sodium, na":                         NutrientSodium,
	"sodium":                             NutrientSodium,
	"potassium, k":                       "potassium",
	"calcium, ca":                        "calcium",
	"iron, fe":                           "iron",
	"vitamin c, total ascorbic acid":     "vitamin_c",
	"vitamin d (d2 + d3)":                "vitamin_d",
	"vitamin a, rae":                     "vitamin_a",
	"fatty acids, total monounsaturated": "monounsaturated_fat",
	"fatty acids, total polyunsaturated": "polyunsaturated_fat",
}

// nutritionixAttrs maps Nutritionix full_nutrients attribute ids to the
// FoodData Central names they mirror
var nutritionixAttrs = map[int]struct{ name, unit string }{
	203: {"protein", "g"},
	204: {"total lipid (fat)", "g"},
	205: {"carbohydrate, by difference", "g"},
	208: {"energy", "kcal"},
	221: {"alcohol, ethyl", "g"},
	269: {"sugars, total", "g"},
	291: {"fiber, total dietary", "g"},
	301: {"calcium, ca", "mg"},
	303: {"iron, fe", "mg"},
	306: {"potassium, k", "mg"},
	307: {"sodium, na", "mg"},
	401: {"vitamin c, total ascorbic acid", "mg"},
	539: {"sugars, added", "g"},
	601: {"cholesterol", "mg"},
	605: {"fatty acids, total trans", "g"},
	606: {"fatty acids, total saturated", "g"},
}

// CanonicalNutrient returns the canonical name for a vendor nutrient name.
// Unknown names are lower cased with spaces replaced and reported as not
// aliased.
func CanonicalNutrient(name string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if c, ok := nutrientAliases[key]; ok {
		return c, true
	}
	return strings.ReplaceAll(key, " ", "_"), false
}

// ApplyNutrient records a nutrient amount on item. Macro nutrients fill the
// macro fields; everything else is appended to Nutrients. Energy in kJ is
// ignored in favor of kcal.
func ApplyNutrient(item *types.CanonicalFoodItem, name, unit string, amount float64) {
	canonical, _ := CanonicalNutrient(name)
	unit = strings.ToLower(strings.TrimSpace(unit))

	switch canonical {
	case NutrientCalories:
		if unit == "kj" {
			return
		}
		item.Kcal = amount
	case NutrientProtein:
		item.ProteinGrams = amount
	case NutrientCarbs:
		item.CarbGrams = amount
	case NutrientFat:
		item.FatGrams = amount
	case NutrientAlcohol:
		item.AlcoholGrams = types.Float(amount)
	case NutrientFiber:
		item.FiberGrams = types.Float(amount)
	case NutrientSugar:
		item.SugarGrams = types.Float(amount)
	case NutrientAddedSugar:
		item.AddedSugar = types.Float(amount)
	case NutrientSaturatedFat:
		item.SatFatGrams = types.Float(amount)
	case NutrientTransFat:
		item.TransFat = types.Float(amount)
	case NutrientCholesterol:
		item.Cholesterol = types.Float(amount)
	case NutrientSodium:
		item.SodiumMg = types.Float(amount)
	default:
		for i := range item.Nutrients {
			if item.Nutrients[i].Name == canonical {
				item.Nutrients[i].Amount = amount
				return
			}
		}
		item.Nutrients = append(item.Nutrients, types.Nutrient{Name: canonical, Unit: unit, Amount: amount})
	}
}

// ScaleNutrients multiplies every nutrient amount on item by factor, used
// to move per-100g values onto a serving
func ScaleNutrients(item *types.CanonicalFoodItem, factor float64) {
	m := &item.Macros
	m.Kcal *= factor
	m.ProteinGrams *= factor
	m.CarbGrams *= factor
	m.FatGrams *= factor
	for _, p := range []*float64{m.AlcoholGrams, m.FiberGrams, m.SugarGrams, m.AddedSugar, m.SatFatGrams, m.TransFat, m.Cholesterol, m.SodiumMg} {
		if p != nil {
			*p *= factor
		}
	}
	for i := range item.Nutrients {
		item.Nutrients[i].Amount *= factor
	}
}

// flexFloat decodes numbers that vendors send either as JSON numbers or as
// numeric strings. Empty strings and null decode to nil.
type flexFloat struct {
	v *float64
}

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		f.v = nil
		return nil
	}
	s := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			f.v = nil
			return nil
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %s: %w", data, err)
	}
	f.v = &v
	return nil
}

// Ptr returns the value or nil
func (f flexFloat) Ptr() *float64 {
	if f.v == nil {
		return nil
	}
	v := *f.v
	return &v
}

// Or returns the value or def
func (f flexFloat) Or(def float64) float64 {
	if f.v == nil {
		return def
	}
	return *f.v
}
