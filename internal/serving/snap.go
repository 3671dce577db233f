package serving

import (
	"math"
	"sort"

	"github.com/dshills/foodresolve/pkg/types"
)

// DefaultSnapTolerance is the relative distance from a whole number of units
// that still counts as a match
const DefaultSnapTolerance = 0.01

// Snap finds the serving that grams is a whole multiple of. Servings are
// tried from the lightest unit up; the first whose unit count lands within
// tolerance of an integer (at least one) wins. It returns the serving and the
// integer unit count, or nil when none fits.
func Snap(grams float64, servings []types.Serving, tolerance float64) (*types.Serving, float64) {
	if grams <= 0 {
		return nil, 0
	}
	if tolerance < 0 {
		tolerance = DefaultSnapTolerance
	}

	resolved := make([]*types.Serving, 0, len(servings))
	for i := range servings {
		if servings[i].Resolved() {
			resolved = append(resolved, &servings[i])
		}
	}
	sort.SliceStable(resolved, func(i, j int) bool {
		return resolved[i].PerUnitWeight() < resolved[j].PerUnitWeight()
	})

	for _, s := range resolved {
		unit := s.PerUnitWeight()
		units := math.Round(grams / unit)
		if units < 1 {
			continue
		}
		if math.Abs(grams-units*unit) <= tolerance*grams {
			return s, units
		}
	}
	return nil, 0
}
