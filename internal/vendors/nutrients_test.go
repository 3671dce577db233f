package vendors

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/foodresolve/pkg/types"
)

func TestCanonicalNutrient(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		aliased bool
	}{
		{"Total lipid (fat)", NutrientFat, true},
		{"Energy", NutrientCalories, true},
		{"Carbohydrate, by difference", NutrientCarbs, true},
		{"Sodium, Na", NutrientSodium, true},
		{"Potassium, K", "potassium", true},
		{"Vitamin B-12", "vitamin_b-12", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := CanonicalNutrient(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.aliased, ok)
		})
	}
}

func TestApplyNutrient(t *testing.T) {
	item := &types.CanonicalFoodItem{}
	ApplyNutrient(item, "Energy", "KCAL", 52)
	ApplyNutrient(item, "Energy", "kJ", 218)
	ApplyNutrient(item, "Total lipid (fat)", "g", 0.17)
	ApplyNutrient(item, "Fiber, total dietary", "g", 2.4)
	ApplyNutrient(item, "Potassium, K", "mg", 107)
	ApplyNutrient(item, "Potassium, K", "mg", 110)

	assert.InDelta(t, 52, item.Kcal, 1e-9, "kJ energy must not overwrite kcal")
	assert.InDelta(t, 0.17, item.FatGrams, 1e-9)
	require.NotNil(t, item.FiberGrams)
	assert.InDelta(t, 2.4, *item.FiberGrams, 1e-9)
	require.Len(t, item.Nutrients, 1)
	assert.Equal(t, types.Nutrient{Name: "potassium", Unit: "mg", Amount: 110}, item.Nutrients[0])
}

func TestScaleNutrients(t *testing.T) {
	item := &types.CanonicalFoodItem{
		Macros:    types.Macros{Kcal: 100, ProteinGrams: 10, SodiumMg: types.Float(50)},
		Nutrients: []types.Nutrient{{Name: "iron", Unit: "mg", Amount: 2}},
	}
	ScaleNutrients(item, 0.5)
	assert.InDelta(t, 50, item.Kcal, 1e-9)
	assert.InDelta(t, 5, item.ProteinGrams, 1e-9)
	assert.InDelta(t, 25, *item.SodiumMg, 1e-9)
	assert.InDelta(t, 1, item.Nutrients[0].Amount, 1e-9)
}

func TestFlexFloat(t *testing.T) {
	var v struct {
		A flexFloat `json:"a"`
		B flexFloat `json:"b"`
		C flexFloat `json:"c"`
		D flexFloat `json:"d"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": 1.5, "b": "2.25", "c": "", "d": null}`), &v))
	assert.Equal(t, 1.5, v.A.Or(0))
	assert.Equal(t, 2.25, v.B.Or(0))
	assert.Nil(t, v.C.Ptr())
	assert.Equal(t, 7.0, v.D.Or(7))

	var bad flexFloat
	assert.Error(t, json.Unmarshal([]byte(`"ten"`), &bad))
}
